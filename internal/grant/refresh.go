package grant

import (
	"net/url"

	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/token"
)

// refreshToken rotates a refresh handle. Reuse of a superseded handle has
// already revoked the family inside the rotator by the time the error
// surfaces; the response is invalid_grant either way.
func (h *Handler) refreshToken(client *oauth.Client, form url.Values, jkt string) (*TokenResponse, *oauth.Error) {
	handle := form.Get("refresh_token")
	if handle == "" {
		return nil, oauth.NewError(oauth.ErrInvalidRequest, "refresh_token is required")
	}

	successor, err := h.refresh.Exchange(handle, client.ID, jkt)
	if err != nil {
		return nil, mapStoreError(err)
	}

	// Narrowing only: the effective scope can shrink but never grow.
	scope := successor.Scope
	if requested := oauth.ParseScope(form.Get("scope")); len(requested) > 0 {
		if !oauth.ScopeSubset(requested, successor.Scope) {
			return nil, oauth.NewError(oauth.ErrInvalidScope, "requested scope exceeds the original grant")
		}
		scope = requested
	}

	at, err := h.minter.MintAccessToken(token.AccessTokenContext{
		TenantID: successor.TenantID,
		ClientID: client.ID,
		Subject:  successor.Subject,
		Scope:    scope,
		ACR:      successor.ACR,
		AMR:      successor.AMR,
		DPoPJKT:  successor.DPoPJKT,
	})
	if err != nil {
		return nil, oauth.AsError(err)
	}
	h.revocations.BindAccessJTI(successor.FamilyID, at.JTI, at.ExpiresAt)

	resp := &TokenResponse{
		AccessToken:  at.Token,
		TokenType:    tokenType(successor.DPoPJKT),
		ExpiresIn:    int(h.minter.AccessTTL().Seconds()),
		RefreshToken: successor.Handle,
		Scope:        oauth.JoinScope(scope),
	}

	if oauth.HasScope(scope, "openid") {
		idToken, err := h.minter.MintIDToken(token.IDTokenContext{
			TenantID:    successor.TenantID,
			ClientID:    client.ID,
			Subject:     successor.Subject,
			ACR:         successor.ACR,
			AMR:         successor.AMR,
			AuthTime:    successor.IssuedAt,
			AccessToken: at.Token,
		})
		if err != nil {
			return nil, oauth.AsError(err)
		}
		resp.IDToken = idToken
	}

	return resp, nil
}
