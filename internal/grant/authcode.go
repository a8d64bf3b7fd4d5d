package grant

import (
	"errors"
	"net/url"

	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/store"
	"github.com/keyfold/keyfold/internal/token"
)

// authorizationCode exchanges a code for tokens. The consume is a single
// compare-and-set; a replayed code revokes the refresh family minted on the
// first exchange before failing.
func (h *Handler) authorizationCode(client *oauth.Client, form url.Values, jkt string) (*TokenResponse, *oauth.Error) {
	code := form.Get("code")
	if code == "" {
		return nil, oauth.NewError(oauth.ErrInvalidRequest, "code is required")
	}

	rec, err := h.codes.Consume(store.ConsumeRequest{
		Code:         code,
		ClientID:     client.ID,
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		DPoPJKT:      jkt,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyConsumed) && rec.FamilyID != "" {
			h.refresh.RevokeFamily(rec.FamilyID)
		}
		return nil, mapStoreError(err)
	}

	scope := rec.Scope
	if requested := oauth.ParseScope(form.Get("scope")); len(requested) > 0 {
		if !oauth.ScopeSubset(requested, rec.Scope) {
			return nil, oauth.NewError(oauth.ErrInvalidScope, "requested scope exceeds the grant")
		}
		scope = requested
	}

	at, err := h.minter.MintAccessToken(token.AccessTokenContext{
		TenantID: rec.TenantID,
		ClientID: client.ID,
		Subject:  rec.Subject,
		Scope:    scope,
		ACR:      rec.ACR,
		AMR:      rec.AMR,
		DPoPJKT:  jkt,
	})
	if err != nil {
		return nil, oauth.AsError(err)
	}

	resp := &TokenResponse{
		AccessToken: at.Token,
		TokenType:   tokenType(jkt),
		ExpiresIn:   int(h.minter.AccessTTL().Seconds()),
		Scope:       oauth.JoinScope(scope),
	}

	if oauth.HasScope(scope, "openid") {
		idToken, err := h.minter.MintIDToken(token.IDTokenContext{
			TenantID:    rec.TenantID,
			ClientID:    client.ID,
			Subject:     rec.Subject,
			Nonce:       rec.Nonce,
			ACR:         rec.ACR,
			AMR:         rec.AMR,
			AuthTime:    rec.AuthTime,
			AccessToken: at.Token,
		})
		if err != nil {
			return nil, oauth.AsError(err)
		}
		resp.IDToken = idToken
	}

	if client.AllowsGrant(GrantRefreshToken) {
		rt, err := h.refresh.Mint(store.MintAttrs{
			TenantID:  rec.TenantID,
			ClientID:  client.ID,
			UserID:    rec.UserID,
			Subject:   rec.Subject,
			SessionID: rec.SessionID,
			Scope:     scope,
			ACR:       rec.ACR,
			AMR:       rec.AMR,
			DPoPJKT:   jkt,
			TTL:       h.refreshTTL,
		})
		if err != nil {
			return nil, oauth.AsError(err)
		}
		resp.RefreshToken = rt.Handle
		h.codes.BindFamily(code, rt.FamilyID)
		h.revocations.BindAccessJTI(rt.FamilyID, at.JTI, at.ExpiresAt)
	}

	return resp, nil
}
