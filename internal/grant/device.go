package grant

import (
	"errors"
	"net/url"

	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/store"
	"github.com/keyfold/keyfold/internal/token"
)

// deviceCode handles the RFC 8628 polling grant. The interval is static:
// slow_down tells the client to back off but does not grow the interval.
func (h *Handler) deviceCode(client *oauth.Client, form url.Values, jkt string) (*TokenResponse, *oauth.Error) {
	dc := form.Get("device_code")
	if dc == "" {
		return nil, oauth.NewError(oauth.ErrInvalidRequest, "device_code is required")
	}

	res, err := h.devices.Poll(dc, client.ID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyConsumed) {
			return nil, oauth.NewError(oauth.ErrInvalidGrant, "device code already redeemed")
		}
		return nil, mapStoreError(err)
	}
	if res.SlowDown {
		return nil, oauth.NewError(oauth.ErrSlowDown, "polling faster than the interval")
	}

	switch res.State {
	case store.DeviceExpired:
		return nil, oauth.NewError(oauth.ErrExpiredToken, "device code expired")
	case store.DevicePending:
		return nil, oauth.NewError(oauth.ErrAuthorizationPending, "authorization pending")
	case store.DeviceDenied:
		return nil, oauth.NewError(oauth.ErrAccessDenied, "the user denied the request")
	case store.DeviceApproved:
		return h.mintForGrant(client, grantContext{
			TenantID: res.Record.TenantID,
			UserID:   res.Record.UserID,
			Subject:  res.Record.Subject,
			Scope:    res.Record.Scope,
			AMR:      []string{"user_code"},
		}, jkt)
	default:
		return nil, oauth.NewError(oauth.ErrServerError, "internal error")
	}
}

// cibaGrant handles the backchannel polling grant, keyed by auth_req_id.
func (h *Handler) cibaGrant(client *oauth.Client, form url.Values, jkt string) (*TokenResponse, *oauth.Error) {
	authReqID := form.Get("auth_req_id")
	if authReqID == "" {
		return nil, oauth.NewError(oauth.ErrInvalidRequest, "auth_req_id is required")
	}

	res, err := h.ciba.Poll(authReqID, client.ID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyConsumed) {
			return nil, oauth.NewError(oauth.ErrInvalidGrant, "auth_req_id already redeemed")
		}
		return nil, mapStoreError(err)
	}
	if res.SlowDown {
		return nil, oauth.NewError(oauth.ErrSlowDown, "polling faster than the interval")
	}

	switch res.State {
	case store.DeviceExpired:
		return nil, oauth.NewError(oauth.ErrExpiredToken, "auth_req_id expired")
	case store.DevicePending:
		return nil, oauth.NewError(oauth.ErrAuthorizationPending, "authorization pending")
	case store.DeviceDenied:
		return nil, oauth.NewError(oauth.ErrAccessDenied, "the user denied the request")
	case store.DeviceApproved:
		return h.mintForGrant(client, grantContext{
			TenantID: res.Record.TenantID,
			UserID:   res.Record.UserID,
			Subject:  res.Record.Subject,
			Scope:    res.Record.Scope,
			AMR:      []string{"ciba"},
		}, jkt)
	default:
		return nil, oauth.NewError(oauth.ErrServerError, "internal error")
	}
}

// grantContext is the minted-token context shared by the polling grants.
type grantContext struct {
	TenantID string
	UserID   string
	Subject  string
	Scope    []string
	AMR      []string
}

func (h *Handler) mintForGrant(client *oauth.Client, gc grantContext, jkt string) (*TokenResponse, *oauth.Error) {
	at, err := h.minter.MintAccessToken(token.AccessTokenContext{
		TenantID: gc.TenantID,
		ClientID: client.ID,
		Subject:  gc.Subject,
		Scope:    gc.Scope,
		AMR:      gc.AMR,
		DPoPJKT:  jkt,
	})
	if err != nil {
		return nil, oauth.AsError(err)
	}

	resp := &TokenResponse{
		AccessToken: at.Token,
		TokenType:   tokenType(jkt),
		ExpiresIn:   int(h.minter.AccessTTL().Seconds()),
		Scope:       oauth.JoinScope(gc.Scope),
	}

	if oauth.HasScope(gc.Scope, "openid") {
		idToken, err := h.minter.MintIDToken(token.IDTokenContext{
			TenantID:    gc.TenantID,
			ClientID:    client.ID,
			Subject:     gc.Subject,
			AMR:         gc.AMR,
			AuthTime:    h.now(),
			AccessToken: at.Token,
		})
		if err != nil {
			return nil, oauth.AsError(err)
		}
		resp.IDToken = idToken
	}

	if client.AllowsGrant(GrantRefreshToken) {
		rt, err := h.refresh.Mint(store.MintAttrs{
			TenantID: gc.TenantID,
			ClientID: client.ID,
			UserID:   gc.UserID,
			Subject:  gc.Subject,
			Scope:    gc.Scope,
			AMR:      gc.AMR,
			DPoPJKT:  jkt,
			TTL:      h.refreshTTL,
		})
		if err != nil {
			return nil, oauth.AsError(err)
		}
		resp.RefreshToken = rt.Handle
		h.revocations.BindAccessJTI(rt.FamilyID, at.JTI, at.ExpiresAt)
	}

	return resp, nil
}
