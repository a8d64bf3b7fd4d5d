// Package grant implements the token endpoint: client authentication per
// token_endpoint_auth_method, and the authorization_code, refresh_token,
// device_code and CIBA grants.
package grant

import (
	"errors"
	"net/url"
	"time"

	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/storage"
	"github.com/keyfold/keyfold/internal/store"
	"github.com/keyfold/keyfold/internal/token"
)

// Grant types dispatched by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantCIBA              = "urn:openid:params:grant-type:ciba"
)

// TokenResponse is the successful token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Request is one token endpoint call, already pulled off the transport.
type Request struct {
	TenantID  string
	Form      url.Values
	BasicUser string
	BasicPass string
	HasBasic  bool
	// DPoPProof is the DPoP header value, empty when absent. HTU is the
	// token endpoint URL the proof must cover.
	DPoPProof string
	HTU       string
}

// Handler dispatches token requests by grant_type.
type Handler struct {
	clients     oauth.ClientResolver
	codes       *store.AuthorizationCodeStore
	refresh     *store.RefreshTokenRotator
	devices     *store.DeviceCodeStore
	ciba        *store.CIBARequestStore
	revocations *store.TokenRevocationStore
	minter      *token.Minter
	dpop        *token.DPoPValidator

	refreshTTL time.Duration
	now        func() time.Time
}

// HandlerConfig wires the handler's collaborators.
type HandlerConfig struct {
	Clients     oauth.ClientResolver
	Codes       *store.AuthorizationCodeStore
	Refresh     *store.RefreshTokenRotator
	Devices     *store.DeviceCodeStore
	CIBA        *store.CIBARequestStore
	Revocations *store.TokenRevocationStore
	Minter      *token.Minter
	DPoP        *token.DPoPValidator
	RefreshTTL  time.Duration
}

// NewHandler creates the token endpoint handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		clients:     cfg.Clients,
		codes:       cfg.Codes,
		refresh:     cfg.Refresh,
		devices:     cfg.Devices,
		ciba:        cfg.CIBA,
		revocations: cfg.Revocations,
		minter:      cfg.Minter,
		dpop:        cfg.DPoP,
		refreshTTL:  cfg.RefreshTTL,
		now:         time.Now,
	}
}

// Token authenticates the client and dispatches by grant_type.
func (h *Handler) Token(req Request) (*TokenResponse, *oauth.Error) {
	grantType := req.Form.Get("grant_type")
	if grantType == "" {
		return nil, oauth.NewError(oauth.ErrInvalidRequest, "grant_type is required")
	}

	client, oerr := h.AuthenticateClient(req)
	if oerr != nil {
		return nil, oerr
	}
	if !client.AllowsGrant(grantType) {
		return nil, oauth.NewError(oauth.ErrUnauthorizedClient, "grant type %q is not allowed for this client", grantType)
	}

	jkt, oerr := h.proofThumbprint(client, req)
	if oerr != nil {
		return nil, oerr
	}

	switch grantType {
	case GrantAuthorizationCode:
		return h.authorizationCode(client, req.Form, jkt)
	case GrantRefreshToken:
		return h.refreshToken(client, req.Form, jkt)
	case GrantDeviceCode:
		return h.deviceCode(client, req.Form, jkt)
	case GrantCIBA:
		return h.cibaGrant(client, req.Form, jkt)
	default:
		return nil, oauth.NewError(oauth.ErrUnsupportedGrantType, "unsupported grant_type %q", grantType)
	}
}

// proofThumbprint validates the DPoP proof when one is presented and
// enforces clients registered as DPoP-only.
func (h *Handler) proofThumbprint(client *oauth.Client, req Request) (string, *oauth.Error) {
	if req.DPoPProof == "" {
		if client.RequireDPoP {
			return "", oauth.NewError(oauth.ErrInvalidRequest, "client requires DPoP-bound tokens")
		}
		return "", nil
	}
	jkt, err := h.dpop.ValidateProof(req.DPoPProof, "POST", req.HTU)
	if err != nil {
		return "", oauth.NewError(oauth.ErrInvalidRequest, "invalid DPoP proof")
	}
	return jkt, nil
}

// tokenType returns DPoP for bound tokens, Bearer otherwise.
func tokenType(jkt string) string {
	if jkt != "" {
		return "DPoP"
	}
	return "Bearer"
}

// mapStoreError translates store failures to the protocol taxonomy. The
// logic-error cases all collapse to invalid_grant so a caller cannot probe
// which check failed.
func mapStoreError(err error) *oauth.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrStorageUnavailable),
		errors.Is(err, storage.ErrStorageTimeout):
		return oauth.NewError(oauth.ErrTemporarilyUnavailable, "storage unavailable")
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrExpired),
		errors.Is(err, store.ErrAlreadyConsumed),
		errors.Is(err, store.ErrClientMismatch),
		errors.Is(err, store.ErrRedirectMismatch),
		errors.Is(err, store.ErrPKCEMismatch),
		errors.Is(err, store.ErrDPoPMismatch),
		errors.Is(err, store.ErrReuseDetected),
		errors.Is(err, store.ErrRevoked):
		return oauth.NewError(oauth.ErrInvalidGrant, "grant is invalid")
	default:
		return oauth.NewError(oauth.ErrServerError, "internal error")
	}
}
