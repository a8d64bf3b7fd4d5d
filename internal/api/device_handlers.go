package api

import (
	"net/http"

	"github.com/keyfold/keyfold/internal/api/helpers"
	custommw "github.com/keyfold/keyfold/internal/api/middleware"
	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/flow"
	"github.com/keyfold/keyfold/internal/grant"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/store"
)

// deviceAuthorizationResponse is the RFC 8628 3.2 payload.
type deviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// handleDeviceAuthorization starts a device grant: mints the device and user
// codes and stores the pending authorization.
func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "malformed form body"))
		return
	}
	req := s.grantRequest(r, "/device_authorization")

	client, oerr := s.grants.AuthenticateClient(req)
	if oerr != nil {
		helpers.RespondOAuthError(w, oerr)
		return
	}
	if !client.AllowsGrant(grant.GrantDeviceCode) {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrUnauthorizedClient, "device grant is not allowed for this client"))
		return
	}

	scope := oauth.ParseScope(r.PostForm.Get("scope"))
	if !oauth.ScopeSubset(scope, client.Scopes) {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidScope, "requested scope exceeds the client registration"))
		return
	}

	deviceCode, err := crypto.RandomToken(32)
	if err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrServerError, "internal error"))
		return
	}
	userCode, err := crypto.UserCode()
	if err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrServerError, "internal error"))
		return
	}

	rec := s.devices.Issue(store.DeviceCode{
		DeviceCode: deviceCode,
		UserCode:   userCode,
		TenantID:   custommw.TenantID(r.Context()),
		ClientID:   client.ID,
		Scope:      scope,
	}, s.cfg.DeviceCodeTTL)

	w.Header().Set("Cache-Control", "no-store")
	helpers.RespondJSON(w, http.StatusOK, deviceAuthorizationResponse{
		DeviceCode:              rec.DeviceCode,
		UserCode:                rec.UserCode,
		VerificationURI:         s.cfg.IssuerURL + "/device",
		VerificationURIComplete: s.cfg.IssuerURL + "/device?user_code=" + rec.UserCode,
		ExpiresIn:               int(s.cfg.DeviceCodeTTL.Seconds()),
		Interval:                int(s.devices.Interval().Seconds()),
	})
}

// deviceVerifyRequest is the user's decision for a typed user code.
type deviceVerifyRequest struct {
	UserCode string `json:"user_code"`
	Approve  bool   `json:"approve"`
}

// handleDeviceVerify records the decision of an authenticated user for a
// pending device grant.
func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	var req deviceVerifyRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.devices.FindByUserCode(req.UserCode)
	if err != nil {
		helpers.RespondError(w, http.StatusNotFound, "unknown or expired code")
		return
	}

	if req.Approve {
		err = s.devices.Approve(rec.DeviceCode, auth.UserID, auth.Subject)
	} else {
		err = s.devices.Deny(rec.DeviceCode)
	}
	if err != nil {
		helpers.RespondError(w, http.StatusConflict, "code is no longer pending")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// cibaAuthorizeResponse is the backchannel authentication payload.
type cibaAuthorizeResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int    `json:"expires_in"`
	Interval  int    `json:"interval"`
}

// handleCIBAAuthorize starts a backchannel authentication request.
func (s *Server) handleCIBAAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "malformed form body"))
		return
	}
	req := s.grantRequest(r, "/bc-authorize")

	client, oerr := s.grants.AuthenticateClient(req)
	if oerr != nil {
		helpers.RespondOAuthError(w, oerr)
		return
	}
	if !client.AllowsGrant(grant.GrantCIBA) {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrUnauthorizedClient, "backchannel grant is not allowed for this client"))
		return
	}

	loginHint := r.PostForm.Get("login_hint")
	if loginHint == "" {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "login_hint is required"))
		return
	}
	scope := oauth.ParseScope(r.PostForm.Get("scope"))
	if !oauth.ScopeSubset(scope, client.Scopes) {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidScope, "requested scope exceeds the client registration"))
		return
	}

	authReqID, err := crypto.RandomToken(32)
	if err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrServerError, "internal error"))
		return
	}

	s.ciba.Issue(store.CIBARequest{
		AuthReqID:      authReqID,
		TenantID:       custommw.TenantID(r.Context()),
		ClientID:       client.ID,
		Scope:          scope,
		BindingMessage: r.PostForm.Get("binding_message"),
		LoginHint:      loginHint,
	}, s.cfg.DeviceCodeTTL)

	w.Header().Set("Cache-Control", "no-store")
	helpers.RespondJSON(w, http.StatusOK, cibaAuthorizeResponse{
		AuthReqID: authReqID,
		ExpiresIn: int(s.cfg.DeviceCodeTTL.Seconds()),
		Interval:  int(s.ciba.Interval().Seconds()),
	})
}

// cibaResolveRequest is the authentication device's decision.
type cibaResolveRequest struct {
	AuthReqID string `json:"auth_req_id"`
	Approve   bool   `json:"approve"`
}

// handleCIBAResolve records the user's decision from their authentication
// device.
func (s *Server) handleCIBAResolve(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	var req cibaResolveRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.ciba.Resolve(req.AuthReqID, req.Approve, auth.UserID, auth.Subject); err != nil {
		helpers.RespondError(w, http.StatusConflict, "request is no longer pending")
		return
	}
	helpers.RespondJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// requireSession resolves the session cookie or ends the request with 401.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) (flow.AuthnResult, bool) {
	var sessionID string
	if c, err := r.Cookie(sessionCookieName); err == nil {
		sessionID = c.Value
	}
	auth, err := s.flow.AuthenticateSession(sessionID)
	if err != nil {
		helpers.RespondError(w, http.StatusUnauthorized, "login required")
		return flow.AuthnResult{}, false
	}
	return auth, true
}
