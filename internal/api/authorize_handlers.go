package api

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyfold/keyfold/internal/api/helpers"
	custommw "github.com/keyfold/keyfold/internal/api/middleware"
	"github.com/keyfold/keyfold/internal/flow"
	"github.com/keyfold/keyfold/internal/oauth"
	"github.com/keyfold/keyfold/internal/store"
)

// handleAuthorize runs the front-channel authorization flow. An active
// session completes immediately; otherwise the validated request is parked
// as a flow carrier and the user is sent to the login page.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	tenantID := custommw.TenantID(r.Context())

	v, aerr := s.flow.Validate(tenantID, r.URL.Query())
	if aerr != nil {
		s.authorizeError(w, r, aerr)
		return
	}

	var sessionID string
	if c, err := r.Cookie(sessionCookieName); err == nil {
		sessionID = c.Value
	}
	auth, err := s.flow.AuthenticateSession(sessionID)
	if err != nil {
		st, ferr := s.flow.StartFlow(v, "login", 10*time.Minute)
		if ferr != nil {
			s.authorizeError(w, r, &flow.AuthorizeError{Err: oauth.AsError(ferr)})
			return
		}
		http.Redirect(w, r, "/login?flow_id="+url.QueryEscape(st.FlowID), http.StatusFound)
		return
	}

	resp, err := s.flow.Complete(v, auth)
	if err != nil {
		s.log.Error("authorize completion failed", "error", err, "client_id", v.Client.ID)
		s.authorizeError(w, r, &flow.AuthorizeError{
			Err:          oauth.NewError(oauth.ErrServerError, "internal error"),
			RedirectURI:  v.RedirectURI,
			ResponseMode: v.ResponseMode,
			State:        v.State,
		})
		return
	}
	s.deliverAuthorize(w, r, resp)
}

// flowVerifyRequest presents a credential for one authentication substep.
type flowVerifyRequest struct {
	Type       string `json:"type"`
	SessionKey string `json:"session_key"`
	Secret     string `json:"secret"`
}

// handleFlowVerify consumes a credential challenge and advances the parked
// flow on success.
func (s *Server) handleFlowVerify(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")

	var req flowVerifyRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	_, st, aerr := s.flow.ResumeFlow(flowID)
	if aerr != nil {
		helpers.RespondOAuthError(w, aerr.Err)
		return
	}

	auth := authnFromFlow(st)
	if req.Type == "totp" {
		if err := s.flow.VerifyTOTP(r.Context(), st.TenantID, req.Secret, &auth); err != nil {
			helpers.RespondOAuthError(w, oauth.AsError(err))
			return
		}
	} else if err := s.flow.VerifyChallenge(store.ChallengeType(req.Type), req.SessionKey, req.Secret, &auth); err != nil {
		helpers.RespondOAuthError(w, oauth.AsError(err))
		return
	}

	st = s.flow.AdvanceFlow(st, auth, "authenticated")
	helpers.RespondJSON(w, http.StatusOK, map[string]any{
		"flow_id": st.FlowID,
		"stage":   st.Stage,
		"amr":     auth.AMR,
	})
}

// handleFlowComplete finalizes an authenticated flow and delivers the
// authorization response.
func (s *Server) handleFlowComplete(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flowID")

	v, st, aerr := s.flow.ResumeFlow(flowID)
	if aerr != nil {
		s.authorizeError(w, r, aerr)
		return
	}
	if st.UserID == "" {
		s.authorizeError(w, r, &flow.AuthorizeError{
			Err:          oauth.NewError(oauth.ErrLoginRequired, "flow is not authenticated"),
			RedirectURI:  v.RedirectURI,
			ResponseMode: v.ResponseMode,
			State:        v.State,
		})
		return
	}

	resp, err := s.flow.Complete(v, authnFromFlow(st))
	if err != nil {
		s.log.Error("flow completion failed", "error", err, "flow_id", flowID)
		s.authorizeError(w, r, &flow.AuthorizeError{
			Err:          oauth.NewError(oauth.ErrServerError, "internal error"),
			RedirectURI:  v.RedirectURI,
			ResponseMode: v.ResponseMode,
			State:        v.State,
		})
		return
	}
	s.flow.FinishFlow(flowID)
	s.deliverAuthorize(w, r, resp)
}

// authnFromFlow rebuilds the authentication result recorded on a carrier.
func authnFromFlow(st store.FlowState) flow.AuthnResult {
	return flow.AuthnResult{
		UserID:    st.UserID,
		Subject:   st.Subject,
		SessionID: st.SessionID,
		AMR:       st.AMR,
		ACR:       st.ACR,
		AuthTime:  st.AuthTime,
	}
}

// deliverAuthorize sends the assembled response in its response mode.
func (s *Server) deliverAuthorize(w http.ResponseWriter, r *http.Request, resp *flow.AuthorizeResponse) {
	w.Header().Set("Cache-Control", "no-store")
	if resp.Mode == flow.ResponseModeFormPost {
		html, err := resp.FormPostHTML()
		if err != nil {
			s.log.Error("form_post render failed", "error", err)
			helpers.RespondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(html))
		return
	}
	http.Redirect(w, r, resp.Location(), http.StatusFound)
}

// authorizeError delivers a front-channel failure. Errors without a trusted
// redirect target are rendered directly so tokens of trust never leak to an
// unvalidated URI.
func (s *Server) authorizeError(w http.ResponseWriter, r *http.Request, aerr *flow.AuthorizeError) {
	if aerr.RedirectURI == "" {
		helpers.RespondOAuthError(w, aerr.Err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, aerr.ErrorLocation(), http.StatusFound)
}
