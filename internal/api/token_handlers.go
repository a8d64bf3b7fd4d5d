package api

import (
	"net/http"

	"github.com/keyfold/keyfold/internal/api/helpers"
	custommw "github.com/keyfold/keyfold/internal/api/middleware"
	"github.com/keyfold/keyfold/internal/audit"
	"github.com/keyfold/keyfold/internal/grant"
	"github.com/keyfold/keyfold/internal/oauth"
)

// grantRequest pulls a token-endpoint style request off the transport.
func (s *Server) grantRequest(r *http.Request, endpointPath string) grant.Request {
	user, pass, hasBasic := r.BasicAuth()
	return grant.Request{
		TenantID:  custommw.TenantID(r.Context()),
		Form:      r.PostForm,
		BasicUser: user,
		BasicPass: pass,
		HasBasic:  hasBasic,
		DPoPProof: r.Header.Get("DPoP"),
		HTU:       s.cfg.IssuerURL + endpointPath,
	}
}

// handleToken is the token endpoint: client auth plus grant dispatch.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "malformed form body"))
		return
	}
	req := s.grantRequest(r, "/token")

	resp, oerr := s.grants.Token(req)
	if oerr != nil {
		if oerr.Code == oauth.ErrInvalidClient {
			s.audit.Log(r.Context(), req.Form.Get("client_id"), audit.EventClientAuthFailed, "token", nil)
		}
		helpers.RespondOAuthError(w, oerr)
		return
	}

	s.audit.Log(r.Context(), req.Form.Get("client_id"), audit.EventTokenIssued, "tenant/"+req.TenantID, map[string]string{
		"grant_type": req.Form.Get("grant_type"),
		"token_type": resp.TokenType,
	})

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	helpers.RespondJSON(w, http.StatusOK, resp)
}

// handleRevoke is the RFC 7009 endpoint. Client authentication is required,
// but revocation itself always reports success, even for unknown tokens.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "malformed form body"))
		return
	}
	req := s.grantRequest(r, "/revoke")

	client, oerr := s.grants.AuthenticateClient(req)
	if oerr != nil {
		helpers.RespondOAuthError(w, oerr)
		return
	}

	s.revoker.Revoke(req.TenantID, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	s.audit.Log(r.Context(), client.ID, audit.EventTokenRevoked, "tenant/"+req.TenantID, nil)

	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// handleIntrospect is the RFC 7662 endpoint, client-authenticated.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "malformed form body"))
		return
	}
	req := s.grantRequest(r, "/introspect")

	if _, oerr := s.grants.AuthenticateClient(req); oerr != nil {
		helpers.RespondOAuthError(w, oerr)
		return
	}

	res := s.introspector.Introspect(req.TenantID, r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	w.Header().Set("Cache-Control", "no-store")
	helpers.RespondJSON(w, http.StatusOK, res)
}
