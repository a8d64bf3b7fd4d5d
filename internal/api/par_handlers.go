package api

import (
	"net/http"

	"github.com/keyfold/keyfold/internal/api/helpers"
	custommw "github.com/keyfold/keyfold/internal/api/middleware"
	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/oauth"
)

// requestURIPrefix is the RFC 9126 request_uri namespace.
const requestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// parResponse is the RFC 9126 success payload.
type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// handlePAR stores a pushed authorization request under a fresh request_uri.
// The pushed parameters are validated eagerly so the client learns about a
// broken request at push time, and again when the request_uri is consumed.
func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "malformed form body"))
		return
	}
	req := s.grantRequest(r, "/par")

	client, oerr := s.grants.AuthenticateClient(req)
	if oerr != nil {
		helpers.RespondOAuthError(w, oerr)
		return
	}
	if r.PostForm.Get("request_uri") != "" {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrInvalidRequest, "request_uri must not be pushed"))
		return
	}

	if _, aerr := s.flow.Validate(custommw.TenantID(r.Context()), r.PostForm); aerr != nil {
		helpers.RespondOAuthError(w, aerr.Err)
		return
	}

	token, err := crypto.RandomToken(32)
	if err != nil {
		helpers.RespondOAuthError(w, oauth.NewError(oauth.ErrServerError, "internal error"))
		return
	}
	requestURI := requestURIPrefix + token

	rec := s.pars.Store(requestURI, client.ID, r.PostForm, s.cfg.PARRequestTTL)

	w.Header().Set("Cache-Control", "no-store")
	helpers.RespondJSON(w, http.StatusCreated, parResponse{
		RequestURI: rec.RequestURI,
		ExpiresIn:  int(s.cfg.PARRequestTTL.Seconds()),
	})
}
