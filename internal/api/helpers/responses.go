package helpers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/keyfold/keyfold/internal/oauth"
)

// RespondJSON writes a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// RespondError writes an error response with the given status code and message.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{
		"error": message,
	})
}

// RespondOAuthError writes a protocol error with its mapped status code.
// Token responses must never be cached, so no-store is set unconditionally.
func RespondOAuthError(w http.ResponseWriter, oerr *oauth.Error) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if oerr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(oerr.RetryAfter))
	}
	RespondJSON(w, oerr.HTTPStatus(), oerr)
}
