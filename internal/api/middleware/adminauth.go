package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// HeaderAdminSecret authenticates calls to the admin surface.
const HeaderAdminSecret = "X-Admin-Secret"

// AdminAuth guards the admin routes with a shared secret. An empty secret
// disables the surface entirely rather than leaving it open.
func AdminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "admin API is not configured", http.StatusServiceUnavailable)
				return
			}
			presented := r.Header.Get(HeaderAdminSecret)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				slog.Warn("admin auth rejected", "ip", r.RemoteAddr, "path", r.URL.Path)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
