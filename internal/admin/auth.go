// Package admin implements the Admin Surface (C10): bearer-token-gated
// operator endpoints for route management, receipt inspection, and agent
// policy control, grounded on the teacher's chi-based REST handlers.
package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireAdminKey gates every admin route behind a constant-time comparison
// against the configured admin key. An empty configured key disables the
// admin surface entirely (every request is rejected), matching the spec's
// "admin disabled unless ADMIN_KEY is set" default.
func RequireAdminKey(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "admin surface disabled"})
				return
			}

			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
				return
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin key"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
