// Package auth guards the admin endpoints with a single shared password
// verified against a bcrypt hash from configuration.
package auth

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

type AdminAuth struct {
	passwordHash string
	enabled      bool
}

func NewAdminAuth(passwordHash string, enabled bool) *AdminAuth {
	if enabled && passwordHash == "" {
		slog.Warn("admin auth enabled but no password hash configured, admin endpoints will reject all requests")
	}
	return &AdminAuth{passwordHash: passwordHash, enabled: enabled}
}

// Middleware rejects requests whose X-Admin-Password header does not match
// the configured hash. Disabled auth passes everything through, which is the
// expected mode for local development.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		password := r.Header.Get("X-Admin-Password")
		if password == "" || a.passwordHash == "" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)); err != nil {
			slog.Warn("admin auth failed", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
