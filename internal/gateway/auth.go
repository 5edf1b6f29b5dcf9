package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware checks the admin API token on every request except the
// health probe. An empty token disables the check.
type AuthMiddleware struct {
	token string
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

func (am *AuthMiddleware) Enabled() bool {
	return am.token != ""
}

// Wrap wraps an http.Handler with token authentication.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) != 1 {
			respondError(w, http.StatusForbidden, "forbidden", "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey reads the key from "Authorization: Bearer <key>" or the
// X-API-Key header, in that order.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}
