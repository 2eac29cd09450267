package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// publicPaths are served without a bearer token. The OAuth provider redirects
// the browser to the callback, which cannot carry our header.
var publicPaths = map[string]bool{
	"/healthz":        true,
	"/oauth/callback": true,
}

// AuthMiddleware checks the gateway bearer token.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware creates an auth middleware for token. An empty token
// rejects every protected request.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Wrap rejects protected requests that do not present the token.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !am.Authorized(r) {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authorized reports whether r carries the configured token.
func (am *AuthMiddleware) Authorized(r *http.Request) bool {
	if am.token == "" {
		return false
	}
	key := ExtractToken(r)
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) == 1
}

// ExtractToken reads the token from "Authorization: Bearer <token>", or from
// the access_token query parameter for WebSocket clients that cannot set
// headers.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}
