package console

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenSource yields the token incoming requests are checked against.
// Typically backed by store.EnsureGatewayToken so the first authenticated
// caller and the dashboard share one secret.
type TokenSource func(ctx context.Context) (string, error)

// extractToken pulls the caller's token from the request. It checks, in
// order: Authorization: Bearer <token>, X-API-Key header, token query param
// (the query form exists for websocket clients that cannot set headers).
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}

// authMiddleware rejects requests whose token does not match the source.
// /healthz stays reachable without credentials.
func authMiddleware(source TokenSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			want, err := source(r.Context())
			if err != nil {
				http.Error(w, `{"ok":false,"error":{"kind":"internal","message":"token unavailable"}}`, http.StatusInternalServerError)
				return
			}

			got := extractToken(r)
			if got == "" {
				http.Error(w, `{"ok":false,"error":{"kind":"unauthorized","message":"missing token"}}`, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				http.Error(w, `{"ok":false,"error":{"kind":"unauthorized","message":"invalid token"}}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
