package middleware

import (
	"net/http"

	"github.com/dkod-io/dkod-engine/internal/auth"
)

// RequireScope blocks requests whose token does not carry the given
// scope. Admin tokens pass every scope check. Must be chained after
// Auth so the scope is present in the request context.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := ScopeFromContext(r.Context())
			if !ok || got == "" {
				unauthorized(w, "authentication required")
				return
			}
			if got != scope && got != auth.ScopeAdmin {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"title":"Forbidden","status":403,"detail":"insufficient scope"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
