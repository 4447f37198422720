package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/dkod-io/dkod-engine/internal/auth"
)

// TokenValidator checks a bearer token and returns its claims.
// *auth.Service satisfies this interface.
type TokenValidator interface {
	Validate(tokenString string) (*auth.Claims, error)
}

// Auth authenticates requests with a bearer token and stores the agent
// id and scope in the request context. Requests without valid
// credentials are rejected with 401.
func Auth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := extractBearer(r)
			if tok == "" {
				unauthorized(w, "missing or invalid credentials")
				return
			}

			claims, err := validator.Validate(tok)
			if err != nil {
				unauthorized(w, "missing or invalid credentials")
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyAgentID, claims.AgentID())
			ctx = context.WithValue(ctx, ContextKeyScope, claims.Scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return header[7:]
	}
	return ""
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"title":"Unauthorized","status":401,"detail":"` + detail + `"}`))
}
