package middleware

import "context"

type contextKey string

const (
	ContextKeyAgentID contextKey = "agent_id"
	ContextKeyScope   contextKey = "scope"
)

// AgentIDFromContext returns the authenticated agent id stored by Auth.
func AgentIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyAgentID).(string)
	return v, ok
}

// ScopeFromContext returns the token scope stored by Auth.
func ScopeFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ContextKeyScope).(string)
	return v, ok
}
