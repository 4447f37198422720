package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is one agent's live connection to a codebase. It owns exactly one
// workspace while active and is destroyed into a SessionSnapshot once idle
// past the configured timeout.
type Session struct {
	ID              uuid.UUID `json:"id"`
	AgentID         string    `json:"agent_id"`
	Codebase        string    `json:"codebase"`
	Intent          string    `json:"intent"`
	CodebaseVersion string    `json:"codebase_version"`
	CreatedAt       time.Time `json:"created_at"`
	LastActive      time.Time `json:"last_active"`
}

// IdleSince reports whether the session has been inactive for at least d as of now.
func (s *Session) IdleSince(now time.Time, d time.Duration) bool {
	return now.Sub(s.LastActive) >= d
}

// SessionSnapshot is the residue of an expired session, consumable at most
// once by a resume request. It expires independently after a long fixed TTL.
type SessionSnapshot struct {
	AgentID         string    `json:"agent_id"`
	Codebase        string    `json:"codebase"`
	Intent          string    `json:"intent"`
	CodebaseVersion string    `json:"codebase_version"`
	ExpiredAt       time.Time `json:"expired_at"`
}

// SessionStore persists sessions and snapshots in fast transient storage.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	// Save overwrites an existing session record (used by touch).
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns every live session; used only by the idle sweeper.
	List(ctx context.Context) ([]*Session, error)

	PutSnapshot(ctx context.Context, id uuid.UUID, snap *SessionSnapshot, ttl time.Duration) error
	// TakeSnapshot atomically removes and returns the snapshot for id.
	// Returns ErrNotFound if no snapshot exists (already consumed or expired).
	TakeSnapshot(ctx context.Context, id uuid.UUID) (*SessionSnapshot, error)
}
