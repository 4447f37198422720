package domain

import "time"

// Event types published on the bus. Dot-separated so watch filters like
// "changeset.*" and "*.merged" select families of them.
const (
	EventSessionCreated = "session.created"
	EventSessionExpired = "session.expired"
	EventSessionResumed = "session.resumed"

	EventChangesetSubmitted = "changeset.submitted"
	EventVerifyStarted      = "changeset.verify_started"
	EventVerifyStep         = "changeset.verify_step"
	EventVerified           = "changeset.verified"
	EventChangesetMerged    = "changeset.merged"
	EventChangesetRejected  = "changeset.rejected"
)

// Event is one state-transition notification delivered to watchers.
type Event struct {
	Type            string    `json:"type"`
	RepoID          string    `json:"repo_id,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	ChangesetID     string    `json:"changeset_id,omitempty"`
	AgentID         string    `json:"agent_id,omitempty"`
	AffectedSymbols []string  `json:"affected_symbols,omitempty"`
	Details         string    `json:"details,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}
