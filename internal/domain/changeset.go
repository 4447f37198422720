package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type ChangesetState string

const (
	ChangesetStateOpen      ChangesetState = "open"
	ChangesetStateSubmitted ChangesetState = "submitted"
	ChangesetStateVerifying ChangesetState = "verifying"
	ChangesetStateApproved  ChangesetState = "approved"
	ChangesetStateRejected  ChangesetState = "rejected"
	ChangesetStateMerged    ChangesetState = "merged"
)

// ValidTransition checks if a changeset state transition is allowed.
// The machine only moves forward: open->submitted->verifying->{approved,rejected},
// approved->merged. Rejected is terminal; resubmission creates a new changeset.
func (s ChangesetState) ValidTransition(to ChangesetState) bool {
	switch s {
	case ChangesetStateOpen:
		return to == ChangesetStateSubmitted
	case ChangesetStateSubmitted:
		return to == ChangesetStateVerifying
	case ChangesetStateVerifying:
		return to == ChangesetStateApproved || to == ChangesetStateRejected
	case ChangesetStateApproved:
		return to == ChangesetStateMerged || to == ChangesetStateRejected
	default:
		return false
	}
}

var ErrInvalidTransition = errors.New("changeset: invalid state transition")

// Changeset is one session's batch of symbol-level edits, gated by
// verification before merge.
type Changeset struct {
	ID            uuid.UUID
	RepoID        string
	SessionID     uuid.UUID
	AgentID       string
	Intent        string
	State         ChangesetState
	BaseVersion   string
	MergedVersion *string
	MergedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type ChangeType string

const (
	ChangeModifyFunction ChangeType = "modify_function"
	ChangeAddFunction    ChangeType = "add_function"
	ChangeDeleteFunction ChangeType = "delete_function"
	ChangeModifyType     ChangeType = "modify_type"
	ChangeAddType        ChangeType = "add_type"
	ChangeAddDependency  ChangeType = "add_dependency"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeModifyFunction, ChangeAddFunction, ChangeDeleteFunction,
		ChangeModifyType, ChangeAddType, ChangeAddDependency:
		return true
	default:
		return false
	}
}

// ReferencesSymbol reports whether t names a prior symbol and therefore
// requires old_symbol_id.
func (t ChangeType) ReferencesSymbol() bool {
	switch t {
	case ChangeModifyFunction, ChangeDeleteFunction, ChangeModifyType:
		return true
	default:
		return false
	}
}

// AddsSymbol reports whether t introduces a new symbol.
func (t ChangeType) AddsSymbol() bool {
	return t == ChangeAddFunction || t == ChangeAddType
}

// Change is one staged edit inside a submission. For AddDependency,
// SymbolName carries the package and NewSource the version requirement.
type Change struct {
	Type        ChangeType `json:"type"`
	SymbolName  string     `json:"symbol_name"`
	FilePath    string     `json:"file_path"`
	OldSymbolID string     `json:"old_symbol_id,omitempty"`
	NewSource   string     `json:"new_source,omitempty"`
	Rationale   string     `json:"rationale,omitempty"`
}

type SubmitStatus string

const (
	SubmitAccepted SubmitStatus = "accepted"
	SubmitRejected SubmitStatus = "rejected"
	SubmitConflict SubmitStatus = "conflict"
)

// SymbolConflict reports one stale symbol reference: the symbol the agent
// based its change on is no longer the current version.
type SymbolConflict struct {
	SymbolID string `json:"symbol_id"`
	FilePath string `json:"file_path"`
	Message  string `json:"message"`
}

// ChangesetFile records one path touched by a changeset.
type ChangesetFile struct {
	ChangesetID uuid.UUID
	FilePath    string
	Operation   FileChangeType
	SizeBytes   int64
}

// ChangesetSymbol records one prior symbol a changeset claims; these rows
// drive merge-time re-validation and conflict queries while the changeset
// is outstanding.
type ChangesetSymbol struct {
	ChangesetID   uuid.UUID
	SymbolID      string
	QualifiedName string
	FilePath      string
	ChangeType    ChangeType
}

// ConflictingChangeset names a merged changeset that touched symbols this
// one claims.
type ConflictingChangeset struct {
	ChangesetID    uuid.UUID
	QualifiedNames []string
}

type ChangesetRepository interface {
	Create(ctx context.Context, c *Changeset) error
	GetByID(ctx context.Context, id uuid.UUID) (*Changeset, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*Changeset, error)
	// UpdateStateIf transitions to state only when the current state is one of
	// from; returns ErrConflict otherwise (optimistic, no row lock held).
	UpdateStateIf(ctx context.Context, id uuid.UUID, from []ChangesetState, to ChangesetState) error
	// SetMerged stamps merged_version and moves the changeset to Merged.
	SetMerged(ctx context.Context, id uuid.UUID, mergedVersion string) error

	RecordFile(ctx context.Context, f *ChangesetFile) error
	RecordSymbol(ctx context.Context, s *ChangesetSymbol) error
	ListFiles(ctx context.Context, changesetID uuid.UUID) ([]*ChangesetFile, error)
	ListSymbols(ctx context.Context, changesetID uuid.UUID) ([]*ChangesetSymbol, error)
	// FindConflicting returns merged changesets (other than changesetID, merged
	// at a version other than baseVersion) that recorded any of the same
	// qualified names as changesetID.
	FindConflicting(ctx context.Context, repoID string, changesetID uuid.UUID, baseVersion string) ([]*ConflictingChangeset, error)
}
