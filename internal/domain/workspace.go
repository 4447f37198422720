package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

type WorkspaceMode string

const (
	WorkspaceModeEphemeral  WorkspaceMode = "ephemeral"
	WorkspaceModePersistent WorkspaceMode = "persistent"
)

type WorkspaceState string

const (
	WorkspaceStateActive    WorkspaceState = "active"
	WorkspaceStateSubmitted WorkspaceState = "submitted"
	WorkspaceStateMerged    WorkspaceState = "merged"
	WorkspaceStateExpired   WorkspaceState = "expired"
	WorkspaceStateAbandoned WorkspaceState = "abandoned"
)

// ValidTransition checks if a workspace state transition is allowed.
// Active->Submitted on accepted submit, Submitted->Active on rejection (the
// agent amends and resubmits), Submitted->Merged on merge. Any live state can
// expire or be abandoned; Merged, Expired and Abandoned are terminal.
func (s WorkspaceState) ValidTransition(to WorkspaceState) bool {
	switch s {
	case WorkspaceStateActive:
		return to == WorkspaceStateSubmitted || to == WorkspaceStateExpired || to == WorkspaceStateAbandoned
	case WorkspaceStateSubmitted:
		return to == WorkspaceStateActive || to == WorkspaceStateMerged ||
			to == WorkspaceStateExpired || to == WorkspaceStateAbandoned
	default:
		return false
	}
}

// Workspace is a per-session copy-on-write view over one base commit.
type Workspace struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	RepoID          string
	BaseCommitHash  string
	Mode            WorkspaceMode
	State           WorkspaceState
	FilesModified   int
	SymbolsModified int
	OverlayBytes    int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var ErrInvalidWorkspaceTransition = errors.New("workspace: invalid state transition")

type FileChangeType string

const (
	FileModified FileChangeType = "modified"
	FileAdded    FileChangeType = "added"
	FileDeleted  FileChangeType = "deleted"
)

// OverlayFile is one copy-on-write entry. Deleted entries are tombstones:
// no content and no object key, but the row stays so merge knows to remove
// the path and reads stop falling through to the base commit.
type OverlayFile struct {
	WorkspaceID     uuid.UUID
	FilePath        string
	Content         []byte  // inline content; nil when spilled or deleted
	ObjectKey       *string // ObjectStore key when spilled; nil otherwise
	ContentHash     string  // sha256 hex of content; empty for tombstones
	SizeBytes       int64
	ChangeType      FileChangeType
	BaseContentHash *string // hash of the base blob at first write; nil if Added
	UpdatedAt       time.Time
}

var ErrInvalidPath = errors.New("workspace: invalid file path")

// ValidateFilePath rejects paths that could escape the workspace: empty,
// absolute, containing NUL bytes, or traversing with "..".
func ValidateFilePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return ErrInvalidPath
	}
	if strings.ContainsRune(path, 0) {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}

type WorkspaceRepository interface {
	Create(ctx context.Context, w *Workspace) error
	GetByID(ctx context.Context, id uuid.UUID) (*Workspace, error)
	// GetBySessionID returns the session's workspace (1:1 while active).
	GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*Workspace, error)
	UpdateState(ctx context.Context, id uuid.UUID, state WorkspaceState) error
	AddSymbolsModified(ctx context.Context, id uuid.UUID, delta int) error
}

type OverlayRepository interface {
	// Upsert writes or replaces the entry for (workspace, path) and refreshes
	// the workspace's files_modified / overlay_bytes counters in the same
	// transaction.
	Upsert(ctx context.Context, f *OverlayFile) error
	Get(ctx context.Context, workspaceID uuid.UUID, path string) (*OverlayFile, error)
	// ListByPrefix returns entries whose path starts with prefix, tombstones
	// included, content omitted.
	ListByPrefix(ctx context.Context, workspaceID uuid.UUID, prefix string) ([]*OverlayFile, error)
	// ListAll returns every entry with content, tombstones included; used by merge.
	ListAll(ctx context.Context, workspaceID uuid.UUID) ([]*OverlayFile, error)
}
