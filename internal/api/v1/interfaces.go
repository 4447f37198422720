package v1

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dkod-io/dkod-engine/internal/changeset"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/overlay"
	"github.com/dkod-io/dkod-engine/internal/session"
	"github.com/dkod-io/dkod-engine/internal/verify"
)

// SessionService abstracts session lifecycle operations for handler testing.
// *session.Manager satisfies this interface.
type SessionService interface {
	Connect(ctx context.Context, p session.ConnectParams) (*session.ConnectResult, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	Touch(ctx context.Context, id uuid.UUID) (bool, error)
	Workspace(ctx context.Context, sessionID uuid.UUID) (*domain.Workspace, error)
	Close(ctx context.Context, id uuid.UUID) error
}

// FileService abstracts overlay reads and writes for handler testing.
// *overlay.Service satisfies this interface.
type FileService interface {
	Read(ctx context.Context, ws *domain.Workspace, path string) ([]byte, error)
	Write(ctx context.Context, ws *domain.Workspace, path string, content []byte) (*domain.OverlayFile, error)
	Delete(ctx context.Context, ws *domain.Workspace, path string) error
	List(ctx context.Context, ws *domain.Workspace, prefix string, limit int) ([]overlay.Entry, error)
}

// ChangesetService abstracts submission and changeset reads for handler
// testing. *changeset.Engine satisfies this interface.
type ChangesetService interface {
	ValidateAndApply(ctx context.Context, sess *domain.Session, ws *domain.Workspace, changes []domain.Change) (*changeset.Result, error)
	Check(ctx context.Context, ws *domain.Workspace, changes []domain.Change) (*changeset.Result, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Changeset, error)
	Results(ctx context.Context, id uuid.UUID) ([]*domain.VerificationResult, error)
}

// VerifyQueue abstracts verification scheduling for handler testing.
// *verify.Runner satisfies this interface.
type VerifyQueue interface {
	Enqueue(ctx context.Context, job verify.Job) error
}

// MergeService abstracts the merge coordinator for handler testing.
// *merge.Coordinator satisfies this interface.
type MergeService interface {
	Merge(ctx context.Context, changesetID uuid.UUID) (*domain.Changeset, error)
}

// TokenExchanger abstracts credential exchange for handler testing.
// *auth.Service satisfies this interface.
type TokenExchanger interface {
	ExchangeAgentSecret(agentID, secret string) (token string, expiresAt time.Time, err error)
}
