package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkod-io/dkod-engine/internal/domain"
)

type WorkspaceRepo struct {
	pool *pgxpool.Pool
}

func NewWorkspaceRepo(pool *pgxpool.Pool) *WorkspaceRepo {
	return &WorkspaceRepo{pool: pool}
}

func (r *WorkspaceRepo) Create(ctx context.Context, w *domain.Workspace) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO workspaces (id, session_id, repo_id, base_commit_hash, mode, state, files_modified, symbols_modified, overlay_bytes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.SessionID, w.RepoID, w.BaseCommitHash, w.Mode, w.State,
		w.FilesModified, w.SymbolsModified, w.OverlayBytes,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("workspaceRepo.Create: %w", err)
	}

	return nil
}

func (r *WorkspaceRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Workspace, error) {
	var w domain.Workspace

	err := r.pool.QueryRow(ctx,
		`SELECT id, session_id, repo_id, base_commit_hash, mode, state,
		        files_modified, symbols_modified, overlay_bytes, created_at, updated_at
		 FROM workspaces WHERE id = $1`,
		id,
	).Scan(
		&w.ID, &w.SessionID, &w.RepoID, &w.BaseCommitHash, &w.Mode, &w.State,
		&w.FilesModified, &w.SymbolsModified, &w.OverlayBytes,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workspaceRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("workspaceRepo.GetByID: %w", err)
	}

	return &w, nil
}

// GetBySessionID returns the session's live workspace. A session holds
// at most one workspace outside a terminal state.
func (r *WorkspaceRepo) GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*domain.Workspace, error) {
	var w domain.Workspace

	err := r.pool.QueryRow(ctx,
		`SELECT id, session_id, repo_id, base_commit_hash, mode, state,
		        files_modified, symbols_modified, overlay_bytes, created_at, updated_at
		 FROM workspaces
		 WHERE session_id = $1 AND state IN ('active', 'submitted')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		sessionID,
	).Scan(
		&w.ID, &w.SessionID, &w.RepoID, &w.BaseCommitHash, &w.Mode, &w.State,
		&w.FilesModified, &w.SymbolsModified, &w.OverlayBytes,
		&w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workspaceRepo.GetBySessionID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("workspaceRepo.GetBySessionID: %w", err)
	}

	return &w, nil
}

func (r *WorkspaceRepo) UpdateState(ctx context.Context, id uuid.UUID, state domain.WorkspaceState) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE workspaces SET state = $1, updated_at = now() WHERE id = $2`,
		state, id,
	)
	if err != nil {
		return fmt.Errorf("workspaceRepo.UpdateState: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workspaceRepo.UpdateState: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *WorkspaceRepo) AddSymbolsModified(ctx context.Context, id uuid.UUID, delta int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE workspaces SET symbols_modified = symbols_modified + $1, updated_at = now() WHERE id = $2`,
		delta, id,
	)
	if err != nil {
		return fmt.Errorf("workspaceRepo.AddSymbolsModified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workspaceRepo.AddSymbolsModified: %w", domain.ErrNotFound)
	}

	return nil
}
