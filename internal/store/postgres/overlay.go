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

type OverlayRepo struct {
	pool *pgxpool.Pool
}

func NewOverlayRepo(pool *pgxpool.Pool) *OverlayRepo {
	return &OverlayRepo{pool: pool}
}

// Upsert writes or replaces one overlay entry and refreshes the owning
// workspace's files_modified / overlay_bytes counters in the same
// transaction. base_content_hash is sticky: the value captured on the
// first write of a path survives later rewrites.
func (r *OverlayRepo) Upsert(ctx context.Context, f *domain.OverlayFile) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("overlayRepo.Upsert: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO overlay_files (workspace_id, file_path, content, object_key, content_hash, size_bytes, change_type, base_content_hash, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (workspace_id, file_path) DO UPDATE SET
		   content = EXCLUDED.content,
		   object_key = EXCLUDED.object_key,
		   content_hash = EXCLUDED.content_hash,
		   size_bytes = EXCLUDED.size_bytes,
		   change_type = EXCLUDED.change_type,
		   base_content_hash = COALESCE(overlay_files.base_content_hash, EXCLUDED.base_content_hash),
		   updated_at = EXCLUDED.updated_at`,
		f.WorkspaceID, f.FilePath, f.Content, f.ObjectKey, f.ContentHash,
		f.SizeBytes, f.ChangeType, f.BaseContentHash, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("overlayRepo.Upsert: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE workspaces SET
		   files_modified = (SELECT COUNT(*) FROM overlay_files WHERE workspace_id = $1),
		   overlay_bytes = (SELECT COALESCE(SUM(size_bytes), 0) FROM overlay_files WHERE workspace_id = $1),
		   updated_at = now()
		 WHERE id = $1`,
		f.WorkspaceID,
	)
	if err != nil {
		return fmt.Errorf("overlayRepo.Upsert: counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("overlayRepo.Upsert: workspace %s: %w", f.WorkspaceID, domain.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("overlayRepo.Upsert: commit: %w", err)
	}

	return nil
}

func (r *OverlayRepo) Get(ctx context.Context, workspaceID uuid.UUID, path string) (*domain.OverlayFile, error) {
	var f domain.OverlayFile

	err := r.pool.QueryRow(ctx,
		`SELECT workspace_id, file_path, content, object_key, content_hash, size_bytes, change_type, base_content_hash, updated_at
		 FROM overlay_files WHERE workspace_id = $1 AND file_path = $2`,
		workspaceID, path,
	).Scan(
		&f.WorkspaceID, &f.FilePath, &f.Content, &f.ObjectKey, &f.ContentHash,
		&f.SizeBytes, &f.ChangeType, &f.BaseContentHash, &f.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("overlayRepo.Get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("overlayRepo.Get: %w", err)
	}

	return &f, nil
}

// ListByPrefix returns entries under prefix without content; callers
// listing a directory only need metadata and tombstone flags.
// starts_with instead of LIKE so % and _ in paths match literally.
func (r *OverlayRepo) ListByPrefix(ctx context.Context, workspaceID uuid.UUID, prefix string) ([]*domain.OverlayFile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT workspace_id, file_path, NULL::bytea, object_key, content_hash, size_bytes, change_type, base_content_hash, updated_at
		 FROM overlay_files
		 WHERE workspace_id = $1 AND starts_with(file_path, $2)
		 ORDER BY file_path
		 LIMIT 10000`,
		workspaceID, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("overlayRepo.ListByPrefix: %w", err)
	}
	defer rows.Close()

	return scanOverlayFiles(rows, "overlayRepo.ListByPrefix")
}

// ListAll returns every entry with content; the merge path materializes
// the whole overlay.
func (r *OverlayRepo) ListAll(ctx context.Context, workspaceID uuid.UUID) ([]*domain.OverlayFile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT workspace_id, file_path, content, object_key, content_hash, size_bytes, change_type, base_content_hash, updated_at
		 FROM overlay_files
		 WHERE workspace_id = $1
		 ORDER BY file_path`,
		workspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("overlayRepo.ListAll: %w", err)
	}
	defer rows.Close()

	return scanOverlayFiles(rows, "overlayRepo.ListAll")
}

func scanOverlayFiles(rows pgx.Rows, caller string) ([]*domain.OverlayFile, error) {
	var files []*domain.OverlayFile
	for rows.Next() {
		var f domain.OverlayFile
		if err := rows.Scan(
			&f.WorkspaceID, &f.FilePath, &f.Content, &f.ObjectKey, &f.ContentHash,
			&f.SizeBytes, &f.ChangeType, &f.BaseContentHash, &f.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return files, nil
}
