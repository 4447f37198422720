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

type ChangesetRepo struct {
	pool *pgxpool.Pool
}

func NewChangesetRepo(pool *pgxpool.Pool) *ChangesetRepo {
	return &ChangesetRepo{pool: pool}
}

func (r *ChangesetRepo) Create(ctx context.Context, c *domain.Changeset) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO changesets (id, repo_id, session_id, agent_id, intent, state, base_version, merged_version, merged_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.RepoID, c.SessionID, c.AgentID, c.Intent, c.State,
		c.BaseVersion, c.MergedVersion, c.MergedAt,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("changesetRepo.Create: %w", err)
	}

	return nil
}

func (r *ChangesetRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Changeset, error) {
	var c domain.Changeset

	err := r.pool.QueryRow(ctx,
		`SELECT id, repo_id, session_id, agent_id, intent, state, base_version, merged_version, merged_at, created_at, updated_at
		 FROM changesets WHERE id = $1`,
		id,
	).Scan(
		&c.ID, &c.RepoID, &c.SessionID, &c.AgentID, &c.Intent, &c.State,
		&c.BaseVersion, &c.MergedVersion, &c.MergedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("changesetRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("changesetRepo.GetByID: %w", err)
	}

	return &c, nil
}

func (r *ChangesetRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*domain.Changeset, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, repo_id, session_id, agent_id, intent, state, base_version, merged_version, merged_at, created_at, updated_at
		 FROM changesets WHERE session_id = $1
		 ORDER BY created_at
		 LIMIT 1000`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("changesetRepo.ListBySession: %w", err)
	}
	defer rows.Close()

	return scanChangesets(rows, "changesetRepo.ListBySession")
}

// UpdateStateIf transitions to state only when the current state is one
// of from. Zero rows affected means another writer got there first (or
// the id is unknown); either way the caller must re-read before acting.
func (r *ChangesetRepo) UpdateStateIf(ctx context.Context, id uuid.UUID, from []domain.ChangesetState, to domain.ChangesetState) error {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE changesets SET state = $1, updated_at = now()
		 WHERE id = $2 AND state = ANY($3)`,
		to, id, states,
	)
	if err != nil {
		return fmt.Errorf("changesetRepo.UpdateStateIf: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("changesetRepo.UpdateStateIf: %s not in %v: %w", id, from, domain.ErrConflict)
	}

	return nil
}

// SetMerged stamps the merge outcome. Guarded on Approved so a racing
// second merge cannot double-stamp.
func (r *ChangesetRepo) SetMerged(ctx context.Context, id uuid.UUID, mergedVersion string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE changesets SET state = 'merged', merged_version = $1, merged_at = now(), updated_at = now()
		 WHERE id = $2 AND state = 'approved'`,
		mergedVersion, id,
	)
	if err != nil {
		return fmt.Errorf("changesetRepo.SetMerged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("changesetRepo.SetMerged: %s not approved: %w", id, domain.ErrConflict)
	}

	return nil
}

func (r *ChangesetRepo) RecordFile(ctx context.Context, f *domain.ChangesetFile) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO changeset_files (changeset_id, file_path, operation, size_bytes)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (changeset_id, file_path) DO NOTHING`,
		f.ChangesetID, f.FilePath, f.Operation, f.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("changesetRepo.RecordFile: %w", err)
	}

	return nil
}

func (r *ChangesetRepo) RecordSymbol(ctx context.Context, s *domain.ChangesetSymbol) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO changeset_symbols (changeset_id, symbol_id, qualified_name, file_path, change_type)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (changeset_id, symbol_id) DO NOTHING`,
		s.ChangesetID, s.SymbolID, s.QualifiedName, s.FilePath, s.ChangeType,
	)
	if err != nil {
		return fmt.Errorf("changesetRepo.RecordSymbol: %w", err)
	}

	return nil
}

func (r *ChangesetRepo) ListFiles(ctx context.Context, changesetID uuid.UUID) ([]*domain.ChangesetFile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT changeset_id, file_path, operation, size_bytes
		 FROM changeset_files WHERE changeset_id = $1
		 ORDER BY file_path`,
		changesetID,
	)
	if err != nil {
		return nil, fmt.Errorf("changesetRepo.ListFiles: %w", err)
	}
	defer rows.Close()

	var files []*domain.ChangesetFile
	for rows.Next() {
		var f domain.ChangesetFile
		if err := rows.Scan(&f.ChangesetID, &f.FilePath, &f.Operation, &f.SizeBytes); err != nil {
			return nil, fmt.Errorf("changesetRepo.ListFiles: scan: %w", err)
		}
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("changesetRepo.ListFiles: rows: %w", err)
	}

	return files, nil
}

func (r *ChangesetRepo) ListSymbols(ctx context.Context, changesetID uuid.UUID) ([]*domain.ChangesetSymbol, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT changeset_id, symbol_id, qualified_name, file_path, change_type
		 FROM changeset_symbols WHERE changeset_id = $1
		 ORDER BY qualified_name`,
		changesetID,
	)
	if err != nil {
		return nil, fmt.Errorf("changesetRepo.ListSymbols: %w", err)
	}
	defer rows.Close()

	var symbols []*domain.ChangesetSymbol
	for rows.Next() {
		var s domain.ChangesetSymbol
		if err := rows.Scan(&s.ChangesetID, &s.SymbolID, &s.QualifiedName, &s.FilePath, &s.ChangeType); err != nil {
			return nil, fmt.Errorf("changesetRepo.ListSymbols: scan: %w", err)
		}
		symbols = append(symbols, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("changesetRepo.ListSymbols: rows: %w", err)
	}

	return symbols, nil
}

// FindConflicting returns merged changesets, other than changesetID and
// merged at some version other than baseVersion, that recorded any of
// the qualified names changesetID recorded. These are the changesets
// that moved symbols out from under the caller.
func (r *ChangesetRepo) FindConflicting(ctx context.Context, repoID string, changesetID uuid.UUID, baseVersion string) ([]*domain.ConflictingChangeset, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT c.id, cs.qualified_name
		 FROM changeset_symbols cs
		 JOIN changesets c ON c.id = cs.changeset_id
		 WHERE c.repo_id = $1
		   AND c.state = 'merged'
		   AND c.id <> $2
		   AND c.merged_version IS NOT NULL
		   AND c.merged_version <> $3
		   AND cs.qualified_name IN (
		     SELECT qualified_name FROM changeset_symbols WHERE changeset_id = $2
		   )
		 ORDER BY c.id, cs.qualified_name`,
		repoID, changesetID, baseVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("changesetRepo.FindConflicting: %w", err)
	}
	defer rows.Close()

	var (
		conflicts []*domain.ConflictingChangeset
		current   *domain.ConflictingChangeset
	)
	for rows.Next() {
		var (
			id   uuid.UUID
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("changesetRepo.FindConflicting: scan: %w", err)
		}
		if current == nil || current.ChangesetID != id {
			current = &domain.ConflictingChangeset{ChangesetID: id}
			conflicts = append(conflicts, current)
		}
		current.QualifiedNames = append(current.QualifiedNames, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("changesetRepo.FindConflicting: rows: %w", err)
	}

	return conflicts, nil
}

func scanChangesets(rows pgx.Rows, caller string) ([]*domain.Changeset, error) {
	var changesets []*domain.Changeset
	for rows.Next() {
		var c domain.Changeset
		if err := rows.Scan(
			&c.ID, &c.RepoID, &c.SessionID, &c.AgentID, &c.Intent, &c.State,
			&c.BaseVersion, &c.MergedVersion, &c.MergedAt,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		changesets = append(changesets, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return changesets, nil
}
