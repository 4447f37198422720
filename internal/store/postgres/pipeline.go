package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkod-io/dkod-engine/internal/domain"
)

type PipelineRepo struct {
	pool *pgxpool.Pool
}

func NewPipelineRepo(pool *pgxpool.Pool) *PipelineRepo {
	return &PipelineRepo{pool: pool}
}

func (r *PipelineRepo) ListSteps(ctx context.Context, repoID string) ([]*domain.PipelineStep, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT repo_id, step_order, step_type, config, required
		 FROM pipeline_steps WHERE repo_id = $1
		 ORDER BY step_order`,
		repoID,
	)
	if err != nil {
		return nil, fmt.Errorf("pipelineRepo.ListSteps: %w", err)
	}
	defer rows.Close()

	var steps []*domain.PipelineStep
	for rows.Next() {
		var s domain.PipelineStep
		if err := rows.Scan(&s.RepoID, &s.StepOrder, &s.StepType, &s.Config, &s.Required); err != nil {
			return nil, fmt.Errorf("pipelineRepo.ListSteps: scan: %w", err)
		}
		steps = append(steps, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipelineRepo.ListSteps: rows: %w", err)
	}

	return steps, nil
}

// ReplaceSteps swaps the repo's whole pipeline atomically so a verify
// starting mid-update never sees a half-replaced pipeline.
func (r *PipelineRepo) ReplaceSteps(ctx context.Context, repoID string, steps []*domain.PipelineStep) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pipelineRepo.ReplaceSteps: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM pipeline_steps WHERE repo_id = $1`, repoID); err != nil {
		return fmt.Errorf("pipelineRepo.ReplaceSteps: delete: %w", err)
	}

	for _, s := range steps {
		_, err := tx.Exec(ctx,
			`INSERT INTO pipeline_steps (repo_id, step_order, step_type, config, required)
			 VALUES ($1, $2, $3, $4, $5)`,
			repoID, s.StepOrder, s.StepType, s.Config, s.Required,
		)
		if err != nil {
			return fmt.Errorf("pipelineRepo.ReplaceSteps: insert step %d: %w", s.StepOrder, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pipelineRepo.ReplaceSteps: commit: %w", err)
	}

	return nil
}

// InitResults snapshots the pipeline into Pending result rows for a
// changeset. Idempotent: rows that already exist are left alone, so a
// resumed verification keeps its recorded outcomes.
func (r *PipelineRepo) InitResults(ctx context.Context, changesetID uuid.UUID, steps []*domain.PipelineStep) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pipelineRepo.InitResults: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, s := range steps {
		_, err := tx.Exec(ctx,
			`INSERT INTO verification_results (changeset_id, step_order, step_type, config, required, status, output)
			 VALUES ($1, $2, $3, $4, $5, $6, '')
			 ON CONFLICT (changeset_id, step_order) DO NOTHING`,
			changesetID, s.StepOrder, s.StepType, s.Config, s.Required, domain.ResultPending,
		)
		if err != nil {
			return fmt.Errorf("pipelineRepo.InitResults: insert step %d: %w", s.StepOrder, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pipelineRepo.InitResults: commit: %w", err)
	}

	return nil
}

func (r *PipelineRepo) ListResults(ctx context.Context, changesetID uuid.UUID) ([]*domain.VerificationResult, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT changeset_id, step_order, step_type, config, required, status, output, started_at, completed_at
		 FROM verification_results WHERE changeset_id = $1
		 ORDER BY step_order`,
		changesetID,
	)
	if err != nil {
		return nil, fmt.Errorf("pipelineRepo.ListResults: %w", err)
	}
	defer rows.Close()

	return scanResults(rows, "pipelineRepo.ListResults")
}

func (r *PipelineRepo) MarkRunning(ctx context.Context, changesetID uuid.UUID, stepOrder int, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE verification_results SET status = $1, started_at = $2
		 WHERE changeset_id = $3 AND step_order = $4`,
		domain.ResultRunning, at, changesetID, stepOrder,
	)
	if err != nil {
		return fmt.Errorf("pipelineRepo.MarkRunning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipelineRepo.MarkRunning: %w", domain.ErrNotFound)
	}

	return nil
}

func (r *PipelineRepo) MarkDone(ctx context.Context, changesetID uuid.UUID, stepOrder int, status domain.ResultStatus, output string, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE verification_results SET status = $1, output = $2, completed_at = $3
		 WHERE changeset_id = $4 AND step_order = $5`,
		status, output, at, changesetID, stepOrder,
	)
	if err != nil {
		return fmt.Errorf("pipelineRepo.MarkDone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipelineRepo.MarkDone: %w", domain.ErrNotFound)
	}

	return nil
}

func scanResults(rows pgx.Rows, caller string) ([]*domain.VerificationResult, error) {
	var results []*domain.VerificationResult
	for rows.Next() {
		var v domain.VerificationResult
		if err := rows.Scan(
			&v.ChangesetID, &v.StepOrder, &v.StepType, &v.Config, &v.Required,
			&v.Status, &v.Output, &v.StartedAt, &v.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		results = append(results, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return results, nil
}
