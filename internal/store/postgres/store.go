package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkod-io/dkod-engine/internal/domain"
)

type Store struct {
	pool       *pgxpool.Pool
	workspaces *WorkspaceRepo
	overlays   *OverlayRepo
	changesets *ChangesetRepo
	pipelines  *PipelineRepo
	symbols    *SymbolRepo
}

func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: parse config: %w", err)
	}

	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres.New: connect: %w", err)
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres.New: ping: %w", err)
	}

	return &Store{
		pool:       pool,
		workspaces: NewWorkspaceRepo(pool),
		overlays:   NewOverlayRepo(pool),
		changesets: NewChangesetRepo(pool),
		pipelines:  NewPipelineRepo(pool),
		symbols:    NewSymbolRepo(pool),
	}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Workspaces() domain.WorkspaceRepository { return s.workspaces }
func (s *Store) Overlays() domain.OverlayRepository     { return s.overlays }
func (s *Store) Changesets() domain.ChangesetRepository { return s.changesets }
func (s *Store) Pipelines() domain.PipelineRepository   { return s.pipelines }
func (s *Store) Symbols() domain.SymbolRepository       { return s.symbols }
