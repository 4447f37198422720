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

type SymbolRepo struct {
	pool *pgxpool.Pool
}

func NewSymbolRepo(pool *pgxpool.Pool) *SymbolRepo {
	return &SymbolRepo{pool: pool}
}

const symbolColumns = `repo_id, id, name, qualified_name, kind, visibility, file_path, start_byte, end_byte, signature, doc_comment, parent_id`

func (r *SymbolRepo) GetByID(ctx context.Context, repoID, id string) (*domain.Symbol, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+symbolColumns+` FROM symbols WHERE repo_id = $1 AND id = $2`,
		repoID, id,
	)

	s, err := scanSymbol(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("symbolRepo.GetByID: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("symbolRepo.GetByID: %w", err)
	}

	return s, nil
}

func (r *SymbolRepo) GetByQualifiedName(ctx context.Context, repoID, qualifiedName string) (*domain.Symbol, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+symbolColumns+` FROM symbols WHERE repo_id = $1 AND qualified_name = $2`,
		repoID, qualifiedName,
	)

	s, err := scanSymbol(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("symbolRepo.GetByQualifiedName: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("symbolRepo.GetByQualifiedName: %w", err)
	}

	return s, nil
}

func (r *SymbolRepo) ListByFile(ctx context.Context, repoID, filePath string) ([]*domain.Symbol, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+symbolColumns+` FROM symbols
		 WHERE repo_id = $1 AND file_path = $2
		 ORDER BY start_byte`,
		repoID, filePath,
	)
	if err != nil {
		return nil, fmt.Errorf("symbolRepo.ListByFile: %w", err)
	}
	defer rows.Close()

	return scanSymbols(rows, "symbolRepo.ListByFile")
}

// Rotate assigns a fresh id to the symbol currently known as oldID,
// rewriting graph edges and child links in the same transaction so the
// graph never dangles. Returns domain.ErrNotFound when oldID is no
// longer current, which is exactly the merge-time conflict signal.
func (r *SymbolRepo) Rotate(ctx context.Context, repoID, oldID string) (string, error) {
	newID := NewSymbolID()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("symbolRepo.Rotate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE symbols SET id = $1 WHERE repo_id = $2 AND id = $3`,
		newID, repoID, oldID,
	)
	if err != nil {
		return "", fmt.Errorf("symbolRepo.Rotate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("symbolRepo.Rotate: %s: %w", oldID, domain.ErrNotFound)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE symbols SET parent_id = $1 WHERE repo_id = $2 AND parent_id = $3`,
		newID, repoID, oldID,
	); err != nil {
		return "", fmt.Errorf("symbolRepo.Rotate: children: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE call_edges SET caller_id = $1 WHERE repo_id = $2 AND caller_id = $3`,
		newID, repoID, oldID,
	); err != nil {
		return "", fmt.Errorf("symbolRepo.Rotate: caller edges: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE call_edges SET callee_id = $1 WHERE repo_id = $2 AND callee_id = $3`,
		newID, repoID, oldID,
	); err != nil {
		return "", fmt.Errorf("symbolRepo.Rotate: callee edges: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE symbol_dependencies SET symbol_id = $1 WHERE repo_id = $2 AND symbol_id = $3`,
		newID, repoID, oldID,
	); err != nil {
		return "", fmt.Errorf("symbolRepo.Rotate: dependency links: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("symbolRepo.Rotate: commit: %w", err)
	}

	return newID, nil
}

func (r *SymbolRepo) Delete(ctx context.Context, repoID, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("symbolRepo.Delete: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM call_edges WHERE repo_id = $1 AND (caller_id = $2 OR callee_id = $2)`,
		repoID, id,
	); err != nil {
		return fmt.Errorf("symbolRepo.Delete: edges: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM symbol_dependencies WHERE repo_id = $1 AND symbol_id = $2`,
		repoID, id,
	); err != nil {
		return fmt.Errorf("symbolRepo.Delete: dependency links: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM symbols WHERE repo_id = $1 AND id = $2`,
		repoID, id,
	)
	if err != nil {
		return fmt.Errorf("symbolRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("symbolRepo.Delete: %s: %w", id, domain.ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("symbolRepo.Delete: commit: %w", err)
	}

	return nil
}

func (r *SymbolRepo) ListCallers(ctx context.Context, repoID, symbolID string) ([]*domain.Symbol, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.repo_id, s.id, s.name, s.qualified_name, s.kind, s.visibility, s.file_path,
		        s.start_byte, s.end_byte, s.signature, s.doc_comment, s.parent_id
		 FROM call_edges e
		 JOIN symbols s ON s.repo_id = e.repo_id AND s.id = e.caller_id
		 WHERE e.repo_id = $1 AND e.callee_id = $2
		 ORDER BY s.qualified_name`,
		repoID, symbolID,
	)
	if err != nil {
		return nil, fmt.Errorf("symbolRepo.ListCallers: %w", err)
	}
	defer rows.Close()

	return scanSymbols(rows, "symbolRepo.ListCallers")
}

func (r *SymbolRepo) ListCallees(ctx context.Context, repoID, symbolID string) ([]*domain.Symbol, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.repo_id, s.id, s.name, s.qualified_name, s.kind, s.visibility, s.file_path,
		        s.start_byte, s.end_byte, s.signature, s.doc_comment, s.parent_id
		 FROM call_edges e
		 JOIN symbols s ON s.repo_id = e.repo_id AND s.id = e.callee_id
		 WHERE e.repo_id = $1 AND e.caller_id = $2
		 ORDER BY s.qualified_name`,
		repoID, symbolID,
	)
	if err != nil {
		return nil, fmt.Errorf("symbolRepo.ListCallees: %w", err)
	}
	defer rows.Close()

	return scanSymbols(rows, "symbolRepo.ListCallees")
}

func (r *SymbolRepo) ListDependencies(ctx context.Context, repoID string) ([]*domain.Dependency, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, repo_id, package, version_req FROM dependencies
		 WHERE repo_id = $1
		 ORDER BY package`,
		repoID,
	)
	if err != nil {
		return nil, fmt.Errorf("symbolRepo.ListDependencies: %w", err)
	}
	defer rows.Close()

	var deps []*domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		if err := rows.Scan(&d.ID, &d.RepoID, &d.Package, &d.VersionReq); err != nil {
			return nil, fmt.Errorf("symbolRepo.ListDependencies: scan: %w", err)
		}
		deps = append(deps, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("symbolRepo.ListDependencies: rows: %w", err)
	}

	return deps, nil
}

func (r *SymbolRepo) ListSymbolsForDependency(ctx context.Context, dependencyID string) ([]*domain.Symbol, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.repo_id, s.id, s.name, s.qualified_name, s.kind, s.visibility, s.file_path,
		        s.start_byte, s.end_byte, s.signature, s.doc_comment, s.parent_id
		 FROM symbol_dependencies sd
		 JOIN symbols s ON s.repo_id = sd.repo_id AND s.id = sd.symbol_id
		 WHERE sd.dependency_id = $1
		 ORDER BY s.qualified_name`,
		dependencyID,
	)
	if err != nil {
		return nil, fmt.Errorf("symbolRepo.ListSymbolsForDependency: %w", err)
	}
	defer rows.Close()

	return scanSymbols(rows, "symbolRepo.ListSymbolsForDependency")
}

// NewSymbolID mints an opaque symbol-id token. Ids rotate on every
// merged modification, so they double as version stamps.
func NewSymbolID() string {
	return "sym_" + uuid.NewString()
}

func scanSymbol(row pgx.Row) (*domain.Symbol, error) {
	var s domain.Symbol
	err := row.Scan(
		&s.RepoID, &s.ID, &s.Name, &s.QualifiedName, &s.Kind, &s.Visibility,
		&s.FilePath, &s.StartByte, &s.EndByte, &s.Signature, &s.DocComment, &s.ParentID,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSymbols(rows pgx.Rows, caller string) ([]*domain.Symbol, error) {
	var symbols []*domain.Symbol
	for rows.Next() {
		var s domain.Symbol
		if err := rows.Scan(
			&s.RepoID, &s.ID, &s.Name, &s.QualifiedName, &s.Kind, &s.Visibility,
			&s.FilePath, &s.StartByte, &s.EndByte, &s.Signature, &s.DocComment, &s.ParentID,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", caller, err)
		}
		symbols = append(symbols, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", caller, err)
	}

	return symbols, nil
}
