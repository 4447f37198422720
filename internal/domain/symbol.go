package domain

import "context"

// Symbol is the smallest semantically addressable code unit. Its id is an
// opaque version token: every merged modification rotates it, so holding an
// id is holding a claim about the symbol's current state.
type Symbol struct {
	ID            string
	RepoID        string
	Name          string
	QualifiedName string
	Kind          string // function, method, type, const, var
	Visibility    string // public, private
	FilePath      string
	StartByte     int
	EndByte       int
	Signature     string
	DocComment    string
	ParentID      *string // nesting tree; nil for top-level symbols
}

// CallEdge is one caller->callee relation in the code graph.
type CallEdge struct {
	RepoID   string
	CallerID string
	CalleeID string
	Kind     string // call, reference
}

// Dependency is an external package requirement of a repo.
type Dependency struct {
	ID         string
	RepoID     string
	Package    string
	VersionReq string
}

// SymbolRepository is the read surface over the code graph, plus the two
// write operations the merge path needs: Rotate is the "swap" half of the
// symbol-id compare-and-swap, Delete removes a symbol whose source was
// deleted. Everything else (indexing new code) happens outside the engine.
type SymbolRepository interface {
	GetByID(ctx context.Context, repoID, id string) (*Symbol, error)
	GetByQualifiedName(ctx context.Context, repoID, qualifiedName string) (*Symbol, error)
	ListByFile(ctx context.Context, repoID, filePath string) ([]*Symbol, error)

	// Rotate assigns a fresh id to the symbol currently known as oldID and
	// returns the new id. ErrNotFound if oldID is no longer current.
	Rotate(ctx context.Context, repoID, oldID string) (string, error)
	Delete(ctx context.Context, repoID, id string) error

	ListCallers(ctx context.Context, repoID, symbolID string) ([]*Symbol, error)
	ListCallees(ctx context.Context, repoID, symbolID string) ([]*Symbol, error)
	ListDependencies(ctx context.Context, repoID string) ([]*Dependency, error)
	ListSymbolsForDependency(ctx context.Context, dependencyID string) ([]*Symbol, error)
}
