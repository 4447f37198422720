package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/graph"
)

// SymbolView is the wire shape of a symbol.
type SymbolView struct {
	ID            string  `json:"id"`
	RepoID        string  `json:"repo_id"`
	Name          string  `json:"name"`
	QualifiedName string  `json:"qualified_name"`
	Kind          string  `json:"kind"`
	Visibility    string  `json:"visibility"`
	FilePath      string  `json:"file_path"`
	StartByte     int     `json:"start_byte"`
	EndByte       int     `json:"end_byte"`
	Signature     string  `json:"signature,omitempty"`
	DocComment    string  `json:"doc_comment,omitempty"`
	ParentID      *string `json:"parent_id,omitempty"`
}

func newSymbolView(s *domain.Symbol) SymbolView {
	return SymbolView{
		ID:            s.ID,
		RepoID:        s.RepoID,
		Name:          s.Name,
		QualifiedName: s.QualifiedName,
		Kind:          s.Kind,
		Visibility:    s.Visibility,
		FilePath:      s.FilePath,
		StartByte:     s.StartByte,
		EndByte:       s.EndByte,
		Signature:     s.Signature,
		DocComment:    s.DocComment,
		ParentID:      s.ParentID,
	}
}

func newSymbolViews(symbols []*domain.Symbol) []SymbolView {
	views := make([]SymbolView, 0, len(symbols))
	for _, s := range symbols {
		views = append(views, newSymbolView(s))
	}
	return views
}

// DependencyView is the wire shape of an external package requirement.
type DependencyView struct {
	ID         string `json:"id"`
	RepoID     string `json:"repo_id"`
	Package    string `json:"package"`
	VersionReq string `json:"version_req"`
}

type LookupSymbolInput struct {
	RepoID string `path:"repo" doc:"Repo ID"`
	Name   string `query:"name" required:"true" doc:"Fully qualified symbol name"`
}

type GetSymbolInput struct {
	RepoID   string `path:"repo" doc:"Repo ID"`
	SymbolID string `path:"symbolID" doc:"Symbol ID"`
}

type SymbolOutput struct {
	Body SymbolView
}

type SymbolListOutput struct {
	Body struct {
		Symbols []SymbolView `json:"symbols"`
	}
}

type SymbolContextOutput struct {
	Body struct {
		Symbol  SymbolView   `json:"symbol"`
		Callers []SymbolView `json:"callers"`
		Callees []SymbolView `json:"callees"`
	}
}

type ListDependenciesInput struct {
	RepoID string `path:"repo" doc:"Repo ID"`
}

type DependencyListOutput struct {
	Body struct {
		Dependencies []DependencyView `json:"dependencies"`
	}
}

type DependencySymbolsInput struct {
	DependencyID string `path:"id" doc:"Dependency ID"`
}

type SimilarSymbolsInput struct {
	RepoID string `path:"repo" doc:"Repo ID"`
	Body   struct {
		Embedding []float32 `json:"embedding" minItems:"1" doc:"Query vector"`
		Limit     int       `json:"limit,omitempty" minimum:"0" maximum:"100" doc:"Maximum matches; 0 means 10"`
	}
}

type SimilarSymbolsOutput struct {
	Body struct {
		Matches []graph.SymbolMatch `json:"matches"`
	}
}

// getSymbol resolves a symbol id, translating absence into 404.
func getSymbol(ctx context.Context, symbols domain.SymbolRepository, repoID, symbolID string) (*domain.Symbol, error) {
	sym, err := symbols.GetByID(ctx, repoID, symbolID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, huma.Error404NotFound("symbol not found")
		}
		return nil, huma.Error500InternalServerError("failed to load symbol", err)
	}
	return sym, nil
}

func RegisterSymbolRoutes(api huma.API, symbols domain.SymbolRepository, search graph.VectorSearch) {
	huma.Register(api, huma.Operation{
		OperationID: "lookup-symbol",
		Method:      http.MethodGet,
		Path:        "/repos/{repo}/symbols",
		Summary:     "Look up a symbol by qualified name",
		Tags:        []string{"Symbols"},
	}, func(ctx context.Context, input *LookupSymbolInput) (*SymbolOutput, error) {
		sym, err := symbols.GetByQualifiedName(ctx, input.RepoID, input.Name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("symbol not found")
			}
			return nil, huma.Error500InternalServerError("failed to look up symbol", err)
		}

		return &SymbolOutput{Body: newSymbolView(sym)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-symbol",
		Method:      http.MethodGet,
		Path:        "/repos/{repo}/symbols/{symbolID}",
		Summary:     "Get a symbol by id",
		Tags:        []string{"Symbols"},
	}, func(ctx context.Context, input *GetSymbolInput) (*SymbolOutput, error) {
		sym, err := getSymbol(ctx, symbols, input.RepoID, input.SymbolID)
		if err != nil {
			return nil, err
		}

		return &SymbolOutput{Body: newSymbolView(sym)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-symbol-callers",
		Method:      http.MethodGet,
		Path:        "/repos/{repo}/symbols/{symbolID}/callers",
		Summary:     "List symbols that call or reference this one",
		Tags:        []string{"Symbols"},
	}, func(ctx context.Context, input *GetSymbolInput) (*SymbolListOutput, error) {
		if _, err := getSymbol(ctx, symbols, input.RepoID, input.SymbolID); err != nil {
			return nil, err
		}

		callers, err := symbols.ListCallers(ctx, input.RepoID, input.SymbolID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list callers", err)
		}

		out := &SymbolListOutput{}
		out.Body.Symbols = newSymbolViews(callers)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-symbol-callees",
		Method:      http.MethodGet,
		Path:        "/repos/{repo}/symbols/{symbolID}/callees",
		Summary:     "List symbols this one calls or references",
		Tags:        []string{"Symbols"},
	}, func(ctx context.Context, input *GetSymbolInput) (*SymbolListOutput, error) {
		if _, err := getSymbol(ctx, symbols, input.RepoID, input.SymbolID); err != nil {
			return nil, err
		}

		callees, err := symbols.ListCallees(ctx, input.RepoID, input.SymbolID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list callees", err)
		}

		out := &SymbolListOutput{}
		out.Body.Symbols = newSymbolViews(callees)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-symbol-context",
		Method:      http.MethodGet,
		Path:        "/repos/{repo}/symbols/{symbolID}/context",
		Summary:     "Get a symbol with its callers and callees in one round trip",
		Tags:        []string{"Symbols"},
	}, func(ctx context.Context, input *GetSymbolInput) (*SymbolContextOutput, error) {
		sym, err := getSymbol(ctx, symbols, input.RepoID, input.SymbolID)
		if err != nil {
			return nil, err
		}

		callers, err := symbols.ListCallers(ctx, input.RepoID, input.SymbolID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list callers", err)
		}
		callees, err := symbols.ListCallees(ctx, input.RepoID, input.SymbolID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list callees", err)
		}

		out := &SymbolContextOutput{}
		out.Body.Symbol = newSymbolView(sym)
		out.Body.Callers = newSymbolViews(callers)
		out.Body.Callees = newSymbolViews(callees)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependencies",
		Method:      http.MethodGet,
		Path:        "/repos/{repo}/dependencies",
		Summary:     "List the repo's external package requirements",
		Tags:        []string{"Symbols"},
	}, func(ctx context.Context, input *ListDependenciesInput) (*DependencyListOutput, error) {
		deps, err := symbols.ListDependencies(ctx, input.RepoID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list dependencies", err)
		}

		views := make([]DependencyView, 0, len(deps))
		for _, d := range deps {
			views = append(views, DependencyView{
				ID:         d.ID,
				RepoID:     d.RepoID,
				Package:    d.Package,
				VersionReq: d.VersionReq,
			})
		}

		out := &DependencyListOutput{}
		out.Body.Dependencies = views
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dependency-symbols",
		Method:      http.MethodGet,
		Path:        "/dependencies/{id}/symbols",
		Summary:     "List symbols that use a dependency",
		Tags:        []string{"Symbols"},
	}, func(ctx context.Context, input *DependencySymbolsInput) (*SymbolListOutput, error) {
		users, err := symbols.ListSymbolsForDependency(ctx, input.DependencyID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("dependency not found")
			}
			return nil, huma.Error500InternalServerError("failed to list dependency symbols", err)
		}

		out := &SymbolListOutput{}
		out.Body.Symbols = newSymbolViews(users)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-similar-symbols",
		Method:      http.MethodPost,
		Path:        "/repos/{repo}/symbols/similar",
		Summary:     "Find symbols semantically similar to a query vector",
		Tags:        []string{"Symbols"},
	}, func(ctx context.Context, input *SimilarSymbolsInput) (*SimilarSymbolsOutput, error) {
		limit := input.Body.Limit
		if limit <= 0 {
			limit = 10
		}

		matches, err := search.SearchSimilar(ctx, input.RepoID, input.Body.Embedding, limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("similarity search failed", err)
		}

		out := &SimilarSymbolsOutput{}
		out.Body.Matches = matches
		return out, nil
	})
}
