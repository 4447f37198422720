// Package graph provides similarity search over the symbol graph's
// vector index. The index is optional: when no Weaviate host is
// configured the engine runs with the NoOp searcher, which finds
// nothing and never errors.
package graph

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	weaviatemodels "github.com/weaviate/weaviate/entities/models"
)

// ClassSymbol is the Weaviate class holding one object per indexed
// symbol, vectorized externally by the indexer.
const ClassSymbol = "CodeSymbol"

// SymbolMatch is one similarity hit.
type SymbolMatch struct {
	SymbolID      string  `json:"symbol_id"`
	QualifiedName string  `json:"qualified_name"`
	Score         float64 `json:"score"`
}

// VectorSearch finds symbols whose embeddings are close to a query
// embedding.
type VectorSearch interface {
	// SearchSimilar returns up to limit matches for the embedding,
	// scoped to one repo, best first. An unconfigured index returns an
	// empty result, never an error.
	SearchSimilar(ctx context.Context, repoID string, embedding []float32, limit int) ([]SymbolMatch, error)
}

// NoOp is the searcher used when no vector index is configured.
type NoOp struct{}

func (NoOp) SearchSimilar(context.Context, string, []float32, int) ([]SymbolMatch, error) {
	return nil, nil
}

// Weaviate implements VectorSearch against a Weaviate instance.
type Weaviate struct {
	client *weaviate.Client
}

var (
	_ VectorSearch = (*Weaviate)(nil)
	_ VectorSearch = NoOp{}
)

// NewWeaviate connects to Weaviate and verifies liveness.
func NewWeaviate(ctx context.Context, host, scheme, apiKey string) (*Weaviate, error) {
	cfg := weaviate.Config{
		Host:   host,
		Scheme: scheme,
	}
	if apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: apiKey}
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("graph.NewWeaviate: %w", err)
	}

	live, err := client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph.NewWeaviate: live check: %w", err)
	}
	if !live {
		return nil, fmt.Errorf("graph.NewWeaviate: weaviate is not live")
	}

	return &Weaviate{client: client}, nil
}

// EnsureSchema creates the symbol class when it does not exist yet.
// Vectorizer is "none": embeddings are supplied by the indexer.
func (w *Weaviate) EnsureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(ClassSymbol).Do(ctx)
	if err != nil {
		return fmt.Errorf("graph.Weaviate.EnsureSchema: check: %w", err)
	}
	if exists {
		return nil
	}

	class := &weaviatemodels.Class{
		Class:      ClassSymbol,
		Vectorizer: "none",
		Properties: []*weaviatemodels.Property{
			{Name: "symbolId", DataType: []string{"text"}},
			{Name: "repoId", DataType: []string{"text"}},
			{Name: "qualifiedName", DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("graph.Weaviate.EnsureSchema: create: %w", err)
	}
	return nil
}

func (w *Weaviate) SearchSimilar(ctx context.Context, repoID string, embedding []float32, limit int) ([]SymbolMatch, error) {
	if limit < 1 {
		limit = 10
	}

	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(embedding)
	where := filters.Where().
		WithPath([]string{"repoId"}).
		WithOperator(filters.Equal).
		WithValueText(repoID)

	result, err := w.client.GraphQL().Get().
		WithClassName(ClassSymbol).
		WithFields(
			graphql.Field{Name: "symbolId"},
			graphql.Field{Name: "qualifiedName"},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
		).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph.Weaviate.SearchSimilar: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("graph.Weaviate.SearchSimilar: %s", result.Errors[0].Message)
	}

	return parseMatches(result.Data)
}

// parseMatches unpacks the untyped GraphQL response shape
// Get -> CodeSymbol -> [{symbolId, qualifiedName, _additional{distance}}].
func parseMatches(data map[string]weaviatemodels.JSONObject) ([]SymbolMatch, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rows, ok := get[ClassSymbol].([]interface{})
	if !ok {
		return nil, nil
	}

	matches := make([]SymbolMatch, 0, len(rows))
	for _, row := range rows {
		obj, ok := row.(map[string]interface{})
		if !ok {
			continue
		}

		var m SymbolMatch
		if v, ok := obj["symbolId"].(string); ok {
			m.SymbolID = v
		}
		if v, ok := obj["qualifiedName"].(string); ok {
			m.QualifiedName = v
		}
		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			if d, ok := add["distance"].(float64); ok {
				m.Score = 1 - d
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}
