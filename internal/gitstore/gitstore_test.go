package gitstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/gitstore"
)

func seedRepo(t *testing.T) (*gitstore.Memory, string) {
	t.Helper()

	store := gitstore.NewMemory()
	head, err := store.InitRepo("repo-1", map[string][]byte{
		"go.mod":                 []byte("module example.com/demo\n"),
		"internal/calc/calc.go":  []byte("package calc\n\nfunc Add(a, b int) int { return a + b }\n"),
		"internal/calc/calc2.go": []byte("package calc\n\nfunc Sub(a, b int) int { return a - b }\n"),
	})
	require.NoError(t, err)
	return store, head
}

func TestMemory_InitRepo(t *testing.T) {
	t.Parallel()

	store, head := seedRepo(t)
	ctx := context.Background()

	got, err := store.Head(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, head, got)

	// A repo can only be initialized once.
	_, err = store.InitRepo("repo-1", nil)
	require.ErrorIs(t, err, domain.ErrConflict)

	// Unknown repos surface as not found.
	_, err = store.Head(ctx, "repo-2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_ReadBlob(t *testing.T) {
	t.Parallel()

	store, head := seedRepo(t)
	ctx := context.Background()

	content, err := store.ReadBlob(ctx, "repo-1", head, "go.mod")
	require.NoError(t, err)
	assert.Equal(t, []byte("module example.com/demo\n"), content)

	_, err = store.ReadBlob(ctx, "repo-1", head, "missing.go")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.ReadBlob(ctx, "repo-1", "nonsense-commit", "go.mod")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemory_ListTree(t *testing.T) {
	t.Parallel()

	store, head := seedRepo(t)
	ctx := context.Background()

	all, err := store.ListTree(ctx, "repo-1", head, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "go.mod", all[0].Path, "entries sorted by path")

	calc, err := store.ListTree(ctx, "repo-1", head, "internal/calc/")
	require.NoError(t, err)
	require.Len(t, calc, 2)
	for _, entry := range calc {
		assert.NotEmpty(t, entry.Hash)
		assert.Positive(t, entry.Size)
	}
}

func TestMemory_WriteCommit(t *testing.T) {
	t.Parallel()

	store, head := seedRepo(t)
	ctx := context.Background()

	next, err := store.WriteCommit(ctx, "repo-1", head, []gitstore.FileOp{
		{Path: "internal/calc/calc.go", Content: []byte("package calc\n\nfunc Add(a, b int) int { return b + a }\n")},
		{Path: "README.md", Content: []byte("# demo\n")},
		{Path: "internal/calc/calc2.go", Delete: true},
	})
	require.NoError(t, err)
	assert.NotEqual(t, head, next)

	got, err := store.Head(ctx, "repo-1")
	require.NoError(t, err)
	assert.Equal(t, next, got)

	// New commit reflects the ops.
	content, err := store.ReadBlob(ctx, "repo-1", next, "README.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("# demo\n"), content)

	_, err = store.ReadBlob(ctx, "repo-1", next, "internal/calc/calc2.go")
	require.ErrorIs(t, err, domain.ErrNotFound)

	// Old commit stays readable, deletion included.
	content, err = store.ReadBlob(ctx, "repo-1", head, "internal/calc/calc2.go")
	require.NoError(t, err)
	assert.Contains(t, string(content), "func Sub")
}

func TestMemory_WriteCommit_HeadMoved(t *testing.T) {
	t.Parallel()

	store, head := seedRepo(t)
	ctx := context.Background()

	// First writer advances the head.
	_, err := store.WriteCommit(ctx, "repo-1", head, []gitstore.FileOp{
		{Path: "a.txt", Content: []byte("first")},
	})
	require.NoError(t, err)

	// Second writer still based on the old head must be rejected.
	_, err = store.WriteCommit(ctx, "repo-1", head, []gitstore.FileOp{
		{Path: "b.txt", Content: []byte("second")},
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	// Retrying from the new head succeeds.
	newHead, err := store.Head(ctx, "repo-1")
	require.NoError(t, err)
	_, err = store.WriteCommit(ctx, "repo-1", newHead, []gitstore.FileOp{
		{Path: "b.txt", Content: []byte("second")},
	})
	require.NoError(t, err)
}

func TestBlobHash_Deterministic(t *testing.T) {
	t.Parallel()

	a := gitstore.BlobHash([]byte("same"))
	b := gitstore.BlobHash([]byte("same"))
	c := gitstore.BlobHash([]byte("different"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64, "hex-encoded sha256")
}
