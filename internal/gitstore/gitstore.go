// Package gitstore provides the content-addressed commit store the
// engine reads base file content from and merges approved changesets
// into. Commits are immutable; advancing a repo head is a
// compare-and-swap on the base commit, so concurrent merges cannot
// silently overwrite each other.
package gitstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dkod-io/dkod-engine/internal/domain"
)

// FileOp is a single file mutation applied by WriteCommit. Delete wins
// over Content.
type FileOp struct {
	Path    string
	Content []byte
	Delete  bool
}

// TreeEntry describes one file reachable from a commit.
type TreeEntry struct {
	Path string `json:"path"`
	Size int    `json:"size_bytes"`
	Hash string `json:"content_hash"`
}

// Store is the engine's view of a Git-compatible backend.
//
// WriteCommit is conditional: it only advances the head when the head
// still equals baseCommit, returning domain.ErrConflict otherwise.
type Store interface {
	// Head returns the current head commit of a repo.
	Head(ctx context.Context, repoID string) (string, error)

	// ReadBlob returns the content of path at the given commit.
	ReadBlob(ctx context.Context, repoID, commit, path string) ([]byte, error)

	// ListTree returns entries under prefix at the given commit,
	// sorted by path. An empty prefix lists the whole tree.
	ListTree(ctx context.Context, repoID, commit, prefix string) ([]TreeEntry, error)

	// WriteCommit applies ops on top of baseCommit and advances the
	// head to the new commit, failing with domain.ErrConflict when the
	// head has moved past baseCommit.
	WriteCommit(ctx context.Context, repoID, baseCommit string, ops []FileOp) (string, error)
}

type commit struct {
	parent string
	tree   map[string]string // path -> blob hash
}

// Memory is an in-process Store. It backs development, tests, and
// single-node deployments; the Store interface leaves room for a real
// Git backend without touching callers.
type Memory struct {
	mu    sync.RWMutex
	heads map[string]string            // repo -> head commit
	logs  map[string]map[string]commit // repo -> commit hash -> commit
	blobs map[string][]byte            // blob hash -> content
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		heads: make(map[string]string),
		logs:  make(map[string]map[string]commit),
		blobs: make(map[string][]byte),
	}
}

// InitRepo creates a repo with an initial commit holding files and
// returns that commit. Re-initializing an existing repo is an error.
func (m *Memory) InitRepo(repoID string, files map[string][]byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.heads[repoID]; ok {
		return "", fmt.Errorf("gitstore.Memory.InitRepo: repo %s: %w", repoID, domain.ErrConflict)
	}

	tree := make(map[string]string, len(files))
	for path, content := range files {
		tree[path] = m.putBlob(content)
	}

	hash := commitHash("", tree)
	m.logs[repoID] = map[string]commit{hash: {parent: "", tree: tree}}
	m.heads[repoID] = hash
	return hash, nil
}

func (m *Memory) Head(_ context.Context, repoID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	head, ok := m.heads[repoID]
	if !ok {
		return "", fmt.Errorf("gitstore.Memory.Head: repo %s: %w", repoID, domain.ErrNotFound)
	}
	return head, nil
}

func (m *Memory) ReadBlob(_ context.Context, repoID, commitHash, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.lookup(repoID, commitHash)
	if err != nil {
		return nil, fmt.Errorf("gitstore.Memory.ReadBlob: %w", err)
	}
	blobHash, ok := c.tree[path]
	if !ok {
		return nil, fmt.Errorf("gitstore.Memory.ReadBlob: %s@%s: %w", path, commitHash, domain.ErrNotFound)
	}

	content := m.blobs[blobHash]
	out := make([]byte, len(content))
	copy(out, content)
	return out, nil
}

func (m *Memory) ListTree(_ context.Context, repoID, commitHash, prefix string) ([]TreeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.lookup(repoID, commitHash)
	if err != nil {
		return nil, fmt.Errorf("gitstore.Memory.ListTree: %w", err)
	}

	entries := make([]TreeEntry, 0, len(c.tree))
	for path, blobHash := range c.tree {
		if prefix != "" && !strings.HasPrefix(path, prefix) {
			continue
		}
		entries = append(entries, TreeEntry{
			Path: path,
			Size: len(m.blobs[blobHash]),
			Hash: blobHash,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (m *Memory) WriteCommit(_ context.Context, repoID, baseCommit string, ops []FileOp) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, ok := m.heads[repoID]
	if !ok {
		return "", fmt.Errorf("gitstore.Memory.WriteCommit: repo %s: %w", repoID, domain.ErrNotFound)
	}
	if head != baseCommit {
		return "", fmt.Errorf("gitstore.Memory.WriteCommit: head moved from %s to %s: %w",
			baseCommit, head, domain.ErrConflict)
	}

	base := m.logs[repoID][head]
	tree := make(map[string]string, len(base.tree)+len(ops))
	for path, blobHash := range base.tree {
		tree[path] = blobHash
	}
	for _, op := range ops {
		if op.Delete {
			delete(tree, op.Path)
			continue
		}
		tree[op.Path] = m.putBlob(op.Content)
	}

	hash := commitHash(head, tree)
	m.logs[repoID][hash] = commit{parent: head, tree: tree}
	m.heads[repoID] = hash
	return hash, nil
}

// lookup must be called with at least a read lock held.
func (m *Memory) lookup(repoID, commitHash string) (commit, error) {
	log, ok := m.logs[repoID]
	if !ok {
		return commit{}, fmt.Errorf("repo %s: %w", repoID, domain.ErrNotFound)
	}
	c, ok := log[commitHash]
	if !ok {
		return commit{}, fmt.Errorf("commit %s: %w", commitHash, domain.ErrNotFound)
	}
	return c, nil
}

// putBlob must be called with the write lock held.
func (m *Memory) putBlob(content []byte) string {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	if _, ok := m.blobs[hash]; !ok {
		stored := make([]byte, len(content))
		copy(stored, content)
		m.blobs[hash] = stored
	}
	return hash
}

func commitHash(parent string, tree map[string]string) string {
	paths := make([]string, 0, len(tree))
	for path := range tree {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	h := sha256.New()
	h.Write([]byte("parent:" + parent + "\n"))
	for _, path := range paths {
		h.Write([]byte(path + ":" + tree[path] + "\n"))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BlobHash returns the content hash used for blobs and overlay
// integrity checks.
func BlobHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
