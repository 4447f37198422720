// Package overlay implements the copy-on-write file layer a workspace
// stacks on top of its base commit. Reads fall through to the base
// tree, writes land in per-workspace overlay entries, deletes leave
// tombstones so merge knows to remove the path.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/gitstore"
	"github.com/dkod-io/dkod-engine/internal/objectstore"
)

// DefaultInlineMax is the largest overlay entry kept inline in the
// relational store. Bigger writes spill to the object store.
const DefaultInlineMax = 128 * 1024

// Entry is one row of a merged directory listing. ChangeType is empty
// for files untouched by the overlay.
type Entry struct {
	Path       string                `json:"path"`
	SizeBytes  int64                 `json:"size_bytes"`
	ChangeType domain.FileChangeType `json:"change_type,omitempty"`
}

// Service mediates all file access for workspaces.
type Service struct {
	overlays  domain.OverlayRepository
	git       gitstore.Store
	objects   objectstore.Store
	inlineMax int64
}

// New creates the overlay service. inlineMax below 1 falls back to
// DefaultInlineMax.
func New(overlays domain.OverlayRepository, git gitstore.Store, objects objectstore.Store, inlineMax int64) *Service {
	if inlineMax < 1 {
		inlineMax = DefaultInlineMax
	}
	return &Service{
		overlays:  overlays,
		git:       git,
		objects:   objects,
		inlineMax: inlineMax,
	}
}

// Read returns the current content of path as the workspace sees it:
// the overlay entry when one exists, the base blob otherwise.
// Tombstoned paths read as not found.
func (s *Service) Read(ctx context.Context, ws *domain.Workspace, path string) ([]byte, error) {
	if err := domain.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("overlay.Read: %w", err)
	}

	entry, err := s.overlays.Get(ctx, ws.ID, path)
	switch {
	case err == nil:
		content, err := s.Resolve(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("overlay.Read: %w", err)
		}
		return content, nil
	case errors.Is(err, domain.ErrNotFound):
		content, err := s.git.ReadBlob(ctx, ws.RepoID, ws.BaseCommitHash, path)
		if err != nil {
			return nil, fmt.Errorf("overlay.Read: %w", err)
		}
		return content, nil
	default:
		return nil, fmt.Errorf("overlay.Read: %w", err)
	}
}

// Stat reports whether path exists in the workspace view and how the
// overlay touched it, without materializing content.
func (s *Service) Stat(ctx context.Context, ws *domain.Workspace, path string) (*Entry, error) {
	if err := domain.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("overlay.Stat: %w", err)
	}

	entry, err := s.overlays.Get(ctx, ws.ID, path)
	switch {
	case err == nil:
		if entry.ChangeType == domain.FileDeleted {
			return nil, fmt.Errorf("overlay.Stat: %q deleted: %w", path, domain.ErrNotFound)
		}
		return &Entry{Path: path, SizeBytes: entry.SizeBytes, ChangeType: entry.ChangeType}, nil
	case errors.Is(err, domain.ErrNotFound):
		content, err := s.git.ReadBlob(ctx, ws.RepoID, ws.BaseCommitHash, path)
		if err != nil {
			return nil, fmt.Errorf("overlay.Stat: %w", err)
		}
		return &Entry{Path: path, SizeBytes: int64(len(content))}, nil
	default:
		return nil, fmt.Errorf("overlay.Stat: %w", err)
	}
}

// Resolve returns the content of an overlay entry, fetching spilled
// blobs from the object store. Tombstones resolve to not found.
func (s *Service) Resolve(ctx context.Context, entry *domain.OverlayFile) ([]byte, error) {
	if entry.ChangeType == domain.FileDeleted {
		return nil, domain.ErrNotFound
	}
	if entry.ObjectKey != nil {
		content, err := s.objects.Get(ctx, *entry.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("overlay.Resolve: spilled %q: %w", entry.FilePath, err)
		}
		return content, nil
	}
	return entry.Content, nil
}

// Write stages content for path. The entry is tagged Added or Modified
// by the path's presence in the base commit; the base blob's hash is
// recorded on first touch for later staleness checks. Content larger
// than the inline cap spills to the object store under a
// content-addressed key.
func (s *Service) Write(ctx context.Context, ws *domain.Workspace, path string, content []byte) (*domain.OverlayFile, error) {
	if err := domain.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("overlay.Write: %w", err)
	}
	if ws.State != domain.WorkspaceStateActive {
		return nil, fmt.Errorf("overlay.Write: workspace is %s: %w", ws.State, domain.ErrConflict)
	}

	changeType := domain.FileAdded
	var baseHash *string
	base, err := s.git.ReadBlob(ctx, ws.RepoID, ws.BaseCommitHash, path)
	switch {
	case err == nil:
		changeType = domain.FileModified
		h := gitstore.BlobHash(base)
		baseHash = &h
	case errors.Is(err, domain.ErrNotFound):
		// New file.
	default:
		return nil, fmt.Errorf("overlay.Write: %w", err)
	}

	prior, err := s.overlays.Get(ctx, ws.ID, path)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("overlay.Write: %w", err)
	}

	entry := &domain.OverlayFile{
		WorkspaceID:     ws.ID,
		FilePath:        path,
		ContentHash:     gitstore.BlobHash(content),
		SizeBytes:       int64(len(content)),
		ChangeType:      changeType,
		BaseContentHash: baseHash,
	}

	if entry.SizeBytes > s.inlineMax {
		key := spillKey(ws, entry.ContentHash)
		if err := s.objects.Put(ctx, key, content); err != nil {
			return nil, fmt.Errorf("overlay.Write: spill %q: %w", path, err)
		}
		entry.ObjectKey = &key
	} else {
		entry.Content = content
	}

	if err := s.overlays.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("overlay.Write: %w", err)
	}

	if prior != nil && prior.ObjectKey != nil && (entry.ObjectKey == nil || *entry.ObjectKey != *prior.ObjectKey) {
		if err := s.dropSpill(ctx, ws, *prior.ObjectKey); err != nil {
			return nil, fmt.Errorf("overlay.Write: %w", err)
		}
	}

	return entry, nil
}

// Delete stages removal of path by writing a tombstone. Deleting a
// path that exists neither in the overlay nor in the base is an error,
// as is deleting an already tombstoned path. Tombstoning a spilled
// entry releases its blob.
func (s *Service) Delete(ctx context.Context, ws *domain.Workspace, path string) error {
	if err := domain.ValidateFilePath(path); err != nil {
		return fmt.Errorf("overlay.Delete: %w", err)
	}
	if ws.State != domain.WorkspaceStateActive {
		return fmt.Errorf("overlay.Delete: workspace is %s: %w", ws.State, domain.ErrConflict)
	}

	var baseHash *string
	base, err := s.git.ReadBlob(ctx, ws.RepoID, ws.BaseCommitHash, path)
	switch {
	case err == nil:
		h := gitstore.BlobHash(base)
		baseHash = &h
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("overlay.Delete: %w", err)
	}

	existing, err := s.overlays.Get(ctx, ws.ID, path)
	switch {
	case err == nil:
		if existing.ChangeType == domain.FileDeleted {
			return fmt.Errorf("overlay.Delete: %q already deleted: %w", path, domain.ErrNotFound)
		}
	case errors.Is(err, domain.ErrNotFound):
		if baseHash == nil {
			return fmt.Errorf("overlay.Delete: %q: %w", path, domain.ErrNotFound)
		}
	default:
		return fmt.Errorf("overlay.Delete: %w", err)
	}

	tombstone := &domain.OverlayFile{
		WorkspaceID:     ws.ID,
		FilePath:        path,
		ChangeType:      domain.FileDeleted,
		BaseContentHash: baseHash,
	}

	if err := s.overlays.Upsert(ctx, tombstone); err != nil {
		return fmt.Errorf("overlay.Delete: %w", err)
	}

	if existing != nil && existing.ObjectKey != nil {
		if err := s.dropSpill(ctx, ws, *existing.ObjectKey); err != nil {
			return fmt.Errorf("overlay.Delete: %w", err)
		}
	}

	return nil
}

// List merges the base tree with the overlay under prefix. Overlay
// entries win on path collision; tombstoned paths disappear from the
// listing entirely. limit below 1 means no limit.
func (s *Service) List(ctx context.Context, ws *domain.Workspace, prefix string, limit int) ([]Entry, error) {
	baseEntries, err := s.git.ListTree(ctx, ws.RepoID, ws.BaseCommitHash, prefix)
	if err != nil {
		return nil, fmt.Errorf("overlay.List: %w", err)
	}

	ovEntries, err := s.overlays.ListByPrefix(ctx, ws.ID, prefix)
	if err != nil {
		return nil, fmt.Errorf("overlay.List: %w", err)
	}

	overlaid := make(map[string]struct{}, len(ovEntries))
	for _, e := range ovEntries {
		overlaid[e.FilePath] = struct{}{}
	}

	merged := make([]Entry, 0, len(baseEntries)+len(ovEntries))
	for _, e := range baseEntries {
		if _, ok := overlaid[e.Path]; ok {
			continue
		}
		merged = append(merged, Entry{Path: e.Path, SizeBytes: int64(e.Size)})
	}
	for _, e := range ovEntries {
		if e.ChangeType == domain.FileDeleted {
			continue
		}
		merged = append(merged, Entry{Path: e.FilePath, SizeBytes: e.SizeBytes, ChangeType: e.ChangeType})
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Path < merged[j].Path })

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}

	return merged, nil
}

// ClearSpill removes every spilled blob of a workspace. Called when
// the workspace reaches a terminal state.
func (s *Service) ClearSpill(ctx context.Context, ws *domain.Workspace) error {
	keys, err := s.objects.List(ctx, spillPrefix(ws))
	if err != nil {
		return fmt.Errorf("overlay.ClearSpill: %w", err)
	}

	for _, key := range keys {
		if err := s.objects.Delete(ctx, key); err != nil {
			return fmt.Errorf("overlay.ClearSpill: %w", err)
		}
	}

	return nil
}

// dropSpill deletes a spilled blob once no entry of the workspace
// references it anymore. Blobs are shared between paths with identical
// content, so a superseded key may still be live elsewhere.
func (s *Service) dropSpill(ctx context.Context, ws *domain.Workspace, key string) error {
	entries, err := s.overlays.ListByPrefix(ctx, ws.ID, "")
	if err != nil {
		return fmt.Errorf("dropSpill: %w", err)
	}
	for _, e := range entries {
		if e.ObjectKey != nil && *e.ObjectKey == key {
			return nil
		}
	}
	if err := s.objects.Delete(ctx, key); err != nil {
		return fmt.Errorf("dropSpill: %w", err)
	}
	return nil
}

func spillPrefix(ws *domain.Workspace) string {
	return "overlay/" + ws.ID.String() + "/"
}

// spillKey is content-addressed, so rewriting a path with identical
// bytes is a no-op and two paths with the same content share one blob.
func spillKey(ws *domain.Workspace, contentHash string) string {
	return spillPrefix(ws) + contentHash
}
