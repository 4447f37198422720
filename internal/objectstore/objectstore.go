// Package objectstore provides blob storage for overlay file content
// that is too large to keep inline in the relational store. The local
// filesystem implementation is the always-available default; remote
// backends can slot in behind the same interface.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dkod-io/dkod-engine/internal/domain"
)

// Store is a flat key/value blob store. Keys are slash-separated
// relative paths such as "overlay/<workspace_id>/<content_hash>".
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, content []byte) error
	// Delete is idempotent: removing an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Local stores blobs as files under a root directory.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed and returns a store
// rooted there.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore.NewLocal: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	path, err := l.resolve(key)
	if err != nil {
		return nil, fmt.Errorf("objectstore.Local.Get: %w", err)
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("objectstore.Local.Get: %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore.Local.Get: %w", err)
	}
	return content, nil
}

func (l *Local) Put(_ context.Context, key string, content []byte) error {
	path, err := l.resolve(key)
	if err != nil {
		return fmt.Errorf("objectstore.Local.Put: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("objectstore.Local.Put: %w", err)
	}

	// Write-then-rename so readers never observe a partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("objectstore.Local.Put: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("objectstore.Local.Put: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("objectstore.Local.Put: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("objectstore.Local.Put: %w", err)
	}
	return nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	path, err := l.resolve(key)
	if err != nil {
		return fmt.Errorf("objectstore.Local.Delete: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("objectstore.Local.Delete: %w", err)
	}
	return nil
}

func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	if prefix != "" {
		if err := domain.ValidateFilePath(prefix); err != nil {
			return nil, fmt.Errorf("objectstore.Local.List: %w", err)
		}
	}

	var keys []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(l.root, path)
		if relErr != nil {
			return relErr
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore.Local.List: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Local) Exists(_ context.Context, key string) (bool, error) {
	path, err := l.resolve(key)
	if err != nil {
		return false, fmt.Errorf("objectstore.Local.Exists: %w", err)
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("objectstore.Local.Exists: %w", err)
	}
	return true, nil
}

// resolve maps a key to a path under root, rejecting keys that would
// escape it.
func (l *Local) resolve(key string) (string, error) {
	if err := domain.ValidateFilePath(key); err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}
