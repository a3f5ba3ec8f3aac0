package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MemBlobStore is an in-memory Blobs implementation for tests and
// single-process deployments.
type MemBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemBlobStore creates an empty in-memory blob store.
func NewMemBlobStore() *MemBlobStore {
	return &MemBlobStore{blobs: make(map[string][]byte)}
}

// PutBlob stores a copy of data under ref. Re-writing a ref overwrites it;
// the engine only writes a given snapshot ref once.
func (b *MemBlobStore) PutBlob(ctx context.Context, ref string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	b.blobs[ref] = buf
	return nil
}

// GetBlob returns a copy of the blob stored under ref, or ErrNotFound.
func (b *MemBlobStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// FSBlobStore stores blobs as files under a root directory, one file per
// reference. Writes go through a temp file and rename so a crashed write
// never leaves a partial blob behind.
type FSBlobStore struct {
	root string
}

// NewFSBlobStore creates a filesystem blob store rooted at dir, creating
// the directory if needed.
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FSBlobStore{root: dir}, nil
}

// path maps a reference to a file path, rejecting refs that would escape
// the root.
func (b *FSBlobStore) path(ref string) (string, error) {
	if ref == "" || strings.Contains(ref, "/") || strings.Contains(ref, "\\") || strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid blob reference %q", ref)
	}
	return filepath.Join(b.root, ref), nil
}

// PutBlob writes the blob atomically via temp file and rename.
func (b *FSBlobStore) PutBlob(ctx context.Context, ref string, data []byte) error {
	path, err := b.path(ref)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.root, ref+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to publish blob: %w", err)
	}
	return nil
}

// GetBlob reads the blob stored under ref, or ErrNotFound.
func (b *FSBlobStore) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	path, err := b.path(ref)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}
