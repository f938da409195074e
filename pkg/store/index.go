package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

// IndexFilename is the name of the JSON index inside the firmware directory.
const IndexFilename = "metadata.json"

// FileIndex keeps the index as a JSON array in a single file. Each write
// replaces the whole file atomically.
type FileIndex struct {
	path string
	mu   sync.Mutex
}

// NewFileIndex returns an index stored at dir/metadata.json.
func NewFileIndex(dir string) (*FileIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	return &FileIndex{path: filepath.Join(dir, IndexFilename)}, nil
}

// Load implements Index.
func (f *FileIndex) Load(_ context.Context) ([]model.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// Update implements Index.
func (f *FileIndex) Update(ctx context.Context, fn func([]model.Artifact) ([]model.Artifact, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	list, err := f.read()
	if err != nil {
		return err
	}
	next, err := fn(list)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.write(next)
}

func (f *FileIndex) read() ([]model.Artifact, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.Artifact{}, nil
		}
		return nil, err
	}
	var list []model.Artifact
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return list, nil
}

func (f *FileIndex) write(list []model.Artifact) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".metadata-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// MemoryIndex is an in-process Index for tests and throwaway deployments.
type MemoryIndex struct {
	mu   sync.RWMutex
	list []model.Artifact
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Load implements Index.
func (m *MemoryIndex) Load(_ context.Context) ([]model.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Artifact, len(m.list))
	copy(out, m.list)
	return out, nil
}

// Update implements Index.
func (m *MemoryIndex) Update(_ context.Context, fn func([]model.Artifact) ([]model.Artifact, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := make([]model.Artifact, len(m.list))
	copy(cur, m.list)
	next, err := fn(cur)
	if err != nil {
		return err
	}
	m.list = next
	return nil
}
