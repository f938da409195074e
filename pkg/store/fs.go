package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FSBlobs stores binaries as files in a single directory.
type FSBlobs struct {
	dir string
}

// NewFSBlobs creates dir if needed.
func NewFSBlobs(dir string) (*FSBlobs, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create firmware dir: %w", err)
	}
	return &FSBlobs{dir: dir}, nil
}

// Dir returns the backing directory.
func (b *FSBlobs) Dir() string { return b.dir }

// Put writes r to a temporary file and links it into place, so a partially
// written blob is never visible under its final name and an existing blob is
// never replaced.
func (b *FSBlobs) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	final := filepath.Join(b.dir, name)
	if _, err := os.Lstat(final); err == nil {
		return 0, ErrExists
	}

	tmp, err := os.CreateTemp(b.dir, ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return n, ErrExists
		}
		return n, err
	}
	return n, nil
}

// Open implements BlobStore.
func (b *FSBlobs) Open(_ context.Context, name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(filepath.Join(b.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, ErrNotFound
	}
	return f, info.Size(), nil
}

// Remove implements BlobStore. Removing a missing blob is not an error.
func (b *FSBlobs) Remove(_ context.Context, name string) error {
	err := os.Remove(filepath.Join(b.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
