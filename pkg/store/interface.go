// Package store persists firmware artifacts. Binaries live in a BlobStore
// (local directory or MinIO bucket) and their metadata in an Index (JSON
// file, etcd key or memory).
package store

import (
	"context"
	"errors"
	"io"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

var (
	ErrInvalidExtension = errors.New("store: firmware must have a .bin extension")
	ErrTooLarge         = errors.New("store: firmware exceeds size limit")
	ErrStorageFailure   = errors.New("store: storage failure")
	ErrNotFound         = errors.New("store: firmware not found")
	ErrExists           = errors.New("store: blob already exists")
)

// BlobStore holds firmware binaries. Blobs are written once and never
// overwritten.
type BlobStore interface {
	// Put streams r into a new blob called name. It returns ErrExists if the
	// name is taken. If reading r fails no blob is left behind.
	Put(ctx context.Context, name string, r io.Reader) (int64, error)
	// Open returns the blob contents and size, or ErrNotFound.
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, name string) error
}

// Index is the ordered, append-only list of artifact records.
type Index interface {
	// Load returns every record. An index that was never written is empty.
	Load(ctx context.Context) ([]model.Artifact, error)
	// Update reads the whole index, applies fn and writes the result back.
	// Implementations must not lose concurrent updates.
	Update(ctx context.Context, fn func([]model.Artifact) ([]model.Artifact, error)) error
}
