package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

// DefaultMaxSize is the upload cap: 5 MiB.
const DefaultMaxSize int64 = 5 << 20

const (
	firmwareExt = ".bin"
	// FetchPrefix is the public path under which stored binaries are served.
	FetchPrefix = "/ota/firmware/"
)

// Stored filenames are restricted to a flat, traversal-free alphabet.
var validFilename = regexp.MustCompile(`^[a-zA-Z0-9_-][a-zA-Z0-9._-]{0,252}$`)

// ValidFilename reports whether name can address a stored binary.
func ValidFilename(name string) bool {
	return validFilename.MatchString(name) && strings.HasSuffix(strings.ToLower(name), firmwareExt)
}

// Artifacts is the firmware artifact store.
type Artifacts struct {
	blobs   BlobStore
	index   Index
	maxSize int64
	logger  *slog.Logger

	// mu serialises read-modify-write cycles on the index.
	mu sync.Mutex

	nameMu   sync.Mutex
	lastNano int64
	now      func() time.Time
}

// Option configures Artifacts.
type Option func(*Artifacts)

// WithMaxSize overrides DefaultMaxSize.
func WithMaxSize(n int64) Option {
	return func(a *Artifacts) {
		if n > 0 {
			a.maxSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Artifacts) { a.logger = l }
}

// NewArtifacts returns an artifact store over blobs and index.
func NewArtifacts(blobs BlobStore, index Index, opts ...Option) *Artifacts {
	a := &Artifacts{
		blobs:   blobs,
		index:   index,
		maxSize: DefaultMaxSize,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// MaxSize returns the upload cap in bytes.
func (a *Artifacts) MaxSize() int64 { return a.maxSize }

// Store streams r into a new blob and appends its record to the index.
// declaredName is the client-supplied filename; uploader is recorded as-is.
func (a *Artifacts) Store(ctx context.Context, r io.Reader, declaredName, uploader string) (*model.Artifact, error) {
	original := path.Base(strings.ReplaceAll(declaredName, `\`, "/"))
	if !strings.HasSuffix(strings.ToLower(original), firmwareExt) {
		return nil, ErrInvalidExtension
	}

	sum := sha256.New()
	name := a.nextName()
	cr := &cappedReader{r: r, limit: a.maxSize, h: sum}
	size, err := a.blobs.Put(ctx, name, cr)
	if err != nil {
		// Backends may not preserve the reader's error chain.
		if errors.Is(err, ErrTooLarge) || cr.n > a.maxSize {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("%w: write blob %s: %v", ErrStorageFailure, name, err)
	}

	art := model.Artifact{
		Filename:     name,
		OriginalName: original,
		Size:         size,
		SHA256:       hex.EncodeToString(sum.Sum(nil)),
		UploadedAt:   a.now().UTC(),
		UploadedBy:   uploader,
		Path:         FetchPrefix + name,
	}

	a.mu.Lock()
	err = a.index.Update(ctx, func(list []model.Artifact) ([]model.Artifact, error) {
		return append(list, art), nil
	})
	a.mu.Unlock()
	if err != nil {
		if rmErr := a.blobs.Remove(context.WithoutCancel(ctx), name); rmErr != nil {
			a.logger.Error("remove orphaned blob", "filename", name, "error", rmErr)
		}
		return nil, fmt.Errorf("%w: update index: %v", ErrStorageFailure, err)
	}

	a.logger.Info("firmware stored",
		"filename", name, "original", original, "size", size, "uploaded_by", uploader)
	return &art, nil
}

// List returns every artifact in upload order.
func (a *Artifacts) List(ctx context.Context) ([]model.Artifact, error) {
	list, err := a.index.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load index: %v", ErrStorageFailure, err)
	}
	if list == nil {
		list = []model.Artifact{}
	}
	return list, nil
}

// Lookup returns the index record for filename.
func (a *Artifacts) Lookup(ctx context.Context, filename string) (*model.Artifact, error) {
	if !ValidFilename(filename) {
		return nil, ErrNotFound
	}
	list, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Filename == filename {
			return &list[i], nil
		}
	}
	return nil, ErrNotFound
}

// Open returns the stored binary called filename and its size.
func (a *Artifacts) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	if !ValidFilename(filename) {
		return nil, 0, ErrNotFound
	}
	rc, size, err := a.blobs.Open(ctx, filename)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("%w: open blob: %v", ErrStorageFailure, err)
	}
	return rc, size, nil
}

// nextName returns firmware_<unix-nanos>.bin, strictly increasing within the
// process even when the clock stalls or steps back.
func (a *Artifacts) nextName() string {
	a.nameMu.Lock()
	defer a.nameMu.Unlock()
	n := a.now().UnixNano()
	if n <= a.lastNano {
		n = a.lastNano + 1
	}
	a.lastNano = n
	return fmt.Sprintf("firmware_%d%s", n, firmwareExt)
}

// cappedReader fails with ErrTooLarge as soon as more than limit bytes have
// been read, and feeds everything it passes on into h.
type cappedReader struct {
	r     io.Reader
	limit int64
	n     int64
	h     hash.Hash
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.n > c.limit {
		return 0, ErrTooLarge
	}
	// Allow reading one byte past the limit so that an exact-size stream is
	// distinguishable from an oversized one.
	if room := c.limit + 1 - c.n; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.limit {
		return 0, ErrTooLarge
	}
	c.h.Write(p[:n])
	return n, err
}
