package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

func newFSArtifacts(t *testing.T, opts ...Option) (*Artifacts, string) {
	t.Helper()
	dir := t.TempDir()
	blobs, err := NewFSBlobs(dir)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := NewFileIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	return NewArtifacts(blobs, idx, opts...), dir
}

func binFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range entries {
		if e.Name() != IndexFilename {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestStoreAndFetch(t *testing.T) {
	a, dir := newFSArtifacts(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0xE9, 0x01}, 1024)

	art, err := a.Store(ctx, bytes.NewReader(payload), "sensor-v2.BIN", "admin")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.HasPrefix(art.Filename, "firmware_") || !strings.HasSuffix(art.Filename, ".bin") {
		t.Fatalf("unexpected stored name %q", art.Filename)
	}
	if art.OriginalName != "sensor-v2.BIN" || art.UploadedBy != "admin" || art.Size != int64(len(payload)) {
		t.Fatalf("unexpected artifact %+v", art)
	}
	if art.Path != "/ota/firmware/"+art.Filename {
		t.Fatalf("unexpected path %q", art.Path)
	}
	sum := sha256.Sum256(payload)
	if art.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum mismatch")
	}

	rc, size, err := a.Open(ctx, art.Filename)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if size != int64(len(payload)) || !bytes.Equal(got, payload) {
		t.Fatalf("fetched content differs (size %d)", size)
	}

	if _, err := os.Stat(filepath.Join(dir, IndexFilename)); err != nil {
		t.Fatalf("metadata.json not written: %v", err)
	}
}

func TestStoreInvalidExtension(t *testing.T) {
	a, dir := newFSArtifacts(t)
	ctx := context.Background()

	for _, name := range []string{"image.hex", "firmware.bin.exe", "noext", ""} {
		_, err := a.Store(ctx, strings.NewReader("data"), name, "admin")
		if !errors.Is(err, ErrInvalidExtension) {
			t.Errorf("Store(%q): expected ErrInvalidExtension, got %v", name, err)
		}
	}
	list, err := a.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty index, got %d entries", len(list))
	}
	if files := binFiles(t, dir); len(files) != 0 {
		t.Fatalf("expected no blobs, got %v", files)
	}
}

func TestStoreTooLarge(t *testing.T) {
	const limit = 1024
	a, dir := newFSArtifacts(t, WithMaxSize(limit))
	ctx := context.Background()

	_, err := a.Store(ctx, bytes.NewReader(make([]byte, limit+1)), "big.bin", "admin")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if files := binFiles(t, dir); len(files) != 0 {
		t.Fatalf("partial upload left behind: %v", files)
	}
	list, _ := a.List(ctx)
	if len(list) != 0 {
		t.Fatalf("index changed after rejected upload: %v", list)
	}

	if _, err := a.Store(ctx, bytes.NewReader(make([]byte, limit)), "exact.bin", "admin"); err != nil {
		t.Fatalf("upload of exactly the limit should succeed: %v", err)
	}
}

// endlessReader never reaches EOF; the cap must stop it.
type endlessReader struct{ read int64 }

func (e *endlessReader) Read(p []byte) (int, error) {
	e.read += int64(len(p))
	return len(p), nil
}

func TestStoreTooLargeStopsReading(t *testing.T) {
	const limit = 64 << 10
	a, _ := newFSArtifacts(t, WithMaxSize(limit))
	src := &endlessReader{}

	_, err := a.Store(context.Background(), src, "stream.bin", "admin")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if src.read > limit+1 {
		t.Fatalf("read %d bytes past a %d byte cap", src.read, limit)
	}
}

func TestConcurrentStores(t *testing.T) {
	a, _ := newFSArtifacts(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Store(ctx, strings.NewReader(fmt.Sprintf("payload-%d", i)), fmt.Sprintf("fw-%d.bin", i), "admin")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	list, err := a.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != n {
		t.Fatalf("expected %d index entries, got %d", n, len(list))
	}
	seen := make(map[string]bool)
	originals := make(map[string]bool)
	for _, art := range list {
		if seen[art.Filename] {
			t.Fatalf("duplicate stored name %q", art.Filename)
		}
		seen[art.Filename] = true
		originals[art.OriginalName] = true
	}
	for i := 0; i < n; i++ {
		if !originals[fmt.Sprintf("fw-%d.bin", i)] {
			t.Fatalf("upload fw-%d.bin lost from index", i)
		}
	}
}

type brokenIndex struct{ MemoryIndex }

func (b *brokenIndex) Update(context.Context, func([]model.Artifact) ([]model.Artifact, error)) error {
	return errors.New("disk full")
}

func TestStoreIndexFailureRemovesBlob(t *testing.T) {
	dir := t.TempDir()
	blobs, err := NewFSBlobs(dir)
	if err != nil {
		t.Fatal(err)
	}
	a := NewArtifacts(blobs, &brokenIndex{})

	_, err = a.Store(context.Background(), strings.NewReader("abc"), "x.bin", "admin")
	if !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("expected ErrStorageFailure, got %v", err)
	}
	if files := binFiles(t, dir); len(files) != 0 {
		t.Fatalf("orphaned blob left behind: %v", files)
	}
}

func TestOpenRejectsBadNames(t *testing.T) {
	a, dir := newFSArtifacts(t)
	if err := os.WriteFile(filepath.Join(filepath.Dir(dir), "secret.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"../secret.bin", "..", IndexFilename, ".hidden.bin", "a/b.bin", "firmware_1.bin"} {
		if _, _, err := a.Open(context.Background(), name); !errors.Is(err, ErrNotFound) {
			t.Errorf("Open(%q): expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestListAbsentIndex(t *testing.T) {
	a, _ := newFSArtifacts(t)
	list, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", list)
	}
}

func TestLookup(t *testing.T) {
	a := NewArtifacts(tempBlobs(t), NewMemoryIndex())
	ctx := context.Background()
	art, err := a.Store(ctx, strings.NewReader("fw"), "a.bin", "admin")
	if err != nil {
		t.Fatal(err)
	}
	got, err := a.Lookup(ctx, art.Filename)
	if err != nil || got.SHA256 != art.SHA256 {
		t.Fatalf("Lookup: %v %+v", err, got)
	}
	if _, err := a.Lookup(ctx, "firmware_0.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextNameMonotonic(t *testing.T) {
	a := NewArtifacts(nil, nil)
	prev := ""
	for i := 0; i < 1000; i++ {
		name := a.nextName()
		if name <= prev && len(name) == len(prev) {
			t.Fatalf("name %q not after %q", name, prev)
		}
		prev = name
	}
}

func tempBlobs(t *testing.T) BlobStore {
	t.Helper()
	b, err := NewFSBlobs(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return b
}
