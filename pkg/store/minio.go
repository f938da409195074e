package store

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const minPartSize = 5 << 20

// MinioBlobs stores binaries as objects in a MinIO or S3 bucket.
type MinioBlobs struct {
	mc       *minio.Client
	bucket   string
	partSize uint64
}

// MinioOptions configures NewMinioBlobs.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// MaxObjectSize is the largest object Put will accept. The part size is
	// chosen above it so an oversized stream fails before anything is sent.
	MaxObjectSize int64
}

// NewMinioBlobs connects to the object store and makes sure the bucket exists.
func NewMinioBlobs(ctx context.Context, opts MinioOptions) (*MinioBlobs, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket %q: %w", opts.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket %q: %w", opts.Bucket, err)
		}
	}

	part := uint64(minPartSize)
	if opts.MaxObjectSize+1 > int64(part) {
		part = uint64(opts.MaxObjectSize + 1)
	}
	return &MinioBlobs{mc: mc, bucket: opts.Bucket, partSize: part}, nil
}

// Put implements BlobStore.
func (b *MinioBlobs) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	if _, err := b.mc.StatObject(ctx, b.bucket, name, minio.StatObjectOptions{}); err == nil {
		return 0, ErrExists
	} else if !isNoSuchKey(err) {
		return 0, err
	}

	info, err := b.mc.PutObject(ctx, b.bucket, name, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    b.partSize,
	})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Open implements BlobStore.
func (b *MinioBlobs) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	obj, err := b.mc.GetObject(ctx, b.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, err
	}
	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	return obj, st.Size, nil
}

// Remove implements BlobStore.
func (b *MinioBlobs) Remove(ctx context.Context, name string) error {
	return b.mc.RemoveObject(ctx, b.bucket, name, minio.RemoveObjectOptions{})
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
