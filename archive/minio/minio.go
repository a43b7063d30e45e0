// Package minio stores backup images in MinIO or any other S3-compatible
// service reachable through minio-go.
package minio

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/msgstore/archive"
)

// Target implements archive.Target for a MinIO bucket.
type Target struct {
	client *minio.Client
	bucket string
	prefix string
	opts   minio.PutObjectOptions
}

var _ archive.Target = (*Target)(nil)

// NewTarget returns a target writing below prefix in bucket.
func NewTarget(client *minio.Client, bucket, prefix string) *Target {
	return &Target{
		client: client,
		bucket: bucket,
		prefix: prefix,
		opts:   minio.PutObjectOptions{ContentType: "application/octet-stream"},
	}
}

// Put streams r to the object for name. The length is unknown up front, so
// minio-go uploads in parts once the image outgrows a single part.
func (t *Target) Put(ctx context.Context, name string, r io.Reader) error {
	clean, err := archive.CleanName(name)
	if err != nil {
		return err
	}
	_, err = t.client.PutObject(ctx, t.bucket, archive.Key(t.prefix, clean), r, -1, t.opts)
	return err
}
