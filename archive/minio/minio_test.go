package minio

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/msgstore/archive"
)

func TestTarget_InvalidName(t *testing.T) {
	target := NewTarget(nil, "bucket", "prefix")
	err := target.Put(context.Background(), "../escape", strings.NewReader("x"))
	assert.ErrorIs(t, err, archive.ErrInvalidName)
}

// TestTarget_Integration requires a running MinIO instance.
// Skip if not available.
func TestTarget_Integration(t *testing.T) {
	endpoint := "localhost:9000"
	bucket := "test-msgstore"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	target := NewTarget(client, bucket, "backups")
	require.NoError(t, target.Put(ctx, "daily.img", strings.NewReader("image bytes")))

	obj, err := client.GetObject(ctx, bucket, "backups/daily.img", minio.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "image bytes", string(data))

	require.NoError(t, client.RemoveObject(ctx, bucket, "backups/daily.img", minio.RemoveObjectOptions{}))
}
