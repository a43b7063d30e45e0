// Package s3 stores backup images in Amazon S3.
package s3

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/msgstore/archive"
)

// Client is the subset of the S3 API used by the target. *s3.Client
// implements it.
type Client interface {
	manager.UploadAPIClient
}

// UploadConfig tunes the multipart uploader.
type UploadConfig struct {
	// PartSize is the size of each uploaded part. Default: 8MB
	PartSize int64

	// Concurrency is the number of parts uploaded in parallel. Default: 5
	Concurrency int

	// EnableChecksum asks S3 to validate a CRC32C checksum. Default: true
	EnableChecksum bool

	// LeavePartsOnError keeps the parts of a failed multipart upload.
	// Default: false
	LeavePartsOnError bool
}

// DefaultUploadConfig returns the default upload settings.
func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		PartSize:       8 * 1024 * 1024,
		Concurrency:    5,
		EnableChecksum: true,
	}
}

// Target implements archive.Target for an S3 bucket.
type Target struct {
	client   Client
	bucket   string
	prefix   string
	cfg      UploadConfig
	uploader *manager.Uploader
}

var _ archive.Target = (*Target)(nil)

// NewTarget returns a target writing below prefix in bucket.
func NewTarget(client Client, bucket, prefix string, optFns ...func(*UploadConfig)) *Target {
	cfg := DefaultUploadConfig()
	for _, fn := range optFns {
		fn(&cfg)
	}
	return &Target{
		client: client,
		bucket: bucket,
		prefix: prefix,
		cfg:    cfg,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = cfg.PartSize
			u.Concurrency = cfg.Concurrency
			u.LeavePartsOnError = cfg.LeavePartsOnError
		}),
	}
}

// Put streams r to the object for name. Large images are uploaded in
// parts; S3 makes the object visible when the upload completes.
func (t *Target) Put(ctx context.Context, name string, r io.Reader) error {
	clean, err := archive.CleanName(name)
	if err != nil {
		return err
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(archive.Key(t.prefix, clean)),
		Body:   r,
	}
	if t.cfg.EnableChecksum {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	_, err = t.uploader.Upload(ctx, input)
	return err
}
