package cli

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/msgstore/archive"
	miniotarget "github.com/hupe1980/msgstore/archive/minio"
	s3target "github.com/hupe1980/msgstore/archive/s3"
)

// ParseTarget returns the archive target for raw:
//
//	/var/backups, file:///var/backups   local directory
//	s3://bucket/prefix                  Amazon S3, default AWS credential chain
//	minio://host:port/bucket/prefix     MinIO over HTTP, MINIO_* credentials
//	minios://host:port/bucket/prefix    MinIO over HTTPS
func ParseTarget(ctx context.Context, raw string) (archive.Target, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty target")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return archive.NewDirTarget(raw), nil
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, fmt.Errorf("target %q: missing path", raw)
		}
		return archive.NewDirTarget(u.Path), nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("target %q: missing bucket", raw)
		}
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return s3target.NewTarget(s3.NewFromConfig(awsCfg), u.Host, strings.TrimPrefix(u.Path, "/")), nil
	case "minio", "minios":
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		if u.Host == "" || bucket == "" {
			return nil, fmt.Errorf("target %q: want %s://host/bucket[/prefix]", raw, u.Scheme)
		}
		client, err := minio.New(u.Host, &minio.Options{
			Creds:  credentials.NewEnvMinio(),
			Secure: u.Scheme == "minios",
		})
		if err != nil {
			return nil, fmt.Errorf("minio client: %w", err)
		}
		return miniotarget.NewTarget(client, bucket, prefix), nil
	default:
		return nil, fmt.Errorf("target %q: unsupported scheme %q", raw, u.Scheme)
	}
}
