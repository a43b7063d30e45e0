// Package archive provides destinations for store backup images.
//
// A Target receives a named image as a stream. Implementations exist for a
// local directory (this package), Amazon S3 (archive/s3) and MinIO or other
// S3-compatible services (archive/minio).
package archive

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrInvalidName is returned for image names that are empty or escape the
// target's root.
var ErrInvalidName = errors.New("archive: invalid name")

// Target stores backup images.
type Target interface {
	// Put stores the content of r under name, replacing any existing image
	// of that name. The image is visible only once Put returned nil.
	Put(ctx context.Context, name string, r io.Reader) error
}

// TargetFunc adapts a function to the Target interface.
type TargetFunc func(ctx context.Context, name string, r io.Reader) error

// Put calls f.
func (f TargetFunc) Put(ctx context.Context, name string, r io.Reader) error {
	return f(ctx, name, r)
}

// CleanName validates name and returns it in canonical slash form.
func CleanName(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, '\\') {
		return "", ErrInvalidName
	}
	clean := path.Clean("/" + name)[1:]
	if clean == "" || clean != strings.TrimPrefix(name, "/") {
		return "", ErrInvalidName
	}
	return clean, nil
}

// Key joins prefix and name into an object key.
func Key(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}
