package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/msgstore/internal/fs"
)

// DirTarget stores images as files below a local directory. An image is
// written to a temporary file, synced and renamed into place.
type DirTarget struct {
	root string
	fs   fs.FileSystem
}

// NewDirTarget returns a target rooted at dir.
func NewDirTarget(dir string) *DirTarget {
	return &DirTarget{root: dir, fs: fs.Default}
}

// NewDirTargetFS is NewDirTarget on the given file system.
func NewDirTargetFS(dir string, fsys fs.FileSystem) *DirTarget {
	return &DirTarget{root: dir, fs: fsys}
}

// Path returns the file an image called name is stored in.
func (d *DirTarget) Path(name string) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(clean)), nil
}

// Put implements Target.
func (d *DirTarget) Put(ctx context.Context, name string, r io.Reader) (err error) {
	dst, err := d.Path(name)
	if err != nil {
		return err
	}
	if err := d.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp := dst + ".tmp"
	f, err := d.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = d.fs.Remove(tmp)
		}
	}()

	if _, err = io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		_ = f.Close()
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return d.fs.Rename(tmp, dst)
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
