package fs

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic replaces path with the content produced by write. The
// content goes to path+".tmp" first and is synced, then renamed over path,
// and the directory is synced. A failure leaves the previous file intact.
func WriteFileAtomic(fsys FileSystem, path string, write func(io.Writer) error) (err error) {
	if fsys == nil {
		fsys = Default
	}
	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = RemoveIfExists(fsys, tmp)
		}
	}()

	bw := bufio.NewWriter(f)
	if err = write(bw); err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err = fsys.Rename(tmp, path); err != nil {
		return err
	}
	return fsys.SyncDir(filepath.Dir(path))
}
