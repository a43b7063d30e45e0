package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is returned by faults that were not given an error.
var ErrInjected = errors.New("fs: injected fault")

type faultOp uint8

const (
	faultWrite faultOp = iota
	faultSync
	faultClose
)

type fault struct {
	pattern string
	op      faultOp
	after   int64
	err     error
}

// FaultyFS wraps a FileSystem and fails selected operations. Faults on
// files are matched by a substring of the file name and apply to files
// opened after they were added.
type FaultyFS struct {
	FileSystem

	mu         sync.Mutex
	faults     []fault
	renameErr  error
	syncDirErr error
	written    int64
	limit      int64
}

// NewFaultyFS wraps fsys, or Default if fsys is nil.
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{FileSystem: fsys, limit: -1}
}

// FailWrites fails writes to matching files once after bytes were written
// to the file.
func (f *FaultyFS) FailWrites(pattern string, after int64, err error) {
	f.add(fault{pattern: pattern, op: faultWrite, after: after, err: err})
}

// FailSync fails Sync on matching files.
func (f *FaultyFS) FailSync(pattern string, err error) {
	f.add(fault{pattern: pattern, op: faultSync, err: err})
}

// FailClose fails Close on matching files. The file is closed anyway.
func (f *FaultyFS) FailClose(pattern string, err error) {
	f.add(fault{pattern: pattern, op: faultClose, err: err})
}

// FailRename fails every Rename with err. nil clears it.
func (f *FaultyFS) FailRename(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renameErr = err
}

// FailSyncDir fails every SyncDir with err. nil clears it.
func (f *FaultyFS) FailSyncDir(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncDirErr = err
}

// SetLimit fails every write once limit bytes were written through the
// file system in total. A negative limit disables the check.
func (f *FaultyFS) SetLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
}

// Written returns the bytes written through the file system.
func (f *FaultyFS) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// Reset removes every fault and the write limit.
func (f *FaultyFS) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
	f.renameErr = nil
	f.syncDirErr = nil
	f.limit = -1
}

func (f *FaultyFS) add(ft fault) {
	if ft.err == nil {
		ft.err = ErrInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, ft)
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FileSystem.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	var matched []fault
	for _, ft := range f.faults {
		if strings.Contains(name, ft.pattern) {
			matched = append(matched, ft)
		}
	}
	f.mu.Unlock()
	return &faultyFile{File: file, fs: f, faults: matched}, nil
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	err := f.renameErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.FileSystem.Rename(oldpath, newpath)
}

func (f *FaultyFS) SyncDir(dir string) error {
	f.mu.Lock()
	err := f.syncDirErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.FileSystem.SyncDir(dir)
}

// account counts n written bytes unless that crosses the limit.
func (f *FaultyFS) account(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit >= 0 && f.written+int64(n) > f.limit {
		return ErrInjected
	}
	f.written += int64(n)
	return nil
}

type faultyFile struct {
	File
	fs      *FaultyFS
	faults  []fault
	written int64
}

// find returns the last fault added for op.
func (ff *faultyFile) find(op faultOp) (fault, bool) {
	for i := len(ff.faults) - 1; i >= 0; i-- {
		if ff.faults[i].op == op {
			return ff.faults[i], true
		}
	}
	return fault{}, false
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	if ft, ok := ff.find(faultWrite); ok && ff.written+int64(len(p)) > ft.after {
		return 0, ft.err
	}
	if err := ff.fs.account(len(p)); err != nil {
		return 0, err
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if ft, ok := ff.find(faultSync); ok {
		return ft.err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	err := ff.File.Close()
	if ft, ok := ff.find(faultClose); ok {
		return ft.err
	}
	return err
}
