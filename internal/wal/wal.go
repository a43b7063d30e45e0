// Package wal implements the append-only journal of the file store: CRC
// protected records, group commit and truncation after a checkpoint.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/msgstore/internal/fs"
)

// Durability selects when Append returns.
type Durability int

const (
	// DurabilitySync returns once the record is on stable storage.
	// Concurrent appenders share one fsync.
	DurabilitySync Durability = iota
	// DurabilityAsync returns once the record reached the OS. Used by
	// tests and tools that sync explicitly.
	DurabilityAsync
)

const (
	magic   = "MSGSTWAL"
	version = 1

	// HeaderSize is the size of the file header that precedes the records.
	HeaderSize = len(magic) + 4
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
)

// Options configures a WAL.
type Options struct {
	Durability Durability
}

// DefaultOptions returns synchronous durability.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL is an open log file. It is safe for concurrent use.
type WAL struct {
	fs   fs.FileSystem
	path string
	opts Options

	mu   sync.Mutex
	cond *sync.Cond
	file fs.File
	buf  *bufio.Writer
	size int64
	lsn  uint64
	// synced is the offset known to be on stable storage in generation
	// gen. Truncate starts a new generation so a sync in flight does not
	// vouch for offsets of the truncated file.
	synced  int64
	gen     uint64
	syncing bool
	closed  bool
	err     error

	syncs atomic.Int64
}

// Open opens the log at path, creating it with a fresh header if needed.
func Open(fsys fs.FileSystem, path string, opts Options) (*WAL, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	size, err := prepareHeader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	w := &WAL{
		fs:     fsys,
		path:   path,
		opts:   opts,
		file:   f,
		buf:    bufio.NewWriter(f),
		size:   size,
		synced: size,
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// prepareHeader writes the header of an empty file or validates the header
// of an existing one, and returns the file size.
func prepareHeader(f fs.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	header := make([]byte, HeaderSize)

	if info.Size() == 0 {
		copy(header, magic)
		binary.LittleEndian.PutUint32(header[len(magic):], version)
		if _, err := f.Write(header); err != nil {
			return 0, err
		}
		return int64(HeaderSize), f.Sync()
	}

	if info.Size() < int64(HeaderSize) {
		return 0, fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, info.Size(), HeaderSize)
	}
	if _, err := f.ReadAt(header, 0); err != nil {
		return 0, err
	}
	if string(header[:len(magic)]) != magic {
		return 0, fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[:len(magic)])
	}
	if v := binary.LittleEndian.Uint32(header[len(magic):]); v != version {
		return 0, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, v, version)
	}
	return info.Size(), nil
}

// Size returns the current size of the log in bytes, header included.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Syncs returns the number of fsyncs performed for appends.
func (w *WAL) Syncs() int64 {
	return w.syncs.Load()
}

// Append assigns rec the next LSN and writes it. With DurabilitySync it
// returns once the record is on stable storage.
func (w *WAL) Append(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	w.lsn++
	rec.LSN = w.lsn
	if err := rec.Encode(w.buf); err != nil {
		w.lsn--
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.err = fmt.Errorf("wal: write: %w", err)
		return w.err
	}
	w.size += int64(rec.Size())

	if w.opts.Durability == DurabilityAsync {
		return nil
	}
	return w.syncLocked(w.gen, w.size)
}

// syncLocked waits until the log is durable up to end in generation gen.
// The first waiter syncs everything written so far; the others wait for
// its result.
func (w *WAL) syncLocked(gen uint64, end int64) error {
	for {
		switch {
		case w.err != nil:
			return w.err
		case gen != w.gen || w.synced >= end:
			return nil
		case w.closed:
			return os.ErrClosed
		case w.syncing:
			w.cond.Wait()
			continue
		}

		w.syncing = true
		target, g := w.size, w.gen
		w.mu.Unlock()
		err := w.file.Sync()
		w.mu.Lock()
		w.syncing = false
		w.syncs.Add(1)

		if err != nil {
			w.err = fmt.Errorf("wal: sync: %w", err)
		} else if g == w.gen && target > w.synced {
			w.synced = target
		}
		w.cond.Broadcast()
	}
}

func (w *WAL) usable() error {
	if w.closed {
		return os.ErrClosed
	}
	return w.err
}

// SetLSN makes the next record follow lsn. Smaller values are ignored.
func (w *WAL) SetLSN(lsn uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn > w.lsn {
		w.lsn = lsn
	}
}

// Truncate discards everything after size and syncs the file. It is used to
// cut a torn tail after replay and to empty the log after a checkpoint.
func (w *WAL) Truncate(size int64) error {
	if size < int64(HeaderSize) {
		size = int64(HeaderSize)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.usable(); err != nil {
		return err
	}
	if err := w.fs.Truncate(w.path, size); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.size = size
	w.synced = size
	w.gen++
	w.cond.Broadcast()
	return nil
}

// Reset empties the log.
func (w *WAL) Reset() error {
	return w.Truncate(int64(HeaderSize))
}

// Close syncs unsynced records and closes the file. A sync in flight is
// waited for.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return os.ErrClosed
	}
	for w.syncing {
		w.cond.Wait()
	}
	w.closed = true
	w.cond.Broadcast()
	dirty := w.err == nil && w.size > w.synced
	w.mu.Unlock()

	var err error
	if dirty {
		err = w.file.Sync()
	}
	return errors.Join(err, w.file.Close())
}

// Reader returns a reader over the records of the log. The caller closes
// it.
func (w *WAL) Reader() (*Reader, error) {
	f, err := w.fs.OpenFile(w.path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(int64(HeaderSize), io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Reader{f: f, r: bufio.NewReader(f), offset: int64(HeaderSize)}, nil
}

// Reader iterates over log records.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	offset int64
}

// Next returns the next record, or io.EOF at the end of the log.
func (r *Reader) Next() (*Record, error) {
	rec, n, err := Decode(r.r)
	if err == nil {
		r.offset += n
	}
	return rec, err
}

// Offset returns the end of the last record read successfully.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}
