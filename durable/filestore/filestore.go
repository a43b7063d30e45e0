// Package filestore provides a file-backed durable.Store.
//
// Committed permanent content lives in a checkpoint image; every outcome
// since the last checkpoint is appended to a write-ahead log. Opening a store
// loads the image, replays the log and restores prepared transactions with
// their record locks. Temporary content is never written and is lost on
// restart.
//
// When a transaction would push the log past its configured size the store
// checkpoints first: the image is rewritten atomically, the log is emptied
// and the prepare records of still prepared transactions are logged again.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/durable/internal/table"
	"github.com/hupe1980/msgstore/internal/compress"
	"github.com/hupe1980/msgstore/internal/fs"
	"github.com/hupe1980/msgstore/internal/wal"
)

// Default file names, used when the configuration leaves one empty.
const (
	DefaultLogFileName       = "msgstore.log"
	DefaultPermanentFileName = "permanent.store"
	DefaultTemporaryFileName = "temporary.store"
)

// Legacy file names renamed to the configured names on open.
const (
	LegacyLogFileName       = "Log"
	LegacyPermanentFileName = "PermanentStore"
	LegacyTemporaryFileName = "TemporaryStore"
)

// Store is a file-backed durable.Store.
type Store struct {
	*table.Table
	journal *journal
	lock    *fs.Lock
	logger  *slog.Logger
}

var (
	_ durable.Store    = (*Store)(nil)
	_ durable.Exporter = (*Store)(nil)
)

// Opener opens file stores.
type Opener struct {
	// Compression names the codec for log payloads: "", "none", "lz4" or
	// "zstd".
	Compression string
	// FS replaces the local file system for the log and the image.
	FS fs.FileSystem
}

// Open implements durable.Opener. A store held by another process fails
// with durable.ErrStoreInUse.
func (o Opener) Open(ctx context.Context, cfg durable.Config) (durable.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	codec, err := compress.ParseCodec(o.Compression)
	if err != nil {
		return nil, err
	}
	fsys := o.FS
	if fsys == nil {
		fsys = fs.Default
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "filestore")

	p := resolvePaths(cfg)
	for _, dir := range []string{cfg.LogDirectory, p.permDir, p.tempDir} {
		if dir == "" {
			continue
		}
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, durable.Transient("create directory", err)
		}
	}

	lock, err := fs.LockFile(p.log + ".lock")
	if errors.Is(err, fs.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", durable.ErrStoreInUse, p.log)
	}
	if err != nil {
		return nil, durable.Transient("lock", err)
	}

	s, err := open(fsys, cfg, p, codec, logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	s.lock = lock
	return s, nil
}

type paths struct {
	log, perm, temp string
	permDir         string
	tempDir         string
}

func resolvePaths(cfg durable.Config) paths {
	or := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	permDir := or(cfg.PermanentDirectory, cfg.LogDirectory)
	tempDir := or(cfg.TemporaryDirectory, cfg.LogDirectory)
	return paths{
		log:     filepath.Join(cfg.LogDirectory, or(cfg.LogFileName, DefaultLogFileName)),
		perm:    filepath.Join(permDir, or(cfg.PermanentFileName, DefaultPermanentFileName)),
		temp:    filepath.Join(tempDir, or(cfg.TemporaryFileName, DefaultTemporaryFileName)),
		permDir: permDir,
		tempDir: tempDir,
	}
}

func open(fsys fs.FileSystem, cfg durable.Config, p paths, codec compress.Codec, logger *slog.Logger) (*Store, error) {
	legacy := map[string]string{
		filepath.Join(cfg.LogDirectory, LegacyLogFileName): p.log,
		filepath.Join(p.permDir, LegacyPermanentFileName):  p.perm,
		filepath.Join(p.tempDir, LegacyTemporaryFileName):  p.temp,
	}
	for from, to := range legacy {
		if err := renameLegacy(fsys, from, to, logger); err != nil {
			return nil, err
		}
	}

	if cfg.CleanStart {
		for _, f := range []string{p.log, p.perm} {
			if err := fs.RemoveIfExists(fsys, f); err != nil {
				return nil, err
			}
		}
		logger.Info("clean start, previous content discarded")
	}
	if err := fs.RemoveIfExists(fsys, p.temp); err != nil {
		return nil, err
	}

	t := table.New(table.Options{LockTimeout: cfg.LockTimeout, Logger: cfg.Logger})
	sizes, err := loadImage(fsys, p.perm, t)
	if err != nil {
		return nil, err
	}

	w, err := wal.Open(fsys, p.log, wal.DefaultOptions())
	if err != nil {
		if errors.Is(err, wal.ErrInvalidHeader) || errors.Is(err, wal.ErrIncompatibleVersion) {
			return nil, fmt.Errorf("%w: %w", durable.ErrCorrupt, err)
		}
		return nil, durable.Transient("open log", err)
	}

	j := &journal{
		fs:       fsys,
		wal:      w,
		t:        t,
		perm:     p.perm,
		codec:    codec,
		sizes:    sizes,
		logger:   logger,
		prepared: make(map[string][]durable.TxRecord),
	}
	if err := j.replay(); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := t.SetSizes(sizes); err != nil {
		_ = w.Close()
		return nil, err
	}
	t.SetJournal(j)
	j.logUsed.Store(w.Size())

	logger.Debug("opened",
		"log", p.log,
		"image", p.perm,
		"prepared", len(j.order),
		"log_used", w.Size(),
	)
	return &Store{Table: t, journal: j, logger: logger}, nil
}

func renameLegacy(fsys fs.FileSystem, from, to string, logger *slog.Logger) error {
	if from == to {
		return nil
	}
	if _, err := fsys.Stat(from); err != nil {
		return nil
	}
	if _, err := fsys.Stat(to); err == nil {
		logger.Warn("legacy file ignored, current file exists", "legacy", from, "current", to)
		return nil
	}
	if err := fsys.Rename(from, to); err != nil {
		return durable.Transient("rename legacy file", err)
	}
	logger.Info("renamed legacy file", "from", from, "to", to)
	return nil
}

// Sizes implements durable.Store.
func (s *Store) Sizes() durable.Sizes {
	sz := s.Table.Sizes()
	sz.LogUsed = s.journal.logUsed.Load()
	return sz
}

// SetSizes implements durable.Store. The sizes are persisted with a
// checkpoint.
func (s *Store) SetSizes(sz durable.Sizes) error {
	if err := s.Table.SetSizes(sz); err != nil {
		return err
	}
	return s.Exclusive(func() error {
		s.journal.sizes = sz
		return s.journal.checkpoint()
	})
}

// Checkpoint rewrites the image and empties the log.
func (s *Store) Checkpoint() error {
	return s.Exclusive(s.journal.checkpoint)
}

// Export implements durable.Exporter.
func (s *Store) Export(w io.Writer) error {
	return s.WriteImage(w)
}

// Close checkpoints, closes the log and releases the file lock.
func (s *Store) Close() error {
	cpErr := s.Checkpoint()
	if errors.Is(cpErr, durable.ErrClosed) {
		return cpErr
	}
	if err := s.Table.Close(); err != nil {
		return err
	}
	var errs []error
	if cpErr != nil {
		s.logger.Warn("checkpoint on close failed", "error", cpErr)
		errs = append(errs, cpErr)
	}
	if err := s.journal.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Checkpoints returns the number of checkpoints taken since open.
func (s *Store) Checkpoints() int64 {
	return s.journal.checkpoints.Load()
}
