// Package sqlstore provides a durable.Store kept in a SQLite database.
//
// Only the permanent store is written to the database. Each journaled
// outcome is one SQLite transaction: a one-phase or prepared commit applies
// its records, a prepare stores the encoded records under the xid until the
// transaction is resolved. The database runs in WAL mode.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/durable/internal/table"
	"github.com/hupe1980/msgstore/internal/fs"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - initial schema
const schemaVersion = 1

// DefaultFileName is the database file name used when the configuration
// leaves PermanentFileName empty.
const DefaultFileName = "msgstore.db"

// Store is a SQLite-backed durable.Store.
type Store struct {
	*table.Table
	db      *sql.DB
	journal *journal
	lock    *fs.Lock
	path    string
	logger  *slog.Logger
}

var (
	_ durable.Store    = (*Store)(nil)
	_ durable.Exporter = (*Store)(nil)
)

// Opener opens SQLite stores.
type Opener struct{}

// Open implements durable.Opener. The database lives in the permanent
// directory; a store held by another process fails with
// durable.ErrStoreInUse.
func (Opener) Open(ctx context.Context, cfg durable.Config) (durable.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "sqlstore")

	dir := cfg.PermanentDirectory
	if dir == "" {
		dir = cfg.LogDirectory
	}
	name := cfg.PermanentFileName
	if name == "" {
		name = DefaultFileName
	}
	path := filepath.Join(dir, name)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, durable.Transient("create directory", err)
		}
	}

	lock, err := fs.LockFile(path + ".lock")
	if errors.Is(err, fs.ErrLocked) {
		return nil, fmt.Errorf("%w: %s", durable.ErrStoreInUse, path)
	}
	if err != nil {
		return nil, durable.Transient("lock", err)
	}

	s, err := open(ctx, cfg, path, logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	s.lock = lock
	return s, nil
}

func open(ctx context.Context, cfg durable.Config, path string, logger *slog.Logger) (*Store, error) {
	if cfg.CleanStart {
		for _, f := range []string{path, path + "-wal", path + "-shm"} {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return nil, err
			}
		}
		logger.Info("clean start, previous content discarded")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows one writer; journal calls are serialized by the table
	// lock anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, mapError("connect", err)
	}
	if err := applyPragmas(ctx, db, cfg.PermanentCacheSize); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	t := table.New(table.Options{LockTimeout: cfg.LockTimeout, Logger: cfg.Logger})
	sizes, err := readSizes(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j := &journal{db: db, logger: logger, prepared: make(map[string]struct{})}
	n, err := j.load(ctx, t)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := t.SetSizes(sizes); err != nil {
		db.Close()
		return nil, err
	}
	t.SetJournal(j)

	logger.Debug("opened", "path", path, "prepared", n)
	return &Store{Table: t, db: db, journal: j, path: path, logger: logger}, nil
}

// applyPragmas sets the connection configuration. cacheSize is in bytes;
// zero keeps the SQLite default.
func applyPragmas(ctx context.Context, db *sql.DB, cacheSize int64) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	if cacheSize > 0 {
		// Negative values are KiB.
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size = -%d", max(cacheSize/1024, 1)))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return mapError(p, err)
		}
	}
	return nil
}

// applySchema creates the tables and runs migrations based on
// user_version.
func applySchema(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return mapError("get user_version", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("%w: database schema %d is newer than %d", durable.ErrCorrupt, version, schemaVersion)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return mapError("apply schema", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return mapError("set user_version", err)
	}
	return nil
}

// mapError classifies SQLite failures. Busy and locked databases are
// retryable; a full disk is reported as a full permanent store.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return durable.Transient(op, err)
		case sqlite3.ErrFull:
			return fmt.Errorf("%s: %w: %w", op, &durable.StoreFullError{Store: durable.Permanent}, err)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return fmt.Errorf("%s: %w: %w", op, durable.ErrCorrupt, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Sizes implements durable.Store. LogUsed is always zero; SQLite manages
// its own log.
func (s *Store) Sizes() durable.Sizes {
	sz := s.Table.Sizes()
	sz.LogUsed = 0
	return sz
}

// SetSizes implements durable.Store. The sizes are persisted.
func (s *Store) SetSizes(sz durable.Sizes) error {
	if err := s.Table.SetSizes(sz); err != nil {
		return err
	}
	return s.Exclusive(func() error {
		return writeSizes(context.Background(), s.db, sz)
	})
}

// Export implements durable.Exporter.
func (s *Store) Export(w io.Writer) error {
	return s.WriteImage(w)
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database and releases the file lock.
func (s *Store) Close() error {
	if err := s.Table.Close(); err != nil {
		return err
	}
	return errors.Join(s.db.Close(), s.lock.Unlock())
}
