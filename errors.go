package msgstore

import (
	"errors"
	"fmt"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/internal/batch"
	"github.com/hupe1980/msgstore/spill"
)

var (
	// ErrUnavailable is returned by every operation while the manager is not
	// started, or after it was stopped.
	ErrUnavailable = errors.New("msgstore: persistence unavailable")

	// ErrStopped is returned by Start after Stop, including a Stop that
	// interrupted the start itself.
	ErrStopped = errors.New("msgstore: stopped")

	// ErrSpillUnavailable is returned when a transaction carries MAYBE work
	// and the spill dispatcher cannot accept it.
	ErrSpillUnavailable = errors.New("msgstore: spill dispatcher cannot accept work")

	// ErrNotFound is returned for records and transactions that do not exist.
	ErrNotFound = errors.New("msgstore: not found")

	// ErrInvalidConfig is returned for configuration values that do not parse
	// or validate.
	ErrInvalidConfig = errors.New("msgstore: invalid configuration")

	// ErrBackupUnsupported is returned by Backup when the durable store cannot
	// export an image.
	ErrBackupUnsupported = errors.New("msgstore: store does not support backup")

	// ErrInvalidTransaction is returned for a transaction without an XID
	// where one is required, or whose state does not allow the call.
	ErrInvalidTransaction = errors.New("msgstore: invalid transaction")
)

// SevereError is a failure the caller cannot recover from by retrying: the
// engine instance is expected to fail.
//
// The original underlying error can be accessed via errors.Unwrap.
type SevereError struct {
	Op    string
	cause error
}

func (e *SevereError) Error() string {
	return fmt.Sprintf("msgstore: severe failure during %s: %v", e.Op, e.cause)
}

func (e *SevereError) Unwrap() error { return e.cause }

// PersistenceFullError reports that the log or one of the object stores is
// full. Store is "permanent", "temporary" or "log".
//
// The original underlying error can be accessed via errors.Unwrap.
type PersistenceFullError struct {
	Store string
	cause error
}

func (e *PersistenceFullError) Error() string {
	return fmt.Sprintf("msgstore: %s store full", e.Store)
}

func (e *PersistenceFullError) Unwrap() error { return e.cause }

// OwnershipError reports that the store files belong to another engine, or
// that the ownership record could not be verified.
//
// A Global error means this engine must never use these files. A local one
// may go away when another instance takes over.
type OwnershipError struct {
	Global   bool
	Expected string
	Found    string
	cause    error
}

func (e *OwnershipError) Error() string {
	scope := "local"
	if e.Global {
		scope = "global"
	}
	if e.Expected != "" || e.Found != "" {
		return fmt.Sprintf("msgstore: %s ownership failure: expected %s, found %s", scope, e.Expected, e.Found)
	}
	return fmt.Sprintf("msgstore: %s ownership failure: %v", scope, e.cause)
}

func (e *OwnershipError) Unwrap() error { return e.cause }

// IsSevere reports whether err is a SevereError.
func IsSevere(err error) bool {
	var se *SevereError
	return errors.As(err, &se)
}

// IsFull reports whether err is a PersistenceFullError.
func IsFull(err error) bool {
	var fe *PersistenceFullError
	return errors.As(err, &fe)
}

// IsGlobal reports whether err is a global OwnershipError.
func IsGlobal(err error) bool {
	var oe *OwnershipError
	return errors.As(err, &oe) && oe.Global
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Capacity.
	var sf *durable.StoreFullError
	if errors.As(err, &sf) {
		return &PersistenceFullError{Store: sf.Store.String(), cause: err}
	}
	if errors.Is(err, durable.ErrLogFull) {
		return &PersistenceFullError{Store: "log", cause: err}
	}

	if errors.Is(err, durable.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, durable.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if errors.Is(err, batch.ErrInvalidState) {
		return fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}
	if errors.Is(err, spill.ErrUnhealthy) || errors.Is(err, spill.ErrStopped) {
		return fmt.Errorf("%w: %w", ErrSpillUnavailable, err)
	}

	return err
}
