package durable

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreFull is matched by every StoreFullError.
	ErrStoreFull = errors.New("durable: object store full")

	// ErrLogFull is returned when a transaction cannot be logged.
	ErrLogFull = errors.New("durable: log full")

	// ErrNotFound is returned for unknown tokens, roots and XIDs.
	ErrNotFound = errors.New("durable: not found")

	// ErrTransactionState is returned when an operation does not fit the
	// current transaction state.
	ErrTransactionState = errors.New("durable: invalid transaction state")

	// ErrLockTimeout is returned when a record lock could not be taken in time.
	ErrLockTimeout = errors.New("durable: lock timeout")

	// ErrStoreInUse is returned when another process holds the store files.
	ErrStoreInUse = errors.New("durable: store in use")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("durable: store closed")

	// ErrCorrupt is returned when stored data fails validation.
	ErrCorrupt = errors.New("durable: corrupt data")
)

// StoreFullError reports which object store ran out of space.
type StoreFullError struct {
	Store     StoreID
	Requested int64
	Max       int64
}

func (e *StoreFullError) Error() string {
	return fmt.Sprintf("durable: %s store full (requested %d, max %d)", e.Store, e.Requested, e.Max)
}

// Is makes errors.Is(err, ErrStoreFull) hold.
func (e *StoreFullError) Is(target error) bool { return target == ErrStoreFull }

// TransientError marks a failure that may succeed when retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("durable: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. It returns nil for a nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, ErrStoreInUse)
}
