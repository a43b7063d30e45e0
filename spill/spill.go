// Package spill writes STORE_MAYBE work in the background.
//
// Entities with the MAYBE storage strategy are not part of the commit
// decision. After a commit the manager hands them to a Dispatcher, which
// writes them to the temporary store when it gets round to it. Content
// that never reached the store is simply lost on restart.
package spill

import (
	"context"
	"errors"

	"github.com/hupe1980/msgstore/record"
)

// StopMode selects how Stop treats queued work.
type StopMode uint8

const (
	// StopDrain writes all queued work before returning.
	StopDrain StopMode = iota
	// StopDiscard drops queued work.
	StopDiscard
)

func (m StopMode) String() string {
	switch m {
	case StopDrain:
		return "drain"
	case StopDiscard:
		return "discard"
	default:
		return "unknown"
	}
}

var (
	// ErrUnhealthy is returned by Dispatch when the dispatcher cannot
	// accept work.
	ErrUnhealthy = errors.New("spill: dispatcher cannot accept work")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("spill: dispatcher stopped")
)

// Dispatcher accepts MAYBE work for background persistence.
type Dispatcher interface {
	Start(ctx context.Context) error
	Stop(mode StopMode) error
	// Dispatch queues ops committed under xid. urgent work is written
	// before other queued work.
	Dispatch(ops []record.Operation, xid []byte, urgent bool) error
	// IsHealthy reports whether Dispatch would currently accept work.
	IsHealthy() bool
}
