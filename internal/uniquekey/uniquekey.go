// Package uniquekey issues unique 64-bit keys.
//
// Named generators hand out strictly increasing keys from ranges reserved
// ahead of use in the durable store, so that most calls never wait for I/O.
// Keys skipped by a restart are not reissued. Per-instance keys are
// negative, count down from -100 and are unique only within one process.
package uniquekey

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hupe1980/msgstore/durable"
)

// DefaultRangeSize is the number of keys reserved per extension.
const DefaultRangeSize int64 = 1000

// FirstInstanceValue is the first per-instance key.
const FirstInstanceValue int64 = -100

// ErrStopped is returned by an Allocator that was stopped.
var ErrStopped = errors.New("uniquekey: allocator stopped")

// Options configures an Allocator.
type Options struct {
	// RangeSize is used by generators created without an explicit size.
	RangeSize int64
	// QueueSize bounds pending background extensions.
	QueueSize int
	Logger    *slog.Logger
	// OnExtend is called after each reserved range.
	OnExtend func(name string, synchronous bool)
}

// Allocator owns the generators of one store.
type Allocator struct {
	ranges *RangeManager
	worker *Worker
	opts   Options
	logger *slog.Logger

	// mu guards the generators; instMu the per-instance counter. The two
	// never nest.
	mu      sync.Mutex
	gens    map[string]*Generator
	stopped bool

	instMu   sync.Mutex
	instance int64
}

// New returns an allocator whose range records live in list.
func New(store durable.Store, list durable.Token, opts Options) *Allocator {
	if opts.RangeSize <= 0 {
		opts.RangeSize = DefaultRangeSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Allocator{
		ranges:   NewRangeManager(store, list),
		worker:   NewWorker(opts.QueueSize, opts.Logger),
		opts:     opts,
		logger:   opts.Logger,
		gens:     make(map[string]*Generator),
		instance: FirstInstanceValue,
	}
}

// Start loads the durable ranges and starts the extension worker.
func (a *Allocator) Start() error {
	if err := a.ranges.Load(); err != nil {
		return err
	}
	a.worker.Start()
	a.logger.Debug("unique key allocator started", slog.Any("generators", a.ranges.Names()))
	return nil
}

// Stop stops the extension worker. Existing generators keep working but
// extend only synchronously; no new generators are created.
func (a *Allocator) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	a.worker.Stop()
}

// Generator returns the generator for name, creating it on first use.
// rangeSize <= 0 selects the default size. The size of an existing
// generator is not changed.
func (a *Allocator) Generator(name string, rangeSize int64) (*Generator, error) {
	if name == "" {
		return nil, fmt.Errorf("uniquekey: empty generator name")
	}
	if rangeSize <= 0 {
		rangeSize = a.opts.RangeSize
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil, ErrStopped
	}
	if g, ok := a.gens[name]; ok {
		return g, nil
	}
	g := newGenerator(name, rangeSize, a.ranges, a.worker, a.opts.OnExtend)
	a.gens[name] = g
	return g, nil
}

// PerInstanceUniqueValue returns the next per-instance key.
func (a *Allocator) PerInstanceUniqueValue() int64 {
	a.instMu.Lock()
	defer a.instMu.Unlock()
	v := a.instance
	a.instance--
	return v
}

// Ranges exposes the durable ceilings.
func (a *Allocator) Ranges() *RangeManager { return a.ranges }
