package spill

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/internal/batch"
	"github.com/hupe1980/msgstore/internal/resource"
	"github.com/hupe1980/msgstore/record"
)

// Options configures a Worker.
type Options struct {
	// QueueSize bounds the number of queued jobs per priority.
	QueueSize int
	// QueueLimitBytes bounds the persistent size of queued work. 0 means
	// only QueueSize applies.
	QueueLimitBytes int64
	// Workers is the number of concurrent writers. Jobs for one entity
	// are only ordered with a single writer.
	Workers int
	// IOLimitBytesPerSec throttles writes. 0 means unlimited.
	IOLimitBytesPerSec int64
	Logger             *slog.Logger
	// OnBatch is called after each written job.
	OnBatch func(ops int, err error)
}

// DefaultQueueSize is used when Options.QueueSize is not set.
const DefaultQueueSize = 1024

type job struct {
	ops   []record.Operation
	xid   []byte
	bytes int64
}

// Worker is a Dispatcher that writes jobs through batch contexts against a
// durable store.
type Worker struct {
	store  durable.Store
	opts   Options
	rc     *resource.Controller
	logger *slog.Logger

	urgent chan job
	normal chan job

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	g       *errgroup.Group

	// gate orders Dispatch against Stop so no job is queued after Stop
	// starts waiting for pending.
	gate    sync.RWMutex
	stopped atomic.Bool
	discard atomic.Bool
	pending sync.WaitGroup
}

var _ Dispatcher = (*Worker)(nil)

// NewWorker returns a worker writing to store.
func NewWorker(store durable.Store, opts Options) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		store: store,
		opts:  opts,
		rc: resource.NewController(resource.Config{
			QueueLimitBytes:    opts.QueueLimitBytes,
			MaxWorkers:         int64(opts.Workers),
			IOLimitBytesPerSec: opts.IOLimitBytesPerSec,
		}),
		logger: opts.Logger,
		urgent: make(chan job, opts.QueueSize),
		normal: make(chan job, opts.QueueSize),
	}
}

// Start launches the writers.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped.Load() {
		return ErrStopped
	}
	if w.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Workers; i++ {
		g.Go(func() error { return w.run(ctx) })
	}
	w.cancel = cancel
	w.g = g
	w.started = true
	return nil
}

// Stop stops accepting work. With StopDrain it waits until queued work is
// written; with StopDiscard queued work is cancelled.
func (w *Worker) Stop(mode StopMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gate.Lock()
	already := w.stopped.Swap(true)
	w.gate.Unlock()
	if already {
		return nil
	}
	if mode == StopDiscard {
		w.discard.Store(true)
	}
	if !w.started {
		w.drainUnstarted()
		return nil
	}
	w.pending.Wait()
	w.cancel()
	err := w.g.Wait()
	if err == context.Canceled {
		err = nil
	}
	w.logger.Debug("spill worker stopped", slog.String("mode", mode.String()))
	return err
}

// drainUnstarted cancels jobs accepted before Start was ever called.
func (w *Worker) drainUnstarted() {
	for {
		select {
		case j := <-w.urgent:
			w.cancelJob(j)
		case j := <-w.normal:
			w.cancelJob(j)
		default:
			return
		}
	}
}

// IsHealthy implements Dispatcher.
func (w *Worker) IsHealthy() bool {
	if w.stopped.Load() || w.rc.Saturated() {
		return false
	}
	return len(w.normal) < cap(w.normal) && len(w.urgent) < cap(w.urgent)
}

// Dispatch implements Dispatcher. ops must have been begun by the caller;
// each is completed once written, or cancelled if the write fails.
func (w *Worker) Dispatch(ops []record.Operation, xid []byte, urgent bool) error {
	if len(ops) == 0 {
		return nil
	}
	w.gate.RLock()
	defer w.gate.RUnlock()
	if w.stopped.Load() {
		return ErrStopped
	}
	var size int64
	for _, op := range ops {
		size += max(op.Persistable.Fields().PersistentSize, 1)
	}
	if err := w.rc.Reserve(size); err != nil {
		return ErrUnhealthy
	}
	j := job{ops: append([]record.Operation(nil), ops...), xid: bytes.Clone(xid), bytes: size}
	q := w.normal
	if urgent {
		q = w.urgent
	}
	w.pending.Add(1)
	select {
	case q <- j:
		return nil
	default:
		w.pending.Done()
		w.rc.Release(size)
		return ErrUnhealthy
	}
}

func (w *Worker) run(ctx context.Context) error {
	for {
		// Urgent work first.
		select {
		case j := <-w.urgent:
			w.handle(ctx, j)
			continue
		default:
		}
		select {
		case j := <-w.urgent:
			w.handle(ctx, j)
		case j := <-w.normal:
			w.handle(ctx, j)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) handle(ctx context.Context, j job) {
	defer w.pending.Done()
	defer w.rc.Release(j.bytes)

	if w.discard.Load() {
		w.cancelOps(j.ops)
		return
	}
	if err := w.rc.AcquireWorker(ctx); err != nil {
		w.cancelOps(j.ops)
		return
	}
	defer w.rc.ReleaseWorker()
	if err := w.rc.AcquireIO(ctx, int(j.bytes)); err != nil {
		w.cancelOps(j.ops)
		return
	}

	err := w.write(j)
	if w.opts.OnBatch != nil {
		w.opts.OnBatch(len(j.ops), err)
	}
	if err != nil {
		w.logger.Warn("spill write failed",
			slog.String("xid", string(j.xid)),
			slog.Int("ops", len(j.ops)),
			slog.Any("error", err))
		w.cancelOps(j.ops)
		return
	}
	for _, op := range j.ops {
		op.Persistable.OperationCompleted()
	}
}

func (w *Worker) cancelJob(j job) {
	w.cancelOps(j.ops)
	w.rc.Release(j.bytes)
	w.pending.Done()
}

func (w *Worker) cancelOps(ops []record.Operation) {
	for _, op := range ops {
		op.Persistable.OperationCancelled()
	}
}

// write applies one job in a single one-phase batch.
func (w *Worker) write(j job) error {
	c := batch.New(w.store, len(j.ops))
	for _, op := range j.ops {
		p := op.Persistable
		stored := !p.MetaToken().IsZero()
		switch op.Type {
		case record.OpAdd:
			if !stored {
				c.Insert(p)
			}
		case record.OpUpdateData:
			if stored {
				c.UpdateDataAndSize(p)
			} else {
				c.Insert(p)
			}
		case record.OpUpdateLockID:
			if stored {
				c.UpdateLockIDOnly(p)
			}
		case record.OpUpdateRedeliveredCount:
			if stored {
				c.UpdateRedeliveredCountOnly(p)
			}
		case record.OpRemove:
			// Never spilled means nothing to remove.
			if stored {
				c.Delete(p)
			}
		}
	}
	return c.ExecuteBatch()
}
