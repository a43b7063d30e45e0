package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrBudgetExceeded is returned when a reservation would exceed the queue
// budget.
var ErrBudgetExceeded = errors.New("resource: queue budget exceeded")

// Config holds resource limits.
type Config struct {
	// QueueLimitBytes bounds the bytes of work waiting to be written.
	// If 0, no limit is enforced (only tracking).
	QueueLimitBytes int64

	// MaxWorkers is the maximum number of concurrent writers.
	// If 0, defaults to 1.
	MaxWorkers int64

	// IOLimitBytesPerSec is the maximum background write throughput.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller governs background write work: queued bytes, concurrent
// writers and write throughput.
type Controller struct {
	cfg Config

	// Queue
	queueSem *semaphore.Weighted // nil if unlimited
	queued   atomic.Int64

	// Concurrency
	workers *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}

	c := &Controller{
		cfg:     cfg,
		workers: semaphore.NewWeighted(cfg.MaxWorkers),
	}

	if cfg.QueueLimitBytes > 0 {
		c.queueSem = semaphore.NewWeighted(cfg.QueueLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// Reserve accounts bytes of queued work.
// Returns ErrBudgetExceeded if the budget would be exceeded.
// Non-blocking - callers decide whether to refuse the work.
func (c *Controller) Reserve(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.queueSem != nil && !c.queueSem.TryAcquire(bytes) {
		return ErrBudgetExceeded
	}
	c.queued.Add(bytes)
	return nil
}

// Release returns bytes reserved by Reserve.
func (c *Controller) Release(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.queueSem != nil {
		c.queueSem.Release(bytes)
	}
	c.queued.Add(-bytes)
}

// Queued returns the reserved bytes.
func (c *Controller) Queued() int64 {
	if c == nil {
		return 0
	}
	return c.queued.Load()
}

// Limit returns the queue budget in bytes (0 if unlimited).
func (c *Controller) Limit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.QueueLimitBytes
}

// Saturated reports whether the budget is used up.
func (c *Controller) Saturated() bool {
	if c == nil || c.cfg.QueueLimitBytes <= 0 {
		return false
	}
	return c.queued.Load() >= c.cfg.QueueLimitBytes
}

// AcquireWorker reserves a writer slot. Blocks if all slots are busy.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workers.Acquire(ctx, 1)
}

// TryAcquireWorker reserves a writer slot without blocking.
func (c *Controller) TryAcquireWorker() bool {
	if c == nil {
		return true
	}
	return c.workers.TryAcquire(1)
}

// ReleaseWorker releases a writer slot.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.workers.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
// Requests larger than one second of throughput are split.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
