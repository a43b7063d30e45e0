// Package resource limits background write work.
//
// A Controller tracks three things:
//
//   - Queue: bytes of accepted but unwritten work (non-blocking, fail-fast)
//   - Workers: concurrent writers (semaphore)
//   - IO: write throughput (token bucket)
//
// The spill worker reserves queue bytes when it accepts work and reports
// itself unhealthy once the budget is used up:
//
//	rc := resource.NewController(resource.Config{
//	    QueueLimitBytes: 64 << 20,
//	})
//
//	if err := rc.Reserve(n); err != nil {
//	    // ErrBudgetExceeded - refuse the work
//	}
//	defer rc.Release(n)
//
// Backups and spill writes pass through AcquireIO or a RateLimitedWriter so
// background IO does not starve the engine.
//
// All methods handle a nil Controller: they become no-ops.
package resource
