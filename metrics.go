package msgstore

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordPrepare is called after each prepare. ops is the number of
	// synchronous operations written.
	RecordPrepare(ops int, duration time.Duration, err error)

	// RecordCommit is called after each commit.
	RecordCommit(onePhase bool, ops int, duration time.Duration, err error)

	// RecordRollback is called after each rollback.
	RecordRollback(duration time.Duration, err error)

	// RecordSpill is called for each hand-off to the spill dispatcher.
	RecordSpill(ops int, err error)

	// RecordStartAttempt is called after each store open attempt.
	RecordStartAttempt(err error)

	// RecordKeyRangeExtension is called after a unique-key range was
	// reserved.
	RecordKeyRangeExtension(synchronous bool)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPrepare(int, time.Duration, error)      {}
func (NoopMetricsCollector) RecordCommit(bool, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordRollback(time.Duration, error)          {}
func (NoopMetricsCollector) RecordSpill(int, error)                       {}
func (NoopMetricsCollector) RecordStartAttempt(error)                     {}
func (NoopMetricsCollector) RecordKeyRangeExtension(bool)                 {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PrepareCount        atomic.Int64
	PrepareErrors       atomic.Int64
	PrepareTotalNanos   atomic.Int64
	CommitCount         atomic.Int64
	OnePhaseCommits     atomic.Int64
	CommitErrors        atomic.Int64
	CommitTotalNanos    atomic.Int64
	RollbackCount       atomic.Int64
	RollbackErrors      atomic.Int64
	SpilledOps          atomic.Int64
	SpillErrors         atomic.Int64
	StartAttempts       atomic.Int64
	StartFailures       atomic.Int64
	SyncExtensions      atomic.Int64
	AsyncExtensions     atomic.Int64
	OperationsPrepared  atomic.Int64
	OperationsCommitted atomic.Int64
}

// RecordPrepare implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPrepare(ops int, duration time.Duration, err error) {
	b.PrepareCount.Add(1)
	b.PrepareTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PrepareErrors.Add(1)
		return
	}
	b.OperationsPrepared.Add(int64(ops))
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(onePhase bool, ops int, duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if onePhase {
		b.OnePhaseCommits.Add(1)
	}
	if err != nil {
		b.CommitErrors.Add(1)
		return
	}
	b.OperationsCommitted.Add(int64(ops))
}

// RecordRollback implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRollback(duration time.Duration, err error) {
	b.RollbackCount.Add(1)
	if err != nil {
		b.RollbackErrors.Add(1)
	}
}

// RecordSpill implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSpill(ops int, err error) {
	if err != nil {
		b.SpillErrors.Add(1)
		return
	}
	b.SpilledOps.Add(int64(ops))
}

// RecordStartAttempt implements MetricsCollector.
func (b *BasicMetricsCollector) RecordStartAttempt(err error) {
	b.StartAttempts.Add(1)
	if err != nil {
		b.StartFailures.Add(1)
	}
}

// RecordKeyRangeExtension implements MetricsCollector.
func (b *BasicMetricsCollector) RecordKeyRangeExtension(synchronous bool) {
	if synchronous {
		b.SyncExtensions.Add(1)
	} else {
		b.AsyncExtensions.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PrepareCount:        b.PrepareCount.Load(),
		PrepareErrors:       b.PrepareErrors.Load(),
		PrepareAvgNanos:     avg(b.PrepareTotalNanos.Load(), b.PrepareCount.Load()),
		CommitCount:         b.CommitCount.Load(),
		OnePhaseCommits:     b.OnePhaseCommits.Load(),
		CommitErrors:        b.CommitErrors.Load(),
		CommitAvgNanos:      avg(b.CommitTotalNanos.Load(), b.CommitCount.Load()),
		RollbackCount:       b.RollbackCount.Load(),
		RollbackErrors:      b.RollbackErrors.Load(),
		SpilledOps:          b.SpilledOps.Load(),
		SpillErrors:         b.SpillErrors.Load(),
		StartAttempts:       b.StartAttempts.Load(),
		StartFailures:       b.StartFailures.Load(),
		SyncExtensions:      b.SyncExtensions.Load(),
		AsyncExtensions:     b.AsyncExtensions.Load(),
		OperationsPrepared:  b.OperationsPrepared.Load(),
		OperationsCommitted: b.OperationsCommitted.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PrepareCount        int64
	PrepareErrors       int64
	PrepareAvgNanos     int64
	CommitCount         int64
	OnePhaseCommits     int64
	CommitErrors        int64
	CommitAvgNanos      int64
	RollbackCount       int64
	RollbackErrors      int64
	SpilledOps          int64
	SpillErrors         int64
	StartAttempts       int64
	StartFailures       int64
	SyncExtensions      int64
	AsyncExtensions     int64
	OperationsPrepared  int64
	OperationsCommitted int64
}
