package msgstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with msgstore-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithEngine adds the engine name and UUID to the logger.
func (l *Logger) WithEngine(name, uuid string) *Logger {
	return &Logger{
		Logger: l.Logger.With("engine", name, "engine_uuid", uuid),
	}
}

// WithXID adds a transaction id field to the logger.
func (l *Logger) WithXID(xid []byte) *Logger {
	return &Logger{
		Logger: l.Logger.With("xid", formatXID(xid)),
	}
}

func formatXID(xid []byte) string {
	return fmt.Sprintf("%x", xid)
}

// LogStart logs the outcome of a start.
func (l *Logger) LogStart(ctx context.Context, cold bool, attempts int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "start failed",
			"attempts", attempts,
			"elapsed", elapsed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "started",
			"cold", cold,
			"attempts", attempts,
			"elapsed", elapsed,
		)
	}
}

// LogRetry logs a store open attempt that will be retried.
func (l *Logger) LogRetry(ctx context.Context, attempt int, wait time.Duration, err error) {
	l.WarnContext(ctx, "store open failed, retrying",
		"attempt", attempt,
		"wait", wait,
		"error", err,
	)
}

// LogPrepare logs a prepare.
func (l *Logger) LogPrepare(ctx context.Context, xid []byte, ops int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "prepare failed",
			"xid", formatXID(xid),
			"ops", ops,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "prepare completed",
			"xid", formatXID(xid),
			"ops", ops,
		)
	}
}

// LogCommit logs a commit.
func (l *Logger) LogCommit(ctx context.Context, xid []byte, onePhase bool, ops, spilled int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"xid", formatXID(xid),
			"one_phase", onePhase,
			"ops", ops,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "commit completed",
			"xid", formatXID(xid),
			"one_phase", onePhase,
			"ops", ops,
			"spilled", spilled,
		)
	}
}

// LogRollback logs a rollback.
func (l *Logger) LogRollback(ctx context.Context, xid []byte, ops int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rollback failed",
			"xid", formatXID(xid),
			"ops", ops,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "rollback completed",
			"xid", formatXID(xid),
			"ops", ops,
		)
	}
}

// LogOwnership logs the ownership check.
func (l *Logger) LogOwnership(ctx context.Context, incarnation string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ownership check failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "ownership verified",
			"incarnation", incarnation,
		)
	}
}

// LogSizing logs a store size reconciliation. A non-empty reason means the
// requested sizes were not applied.
func (l *Logger) LogSizing(ctx context.Context, store string, requested, current string, reason string) {
	if reason != "" {
		l.WarnContext(ctx, "store sizes not changed",
			"store", store,
			"requested", requested,
			"current", current,
			"reason", reason,
		)
	} else {
		l.InfoContext(ctx, "store sizes changed",
			"store", store,
			"requested", requested,
			"previous", current,
		)
	}
}

// LogSpill logs MAYBE work that could not be handed to the spill dispatcher
// after the synchronous part of a commit succeeded.
func (l *Logger) LogSpill(ctx context.Context, xid []byte, ops int, err error) {
	l.WarnContext(ctx, "spill dispatch failed",
		"xid", formatXID(xid),
		"ops", ops,
		"error", err,
	)
}

// LogBackup logs the outcome of a backup.
func (l *Logger) LogBackup(ctx context.Context, name string, bytes int64, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "backup failed",
			"name", name,
			"bytes", bytes,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "backup written",
		"name", name,
		"bytes", bytes,
		"elapsed", elapsed,
	)
}
