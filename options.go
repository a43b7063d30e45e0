package msgstore

import (
	"log/slog"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/spill"
)

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	opener           durable.Opener
	dispatcher       func(durable.Store) spill.Dispatcher
}

// Option configures a Manager.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &msgstore.BasicMetricsCollector{}
//	m, _ := msgstore.New(cfg, msgstore.WithMetricsCollector(metrics))
//	// ... use m ...
//	stats := metrics.GetStats()
//	fmt.Printf("Commits: %d, Avg latency: %dns\n", stats.CommitCount, stats.CommitAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := msgstore.NewJSONLogger(slog.LevelInfo)
//	m, _ := msgstore.New(cfg, msgstore.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithOpener replaces the durable store selected by Config.Backend.
func WithOpener(opener durable.Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithSpillDispatcher replaces the default spill worker. newDispatcher is
// called with the opened store on every start.
func WithSpillDispatcher(newDispatcher func(durable.Store) spill.Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = newDispatcher
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
