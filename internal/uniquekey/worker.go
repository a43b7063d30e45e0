package uniquekey

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds the pending extension requests.
const DefaultQueueSize = 64

type request struct {
	g    *Generator
	stop bool
}

// Worker performs scheduled range extensions one at a time in arrival
// order. Failures are logged and dropped: a missed extension only means the
// next caller extends synchronously.
type Worker struct {
	reqs   chan request
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopped   atomic.Bool
	done      chan struct{}
}

// NewWorker returns a worker with room for queueSize pending requests.
func NewWorker(queueSize int, logger *slog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{
		reqs:   make(chan request, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

func (w *Worker) run() {
	defer close(w.done)
	for req := range w.reqs {
		if req.stop {
			return
		}
		if err := req.g.extend(false); err != nil {
			w.logger.Warn("unique key range extension failed",
				slog.String("generator", req.g.name),
				slog.Any("error", err))
		}
	}
}

// Schedule queues an extension of g without blocking. It reports false if
// the queue is full or the worker stopped.
func (w *Worker) Schedule(g *Generator) bool {
	if w.stopped.Load() {
		return false
	}
	select {
	case w.reqs <- request{g: g}:
		return true
	default:
		return false
	}
}

// Stop ends the worker after the requests queued before it, and waits for
// it to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		if !w.started.Load() {
			return
		}
		w.reqs <- request{stop: true}
		<-w.done
	})
}
