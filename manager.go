package msgstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/durable/filestore"
	"github.com/hupe1980/msgstore/durable/memstore"
	"github.com/hupe1980/msgstore/durable/sqlstore"
	"github.com/hupe1980/msgstore/internal/batch"
	"github.com/hupe1980/msgstore/internal/resource"
	"github.com/hupe1980/msgstore/internal/uniquekey"
	"github.com/hupe1980/msgstore/record"
	"github.com/hupe1980/msgstore/spill"
)

// Manager is the persistence layer of a message store. It owns the durable
// store, drives transactions through batching contexts, hands MAYBE work to
// the spill dispatcher and issues unique keys.
//
// A Manager is started once. After Stop every operation fails with
// ErrUnavailable.
type Manager struct {
	cfg      Config
	engine   uuid.UUID
	opener   durable.Opener
	newSpill func(durable.Store) spill.Dispatcher
	metrics  MetricsCollector
	logger   *Logger
	// rc throttles backups.
	rc *resource.Controller

	// startMu serializes Start and Stop. mu guards the fields below it;
	// operations hold it for reading while they run, so Stop waits for
	// them.
	startMu  sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}

	mu        sync.RWMutex
	available bool
	stopped   bool
	store     durable.Store
	anchor    anchor
	root      *record.Persistable
	keys      *uniquekey.Allocator
	spill     spill.Dispatcher

	liveMu sync.Mutex
	live   map[string]*batch.Context
}

// New returns a Manager for cfg. It does not touch the store until Start.
func New(cfg Config, optFns ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine, err := uuid.Parse(cfg.EngineUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	o := applyOptions(optFns)
	if o.opener == nil {
		o.opener = openerFor(cfg)
	}
	m := &Manager{
		cfg:      cfg,
		engine:   engine,
		opener:   o.opener,
		newSpill: o.dispatcher,
		metrics:  o.metricsCollector,
		logger:   o.logger.WithEngine(cfg.EngineName, cfg.EngineUUID),
		rc:       resource.NewController(resource.Config{IOLimitBytesPerSec: cfg.SpillIOLimitBytesPerSec}),
		stopCh:   make(chan struct{}),
		live:     make(map[string]*batch.Context),
	}
	if m.newSpill == nil {
		m.newSpill = m.defaultSpill
	}
	return m, nil
}

func openerFor(cfg Config) durable.Opener {
	switch cfg.Backend {
	case BackendMemory:
		return &memstore.Opener{}
	case BackendSQLite:
		return sqlstore.Opener{}
	default:
		return filestore.Opener{Compression: string(cfg.Compression)}
	}
}

func (m *Manager) defaultSpill(store durable.Store) spill.Dispatcher {
	return spill.NewWorker(store, spill.Options{
		QueueSize:          m.cfg.SpillQueueSize,
		QueueLimitBytes:    m.cfg.SpillQueueLimitBytes,
		IOLimitBytesPerSec: m.cfg.SpillIOLimitBytesPerSec,
		Logger:             m.logger.Logger,
		OnBatch: func(ops int, err error) {
			m.metrics.RecordSpill(ops, err)
		},
	})
}

// Available reports whether the manager is started and not stopped.
func (m *Manager) Available() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

// Stop halts the spill dispatcher, closes the durable store and releases
// the unique-key allocator, in that order. A Stop during Start aborts the
// start before its next store open attempt. Stop is idempotent.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	m.stopped = true
	if !m.available {
		m.mu.Unlock()
		return nil
	}
	m.available = false
	store, keys, disp := m.store, m.keys, m.spill
	m.mu.Unlock()

	var errs []error
	if err := disp.Stop(spill.StopDrain); err != nil {
		errs = append(errs, err)
	}
	m.liveMu.Lock()
	clear(m.live)
	m.liveMu.Unlock()
	if err := store.Close(); err != nil && !errors.Is(err, durable.ErrClosed) {
		errs = append(errs, err)
	}
	keys.Stop()
	m.logger.Info("stopped")
	return errors.Join(errs...)
}

// acquire takes the read side of mu for an operation. The caller releases
// it with m.mu.RUnlock.
func (m *Manager) acquire() error {
	m.mu.RLock()
	if !m.available {
		m.mu.RUnlock()
		return ErrUnavailable
	}
	return nil
}

// KeyGenerator issues strictly increasing unique keys.
type KeyGenerator interface {
	Next() (int64, error)
}

// UniqueKeyGenerator returns the generator for name, creating it on first
// use. rangeSize <= 0 selects Config.UniqueKeyRangeSize.
func (m *Manager) UniqueKeyGenerator(name string, rangeSize int64) (KeyGenerator, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	g, err := m.keys.Generator(name, rangeSize)
	if err != nil {
		return nil, translateError(err)
	}
	return g, nil
}

// PerInstanceUniqueValue returns a negative key unique within this process.
func (m *Manager) PerInstanceUniqueValue() (int64, error) {
	if err := m.acquire(); err != nil {
		return 0, err
	}
	defer m.mu.RUnlock()
	return m.keys.PerInstanceUniqueValue(), nil
}

// Sizes returns the current sizes of the durable store.
func (m *Manager) Sizes() (durable.Sizes, error) {
	if err := m.acquire(); err != nil {
		return durable.Sizes{}, err
	}
	defer m.mu.RUnlock()
	return m.store.Sizes(), nil
}

func (m *Manager) putLive(xid []byte, c *batch.Context) {
	m.liveMu.Lock()
	m.live[string(xid)] = c
	m.liveMu.Unlock()
}

func (m *Manager) takeLive(xid []byte) *batch.Context {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	c, ok := m.live[string(xid)]
	if ok {
		delete(m.live, string(xid))
	}
	return c
}
