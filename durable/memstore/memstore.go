// Package memstore provides an in-memory durable.Store.
//
// Content lives only as long as the process, but a Store can simulate a
// restart with Crash: committed permanent content and prepared transactions
// survive, everything else is lost. This is what the message store's tests
// use to exercise recovery.
package memstore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/durable/internal/table"
)

// Store is an in-memory durable.Store.
type Store struct {
	*table.Table
	journal *journal
	cfg     durable.Config
}

var (
	_ durable.Store    = (*Store)(nil)
	_ durable.Exporter = (*Store)(nil)
)

// New returns an empty store.
func New(cfg durable.Config) *Store {
	t := table.New(table.Options{
		Sizes:       sizesFromConfig(cfg),
		LockTimeout: cfg.LockTimeout,
		Logger:      cfg.Logger,
	})
	j := &journal{prepared: make(map[string][]durable.TxRecord)}
	t.SetJournal(j)
	return &Store{Table: t, journal: j, cfg: cfg}
}

func sizesFromConfig(cfg durable.Config) durable.Sizes {
	return durable.Sizes{LogSize: cfg.LogSize, Permanent: cfg.Permanent, Temporary: cfg.Temporary}
}

// Export implements durable.Exporter.
func (s *Store) Export(w io.Writer) error {
	return s.WriteImage(w)
}

// Crash simulates process loss and returns the store a restart would see.
// The receiver is closed.
func (s *Store) Crash() (*Store, error) {
	var image bytes.Buffer
	if err := s.WriteImage(&image); err != nil {
		return nil, err
	}
	sizes := s.Sizes()
	prepared := s.journal.snapshot()
	_ = s.Close()

	t := table.New(table.Options{Sizes: sizes, LockTimeout: s.cfg.LockTimeout, Logger: s.cfg.Logger})
	if err := t.LoadImage(&image); err != nil {
		return nil, err
	}
	for _, p := range prepared {
		if _, err := t.RestorePrepared(p.xid, table.PermanentOnly(p.recs)); err != nil {
			return nil, err
		}
	}
	j := &journal{prepared: make(map[string][]durable.TxRecord)}
	for _, p := range prepared {
		j.prepared[string(p.xid)] = p.recs
		j.order = append(j.order, string(p.xid))
	}
	t.SetJournal(j)
	return &Store{Table: t, journal: j, cfg: s.cfg}, nil
}

// Opener is a durable.Opener that hands out the same Store on every Open.
// Opening a closed store behaves like a restart, and so does Crash.
type Opener struct {
	mu    sync.Mutex
	store *Store
	// Fail is returned by the next FailCount calls to Open.
	Fail      error
	FailCount int
	// Opens counts calls to Open.
	Opens int
}

// Open implements durable.Opener.
func (o *Opener) Open(ctx context.Context, cfg durable.Config) (durable.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Opens++
	if o.FailCount > 0 {
		o.FailCount--
		return nil, o.Fail
	}
	if o.store == nil || cfg.CleanStart {
		o.store = New(cfg)
		return o.store, nil
	}
	// Reopening after Close behaves like a restart.
	if o.store.Closed() {
		reopened, err := o.store.Crash()
		if err != nil {
			return nil, err
		}
		o.store = reopened
	}
	return o.store, nil
}

// Crash simulates process loss of the current store.
func (o *Opener) Crash() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.store == nil {
		return nil
	}
	next, err := o.store.Crash()
	if err != nil {
		return err
	}
	o.store = next
	return nil
}

// Current returns the store handed out last.
func (o *Opener) Current() *Store {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store
}

type preparedTx struct {
	xid  []byte
	recs []durable.TxRecord
}

// journal remembers prepared transactions so Crash can restore them.
type journal struct {
	mu       sync.Mutex
	prepared map[string][]durable.TxRecord
	order    []string
}

func (j *journal) Prepared(xid []byte, recs []durable.TxRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	k := string(xid)
	if _, ok := j.prepared[k]; !ok {
		j.order = append(j.order, k)
	}
	j.prepared[k] = append([]durable.TxRecord(nil), recs...)
	return nil
}

func (j *journal) Committed(xid []byte, _ []durable.TxRecord, prepared bool) error {
	if prepared {
		j.forget(xid)
	}
	return nil
}

func (j *journal) BackedOut(xid []byte, prepared bool) error {
	if prepared {
		j.forget(xid)
	}
	return nil
}

func (j *journal) forget(xid []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	k := string(xid)
	delete(j.prepared, k)
	for i, o := range j.order {
		if o == k {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}

func (j *journal) snapshot() []preparedTx {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]preparedTx, 0, len(j.order))
	for _, k := range j.order {
		out = append(out, preparedTx{xid: []byte(k), recs: j.prepared[k]})
	}
	return out
}
