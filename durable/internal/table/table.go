// Package table implements the object table shared by the durable store
// backends: records, ordered lists, named roots, record locks and the
// transaction state machine. Backends persist it through a Journal.
package table

import (
	"bytes"
	"container/list"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/msgstore/durable"
)

// Journal persists transaction outcomes. Calls are made with the table lock
// held and in the order the outcomes become visible.
type Journal interface {
	Prepared(xid []byte, recs []durable.TxRecord) error
	Committed(xid []byte, recs []durable.TxRecord, prepared bool) error
	BackedOut(xid []byte, prepared bool) error
}

type noopJournal struct{}

func (noopJournal) Prepared([]byte, []durable.TxRecord) error        { return nil }
func (noopJournal) Committed([]byte, []durable.TxRecord, bool) error { return nil }
func (noopJournal) BackedOut([]byte, bool) error                     { return nil }

// Options configures a Table.
type Options struct {
	Sizes       durable.Sizes
	LockTimeout time.Duration
	Logger      *slog.Logger
}

type listState struct {
	order   *list.List
	entries map[durable.Token]*list.Element
}

func newListState() *listState {
	return &listState{order: list.New(), entries: make(map[durable.Token]*list.Element)}
}

// Table is an in-memory transactional object table.
type Table struct {
	mu sync.Mutex

	sizes       durable.Sizes
	lockTimeout time.Duration
	logger      *slog.Logger
	journal     Journal

	next     map[durable.StoreID]uint64
	records  map[durable.Token][]byte
	lists    map[durable.Token]*listState
	entries  map[durable.Token]durable.Token
	roots    map[string]durable.Token
	locks    map[durable.Token]*Tx
	released chan struct{}
	used     map[durable.StoreID]int64
	reserved map[durable.StoreID]int64

	live   map[*Tx]struct{}
	txSeq  uint64
	closed bool
}

// New returns an empty table.
func New(opts Options) *Table {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = durable.DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Table{
		sizes:       opts.Sizes,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger,
		journal:     noopJournal{},
		next:        map[durable.StoreID]uint64{durable.Permanent: 0, durable.Temporary: 0},
		records:     make(map[durable.Token][]byte),
		lists:       make(map[durable.Token]*listState),
		entries:     make(map[durable.Token]durable.Token),
		roots:       make(map[string]durable.Token),
		locks:       make(map[durable.Token]*Tx),
		released:    make(chan struct{}),
		used:        make(map[durable.StoreID]int64),
		reserved:    make(map[durable.StoreID]int64),
		live:        make(map[*Tx]struct{}),
	}
}

// SetJournal attaches the journal. Restore calls made before it are not
// journaled.
func (t *Table) SetJournal(j Journal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j == nil {
		j = noopJournal{}
	}
	t.journal = j
}

// Allocate implements durable.Store.
func (t *Table) Allocate(store durable.StoreID) (durable.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return durable.NilToken, durable.ErrClosed
	}
	if !store.Valid() {
		return durable.NilToken, fmt.Errorf("durable: allocate in unknown store %d", store)
	}
	return t.allocLocked(store), nil
}

func (t *Table) allocLocked(store durable.StoreID) durable.Token {
	t.next[store]++
	return durable.Token{Store: store, ID: t.next[store]}
}

func (t *Table) observe(tok durable.Token) {
	if tok.IsZero() || !tok.Store.Valid() {
		return
	}
	if tok.ID > t.next[tok.Store] {
		t.next[tok.Store] = tok.ID
	}
}

// Observe makes sure tok is never allocated again.
func (t *Table) Observe(tok durable.Token) {
	t.mu.Lock()
	t.observe(tok)
	t.mu.Unlock()
}

// Read implements durable.Store.
func (t *Table) Read(tok durable.Token) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, durable.ErrClosed
	}
	data, ok := t.records[tok]
	if !ok {
		return nil, fmt.Errorf("%w: record %s", durable.ErrNotFound, tok)
	}
	return bytes.Clone(data), nil
}

// Begin implements durable.Store.
func (t *Table) Begin() durable.Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.beginLocked()
}

func (t *Table) beginLocked() *Tx {
	t.txSeq++
	tx := newTx(t, t.txSeq)
	if !t.closed {
		t.live[tx] = struct{}{}
	}
	return tx
}

// FindTransaction implements durable.Store.
func (t *Table) FindTransaction(xid []byte) (durable.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, durable.ErrClosed
	}
	if len(xid) == 0 {
		return nil, fmt.Errorf("%w: empty xid", durable.ErrNotFound)
	}
	var found *Tx
	for tx := range t.live {
		if !bytes.Equal(tx.xid, xid) {
			continue
		}
		if found == nil || tx.state == durable.TxPrepared {
			found = tx
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: transaction %x", durable.ErrNotFound, xid)
	}
	return found, nil
}

// PreparedTransactions implements durable.Store. Transactions are returned
// in the order they were begun or restored.
func (t *Table) PreparedTransactions() ([]durable.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, durable.ErrClosed
	}
	var txs []*Tx
	for tx := range t.live {
		if tx.state == durable.TxPrepared {
			txs = append(txs, tx)
		}
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].seq < txs[j].seq })
	out := make([]durable.Transaction, len(txs))
	for i, tx := range txs {
		out[i] = tx
	}
	return out, nil
}

// NamedRoot implements durable.Store.
func (t *Table) NamedRoot(name string) (durable.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return durable.NilToken, durable.ErrClosed
	}
	tok, ok := t.roots[name]
	if !ok {
		return durable.NilToken, fmt.Errorf("%w: root %q", durable.ErrNotFound, name)
	}
	return tok, nil
}

// ListEntries implements durable.Store.
func (t *Table) ListEntries(l durable.Token) ([]durable.ListEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, durable.ErrClosed
	}
	ls, ok := t.lists[l]
	if !ok {
		return nil, fmt.Errorf("%w: list %s", durable.ErrNotFound, l)
	}
	out := make([]durable.ListEntry, 0, ls.order.Len())
	for e := ls.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(durable.ListEntry))
	}
	return out, nil
}

// Sizes implements durable.Store.
func (t *Table) Sizes() durable.Sizes {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sizes
	s.Permanent.Used = t.used[durable.Permanent]
	s.Temporary.Used = t.used[durable.Temporary]
	return s
}

// SetSizes implements durable.Store. Used values in s are ignored.
func (t *Table) SetSizes(s durable.Sizes) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return durable.ErrClosed
	}
	s.LogUsed = t.sizes.LogUsed
	t.sizes = s
	return nil
}

// SetLogUsed records the journal's current size for Sizes.
func (t *Table) SetLogUsed(n int64) {
	t.mu.Lock()
	t.sizes.LogUsed = n
	t.mu.Unlock()
}

// Close marks the table closed and wakes lock waiters.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return durable.ErrClosed
	}
	t.closed = true
	t.broadcastLocked()
	return nil
}

// Closed reports whether Close was called.
func (t *Table) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Table) broadcastLocked() {
	close(t.released)
	t.released = make(chan struct{})
}

// acquireLocked takes the record lock for tx, waiting for another owner to
// release it. The table lock is dropped while waiting.
func (t *Table) acquireLocked(tx *Tx, tok durable.Token) error {
	deadline := time.Now().Add(t.lockTimeout)
	for {
		if t.closed {
			return durable.ErrClosed
		}
		owner, held := t.locks[tok]
		if !held || owner == tx {
			t.locks[tok] = tx
			tx.held[tok] = struct{}{}
			return nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return fmt.Errorf("%w: %s", durable.ErrLockTimeout, tok)
		}
		ch := t.released
		t.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
		t.mu.Lock()
	}
}

func (t *Table) reserveLocked(tx *Tx, store durable.StoreID, delta int64) error {
	if delta <= 0 {
		return nil
	}
	limit := t.sizes.Of(store)
	want := t.used[store] + t.reserved[store] + delta
	if !limit.Unlimited && limit.Max > 0 && want > limit.Max {
		return &durable.StoreFullError{Store: store, Requested: want, Max: limit.Max}
	}
	t.reserved[store] += delta
	tx.reserve[store] += delta
	return nil
}

// endLocked releases everything tx holds and removes it from the live set.
func (t *Table) endLocked(tx *Tx) {
	for tok := range tx.held {
		if t.locks[tok] == tx {
			delete(t.locks, tok)
		}
	}
	for store, n := range tx.reserve {
		t.reserved[store] -= n
	}
	delete(t.live, tx)
	if len(tx.held) > 0 {
		t.broadcastLocked()
	}
}

// validateLocked checks that recs can be applied to the committed state.
// Conflicts only arise for list structure, because record mutations hold
// record locks.
func (t *Table) validateLocked(tx *Tx, recs []durable.TxRecord) error {
	for _, r := range recs {
		switch r.Op {
		case durable.OpAddToList:
			if _, created := tx.newLists[r.List]; created {
				continue
			}
			if _, ok := t.lists[r.List]; !ok {
				return fmt.Errorf("%w: list %s", durable.ErrNotFound, r.List)
			}
		case durable.OpRemoveFromList:
			if _, created := tx.newEntries[r.Token]; created {
				continue
			}
			if _, ok := t.entries[r.Token]; !ok {
				return fmt.Errorf("%w: list entry %s", durable.ErrNotFound, r.Token)
			}
		}
	}
	return nil
}

// applyLocked makes recs part of the committed state. Missing targets are
// skipped so that replaying a journal is idempotent.
func (t *Table) applyLocked(recs []durable.TxRecord) {
	for _, r := range recs {
		t.observe(r.Token)
		t.observe(r.List)
		t.observe(r.Member)
		switch r.Op {
		case durable.OpAdd, durable.OpReplace:
			old := t.records[r.Token]
			t.used[r.Token.Store] += int64(len(r.Data)) - int64(len(old))
			t.records[r.Token] = bytes.Clone(r.Data)
		case durable.OpDelete:
			if old, ok := t.records[r.Token]; ok {
				t.used[r.Token.Store] -= int64(len(old))
				delete(t.records, r.Token)
			}
		case durable.OpCreateList:
			if _, ok := t.lists[r.Token]; !ok {
				t.lists[r.Token] = newListState()
			}
		case durable.OpAddToList:
			ls, ok := t.lists[r.List]
			if !ok {
				continue
			}
			if _, dup := ls.entries[r.Token]; dup {
				continue
			}
			ls.entries[r.Token] = ls.order.PushBack(durable.ListEntry{Entry: r.Token, Member: r.Member})
			t.entries[r.Token] = r.List
		case durable.OpRemoveFromList:
			owner, ok := t.entries[r.Token]
			if !ok {
				continue
			}
			if ls, ok := t.lists[owner]; ok {
				if el, ok := ls.entries[r.Token]; ok {
					ls.order.Remove(el)
					delete(ls.entries, r.Token)
				}
			}
			delete(t.entries, r.Token)
		case durable.OpDeleteList:
			if ls, ok := t.lists[r.Token]; ok {
				for e := range ls.entries {
					delete(t.entries, e)
				}
				delete(t.lists, r.Token)
			}
		case durable.OpSetRoot:
			t.roots[r.Name] = r.Token
		case durable.OpRemoveRoot:
			delete(t.roots, r.Name)
		}
	}
}

// Restore applies committed records read back from a journal.
func (t *Table) Restore(recs []durable.TxRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyLocked(recs)
}

// RestorePrepared recreates a prepared transaction read back from a
// journal. Its record locks are taken again.
func (t *Table) RestorePrepared(xid []byte, recs []durable.TxRecord) (durable.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, durable.ErrClosed
	}
	tx := t.beginLocked()
	tx.xid = bytes.Clone(xid)
	for _, r := range recs {
		t.observe(r.Token)
		t.observe(r.List)
		t.observe(r.Member)
		if owner, held := t.locks[r.Token]; held && owner != tx && lockingOp(r.Op) {
			t.endLocked(tx)
			return nil, fmt.Errorf("%w: prepared transactions %x conflict on %s", durable.ErrCorrupt, xid, r.Token)
		}
		tx.stageLocked(r)
	}
	tx.state = durable.TxPrepared
	return tx, nil
}

func lockingOp(op durable.OpKind) bool {
	switch op {
	case durable.OpReplace, durable.OpDelete, durable.OpLock, durable.OpRemoveFromList, durable.OpDeleteList:
		return true
	}
	return false
}

// DiscardTemporary drops all committed temporary-store content.
func (t *Table) DiscardTemporary() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tok := range t.records {
		if tok.Store == durable.Temporary {
			delete(t.records, tok)
		}
	}
	for tok, ls := range t.lists {
		if tok.Store == durable.Temporary {
			for e := range ls.entries {
				delete(t.entries, e)
			}
			delete(t.lists, tok)
		}
	}
	for name, tok := range t.roots {
		if tok.Store == durable.Temporary {
			delete(t.roots, name)
		}
	}
	t.used[durable.Temporary] = 0
	t.next[durable.Temporary] = 0
}

// PermanentOnly returns the records that touch only permanent-store objects.
func PermanentOnly(recs []durable.TxRecord) []durable.TxRecord {
	out := make([]durable.TxRecord, 0, len(recs))
	for _, r := range recs {
		tok := r.Token
		if r.Op == durable.OpAddToList || r.Op == durable.OpRemoveFromList {
			if !r.List.IsZero() {
				tok = r.List
			}
		}
		if tok.Store == durable.Temporary {
			continue
		}
		out = append(out, r)
	}
	return out
}
