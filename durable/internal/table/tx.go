package table

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/hupe1980/msgstore/durable"
)

// Tx is a durable.Transaction over a Table. A Tx is not meant to be used by
// more than one goroutine at a time; the table lock serializes it against
// other transactions.
type Tx struct {
	t     *Table
	seq   uint64
	state durable.TxState
	xid   []byte
	recs  []durable.TxRecord

	overlay     map[durable.Token][]byte
	deleted     map[durable.Token]struct{}
	newLists    map[durable.Token]struct{}
	deadLists   map[durable.Token]struct{}
	newEntries  map[durable.Token]durable.Token
	deadEntries map[durable.Token]struct{}
	held        map[durable.Token]struct{}
	reserve     map[durable.StoreID]int64
}

func newTx(t *Table, seq uint64) *Tx {
	tx := &Tx{t: t, seq: seq}
	tx.reset()
	return tx
}

func (tx *Tx) reset() {
	tx.state = durable.TxActive
	tx.xid = nil
	tx.recs = nil
	tx.overlay = make(map[durable.Token][]byte)
	tx.deleted = make(map[durable.Token]struct{})
	tx.newLists = make(map[durable.Token]struct{})
	tx.deadLists = make(map[durable.Token]struct{})
	tx.newEntries = make(map[durable.Token]durable.Token)
	tx.deadEntries = make(map[durable.Token]struct{})
	tx.held = make(map[durable.Token]struct{})
	tx.reserve = make(map[durable.StoreID]int64)
}

func (tx *Tx) activeLocked() error {
	if tx.t.closed {
		return durable.ErrClosed
	}
	if tx.state != durable.TxActive {
		return fmt.Errorf("%w: transaction is %s", durable.ErrTransactionState, tx.state)
	}
	return nil
}

func (tx *Tx) recordLocked(tok durable.Token) ([]byte, bool) {
	if _, gone := tx.deleted[tok]; gone {
		return nil, false
	}
	if d, ok := tx.overlay[tok]; ok {
		return d, true
	}
	d, ok := tx.t.records[tok]
	return d, ok
}

func (tx *Tx) listLocked(tok durable.Token) bool {
	if _, gone := tx.deadLists[tok]; gone {
		return false
	}
	if _, ok := tx.newLists[tok]; ok {
		return true
	}
	_, ok := tx.t.lists[tok]
	return ok
}

func (tx *Tx) entryLocked(tok durable.Token) (durable.Token, bool) {
	if _, gone := tx.deadEntries[tok]; gone {
		return durable.NilToken, false
	}
	if l, ok := tx.newEntries[tok]; ok {
		return l, tx.listLocked(l)
	}
	l, ok := tx.t.entries[tok]
	if !ok || !tx.listLocked(l) {
		return durable.NilToken, false
	}
	return l, true
}

// stageLocked records r and updates the transaction's private view. Locks
// for r must already be available to tx.
func (tx *Tx) stageLocked(r durable.TxRecord) {
	switch r.Op {
	case durable.OpAdd, durable.OpReplace:
		tx.overlay[r.Token] = r.Data
		tx.hold(r.Token)
	case durable.OpDelete:
		delete(tx.overlay, r.Token)
		tx.deleted[r.Token] = struct{}{}
		tx.hold(r.Token)
	case durable.OpLock:
		tx.hold(r.Token)
	case durable.OpCreateList:
		tx.newLists[r.Token] = struct{}{}
	case durable.OpAddToList:
		tx.newEntries[r.Token] = r.List
	case durable.OpRemoveFromList:
		tx.deadEntries[r.Token] = struct{}{}
		tx.hold(r.Token)
	case durable.OpDeleteList:
		tx.deadLists[r.Token] = struct{}{}
		tx.hold(r.Token)
	}
	tx.recs = append(tx.recs, r)
}

func (tx *Tx) hold(tok durable.Token) {
	tx.t.locks[tok] = tx
	tx.held[tok] = struct{}{}
}

// Add implements durable.Transaction.
func (tx *Tx) Add(tok durable.Token, data []byte) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	if tok.IsZero() || !tok.Store.Valid() || tok.ID > t.next[tok.Store] {
		return fmt.Errorf("%w: token %s was not allocated", durable.ErrNotFound, tok)
	}
	if _, exists := tx.recordLocked(tok); exists {
		return fmt.Errorf("%w: token %s already holds a record", durable.ErrTransactionState, tok)
	}
	if owner, held := t.locks[tok]; held && owner != tx {
		return fmt.Errorf("%w: token %s is being added by another transaction", durable.ErrTransactionState, tok)
	}
	if err := t.reserveLocked(tx, tok.Store, int64(len(data))); err != nil {
		return err
	}
	tx.stageLocked(durable.TxRecord{Op: durable.OpAdd, Token: tok, Data: bytes.Clone(data)})
	return nil
}

// Lock implements durable.Transaction.
func (tx *Tx) Lock(tok durable.Token) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	if _, ok := tx.recordLocked(tok); !ok {
		return fmt.Errorf("%w: record %s", durable.ErrNotFound, tok)
	}
	if _, mine := tx.held[tok]; mine {
		return nil
	}
	if err := t.acquireLocked(tx, tok); err != nil {
		return err
	}
	if err := tx.activeLocked(); err != nil {
		return err
	}
	tx.stageLocked(durable.TxRecord{Op: durable.OpLock, Token: tok})
	return nil
}

// Replace implements durable.Transaction.
func (tx *Tx) Replace(tok durable.Token, data []byte) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	if _, ok := tx.recordLocked(tok); !ok {
		return fmt.Errorf("%w: record %s", durable.ErrNotFound, tok)
	}
	if err := t.acquireLocked(tx, tok); err != nil {
		return err
	}
	// The record may have been deleted while we waited for its lock.
	old, ok := tx.recordLocked(tok)
	if !ok {
		return fmt.Errorf("%w: record %s", durable.ErrNotFound, tok)
	}
	if err := t.reserveLocked(tx, tok.Store, int64(len(data))-int64(len(old))); err != nil {
		return err
	}
	tx.stageLocked(durable.TxRecord{Op: durable.OpReplace, Token: tok, Data: bytes.Clone(data)})
	return nil
}

// Delete implements durable.Transaction.
func (tx *Tx) Delete(tok durable.Token) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	if _, ok := tx.recordLocked(tok); !ok {
		return fmt.Errorf("%w: record %s", durable.ErrNotFound, tok)
	}
	if err := t.acquireLocked(tx, tok); err != nil {
		return err
	}
	before, ok := tx.recordLocked(tok)
	if !ok {
		return fmt.Errorf("%w: record %s", durable.ErrNotFound, tok)
	}
	tx.stageLocked(durable.TxRecord{Op: durable.OpDelete, Token: tok, Data: bytes.Clone(before)})
	return nil
}

// CreateList implements durable.Transaction.
func (tx *Tx) CreateList(store durable.StoreID) (durable.Token, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return durable.NilToken, err
	}
	if !store.Valid() {
		return durable.NilToken, fmt.Errorf("durable: create list in unknown store %d", store)
	}
	tok := t.allocLocked(store)
	tx.stageLocked(durable.TxRecord{Op: durable.OpCreateList, Token: tok})
	return tok, nil
}

// AddToList implements durable.Transaction.
func (tx *Tx) AddToList(l, member durable.Token) (durable.Token, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return durable.NilToken, err
	}
	if !tx.listLocked(l) {
		return durable.NilToken, fmt.Errorf("%w: list %s", durable.ErrNotFound, l)
	}
	entry := t.allocLocked(l.Store)
	tx.stageLocked(durable.TxRecord{Op: durable.OpAddToList, Token: entry, List: l, Member: member})
	return entry, nil
}

// RemoveFromList implements durable.Transaction.
func (tx *Tx) RemoveFromList(entry durable.Token) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	if _, ok := tx.entryLocked(entry); !ok {
		return fmt.Errorf("%w: list entry %s", durable.ErrNotFound, entry)
	}
	if err := t.acquireLocked(tx, entry); err != nil {
		return err
	}
	l, ok := tx.entryLocked(entry)
	if !ok {
		return fmt.Errorf("%w: list entry %s", durable.ErrNotFound, entry)
	}
	tx.stageLocked(durable.TxRecord{Op: durable.OpRemoveFromList, Token: entry, List: l})
	return nil
}

// DeleteList implements durable.Transaction.
func (tx *Tx) DeleteList(l durable.Token) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	if !tx.listLocked(l) {
		return fmt.Errorf("%w: list %s", durable.ErrNotFound, l)
	}
	if err := t.acquireLocked(tx, l); err != nil {
		return err
	}
	tx.stageLocked(durable.TxRecord{Op: durable.OpDeleteList, Token: l})
	return nil
}

// SetNamedRoot implements durable.Transaction.
func (tx *Tx) SetNamedRoot(name string, tok durable.Token) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("durable: empty root name")
	}
	tx.stageLocked(durable.TxRecord{Op: durable.OpSetRoot, Token: tok, Name: name})
	return nil
}

// RemoveNamedRoot implements durable.Transaction.
func (tx *Tx) RemoveNamedRoot(name string) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	tx.stageLocked(durable.TxRecord{Op: durable.OpRemoveRoot, Name: name})
	return nil
}

// SetXID implements durable.Transaction.
func (tx *Tx) SetXID(xid []byte) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	tx.xid = bytes.Clone(xid)
	return nil
}

// XID implements durable.Transaction.
func (tx *Tx) XID() []byte {
	tx.t.mu.Lock()
	defer tx.t.mu.Unlock()
	return bytes.Clone(tx.xid)
}

// State implements durable.Transaction.
func (tx *Tx) State() durable.TxState {
	tx.t.mu.Lock()
	defer tx.t.mu.Unlock()
	return tx.state
}

// Records implements durable.Transaction.
func (tx *Tx) Records() []durable.TxRecord {
	tx.t.mu.Lock()
	defer tx.t.mu.Unlock()
	return slices.Clone(tx.recs)
}

// Prepare implements durable.Transaction.
func (tx *Tx) Prepare() error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := tx.activeLocked(); err != nil {
		return err
	}
	if len(tx.xid) == 0 {
		return fmt.Errorf("%w: prepare requires an xid", durable.ErrTransactionState)
	}
	if err := t.validateLocked(tx, tx.recs); err != nil {
		return err
	}
	if err := t.journal.Prepared(tx.xid, tx.recs); err != nil {
		return err
	}
	tx.state = durable.TxPrepared
	return nil
}

// Commit implements durable.Transaction.
func (tx *Tx) Commit(onePhase bool) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return durable.ErrClosed
	}
	want := durable.TxPrepared
	if onePhase {
		want = durable.TxActive
	}
	if tx.state != want {
		return fmt.Errorf("%w: commit(onePhase=%t) of %s transaction", durable.ErrTransactionState, onePhase, tx.state)
	}
	if err := t.validateLocked(tx, tx.recs); err != nil {
		return err
	}
	if err := t.journal.Committed(tx.xid, tx.recs, !onePhase); err != nil {
		return err
	}
	t.applyLocked(tx.recs)
	tx.state = durable.TxCommitted
	t.endLocked(tx)
	return nil
}

// Backout implements durable.Transaction.
func (tx *Tx) Backout(reuse bool) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return durable.ErrClosed
	}
	if tx.state != durable.TxActive && tx.state != durable.TxPrepared {
		return fmt.Errorf("%w: backout of %s transaction", durable.ErrTransactionState, tx.state)
	}
	prepared := tx.state == durable.TxPrepared
	if err := t.journal.BackedOut(tx.xid, prepared); err != nil {
		return err
	}
	t.endLocked(tx)
	if reuse {
		tx.reset()
		t.live[tx] = struct{}{}
		return nil
	}
	tx.state = durable.TxBackedOut
	return nil
}
