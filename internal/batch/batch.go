// Package batch groups record mutations into one durable transaction that
// carries two-phase commit state.
//
// A Context accumulates mutations without touching the store. ExecuteBatch
// applies them in order and then prepares, commits or backs out the
// transaction according to the state reached through AddIndoubtXID,
// UpdateXIDToCommitted and UpdateXIDToRolledback.
//
// Errors are deferred: the first failing call is remembered, later calls are
// skipped, and ExecuteBatch reports the error after backing out whatever
// transaction is open.
package batch

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/record"
)

// ErrInvalidState is deferred by a call that is not valid in the context's
// current state.
var ErrInvalidState = errors.New("batch: invalid state")

type state interface {
	String() string
}

type (
	active      struct{}
	preparing   struct{ xid []byte }
	prepared    struct{ xid []byte }
	committing  struct {
		xid      []byte
		onePhase bool
	}
	committed   struct{}
	rollingBack struct{}
	rolledBack  struct{}
)

func (active) String() string { return "ACTIVE" }
func (preparing) String() string { return "PREPARING" }
func (prepared) String() string { return "PREPARED" }
func (committing) String() string { return "COMMITTING" }
func (committed) String() string { return "COMMITTED" }
func (rollingBack) String() string { return "ROLLINGBACK" }
func (rolledBack) String() string { return "ROLLEDBACK" }

type mutationKind uint8

const (
	mutInsert mutationKind = iota + 1
	mutUpdateDataAndSize
	mutUpdateLockID
	mutUpdateRedeliveredCount
	mutDelete
)

func (k mutationKind) String() string {
	switch k {
	case mutInsert:
		return "insert"
	case mutUpdateDataAndSize:
		return "update-data-and-size"
	case mutUpdateLockID:
		return "update-lock-id"
	case mutUpdateRedeliveredCount:
		return "update-redelivered-count"
	case mutDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type mutation struct {
	kind mutationKind
	p    *record.Persistable
}

type savedState struct {
	p  *record.Persistable
	st record.State
}

// Context is a unit of work over one durable transaction. It is used by one
// goroutine at a time.
type Context struct {
	store durable.Store
	tx    durable.Transaction
	muts  []mutation
	// applied counts mutations already written to tx.
	applied int
	// saved holds the state of touched entities before their first write,
	// reinstated when the transaction is backed out.
	saved   []savedState
	touched map[*record.Persistable]struct{}
	err     error
	state   state
}

// New returns an ACTIVE context. capacity is a hint for the number of
// mutations.
func New(store durable.Store, capacity int) *Context {
	if capacity < 0 {
		capacity = 0
	}
	return &Context{
		store: store,
		muts:  make([]mutation, 0, capacity),
		state: active{},
	}
}

// Reconstruct returns a PREPARED context around a durable transaction that
// was found by its external id, for example after recovery.
func Reconstruct(store durable.Store, tx durable.Transaction) (*Context, error) {
	if st := tx.State(); st != durable.TxPrepared {
		return nil, fmt.Errorf("%w: transaction is %s, not prepared", ErrInvalidState, st)
	}
	return &Context{
		store: store,
		tx:    tx,
		state: prepared{xid: bytes.Clone(tx.XID())},
	}, nil
}

// State returns the name of the current state.
func (c *Context) State() string { return c.state.String() }

// Prepared reports whether the context holds a prepared transaction.
func (c *Context) Prepared() bool {
	_, ok := c.state.(prepared)
	return ok
}

// Err returns the deferred error, if any.
func (c *Context) Err() error { return c.err }

// Len returns the number of mutations not yet applied.
func (c *Context) Len() int { return len(c.muts) - c.applied }

// Transaction returns the durable transaction, or nil if none was opened.
func (c *Context) Transaction() durable.Transaction { return c.tx }

func (c *Context) deferErr(op string) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, c.state)
	}
}

// acceptsMutations reports whether mutations may still join the
// transaction: it has not been prepared and has not ended.
func (c *Context) acceptsMutations() bool {
	switch s := c.state.(type) {
	case active, preparing:
		return true
	case committing:
		return s.onePhase
	}
	return false
}

func (c *Context) add(kind mutationKind, p *record.Persistable) {
	if c.err != nil {
		return
	}
	if !c.acceptsMutations() {
		c.deferErr(kind.String())
		return
	}
	c.muts = append(c.muts, mutation{kind: kind, p: p})
}

// Insert schedules the first write of p.
func (c *Context) Insert(p *record.Persistable) { c.add(mutInsert, p) }

// UpdateDataAndSize schedules a payload and size rewrite of p.
func (c *Context) UpdateDataAndSize(p *record.Persistable) { c.add(mutUpdateDataAndSize, p) }

// UpdateLockIDOnly schedules a metadata-only rewrite of p's lock id.
func (c *Context) UpdateLockIDOnly(p *record.Persistable) { c.add(mutUpdateLockID, p) }

// UpdateRedeliveredCountOnly schedules a metadata-only rewrite of p's
// redelivered count.
func (c *Context) UpdateRedeliveredCountOnly(p *record.Persistable) {
	c.add(mutUpdateRedeliveredCount, p)
}

// Delete schedules the removal of p.
func (c *Context) Delete(p *record.Persistable) { c.add(mutDelete, p) }

// AddIndoubtXID moves an ACTIVE context to PREPARING under xid.
func (c *Context) AddIndoubtXID(xid []byte) {
	if c.err != nil {
		return
	}
	if _, ok := c.state.(active); !ok || len(xid) == 0 {
		c.deferErr("add indoubt xid")
		return
	}
	c.state = preparing{xid: bytes.Clone(xid)}
}

// UpdateXIDToCommitted moves the context to COMMITTING. From ACTIVE the
// commit is one-phase; from PREPARED xid must match the prepared id.
func (c *Context) UpdateXIDToCommitted(xid []byte) {
	if c.err != nil {
		return
	}
	switch s := c.state.(type) {
	case active:
		c.state = committing{onePhase: true}
	case prepared:
		if !bytes.Equal(s.xid, xid) {
			c.err = fmt.Errorf("%w: commit of %x does not match prepared %x", ErrInvalidState, xid, s.xid)
			return
		}
		c.state = committing{xid: s.xid}
	default:
		c.deferErr("update xid to committed")
	}
}

// UpdateXIDToRolledback moves a PREPARED context to ROLLINGBACK.
func (c *Context) UpdateXIDToRolledback(xid []byte) {
	if c.err != nil {
		return
	}
	s, ok := c.state.(prepared)
	if !ok {
		c.deferErr("update xid to rolledback")
		return
	}
	if !bytes.Equal(s.xid, xid) {
		c.err = fmt.Errorf("%w: rollback of %x does not match prepared %x", ErrInvalidState, xid, s.xid)
		return
	}
	c.state = rollingBack{}
}

// ExecuteBatch applies the pending mutations and advances the durable
// transaction to match the context state. A deferred error, or the first
// mutation that fails, backs the transaction out and is returned.
func (c *Context) ExecuteBatch() error {
	if c.err != nil {
		return c.abort(c.err)
	}

	if c.Len() > 0 {
		if c.tx == nil {
			c.tx = c.store.Begin()
		}
		for c.applied < len(c.muts) {
			m := c.muts[c.applied]
			c.save(m)
			if err := apply(c.store, c.tx, m); err != nil {
				if m.kind == mutInsert && !errors.Is(err, record.ErrAlreadyStored) {
					m.p.Forget()
				}
				c.err = fmt.Errorf("batch: %s %s: %w", m.kind, m.p, err)
				return c.abort(c.err)
			}
			c.applied++
		}
	}

	switch s := c.state.(type) {
	case active:
		if c.tx == nil {
			return nil
		}
		if err := c.tx.Commit(true); err != nil {
			c.err = err
			return c.abort(err)
		}
		c.finish(committed{})
	case preparing:
		if c.tx == nil {
			c.tx = c.store.Begin()
		}
		if err := c.tx.SetXID(s.xid); err != nil {
			c.err = err
			return c.abort(err)
		}
		if err := c.tx.Prepare(); err != nil {
			c.err = err
			return c.abort(err)
		}
		c.state = prepared{xid: s.xid}
	case committing:
		if c.tx == nil {
			c.state = committed{}
			return nil
		}
		if err := c.tx.Commit(s.onePhase); err != nil {
			if s.onePhase {
				c.err = err
				return c.abort(err)
			}
			// The transaction stays in doubt so the commit can be retried.
			c.state = prepared{xid: s.xid}
			return err
		}
		c.finish(committed{})
	case rollingBack:
		err := c.tx.Backout(false)
		c.undo()
		c.finish(rolledBack{})
		if err != nil {
			c.err = err
			return err
		}
	}
	return nil
}

// save records the state m's write changes, once per entity. An insert
// changes the expirables mark of its parent.
func (c *Context) save(m mutation) {
	p := m.p
	switch m.kind {
	case mutInsert:
		p = p.Parent()
	case mutDelete:
		return
	}
	if p == nil {
		return
	}
	if _, ok := c.touched[p]; ok {
		return
	}
	if c.touched == nil {
		c.touched = make(map[*record.Persistable]struct{})
	}
	c.touched[p] = struct{}{}
	c.saved = append(c.saved, savedState{p: p, st: p.SaveState()})
}

// undo reinstates the saved state of touched entities, newest first, and
// clears the handles of applied inserts.
func (c *Context) undo() {
	for i := len(c.saved) - 1; i >= 0; i-- {
		c.saved[i].p.RestoreState(c.saved[i].st)
	}
	for _, m := range c.muts[:c.applied] {
		if m.kind == mutInsert {
			m.p.Forget()
		}
	}
}

func (c *Context) finish(s state) {
	c.state = s
	c.tx = nil
	c.muts = c.muts[:0]
	c.applied = 0
	c.saved = nil
	c.touched = nil
}

// abort backs out the open transaction once and moves to ROLLEDBACK.
func (c *Context) abort(err error) error {
	if c.tx != nil {
		switch c.tx.State() {
		case durable.TxActive, durable.TxPrepared:
			if berr := c.tx.Backout(false); berr != nil {
				err = errors.Join(err, fmt.Errorf("batch: backout: %w", berr))
			}
		}
		c.tx = nil
	}
	c.undo()
	next := c.state
	switch c.state.(type) {
	case committed, rolledBack:
	default:
		next = rolledBack{}
	}
	c.finish(next)
	return err
}

func apply(s durable.Store, tx durable.Transaction, m mutation) error {
	switch m.kind {
	case mutInsert:
		return m.p.AddToStore(s, tx)
	case mutUpdateDataAndSize:
		return m.p.UpdateDataAndSize(s, tx)
	case mutUpdateLockID, mutUpdateRedeliveredCount:
		return m.p.UpdateMetaDataOnly(tx)
	case mutDelete:
		return m.p.RemoveFromStore(tx)
	default:
		return fmt.Errorf("batch: unknown mutation %d", m.kind)
	}
}
