package msgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/internal/batch"
	"github.com/hupe1980/msgstore/record"
)

// Transaction is the work of one engine transaction. The caller has called
// OperationBegun on the Persistable of every operation.
//
// After a successful Commit every operation has been completed (MAYBE work
// once the spill dispatcher wrote it). After Rollback every operation has
// been cancelled. A failed Prepare or Commit leaves the counters alone; the
// caller follows up with Rollback.
type Transaction struct {
	// XID is the external transaction id. Required for two-phase work.
	XID        []byte
	Operations []record.Operation
}

// split classifies the operations by how they are persisted.
type split struct {
	sync  []record.Operation
	maybe []record.Operation
	never []record.Operation
}

func classify(ops []record.Operation) split {
	var s split
	for _, op := range ops {
		f := op.Persistable.Fields()
		switch {
		case f.Strategy == record.StoreNever:
			s.never = append(s.never, op)
		case f.Strategy == record.StoreMaybe && f.Kind.IsItem():
			s.maybe = append(s.maybe, op)
		default:
			s.sync = append(s.sync, op)
		}
	}
	return s
}

func enqueue(c *batch.Context, ops []record.Operation) error {
	for _, op := range ops {
		switch op.Type {
		case record.OpAdd:
			c.Insert(op.Persistable)
		case record.OpRemove:
			c.Delete(op.Persistable)
		case record.OpUpdateData:
			c.UpdateDataAndSize(op.Persistable)
		case record.OpUpdateLockID:
			c.UpdateLockIDOnly(op.Persistable)
		case record.OpUpdateRedeliveredCount:
			c.UpdateRedeliveredCountOnly(op.Persistable)
		default:
			return fmt.Errorf("%w: unknown operation %s", ErrInvalidTransaction, op.Type)
		}
	}
	return nil
}

func complete(ops []record.Operation) {
	for _, op := range ops {
		op.Persistable.OperationCompleted()
	}
}

func cancel(ops []record.Operation) {
	for _, op := range ops {
		op.Persistable.OperationCancelled()
	}
}

// Prepare writes the synchronous operations of tx in a durable transaction
// prepared under tx.XID. MAYBE and NEVER work waits for Commit.
func (m *Manager) Prepare(ctx context.Context, tx Transaction) (err error) {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.mu.RUnlock()

	began := time.Now()
	s := classify(tx.Operations)
	defer func() {
		m.metrics.RecordPrepare(len(s.sync), time.Since(began), err)
		m.logger.LogPrepare(ctx, tx.XID, len(s.sync), err)
	}()

	if len(tx.XID) == 0 {
		return fmt.Errorf("%w: prepare without xid", ErrInvalidTransaction)
	}
	if len(s.sync) == 0 {
		return nil
	}

	c := batch.New(m.store, len(s.sync))
	if err := enqueue(c, s.sync); err != nil {
		return err
	}
	c.AddIndoubtXID(tx.XID)
	if err := c.ExecuteBatch(); err != nil {
		return translateError(err)
	}
	m.putLive(tx.XID, c)
	return nil
}

// Commit completes tx. With onePhase the synchronous operations are written
// and committed in a fresh durable transaction; otherwise the transaction
// prepared under tx.XID is committed, looked up in the store if this
// process did not prepare it. A recovered transaction can be committed by
// its XID alone. MAYBE work is then handed to the spill dispatcher.
//
// If tx carries MAYBE work and the dispatcher cannot accept it, Commit fails
// with ErrSpillUnavailable before anything is committed. A two-phase commit
// that fails in the store leaves the transaction prepared.
func (m *Manager) Commit(ctx context.Context, tx Transaction, onePhase bool) (err error) {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.mu.RUnlock()

	began := time.Now()
	s := classify(tx.Operations)
	defer func() {
		m.metrics.RecordCommit(onePhase, len(tx.Operations), time.Since(began), err)
		m.logger.LogCommit(ctx, tx.XID, onePhase, len(s.sync), len(s.maybe), err)
	}()

	if len(s.maybe) > 0 && !m.spill.IsHealthy() {
		return ErrSpillUnavailable
	}
	if !onePhase && len(tx.XID) == 0 {
		return fmt.Errorf("%w: two-phase commit without xid", ErrInvalidTransaction)
	}

	var c *batch.Context
	switch {
	case onePhase && len(s.sync) > 0:
		c = batch.New(m.store, len(s.sync))
		if err := enqueue(c, s.sync); err != nil {
			return err
		}
	case !onePhase:
		c, err = m.preparedContext(tx.XID)
		if errors.Is(err, ErrNotFound) && len(s.sync) == 0 {
			// Nothing was prepared.
			c, err = nil, nil
		}
		if err != nil {
			return err
		}
	}
	if c != nil {
		c.UpdateXIDToCommitted(tx.XID)
		if err := c.ExecuteBatch(); err != nil {
			if !onePhase && c.Prepared() {
				// Still in doubt; a retry commits it.
				m.putLive(tx.XID, c)
			}
			return translateError(err)
		}
	}

	complete(s.sync)
	complete(s.never)
	if len(s.maybe) > 0 {
		if err := m.spill.Dispatch(s.maybe, tx.XID, false); err != nil {
			// The synchronous part is committed; MAYBE work carries no
			// durability promise.
			m.metrics.RecordSpill(len(s.maybe), err)
			m.logger.LogSpill(ctx, tx.XID, len(s.maybe), err)
			cancel(s.maybe)
		}
	}
	return nil
}

// preparedContext returns the context that prepared xid, reconstructing it
// from the store's prepared transaction if it is not live.
func (m *Manager) preparedContext(xid []byte) (*batch.Context, error) {
	if c := m.takeLive(xid); c != nil {
		return c, nil
	}
	dtx, err := m.store.FindTransaction(xid)
	if err != nil {
		return nil, translateError(err)
	}
	c, err := batch.Reconstruct(m.store, dtx)
	if err != nil {
		return nil, translateError(err)
	}
	return c, nil
}

// Rollback abandons tx. A transaction prepared under tx.XID is backed out
// whether this process prepared it or not, so a recovered transaction can
// be rolled back by its XID alone. Every operation of tx is cancelled.
func (m *Manager) Rollback(ctx context.Context, tx Transaction) (err error) {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.mu.RUnlock()

	began := time.Now()
	s := classify(tx.Operations)
	defer func() {
		m.metrics.RecordRollback(time.Since(began), err)
		m.logger.LogRollback(ctx, tx.XID, len(tx.Operations), err)
	}()

	var live *batch.Context
	if len(tx.XID) > 0 {
		live = m.takeLive(tx.XID)
	}
	if live != nil || len(tx.XID) > 0 {
		err = m.backout(tx.XID, live)
	}
	for _, op := range s.sync {
		if op.Type == record.OpAdd {
			op.Persistable.Forget()
		}
	}
	cancel(tx.Operations)
	return err
}

func (m *Manager) backout(xid []byte, c *batch.Context) error {
	if c == nil {
		dtx, err := m.store.FindTransaction(xid)
		if errors.Is(err, durable.ErrNotFound) {
			// Never prepared, or already resolved.
			return nil
		}
		if err != nil {
			return translateError(err)
		}
		if dtx.State() != durable.TxPrepared {
			return translateError(dtx.Backout(false))
		}
		if c, err = batch.Reconstruct(m.store, dtx); err != nil {
			return translateError(err)
		}
	}
	c.UpdateXIDToRolledback(xid)
	return translateError(c.ExecuteBatch())
}
