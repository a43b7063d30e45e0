package msgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/internal/uniquekey"
	"github.com/hupe1980/msgstore/record"
	"github.com/hupe1980/msgstore/spill"
)

// rootClassName is the class name recorded for the root stream.
const rootClassName = "msgstore.Root"

// Start opens the durable store, retrying transient failures for
// Config.RetryTimeLimit, then bootstraps or verifies the anchor, reconciles
// store sizes and verifies ownership. Only after all of that succeeds are
// the unique-key allocator and the spill dispatcher started and the manager
// made available.
//
// Start on a started manager is a no-op. After Stop it returns ErrStopped.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.RLock()
	available, stopped := m.available, m.stopped
	m.mu.RUnlock()
	if stopped {
		return ErrStopped
	}
	if available {
		return nil
	}

	began := time.Now()
	store, attempts, err := m.open(ctx)
	if err != nil {
		m.logger.LogStart(ctx, false, attempts, time.Since(began), err)
		return err
	}

	cold, err := m.bootstrap(ctx, store)
	if err == nil && m.stopRequested() {
		err = ErrStopped
		m.stopComponents()
	}
	if err != nil {
		_ = store.Close()
		m.logger.LogStart(ctx, cold, attempts, time.Since(began), err)
		return err
	}

	m.mu.Lock()
	m.available = true
	m.mu.Unlock()
	m.logger.LogStart(ctx, cold, attempts, time.Since(began), nil)
	return nil
}

func (m *Manager) stopRequested() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// stopComponents undoes a bootstrap that is not going to be published.
func (m *Manager) stopComponents() {
	m.mu.Lock()
	disp, keys := m.spill, m.keys
	m.mu.Unlock()
	if disp != nil {
		_ = disp.Stop(spill.StopDiscard)
	}
	if keys != nil {
		keys.Stop()
	}
}

// open opens the durable store. Transient failures are retried until the
// time limit is used up, which is severe; any other failure is severe at
// once. A Stop wakes the wait between attempts.
func (m *Manager) open(ctx context.Context) (durable.Store, int, error) {
	dcfg := m.cfg.durableConfig()
	dcfg.Logger = m.logger.Logger
	deadline := time.Now().Add(m.cfg.RetryTimeLimit)

	for attempt := 1; ; attempt++ {
		if m.stopRequested() {
			return nil, attempt - 1, ErrStopped
		}
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}

		store, err := m.opener.Open(ctx, dcfg)
		m.metrics.RecordStartAttempt(err)
		if err == nil {
			return store, attempt, nil
		}
		if !durable.IsTransient(err) {
			return nil, attempt, &SevereError{Op: "open", cause: err}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, attempt, &SevereError{
				Op:    "open",
				cause: fmt.Errorf("retry time limit %s exhausted after %d attempts: %w", m.cfg.RetryTimeLimit, attempt, err),
			}
		}

		wait := min(m.cfg.RetryWaitInterval, remaining)
		m.logger.LogRetry(ctx, attempt, wait, err)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-m.stopCh:
			t.Stop()
			return nil, attempt, ErrStopped
		case <-ctx.Done():
			t.Stop()
			return nil, attempt, ctx.Err()
		}
	}
}

// bootstrap brings an opened store to the available state and reports
// whether it was a cold start.
func (m *Manager) bootstrap(ctx context.Context, store durable.Store) (bool, error) {
	a, root, cold, err := m.loadAnchor(ctx, store)
	if err != nil {
		return cold, err
	}
	if err := m.reconcileSizes(ctx, store); err != nil {
		return cold, err
	}
	if !cold {
		if err := m.verifyOwnership(ctx, store, a); err != nil {
			m.logger.LogOwnership(ctx, "", err)
			return cold, err
		}
	}

	keys := uniquekey.New(store, a.KeyList, uniquekey.Options{
		RangeSize: m.cfg.UniqueKeyRangeSize,
		Logger:    m.logger.Logger,
		OnExtend: func(_ string, synchronous bool) {
			m.metrics.RecordKeyRangeExtension(synchronous)
		},
	})
	if err := keys.Start(); err != nil {
		return cold, &SevereError{Op: "unique key allocator start", cause: err}
	}
	disp := m.newSpill(store)
	if err := disp.Start(ctx); err != nil {
		keys.Stop()
		return cold, &SevereError{Op: "spill dispatcher start", cause: err}
	}

	m.mu.Lock()
	m.store = store
	m.anchor = a
	m.root = root
	m.keys = keys
	m.spill = disp
	m.mu.Unlock()
	return cold, nil
}

// loadAnchor locates the anchor of a warm store, renaming a legacy anchor
// root, or creates it on a cold start.
func (m *Manager) loadAnchor(ctx context.Context, store durable.Store) (anchor, *record.Persistable, bool, error) {
	tok, err := store.NamedRoot(AnchorName)
	if errors.Is(err, durable.ErrNotFound) {
		tok, err = m.renameLegacyAnchor(ctx, store)
	}
	if errors.Is(err, durable.ErrNotFound) || (err == nil && m.cfg.CleanStart) {
		a, root, err := m.createAnchor(ctx, store)
		return a, root, true, err
	}
	if err != nil {
		return anchor{}, nil, false, &SevereError{Op: "anchor lookup", cause: err}
	}

	data, err := store.Read(tok)
	if err != nil {
		return anchor{}, nil, false, &SevereError{Op: "anchor read", cause: err}
	}
	a, err := decodeAnchor(data)
	if err != nil {
		return anchor{}, nil, false, &SevereError{Op: "anchor decode", cause: err}
	}
	root, err := record.Read(store, a.Root, nil, nil)
	if err != nil {
		return anchor{}, nil, false, &SevereError{Op: "root stream read", cause: err}
	}
	return a, root, false, nil
}

// renameLegacyAnchor moves an anchor registered under the legacy root name
// to AnchorName. It returns durable.ErrNotFound if there is none.
func (m *Manager) renameLegacyAnchor(ctx context.Context, store durable.Store) (durable.Token, error) {
	tok, err := store.NamedRoot(LegacyAnchorName)
	if err != nil {
		return durable.NilToken, err
	}
	tx := store.Begin()
	if err := tx.RemoveNamedRoot(LegacyAnchorName); err != nil {
		_ = tx.Backout(false)
		return durable.NilToken, err
	}
	if err := tx.SetNamedRoot(AnchorName, tok); err != nil {
		_ = tx.Backout(false)
		return durable.NilToken, err
	}
	if err := tx.Commit(true); err != nil {
		return durable.NilToken, err
	}
	m.logger.InfoContext(ctx, "renamed legacy anchor", "from", LegacyAnchorName, "to", AnchorName)
	return tok, nil
}

// createAnchor writes the root stream, the unique-key list, the ownership
// record and the anchor in one transaction.
func (m *Manager) createAnchor(ctx context.Context, store durable.Store) (anchor, *record.Persistable, error) {
	root := record.New(record.Fields{
		Kind:      record.KindRoot,
		Strategy:  record.StoreAlways,
		LockID:    record.NoLockID,
		ClassName: rootClassName,
	}, nil, nil)

	own := ownership{
		Schema:      SchemaVersion,
		Migration:   MigrationVersion,
		Engine:      m.engine,
		Incarnation: uuid.New(),
	}

	tx := store.Begin()
	fail := func(err error) (anchor, *record.Persistable, error) {
		_ = tx.Backout(false)
		return anchor{}, nil, &SevereError{Op: "anchor create", cause: translateError(err)}
	}
	if err := root.AddToStore(store, tx); err != nil {
		return fail(err)
	}
	keyList, err := tx.CreateList(durable.Permanent)
	if err != nil {
		return fail(err)
	}
	ownTok, err := store.Allocate(durable.Permanent)
	if err != nil {
		return fail(err)
	}
	if err := tx.Add(ownTok, own.encode()); err != nil {
		return fail(err)
	}
	a := anchor{Root: root.MetaToken(), KeyList: keyList, Ownership: ownTok}
	anchorTok, err := store.Allocate(durable.Permanent)
	if err != nil {
		return fail(err)
	}
	if err := tx.Add(anchorTok, a.encode()); err != nil {
		return fail(err)
	}
	if err := tx.SetNamedRoot(AnchorName, anchorTok); err != nil {
		return fail(err)
	}
	if err := tx.Commit(true); err != nil {
		return fail(err)
	}
	m.logger.LogOwnership(ctx, own.Incarnation.String(), nil)
	return a, root, nil
}
