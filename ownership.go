package msgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hupe1980/msgstore/durable"
)

// verifyOwnership checks that the store belongs to this engine and records
// a fresh incarnation. A different engine or schema is a global error; a
// missing record is local.
func (m *Manager) verifyOwnership(ctx context.Context, store durable.Store, a anchor) error {
	data, err := store.Read(a.Ownership)
	if errors.Is(err, durable.ErrNotFound) {
		return &OwnershipError{cause: fmt.Errorf("ownership record missing: %w", err)}
	}
	if err != nil {
		return &SevereError{Op: "ownership read", cause: err}
	}
	own, err := decodeOwnership(data)
	if err != nil {
		return &SevereError{Op: "ownership decode", cause: err}
	}

	if own.Schema != SchemaVersion {
		return &OwnershipError{
			Global:   true,
			Expected: fmt.Sprintf("schema %d", SchemaVersion),
			Found:    fmt.Sprintf("schema %d", own.Schema),
		}
	}
	if own.Engine != m.engine {
		if !m.cfg.DisableOwnershipCheck {
			return &OwnershipError{
				Global:   true,
				Expected: m.engine.String(),
				Found:    own.Engine.String(),
			}
		}
		m.logger.WarnContext(ctx, "taking over store of another engine",
			"previous_engine", own.Engine.String())
	}

	previous := own.Incarnation
	own.Engine = m.engine
	own.Migration = MigrationVersion
	own.Incarnation = uuid.New()

	tx := store.Begin()
	if err := tx.Replace(a.Ownership, own.encode()); err != nil {
		_ = tx.Backout(false)
		return &SevereError{Op: "ownership update", cause: translateError(err)}
	}
	if err := tx.Commit(true); err != nil {
		return &SevereError{Op: "ownership update", cause: translateError(err)}
	}
	m.logger.DebugContext(ctx, "incarnation refreshed", "previous", previous.String())
	m.logger.LogOwnership(ctx, own.Incarnation.String(), nil)
	return nil
}

// Incarnation returns the incarnation recorded by the last start.
func (m *Manager) Incarnation() (uuid.UUID, error) {
	if err := m.acquire(); err != nil {
		return uuid.Nil, err
	}
	defer m.mu.RUnlock()
	data, err := m.store.Read(m.anchor.Ownership)
	if err != nil {
		return uuid.Nil, translateError(err)
	}
	own, err := decodeOwnership(data)
	if err != nil {
		return uuid.Nil, err
	}
	return own.Incarnation, nil
}
