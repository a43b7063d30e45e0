package msgstore

import (
	"bytes"
	"errors"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/record"
)

// ReadRootPersistable returns the root stream.
func (m *Manager) ReadRootPersistable() (*record.Persistable, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	return m.root, nil
}

// ReadStreams returns the streams directly contained in parent.
func (m *Manager) ReadStreams(parent *record.Persistable) ([]*record.Persistable, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	return m.readList(parent, parent.StreamList(), nil)
}

// ReadItems returns the items and item references directly contained in
// stream.
func (m *Manager) ReadItems(stream *record.Persistable) ([]*record.Persistable, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	return m.readList(stream, stream.ItemList(), func(f record.Fields) bool {
		return f.Kind.IsItem()
	})
}

// ReadExpirables returns the items of stream whose expiry time has passed
// at now. Streams never marked as containing expirable children are not
// scanned.
func (m *Manager) ReadExpirables(stream *record.Persistable, now time.Time) ([]*record.Persistable, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	if !stream.Fields().ContainsExpirables {
		return nil, nil
	}
	cutoff := now.UnixMilli()
	return m.readList(stream, stream.ItemList(), func(f record.Fields) bool {
		return f.Kind.IsItem() && f.ExpiryTime > 0 && f.ExpiryTime <= cutoff
	})
}

func (m *Manager) readList(parent *record.Persistable, list durable.Token, keep func(record.Fields) bool) ([]*record.Persistable, error) {
	if list.IsZero() {
		return nil, nil
	}
	entries, err := m.store.ListEntries(list)
	if err != nil {
		return nil, translateError(err)
	}
	out := make([]*record.Persistable, 0, len(entries))
	for _, e := range entries {
		p, err := record.Read(m.store, e.Member, parent, nil)
		if err != nil {
			return nil, translateError(err)
		}
		if keep == nil || keep(p.Fields()) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ReadData returns the committed payload of p.
func (m *Manager) ReadData(p *record.Persistable) ([][]byte, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	data, err := p.ReadData(m.store)
	return data, translateError(err)
}

// ReadIndoubtXIDs returns the ids of the prepared transactions in the store,
// oldest first.
func (m *Manager) ReadIndoubtXIDs() ([][]byte, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	txs, err := m.store.PreparedTransactions()
	if err != nil {
		return nil, translateError(err)
	}
	out := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		out = append(out, bytes.Clone(tx.XID()))
	}
	return out, nil
}

// IdentifyStreamsWithIndoubtItems returns the ids of the streams that
// contain items touched by the given prepared transactions.
func (m *Manager) IdentifyStreamsWithIndoubtItems(xids [][]byte) (*roaring64.Bitmap, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	streams := roaring64.New()
	for _, xid := range xids {
		ps, err := m.indoubt(xid)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			f := p.Fields()
			if f.Kind.IsItem() {
				streams.Add(uint64(f.ContainingStreamID))
			}
		}
	}
	return streams, nil
}

// RecoverIndoubt returns the entities written by the prepared transaction
// xid, in the order they were first touched. Entities it deletes are
// returned with their last committed state and flagged LogicallyDeleted.
func (m *Manager) RecoverIndoubt(xid []byte) ([]*record.Persistable, error) {
	if err := m.acquire(); err != nil {
		return nil, err
	}
	defer m.mu.RUnlock()
	return m.indoubt(xid)
}

func (m *Manager) indoubt(xid []byte) ([]*record.Persistable, error) {
	tx, err := m.store.FindTransaction(xid)
	if err != nil {
		return nil, translateError(err)
	}
	if tx.State() != durable.TxPrepared {
		return nil, &SevereError{Op: "indoubt recovery", cause: errors.New("transaction is " + tx.State().String())}
	}

	var (
		order []durable.Token
		byTok = make(map[durable.Token]*record.Persistable)
	)
	for _, r := range tx.Records() {
		var deleted bool
		switch r.Op {
		case durable.OpAdd, durable.OpReplace:
		case durable.OpDelete:
			deleted = true
		default:
			continue
		}
		meta, err := record.DecodeMetaData(r.Data)
		if errors.Is(err, record.ErrInvalidRecord) {
			// Payloads, anchors and range records.
			continue
		}
		if err != nil {
			return nil, &SevereError{Op: "indoubt recovery", cause: err}
		}
		if deleted {
			meta.LogicallyDeleted = true
		}
		if _, seen := byTok[r.Token]; !seen {
			order = append(order, r.Token)
		}
		byTok[r.Token] = record.FromMetaData(r.Token, meta, nil, nil)
	}

	out := make([]*record.Persistable, 0, len(order))
	for _, tok := range order {
		out = append(out, byTok[tok])
	}
	return out, nil
}
