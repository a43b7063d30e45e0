package record

import (
	"errors"
	"fmt"

	"github.com/hupe1980/msgstore/durable"
)

var (
	// ErrNotStored is returned by updates and removal of an entity that was
	// never written.
	ErrNotStored = errors.New("record: entity has not been stored")
	// ErrAlreadyStored is returned by AddToStore for an entity that already
	// has a metadata record.
	ErrAlreadyStored = errors.New("record: entity already stored")
)

func (p *Persistable) payloadData() ([][]byte, error) {
	p.mu.Lock()
	link := p.link
	p.mu.Unlock()
	if link == nil {
		return nil, nil
	}
	return link.PersistentData()
}

// AddToStore writes the entity inside tx: a payload record, child lists for
// streams, a metadata record, and the entries in the parent's lists. MAYBE
// entities go to the temporary store and are not linked into their parent.
// Store errors are returned unchanged; the caller backs tx out.
func (p *Persistable) AddToStore(s durable.Store, tx durable.Transaction) error {
	p.mu.Lock()
	if !p.meta.IsZero() {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStored, p.meta)
	}
	if err := p.f.Validate(); err != nil {
		p.mu.Unlock()
		return err
	}
	store := p.storeID()
	lists := p.hasLists()
	linked := p.linked()
	isStream := p.f.Kind.IsStream()
	expiring := p.f.ExpiryTime > 0
	p.mu.Unlock()

	slices, err := p.payloadData()
	if err != nil {
		return err
	}
	payload, err := s.Allocate(store)
	if err != nil {
		return err
	}
	if err := tx.Add(payload, EncodePayload(slices)); err != nil {
		return err
	}

	var itemList, streamList durable.Token
	if lists {
		if itemList, err = tx.CreateList(durable.Permanent); err != nil {
			return err
		}
		if streamList, err = tx.CreateList(durable.Permanent); err != nil {
			return err
		}
	}

	meta, err := s.Allocate(store)
	if err != nil {
		return err
	}

	var itemEntry, streamEntry durable.Token
	if linked {
		parent := p.parent
		parentItems, parentStreams := parent.ItemList(), parent.StreamList()
		if itemEntry, err = tx.AddToList(parentItems, meta); err != nil {
			return err
		}
		if isStream {
			if streamEntry, err = tx.AddToList(parentStreams, meta); err != nil {
				return err
			}
		}
		if expiring {
			if err := parent.markContainsExpirables(tx); err != nil {
				return err
			}
		}
	}

	p.mu.Lock()
	p.meta = meta
	p.payload = payload
	p.flat = false
	p.itemList = itemList
	p.streamList = streamList
	p.itemEntry = itemEntry
	p.streamEntry = streamEntry
	m := p.metaLocked()
	p.written = m
	p.mu.Unlock()

	return tx.Add(meta, m.Encode())
}

// markContainsExpirables sets the flag on a stream that was written before.
func (p *Persistable) markContainsExpirables(tx durable.Transaction) error {
	p.mu.Lock()
	if p.f.ContainsExpirables || p.meta.IsZero() {
		p.mu.Unlock()
		return nil
	}
	p.f.ContainsExpirables = true
	m := p.baseLocked()
	m.ContainsExpirables = true
	tok := p.meta
	p.written = m
	p.mu.Unlock()

	return tx.Replace(tok, m.Encode())
}

// baseLocked returns a copy of the metadata as last written, for partial
// rewrites. A suspect delivery delay is not carried forward.
func (p *Persistable) baseLocked() *MetaData {
	if p.written == nil {
		return p.metaLocked()
	}
	m := *p.written
	if m.DeliveryDelaySuspect {
		m.DeliveryDelayTime = 0
		m.DeliveryDelaySuspect = false
	}
	m.Version = CurrentMetaVersion
	return &m
}

// UpdateDataOnly replaces the payload record with the cache's current
// data. A payload in the legacy flat layout is upgraded by writing a new
// sliced record and pointing the metadata at it.
func (p *Persistable) UpdateDataOnly(s durable.Store, tx durable.Transaction) error {
	p.mu.Lock()
	if p.meta.IsZero() {
		p.mu.Unlock()
		return ErrNotStored
	}
	payload := p.payload
	store := p.storeID()
	legacy := p.flat || (p.written != nil && p.written.Version < CurrentMetaVersion)
	p.mu.Unlock()

	slices, err := p.payloadData()
	if err != nil {
		return err
	}

	if legacy && !payload.IsZero() {
		if old, err := s.Read(payload); err == nil {
			_, flat, _ := DecodePayload(old)
			legacy = flat
		}
	}
	if !payload.IsZero() && !legacy {
		return tx.Replace(payload, EncodePayload(slices))
	}

	replacement, err := s.Allocate(store)
	if err != nil {
		return err
	}
	if err := tx.Add(replacement, EncodePayload(slices)); err != nil {
		return err
	}
	if !payload.IsZero() {
		if err := tx.Delete(payload); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.payload = replacement
	p.flat = false
	m := p.baseLocked()
	m.Payload = replacement
	tok := p.meta
	p.written = m
	p.mu.Unlock()

	return tx.Replace(tok, m.Encode())
}

// UpdateDataAndSize replaces the payload and rewrites the metadata from the
// current fields, which carries a changed persistent size.
func (p *Persistable) UpdateDataAndSize(s durable.Store, tx durable.Transaction) error {
	if err := p.Fields().Validate(); err != nil {
		return err
	}
	if err := p.UpdateDataOnly(s, tx); err != nil {
		return err
	}
	p.mu.Lock()
	m := p.metaLocked()
	tok := p.meta
	p.written = m
	p.mu.Unlock()
	return tx.Replace(tok, m.Encode())
}

// UpdateMetaDataOnly rewrites the lock id and redelivered count of the
// metadata record without touching the payload.
func (p *Persistable) UpdateMetaDataOnly(tx durable.Transaction) error {
	p.mu.Lock()
	if p.meta.IsZero() {
		p.mu.Unlock()
		return ErrNotStored
	}
	m := p.baseLocked()
	m.LockID = p.f.LockID
	m.RedeliveredCount = p.f.RedeliveredCount
	tok := p.meta
	p.mu.Unlock()

	if err := tx.Lock(tok); err != nil {
		return err
	}
	if err := tx.Replace(tok, m.Encode()); err != nil {
		return err
	}
	p.mu.Lock()
	p.written = m
	p.mu.Unlock()
	return nil
}

// RemoveFromStore deletes the entity's records inside tx: child lists,
// payload, the entries in the parent's lists and finally the metadata.
func (p *Persistable) RemoveFromStore(tx durable.Transaction) error {
	p.mu.Lock()
	if p.meta.IsZero() {
		p.mu.Unlock()
		return ErrNotStored
	}
	meta, payload := p.meta, p.payload
	itemList, streamList := p.itemList, p.streamList
	itemEntry, streamEntry := p.itemEntry, p.streamEntry
	lists, linked := p.hasLists(), p.linked()
	p.mu.Unlock()

	if lists {
		for _, l := range []durable.Token{itemList, streamList} {
			if l.IsZero() {
				continue
			}
			if err := tx.DeleteList(l); err != nil {
				return err
			}
		}
	}
	if !payload.IsZero() {
		if err := tx.Delete(payload); err != nil {
			return err
		}
	}
	if linked {
		for _, e := range []durable.Token{itemEntry, streamEntry} {
			if e.IsZero() {
				continue
			}
			if err := tx.RemoveFromList(e); err != nil {
				return err
			}
		}
	}
	return tx.Delete(meta)
}

// Read loads the entity whose metadata record is tok.
func Read(s durable.Store, tok durable.Token, parent *Persistable, link CacheLink) (*Persistable, error) {
	data, err := s.Read(tok)
	if err != nil {
		return nil, err
	}
	m, err := DecodeMetaData(data)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", tok, err)
	}
	return FromMetaData(tok, m, parent, link), nil
}

// ReadData loads the committed payload slices.
func (p *Persistable) ReadData(s durable.Store) ([][]byte, error) {
	tok := p.PayloadToken()
	if tok.IsZero() {
		return nil, nil
	}
	data, err := s.Read(tok)
	if err != nil {
		return nil, err
	}
	slices, flat, err := DecodePayload(data)
	if err != nil {
		return nil, fmt.Errorf("payload %s: %w", tok, err)
	}
	if flat {
		p.mu.Lock()
		p.flat = true
		p.mu.Unlock()
	}
	return slices, nil
}

// Forget clears the handles assigned by an AddToStore whose transaction was
// backed out, so the entity can be added again.
func (p *Persistable) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta = durable.NilToken
	p.payload = durable.NilToken
	p.itemList = durable.NilToken
	p.streamList = durable.NilToken
	p.itemEntry = durable.NilToken
	p.streamEntry = durable.NilToken
	p.written = nil
}
