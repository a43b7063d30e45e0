package record

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/hupe1980/msgstore/durable"
)

// Persistable is the runtime handle of one durable entity. It is shared by
// engine goroutines and the spill worker, so every field is guarded by mu.
type Persistable struct {
	mu sync.Mutex

	parent *Persistable
	link   CacheLink
	f      Fields

	meta        durable.Token
	payload     durable.Token
	itemList    durable.Token
	streamList  durable.Token
	itemEntry   durable.Token
	streamEntry durable.Token
	flat        bool

	// written is the metadata as last written or read, for updates that
	// change only some fields.
	written *MetaData

	begun     int
	completed int
}

// New returns a Persistable that has not been written yet. parent is nil
// only for the root stream.
func New(f Fields, parent *Persistable, link CacheLink) *Persistable {
	f.TransactionID = bytes.Clone(f.TransactionID)
	return &Persistable{f: f, parent: parent, link: link}
}

// Fields returns a copy of the scalar attributes.
func (p *Persistable) Fields() Fields {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.f
	f.TransactionID = bytes.Clone(f.TransactionID)
	return f
}

// Update changes scalar attributes under the lock.
func (p *Persistable) Update(fn func(*Fields)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.f)
}

// UniqueID returns the entity's unique id.
func (p *Persistable) UniqueID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.UniqueID
}

// Kind returns the entity kind.
func (p *Persistable) Kind() EntityKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Kind
}

// Strategy returns the storage strategy.
func (p *Persistable) Strategy() StorageStrategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Strategy
}

// Parent returns the containing stream, or nil for the root.
func (p *Persistable) Parent() *Persistable { return p.parent }

// SetLink attaches the cache entry that supplies payload data.
func (p *Persistable) SetLink(link CacheLink) {
	p.mu.Lock()
	p.link = link
	p.mu.Unlock()
}

// MetaToken returns the handle of the metadata record, or the nil token
// before the entity was first written.
func (p *Persistable) MetaToken() durable.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta
}

// PayloadToken returns the handle of the payload record.
func (p *Persistable) PayloadToken() durable.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.payload
}

// ItemList returns the list of contained entities of a stream.
func (p *Persistable) ItemList() durable.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.itemList
}

// StreamList returns the list of contained streams of a stream.
func (p *Persistable) StreamList() durable.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamList
}

// HasLegacyPayload reports whether the payload was read in the flat layout
// and has not been rewritten since.
func (p *Persistable) HasLegacyPayload() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flat
}

// storeID is the object store the entity lives in. Callers hold mu.
func (p *Persistable) storeID() durable.StoreID {
	if p.f.Strategy == StoreMaybe {
		return durable.Temporary
	}
	return durable.Permanent
}

// linked reports whether the entity takes part in parent list upkeep.
// Callers hold mu.
func (p *Persistable) linked() bool {
	return p.parent != nil && p.f.Strategy != StoreMaybe
}

// hasLists reports whether the entity owns item and stream lists. Callers
// hold mu.
func (p *Persistable) hasLists() bool {
	return p.f.Kind.IsStream() && p.f.Strategy != StoreMaybe
}

// metaLocked builds the metadata record from the current state.
func (p *Persistable) metaLocked() *MetaData {
	m := &MetaData{
		Fields:      p.f,
		Payload:     p.payload,
		ItemList:    p.itemList,
		StreamList:  p.streamList,
		ItemEntry:   p.itemEntry,
		StreamEntry: p.streamEntry,
		Version:     CurrentMetaVersion,
	}
	m.TransactionID = bytes.Clone(p.f.TransactionID)
	if m.DeliveryDelaySuspect {
		m.DeliveryDelayTime = 0
		m.DeliveryDelaySuspect = false
	}
	return m
}

// MetaData returns the metadata record as it would be written now.
func (p *Persistable) MetaData() *MetaData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metaLocked()
}

// State is the part of a Persistable that writes change before their
// transaction ends: the payload handle, the last written metadata and the
// expirables mark.
type State struct {
	payload            durable.Token
	flat               bool
	written            *MetaData
	containsExpirables bool
}

// SaveState captures the state a backout must reinstate.
func (p *Persistable) SaveState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		payload:            p.payload,
		flat:               p.flat,
		written:            p.written,
		containsExpirables: p.f.ContainsExpirables,
	}
}

// RestoreState reinstates s after the transaction that changed p was
// backed out. Handles assigned by AddToStore are cleared with Forget.
func (p *Persistable) RestoreState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payload = s.payload
	p.flat = s.flat
	p.written = s.written
	p.f.ContainsExpirables = s.containsExpirables
}

// FromMetaData rebuilds a Persistable read back from the store.
func FromMetaData(tok durable.Token, m *MetaData, parent *Persistable, link CacheLink) *Persistable {
	p := New(m.Fields, parent, link)
	p.meta = tok
	p.payload = m.Payload
	p.itemList = m.ItemList
	p.streamList = m.StreamList
	p.itemEntry = m.ItemEntry
	p.streamEntry = m.StreamEntry
	written := *m
	p.written = &written
	return p
}

func (p *Persistable) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s(id=%d, %s, meta=%s)", p.f.Kind, p.f.UniqueID, p.f.Strategy, p.meta)
}
