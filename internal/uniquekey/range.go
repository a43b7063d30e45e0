package uniquekey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/msgstore/durable"
)

// FirstValue is the first key issued by a new generator.
const FirstValue int64 = 1

const (
	rangeMagic   = 'U'
	rangeVersion = 1
)

// ErrInvalidRange is returned for range records that do not decode.
var ErrInvalidRange = errors.New("uniquekey: invalid range record")

// rangeRecord is the durable ceiling of one generator.
type rangeRecord struct {
	name    string
	ceiling int64
}

func (r rangeRecord) encode() []byte {
	b := make([]byte, 0, 12+len(r.name))
	b = append(b, rangeMagic, rangeVersion)
	b = binary.LittleEndian.AppendUint64(b, uint64(r.ceiling))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(r.name)))
	return append(b, r.name...)
}

func decodeRange(b []byte) (rangeRecord, error) {
	if len(b) < 12 || b[0] != rangeMagic {
		return rangeRecord{}, fmt.Errorf("%w: bad header", ErrInvalidRange)
	}
	if b[1] != rangeVersion {
		return rangeRecord{}, fmt.Errorf("%w: version %d", ErrInvalidRange, b[1])
	}
	ceiling := int64(binary.LittleEndian.Uint64(b[2:10]))
	n := int(binary.LittleEndian.Uint16(b[10:12]))
	if len(b) != 12+n {
		return rangeRecord{}, fmt.Errorf("%w: name length %d", ErrInvalidRange, n)
	}
	return rangeRecord{name: string(b[12:]), ceiling: ceiling}, nil
}

type rangeEntry struct {
	tok     durable.Token
	ceiling int64
}

// RangeManager keeps the durable ceilings of all generators. Each ceiling
// is one record linked into the unique-key root list.
type RangeManager struct {
	store durable.Store
	list  durable.Token

	mu      sync.Mutex
	entries map[string]*rangeEntry
}

// NewRangeManager returns a manager over the ranges linked in list.
func NewRangeManager(store durable.Store, list durable.Token) *RangeManager {
	return &RangeManager{
		store:   store,
		list:    list,
		entries: make(map[string]*rangeEntry),
	}
}

// Load reads the committed range records.
func (m *RangeManager) Load() error {
	entries, err := m.store.ListEntries(m.list)
	if err != nil {
		return fmt.Errorf("uniquekey: list ranges: %w", err)
	}
	loaded := make(map[string]*rangeEntry, len(entries))
	for _, e := range entries {
		data, err := m.store.Read(e.Member)
		if err != nil {
			return fmt.Errorf("uniquekey: read range %s: %w", e.Member, err)
		}
		r, err := decodeRange(data)
		if err != nil {
			return fmt.Errorf("uniquekey: range %s: %w", e.Member, err)
		}
		loaded[r.name] = &rangeEntry{tok: e.Member, ceiling: r.ceiling}
	}

	m.mu.Lock()
	m.entries = loaded
	m.mu.Unlock()
	return nil
}

// UpdateEntry raises the ceiling of name by delta in its own transaction
// and returns the ceiling before the change. The caller owns the keys
// [previous, previous+delta). A generator seen for the first time starts
// at FirstValue.
func (m *RangeManager) UpdateEntry(name string, delta int64) (int64, error) {
	if delta <= 0 {
		return 0, fmt.Errorf("uniquekey: range size %d must be positive", delta)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := m.store.Begin()
	e, ok := m.entries[name]
	if !ok {
		tok, err := m.create(tx, name, FirstValue+delta)
		if err != nil {
			return 0, abort(tx, err)
		}
		if err := tx.Commit(true); err != nil {
			return 0, abort(tx, err)
		}
		m.entries[name] = &rangeEntry{tok: tok, ceiling: FirstValue + delta}
		return FirstValue, nil
	}

	next := rangeRecord{name: name, ceiling: e.ceiling + delta}
	if err := tx.Lock(e.tok); err != nil {
		return 0, abort(tx, err)
	}
	if err := tx.Replace(e.tok, next.encode()); err != nil {
		return 0, abort(tx, err)
	}
	if err := tx.Commit(true); err != nil {
		return 0, abort(tx, err)
	}
	prev := e.ceiling
	e.ceiling = next.ceiling
	return prev, nil
}

func (m *RangeManager) create(tx durable.Transaction, name string, ceiling int64) (durable.Token, error) {
	tok, err := m.store.Allocate(durable.Permanent)
	if err != nil {
		return durable.NilToken, err
	}
	if err := tx.Add(tok, rangeRecord{name: name, ceiling: ceiling}.encode()); err != nil {
		return durable.NilToken, err
	}
	if _, err := tx.AddToList(m.list, tok); err != nil {
		return durable.NilToken, err
	}
	return tok, nil
}

// Ceiling returns the durable ceiling of name.
func (m *RangeManager) Ceiling(name string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return 0, false
	}
	return e.ceiling, true
}

// Names returns the known generator names in sorted order.
func (m *RangeManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.entries))
	for n := range m.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func abort(tx durable.Transaction, err error) error {
	if st := tx.State(); st == durable.TxActive || st == durable.TxPrepared {
		if berr := tx.Backout(false); berr != nil {
			return errors.Join(err, berr)
		}
	}
	return err
}
