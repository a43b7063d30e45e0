package table

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"github.com/hupe1980/msgstore/durable"
)

const (
	imageMagic   = 0x4D53494D // "MSIM"
	imageVersion = 1
	imageHeader  = 16
)

// WriteImage writes the committed permanent-store content of t.
//
// Format:
//
//	Magic (4) Version (4) Checksum (4) PayloadLength (4)
//	Payload:
//	  NextID (8)
//	  NumRecords (4) { ID (8) Len (4) Data }
//	  NumLists (4) { ID (8) NumEntries (4) { EntryID (8) Member (9) } }
//	  NumRoots (4) { NameLen (2) Name Token (9) }
func (t *Table) WriteImage(w io.Writer) error {
	t.mu.Lock()
	payload := t.imagePayloadLocked()
	t.mu.Unlock()
	return writeFramed(w, payload)
}

// WriteImageLocked is WriteImage for callers that already hold the table
// lock: Journal callbacks and functions run by Exclusive.
func (t *Table) WriteImageLocked(w io.Writer) error {
	return writeFramed(w, t.imagePayloadLocked())
}

// Exclusive runs fn with the table lock held, so no transaction changes
// state while it runs.
func (t *Table) Exclusive(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return durable.ErrClosed
	}
	return fn()
}

func (t *Table) imagePayloadLocked() []byte {
	b := binary.LittleEndian.AppendUint64(nil, t.next[durable.Permanent])

	recs := make([]durable.Token, 0, len(t.records))
	for tok := range t.records {
		if tok.Store == durable.Permanent {
			recs = append(recs, tok)
		}
	}
	sortTokens(recs)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(recs)))
	for _, tok := range recs {
		data := t.records[tok]
		b = binary.LittleEndian.AppendUint64(b, tok.ID)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
		b = append(b, data...)
	}

	lists := make([]durable.Token, 0, len(t.lists))
	for tok := range t.lists {
		if tok.Store == durable.Permanent {
			lists = append(lists, tok)
		}
	}
	sortTokens(lists)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(lists)))
	for _, tok := range lists {
		ls := t.lists[tok]
		b = binary.LittleEndian.AppendUint64(b, tok.ID)
		b = binary.LittleEndian.AppendUint32(b, uint32(ls.order.Len()))
		for e := ls.order.Front(); e != nil; e = e.Next() {
			le := e.Value.(durable.ListEntry)
			b = binary.LittleEndian.AppendUint64(b, le.Entry.ID)
			b = le.Member.AppendBinary(b)
		}
	}

	names := make([]string, 0, len(t.roots))
	for name, tok := range t.roots {
		if tok.Store != durable.Temporary {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(names)))
	for _, name := range names {
		b = binary.LittleEndian.AppendUint16(b, uint16(len(name)))
		b = append(b, name...)
		b = t.roots[name].AppendBinary(b)
	}
	return b
}

// LoadImage replaces the permanent-store content of t with an image written
// by WriteImage. It must be called before any transaction is begun.
func (t *Table) LoadImage(r io.Reader) error {
	payload, err := readFramed(r)
	if err != nil {
		return err
	}
	d := decoder{b: payload}
	next := d.u64()

	t.mu.Lock()
	defer t.mu.Unlock()

	records := make(map[durable.Token][]byte)
	var used int64
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		tok := durable.Token{Store: durable.Permanent, ID: d.u64()}
		data := d.bytes(int(d.u32()))
		records[tok] = data
		used += int64(len(data))
	}
	lists := make(map[durable.Token]*listState)
	entries := make(map[durable.Token]durable.Token)
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		tok := durable.Token{Store: durable.Permanent, ID: d.u64()}
		ls := newListState()
		for m := d.u32(); m > 0 && d.err == nil; m-- {
			entry := durable.Token{Store: durable.Permanent, ID: d.u64()}
			member := d.token()
			ls.entries[entry] = ls.order.PushBack(durable.ListEntry{Entry: entry, Member: member})
			entries[entry] = tok
		}
		lists[tok] = ls
	}
	roots := make(map[string]durable.Token)
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		name := string(d.bytes(int(d.u16())))
		roots[name] = d.token()
	}
	if d.err != nil {
		return d.err
	}

	t.records = records
	t.lists = lists
	t.entries = entries
	t.roots = roots
	t.used[durable.Permanent] = used
	t.next[durable.Permanent] = next
	return nil
}

func sortTokens(toks []durable.Token) {
	sort.Slice(toks, func(i, j int) bool { return toks[i].ID < toks[j].ID })
}

func writeFramed(w io.Writer, payload []byte) error {
	header := make([]byte, imageHeader)
	binary.LittleEndian.PutUint32(header[0:4], imageMagic)
	binary.LittleEndian.PutUint32(header[4:8], imageVersion)
	binary.LittleEndian.PutUint32(header[8:12], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	header := make([]byte, imageHeader)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: image header: %v", durable.ErrCorrupt, err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != imageMagic {
		return nil, fmt.Errorf("%w: invalid image magic %x", durable.ErrCorrupt, magic)
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != imageVersion {
		return nil, fmt.Errorf("%w: unsupported image version %d", durable.ErrCorrupt, v)
	}
	checksum := binary.LittleEndian.Uint32(header[8:12])
	payload := make([]byte, binary.LittleEndian.Uint32(header[12:16]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: image payload: %v", durable.ErrCorrupt, err)
	}
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, fmt.Errorf("%w: image checksum mismatch", durable.ErrCorrupt)
	}
	return payload, nil
}
