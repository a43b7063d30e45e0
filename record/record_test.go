package record

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/durable/memstore"
	"github.com/hupe1980/msgstore/testutil"
)

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New(durable.Config{})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// commit runs fn in a fresh one-phase transaction.
func commit(t *testing.T, s durable.Store, fn func(tx durable.Transaction) error) {
	t.Helper()
	tx := s.Begin()
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit(true))
}

func writeRoot(t *testing.T, s durable.Store) *Persistable {
	t.Helper()
	root := New(Fields{UniqueID: 1, Kind: KindRoot, Strategy: StoreAlways, LockID: NoLockID}, nil, nil)
	commit(t, s, func(tx durable.Transaction) error { return root.AddToStore(s, tx) })
	return root
}

func itemFields(id int64) Fields {
	return Fields{
		UniqueID:           id,
		ContainingStreamID: 1,
		LockID:             NoLockID,
		Sequence:           id * 10,
		Strategy:           StoreAlways,
		Priority:           4,
		PersistentSize:     128,
		Kind:               KindItem,
		ClassName:          "com.example.Message",
	}
}

func TestMetaData_RoundTrip(t *testing.T) {
	m := &MetaData{
		Fields: Fields{
			UniqueID:           42,
			ContainingStreamID: 7,
			LockID:             99,
			ReferredID:         11,
			Sequence:           1234,
			ExpiryTime:         1_700_000_000_000,
			Strategy:           StoreEventually,
			Priority:           9,
			PersistentSize:     4096,
			CanExpireSilently:  true,
			Kind:               KindItemReference,
			ClassName:          "ref",
			TransactionID:      []byte("xid-1"),
			LogicallyDeleted:   true,
			RedeliveredCount:   3,
			DeliveryDelayTime:  250,
			ContainsExpirables: true,
		},
		Payload:     durable.Token{Store: durable.Permanent, ID: 5},
		ItemList:    durable.Token{Store: durable.Permanent, ID: 6},
		StreamList:  durable.Token{Store: durable.Permanent, ID: 7},
		ItemEntry:   durable.Token{Store: durable.Permanent, ID: 8},
		StreamEntry: durable.NilToken,
	}

	got, err := DecodeMetaData(m.Encode())
	require.NoError(t, err)

	want := *m
	want.Version = CurrentMetaVersion
	assert.Equal(t, &want, got)
}

func TestDecodeMetaData_Versions(t *testing.T) {
	base := MetaData{Fields: Fields{
		UniqueID:          5,
		Kind:              KindItem,
		Strategy:          StoreAlways,
		LockID:            NoLockID,
		RedeliveredCount:  2,
		DeliveryDelayTime: 500,
	}}

	t.Run("v1 carries neither count nor delay", func(t *testing.T) {
		got, err := DecodeMetaData(base.EncodeVersion(MetaVersion1))
		require.NoError(t, err)
		assert.Equal(t, MetaVersion1, got.Version)
		assert.Zero(t, got.RedeliveredCount)
		assert.Zero(t, got.DeliveryDelayTime)
		assert.False(t, got.DeliveryDelaySuspect)
	})

	t.Run("v2 without trailing delay", func(t *testing.T) {
		got, err := DecodeMetaData(base.EncodeVersion(MetaVersion2))
		require.NoError(t, err)
		assert.Equal(t, int32(2), got.RedeliveredCount)
		assert.Zero(t, got.DeliveryDelayTime)
		assert.False(t, got.DeliveryDelaySuspect)
	})

	t.Run("v2 item with trailing delay is suspect", func(t *testing.T) {
		got, err := DecodeMetaData(base.encode(MetaVersion2, true))
		require.NoError(t, err)
		assert.Equal(t, int64(500), got.DeliveryDelayTime)
		assert.True(t, got.DeliveryDelaySuspect)
	})

	t.Run("v2 stream ignores trailing bytes", func(t *testing.T) {
		stream := base
		stream.Kind = KindItemStream
		got, err := DecodeMetaData(stream.encode(MetaVersion2, true))
		require.NoError(t, err)
		assert.Zero(t, got.DeliveryDelayTime)
		assert.False(t, got.DeliveryDelaySuspect)
	})

	t.Run("v3 delay is trusted", func(t *testing.T) {
		got, err := DecodeMetaData(base.Encode())
		require.NoError(t, err)
		assert.Equal(t, int64(500), got.DeliveryDelayTime)
		assert.False(t, got.DeliveryDelaySuspect)
	})

	t.Run("unknown version", func(t *testing.T) {
		b := base.Encode()
		b[1] = 9
		_, err := DecodeMetaData(b)
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("truncated", func(t *testing.T) {
		b := base.Encode()
		_, err := DecodeMetaData(b[:20])
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})
}

func TestPayload_Layouts(t *testing.T) {
	slices := testutil.NewRNG(3).Slices(4, 32)

	got, flat, err := DecodePayload(EncodePayload(slices))
	require.NoError(t, err)
	assert.False(t, flat)
	assert.Equal(t, slices, got)

	got, flat, err = DecodePayload(EncodeFlatPayload([]byte("legacy")))
	require.NoError(t, err)
	assert.True(t, flat)
	assert.Equal(t, [][]byte{[]byte("legacy")}, got)

	empty, _, err := DecodePayload(EncodePayload(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, _, err = DecodePayload([]byte{'X'})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestPersistable_AddAndReadBack(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	data := testutil.NewRNG(7).Slices(3, 64)
	link := testutil.NewLink(data...)
	f := itemFields(100)
	f.TransactionID = []byte("xid")
	item := New(f, root, link)
	commit(t, s, func(tx durable.Transaction) error { return item.AddToStore(s, tx) })

	entries, err := s.ListEntries(root.ItemList())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, item.MetaToken(), entries[0].Member)

	streams, err := s.ListEntries(root.StreamList())
	require.NoError(t, err)
	assert.Empty(t, streams)

	read, err := Read(s, item.MetaToken(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, item.Fields(), read.Fields())
	assert.Equal(t, item.PayloadToken(), read.PayloadToken())

	got, err := read.ReadData(s)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, read.HasLegacyPayload())

	t.Run("second add fails", func(t *testing.T) {
		tx := s.Begin()
		err := item.AddToStore(s, tx)
		assert.ErrorIs(t, err, ErrAlreadyStored)
		require.NoError(t, tx.Backout(false))
	})
}

func TestPersistable_StreamChildGoesIntoBothLists(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	stream := New(Fields{UniqueID: 2, Kind: KindItemStream, Strategy: StoreAlways, LockID: NoLockID}, root, nil)
	commit(t, s, func(tx durable.Transaction) error { return stream.AddToStore(s, tx) })

	require.False(t, stream.ItemList().IsZero())
	require.False(t, stream.StreamList().IsZero())

	items, err := s.ListEntries(root.ItemList())
	require.NoError(t, err)
	streams, err := s.ListEntries(root.StreamList())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, streams, 1)
	assert.Equal(t, stream.MetaToken(), items[0].Member)
	assert.Equal(t, stream.MetaToken(), streams[0].Member)

	// Lists survive a read back so children can be linked later.
	read, err := Read(s, stream.MetaToken(), root, nil)
	require.NoError(t, err)
	child := New(itemFields(3), read, testutil.NewLink([]byte("x")))
	commit(t, s, func(tx durable.Transaction) error { return child.AddToStore(s, tx) })

	children, err := s.ListEntries(stream.ItemList())
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestPersistable_ListInvariant(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	const n, m = 20, 7
	items := make([]*Persistable, n)
	commit(t, s, func(tx durable.Transaction) error {
		for i := range items {
			items[i] = New(itemFields(int64(100+i)), root, testutil.NewLink([]byte(fmt.Sprint(i))))
			if err := items[i].AddToStore(s, tx); err != nil {
				return err
			}
		}
		return nil
	})

	for _, idx := range testutil.NewRNG(11).Shuffle(n)[:m] {
		p := items[idx]
		commit(t, s, func(tx durable.Transaction) error { return p.RemoveFromStore(tx) })

		_, err := s.Read(p.MetaToken())
		assert.ErrorIs(t, err, durable.ErrNotFound)
		_, err = s.Read(p.PayloadToken())
		assert.ErrorIs(t, err, durable.ErrNotFound)
	}

	entries, err := s.ListEntries(root.ItemList())
	require.NoError(t, err)
	assert.Len(t, entries, n-m)
}

func TestPersistable_MaybeGoesToTemporaryStore(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	f := itemFields(50)
	f.Strategy = StoreMaybe
	item := New(f, root, testutil.NewLink([]byte("spill")))
	commit(t, s, func(tx durable.Transaction) error { return item.AddToStore(s, tx) })

	assert.Equal(t, durable.Temporary, item.MetaToken().Store)
	assert.Equal(t, durable.Temporary, item.PayloadToken().Store)

	entries, err := s.ListEntries(root.ItemList())
	require.NoError(t, err)
	assert.Empty(t, entries)

	commit(t, s, func(tx durable.Transaction) error { return item.RemoveFromStore(tx) })
	_, err = s.Read(item.MetaToken())
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestPersistable_ContainsExpirables(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	stream := New(Fields{UniqueID: 2, Kind: KindItemStream, Strategy: StoreAlways, LockID: NoLockID}, root, nil)
	commit(t, s, func(tx durable.Transaction) error { return stream.AddToStore(s, tx) })

	f := itemFields(3)
	f.ExpiryTime = 1_700_000_000_000
	item := New(f, stream, testutil.NewLink([]byte("x")))
	commit(t, s, func(tx durable.Transaction) error { return item.AddToStore(s, tx) })

	assert.True(t, stream.Fields().ContainsExpirables)

	read, err := Read(s, stream.MetaToken(), root, nil)
	require.NoError(t, err)
	assert.True(t, read.Fields().ContainsExpirables)
}

func TestPersistable_UpdateMetaDataOnly(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	item := New(itemFields(10), root, testutil.NewLink([]byte("a")))
	commit(t, s, func(tx durable.Transaction) error { return item.AddToStore(s, tx) })
	payload := item.PayloadToken()

	item.Update(func(f *Fields) {
		f.LockID = 77
		f.RedeliveredCount = 4
		f.Priority = 1 // not written by a metadata-only update
	})
	commit(t, s, func(tx durable.Transaction) error { return item.UpdateMetaDataOnly(tx) })

	read, err := Read(s, item.MetaToken(), root, nil)
	require.NoError(t, err)
	got := read.Fields()
	assert.Equal(t, int64(77), got.LockID)
	assert.Equal(t, int32(4), got.RedeliveredCount)
	assert.Equal(t, int32(4), got.Priority)
	assert.Equal(t, payload, read.PayloadToken())

	t.Run("not stored", func(t *testing.T) {
		fresh := New(itemFields(11), root, nil)
		tx := s.Begin()
		assert.ErrorIs(t, fresh.UpdateMetaDataOnly(tx), ErrNotStored)
		require.NoError(t, tx.Backout(false))
	})
}

func TestPersistable_UpdateDataAndSize(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	link := testutil.NewLink([]byte("a"))
	item := New(itemFields(10), root, link)
	commit(t, s, func(tx durable.Transaction) error { return item.AddToStore(s, tx) })
	payload := item.PayloadToken()

	link.SetData([]byte("bigger"), []byte("payload"))
	item.Update(func(f *Fields) { f.PersistentSize = 2048 })
	commit(t, s, func(tx durable.Transaction) error { return item.UpdateDataAndSize(s, tx) })

	assert.Equal(t, payload, item.PayloadToken())
	read, err := Read(s, item.MetaToken(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), read.Fields().PersistentSize)
	data, err := read.ReadData(s)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("bigger"), []byte("payload")}, data)
}

func TestPersistable_FlatPayloadUpgrade(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	item := New(itemFields(10), root, testutil.NewLink([]byte("old")))
	commit(t, s, func(tx durable.Transaction) error { return item.AddToStore(s, tx) })
	old := item.PayloadToken()

	// Rewrite the payload the way older stores laid it out.
	commit(t, s, func(tx durable.Transaction) error { return tx.Replace(old, EncodeFlatPayload([]byte("old"))) })

	link := testutil.NewLink([]byte("new"), []byte("data"))
	read, err := Read(s, item.MetaToken(), root, link)
	require.NoError(t, err)
	data, err := read.ReadData(s)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("old")}, data)
	require.True(t, read.HasLegacyPayload())

	commit(t, s, func(tx durable.Transaction) error { return read.UpdateDataOnly(s, tx) })

	assert.False(t, read.HasLegacyPayload())
	assert.NotEqual(t, old, read.PayloadToken())
	_, err = s.Read(old)
	assert.ErrorIs(t, err, durable.ErrNotFound)

	again, err := Read(s, read.MetaToken(), root, nil)
	require.NoError(t, err)
	assert.Equal(t, read.PayloadToken(), again.PayloadToken())
	data, err = again.ReadData(s)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("new"), []byte("data")}, data)
	assert.False(t, again.HasLegacyPayload())
}

func TestPersistable_RestoreStateAfterBackedOutUpgrade(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	item := New(itemFields(10), root, testutil.NewLink([]byte("old")))
	commit(t, s, func(tx durable.Transaction) error { return item.AddToStore(s, tx) })
	old := item.PayloadToken()
	commit(t, s, func(tx durable.Transaction) error { return tx.Replace(old, EncodeFlatPayload([]byte("old"))) })

	read, err := Read(s, item.MetaToken(), root, testutil.NewLink([]byte("new")))
	require.NoError(t, err)
	_, err = read.ReadData(s)
	require.NoError(t, err)
	require.True(t, read.HasLegacyPayload())

	saved := read.SaveState()
	tx := s.Begin()
	require.NoError(t, read.UpdateDataAndSize(s, tx))
	require.NotEqual(t, old, read.PayloadToken())
	require.NoError(t, tx.Backout(false))
	read.RestoreState(saved)

	assert.Equal(t, old, read.PayloadToken())
	assert.True(t, read.HasLegacyPayload())
	data, err := read.ReadData(s)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("old")}, data)

	// The upgrade can still be made afterwards.
	commit(t, s, func(tx durable.Transaction) error { return read.UpdateDataOnly(s, tx) })
	data, err = read.ReadData(s)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("new")}, data)
}

func TestPersistable_RestoreStateClearsExpirablesMark(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	stream := New(Fields{UniqueID: 2, Kind: KindItemStream, Strategy: StoreAlways, LockID: NoLockID}, root, nil)
	commit(t, s, func(tx durable.Transaction) error { return stream.AddToStore(s, tx) })

	saved := stream.SaveState()
	f := itemFields(3)
	f.ExpiryTime = 1_700_000_000_000
	item := New(f, stream, testutil.NewLink([]byte("x")))
	tx := s.Begin()
	require.NoError(t, item.AddToStore(s, tx))
	require.True(t, stream.Fields().ContainsExpirables)
	require.NoError(t, tx.Backout(false))
	stream.RestoreState(saved)
	item.Forget()

	assert.False(t, stream.Fields().ContainsExpirables)
	assert.False(t, stream.MetaData().ContainsExpirables)
}

func TestPersistable_OversizedFieldsAreRejected(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	t.Run("class name", func(t *testing.T) {
		f := itemFields(10)
		f.ClassName = strings.Repeat("c", MaxFieldLen+1)
		item := New(f, root, testutil.NewLink([]byte("x")))
		tx := s.Begin()
		assert.ErrorIs(t, item.AddToStore(s, tx), ErrFieldTooLong)
		require.NoError(t, tx.Backout(false))
		assert.True(t, item.MetaToken().IsZero())
	})

	t.Run("transaction id", func(t *testing.T) {
		item := New(itemFields(11), root, testutil.NewLink([]byte("x")))
		commit(t, s, func(tx durable.Transaction) error { return item.AddToStore(s, tx) })
		item.Update(func(f *Fields) { f.TransactionID = make([]byte, MaxFieldLen+1) })
		tx := s.Begin()
		assert.ErrorIs(t, item.UpdateDataAndSize(s, tx), ErrFieldTooLong)
		require.NoError(t, tx.Backout(false))
	})

	t.Run("longest accepted", func(t *testing.T) {
		f := itemFields(12)
		f.ClassName = strings.Repeat("c", MaxFieldLen)
		require.NoError(t, f.Validate())
		got, err := DecodeMetaData((&MetaData{Fields: f}).Encode())
		require.NoError(t, err)
		assert.Equal(t, f.ClassName, got.ClassName)
	})
}

func TestPersistable_SuspectDelayIsNotRewritten(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	m := &MetaData{Fields: itemFields(10)}
	m.DeliveryDelayTime = 12345
	payload, err := s.Allocate(durable.Permanent)
	require.NoError(t, err)
	meta, err := s.Allocate(durable.Permanent)
	require.NoError(t, err)
	m.Payload = payload
	commit(t, s, func(tx durable.Transaction) error {
		if err := tx.Add(payload, EncodePayload([][]byte{[]byte("p")})); err != nil {
			return err
		}
		return tx.Add(meta, m.encode(MetaVersion2, true))
	})

	read, err := Read(s, meta, root, nil)
	require.NoError(t, err)
	require.True(t, read.Fields().DeliveryDelaySuspect)

	read.Update(func(f *Fields) { f.RedeliveredCount = 1 })
	commit(t, s, func(tx durable.Transaction) error { return read.UpdateMetaDataOnly(tx) })

	again, err := Read(s, meta, root, nil)
	require.NoError(t, err)
	got := again.Fields()
	assert.Zero(t, got.DeliveryDelayTime)
	assert.False(t, got.DeliveryDelaySuspect)
	assert.Equal(t, int32(1), got.RedeliveredCount)
}

func TestPersistable_LinkErrorAbortsAdd(t *testing.T) {
	s := newStore(t)
	root := writeRoot(t, s)

	link := testutil.NewLink()
	link.SetErr(fmt.Errorf("cache evicted"))
	item := New(itemFields(10), root, link)

	tx := s.Begin()
	require.Error(t, item.AddToStore(s, tx))
	require.NoError(t, tx.Backout(false))
	assert.True(t, item.MetaToken().IsZero())
}

func TestPersistable_Stability(t *testing.T) {
	t.Run("completion signals stable", func(t *testing.T) {
		link := testutil.NewLink()
		p := New(itemFields(1), nil, link)
		p.OperationBegun()
		p.OperationBegun()
		assert.Equal(t, 2, p.OperationsOutstanding())

		p.OperationCompleted()
		assert.False(t, p.IsStable())
		assert.Equal(t, 0, link.StableCount())

		p.OperationCompleted()
		assert.True(t, p.IsStable())
		assert.Equal(t, 1, link.StableCount())
	})

	t.Run("cancel after completion signals stable", func(t *testing.T) {
		link := testutil.NewLink()
		p := New(itemFields(1), nil, link)
		p.OperationBegun()
		p.OperationBegun()
		p.OperationCompleted()
		p.OperationCancelled()
		assert.True(t, p.IsStable())
		assert.Equal(t, 1, link.StableCount())
	})

	t.Run("cancel alone is not stable", func(t *testing.T) {
		link := testutil.NewLink()
		p := New(itemFields(1), nil, link)
		p.OperationBegun()
		p.OperationCancelled()
		assert.False(t, p.IsStable())
		assert.Equal(t, 0, link.StableCount())
	})

	t.Run("unmatched completion panics", func(t *testing.T) {
		p := New(itemFields(1), nil, nil)
		assert.Panics(t, p.OperationCompleted)
	})

	t.Run("cancel below completed panics", func(t *testing.T) {
		p := New(itemFields(1), nil, nil)
		p.OperationBegun()
		p.OperationCompleted()
		assert.Panics(t, p.OperationCancelled)
	})
}
