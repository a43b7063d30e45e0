package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/msgstore/durable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func add(t *testing.T, s *Store, store durable.StoreID, data string) durable.Token {
	t.Helper()
	tok, err := s.Allocate(store)
	require.NoError(t, err)
	tx := s.Begin()
	require.NoError(t, tx.Add(tok, []byte(data)))
	require.NoError(t, tx.Commit(true))
	return tok
}

func TestCrash_KeepsCommittedAndPrepared(t *testing.T) {
	s := New(durable.Config{})
	perm := add(t, s, durable.Permanent, "keep")
	tmp := add(t, s, durable.Temporary, "drop")

	prepared := s.Begin()
	require.NoError(t, prepared.SetXID([]byte("xid")))
	require.NoError(t, prepared.Replace(perm, []byte("next")))
	require.NoError(t, prepared.Prepare())

	inflight, err := s.Allocate(durable.Permanent)
	require.NoError(t, err)
	active := s.Begin()
	require.NoError(t, active.Add(inflight, []byte("lost")))

	restarted, err := s.Crash()
	require.NoError(t, err)

	got, err := restarted.Read(perm)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
	_, err = restarted.Read(tmp)
	assert.ErrorIs(t, err, durable.ErrNotFound)
	_, err = restarted.Read(inflight)
	assert.ErrorIs(t, err, durable.ErrNotFound)

	tx, err := restarted.FindTransaction([]byte("xid"))
	require.NoError(t, err)
	require.Equal(t, durable.TxPrepared, tx.State())
	require.NoError(t, tx.Commit(false))

	got, err = restarted.Read(perm)
	require.NoError(t, err)
	assert.Equal(t, []byte("next"), got)

	again, err := restarted.Crash()
	require.NoError(t, err)
	_, err = again.FindTransaction([]byte("xid"))
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestOpener_ReopenAfterClose(t *testing.T) {
	o := &Opener{}
	ctx := context.Background()

	st, err := o.Open(ctx, durable.Config{})
	require.NoError(t, err)
	s := st.(*Store)
	tok := add(t, s, durable.Permanent, "v")
	require.NoError(t, st.Close())

	st2, err := o.Open(ctx, durable.Config{})
	require.NoError(t, err)
	got, err := st2.Read(tok)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	st3, err := o.Open(ctx, durable.Config{CleanStart: true})
	require.NoError(t, err)
	_, err = st3.Read(tok)
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestOpener_InjectedFailures(t *testing.T) {
	boom := durable.Transient("open", errors.New("busy"))
	o := &Opener{Fail: boom, FailCount: 2}

	for i := 0; i < 2; i++ {
		_, err := o.Open(context.Background(), durable.Config{})
		require.Error(t, err)
		assert.True(t, durable.IsTransient(err))
	}
	_, err := o.Open(context.Background(), durable.Config{})
	require.NoError(t, err)
	assert.Equal(t, 3, o.Opens)
}
