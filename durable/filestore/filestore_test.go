package filestore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/durable/internal/table"
)

func testConfig(dir string) durable.Config {
	return durable.Config{
		LogDirectory: dir,
		LogFileName:  "test.log",
		LockTimeout:  50 * time.Millisecond,
	}
}

func openStore(t *testing.T, o Opener, cfg durable.Config) *Store {
	t.Helper()
	st, err := o.Open(context.Background(), cfg)
	require.NoError(t, err)
	return st.(*Store)
}

// crash abandons s without a checkpoint, like a killed process.
func crash(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.Table.Close())
	require.NoError(t, s.journal.wal.Close())
	require.NoError(t, s.lock.Unlock())
}

func add(t *testing.T, s *Store, store durable.StoreID, data string) durable.Token {
	t.Helper()
	tok, err := s.Allocate(store)
	require.NoError(t, err)
	tx := s.Begin()
	require.NoError(t, tx.Add(tok, []byte(data)))
	require.NoError(t, tx.Commit(true))
	return tok
}

func read(t *testing.T, s *Store, tok durable.Token) string {
	t.Helper()
	data, err := s.Read(tok)
	require.NoError(t, err)
	return string(data)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s := openStore(t, Opener{}, cfg)

	rec := add(t, s, durable.Permanent, "record")
	tx := s.Begin()
	list, err := tx.CreateList(durable.Permanent)
	require.NoError(t, err)
	entry, err := tx.AddToList(list, rec)
	require.NoError(t, err)
	require.NoError(t, tx.SetNamedRoot("root", rec))
	require.NoError(t, tx.Commit(true))
	tmp := add(t, s, durable.Temporary, "scratch")

	for _, name := range []string{"Close", "Crash"} {
		t.Run(name, func(t *testing.T) {
			if name == "Close" {
				require.NoError(t, s.Close())
			} else {
				crash(t, s)
			}
			s = openStore(t, Opener{}, cfg)

			assert.Equal(t, "record", read(t, s, rec))
			entries, err := s.ListEntries(list)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, entry, entries[0].Entry)
			assert.Equal(t, rec, entries[0].Member)
			root, err := s.NamedRoot("root")
			require.NoError(t, err)
			assert.Equal(t, rec, root)

			_, err = s.Read(tmp)
			assert.ErrorIs(t, err, durable.ErrNotFound)

			next, err := s.Allocate(durable.Permanent)
			require.NoError(t, err)
			assert.Greater(t, next.ID, entry.ID)
		})
	}
	require.NoError(t, s.Close())
}

func TestPreparedSurvivesCrash(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s := openStore(t, Opener{}, cfg)

	rec := add(t, s, durable.Permanent, "v1")

	tx := s.Begin()
	require.NoError(t, tx.SetXID([]byte("xid-1")))
	require.NoError(t, tx.Replace(rec, []byte("v2")))
	require.NoError(t, tx.Prepare())

	crash(t, s)
	s = openStore(t, Opener{}, cfg)
	defer s.Close()

	prepared, err := s.PreparedTransactions()
	require.NoError(t, err)
	require.Len(t, prepared, 1)
	assert.Equal(t, []byte("xid-1"), prepared[0].XID())
	assert.Equal(t, "v1", read(t, s, rec))

	other := s.Begin()
	assert.ErrorIs(t, other.Replace(rec, []byte("conflict")), durable.ErrLockTimeout)
	require.NoError(t, other.Backout(false))

	found, err := s.FindTransaction([]byte("xid-1"))
	require.NoError(t, err)
	require.NoError(t, found.Commit(false))
	assert.Equal(t, "v2", read(t, s, rec))

	crash(t, s)
	s = openStore(t, Opener{}, cfg)
	assert.Equal(t, "v2", read(t, s, rec))
	prepared, err = s.PreparedTransactions()
	require.NoError(t, err)
	assert.Empty(t, prepared)
}

func TestBackoutOfPreparedSurvivesCrash(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s := openStore(t, Opener{}, cfg)

	rec := add(t, s, durable.Permanent, "v1")
	tx := s.Begin()
	require.NoError(t, tx.SetXID([]byte("xid")))
	require.NoError(t, tx.Delete(rec))
	require.NoError(t, tx.Prepare())
	require.NoError(t, tx.Backout(false))

	crash(t, s)
	s = openStore(t, Opener{}, cfg)
	defer s.Close()

	assert.Equal(t, "v1", read(t, s, rec))
	_, err := s.FindTransaction([]byte("xid"))
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestLogFullCheckpoints(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s := openStore(t, Opener{}, cfg)

	sizes := s.Sizes()
	sizes.LogSize = 4096
	require.NoError(t, s.SetSizes(sizes))
	base := s.Checkpoints()

	prepared := s.Begin()
	pendingTok, err := s.Allocate(durable.Permanent)
	require.NoError(t, err)
	require.NoError(t, prepared.SetXID([]byte("pending")))
	require.NoError(t, prepared.Add(pendingTok, []byte("pending")))
	require.NoError(t, prepared.Prepare())

	payload := string(bytes.Repeat([]byte("m"), 1000))
	var toks []durable.Token
	for i := 0; i < 20; i++ {
		toks = append(toks, add(t, s, durable.Permanent, payload))
	}
	assert.Greater(t, s.Checkpoints(), base)
	assert.LessOrEqual(t, s.Sizes().LogUsed, int64(4096))

	crash(t, s)
	s = openStore(t, Opener{}, cfg)
	defer s.Close()

	for _, tok := range toks {
		assert.Equal(t, payload, read(t, s, tok))
	}
	assert.Equal(t, int64(4096), s.Sizes().LogSize)
	found, err := s.FindTransaction([]byte("pending"))
	require.NoError(t, err)
	require.NoError(t, found.Commit(false))
	assert.Equal(t, "pending", read(t, s, pendingTok))
}

func TestLogFull(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, Opener{}, testConfig(dir))
	defer s.Close()

	require.NoError(t, s.SetSizes(durable.Sizes{LogSize: 512}))

	tok, err := s.Allocate(durable.Permanent)
	require.NoError(t, err)
	tx := s.Begin()
	require.NoError(t, tx.Add(tok, bytes.Repeat([]byte("x"), 2048)))
	assert.ErrorIs(t, tx.Commit(true), durable.ErrLogFull)
	require.NoError(t, tx.Backout(false))

	_, err = s.Read(tok)
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestSizesPersisted(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s := openStore(t, Opener{}, cfg)

	want := durable.Sizes{
		LogSize:   1 << 20,
		Permanent: durable.StoreSize{Min: 1 << 20, Max: 1 << 24},
		Temporary: durable.StoreSize{Min: 1 << 20, Unlimited: true},
	}
	require.NoError(t, s.SetSizes(want))
	crash(t, s)

	s = openStore(t, Opener{}, cfg)
	defer s.Close()
	got := s.Sizes()
	assert.Equal(t, want.LogSize, got.LogSize)
	assert.Equal(t, want.Permanent, got.Permanent)
	assert.Equal(t, want.Temporary, got.Temporary)
}

func TestStoreInUse(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s := openStore(t, Opener{}, cfg)

	_, err := Opener{}.Open(context.Background(), cfg)
	assert.ErrorIs(t, err, durable.ErrStoreInUse)
	assert.True(t, durable.IsTransient(err))

	require.NoError(t, s.Close())
	s = openStore(t, Opener{}, cfg)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), durable.ErrClosed)
}

func TestLegacyFileNames(t *testing.T) {
	dir := t.TempDir()
	legacy := durable.Config{
		LogDirectory:      dir,
		LogFileName:       LegacyLogFileName,
		PermanentFileName: LegacyPermanentFileName,
	}
	s := openStore(t, Opener{}, legacy)
	tok := add(t, s, durable.Permanent, "old")
	require.NoError(t, s.Close())

	s = openStore(t, Opener{}, testConfig(dir))
	defer s.Close()
	assert.Equal(t, "old", read(t, s, tok))

	_, err := os.Stat(filepath.Join(dir, LegacyLogFileName))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, LegacyPermanentFileName))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, DefaultPermanentFileName))
	assert.NoError(t, err)
}

func TestCompression(t *testing.T) {
	for _, codec := range []string{"none", "lz4", "zstd"} {
		t.Run(codec, func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig(dir)
			o := Opener{Compression: codec}
			s := openStore(t, o, cfg)

			payload := string(bytes.Repeat([]byte("compressible "), 200))
			tok := add(t, s, durable.Permanent, payload)
			crash(t, s)

			s = openStore(t, o, cfg)
			defer s.Close()
			assert.Equal(t, payload, read(t, s, tok))
		})
	}

	_, err := Opener{Compression: "snappy"}.Open(context.Background(), testConfig(t.TempDir()))
	assert.Error(t, err)
}

func TestTornLogTail(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s := openStore(t, Opener{}, cfg)
	tok := add(t, s, durable.Permanent, "durable")
	crash(t, s)

	f, err := os.OpenFile(filepath.Join(dir, "test.log"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, Opener{}, cfg)
	assert.Equal(t, "durable", read(t, s, tok))
	next := add(t, s, durable.Permanent, "after")
	crash(t, s)

	s = openStore(t, Opener{}, cfg)
	defer s.Close()
	assert.Equal(t, "durable", read(t, s, tok))
	assert.Equal(t, "after", read(t, s, next))
}

func TestCleanStart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	s := openStore(t, Opener{}, cfg)
	tok := add(t, s, durable.Permanent, "gone")
	require.NoError(t, s.Close())

	cfg.CleanStart = true
	s = openStore(t, Opener{}, cfg)
	defer s.Close()
	_, err := s.Read(tok)
	assert.ErrorIs(t, err, durable.ErrNotFound)
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, Opener{}, testConfig(dir))
	defer s.Close()
	tok := add(t, s, durable.Permanent, "exported")

	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf))

	restored := table.New(table.Options{})
	require.NoError(t, restored.LoadImage(&buf))
	data, err := restored.Read(tok)
	require.NoError(t, err)
	assert.Equal(t, "exported", string(data))
}

func TestOpenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Opener{}.Open(ctx, testConfig(t.TempDir()))
	assert.ErrorIs(t, err, context.Canceled)
}
