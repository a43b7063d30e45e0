package cli

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/msgstore"
	"github.com/hupe1980/msgstore/archive"
	miniotarget "github.com/hupe1980/msgstore/archive/minio"
	s3target "github.com/hupe1980/msgstore/archive/s3"
	"github.com/hupe1980/msgstore/record"
	"github.com/hupe1980/msgstore/testutil"
)

const (
	engineA = "6f1d0a53-93c4-4a0e-9d0b-4a8f3e1f2c11"
	engineB = "0b7e2f6a-1c3d-4e5f-8a9b-0c1d2e3f4a5b"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--no-color"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func storeArgs(dir string) []string {
	return []string{"--engine-uuid", engineA, "--dir", dir}
}

func inspectJSON(t *testing.T, args ...string) InspectResult {
	t.Helper()
	out, err := run(t, append([]string{"inspect", "--format", "json"}, args...)...)
	require.NoError(t, err)
	var res InspectResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	return res
}

// prepareItem leaves one prepared transaction adding an item to a new
// stream and returns the stream id.
func prepareItem(t *testing.T, dir string, xid []byte) int64 {
	t.Helper()
	cfg := msgstore.DefaultConfig()
	cfg.EngineUUID = engineA
	cfg.LogDirectory = dir
	m, err := msgstore.New(cfg, msgstore.WithLogger(msgstore.NoopLogger()))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	root, err := m.ReadRootPersistable()
	require.NoError(t, err)
	stream := record.New(record.Fields{
		UniqueID:           500,
		ContainingStreamID: root.UniqueID(),
		Kind:               record.KindItemStream,
		Strategy:           record.StoreAlways,
		LockID:             record.NoLockID,
		ClassName:          "cli.Stream",
	}, root, nil)
	stream.OperationBegun()
	require.NoError(t, m.Commit(ctx, msgstore.Transaction{Operations: []record.Operation{{Type: record.OpAdd, Persistable: stream}}}, true))

	item := record.New(record.Fields{
		UniqueID:           501,
		ContainingStreamID: stream.UniqueID(),
		Kind:               record.KindItem,
		Strategy:           record.StoreAlways,
		LockID:             record.NoLockID,
		Sequence:           1,
		ClassName:          "cli.Item",
	}, stream, testutil.NewLink([]byte("payload")))
	item.OperationBegun()
	require.NoError(t, m.Prepare(ctx, msgstore.Transaction{XID: xid, Operations: []record.Operation{{Type: record.OpAdd, Persistable: item}}}))
	require.NoError(t, m.Stop())
	return stream.UniqueID()
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{{"inspect"}, {"indoubt"}, {"indoubt", "commit"}, {"indoubt", "rollback"}, {"backup"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"config", "engine-uuid", "dir", "backend", "takeover", "format", "verbose", "no-color"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "text", cmd.PersistentFlags().Lookup("format").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, append([]string{"inspect", "--format", "xml"}, storeArgs(t.TempDir())...)...)
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
}

func TestMissingEngineUUID(t *testing.T) {
	_, err := run(t, "inspect", "--dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
	assert.ErrorIs(t, err, msgstore.ErrInvalidConfig)
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, append([]string{"inspect"}, storeArgs(dir)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, engineA)
	assert.Contains(t, out, "in-doubt")
	assert.Contains(t, out, "backend      file")

	first := inspectJSON(t, storeArgs(dir)...)
	second := inspectJSON(t, storeArgs(dir)...)
	assert.Equal(t, engineA, first.Engine)
	assert.Equal(t, "file", first.Backend)
	assert.Zero(t, first.Indoubt)
	assert.Zero(t, first.Streams)
	assert.Equal(t, int64(msgstore.DefaultLogSize), first.LogSize)
	assert.Equal(t, int64(msgstore.DefaultStoreMaxSize), first.Permanent.Max)
	assert.NotEqual(t, first.Incarnation, second.Incarnation, "every start records a new incarnation")
}

func TestInspect_OtherEngine(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, append([]string{"inspect"}, storeArgs(dir)...)...)
	require.NoError(t, err)

	_, err = run(t, "inspect", "--engine-uuid", engineB, "--dir", dir)
	require.Error(t, err)
	assert.Equal(t, ExitOwnership, GetExitCode(err))
	assert.True(t, msgstore.IsGlobal(err))

	res := inspectJSON(t, "--engine-uuid", engineB, "--dir", dir, "--takeover")
	assert.Equal(t, engineB, res.Engine)

	_, err = run(t, append([]string{"inspect"}, storeArgs(dir)...)...)
	assert.Equal(t, ExitOwnership, GetExitCode(err), "the store now belongs to the new engine")
}

func TestInspect_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "msgstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  uuid: `+engineA+`
log:
  directory: `+dir+`
store:
  backend: sqlite
`), 0o600))

	res := inspectJSON(t, "--config", path)
	assert.Equal(t, "sqlite", res.Backend)
	assert.Equal(t, engineA, res.Engine)

	res = inspectJSON(t, "--config", path, "--backend", "file")
	assert.Equal(t, "file", res.Backend)

	_, err := run(t, "inspect", "--config", filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, ExitUsage, GetExitCode(err))
}

func TestIndoubt(t *testing.T) {
	for _, action := range []string{"commit", "rollback"} {
		t.Run(action, func(t *testing.T) {
			dir := t.TempDir()
			xid := []byte("xid-" + action)
			streamID := prepareItem(t, dir, xid)

			out, err := run(t, append([]string{"indoubt", "--format", "json"}, storeArgs(dir)...)...)
			require.NoError(t, err)
			var entries []IndoubtEntry
			require.NoError(t, json.Unmarshal([]byte(out), &entries))
			require.Len(t, entries, 1)
			assert.Equal(t, hex.EncodeToString(xid), entries[0].XID)
			assert.Equal(t, 1, entries[0].Entities)
			assert.Equal(t, []uint64{uint64(streamID)}, entries[0].Streams)

			res := inspectJSON(t, storeArgs(dir)...)
			assert.Equal(t, 1, res.Indoubt)

			out, err = run(t, append([]string{"indoubt", action, entries[0].XID}, storeArgs(dir)...)...)
			require.NoError(t, err)
			assert.Contains(t, out, action+" "+entries[0].XID)

			out, err = run(t, append([]string{"indoubt"}, storeArgs(dir)...)...)
			require.NoError(t, err)
			assert.Contains(t, out, "no in-doubt transactions")

			_, err = run(t, append([]string{"indoubt", action, entries[0].XID}, storeArgs(dir)...)...)
			require.Error(t, err, "a resolved transaction is no longer in doubt")
			assert.Equal(t, ExitFailure, GetExitCode(err))
		})
	}
}

func TestIndoubt_InvalidXID(t *testing.T) {
	_, err := run(t, append([]string{"indoubt", "commit", "not-hex"}, storeArgs(t.TempDir())...)...)
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	backups := t.TempDir()
	prepareItem(t, dir, []byte("xid-backup"))

	out, err := run(t, append([]string{"backup", "--target", backups, "--name", "snap.img"}, storeArgs(dir)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote snap.img")

	info, err := os.Stat(filepath.Join(backups, "snap.img"))
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	out, err = run(t, append([]string{"backup", "--target", "file://" + backups, "--format", "json"}, storeArgs(dir)...)...)
	require.NoError(t, err)
	var res BackupResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Regexp(t, `^msgstore-\d{8}T\d{6}Z\.img$`, res.Name)
	_, err = os.Stat(filepath.Join(backups, res.Name))
	require.NoError(t, err)
}

func TestBackup_RequiresTarget(t *testing.T) {
	_, err := run(t, append([]string{"backup"}, storeArgs(t.TempDir())...)...)
	require.Error(t, err)
}

func TestBackup_Unsupported(t *testing.T) {
	_, err := run(t, append([]string{"backup", "--target", "ftp://host/x"}, storeArgs(t.TempDir())...)...)
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
}

func TestParseTarget(t *testing.T) {
	ctx := context.Background()
	t.Setenv("AWS_REGION", "eu-central-1")
	t.Setenv("MINIO_ACCESS_KEY", "minio")
	t.Setenv("MINIO_SECRET_KEY", "minio123")

	tests := []struct {
		raw  string
		want any
	}{
		{raw: "/var/backups", want: &archive.DirTarget{}},
		{raw: "relative/backups", want: &archive.DirTarget{}},
		{raw: "file:///var/backups", want: &archive.DirTarget{}},
		{raw: "s3://bucket/msgstore", want: &s3target.Target{}},
		{raw: "minio://localhost:9000/bucket/msgstore", want: &miniotarget.Target{}},
		{raw: "minios://play.min.io/bucket", want: &miniotarget.Target{}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTarget(ctx, tt.raw)
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}

	for _, raw := range []string{"", "file://", "s3:///prefix", "minio://localhost:9000", "ftp://host/x"} {
		t.Run("invalid "+raw, func(t *testing.T) {
			_, err := ParseTarget(ctx, raw)
			assert.Error(t, err)
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitOwnership, GetExitCode(WrapExitError(ExitOwnership, "x", errors.New("y"))))
	assert.Equal(t, "x: y", WrapExitError(ExitFailure, "x", errors.New("y")).Error())
	assert.Equal(t, "x", NewExitError(ExitUsage, "x").Error())
}
