package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/msgstore/internal/fs"
)

func TestCleanName(t *testing.T) {
	valid := map[string]string{
		"backup.img":        "backup.img",
		"/backup.img":       "backup.img",
		"daily/backup.img":  "daily/backup.img",
		"daily//backup.img": "",
	}
	for in, want := range valid {
		got, err := CleanName(in)
		if want == "" {
			assert.ErrorIs(t, err, ErrInvalidName, in)
			continue
		}
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", ".", "..", "../escape", "a/../../b", `a\b`, "dir/"} {
		_, err := CleanName(in)
		assert.ErrorIs(t, err, ErrInvalidName, in)
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "img", Key("", "img"))
	assert.Equal(t, "backups/img", Key("backups", "img"))
	assert.Equal(t, "backups/img", Key("backups/", "img"))
}

func TestDirTarget_Put(t *testing.T) {
	dir := t.TempDir()
	target := NewDirTarget(dir)

	require.NoError(t, target.Put(context.Background(), "daily/one.img", strings.NewReader("first")))
	data, err := os.ReadFile(filepath.Join(dir, "daily", "one.img"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	t.Run("Replace", func(t *testing.T) {
		require.NoError(t, target.Put(context.Background(), "daily/one.img", strings.NewReader("second")))
		data, err := os.ReadFile(filepath.Join(dir, "daily", "one.img"))
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))
	})

	t.Run("InvalidName", func(t *testing.T) {
		err := target.Put(context.Background(), "../outside.img", strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidName)
	})

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := target.Put(ctx, "cancelled.img", strings.NewReader("x"))
		assert.ErrorIs(t, err, context.Canceled)
		_, statErr := os.Stat(filepath.Join(dir, "cancelled.img"))
		assert.True(t, os.IsNotExist(statErr))
		_, statErr = os.Stat(filepath.Join(dir, "cancelled.img.tmp"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestDirTarget_SyncFailureKeepsOldImage(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(nil)
	target := NewDirTargetFS(dir, faulty)

	require.NoError(t, target.Put(context.Background(), "one.img", strings.NewReader("good")))

	injected := errors.New("disk gone")
	faulty.FailSync("one.img.tmp", injected)
	err := target.Put(context.Background(), "one.img", strings.NewReader("bad"))
	assert.ErrorIs(t, err, injected)

	data, err := os.ReadFile(filepath.Join(dir, "one.img"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))
}

func TestTargetFunc(t *testing.T) {
	var got string
	target := TargetFunc(func(_ context.Context, name string, _ io.Reader) error {
		got = name
		return nil
	})
	require.NoError(t, target.Put(context.Background(), "x", strings.NewReader("")))
	assert.Equal(t, "x", got)
}
