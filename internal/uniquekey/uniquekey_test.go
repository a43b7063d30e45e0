package uniquekey

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/msgstore/durable"
	"github.com/hupe1980/msgstore/durable/memstore"
)

func newStoreWithList(t *testing.T) (*memstore.Store, durable.Token) {
	t.Helper()
	s := memstore.New(durable.Config{})
	t.Cleanup(func() { _ = s.Close() })

	tx := s.Begin()
	list, err := tx.CreateList(durable.Permanent)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(true))
	return s, list
}

func startAllocator(t *testing.T, s durable.Store, list durable.Token, opts Options) *Allocator {
	t.Helper()
	a := New(s, list, opts)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)
	return a
}

func TestRangeRecordCodec(t *testing.T) {
	r := rangeRecord{name: "message-ids", ceiling: 123456}
	got, err := decodeRange(r.encode())
	require.NoError(t, err)
	assert.Equal(t, r, got)

	b := r.encode()
	b[0] = 'X'
	_, err = decodeRange(b)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = decodeRange(r.encode()[:14])
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestRangeManager_UpdateEntry(t *testing.T) {
	s, list := newStoreWithList(t)
	m := NewRangeManager(s, list)
	require.NoError(t, m.Load())

	prev, err := m.UpdateEntry("a", 10)
	require.NoError(t, err)
	assert.Equal(t, FirstValue, prev)

	prev, err = m.UpdateEntry("a", 10)
	require.NoError(t, err)
	assert.Equal(t, FirstValue+10, prev)

	prev, err = m.UpdateEntry("b", 5)
	require.NoError(t, err)
	assert.Equal(t, FirstValue, prev)

	ceiling, ok := m.Ceiling("a")
	require.True(t, ok)
	assert.Equal(t, FirstValue+20, ceiling)
	assert.Equal(t, []string{"a", "b"}, m.Names())

	// A second manager sees the committed ceilings.
	reloaded := NewRangeManager(s, list)
	require.NoError(t, reloaded.Load())
	ceiling, ok = reloaded.Ceiling("a")
	require.True(t, ok)
	assert.Equal(t, FirstValue+20, ceiling)

	entries, err := s.ListEntries(list)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = m.UpdateEntry("a", 0)
	assert.Error(t, err)
}

func TestGenerator_SequentialIsGapless(t *testing.T) {
	s, list := newStoreWithList(t)
	const r = 10
	a := startAllocator(t, s, list, Options{RangeSize: r})

	g, err := a.Generator("seq", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(r), g.RangeSize())

	for i := int64(0); i < 10*r; i++ {
		v, err := g.Next()
		require.NoError(t, err)
		require.Equal(t, FirstValue+i, v)
	}
}

func TestGenerator_ConcurrentKeysAreDistinct(t *testing.T) {
	s, list := newStoreWithList(t)
	a := startAllocator(t, s, list, Options{RangeSize: 50})

	g, err := a.Generator("conc", 0)
	require.NoError(t, err)

	const workers, perWorker = 8, 500
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := int64(-1)
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				v, err := g.Next()
				if !assert.NoError(t, err) {
					return
				}
				// Keys seen by one goroutine are increasing.
				assert.Greater(t, v, last)
				last = v
				local = append(local, v)
			}
			mu.Lock()
			for _, v := range local {
				seen[v] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestGenerator_ExtendsAheadInBackground(t *testing.T) {
	s, list := newStoreWithList(t)
	const r = 20

	var async, syncs atomic.Int64
	a := startAllocator(t, s, list, Options{
		RangeSize: r,
		OnExtend: func(_ string, synchronous bool) {
			if synchronous {
				syncs.Add(1)
			} else {
				async.Add(1)
			}
		},
	})
	g, err := a.Generator("ahead", 0)
	require.NoError(t, err)

	// The first key has no range yet.
	_, err = g.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1), syncs.Load())

	for i := 0; i < r/2; i++ {
		_, err = g.Next()
		require.NoError(t, err)
	}
	consumed := int64(r/2 + 1)
	require.Eventually(t, func() bool {
		return g.Remaining() == 2*r-consumed
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return async.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Crossing into the reserved range needs no synchronous extension.
	for i := consumed; i < r+1; i++ {
		_, err = g.Next()
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), syncs.Load())
}

func TestGenerator_ResumesAboveCeilingAfterRestart(t *testing.T) {
	s, list := newStoreWithList(t)
	a := New(s, list, Options{RangeSize: 10})
	require.NoError(t, a.Start())
	g, err := a.Generator("restart", 0)
	require.NoError(t, err)

	var last int64
	for i := 0; i < 15; i++ {
		last, err = g.Next()
		require.NoError(t, err)
	}
	a.Stop()

	b := startAllocator(t, s, list, Options{RangeSize: 10})
	g2, err := b.Generator("restart", 0)
	require.NoError(t, err)
	v, err := g2.Next()
	require.NoError(t, err)
	assert.Greater(t, v, last)
}

func TestGenerator_ExtensionFailure(t *testing.T) {
	s, list := newStoreWithList(t)
	a := startAllocator(t, s, list, Options{RangeSize: 4})
	g, err := a.Generator("fail", 0)
	require.NoError(t, err)

	_, err = g.Next()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// The held range is still served, then the synchronous extension fails.
	for {
		if _, err = g.Next(); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, durable.ErrClosed)
}

func TestAllocator_PerInstanceUniqueValue(t *testing.T) {
	s, list := newStoreWithList(t)
	a := startAllocator(t, s, list, Options{RangeSize: 5})

	assert.Equal(t, int64(-100), a.PerInstanceUniqueValue())

	g, err := a.Generator("global", 0)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := g.Next()
		require.NoError(t, err)
	}

	assert.Equal(t, int64(-101), a.PerInstanceUniqueValue())
	assert.Equal(t, int64(-102), a.PerInstanceUniqueValue())
}

func TestAllocator_Generators(t *testing.T) {
	s, list := newStoreWithList(t)
	a := startAllocator(t, s, list, Options{})

	g1, err := a.Generator("x", 0)
	require.NoError(t, err)
	g2, err := a.Generator("x", 7)
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, DefaultRangeSize, g1.RangeSize())

	_, err = a.Generator("", 0)
	assert.Error(t, err)

	a.Stop()
	_, err = a.Generator("y", 0)
	assert.ErrorIs(t, err, ErrStopped)

	// Existing generators keep working without the worker.
	_, err = g1.Next()
	assert.NoError(t, err)
}

func TestWorker_StopWithoutStart(t *testing.T) {
	w := NewWorker(1, nil)
	w.Stop()
	assert.False(t, w.Schedule(&Generator{}))
}
