package resource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Queue(t *testing.T) {
	c := NewController(Config{QueueLimitBytes: 100})

	require.NoError(t, c.Reserve(50))
	require.NoError(t, c.Reserve(40))
	assert.Equal(t, int64(90), c.Queued())
	assert.False(t, c.Saturated())

	// Exceeds the budget.
	assert.ErrorIs(t, c.Reserve(20), ErrBudgetExceeded)
	assert.Equal(t, int64(90), c.Queued())

	require.NoError(t, c.Reserve(10))
	assert.True(t, c.Saturated())

	c.Release(50)
	assert.Equal(t, int64(50), c.Queued())
	assert.False(t, c.Saturated())
	require.NoError(t, c.Reserve(20))
}

func TestController_UnlimitedQueue(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.Reserve(1000))
	assert.Equal(t, int64(1000), c.Queued())
	assert.False(t, c.Saturated())
	assert.Equal(t, int64(0), c.Limit())

	c.Release(500)
	assert.Equal(t, int64(500), c.Queued())
}

func TestController_Workers(t *testing.T) {
	c := NewController(Config{MaxWorkers: 2})

	require.NoError(t, c.AcquireWorker(t.Context()))
	require.NoError(t, c.AcquireWorker(t.Context()))
	assert.False(t, c.TryAcquireWorker())

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireWorker(ctx))

	c.ReleaseWorker()
	assert.True(t, c.TryAcquireWorker())
}

func TestController_NilSafe(t *testing.T) {
	var c *Controller
	assert.NoError(t, c.Reserve(10))
	c.Release(10)
	assert.Equal(t, int64(0), c.Queued())
	assert.False(t, c.Saturated())
	assert.NoError(t, c.AcquireWorker(context.Background()))
	assert.True(t, c.TryAcquireWorker())
	c.ReleaseWorker()
	assert.NoError(t, c.AcquireIO(context.Background(), 1<<20))
}

func TestController_IOSplitsLargeRequests(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	// Larger than the burst, but the bucket starts full so the first
	// chunk passes immediately.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.AcquireIO(ctx, 3<<20)
	assert.Error(t, err)
}

func TestRateLimitedWriter(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})
	var buf bytes.Buffer
	w := NewRateLimitedWriter(context.Background(), &buf, c)

	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", buf.String())
}
