package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestCache(t *testing.T, maxSize int) (*MemoryCache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache(maxSize, time.Minute, zap.NewNop())
	c.now = clock.now
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func TestMemoryCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	_, err := c.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrCacheMiss))

	require.NoError(t, c.Set(ctx, "a", 42))
	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	ok, err := c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "a"))
	ok, err = c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, 10)

	require.NoError(t, c.SetWithTTL(ctx, "short", "v", time.Second))
	clock.t = clock.t.Add(2 * time.Second)

	ok, err := c.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Get(ctx, "short")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(t, 2)

	require.NoError(t, c.Set(ctx, "old", 1))
	clock.t = clock.t.Add(time.Second)
	require.NoError(t, c.Set(ctx, "new", 2))
	clock.t = clock.t.Add(time.Second)

	_, err := c.Get(ctx, "old")
	require.NoError(t, err)
	clock.t = clock.t.Add(time.Second)

	require.NoError(t, c.Set(ctx, "third", 3))

	_, err = c.Get(ctx, "new")
	assert.True(t, errors.Is(err, ErrCacheMiss), "least recently used entry evicted")
	_, err = c.Get(ctx, "old")
	assert.NoError(t, err)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Items)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestMemoryCache_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, 10)

	require.NoError(t, c.Set(ctx, Key("frame", "cam-1", "1"), true))
	require.NoError(t, c.Set(ctx, Key("frame", "cam-1", "2"), true))
	require.NoError(t, c.Set(ctx, Key("frame", "cam-2", "1"), true))

	n, err := c.DeletePrefix(ctx, Key("frame", "cam-1", ""))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ok, _ := c.Exists(ctx, Key("frame", "cam-2", "1"))
	assert.True(t, ok)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "frame:cam-1:7", Key("frame", "cam-1", "7"))
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	c := NewMemoryCache(1, time.Minute, zap.NewNop())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
