package stepcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repr0bated/agentmesh/meshcore"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(dir, true, 600*time.Second, meshcore.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "ws-1", 0, "hash-a", []byte("payload"), time.Hour))
	got, ok := c.Get(ctx, "ws-1", 0, "hash-a")
	require.True(t, ok)
	require.Equal(t, []byte("payload"), got)
}

func TestMissWhenAbsent(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Get(context.Background(), "ws-missing", 0, "nope")
	require.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "ws-ttl", 0, "h", []byte("x"), -1*time.Second))
	_, ok := c.Get(ctx, "ws-ttl", 0, "h")
	require.False(t, ok, "expired entry must report as miss")

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), stats.TotalEntries, "expired entry must be removed from stats")
}

func TestHitMissAccounting(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "ws-acct", 0, "h") // miss
	require.False(t, ok)
	require.NoError(t, c.Put(ctx, "ws-acct", 0, "h", []byte("v"), time.Hour))
	_, ok = c.Get(ctx, "ws-acct", 0, "h") // hit
	require.True(t, ok)

	meta, err := c.WorkstackStats(ctx, "ws-acct")
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, uint64(1), meta.HitCount)
	require.Equal(t, uint64(1), meta.MissCount)
}

func TestEvictToSizeOrdersByLastAccessed(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	base := time.Unix(1000, 0)
	t1, t2, t3 := base, base.Add(100*time.Second), base.Add(200*time.Second)

	c.SetClock(func() time.Time { return t1 })
	require.NoError(t, c.Put(ctx, "ws-evict", 0, "a", make([]byte, 60), time.Hour))
	c.SetClock(func() time.Time { return t2 })
	require.NoError(t, c.Put(ctx, "ws-evict", 1, "b", make([]byte, 50), time.Hour))
	c.SetClock(func() time.Time { return t3 })
	require.NoError(t, c.Put(ctx, "ws-evict", 2, "c", make([]byte, 40), time.Hour))
	c.SetClock(func() time.Time { return t3 })

	result, err := c.EvictToSize(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(2), result.EntriesRemoved)
	require.Equal(t, uint64(110), result.BytesFreed)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(40), stats.TotalSizeBytes)
	require.Equal(t, uint64(1), stats.TotalEntries)

	_, ok := c.Get(ctx, "ws-evict", 2, "c")
	require.True(t, ok, "the most-recently-accessed entry must survive eviction")
}

func TestInvalidateWorkstack(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "ws-inv", 0, "a", []byte("1"), time.Hour))
	require.NoError(t, c.Put(ctx, "ws-inv", 1, "b", []byte("2"), time.Hour))

	n, err := c.InvalidateWorkstack(ctx, "ws-inv")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, ok := c.Get(ctx, "ws-inv", 0, "a")
	require.False(t, ok)
}

func TestCompressionAboveThreshold(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	big := make([]byte, 4096) // all zero bytes, compresses well
	require.NoError(t, c.Put(ctx, "ws-big", 0, "h", big, time.Hour))

	got, ok := c.Get(ctx, "ws-big", 0, "h")
	require.True(t, ok)
	require.Equal(t, big, got)
}

func TestCleanupExpired(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "ws-cleanup", 0, "a", []byte("x"), -1*time.Second))
	require.NoError(t, c.Put(ctx, "ws-cleanup", 1, "b", []byte("y"), time.Hour))

	result, err := c.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.EntriesRemoved)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.TotalEntries)
}
