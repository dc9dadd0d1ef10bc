package cache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
)

// makeChunk builds an uncompressed chunk of exactly size bytes with unique content
func makeChunk(t *testing.T, seed, size int) *chunk.Chunk {
	t.Helper()
	data := make([]byte, size)
	copy(data, fmt.Sprintf("chunk-%d-", seed))
	for i := len(fmt.Sprintf("chunk-%d-", seed)); i < size; i++ {
		data[i] = byte(seed + i)
	}
	c, err := chunk.New(data, uint32(seed), chunk.CompressionNone)
	require.NoError(t, err)
	require.Equal(t, size, c.Len())
	return c
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	c, err := New(cfg, WithClock(mock))
	require.NoError(t, err)
	return c, mock
}

// assertAccounting checks tracked memory equals the sum of stored chunk sizes
func assertAccounting(t *testing.T, c *Cache) {
	t.Helper()
	var sum uint64
	for _, id := range c.IDs() {
		info, ok := c.Entry(id)
		require.True(t, ok)
		sum += uint64(info.Size)
	}
	stats := c.Stats()
	assert.Equal(t, sum, stats.MemoryBytes)
	assert.Equal(t, len(c.IDs()), stats.Chunks)
}

func TestCacheStoreAndGet(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ch := makeChunk(t, 1, 64)

	require.NoError(t, c.Store(ch))

	got, ok := c.Get(ch.ID)
	require.True(t, ok)
	assert.Equal(t, ch.Data, got.Data)
	assert.Equal(t, ch.Info, got.Info)

	// Callers receive copies
	got.Data[0] ^= 0xFF
	again, ok := c.Get(ch.ID)
	require.True(t, ok)
	assert.Equal(t, ch.Data, again.Data)

	info, ok := c.Entry(ch.ID)
	require.True(t, ok)
	assert.Equal(t, uint64(2), info.AccessCount)

	_, ok = c.Get(makeChunk(t, 2, 64).ID)
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 1e-9)
}

func TestCacheStoreNil(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	assert.ErrorIs(t, c.Store(nil), ErrNilChunk)
}

func TestCacheCountEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChunks = 3
	c, mock := newTestCache(t, cfg)

	chunks := make([]*chunk.Chunk, 4)
	for i := range chunks {
		chunks[i] = makeChunk(t, i, 32)
	}

	for _, ch := range chunks[:3] {
		require.NoError(t, c.Store(ch))
		mock.Add(time.Second)
	}

	// Touch the oldest so the second becomes the LRU victim
	_, ok := c.Get(chunks[0].ID)
	require.True(t, ok)

	require.NoError(t, c.Store(chunks[3]))

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Contains(chunks[0].ID))
	assert.False(t, c.Contains(chunks[1].ID))
	assert.True(t, c.Contains(chunks[2].ID))
	assert.True(t, c.Contains(chunks[3].ID))
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assertAccounting(t, c)
}

func TestCachePeekLeavesStatsAndOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChunks = 2
	cfg.DefaultExpiration = time.Minute
	c, mock := newTestCache(t, cfg)

	a, b, d := makeChunk(t, 1, 8), makeChunk(t, 2, 8), makeChunk(t, 3, 8)
	require.NoError(t, c.Store(a))
	require.NoError(t, c.Store(b))

	got, ok := c.Peek(a.ID)
	require.True(t, ok)
	assert.Equal(t, a.Data, got.Data)
	got.Data[0] ^= 0xFF

	_, ok = c.Peek(d.ID)
	assert.False(t, ok)

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
	info, ok := c.Entry(a.ID)
	require.True(t, ok)
	assert.Zero(t, info.AccessCount)

	// a stays the least recently used entry
	require.NoError(t, c.Store(d))
	assert.False(t, c.Contains(a.ID))
	assert.True(t, c.Contains(b.ID))

	mock.Add(2 * time.Minute)
	_, ok = c.Peek(b.ID)
	assert.False(t, ok)
}

func TestCacheByteEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 100
	c, _ := newTestCache(t, cfg)

	a, b, d := makeChunk(t, 1, 40), makeChunk(t, 2, 40), makeChunk(t, 3, 40)
	require.NoError(t, c.Store(a))
	require.NoError(t, c.Store(b))
	require.NoError(t, c.Store(d))

	assert.False(t, c.Contains(a.ID))
	assert.True(t, c.Contains(b.ID))
	assert.True(t, c.Contains(d.ID))
	assert.Equal(t, uint64(80), c.Stats().MemoryBytes)
	assertAccounting(t, c)
}

func TestCacheOversizedChunk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBytes = 50
	c, _ := newTestCache(t, cfg)

	require.NoError(t, c.Store(makeChunk(t, 1, 30)))

	big := makeChunk(t, 2, 80)
	err := c.Store(big)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// Everything else was evicted and the oversized chunk is still stored
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains(big.ID))
	assert.Equal(t, uint64(80), c.Stats().MemoryBytes)
	assertAccounting(t, c)

	assert.Equal(t, 1, c.ForceCleanup())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(0), c.Stats().MemoryBytes)
}

func TestCacheDedup(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())

	first := makeChunk(t, 7, 128)
	first.Info.AddReplica(peer.ID("holder-a"))
	require.NoError(t, c.Store(first))
	before := c.Stats().MemoryBytes

	second := makeChunk(t, 7, 128)
	require.Equal(t, first.ID, second.ID)
	require.NoError(t, c.Store(second))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, before, c.Stats().MemoryBytes)
	assert.Equal(t, []peer.ID{"holder-a"}, c.Replicas(first.ID))
	assertAccounting(t, c)
}

func TestCacheRemove(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ch := makeChunk(t, 1, 16)
	require.NoError(t, c.Store(ch))

	assert.True(t, c.Remove(ch.ID))
	assert.False(t, c.Remove(ch.ID))
	assert.Equal(t, uint64(0), c.Stats().MemoryBytes)
	assertAccounting(t, c)
}

func TestCacheExpiration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultExpiration = time.Minute
	c, mock := newTestCache(t, cfg)

	ch := makeChunk(t, 1, 16)
	require.NoError(t, c.Store(ch))

	mock.Add(30 * time.Second)
	_, ok := c.Get(ch.ID)
	assert.True(t, ok)

	mock.Add(2 * time.Minute)
	_, ok = c.Get(ch.ID)
	assert.False(t, ok)
	assert.False(t, c.Contains(ch.ID))

	// Lazily hidden, not removed
	assert.Equal(t, 1, c.Len())
	assert.Empty(t, c.ReplicaSnapshot())

	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Expired)
	assertAccounting(t, c)
}

func TestCachePrefetchExtendsExpiration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultExpiration = time.Minute
	c, mock := newTestCache(t, cfg)

	ch := makeChunk(t, 1, 16)
	require.NoError(t, c.Store(ch))
	assert.True(t, c.Prefetch(ch.ID))
	assert.False(t, c.Prefetch(makeChunk(t, 2, 16).ID))

	mock.Add(90 * time.Second)
	_, ok := c.Get(ch.ID)
	assert.True(t, ok)

	mock.Add(time.Minute)
	_, ok = c.Get(ch.ID)
	assert.False(t, ok)
}

func TestCacheFIFOWhenLRUDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChunks = 2
	cfg.LRU = false
	c, _ := newTestCache(t, cfg)

	a, b, d := makeChunk(t, 1, 8), makeChunk(t, 2, 8), makeChunk(t, 3, 8)
	require.NoError(t, c.Store(a))
	require.NoError(t, c.Store(b))

	_, ok := c.Get(a.ID)
	require.True(t, ok)

	require.NoError(t, c.Store(d))
	assert.False(t, c.Contains(a.ID))
	assert.True(t, c.Contains(b.ID))
}

func TestCacheReplicas(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ch := makeChunk(t, 1, 16)
	require.NoError(t, c.Store(ch))

	assert.True(t, c.AddReplica(ch.ID, "a"))
	assert.False(t, c.AddReplica(ch.ID, "a"))
	assert.True(t, c.AddReplica(ch.ID, "b"))
	assert.False(t, c.AddReplica(makeChunk(t, 2, 16).ID, "a"))

	snap := c.ReplicaSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, ch.ID, snap[0].ID)
	assert.Equal(t, []peer.ID{"a", "b"}, snap[0].Replicas)

	assert.True(t, c.RemoveReplica(ch.ID, "a"))
	assert.Equal(t, []peer.ID{"b"}, c.Replicas(ch.ID))
}

func TestCacheClear(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Store(makeChunk(t, i, 10)))
	}
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(0), c.Stats().MemoryBytes)
}

func TestCacheAccountingUnderRandomOperations(t *testing.T) {
	cfg := Config{MaxChunks: 8, MaxBytes: 1000, DefaultExpiration: 0, LRU: true}
	c, _ := newTestCache(t, cfg)
	rng := rand.New(rand.NewSource(42))

	pool := make([]*chunk.Chunk, 20)
	for i := range pool {
		pool[i] = makeChunk(t, i, 20+rng.Intn(200))
	}

	for step := 0; step < 500; step++ {
		ch := pool[rng.Intn(len(pool))]
		switch rng.Intn(3) {
		case 0, 1:
			require.NoError(t, c.Store(ch))
		case 2:
			c.Remove(ch.ID)
		}

		stats := c.Stats()
		assert.LessOrEqual(t, stats.Chunks, cfg.MaxChunks)
		assert.LessOrEqual(t, stats.MemoryBytes, cfg.MaxBytes)
	}
	assertAccounting(t, c)
}

func TestCacheRunReclaimsExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultExpiration = time.Minute
	cfg.CleanupInterval = time.Minute
	c, mock := newTestCache(t, cfg)
	require.NoError(t, c.Store(makeChunk(t, 1, 16)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return c.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
