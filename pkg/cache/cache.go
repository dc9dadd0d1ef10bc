// Package cache keeps verified chunks in memory under a chunk-count and byte budget.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raulk/clock"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/metrics"
)

var log = logging.Logger("cache")

var (
	// ErrCapacityExceeded is returned by Store when a chunk larger than the byte budget was
	// stored into an otherwise empty cache. The chunk is still stored.
	ErrCapacityExceeded = errors.New("cache capacity exceeded")
	// ErrNilChunk is returned when storing a nil chunk
	ErrNilChunk = errors.New("nil chunk")
)

// Config bounds the cache
type Config struct {
	MaxChunks         int           // 0 means no count limit
	MaxBytes          uint64        // 0 means no byte limit
	DefaultExpiration time.Duration // 0 means entries never expire
	CleanupInterval   time.Duration
	// LRU promotes entries on access. When false the eviction order is insertion order.
	LRU bool
}

// DefaultConfig returns the limits used when nothing is configured
func DefaultConfig() Config {
	return Config{
		MaxChunks:         1000,
		MaxBytes:          100 * 1024 * 1024,
		DefaultExpiration: time.Hour,
		CleanupInterval:   time.Minute,
		LRU:               true,
	}
}

type entry struct {
	chunk        *chunk.Chunk
	lastAccessed time.Time
	accessCount  uint64
	expiration   time.Time // zero means never
}

// EntryInfo is a read-only view of an entry's bookkeeping
type EntryInfo struct {
	ID           chunk.ID
	Size         int
	LastAccessed time.Time
	AccessCount  uint64
	Expiration   time.Time
}

// Stats summarises cache usage
type Stats struct {
	Chunks      int     `json:"chunks"`
	MemoryBytes uint64  `json:"memory_bytes"`
	MaxChunks   int     `json:"max_chunks"`
	MaxBytes    uint64  `json:"max_bytes"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expired     uint64  `json:"expired"`
	HitRate     float64 `json:"hit_rate"`
}

// ReplicaSet pairs a cached chunk with the peers believed to hold it
type ReplicaSet struct {
	ID       chunk.ID
	Replicas []peer.ID
}

// Cache is a bounded, deduplicating chunk store. All map mutations and memory accounting
// happen under one mutex.
type Cache struct {
	cfg   Config
	clock clock.Clock

	mu        sync.Mutex
	lru       *simplelru.LRU[chunk.ID, *entry]
	memory    uint64
	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces the wall clock, mainly for tests
func WithClock(clk clock.Clock) Option {
	return func(c *Cache) {
		c.clock = clk
	}
}

// New creates a cache
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.MaxChunks < 0 {
		return nil, fmt.Errorf("invalid max chunks %d", cfg.MaxChunks)
	}

	c := &Cache{
		cfg:   cfg,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	size := cfg.MaxChunks
	if size == 0 {
		size = math.MaxInt32
	}
	// Every removal path (Remove, RemoveOldest, Purge) goes through this callback, so
	// the byte counter cannot drift from the map contents.
	lru, err := simplelru.NewLRU[chunk.ID, *entry](size, func(_ chunk.ID, e *entry) {
		c.memory -= uint64(e.chunk.Len())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	c.lru = lru

	return c, nil
}

// Config returns the limits the cache was built with
func (c *Cache) Config() Config {
	return c.cfg
}

func (c *Cache) overBudget(incoming uint64) bool {
	if c.cfg.MaxChunks > 0 && c.lru.Len() >= c.cfg.MaxChunks {
		return true
	}
	return c.cfg.MaxBytes > 0 && c.memory+incoming > c.cfg.MaxBytes
}

func (c *Cache) expiry(now time.Time, d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d)
}

func (e *entry) expiredAt(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// Store inserts a copy of ch, evicting least recently used entries until both budgets
// fit. Re-storing an id replaces the entry and keeps its known replicas.
func (c *Cache) Store(ch *chunk.Chunk) error {
	if ch == nil {
		return ErrNilChunk
	}
	stored := ch.Clone()
	size := uint64(stored.Len())
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(stored.ID); ok {
		for _, r := range old.chunk.Info.Replicas {
			stored.Info.AddReplica(r)
		}
		c.lru.Remove(stored.ID)
	}

	for c.overBudget(size) {
		victim, _, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.evictions++
		metrics.CacheEvictions.Inc()
		log.Debugw("evicted chunk", "chunk", victim.Short())
	}

	c.lru.Add(stored.ID, &entry{
		chunk:        stored,
		lastAccessed: now,
		expiration:   c.expiry(now, c.cfg.DefaultExpiration),
	})
	c.memory += size
	c.updateGauges()

	if c.cfg.MaxBytes > 0 && c.memory > c.cfg.MaxBytes {
		return fmt.Errorf("%w: chunk %s is %d bytes, budget is %d", ErrCapacityExceeded, stored.ID.Short(), size, c.cfg.MaxBytes)
	}
	return nil
}

// Get returns a copy of a live chunk and refreshes its recency. Expired entries are
// reported as misses but left for Cleanup to reclaim.
func (c *Cache) Get(id chunk.ID) (*chunk.Chunk, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	if !ok || e.expiredAt(now) {
		c.misses++
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if c.cfg.LRU {
		c.lru.Get(id)
	}
	e.lastAccessed = now
	e.accessCount++
	c.hits++
	metrics.CacheHits.Inc()

	return e.chunk.Clone(), true
}

// Peek returns a copy of a live chunk without counting a hit or miss or touching its recency.
// Background work such as replica healing reads through Peek.
func (c *Cache) Peek(id chunk.ID) (*chunk.Chunk, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	if !ok || e.expiredAt(now) {
		return nil, false
	}
	return e.chunk.Clone(), true
}

// Contains reports whether a live entry exists without touching its recency
func (c *Cache) Contains(id chunk.ID) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	return ok && !e.expiredAt(now)
}

// Entry returns the bookkeeping for id, expired or not
func (c *Cache) Entry(id chunk.ID) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	if !ok {
		return EntryInfo{}, false
	}
	return EntryInfo{
		ID:           id,
		Size:         e.chunk.Len(),
		LastAccessed: e.lastAccessed,
		AccessCount:  e.accessCount,
		Expiration:   e.expiration,
	}, true
}

// Remove deletes id. It reports whether an entry was present.
func (c *Cache) Remove(id chunk.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := c.lru.Remove(id)
	c.updateGauges()
	return removed
}

// Cleanup reclaims expired entries and returns how many were removed
func (c *Cache) Cleanup() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cleanupLocked(now)
}

func (c *Cache) cleanupLocked(now time.Time) int {
	removed := 0
	for _, id := range c.lru.Keys() {
		e, ok := c.lru.Peek(id)
		if ok && e.expiredAt(now) {
			c.lru.Remove(id)
			removed++
		}
	}
	if removed > 0 {
		c.expired += uint64(removed)
		metrics.CacheExpired.Add(float64(removed))
		c.updateGauges()
	}
	return removed
}

// ForceCleanup reclaims expired entries, then evicts until both budgets hold again.
// It returns the total number of entries removed.
func (c *Cache) ForceCleanup() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := c.cleanupLocked(now)
	for (c.cfg.MaxChunks > 0 && c.lru.Len() > c.cfg.MaxChunks) ||
		(c.cfg.MaxBytes > 0 && c.memory > c.cfg.MaxBytes) {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions++
		metrics.CacheEvictions.Inc()
		removed++
	}
	c.updateGauges()
	return removed
}

// Run performs periodic cleanup until ctx is done
func (c *Cache) Run(ctx context.Context) {
	interval := c.cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultConfig().CleanupInterval
	}
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				log.Debugw("reclaimed expired chunks", "count", n)
			}
		}
	}
}

// Prefetch marks id as soon-needed: it is touched and its expiration pushed out to
// twice the default. It reports whether the entry exists.
func (c *Cache) Prefetch(id chunk.ID) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	if !ok {
		return false
	}
	if c.cfg.LRU {
		c.lru.Get(id)
	}
	e.lastAccessed = now
	e.expiration = c.expiry(now, 2*c.cfg.DefaultExpiration)
	return true
}

// Stats returns current usage
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Chunks:      c.lru.Len(),
		MemoryBytes: c.memory,
		MaxChunks:   c.cfg.MaxChunks,
		MaxBytes:    c.cfg.MaxBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expired:     c.expired,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Clear drops every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.memory = 0
	c.updateGauges()
}

// IDs lists cached ids from least to most recently used
func (c *Cache) IDs() []chunk.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Keys()
}

// Len returns the number of entries, including expired ones not yet reclaimed
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

// AddReplica records p as a holder of id. It reports whether p was newly added.
func (c *Cache) AddReplica(id chunk.ID, p peer.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	if !ok {
		return false
	}
	return e.chunk.Info.AddReplica(p)
}

// RemoveReplica forgets p as a holder of id
func (c *Cache) RemoveReplica(id chunk.ID, p peer.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	if !ok {
		return false
	}
	return e.chunk.Info.RemoveReplica(p)
}

// Replicas returns the known holders of id
func (c *Cache) Replicas(id chunk.ID) []peer.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(id)
	if !ok {
		return nil
	}
	return append([]peer.ID(nil), e.chunk.Info.Replicas...)
}

// ReplicaSnapshot copies the replica lists of every live entry
func (c *Cache) ReplicaSnapshot() []ReplicaSet {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ReplicaSet, 0, c.lru.Len())
	for _, id := range c.lru.Keys() {
		e, ok := c.lru.Peek(id)
		if !ok || e.expiredAt(now) {
			continue
		}
		out = append(out, ReplicaSet{
			ID:       id,
			Replicas: append([]peer.ID(nil), e.chunk.Info.Replicas...),
		})
	}
	return out
}

func (c *Cache) updateGauges() {
	metrics.CacheBytes.Set(float64(c.memory))
	metrics.CacheChunks.Set(float64(c.lru.Len()))
}
