// Package coordinator ties the chunk cache, peer directory, session table and replication
// planner to a transport and runs the background loops that keep them current.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/bandwidth"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/cache"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/metrics"
	peerdir "github.com/VetheonGames/FileZap/StorageCore/pkg/peer"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/protocol"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/registry"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/replication"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/reward"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

var log = logging.Logger("coordinator")

var (
	// ErrPeerNotFound is returned when no known peer advertises a chunk
	ErrPeerNotFound = errors.New("no peer has the chunk")
	// ErrTransferTimeout is returned when a bounded wait expires
	ErrTransferTimeout = errors.New("transfer timed out")
	// ErrPeerReported is returned when the remote peer answers with an explicit failure
	ErrPeerReported = errors.New("peer reported failure")
	// ErrTransferFailed is returned when an object transfer ends in Failed or Cancelled
	ErrTransferFailed = errors.New("transfer failed")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// Transport is the lower layer the coordinator sends and receives through
type Transport interface {
	SendToPeer(ctx context.Context, to peer.ID, m wire.Message) error
	Broadcast(ctx context.Context, m wire.Message) error
	Inbound() <-chan wire.Inbound
}

// Provider is optional content routing used when the directory knows no holder
type Provider interface {
	Provide(ctx context.Context, id chunk.ID) error
	FindProviders(ctx context.Context, id chunk.ID, limit int) ([]peer.AddrInfo, error)
}

// DescriptorRouting is implemented by providers that also store descriptor records
type DescriptorRouting interface {
	PutDescriptor(ctx context.Context, d *descriptor.Descriptor) error
	GetDescriptor(ctx context.Context, contentHash string) (*descriptor.Descriptor, error)
}

// RetryConfig shapes retries of failed chunk fetches
type RetryConfig struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
}

// Config holds everything the coordinator needs at construction
type Config struct {
	ChunkSize              int
	MaxConcurrentTransfers int
	ChunkTimeout           time.Duration
	TransferTimeout        time.Duration

	Bandwidth bandwidth.Config
	Cache     cache.Config
	Retry     RetryConfig

	Chunk         chunk.Options
	Encryption    chunk.Encryption
	EncryptionKey []byte
	Dedup         bool

	PeerUpdateInterval time.Duration
	PeerTimeout        time.Duration
	BandwidthRefresh   time.Duration
	HealInterval       time.Duration
	Freshness          time.Duration
	RequiredCopies     int
	StorageCapacity    uint64
	MaxPeers           int // 0 means unlimited

	Reward reward.Policy
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		ChunkSize:              2 * 1024 * 1024,
		MaxConcurrentTransfers: 10,
		ChunkTimeout:           30 * time.Second,
		TransferTimeout:        time.Hour,
		Cache:                  cache.DefaultConfig(),
		Retry: RetryConfig{
			MaxAttempts: 3,
			Initial:     time.Second,
			Max:         time.Minute,
			Multiplier:  2,
			Jitter:      0.1,
		},
		Chunk:              chunk.Options{Compression: chunk.CompressionLZ4, Level: 4, MinSize: 1024},
		Dedup:              true,
		PeerUpdateInterval: 30 * time.Second,
		PeerTimeout:        300 * time.Second,
		BandwidthRefresh:   5 * time.Second,
		HealInterval:       60 * time.Second,
		Freshness:          replication.DefaultFreshness,
		RequiredCopies:     2,
		Reward:             reward.DefaultPolicy(),
	}
}

// Stats is a point-in-time view of the node
type Stats struct {
	LocalPeer      peer.ID         `json:"local_peer"`
	TotalPeers     int             `json:"total_peers"`
	ConnectedPeers int             `json:"connected_peers"`
	ActiveSessions int             `json:"active_sessions"`
	Bandwidth      bandwidth.Stats `json:"bandwidth"`
	Cache          cache.Stats     `json:"cache"`
	ChunksServed   uint64          `json:"chunks_served"`
	ChunksReceived uint64          `json:"chunks_received"`
	HealPlacements uint64          `json:"heal_placements"`
	Objects        int             `json:"objects"`
}

// Coordinator owns the chunk cache, the peer directory and the session table
type Coordinator struct {
	cfg       Config
	local     peer.ID
	clock     clock.Clock
	transport Transport
	provider  Provider

	cache     *cache.Cache
	peers     *peerdir.Directory
	bandwidth *bandwidth.Tracker
	sessions  *protocol.Table
	registry  *registry.Registry
	handler   *protocol.Handler
	planner   *replication.Planner
	transfers *semaphore.Weighted

	pendingMu sync.Mutex
	pending   map[uuid.UUID]chan *wire.ChunkResponse

	waitersMu sync.Mutex
	waiters   map[string]chan struct{}

	served     atomic.Uint64
	received   atomic.Uint64
	placements atomic.Uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock replaces the wall clock for every owned component
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithProvider enables content routing fallback and provider announcements
func WithProvider(p Provider) Option {
	return func(c *Coordinator) {
		c.provider = p
	}
}

// New creates a coordinator for the local peer
func New(local peer.ID, transport Transport, cfg Config, opts ...Option) (*Coordinator, error) {
	if transport == nil {
		return nil, fmt.Errorf("coordinator needs a transport")
	}
	c := &Coordinator{
		cfg:       cfg,
		local:     local,
		clock:     clock.New(),
		transport: transport,
		pending:   make(map[uuid.UUID]chan *wire.ChunkResponse),
		waiters:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	chunks, err := cache.New(cfg.Cache, cache.WithClock(c.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}
	c.cache = chunks
	c.peers = peerdir.NewDirectory(peerdir.WithClock(c.clock), peerdir.WithMaxPeers(cfg.MaxPeers))
	c.bandwidth = bandwidth.NewTracker(cfg.Bandwidth, c.clock)
	c.sessions = protocol.NewTable(c.clock)
	c.registry = registry.New()
	c.handler = protocol.NewHandler(local, c.sessions, c.cache, c.registry)
	c.planner = replication.NewPlanner(cfg.Freshness, c.clock)

	limit := cfg.MaxConcurrentTransfers
	if limit <= 0 {
		limit = 1
	}
	c.transfers = semaphore.NewWeighted(int64(limit))
	return c, nil
}

// LocalPeer returns the id this node acts as
func (c *Coordinator) LocalPeer() peer.ID { return c.local }

// Cache returns the chunk cache
func (c *Coordinator) Cache() *cache.Cache { return c.cache }

// Peers returns the peer directory
func (c *Coordinator) Peers() *peerdir.Directory { return c.peers }

// Sessions returns the transfer session table
func (c *Coordinator) Sessions() *protocol.Table { return c.sessions }

// Registry returns the descriptor registry
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Planner returns the replication planner
func (c *Coordinator) Planner() *replication.Planner { return c.planner }

// Start launches the background loops. They run until ctx is cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = g

	g.Go(func() error {
		c.pump(ctx)
		return nil
	})
	g.Go(func() error {
		c.every(ctx, "bandwidth", c.cfg.BandwidthRefresh, func(context.Context) {
			c.bandwidth.Refresh()
		})
		return nil
	})
	g.Go(func() error {
		c.every(ctx, "peers", c.cfg.PeerUpdateInterval, c.maintainPeers)
		return nil
	})
	g.Go(func() error {
		c.every(ctx, "heal", c.cfg.HealInterval, func(ctx context.Context) {
			if _, err := c.Heal(ctx); err != nil {
				log.Warnw("heal pass incomplete", "error", err)
			}
		})
		return nil
	})
	g.Go(func() error {
		c.cache.Run(ctx)
		return nil
	})

	log.Infow("coordinator started", "peer", c.local)
	return nil
}

// Stop cancels the background loops and waits for them to exit
func (c *Coordinator) Stop() error {
	c.runMu.Lock()
	cancel, g := c.cancel, c.group
	c.cancel, c.group = nil, nil
	c.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	var err error
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		err = multierr.Append(err, werr)
	}
	c.failPending()
	log.Infow("coordinator stopped", "peer", c.local)
	return err
}

// every runs fn on each tick. A panicking tick is logged and the loop keeps going.
func (c *Coordinator) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.safely(name, func() { fn(ctx) })
		}
	}
}

func (c *Coordinator) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("recovered from panic", "task", name, "panic", r)
		}
	}()
	fn()
}

// pump feeds inbound messages to the dispatcher until ctx ends or the transport closes
func (c *Coordinator) pump(ctx context.Context) {
	inbound := c.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-inbound:
			if !ok {
				log.Infow("inbound stream closed")
				return
			}
			c.safely("pump", func() { c.dispatch(ctx, in) })
		}
	}
}

// maintainPeers prunes stale peers and sessions, refreshes the planner's node list and
// advertises local capabilities
func (c *Coordinator) maintainPeers(ctx context.Context) {
	for _, id := range c.peers.PruneStale(c.cfg.PeerTimeout) {
		log.Infow("pruned stale peer", "peer", id)
		c.forgetPeer(id)
	}
	if expired := c.sessions.CleanupTimedOut(c.cfg.TransferTimeout); len(expired) > 0 {
		log.Infow("expired idle sessions", "count", len(expired))
	}
	c.sessions.Reap()
	metrics.ActiveSessions.Set(float64(c.sessions.Len()))

	c.refreshNodes()

	if err := c.transport.Broadcast(ctx, &wire.CapabilityUpdate{Peer: c.local, Capabilities: c.capabilities()}); err != nil {
		log.Warnw("failed to broadcast capabilities", "error", err)
	}
}

// capabilities describes what this node offers
func (c *Coordinator) capabilities() peerdir.Capabilities {
	limits := c.bandwidth.Limits()
	capacity := c.cfg.StorageCapacity
	if capacity == 0 {
		capacity = c.cfg.Cache.MaxBytes
	}
	return peerdir.Capabilities{
		StorageCapacity: capacity,
		StorageUsed:     c.cache.Stats().MemoryBytes,
		MaxUpload:       limits.MaxUpload,
		MaxDownload:     limits.MaxDownload,
		Compression:     []chunk.Compression{chunk.CompressionNone, chunk.CompressionLZ4, chunk.CompressionZstd},
		Encryption:      []chunk.Encryption{chunk.EncryptionNone, chunk.EncryptionAES256GCM, chunk.EncryptionChaCha20Poly1305},
	}
}

// refreshNodes rebuilds the planner's view from connected peers
func (c *Coordinator) refreshNodes() {
	infos := c.peers.List()
	nodes := make([]replication.StorageNode, 0, len(infos))
	for _, info := range infos {
		if info.State != peerdir.Connected {
			continue
		}
		nodes = append(nodes, storageNode(info))
	}
	c.planner.SetNodes(nodes)
}

func storageNode(info peerdir.Info) replication.StorageNode {
	n := replication.StorageNode{
		ID:          info.ID,
		Capacity:    info.Capabilities.StorageCapacity,
		UsedSpace:   info.Capabilities.StorageUsed,
		LastSeen:    info.LastSeen,
		Reliability: info.Reputation,
	}
	if len(info.Addrs) > 0 {
		n.Address = info.Addrs[0].String()
	}
	return n
}

// AddPeer registers a peer as connected and tells it our bandwidth limits
func (c *Coordinator) AddPeer(ctx context.Context, id peer.ID, addrs []multiaddr.Multiaddr) (peerdir.Info, error) {
	info, err := c.peers.Add(id, addrs)
	if err != nil {
		return peerdir.Info{}, err
	}
	c.planner.UpsertNode(storageNode(info))

	limits := c.bandwidth.Limits()
	neg := &wire.BandwidthNegotiation{Peer: c.local, MaxUpload: limits.MaxUpload, MaxDownload: limits.MaxDownload}
	if err := c.transport.SendToPeer(ctx, id, neg); err != nil {
		log.Debugw("bandwidth negotiation not sent", "peer", id, "error", err)
	}
	log.Debugw("peer added", "peer", id)
	return info, nil
}

// RemovePeer forgets a peer everywhere it is referenced
func (c *Coordinator) RemovePeer(id peer.ID) bool {
	removed := c.peers.Remove(id)
	c.forgetPeer(id)
	return removed
}

// forgetPeer drops id from sessions, the planner and replica metadata. Sessions left with no
// peers are cancelled.
func (c *Coordinator) forgetPeer(id peer.ID) {
	c.planner.RemoveNode(id)

	for _, s := range c.sessions.List() {
		if !s.HasPeer(id) || s.State().Terminal() {
			continue
		}
		if s.RemovePeer(id) == 0 {
			if err := s.Cancel(); err != nil {
				log.Debugw("session not cancelled", "hash", s.ContentHash, "error", err)
			}
			c.notify(s.ContentHash)
		}
	}

	for _, rs := range c.cache.ReplicaSnapshot() {
		c.cache.RemoveReplica(rs.ID, id)
	}
}

// CheckBandwidth reports whether n bytes may move in dir right now
func (c *Coordinator) CheckBandwidth(dir bandwidth.Direction, n int) error {
	return c.bandwidth.CheckAvailability(dir, n)
}

// Stats summarises the node
func (c *Coordinator) Stats() Stats {
	return Stats{
		LocalPeer:      c.local,
		TotalPeers:     c.peers.Len(),
		ConnectedPeers: c.peers.Connected(),
		ActiveSessions: c.sessions.Active(),
		Bandwidth:      c.bandwidth.Stats(),
		Cache:          c.cache.Stats(),
		ChunksServed:   c.served.Load(),
		ChunksReceived: c.received.Load(),
		HealPlacements: c.placements.Load(),
		Objects:        c.registry.Len(),
	}
}

// notify wakes a Download waiting on contentHash
func (c *Coordinator) notify(contentHash string) {
	c.waitersMu.Lock()
	ch, ok := c.waiters[contentHash]
	c.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Coordinator) watch(contentHash string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.waitersMu.Lock()
	c.waiters[contentHash] = ch
	c.waitersMu.Unlock()
	return ch, func() {
		c.waitersMu.Lock()
		if c.waiters[contentHash] == ch {
			delete(c.waiters, contentHash)
		}
		c.waitersMu.Unlock()
	}
}
