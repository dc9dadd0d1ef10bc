package peer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/raulk/clock"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/metrics"
)

// ErrPeerLimit is returned when adding a peer to a full directory
var ErrPeerLimit = errors.New("peer limit reached")

// DefaultReputation is the starting score of a newly seen peer
const DefaultReputation = 0.5

// reputationWeight is how much one interaction moves the reputation score
const reputationWeight = 0.1

// State represents the current state of a peer
type State int

const (
	// Unknown indicates the peer's state is not known
	Unknown State = iota
	// Connected indicates the peer is currently connected
	Connected
	// Disconnected indicates the peer was previously connected but is now disconnected
	Disconnected
	// Blocked indicates the peer has been blocked
	Blocked
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Capabilities is what a peer advertises about itself
type Capabilities struct {
	StorageCapacity uint64              `json:"storage_capacity"`
	StorageUsed     uint64              `json:"storage_used"`
	MaxUpload       uint64              `json:"max_upload"`   // bytes/s, 0 means unlimited
	MaxDownload     uint64              `json:"max_download"` // bytes/s, 0 means unlimited
	Compression     []chunk.Compression `json:"compression,omitempty"`
	Encryption      []chunk.Encryption  `json:"encryption,omitempty"`
}

// Available returns the free storage the peer advertises
func (c Capabilities) Available() uint64 {
	if c.StorageUsed >= c.StorageCapacity {
		return 0
	}
	return c.StorageCapacity - c.StorageUsed
}

// Stats counts interactions with one peer
type Stats struct {
	ChunksServed   uint64        `json:"chunks_served"`
	ChunksReceived uint64        `json:"chunks_received"`
	BytesSent      uint64        `json:"bytes_sent"`
	BytesReceived  uint64        `json:"bytes_received"`
	Successes      uint64        `json:"successes"`
	Failures       uint64        `json:"failures"`
	AvgLatency     time.Duration `json:"avg_latency"`
}

// Info is a snapshot of what the directory knows about a peer
type Info struct {
	ID           peer.ID
	Addrs        []multiaddr.Multiaddr
	State        State
	LastSeen     time.Time
	Capabilities Capabilities
	Reputation   float64
	ChunkCount   int
	Stats        Stats
}

type entry struct {
	mu     sync.RWMutex
	info   Info
	chunks map[chunk.ID]struct{}
}

func (e *entry) snapshot() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info := e.info
	info.Addrs = append([]multiaddr.Multiaddr(nil), e.info.Addrs...)
	info.Capabilities.Compression = append([]chunk.Compression(nil), e.info.Capabilities.Compression...)
	info.Capabilities.Encryption = append([]chunk.Encryption(nil), e.info.Capabilities.Encryption...)
	info.ChunkCount = len(e.chunks)
	return info
}

// Directory tracks known peers, what they hold and how well they behave
type Directory struct {
	clock    clock.Clock
	maxPeers int

	peers sync.Map // peer.ID -> *entry

	// guards count checks against concurrent inserts
	addMu sync.Mutex
}

// Option configures a Directory
type Option func(*Directory)

// WithClock replaces the wall clock
func WithClock(clk clock.Clock) Option {
	return func(d *Directory) {
		d.clock = clk
	}
}

// WithMaxPeers bounds the number of tracked peers; 0 means unbounded
func WithMaxPeers(n int) Option {
	return func(d *Directory) {
		d.maxPeers = n
	}
}

// NewDirectory creates an empty directory
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) load(id peer.ID) (*entry, bool) {
	v, ok := d.peers.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// loadOrCreate returns the entry for id, creating a connected one if absent
func (d *Directory) loadOrCreate(id peer.ID) (*entry, bool, error) {
	if e, ok := d.load(id); ok {
		return e, false, nil
	}

	d.addMu.Lock()
	defer d.addMu.Unlock()

	if e, ok := d.load(id); ok {
		return e, false, nil
	}
	if d.maxPeers > 0 && d.Len() >= d.maxPeers {
		return nil, false, ErrPeerLimit
	}
	e := &entry{
		info: Info{
			ID:         id,
			State:      Connected,
			LastSeen:   d.clock.Now(),
			Reputation: DefaultReputation,
		},
		chunks: make(map[chunk.ID]struct{}),
	}
	d.peers.Store(id, e)
	metrics.KnownPeers.Inc()
	return e, true, nil
}

// Add adds or refreshes a peer and marks it connected
func (d *Directory) Add(id peer.ID, addrs []multiaddr.Multiaddr) (Info, error) {
	e, created, err := d.loadOrCreate(id)
	if err != nil {
		return Info{}, err
	}
	if !created || len(addrs) > 0 {
		e.mu.Lock()
		if len(addrs) > 0 {
			e.info.Addrs = append([]multiaddr.Multiaddr(nil), addrs...)
		}
		if e.info.State != Blocked {
			e.info.State = Connected
		}
		e.info.LastSeen = d.clock.Now()
		e.mu.Unlock()
	}
	return e.snapshot(), nil
}

// Get retrieves a snapshot of a peer
func (d *Directory) Get(id peer.ID) (Info, bool) {
	e, ok := d.load(id)
	if !ok {
		return Info{}, false
	}
	return e.snapshot(), true
}

// Remove stops tracking a peer
func (d *Directory) Remove(id peer.ID) bool {
	if _, loaded := d.peers.LoadAndDelete(id); loaded {
		metrics.KnownPeers.Dec()
		return true
	}
	return false
}

// SetState updates a peer's connection state
func (d *Directory) SetState(id peer.ID, state State) bool {
	e, ok := d.load(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	e.info.State = state
	e.info.LastSeen = d.clock.Now()
	e.mu.Unlock()
	return true
}

// Touch records that a peer was just heard from
func (d *Directory) Touch(id peer.ID) bool {
	e, ok := d.load(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	e.info.LastSeen = d.clock.Now()
	e.mu.Unlock()
	return true
}

// UpdateCapabilities replaces a peer's advertised capabilities, adding the peer if needed
func (d *Directory) UpdateCapabilities(id peer.ID, caps Capabilities) error {
	e, _, err := d.loadOrCreate(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.info.Capabilities = caps
	e.info.LastSeen = d.clock.Now()
	e.mu.Unlock()
	return nil
}

// AddChunks records chunks a peer announced, adding the peer if needed
func (d *Directory) AddChunks(id peer.ID, ids ...chunk.ID) error {
	e, _, err := d.loadOrCreate(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, c := range ids {
		e.chunks[c] = struct{}{}
	}
	e.info.LastSeen = d.clock.Now()
	e.mu.Unlock()
	return nil
}

// RemoveChunks forgets chunks a peer no longer holds
func (d *Directory) RemoveChunks(id peer.ID, ids ...chunk.ID) {
	e, ok := d.load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	for _, c := range ids {
		delete(e.chunks, c)
	}
	e.mu.Unlock()
}

// HasChunk reports whether a peer announced a chunk
func (d *Directory) HasChunk(id peer.ID, c chunk.ID) bool {
	e, ok := d.load(id)
	if !ok {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, has := e.chunks[c]
	return has
}

// PeersWithChunk lists, by id, every non-blocked peer that announced c
func (d *Directory) PeersWithChunk(c chunk.ID) []peer.ID {
	var out []peer.ID
	d.peers.Range(func(_, v interface{}) bool {
		e := v.(*entry)
		e.mu.RLock()
		_, has := e.chunks[c]
		blocked := e.info.State == Blocked
		id := e.info.ID
		e.mu.RUnlock()
		if has && !blocked {
			out = append(out, id)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BestPeerForChunk picks the connected peer with the highest reputation that announced c.
// Ties go to the lowest peer id.
func (d *Directory) BestPeerForChunk(c chunk.ID, exclude map[peer.ID]bool) (peer.ID, bool) {
	var (
		best    peer.ID
		bestRep float64
		found   bool
	)
	d.peers.Range(func(_, v interface{}) bool {
		e := v.(*entry)
		e.mu.RLock()
		_, has := e.chunks[c]
		id, state, rep := e.info.ID, e.info.State, e.info.Reputation
		e.mu.RUnlock()

		if !has || state != Connected || exclude[id] {
			return true
		}
		if !found || rep > bestRep || (rep == bestRep && id < best) {
			best, bestRep, found = id, rep, true
		}
		return true
	})
	return best, found
}

// RecordSuccess raises a peer's reputation and folds latency into its average
func (d *Directory) RecordSuccess(id peer.ID, latency time.Duration) {
	e, ok := d.load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.info.Stats
	s.Successes++
	s.AvgLatency += (latency - s.AvgLatency) / time.Duration(s.Successes)
	e.info.Reputation = e.info.Reputation*(1-reputationWeight) + reputationWeight
	e.info.LastSeen = d.clock.Now()
}

// RecordFailure lowers a peer's reputation
func (d *Directory) RecordFailure(id peer.ID) {
	e, ok := d.load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.info.Stats.Failures++
	e.info.Reputation *= 1 - reputationWeight
}

// RecordSent accounts a chunk this node served to the peer
func (d *Directory) RecordSent(id peer.ID, bytes int) {
	if e, ok := d.load(id); ok {
		e.mu.Lock()
		e.info.Stats.ChunksServed++
		e.info.Stats.BytesSent += uint64(bytes)
		e.mu.Unlock()
	}
}

// RecordReceived accounts a chunk this node received from the peer
func (d *Directory) RecordReceived(id peer.ID, bytes int) {
	if e, ok := d.load(id); ok {
		e.mu.Lock()
		e.info.Stats.ChunksReceived++
		e.info.Stats.BytesReceived += uint64(bytes)
		e.mu.Unlock()
	}
}

// PruneStale removes peers not seen for longer than timeout and returns their ids
func (d *Directory) PruneStale(timeout time.Duration) []peer.ID {
	now := d.clock.Now()
	var stale []peer.ID
	d.peers.Range(func(k, v interface{}) bool {
		e := v.(*entry)
		e.mu.RLock()
		last := e.info.LastSeen
		e.mu.RUnlock()
		if now.Sub(last) > timeout {
			stale = append(stale, k.(peer.ID))
		}
		return true
	})
	for _, id := range stale {
		d.Remove(id)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	return stale
}

// List returns snapshots of every peer ordered by id
func (d *Directory) List() []Info {
	var out []Info
	d.peers.Range(func(_, v interface{}) bool {
		out = append(out, v.(*entry).snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked peers
func (d *Directory) Len() int {
	n := 0
	d.peers.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Connected returns the number of connected peers
func (d *Directory) Connected() int {
	n := 0
	d.peers.Range(func(_, v interface{}) bool {
		e := v.(*entry)
		e.mu.RLock()
		if e.info.State == Connected {
			n++
		}
		e.mu.RUnlock()
		return true
	})
	return n
}
