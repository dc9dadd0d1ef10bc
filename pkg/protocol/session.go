package protocol

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raulk/clock"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
)

// PeerInfo is what a session knows about one participating peer
type PeerInfo struct {
	ID              peer.ID
	AvailableChunks []uint32
	Bandwidth       uint64
	Reliability     float64
	LastSeen        time.Time
}

func (p *PeerInfo) has(index uint32) bool {
	for _, i := range p.AvailableChunks {
		if i == index {
			return true
		}
	}
	return false
}

// Stats counts what moved through a session
type Stats struct {
	ChunksTransferred uint64        `json:"chunks_transferred"`
	BytesSent         uint64        `json:"bytes_sent"`
	BytesReceived     uint64        `json:"bytes_received"`
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
}

// Session is the protocol state of one object transfer, keyed by content hash.
// Every method locks the session, so updates to one session are serialized.
type Session struct {
	ContentHash string

	clock clock.Clock

	mu           sync.Mutex
	state        State
	failure      ErrorType
	failReason   string
	descriptor   *descriptor.Descriptor
	chunks       map[uint32]ChunkStatus
	peers        map[peer.ID]*PeerInfo
	lastActivity time.Time
	stats        Stats
	retries      uint32
}

// NewSession creates a session in the Initiating state
func NewSession(contentHash string, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Session{
		ContentHash:  contentHash,
		clock:        clk,
		state:        StateInitiating,
		chunks:       make(map[uint32]ChunkStatus),
		peers:        make(map[peer.ID]*PeerInfo),
		lastActivity: now,
		stats:        Stats{StartedAt: now},
	}
}

func (s *Session) touch() {
	s.lastActivity = s.clock.Now()
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the failure type and reason if the session failed
func (s *Session) Failure() (ErrorType, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure, s.failReason, s.state == StateFailed
}

// SetState moves the session to state, enforcing the allowed transitions
func (s *Session) SetState(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(state)
}

func (s *Session) setStateLocked(state State) error {
	if !canTransition(s.state, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, state)
	}
	if state == StateCompleted {
		if s.descriptor == nil {
			return fmt.Errorf("%w: cannot complete without a descriptor", ErrInvalidTransition)
		}
		if len(s.pendingLocked()) > 0 {
			return fmt.Errorf("%w: %d chunks still pending", ErrInvalidTransition, len(s.pendingLocked()))
		}
	}
	s.state = state
	if state.Terminal() {
		s.stats.Duration = s.clock.Since(s.stats.StartedAt)
	}
	s.touch()
	return nil
}

// Pause suspends an active session
func (s *Session) Pause() error {
	return s.SetState(StatePaused)
}

// Resume reactivates a paused session, completing it if nothing is pending
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setStateLocked(StateActive); err != nil {
		return err
	}
	if s.descriptor != nil && len(s.pendingLocked()) == 0 {
		return s.setStateLocked(StateCompleted)
	}
	return nil
}

// Fail moves the session to Failed
func (s *Session) Fail(kind ErrorType, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setStateLocked(StateFailed); err != nil {
		return err
	}
	s.failure = kind
	s.failReason = reason
	return nil
}

// Cancel moves the session to Cancelled and releases its chunk status map.
// Chunks already stored elsewhere are unaffected.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setStateLocked(StateCancelled); err != nil {
		return err
	}
	s.chunks = make(map[uint32]ChunkStatus)
	return nil
}

// Descriptor returns the object descriptor, if known
func (s *Session) Descriptor() *descriptor.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptor
}

// SetDescriptor attaches the object descriptor. Its content hash must match the session.
func (s *Session) SetDescriptor(d *descriptor.Descriptor) error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidMessage)
	}
	if d.ContentHash != s.ContentHash {
		return fmt.Errorf("%w: descriptor %s does not match session %s", ErrInvalidMessage, d.ContentHash, s.ContentHash)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptor = d
	s.touch()
	return nil
}

// SetChunkStatus records the status of one index. A complete chunk cannot change again.
func (s *Session) SetChunkStatus(index uint32, status ChunkStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setChunkStatusLocked(index, status)
}

func (s *Session) setChunkStatusLocked(index uint32, status ChunkStatus) error {
	if s.state.Terminal() {
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.state)
	}
	if s.descriptor != nil && int(index) >= s.descriptor.ChunkCount() {
		return fmt.Errorf("%w: chunk index %d out of range", ErrInvalidMessage, index)
	}
	if cur, ok := s.chunks[index]; ok && cur.Kind == StatusComplete && status.Kind != StatusComplete {
		return fmt.Errorf("%w: chunk %d is already complete", ErrInvalidTransition, index)
	}
	s.chunks[index] = status
	s.touch()
	return nil
}

// ChunkStatus returns the status of one index
func (s *Session) ChunkStatus(index uint32) ChunkStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[index]
}

// CompleteChunk marks every index in indices complete with id and accounts the received bytes.
// The session becomes Active if it was not yet, and Completed once nothing is pending.
// It reports whether the session completed.
func (s *Session) CompleteChunk(indices []uint32, id chunk.ID, size int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return false, fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.state)
	}
	for _, idx := range indices {
		if err := s.setChunkStatusLocked(idx, Complete(id)); err != nil {
			return false, err
		}
	}
	s.stats.ChunksTransferred++
	s.stats.BytesReceived += uint64(size)

	if s.state == StateInitiating || s.state == StatePending {
		if err := s.setStateLocked(StateActive); err != nil {
			return false, err
		}
	}
	if s.state == StateActive && s.descriptor != nil && len(s.pendingLocked()) == 0 {
		if err := s.setStateLocked(StateCompleted); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RecordSent accounts chunks served from this session and activates a pending session
func (s *Session) RecordSent(chunks int, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.ChunksTransferred += uint64(chunks)
	s.stats.BytesSent += bytes
	if chunks > 0 && (s.state == StatePending || s.state == StateInitiating) {
		_ = s.setStateLocked(StateActive)
	}
	s.touch()
}

// PendingChunks returns, in ascending order, every index that is not complete
func (s *Session) PendingChunks() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Session) pendingLocked() []uint32 {
	if s.descriptor == nil {
		return nil
	}
	n := s.descriptor.ChunkCount()
	out := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		if st, ok := s.chunks[uint32(i)]; ok && st.Kind == StatusComplete {
			continue
		}
		out = append(out, uint32(i))
	}
	return out
}

// CompletedChunks counts complete indices
func (s *Session) CompletedChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedLocked()
}

func (s *Session) completedLocked() int {
	n := 0
	for _, st := range s.chunks {
		if st.Kind == StatusComplete {
			n++
		}
	}
	return n
}

// Progress returns the completed percentage, 0 before a descriptor is known
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.descriptor == nil || s.descriptor.ChunkCount() == 0 {
		return 0
	}
	return float64(s.completedLocked()) / float64(s.descriptor.ChunkCount()) * 100
}

// AddPeer adds or replaces a participating peer
func (s *Session) AddPeer(info PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info.LastSeen.IsZero() {
		info.LastSeen = s.clock.Now()
	}
	info.AvailableChunks = append([]uint32(nil), info.AvailableChunks...)
	s.peers[info.ID] = &info
	s.touch()
}

// RemovePeer drops a peer and resets chunks that were downloading from it.
// It returns the number of peers left.
func (s *Session) RemovePeer(id peer.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.peers, id)
	for idx, st := range s.chunks {
		if st.Kind == StatusDownloading && st.Peer == id {
			s.chunks[idx] = Failed("peer removed")
		}
	}
	s.touch()
	return len(s.peers)
}

// Peer returns a copy of one participating peer
func (s *Session) Peer(id peer.ID) (PeerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	cp := *p
	cp.AvailableChunks = append([]uint32(nil), p.AvailableChunks...)
	return cp, true
}

// HasPeer reports whether id participates in the session
func (s *Session) HasPeer(id peer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[id]
	return ok
}

// Peers returns copies of the participating peers, ordered by id
func (s *Session) Peers() []PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		cp := *p
		cp.AvailableChunks = append([]uint32(nil), p.AvailableChunks...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BestPeerForChunk picks the most reliable peer advertising index. Ties go to the
// lowest peer id so the choice is deterministic.
func (s *Session) BestPeerForChunk(index uint32) (PeerInfo, bool) {
	return s.BestPeerForChunkExcluding(index, nil)
}

// BestPeerForChunkExcluding is BestPeerForChunk ignoring the peers in exclude
func (s *Session) BestPeerForChunkExcluding(index uint32, exclude map[peer.ID]bool) (PeerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *PeerInfo
	for _, p := range s.peers {
		if exclude[p.ID] || !p.has(index) {
			continue
		}
		if best == nil || p.Reliability > best.Reliability ||
			(p.Reliability == best.Reliability && p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return PeerInfo{}, false
	}
	cp := *best
	cp.AvailableChunks = append([]uint32(nil), best.AvailableChunks...)
	return cp, true
}

// IsTimedOut reports whether the session has been idle for longer than timeout
func (s *Session) IsTimedOut(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Since(s.lastActivity) > timeout
}

// Touch refreshes the inactivity timer
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
}

// LastActivity returns the time of the last state-mutating call
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Stats returns a copy of the transfer counters
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if !s.state.Terminal() {
		st.Duration = s.clock.Since(st.StartedAt)
	}
	return st
}

// IncrementRetries bumps and returns the retry counter
func (s *Session) IncrementRetries() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	s.touch()
	return s.retries
}
