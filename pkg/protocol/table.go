package protocol

import (
	"sort"
	"sync"
	"time"

	"github.com/raulk/clock"
)

// Table owns the transfer sessions of one node, keyed by content hash
type Table struct {
	clock clock.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTable creates an empty session table
func NewTable(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{
		clock:    clk,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for contentHash, creating it in Initiating if absent.
// created reports whether this call made it.
func (t *Table) GetOrCreate(contentHash string) (s *Session, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[contentHash]; ok {
		return s, false
	}
	s = NewSession(contentHash, t.clock)
	t.sessions[contentHash] = s
	return s, true
}

// Get looks up a session
func (t *Table) Get(contentHash string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[contentHash]
	return s, ok
}

// Remove drops a session, reporting whether it existed
func (t *Table) Remove(contentHash string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[contentHash]
	delete(t.sessions, contentHash)
	return ok
}

// List returns every session ordered by content hash
func (t *Table) List() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ContentHash < out[j].ContentHash })
	return out
}

// Len returns the number of tracked sessions
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Active counts sessions that have not reached a terminal state
func (t *Table) Active() int {
	n := 0
	for _, s := range t.List() {
		if !s.State().Terminal() {
			n++
		}
	}
	return n
}

// CleanupTimedOut fails idle non-terminal sessions with a timeout and removes every
// session idle for longer than timeout. It returns the removed content hashes.
func (t *Table) CleanupTimedOut(timeout time.Duration) []string {
	var removed []string
	for _, s := range t.List() {
		if !s.IsTimedOut(timeout) {
			continue
		}
		if !s.State().Terminal() {
			_ = s.Fail(ErrorTimeout, "session inactive")
		}
		if t.Remove(s.ContentHash) {
			removed = append(removed, s.ContentHash)
		}
	}
	return removed
}

// Reap removes every session in a terminal state and returns how many were removed
func (t *Table) Reap() int {
	n := 0
	for _, s := range t.List() {
		if s.State().Terminal() && t.Remove(s.ContentHash) {
			n++
		}
	}
	return n
}
