// Package replication decides where extra copies of chunks should go.
package replication

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raulk/clock"
)

// DefaultFreshness is how recently a node must have been seen to receive a copy
const DefaultFreshness = 300 * time.Second

// StorageNode is a candidate replication target
type StorageNode struct {
	ID          peer.ID   `json:"id"`
	Address     string    `json:"address"`
	Capacity    uint64    `json:"capacity"`
	UsedSpace   uint64    `json:"used_space"`
	LastSeen    time.Time `json:"last_seen"`
	Reliability float64   `json:"reliability_score"`
}

// FreeSpace returns capacity not yet used
func (n StorageNode) FreeSpace() uint64 {
	if n.UsedSpace >= n.Capacity {
		return 0
	}
	return n.Capacity - n.UsedSpace
}

// Placement asks Node to hold a copy of Key
type Placement struct {
	Node peer.ID `json:"node"`
	Key  string  `json:"key"`
}

// Plan is the outcome of planning one key
type Plan struct {
	Key        string      `json:"key"`
	Placements []Placement `json:"placements"`
	// Missing counts holders still lacking after every placement; non-zero means under-replicated
	Missing int `json:"missing"`
}

// UnderReplicated reports whether the target could not be reached
func (p Plan) UnderReplicated() bool {
	return p.Missing > 0
}

// PlanReplication adds targets until there are required+1 holders. Targets must have been
// seen within freshness of now and must not already hold the key; among those the most
// reliable wins, ties going to the lowest id. It stops early when no target is eligible.
func PlanReplication(key string, holders []peer.ID, required int, nodes []StorageNode, now time.Time, freshness time.Duration) Plan {
	plan := Plan{Key: key}
	want := required + 1

	current := make(map[peer.ID]struct{}, len(holders)+want)
	for _, h := range holders {
		current[h] = struct{}{}
	}

	candidates := make([]StorageNode, 0, len(nodes))
	for _, n := range nodes {
		if now.Sub(n.LastSeen) > freshness {
			continue
		}
		if _, held := current[n.ID]; held {
			continue
		}
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Reliability != candidates[j].Reliability {
			return candidates[i].Reliability > candidates[j].Reliability
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, n := range candidates {
		if len(current) >= want {
			break
		}
		if _, held := current[n.ID]; held {
			continue
		}
		plan.Placements = append(plan.Placements, Placement{Node: n.ID, Key: key})
		current[n.ID] = struct{}{}
	}
	if len(current) < want {
		plan.Missing = want - len(current)
	}
	return plan
}

// Planner keeps the node directory that PlanReplication reads
type Planner struct {
	clock     clock.Clock
	freshness time.Duration

	mu    sync.RWMutex
	nodes map[peer.ID]StorageNode
}

// NewPlanner creates a planner; freshness 0 uses DefaultFreshness
func NewPlanner(freshness time.Duration, clk clock.Clock) *Planner {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Planner{
		clock:     clk,
		freshness: freshness,
		nodes:     make(map[peer.ID]StorageNode),
	}
}

// UpsertNode adds or replaces a node
func (p *Planner) UpsertNode(n StorageNode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[n.ID] = n
}

// SetNodes replaces the whole directory
func (p *Planner) SetNodes(nodes []StorageNode) {
	m := make(map[peer.ID]StorageNode, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	p.mu.Lock()
	p.nodes = m
	p.mu.Unlock()
}

// RemoveNode forgets a node
func (p *Planner) RemoveNode(id peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nodes, id)
}

// Nodes returns a snapshot ordered by id
func (p *Planner) Nodes() []StorageNode {
	p.mu.RLock()
	out := make([]StorageNode, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Plan runs PlanReplication against a snapshot of the directory
func (p *Planner) Plan(key string, holders []peer.ID, required int) Plan {
	return PlanReplication(key, holders, required, p.Nodes(), p.clock.Now(), p.freshness)
}
