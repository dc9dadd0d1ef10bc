package replication

import (
	"sort"
)

// StoragePolicy weights the factors used to rank primary and replica nodes
type StoragePolicy struct {
	Reputation         float64 `json:"w_reputation" toml:"reputation"`
	FreeCapacity       float64 `json:"w_free_capacity" toml:"free_capacity"`
	Latency            float64 `json:"w_latency" toml:"latency"`
	GeoDiversity       float64 `json:"w_geo_diversity" toml:"geo_diversity"`
	Energy             float64 `json:"w_energy" toml:"energy"`
	UtilisationBalance float64 `json:"w_utilisation_balance" toml:"utilisation_balance"`
}

// DefaultStoragePolicy returns the standard weights
func DefaultStoragePolicy() StoragePolicy {
	return StoragePolicy{
		Reputation:         0.35,
		FreeCapacity:       0.20,
		Latency:            0.15,
		GeoDiversity:       0.10,
		Energy:             0.05,
		UtilisationBalance: 0.15,
	}
}

// maxLatencyMs caps latency before normalisation
const maxLatencyMs = 500

// NodeMetrics is a scoring snapshot of one node. Fractions are in [0,1].
type NodeMetrics struct {
	NodeID       string  `json:"node_id"`
	Reputation   float64 `json:"reputation"`
	FreeCapacity float64 `json:"free_capacity"`
	LatencyMs    uint32  `json:"latency_ms"`
	Region       string  `json:"region"`
	EnergyScore  float64 `json:"energy_score"`
	Utilisation  float64 `json:"utilisation"`
}

// Score is the weighted sum of a node's metrics, excluding geo diversity
func (p StoragePolicy) Score(m NodeMetrics) float64 {
	latency := float64(m.LatencyMs)
	if latency > maxLatencyMs {
		latency = maxLatencyMs
	}
	return p.Reputation*m.Reputation +
		p.FreeCapacity*m.FreeCapacity +
		p.Latency*(1-latency/maxLatencyMs) +
		p.Energy*m.EnergyScore +
		p.UtilisationBalance*(1-m.Utilisation)
}

// eligible filters out nearly full or untrusted nodes
func eligible(m NodeMetrics) bool {
	return m.FreeCapacity > 0.1 && m.Reputation > 0.2
}

// AllocateNodes picks copies+1 node ids, primary first. Each pick takes the best score,
// discounted by the geo diversity weight when the node's region already has a pick;
// ties go to the lowest node id.
func AllocateNodes(policy StoragePolicy, nodes []NodeMetrics, copies int) []string {
	type scored struct {
		id     string
		region string
		score  float64
	}
	candidates := make([]scored, 0, len(nodes))
	for _, m := range nodes {
		if !eligible(m) {
			continue
		}
		candidates = append(candidates, scored{id: m.NodeID, region: m.Region, score: policy.Score(m)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	needed := copies + 1
	selected := make([]string, 0, needed)
	regions := make(map[string]bool)
	taken := make([]bool, len(candidates))

	for len(selected) < needed {
		best := -1
		var bestScore float64
		for i, c := range candidates {
			if taken[i] {
				continue
			}
			s := c.score
			if regions[c.region] {
				s *= 1 - policy.GeoDiversity
			}
			// candidates are sorted, so strict improvement keeps the lowest id on ties
			if best < 0 || s > bestScore {
				best, bestScore = i, s
			}
		}
		if best < 0 {
			break
		}
		taken[best] = true
		selected = append(selected, candidates[best].id)
		regions[candidates[best].region] = true
	}
	return selected
}
