package reward

import (
	"math"
)

// Policy sets what a storage provider earns
type Policy struct {
	// BaseRatePerGiBHour is paid for the original copy
	BaseRatePerGiBHour uint64 `json:"base_rate_per_gib_hour" toml:"base_rate_per_gib_hour"`
	// RedundancyMultiplier scales the base for each extra copy, usually in [0,1]
	RedundancyMultiplier float64 `json:"redundancy_multiplier" toml:"redundancy_multiplier"`
}

// DefaultPolicy returns the network-wide default rates
func DefaultPolicy() Policy {
	return Policy{BaseRatePerGiBHour: 1, RedundancyMultiplier: 0.4}
}

// Reward is what storing bytes for hours with copies extra replicas earns: the base for
// the original plus the multiplier-scaled replica units, truncated. copies excludes the
// original. Arithmetic saturates at math.MaxUint64.
func Reward(bytes, hours uint64, copies uint32, policy Policy) uint64 {
	units := satMul(ceilGiB(bytes), hours)
	base := satMul(units, policy.BaseRatePerGiBHour)
	if copies == 0 || policy.RedundancyMultiplier <= 0 {
		return base
	}

	replicaUnits := satMul(units, uint64(copies))
	extra := float64(replicaUnits) * policy.RedundancyMultiplier
	if extra >= math.MaxUint64 {
		return math.MaxUint64
	}
	return satAdd(base, uint64(extra))
}
