// Package reward prices redundant storage and computes what replica holders earn.
package reward

import (
	"math"
	"math/bits"
)

// GiB is the billing unit
const GiB uint64 = 1 << 30

// DefaultPricePerGiB is the quote rate, in tokens per GiB per copy
const DefaultPricePerGiB uint64 = 10

// RedundancyPolicy is how many copies beyond the original to keep
type RedundancyPolicy struct {
	Copies    uint8 `json:"copies" toml:"copies"`
	GeoSpread bool  `json:"geo_spread" toml:"geo_spread"`
}

// PriceQuote is the price of storing an object under a redundancy policy
type PriceQuote struct {
	TotalBytes uint64 `json:"total_bytes"`
	Redundancy uint8  `json:"redundancy"`
	Price      uint64 `json:"price"`
}

// Quote multiplies bytes by the copy count, rounds up to whole GiB and charges rate per GiB.
// Every step saturates at math.MaxUint64.
func Quote(bytes uint64, policy RedundancyPolicy, rate uint64) PriceQuote {
	total := satMul(bytes, uint64(policy.Copies)+1)
	return PriceQuote{
		TotalBytes: total,
		Redundancy: policy.Copies,
		Price:      satMul(ceilGiB(total), rate),
	}
}

// ceilGiB rounds up to whole GiB without overflowing on values near the top of the range
func ceilGiB(n uint64) uint64 {
	q := n / GiB
	if n%GiB != 0 {
		q++
	}
	return q
}

func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

func satAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
