package descriptor

import (
	"encoding/hex"

	sha256 "github.com/minio/sha256-simd"
)

// MerkleRoot folds hex leaf hashes pairwise, hashing the concatenated hex strings.
// The last node of an odd level is paired with itself.
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}

	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		level = next
	}
	return level[0]
}

func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}
