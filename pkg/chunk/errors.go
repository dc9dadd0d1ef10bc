package chunk

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidID is returned for malformed hex chunk ids
	ErrInvalidID = errors.New("invalid chunk id")
	// ErrCompression is returned when data cannot be compressed with the requested algorithm
	ErrCompression = errors.New("compression failed")
	// ErrDecompression is returned when stored bytes do not match their algorithm tag
	ErrDecompression = errors.New("decompression failed")
	// ErrOutputTooLarge is returned by DecompressLimit when the output would pass its limit
	ErrOutputTooLarge = errors.New("decompressed output too large")
	// ErrIntegrity is the parent of every IntegrityError
	ErrIntegrity = errors.New("integrity check failed")
	// ErrEncryption covers key, seal and open failures
	ErrEncryption = errors.New("encryption failed")
)

// IntegrityReason names which integrity check failed
type IntegrityReason int

const (
	// HashMismatch means the stored bytes do not hash to the chunk id
	HashMismatch IntegrityReason = iota + 1
	// SizeMismatch means decompression produced the wrong number of bytes
	SizeMismatch
	// ChecksumMismatch means the decompressed CRC32 differs from the recorded checksum
	ChecksumMismatch
	// DecompressFailed means the stored bytes could not be decompressed at all
	DecompressFailed
)

func (r IntegrityReason) String() string {
	switch r {
	case HashMismatch:
		return "hash mismatch"
	case SizeMismatch:
		return "size mismatch"
	case ChecksumMismatch:
		return "checksum mismatch"
	case DecompressFailed:
		return "decompression failed"
	default:
		return "unknown"
	}
}

// IntegrityError describes a failed integrity check on a chunk
type IntegrityError struct {
	ID       ID
	Reason   IntegrityReason
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: chunk %s: %s (expected %s, got %s)", ErrIntegrity, e.ID.Short(), e.Reason, e.Expected, e.Actual)
}

// Unwrap lets errors.Is match ErrIntegrity
func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// IntegrityReasonOf returns the reason of an IntegrityError anywhere in err's chain
func IntegrityReasonOf(err error) (IntegrityReason, bool) {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return ie.Reason, true
	}
	return 0, false
}
