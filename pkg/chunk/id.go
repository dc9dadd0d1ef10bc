package chunk

import (
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	sha256 "github.com/minio/sha256-simd"
	mh "github.com/multiformats/go-multihash"
)

// IDSize is the length of a chunk id in bytes
const IDSize = sha256.Size

// ID is the content address of a chunk: the SHA-256 of its stored bytes
type ID [IDSize]byte

// IDFromData computes the content address of data
func IDFromData(data []byte) ID {
	return ID(sha256.Sum256(data))
}

// ParseID parses a 64 character hex string into an ID
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != hex.EncodedLen(IDSize) {
		return id, fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidID, hex.EncodedLen(IDSize), len(s))
	}
	for i := 0; i < len(s); i++ {
		if !isHexDigit(s[i]) {
			return id, fmt.Errorf("%w: invalid character %q at offset %d", ErrInvalidID, s[i], i)
		}
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return id, nil
}

// MustParseID is like ParseID but panics on malformed input
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// String returns the full lowercase hex form
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, used in logs
func (id ID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether the id is unset
func (id ID) IsZero() bool {
	return id == ID{}
}

// CID wraps the id as a raw CIDv1 so it can be announced as a DHT provider record
func (id ID) CID() cid.Cid {
	digest, err := mh.Encode(id[:], mh.SHA2_256)
	if err != nil {
		// Encode only fails for unknown codes or mismatched lengths
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, digest)
}

// IDFromCID extracts the chunk id from a raw sha2-256 CID
func IDFromCID(c cid.Cid) (ID, error) {
	var id ID
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if decoded.Code != mh.SHA2_256 || len(decoded.Digest) != IDSize {
		return id, fmt.Errorf("%w: unsupported multihash %s", ErrInvalidID, decoded.Name)
	}
	copy(id[:], decoded.Digest)
	return id, nil
}

// MarshalText implements encoding.TextMarshaler
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
