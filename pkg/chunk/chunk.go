package chunk

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Info is the metadata carried alongside a chunk's bytes
type Info struct {
	OriginalSize   uint64      `json:"original_size"`
	CompressedSize uint64      `json:"compressed_size"` // 0 when stored uncompressed
	Compression    Compression `json:"compression"`
	Checksum       uint32      `json:"checksum"` // CRC32 (IEEE) of the decompressed bytes
	Index          uint32      `json:"index"`
	Replicas       []peer.ID   `json:"replicas,omitempty"`
}

// CompressionRatio returns compressed/original, or 1.0 when the chunk is not compressed
func (i *Info) CompressionRatio() float64 {
	if i.Compression == CompressionNone || i.OriginalSize == 0 {
		return 1.0
	}
	return float64(i.CompressedSize) / float64(i.OriginalSize)
}

// AddReplica records a peer as holding a copy; it reports whether the peer was new
func (i *Info) AddReplica(p peer.ID) bool {
	for _, r := range i.Replicas {
		if r == p {
			return false
		}
	}
	i.Replicas = append(i.Replicas, p)
	return true
}

// RemoveReplica forgets a replica holder
func (i *Info) RemoveReplica(p peer.ID) bool {
	for idx, r := range i.Replicas {
		if r == p {
			i.Replicas = append(i.Replicas[:idx], i.Replicas[idx+1:]...)
			return true
		}
	}
	return false
}

// Options control how raw bytes become a chunk
type Options struct {
	Compression Compression
	Level       int
	// MinSize skips compression for payloads smaller than this many bytes
	MinSize int
}

// Chunk is a content-addressed unit of data. It must not be mutated after construction;
// use Clone before handing one to code that may change Info.Replicas.
type Chunk struct {
	ID   ID     `json:"id"`
	Data []byte `json:"data"`
	Info Info   `json:"info"`
}

// New builds a chunk from raw bytes using the default level and no size threshold
func New(raw []byte, index uint32, algo Compression) (*Chunk, error) {
	return NewWithOptions(raw, index, Options{Compression: algo, Level: DefaultLevel})
}

// NewWithOptions builds a chunk. The checksum is taken over raw; if compression does not make
// the payload strictly smaller the raw bytes are stored and Compression is recorded as none.
func NewWithOptions(raw []byte, index uint32, opts Options) (*Chunk, error) {
	info := Info{
		OriginalSize: uint64(len(raw)),
		Checksum:     crc32.ChecksumIEEE(raw),
		Index:        index,
		Compression:  CompressionNone,
	}

	stored := raw
	if opts.Compression != CompressionNone && len(raw) >= opts.MinSize {
		compressed, err := Compress(raw, opts.Compression, opts.Level)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(raw) {
			stored = compressed
			info.Compression = opts.Compression
			info.CompressedSize = uint64(len(compressed))
		}
	}

	data := make([]byte, len(stored))
	copy(data, stored)

	return &Chunk{
		ID:   IDFromData(data),
		Data: data,
		Info: info,
	}, nil
}

// Len returns the number of stored bytes
func (c *Chunk) Len() int {
	return len(c.Data)
}

// IsCompressed reports whether the stored bytes are compressed
func (c *Chunk) IsCompressed() bool {
	return c.Info.Compression != CompressionNone
}

// Decompress returns the original bytes. Output beyond Info.OriginalSize is an error.
func (c *Chunk) Decompress() ([]byte, error) {
	return DecompressLimit(c.Data, c.Info.Compression, c.Info.OriginalSize)
}

// Verify runs the hash, size and checksum checks in order and returns the first failure
func (c *Chunk) Verify() error {
	if got := IDFromData(c.Data); got != c.ID {
		return &IntegrityError{ID: c.ID, Reason: HashMismatch, Expected: c.ID.String(), Actual: got.String()}
	}

	raw, err := c.Decompress()
	if errors.Is(err, ErrOutputTooLarge) {
		return &IntegrityError{
			ID:       c.ID,
			Reason:   SizeMismatch,
			Expected: strconv.FormatUint(c.Info.OriginalSize, 10),
			Actual:   fmt.Sprintf("more than %d", c.Info.OriginalSize),
		}
	}
	if err != nil {
		return &IntegrityError{ID: c.ID, Reason: DecompressFailed, Expected: c.Info.Compression.String(), Actual: err.Error()}
	}

	if uint64(len(raw)) != c.Info.OriginalSize {
		return &IntegrityError{
			ID:       c.ID,
			Reason:   SizeMismatch,
			Expected: strconv.FormatUint(c.Info.OriginalSize, 10),
			Actual:   strconv.Itoa(len(raw)),
		}
	}

	if sum := crc32.ChecksumIEEE(raw); sum != c.Info.Checksum {
		return &IntegrityError{
			ID:       c.ID,
			Reason:   ChecksumMismatch,
			Expected: fmt.Sprintf("%08x", c.Info.Checksum),
			Actual:   fmt.Sprintf("%08x", sum),
		}
	}

	return nil
}

// Clone returns a deep copy
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	out := &Chunk{ID: c.ID, Info: c.Info}
	out.Data = make([]byte, len(c.Data))
	copy(out.Data, c.Data)
	if c.Info.Replicas != nil {
		out.Info.Replicas = make([]peer.ID, len(c.Info.Replicas))
		copy(out.Info.Replicas, c.Info.Replicas)
	}
	return out
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk %s #%d (%d bytes, %s)", c.ID.Short(), c.Info.Index, len(c.Data), c.Info.Compression)
}
