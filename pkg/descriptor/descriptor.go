// Package descriptor describes a large object as an ordered list of content-addressed chunks.
package descriptor

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sha256 "github.com/minio/sha256-simd"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
)

// DefaultChunkSize is the split size used when none is configured (2 MiB)
const DefaultChunkSize = 2 * 1024 * 1024

var (
	// ErrEmptyObject is returned when splitting zero bytes
	ErrEmptyObject = errors.New("object is empty")
	// ErrInvalidDescriptor is returned by Validate
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	// ErrChunkMismatch is returned by Assemble when a fetched chunk does not belong at its index
	ErrChunkMismatch = errors.New("chunk does not match descriptor")
)

// Descriptor lists the chunks that make up an object, in order
type Descriptor struct {
	ContentHash string            `json:"content_hash"`
	Name        string            `json:"name"`
	Size        uint64            `json:"size"`
	ChunkSize   uint32            `json:"chunk_size"`
	ChunkHashes []string          `json:"chunk_hashes"`
	MerkleRoot  string            `json:"merkle_root"`
	Compression chunk.Compression `json:"compression"`
	Encryption  chunk.Encryption  `json:"encryption"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Options control Split
type Options struct {
	ChunkSize  int
	Chunk      chunk.Options
	Encryption chunk.Encryption
	Key        []byte
	// Dedup drops repeated chunks from the returned slice; the descriptor still lists every index
	Dedup bool
}

// Split cuts data into chunks and describes them
func Split(name string, data []byte, opts Options) (*Descriptor, []*chunk.Chunk, error) {
	if len(data) == 0 {
		return nil, nil, ErrEmptyObject
	}
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	count := (len(data) + size - 1) / size
	hashes := make([]string, 0, count)
	chunks := make([]*chunk.Chunk, 0, count)
	seen := make(map[chunk.ID]struct{}, count)

	for i := 0; i < count; i++ {
		start := i * size
		end := start + size
		if end > len(data) {
			end = len(data)
		}

		piece, err := chunk.Seal(opts.Encryption, opts.Key, data[start:end])
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt chunk %d: %w", i, err)
		}

		c, err := chunk.NewWithOptions(piece, uint32(i), opts.Chunk)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build chunk %d: %w", i, err)
		}

		hashes = append(hashes, c.ID.String())
		if opts.Dedup {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
		}
		chunks = append(chunks, c)
	}

	d := &Descriptor{
		ContentHash: ContentHash(hashes),
		Name:        name,
		Size:        uint64(len(data)),
		ChunkSize:   uint32(size),
		ChunkHashes: hashes,
		MerkleRoot:  MerkleRoot(hashes),
		Compression: opts.Chunk.Compression,
		Encryption:  opts.Encryption,
		CreatedAt:   time.Now().UTC(),
	}
	return d, chunks, nil
}

// ContentHash hashes the concatenation of the chunk hash strings
func ContentHash(chunkHashes []string) string {
	h := sha256.New()
	for _, ch := range chunkHashes {
		h.Write([]byte(ch))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ChunkCount returns the number of chunk indices
func (d *Descriptor) ChunkCount() int {
	return len(d.ChunkHashes)
}

// ChunkID returns the id expected at index
func (d *Descriptor) ChunkID(index uint32) (chunk.ID, error) {
	if int(index) >= len(d.ChunkHashes) {
		return chunk.ID{}, fmt.Errorf("%w: index %d out of range (%d chunks)", ErrInvalidDescriptor, index, len(d.ChunkHashes))
	}
	return chunk.ParseID(d.ChunkHashes[index])
}

// ChunkIDs returns every chunk id in order
func (d *Descriptor) ChunkIDs() ([]chunk.ID, error) {
	ids := make([]chunk.ID, len(d.ChunkHashes))
	for i, h := range d.ChunkHashes {
		id, err := chunk.ParseID(h)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}

// IndexOf returns every index at which id appears
func (d *Descriptor) IndexOf(id chunk.ID) []uint32 {
	want := id.String()
	var out []uint32
	for i, h := range d.ChunkHashes {
		if h == want {
			out = append(out, uint32(i))
		}
	}
	return out
}

// Validate checks the descriptor is self-consistent
func (d *Descriptor) Validate() error {
	if len(d.ChunkHashes) == 0 {
		return fmt.Errorf("%w: no chunks", ErrInvalidDescriptor)
	}
	if len(d.ContentHash) != 64 {
		return fmt.Errorf("%w: content hash must be 64 characters", ErrInvalidDescriptor)
	}
	if _, err := d.ChunkIDs(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if got := ContentHash(d.ChunkHashes); got != d.ContentHash {
		return fmt.Errorf("%w: content hash mismatch", ErrInvalidDescriptor)
	}
	if d.MerkleRoot != "" && MerkleRoot(d.ChunkHashes) != d.MerkleRoot {
		return fmt.Errorf("%w: merkle root mismatch", ErrInvalidDescriptor)
	}
	return d.validateSize()
}

// validateSize checks that Size fills every chunk but the last and at least part of the last
func (d *Descriptor) validateSize() error {
	if d.ChunkSize == 0 {
		return fmt.Errorf("%w: chunk size is zero", ErrInvalidDescriptor)
	}
	n := uint64(len(d.ChunkHashes))
	per := uint64(d.ChunkSize)
	if d.Size <= (n-1)*per || d.Size > n*per {
		return fmt.Errorf("%w: size %d does not fit %d chunks of %d bytes", ErrInvalidDescriptor, d.Size, n, per)
	}
	return nil
}

// Assemble fetches, verifies and concatenates every chunk
func (d *Descriptor) Assemble(fetch func(chunk.ID) (*chunk.Chunk, error), key []byte) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	ids, err := d.ChunkIDs()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, d.Size)
	for i, id := range ids {
		c, err := fetch(id)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chunk %d: %w", i, err)
		}
		if c == nil || c.ID != id {
			return nil, fmt.Errorf("%w: index %d", ErrChunkMismatch, i)
		}
		if err := c.Verify(); err != nil {
			return nil, err
		}
		raw, err := c.Decompress()
		if err != nil {
			return nil, err
		}
		plain, err := chunk.Open(d.Encryption, key, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt chunk %d: %w", i, err)
		}
		out = append(out, plain...)
	}

	if uint64(len(out)) != d.Size {
		return nil, fmt.Errorf("%w: assembled %d bytes, expected %d", ErrChunkMismatch, len(out), d.Size)
	}
	return out, nil
}
