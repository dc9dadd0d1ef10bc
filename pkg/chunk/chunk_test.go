package chunk

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestChunkRoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty":      {},
		"small":      []byte("hello chunk"),
		"repetitive": bytes.Repeat([]byte("abcdefgh"), 8192),
		"random":     randomBytes(t, 4096),
	}

	for _, algo := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		for name, payload := range payloads {
			t.Run(algo.String()+"/"+name, func(t *testing.T) {
				c, err := New(payload, 3, algo)
				require.NoError(t, err)

				raw, err := c.Decompress()
				require.NoError(t, err)
				assert.Equal(t, len(payload), len(raw))
				assert.True(t, bytes.Equal(payload, raw))
				assert.NoError(t, c.Verify())
				assert.Equal(t, uint32(3), c.Info.Index)
				assert.Equal(t, uint64(len(payload)), c.Info.OriginalSize)
				assert.Equal(t, IDFromData(c.Data), c.ID)
			})
		}
	}
}

func TestChunkCompressionFallback(t *testing.T) {
	t.Run("compressible data is stored compressed", func(t *testing.T) {
		payload := bytes.Repeat([]byte("filezap "), 4096)
		for _, algo := range []Compression{CompressionLZ4, CompressionZstd} {
			c, err := New(payload, 0, algo)
			require.NoError(t, err)
			assert.Equal(t, algo, c.Info.Compression)
			assert.True(t, c.IsCompressed())
			assert.Equal(t, uint64(c.Len()), c.Info.CompressedSize)
			assert.Less(t, c.Len(), len(payload))
			assert.Less(t, c.Info.CompressionRatio(), 1.0)
		}
	})

	t.Run("incompressible data falls back to none", func(t *testing.T) {
		payload := randomBytes(t, 64)
		c, err := New(payload, 0, CompressionLZ4)
		require.NoError(t, err)
		assert.Equal(t, CompressionNone, c.Info.Compression)
		assert.Equal(t, uint64(0), c.Info.CompressedSize)
		assert.Equal(t, payload, c.Data)
		assert.Equal(t, 1.0, c.Info.CompressionRatio())
	})

	t.Run("payload below minimum size is not compressed", func(t *testing.T) {
		payload := bytes.Repeat([]byte("a"), 2000)
		c, err := NewWithOptions(payload, 0, Options{Compression: CompressionZstd, Level: 3, MinSize: 4096})
		require.NoError(t, err)
		assert.Equal(t, CompressionNone, c.Info.Compression)
		assert.Equal(t, payload, c.Data)
	})

	t.Run("unsupported algorithm is a hard error", func(t *testing.T) {
		_, err := New([]byte("data"), 0, Compression(42))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCompression)
	})
}

func TestChunkDedup(t *testing.T) {
	payload := bytes.Repeat([]byte("same bytes "), 100)

	a, err := New(payload, 0, CompressionLZ4)
	require.NoError(t, err)
	b, err := New(payload, 7, CompressionLZ4)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, a.Data, b.Data)
}

func TestChunkVerifyDetectsCorruption(t *testing.T) {
	payload := bytes.Repeat([]byte("integrity "), 512)

	for _, algo := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			original, err := New(payload, 0, algo)
			require.NoError(t, err)

			for _, offset := range []int{0, original.Len() / 2, original.Len() - 1} {
				c := original.Clone()
				c.Data[offset] ^= 0xFF

				err := c.Verify()
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrIntegrity)
				reason, ok := IntegrityReasonOf(err)
				require.True(t, ok)
				assert.Equal(t, HashMismatch, reason)
			}
		})
	}

	t.Run("size mismatch", func(t *testing.T) {
		c, err := New(payload, 0, CompressionZstd)
		require.NoError(t, err)
		c.Info.OriginalSize++
		reason, ok := IntegrityReasonOf(c.Verify())
		require.True(t, ok)
		assert.Equal(t, SizeMismatch, reason)
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		c, err := New(payload, 0, CompressionLZ4)
		require.NoError(t, err)
		c.Info.Checksum++
		reason, ok := IntegrityReasonOf(c.Verify())
		require.True(t, ok)
		assert.Equal(t, ChecksumMismatch, reason)
	})

	t.Run("wrong algorithm tag", func(t *testing.T) {
		c, err := New([]byte("plain text that is not zstd"), 0, CompressionNone)
		require.NoError(t, err)
		c.Info.Compression = CompressionZstd

		_, err = c.Decompress()
		assert.ErrorIs(t, err, ErrDecompression)

		reason, ok := IntegrityReasonOf(c.Verify())
		require.True(t, ok)
		assert.Equal(t, DecompressFailed, reason)
	})
}

func TestVerifyBoundsDecompressedSize(t *testing.T) {
	bomb := make([]byte, 16<<20)

	for _, algo := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			compressed, err := Compress(bomb, algo, DefaultLevel)
			require.NoError(t, err)
			require.Less(t, len(compressed), 1<<20)

			c := &Chunk{
				ID:   IDFromData(compressed),
				Data: compressed,
				Info: Info{
					OriginalSize:   16,
					CompressedSize: uint64(len(compressed)),
					Compression:    algo,
					Checksum:       crc32.ChecksumIEEE(bomb[:16]),
				},
			}

			err = c.Verify()
			reason, ok := IntegrityReasonOf(err)
			require.True(t, ok, "%v", err)
			assert.Equal(t, SizeMismatch, reason)

			_, err = DecompressLimit(compressed, algo, 16)
			assert.ErrorIs(t, err, ErrOutputTooLarge)

			raw, err := DecompressLimit(compressed, algo, uint64(len(bomb)))
			require.NoError(t, err)
			assert.Len(t, raw, len(bomb))
		})
	}

	t.Run("none", func(t *testing.T) {
		_, err := DecompressLimit([]byte("seventeen bytes!!"), CompressionNone, 16)
		assert.ErrorIs(t, err, ErrOutputTooLarge)
	})

	t.Run("small zstd chunk", func(t *testing.T) {
		c, err := New(bytes.Repeat([]byte("z"), 600), 0, CompressionZstd)
		require.NoError(t, err)
		require.True(t, c.IsCompressed())
		assert.NoError(t, c.Verify())
	})
}

func TestParseID(t *testing.T) {
	c, err := New([]byte("address me"), 0, CompressionNone)
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid lowercase", c.ID.String(), false},
		{"valid uppercase", strings.ToUpper(c.ID.String()), false},
		{"too short", c.ID.String()[:63], true},
		{"too long", c.ID.String() + "0", true},
		{"non hex", "g" + c.ID.String()[1:], true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseID(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.ID, id)
		})
	}

	assert.Len(t, c.ID.Short(), 8)
	assert.True(t, strings.HasPrefix(c.ID.String(), c.ID.Short()))
	assert.False(t, c.ID.IsZero())
	assert.True(t, ID{}.IsZero())
}

func TestIDCID(t *testing.T) {
	id := IDFromData([]byte("provider record"))
	back, err := IDFromCID(id.CID())
	require.NoError(t, err)
	assert.Equal(t, id, back)
}

func TestChunkJSON(t *testing.T) {
	c, err := New(bytes.Repeat([]byte("json"), 300), 2, CompressionZstd)
	require.NoError(t, err)
	c.Info.AddReplica(test.RandPeerIDFatal(t))

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"compression":"zstd"`)
	assert.Contains(t, string(data), c.ID.String())

	var decoded Chunk
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NoError(t, decoded.Verify())
	assert.Equal(t, c.Info, decoded.Info)
}

func TestInfoReplicas(t *testing.T) {
	var info Info
	assert.True(t, info.AddReplica("a"))
	assert.True(t, info.AddReplica("b"))
	assert.False(t, info.AddReplica("a"))
	assert.Equal(t, []peer.ID{"a", "b"}, info.Replicas)

	assert.True(t, info.RemoveReplica("a"))
	assert.False(t, info.RemoveReplica("a"))
	assert.Equal(t, []peer.ID{"b"}, info.Replicas)
}

func TestCloneIsDeep(t *testing.T) {
	c, err := New([]byte("clone me"), 0, CompressionNone)
	require.NoError(t, err)
	c.Info.AddReplica("a")

	cp := c.Clone()
	cp.Data[0] = 'X'
	cp.Info.Replicas[0] = "z"

	assert.Equal(t, byte('c'), c.Data[0])
	assert.Equal(t, peer.ID("a"), c.Info.Replicas[0])
}
