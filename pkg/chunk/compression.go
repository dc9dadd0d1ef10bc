package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to a chunk's stored bytes
type Compression uint8

const (
	// CompressionNone stores bytes as-is
	CompressionNone Compression = iota
	// CompressionLZ4 uses the LZ4 frame format
	CompressionLZ4
	// CompressionZstd uses a single zstd frame
	CompressionZstd
)

// DefaultLevel is the compression level used when none is configured
const DefaultLevel = 4

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression parses a config name such as "lz4"
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("%w: unknown algorithm %q", ErrCompression, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (c Compression) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Compression) UnmarshalText(text []byte) error {
	parsed, err := ParseCompression(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Fast, lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
	lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

var (
	zstdEncoders sync.Map // zstd.EncoderLevel -> *zstd.Encoder

	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
)

func zstdEncoder(level int) (*zstd.Encoder, error) {
	lvl := zstd.EncoderLevelFromZstd(level)
	if enc, ok := zstdEncoders.Load(lvl); ok {
		return enc.(*zstd.Encoder), nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl))
	if err != nil {
		return nil, err
	}
	actual, _ := zstdEncoders.LoadOrStore(lvl, enc)
	return actual.(*zstd.Encoder), nil
}

func sharedZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdDecoder, zstdDecoderErr
}

// Compress compresses data with the given algorithm and level
func Compress(data []byte, algo Compression, level int) ([]byte, error) {
	switch algo {
	case CompressionNone:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil

	case CompressionLZ4:
		if level < 0 || level >= len(lz4Levels) {
			level = DefaultLevel
		}
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if err := zw.Apply(lz4.CompressionLevelOption(lz4Levels[level])); err != nil {
			return nil, fmt.Errorf("%w: lz4 options: %v", ErrCompression, err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCompression, err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCompression, err)
		}
		return buf.Bytes(), nil

	case CompressionZstd:
		enc, err := zstdEncoder(level)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCompression, err)
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data))), nil

	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrCompression, algo)
	}
}

// Decompress reverses Compress
func Decompress(data []byte, algo Compression) ([]byte, error) {
	switch algo {
	case CompressionNone:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil

	case CompressionLZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrDecompression, err)
		}
		return out, nil

	case CompressionZstd:
		dec, err := sharedZstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecompression, err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecompression, err)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrDecompression, algo)
	}
}

// DecompressLimit reverses Compress but stops reading once the output passes limit bytes,
// returning ErrOutputTooLarge. Use it for bytes received from other peers.
func DecompressLimit(data []byte, algo Compression, limit uint64) ([]byte, error) {
	switch algo {
	case CompressionNone:
		if uint64(len(data)) > limit {
			return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrOutputTooLarge, len(data), limit)
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil

	case CompressionLZ4:
		out, err := readLimited(lz4.NewReader(bytes.NewReader(data)), limit)
		if err != nil && !errors.Is(err, ErrOutputTooLarge) {
			return nil, fmt.Errorf("%w: lz4: %v", ErrDecompression, err)
		}
		return out, err

	case CompressionZstd:
		var h zstd.Header
		if err := h.Decode(data); err == nil && h.HasFCS && h.FrameContentSize > limit {
			return nil, fmt.Errorf("%w: frame declares %d bytes, limit %d", ErrOutputTooLarge, h.FrameContentSize, limit)
		}
		dec, err := zstd.NewReader(bytes.NewReader(data),
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxWindow(windowFor(limit)),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecompression, err)
		}
		defer dec.Close()
		out, err := readLimited(dec, limit)
		if err != nil && !errors.Is(err, ErrOutputTooLarge) {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecompression, err)
		}
		return out, err

	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %s", ErrDecompression, algo)
	}
}

// readLimited reads r to EOF, failing as soon as more than limit bytes arrive
func readLimited(r io.Reader, limit uint64) ([]byte, error) {
	n := int64(math.MaxInt64)
	if limit < math.MaxInt64 {
		n = int64(limit) + 1
	}
	out, err := io.ReadAll(io.LimitReader(r, n))
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrOutputTooLarge, limit)
	}
	return out, nil
}

// zstdDefaultWindow is the window the encoder declares for frames it cannot mark single segment
const zstdDefaultWindow = 8 << 20

// windowFor bounds the zstd history buffer to the expected output, never below what our own
// encoder declares
func windowFor(limit uint64) uint64 {
	switch {
	case limit < zstdDefaultWindow:
		return zstdDefaultWindow
	case limit > zstd.MaxWindowSize:
		return zstd.MaxWindowSize
	default:
		return limit
	}
}
