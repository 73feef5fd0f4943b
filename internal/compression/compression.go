// Package compression provides per-block compression for SSTable data
// blocks. Each block carries a one-byte compression tag in its trailer;
// the tag values are part of the on-disk format and must not change.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a block compression algorithm.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0
	// Snappy compresses blocks with google snappy.
	Snappy Type = 1
	// LZ4 compresses blocks with the LZ4 frame format at the fast level.
	LZ4 Type = 2
	// LZ4HC is LZ4 at a high-compression level.
	LZ4HC Type = 3
	// Zstd compresses blocks with Zstandard at the default level.
	Zstd Type = 4
)

// String returns the human-readable name of the compression type.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case LZ4HC:
		return "lz4hc"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Supported reports whether t is a compression type this build can handle.
func (t Type) Supported() bool {
	switch t {
	case None, Snappy, LZ4, LZ4HC, Zstd:
		return true
	default:
		return false
	}
}

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc
}

func zstdDecoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

// Compress compresses data with the given type. The returned slice may
// alias data when t is None.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case LZ4:
		return lz4Frame(data, lz4.Fast)
	case LZ4HC:
		return lz4Frame(data, lz4.Level9)
	case Zstd:
		return zstdEncoder().EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

// Decompress reverses Compress for the given type.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		return snappy.Decode(nil, data)
	case LZ4, LZ4HC:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	case Zstd:
		return zstdDecoder().DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("compression: unsupported type %s", t)
	}
}

func lz4Frame(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}
