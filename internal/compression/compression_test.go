package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(""),
		[]byte("short"),
		[]byte(strings.Repeat("compressible data block ", 500)),
		bytes.Repeat([]byte{0}, 4096),
	}
	for _, typ := range []Type{None, Snappy, LZ4, LZ4HC, Zstd} {
		for _, data := range payloads {
			enc, err := Compress(typ, data)
			if err != nil {
				t.Fatalf("%s: Compress: %v", typ, err)
			}
			dec, err := Decompress(typ, enc)
			if err != nil {
				t.Fatalf("%s: Decompress: %v", typ, err)
			}
			if !bytes.Equal(dec, data) {
				t.Errorf("%s: round trip mismatch, %d bytes in, %d out", typ, len(data), len(dec))
			}
		}
	}
}

func TestCompressionShrinks(t *testing.T) {
	data := []byte(strings.Repeat("aaaaaaaabbbbbbbbcccccccc", 200))
	for _, typ := range []Type{Snappy, LZ4, LZ4HC, Zstd} {
		enc, err := Compress(typ, data)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if len(enc) >= len(data) {
			t.Errorf("%s: repetitive input did not shrink (%d -> %d)", typ, len(data), len(enc))
		}
	}
}

func TestDecompressGarbage(t *testing.T) {
	for _, typ := range []Type{Snappy, LZ4, Zstd} {
		if _, err := Decompress(typ, []byte("definitely not a frame")); err == nil {
			t.Errorf("%s: garbage decompressed without error", typ)
		}
	}
}

func TestSupported(t *testing.T) {
	for _, typ := range []Type{None, Snappy, LZ4, LZ4HC, Zstd} {
		if !typ.Supported() {
			t.Errorf("%s should be supported", typ)
		}
	}
	if Type(200).Supported() {
		t.Error("unknown type reported as supported")
	}
}
