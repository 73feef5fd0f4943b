// Package checksum implements the block checksums used by the WAL and
// SSTable formats: masked CRC32-Castagnoli and a 32-bit fold of XXH3.
package checksum

import (
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

// Type identifies a checksum algorithm. The value is stored on disk and
// must not change.
type Type uint8

const (
	// TypeNone disables checksumming.
	TypeNone Type = 0
	// TypeCRC32C is CRC32 with the Castagnoli polynomial, masked.
	TypeCRC32C Type = 1
	// TypeXXH3 is the low/high fold of a 64-bit XXH3 hash.
	TypeXXH3 Type = 2
)

// String returns a human-readable name for the checksum type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeCRC32C:
		return "crc32c"
	case TypeXXH3:
		return "xxh3"
	default:
		return "unknown"
	}
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskDelta is added after rotation so that a CRC of a CRC does not look
// like a valid CRC (the LevelDB/RocksDB masking scheme).
const maskDelta = 0xa282ead8

// CRC32C returns the unmasked CRC32C of data.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ExtendCRC32C extends crc with data.
func ExtendCRC32C(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, castagnoli, data)
}

// Mask returns a masked representation of crc, suitable for storage.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask returns the crc whose masked representation is masked.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}

// XXH3Fold32 returns the 64-bit XXH3 of data folded to 32 bits.
func XXH3Fold32(data []byte) uint32 {
	h := xxh3.Hash(data)
	return uint32(h) ^ uint32(h>>32)
}

// Block computes the checksum of a block body plus a trailing tag byte
// (the compression type, which is stored outside the checksummed region
// in the block trailer).
func Block(t Type, body []byte, tag byte) uint32 {
	switch t {
	case TypeCRC32C:
		crc := CRC32C(body)
		crc = ExtendCRC32C(crc, []byte{tag})
		return Mask(crc)
	case TypeXXH3:
		var h xxh3.Hasher
		_, _ = h.Write(body)
		_, _ = h.Write([]byte{tag})
		sum := h.Sum64()
		return uint32(sum) ^ uint32(sum>>32)
	default:
		return 0
	}
}

// VerifyBlock reports whether want matches the checksum of body+tag under t.
// TypeNone always verifies.
func VerifyBlock(t Type, body []byte, tag byte, want uint32) bool {
	if t == TypeNone {
		return true
	}
	return Block(t, body, tag) == want
}
