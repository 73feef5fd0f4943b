// Package filter implements the bloom filter policy attached to SSTables.
// A filter block lets a point read skip a table without touching its data
// blocks when the key is provably absent.
package filter

import (
	"github.com/zeebo/xxh3"
)

// Policy builds and probes per-table filters. Implementations must be
// safe for concurrent use by multiple readers.
type Policy interface {
	// Name identifies the policy. It is stored in the table's metaindex,
	// and a reader ignores filters whose name it does not recognize.
	Name() string

	// Append appends a filter covering keys to dst and returns the
	// extended slice.
	Append(dst []byte, keys [][]byte) []byte

	// MayContain reports whether the filter possibly contains key.
	// False means the key is definitely absent.
	MayContain(filter, key []byte) bool
}

// BloomPolicy is a bloom filter sized at a fixed number of bits per key.
// The probe count is derived from the bit rate and stored in the final
// byte of each filter, so tables built at different rates stay readable.
type BloomPolicy struct {
	bitsPerKey int
}

// NewBloomPolicy returns a bloom policy using about bitsPerKey bits per
// key. 10 bits gives roughly a 1% false positive rate.
func NewBloomPolicy(bitsPerKey int) *BloomPolicy {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	return &BloomPolicy{bitsPerKey: bitsPerKey}
}

func (p *BloomPolicy) Name() string { return "stratakv.BloomFilter" }

func (p *BloomPolicy) Append(dst []byte, keys [][]byte) []byte {
	// k ~= bitsPerKey * ln(2), clamped to a sane range.
	probes := p.bitsPerKey * 69 / 100
	if probes < 1 {
		probes = 1
	}
	if probes > 30 {
		probes = 30
	}

	bits := len(keys) * p.bitsPerKey
	// Small filters have high false positive rates; don't bother going
	// below 64 bits.
	if bits < 64 {
		bits = 64
	}
	nBytes := (bits + 7) / 8
	bits = nBytes * 8

	start := len(dst)
	dst = append(dst, make([]byte, nBytes+1)...)
	array := dst[start : start+nBytes]
	for _, key := range keys {
		h := bloomHash(key)
		delta := h>>17 | h<<15
		for j := 0; j < probes; j++ {
			pos := h % uint32(bits)
			array[pos/8] |= 1 << (pos % 8)
			h += delta
		}
	}
	dst[start+nBytes] = byte(probes)
	return dst
}

func (p *BloomPolicy) MayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return false
	}
	array := filter[:len(filter)-1]
	bits := uint32(len(array)) * 8
	probes := filter[len(filter)-1]
	if probes > 30 {
		// Reserved for future encodings; treat as a match.
		return true
	}

	h := bloomHash(key)
	delta := h>>17 | h<<15
	for j := byte(0); j < probes; j++ {
		pos := h % bits
		if array[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

func bloomHash(key []byte) uint32 {
	return uint32(xxh3.Hash(key))
}
