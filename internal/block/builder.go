// Package block implements the sorted, prefix-compressed key/value block
// shared by SSTable data, index, and metaindex sections.
//
// Entries are laid out as
//
//	[varint shared][varint unshared][varint value len][unshared key bytes][value]
//
// with full keys written at restart points. The block ends with the array
// of restart offsets (fixed32 each) and the restart count.
package block

import (
	"github.com/stratakv/stratakv/internal/encoding"
)

// Builder assembles a block. Keys must be appended in strictly
// increasing order.
type Builder struct {
	restartInterval int

	buf      []byte
	restarts []uint32
	counter  int
	lastKey  []byte
}

// NewBuilder returns a Builder that writes a full key every
// restartInterval entries.
func NewBuilder(restartInterval int) *Builder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	b := &Builder{restartInterval: restartInterval}
	b.Reset()
	return b
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.lastKey = b.lastKey[:0]
}

// Add appends a key/value entry.
// REQUIRES: key is greater than every previously added key.
func (b *Builder) Add(key, value []byte) {
	shared := 0
	if b.counter < b.restartInterval {
		n := len(b.lastKey)
		if len(key) < n {
			n = len(key)
		}
		for shared < n && b.lastKey[shared] == key[shared] {
			shared++
		}
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
		b.counter = 0
	}

	b.buf = encoding.AppendUvarint(b.buf, uint64(shared))
	b.buf = encoding.AppendUvarint(b.buf, uint64(len(key)-shared))
	b.buf = encoding.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// Finish appends the restart array and returns the completed block. The
// returned slice is owned by the builder until the next Reset.
func (b *Builder) Finish() []byte {
	for _, r := range b.restarts {
		b.buf = encoding.AppendFixed32(b.buf, r)
	}
	b.buf = encoding.AppendFixed32(b.buf, uint32(len(b.restarts)))
	return b.buf
}

// EstimatedSize returns the block size if Finish were called now.
func (b *Builder) EstimatedSize() int {
	return len(b.buf) + 4*len(b.restarts) + 4
}

// Empty reports whether no entries have been added since the last Reset.
func (b *Builder) Empty() bool {
	return len(b.buf) == 0
}
