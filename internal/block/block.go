package block

import (
	"errors"

	"github.com/stratakv/stratakv/internal/encoding"
	"github.com/stratakv/stratakv/internal/keys"
)

// ErrCorrupt is returned when a block's contents cannot be decoded.
var ErrCorrupt = errors.New("block: corrupt contents")

// Block wraps a decoded block for iteration.
type Block struct {
	cmp      keys.Compare
	data     []byte // entries only, restart array stripped
	restarts []uint32
}

// New parses contents into a Block ordered by cmp.
func New(contents []byte, cmp keys.Compare) (*Block, error) {
	if len(contents) < 4 {
		return nil, ErrCorrupt
	}
	n := int(encoding.Fixed32(contents[len(contents)-4:]))
	restartsEnd := len(contents) - 4
	restartsStart := restartsEnd - 4*n
	if n < 1 || restartsStart < 0 {
		return nil, ErrCorrupt
	}
	restarts := make([]uint32, n)
	for i := range restarts {
		restarts[i] = encoding.Fixed32(contents[restartsStart+4*i:])
		if int(restarts[i]) > restartsStart {
			return nil, ErrCorrupt
		}
	}
	return &Block{cmp: cmp, data: contents[:restartsStart], restarts: restarts}, nil
}

// Iter returns an iterator over the block.
func (b *Block) Iter() *Iter {
	return &Iter{b: b, offset: -1}
}

// Iter iterates a Block. Key and Value return slices that remain valid
// until the iterator moves.
type Iter struct {
	b *Block

	offset     int // offset of the current entry, -1 when invalid
	nextOffset int
	key        []byte
	value      []byte
	err        error
}

// Valid reports whether the iterator is positioned at an entry.
func (i *Iter) Valid() bool { return i.offset >= 0 && i.err == nil }

// Key returns the current key.
// REQUIRES: Valid().
func (i *Iter) Key() []byte { return i.key }

// Value returns the current value.
// REQUIRES: Valid().
func (i *Iter) Value() []byte { return i.value }

// Error returns the first decoding error encountered, if any.
func (i *Iter) Error() error { return i.err }

// Close releases the iterator.
func (i *Iter) Close() error { return i.err }

func (i *Iter) invalidate() {
	i.offset = -1
	i.key = i.key[:0]
	i.value = nil
}

func (i *Iter) corrupt() {
	i.err = ErrCorrupt
	i.invalidate()
}

// parseAt decodes the entry at off. prevKey sharing is taken from i.key,
// so the caller must have decoded the preceding entry unless off is a
// restart point.
func (i *Iter) parseAt(off int) bool {
	data := i.b.data[off:]
	shared, n1, err := encoding.Uvarint(data)
	if err != nil {
		i.corrupt()
		return false
	}
	unshared, n2, err := encoding.Uvarint(data[n1:])
	if err != nil {
		i.corrupt()
		return false
	}
	vlen, n3, err := encoding.Uvarint(data[n1+n2:])
	if err != nil {
		i.corrupt()
		return false
	}
	hdr := n1 + n2 + n3
	if uint64(len(data)-hdr) < unshared+vlen || uint64(len(i.key)) < shared {
		i.corrupt()
		return false
	}
	i.key = append(i.key[:int(shared)], data[hdr:hdr+int(unshared)]...)
	i.value = data[hdr+int(unshared) : hdr+int(unshared)+int(vlen)]
	i.offset = off
	i.nextOffset = off + hdr + int(unshared) + int(vlen)
	return true
}

// seekToRestart positions the iterator at the given restart point.
func (i *Iter) seekToRestart(idx int) bool {
	i.key = i.key[:0]
	return i.parseAt(int(i.b.restarts[idx]))
}

// SeekToFirst positions at the first entry.
func (i *Iter) SeekToFirst() {
	if i.err != nil {
		return
	}
	if len(i.b.data) == 0 {
		i.invalidate()
		return
	}
	i.seekToRestart(0)
}

// SeekToLast positions at the last entry.
func (i *Iter) SeekToLast() {
	if i.err != nil {
		return
	}
	if len(i.b.data) == 0 {
		i.invalidate()
		return
	}
	if !i.seekToRestart(len(i.b.restarts) - 1) {
		return
	}
	for i.nextOffset < len(i.b.data) {
		if !i.parseAt(i.nextOffset) {
			return
		}
	}
}

// Seek positions at the first entry with key >= target.
func (i *Iter) Seek(target []byte) {
	if i.err != nil {
		return
	}
	// Binary search over restart points for the last restart whose key is
	// < target, then scan forward.
	lo, hi := 0, len(i.b.restarts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		i.key = i.key[:0]
		if !i.parseAt(int(i.b.restarts[mid])) {
			return
		}
		if i.b.cmp(i.key, target) < 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if !i.seekToRestart(lo) {
		return
	}
	for i.b.cmp(i.key, target) < 0 {
		if i.nextOffset >= len(i.b.data) {
			i.invalidate()
			return
		}
		if !i.parseAt(i.nextOffset) {
			return
		}
	}
}

// Next advances to the following entry.
// REQUIRES: Valid().
func (i *Iter) Next() {
	if i.err != nil {
		return
	}
	if i.nextOffset >= len(i.b.data) {
		i.invalidate()
		return
	}
	i.parseAt(i.nextOffset)
}

// Prev moves to the preceding entry by rescanning from the nearest
// restart point before the current offset.
// REQUIRES: Valid().
func (i *Iter) Prev() {
	if i.err != nil {
		return
	}
	cur := i.offset
	if cur <= 0 {
		i.invalidate()
		return
	}
	idx := len(i.b.restarts) - 1
	for idx > 0 && int(i.b.restarts[idx]) >= cur {
		idx--
	}
	if !i.seekToRestart(idx) {
		return
	}
	for i.nextOffset < cur {
		if !i.parseAt(i.nextOffset) {
			return
		}
	}
}
