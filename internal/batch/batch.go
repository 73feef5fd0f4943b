// Package batch implements the write batch wire format: a 12-byte
// header (8-byte starting sequence number, 4-byte record count)
// followed by tagged records:
//
//	kind=Set    key value   (both length-prefixed)
//	kind=Merge  key value
//	kind=Delete key
//
// The same bytes are appended verbatim to the WAL, so the format is
// part of the on-disk contract.
package batch

import (
	"errors"
	"fmt"

	"github.com/stratakv/stratakv/internal/encoding"
	"github.com/stratakv/stratakv/internal/keys"
)

// HeaderLen is the batch header size.
const HeaderLen = 12

// ErrCorrupt is returned when a batch representation cannot be decoded.
var ErrCorrupt = errors.New("batch: corrupt representation")

// Batch accumulates updates to be applied atomically.
type Batch struct {
	rep []byte
}

// New returns an empty batch.
func New() *Batch {
	b := &Batch{}
	b.Clear()
	return b
}

// Clear resets the batch to empty.
func (b *Batch) Clear() {
	if cap(b.rep) < HeaderLen {
		b.rep = make([]byte, HeaderLen)
		return
	}
	b.rep = b.rep[:HeaderLen]
	for i := range b.rep {
		b.rep[i] = 0
	}
}

// Put queues a key/value set.
func (b *Batch) Put(key, value []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(keys.KindSet))
	b.rep = encoding.AppendLenPrefixed(b.rep, key)
	b.rep = encoding.AppendLenPrefixed(b.rep, value)
}

// Merge queues a merge operand.
func (b *Batch) Merge(key, value []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(keys.KindMerge))
	b.rep = encoding.AppendLenPrefixed(b.rep, key)
	b.rep = encoding.AppendLenPrefixed(b.rep, value)
}

// Delete queues a tombstone.
func (b *Batch) Delete(key []byte) {
	b.setCount(b.Count() + 1)
	b.rep = append(b.rep, byte(keys.KindDelete))
	b.rep = encoding.AppendLenPrefixed(b.rep, key)
}

// Count returns the number of queued records.
func (b *Batch) Count() uint32 {
	return encoding.Fixed32(b.rep[8:12])
}

func (b *Batch) setCount(n uint32) {
	encoding.PutFixed32(b.rep[8:12], n)
}

// Seq returns the starting sequence number stamped on the batch.
func (b *Batch) Seq() keys.Seq {
	return keys.Seq(encoding.Fixed64(b.rep[0:8]))
}

// SetSeq stamps the starting sequence number; record i commits at
// seq+i.
func (b *Batch) SetSeq(seq keys.Seq) {
	encoding.PutFixed64(b.rep[0:8], uint64(seq))
}

// Repr returns the batch's wire representation. The slice is owned by
// the batch.
func (b *Batch) Repr() []byte { return b.rep }

// ApproximateSize returns the wire size in bytes.
func (b *Batch) ApproximateSize() int { return len(b.rep) }

// Empty reports whether no records are queued.
func (b *Batch) Empty() bool { return b.Count() == 0 }

// SetRepr replaces the batch contents with a wire representation, as
// read back from the WAL. The records are validated structurally.
func (b *Batch) SetRepr(rep []byte) error {
	if len(rep) < HeaderLen {
		return ErrCorrupt
	}
	tmp := Batch{rep: rep}
	n := 0
	if err := tmp.Iterate(func(keys.Kind, []byte, []byte) error {
		n++
		return nil
	}); err != nil {
		return err
	}
	if uint32(n) != tmp.Count() {
		return fmt.Errorf("%w: %d records, header says %d", ErrCorrupt, n, tmp.Count())
	}
	b.rep = append(b.rep[:0], rep...)
	return nil
}

// Append concatenates other's records onto b. Sequence stamping is
// unchanged; the group committer restamps before writing.
func (b *Batch) Append(other *Batch) {
	b.setCount(b.Count() + other.Count())
	b.rep = append(b.rep, other.rep[HeaderLen:]...)
}

// Iterate calls fn for each record in order. The key and value slices
// alias the batch and must not be retained.
func (b *Batch) Iterate(fn func(kind keys.Kind, key, value []byte) error) error {
	r := encoding.NewReader(b.rep[HeaderLen:])
	for r.Len() > 0 {
		k, ok := r.Uvarint()
		if !ok {
			return ErrCorrupt
		}
		kind := keys.Kind(k)
		if !kind.Valid() {
			return fmt.Errorf("%w: unknown kind %d", ErrCorrupt, k)
		}
		key, ok := r.LenPrefixed()
		if !ok {
			return ErrCorrupt
		}
		var value []byte
		if kind != keys.KindDelete {
			value, ok = r.LenPrefixed()
			if !ok {
				return ErrCorrupt
			}
		}
		if err := fn(kind, key, value); err != nil {
			return err
		}
	}
	return nil
}
