package stratakv

import (
	"fmt"

	"github.com/stratakv/stratakv/internal/iterator"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/version"
)

// Iterator walks the user-visible key space in comparator order: one
// entry per live user key, with deletions hidden, merge histories
// folded, and nothing newer than the iterator's creation (or its
// snapshot) visible. It is not safe for concurrent use.
type Iterator struct {
	d   *DB
	it  iterator.Iterator
	v   *version.Version
	seq keys.Seq

	lower, upper []byte

	valid   bool
	reverse bool
	key     []byte
	value   []byte
	err     error
	closed  bool
}

// NewIterator returns an iterator over the state as of the call (or of
// ro.Snapshot). It starts unpositioned; call Seek or SeekToFirst. The
// caller must Close it.
func (d *DB) NewIterator(ro ReadOptions) *Iterator {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return &Iterator{d: d, it: iterator.Empty(), err: ErrClosed, closed: true}
	}
	seq := d.vs.LastSeq()
	if ro.Snapshot != nil {
		seq = ro.Snapshot.seq
	}
	v := d.vs.Current()
	v.Ref()
	iters := []iterator.Iterator{d.mem.NewIter()}
	for i := len(d.imm) - 1; i >= 0; i-- {
		iters = append(iters, d.imm[i].mem.NewIter())
	}
	d.mu.Unlock()

	iters = v.AppendIters(iters, !ro.DontFillCache, ro.VerifyChecksums)
	return &Iterator{
		d:     d,
		it:    iterator.NewMerging(d.cmp, iters...),
		v:     v,
		seq:   seq,
		lower: ro.LowerBound,
		upper: ro.UpperBound,
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (i *Iterator) Valid() bool { return i.valid && i.err == nil }

// Key returns the current user key. Valid until the next move.
func (i *Iterator) Key() []byte { return i.key }

// Value returns the current value. Valid until the next move.
func (i *Iterator) Value() []byte { return i.value }

// Error returns the first error the iterator encountered.
func (i *Iterator) Error() error {
	if i.err != nil {
		return i.err
	}
	return i.it.Error()
}

// Close releases the iterator's pinned state. Required.
func (i *Iterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.valid = false
	err := i.it.Close()
	if i.v != nil {
		i.v.Unref()
		i.v = nil
	}
	return err
}

// SeekToFirst positions at the first entry at or past LowerBound.
func (i *Iterator) SeekToFirst() {
	if i.closed {
		return
	}
	i.reverse = false
	if i.lower != nil {
		i.it.Seek(keys.Make(i.lower, keys.MaxSeq, keys.KindSeek))
	} else {
		i.it.SeekToFirst()
	}
	i.findNextUserEntry()
}

// SeekToLast positions at the last entry before UpperBound.
func (i *Iterator) SeekToLast() {
	if i.closed {
		return
	}
	i.reverse = true
	if i.upper != nil {
		// The upper bound is exclusive; land on the last entry before it.
		i.it.Seek(keys.Make(i.upper, keys.MaxSeq, keys.KindSeek))
		if i.it.Valid() {
			i.it.Prev()
		} else {
			i.it.SeekToLast()
		}
	} else {
		i.it.SeekToLast()
	}
	i.findPrevUserEntry()
}

// Seek positions at the first entry with user key >= target (clamped to
// the bounds).
func (i *Iterator) Seek(target []byte) {
	if i.closed {
		return
	}
	i.reverse = false
	if i.lower != nil && i.d.cmp.User(target, i.lower) < 0 {
		target = i.lower
	}
	i.it.Seek(keys.Make(target, keys.MaxSeq, keys.KindSeek))
	i.findNextUserEntry()
}

// Next moves to the next user key.
func (i *Iterator) Next() {
	if !i.Valid() {
		return
	}
	if i.reverse {
		// The internal iterator sits before the current key; re-seek past
		// it to flip direction.
		i.reverse = false
		i.it.Seek(keys.Make(i.key, 0, keys.KindDelete))
		for i.it.Valid() && i.d.cmp.User(keys.UserKey(i.it.Key()), i.key) == 0 {
			i.it.Next()
		}
	} else {
		i.skipCurrentUserKey()
	}
	i.findNextUserEntry()
}

// Prev moves to the previous user key.
func (i *Iterator) Prev() {
	if !i.Valid() {
		return
	}
	if !i.reverse {
		// The internal iterator sits within or after the current key;
		// step back to before its first entry.
		i.reverse = true
		i.it.Seek(keys.Make(i.key, keys.MaxSeq, keys.KindSeek))
		if i.it.Valid() {
			i.it.Prev()
		} else {
			i.it.SeekToLast()
		}
	}
	i.findPrevUserEntry()
}

func (i *Iterator) fail(err error) {
	i.err = err
	i.valid = false
}

// skipCurrentUserKey advances the internal iterator past every entry of
// i.key.
func (i *Iterator) skipCurrentUserKey() {
	for i.it.Valid() {
		pk, err := keys.Parse(i.it.Key())
		if err != nil {
			i.fail(fmt.Errorf("%w: %v", ErrCorruption, err))
			return
		}
		if i.d.cmp.User(pk.User, i.key) != 0 {
			return
		}
		i.it.Next()
	}
}

// findNextUserEntry resolves the next visible user key at or after the
// internal iterator's position.
func (i *Iterator) findNextUserEntry() {
	i.valid = false
	for i.it.Valid() && i.err == nil {
		pk, err := keys.Parse(i.it.Key())
		if err != nil {
			i.fail(fmt.Errorf("%w: %v", ErrCorruption, err))
			return
		}
		if i.upper != nil && i.d.cmp.User(pk.User, i.upper) >= 0 {
			return
		}
		if pk.Seq > i.seq {
			i.it.Next()
			continue
		}

		// pk is the newest visible entry for its user key.
		userKey := append([]byte(nil), pk.User...)
		value, found, err := i.resolveForward(userKey)
		if err != nil {
			i.fail(err)
			return
		}
		if found {
			i.key = userKey
			i.value = value
			i.valid = true
			return
		}
		// Deleted; the resolve left the iterator past the key.
	}
}

// resolveForward consumes every entry of userKey from the internal
// iterator, returning its visible value. On return the iterator stands
// at the next user key.
func (i *Iterator) resolveForward(userKey []byte) (value []byte, found bool, err error) {
	var operands [][]byte // newest first
	for i.it.Valid() {
		pk, perr := keys.Parse(i.it.Key())
		if perr != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrCorruption, perr)
		}
		if i.d.cmp.User(pk.User, userKey) != 0 {
			break
		}
		if pk.Seq > i.seq {
			i.it.Next()
			continue
		}
		switch pk.Kind {
		case keys.KindSet:
			base := append([]byte(nil), i.it.Value()...)
			i.skipKeyFrom(userKey)
			if len(operands) == 0 {
				return base, true, nil
			}
			v, _, err := i.d.foldMerge(userKey, base, operands)
			return v, err == nil, err
		case keys.KindDelete:
			i.skipKeyFrom(userKey)
			if len(operands) == 0 {
				return nil, false, nil
			}
			v, _, err := i.d.foldMerge(userKey, nil, operands)
			return v, err == nil, err
		case keys.KindMerge:
			operands = append(operands, append([]byte(nil), i.it.Value()...))
			i.it.Next()
		default:
			return nil, false, fmt.Errorf("%w: unexpected kind %d", ErrCorruption, pk.Kind)
		}
	}
	if err := i.it.Error(); err != nil {
		return nil, false, err
	}
	if len(operands) > 0 {
		v, _, err := i.d.foldMerge(userKey, nil, operands)
		return v, err == nil, err
	}
	return nil, false, nil
}

// skipKeyFrom advances past the remaining entries of userKey.
func (i *Iterator) skipKeyFrom(userKey []byte) {
	for i.it.Valid() {
		if i.d.cmp.User(keys.UserKey(i.it.Key()), userKey) != 0 {
			return
		}
		i.it.Next()
	}
}

// findPrevUserEntry resolves the nearest visible user key at or before
// the internal iterator's position, walking backward. Entries of a key
// arrive oldest first, so state is folded as it accumulates and
// finalized when the key boundary passes.
func (i *Iterator) findPrevUserEntry() {
	i.valid = false

	var userKey []byte
	var base []byte       // current visible base value, nil if none
	var deleted bool      // tombstone newer than every operand so far
	var seen bool         // any visible entry for userKey
	var operands [][]byte // oldest first

	finish := func() bool {
		if !seen {
			return false
		}
		if len(operands) == 0 {
			if deleted {
				return false
			}
			i.key = userKey
			i.value = base
			i.valid = true
			return true
		}
		op := i.d.opts.MergeOperator
		if op == nil {
			i.fail(fmt.Errorf("%w: merge records present but no merge operator configured", ErrCorruption))
			return true
		}
		v, ok := op.FullMerge(userKey, base, operands)
		if !ok {
			i.fail(fmt.Errorf("%w: merge operator %q failed", ErrCorruption, op.Name()))
			return true
		}
		i.key = userKey
		i.value = v
		i.valid = true
		return true
	}

	for i.it.Valid() && i.err == nil {
		pk, err := keys.Parse(i.it.Key())
		if err != nil {
			i.fail(fmt.Errorf("%w: %v", ErrCorruption, err))
			return
		}
		if i.lower != nil && i.d.cmp.User(pk.User, i.lower) < 0 {
			break
		}
		if userKey == nil || i.d.cmp.User(pk.User, userKey) != 0 {
			// Crossed into the previous user key; the accumulated key is
			// complete.
			if finish() {
				return
			}
			userKey = append([]byte(nil), pk.User...)
			base, deleted, seen, operands = nil, false, false, nil
		}
		if pk.Seq <= i.seq {
			seen = true
			switch pk.Kind {
			case keys.KindSet:
				base = append([]byte(nil), i.it.Value()...)
				deleted = false
				operands = nil
			case keys.KindDelete:
				base = nil
				deleted = true
				operands = nil
			case keys.KindMerge:
				operands = append(operands, append([]byte(nil), i.it.Value()...))
			default:
				i.fail(fmt.Errorf("%w: unexpected kind %d", ErrCorruption, pk.Kind))
				return
			}
		}
		i.it.Prev()
	}
	if err := i.it.Error(); err != nil {
		i.fail(err)
		return
	}
	finish()
}
