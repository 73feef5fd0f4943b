// Package keys defines the internal key format that threads the whole
// engine: a user key followed by an 8-byte trailer packing a 56-bit
// sequence number and an entry kind.
//
// Ordering is user key ascending (by the configured comparator) with ties
// broken by descending trailer, so the newest entry for a user key sorts
// first.
package keys

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/stratakv/stratakv/internal/encoding"
)

// Seq is a monotonically increasing 56-bit sequence number.
type Seq uint64

// MaxSeq is the largest representable sequence number.
const MaxSeq Seq = (1 << 56) - 1

// Kind classifies an entry. The values are embedded in the on-disk format
// and must not change.
type Kind uint8

const (
	// KindDelete marks a tombstone.
	KindDelete Kind = 0
	// KindSet is a plain value.
	KindSet Kind = 1
	// KindMerge is a merge operand to be combined by the merge operator.
	KindMerge Kind = 2

	// KindSeek is the kind used when building a lookup key: it sorts before
	// every real kind at the same sequence, so a seek lands on the newest
	// visible entry.
	KindSeek Kind = 0x7f
)

// TrailerLen is the size of the internal key trailer.
const TrailerLen = 8

// ErrShortKey is returned when an internal key is shorter than its trailer.
var ErrShortKey = errors.New("keys: internal key shorter than trailer")

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "delete"
	case KindSet:
		return "set"
	case KindMerge:
		return "merge"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a kind that may appear in stored entries.
func (k Kind) Valid() bool {
	return k <= KindMerge
}

// PackTrailer packs seq and kind into the 64-bit trailer representation.
func PackTrailer(seq Seq, kind Kind) uint64 {
	return uint64(seq)<<8 | uint64(kind)
}

// UnpackTrailer splits a trailer into its sequence number and kind.
func UnpackTrailer(t uint64) (Seq, Kind) {
	return Seq(t >> 8), Kind(t & 0xff)
}

// Append appends the internal key for (userKey, seq, kind) to dst.
func Append(dst, userKey []byte, seq Seq, kind Kind) []byte {
	dst = append(dst, userKey...)
	return encoding.AppendFixed64(dst, PackTrailer(seq, kind))
}

// Make returns a freshly allocated internal key.
func Make(userKey []byte, seq Seq, kind Kind) []byte {
	return Append(make([]byte, 0, len(userKey)+TrailerLen), userKey, seq, kind)
}

// UserKey returns the user key portion of an internal key, or nil if the
// key is too short.
func UserKey(ikey []byte) []byte {
	if len(ikey) < TrailerLen {
		return nil
	}
	return ikey[:len(ikey)-TrailerLen]
}

// Trailer returns the trailer of an internal key.
// REQUIRES: len(ikey) >= TrailerLen.
func Trailer(ikey []byte) uint64 {
	return encoding.Fixed64(ikey[len(ikey)-TrailerLen:])
}

// SeqOf returns the sequence number of an internal key, or 0 for a short key.
func SeqOf(ikey []byte) Seq {
	if len(ikey) < TrailerLen {
		return 0
	}
	seq, _ := UnpackTrailer(Trailer(ikey))
	return seq
}

// KindOf returns the kind of an internal key, or KindSeek for a short key.
func KindOf(ikey []byte) Kind {
	if len(ikey) < TrailerLen {
		return KindSeek
	}
	_, kind := UnpackTrailer(Trailer(ikey))
	return kind
}

// Parsed is a decomposed internal key.
type Parsed struct {
	User []byte
	Seq  Seq
	Kind Kind
}

// Parse decomposes an internal key. The User field aliases ikey.
func Parse(ikey []byte) (Parsed, error) {
	if len(ikey) < TrailerLen {
		return Parsed{}, ErrShortKey
	}
	seq, kind := UnpackTrailer(Trailer(ikey))
	return Parsed{User: ikey[:len(ikey)-TrailerLen], Seq: seq, Kind: kind}, nil
}

// String formats p for debugging.
func (p Parsed) String() string {
	return fmt.Sprintf("%q@%d#%s", p.User, p.Seq, p.Kind)
}

// Compare is a user-key comparison function: negative when a sorts before
// b, zero when equal, positive when after.
type Compare func(a, b []byte) int

// BytewiseCompare is the default lexicographic user-key order.
func BytewiseCompare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// Comparer orders internal keys: user key ascending under User, trailer
// descending on ties.
type Comparer struct {
	User Compare
}

// NewComparer returns a Comparer over the given user-key order, defaulting
// to bytewise.
func NewComparer(user Compare) *Comparer {
	if user == nil {
		user = BytewiseCompare
	}
	return &Comparer{User: user}
}

// Bytewise is the comparer over the default user-key order.
var Bytewise = NewComparer(nil)

// Compare orders two internal keys.
func (c *Comparer) Compare(a, b []byte) int {
	au, bu := UserKey(a), UserKey(b)
	if au == nil {
		au = a
	}
	if bu == nil {
		bu = b
	}
	if v := c.User(au, bu); v != 0 {
		return v
	}
	if len(a) < TrailerLen || len(b) < TrailerLen {
		return 0
	}
	at, bt := Trailer(a), Trailer(b)
	switch {
	case at > bt:
		return -1
	case at < bt:
		return 1
	default:
		return 0
	}
}

// CompareUser orders the user-key portions of two internal keys.
func (c *Comparer) CompareUser(a, b []byte) int {
	au, bu := UserKey(a), UserKey(b)
	if au == nil {
		au = a
	}
	if bu == nil {
		bu = b
	}
	return c.User(au, bu)
}
