package stratakv

import "bytes"

// Comparator defines the total order over user keys. The Name is
// persisted in the manifest, and Open fails if it does not match the
// comparator the store was created with, since silently changing the
// order would corrupt every structure built on it.
type Comparator interface {
	// Compare returns a value <0, 0, or >0 as a sorts before, equal to,
	// or after b.
	Compare(a, b []byte) int

	// Name identifies the ordering.
	Name() string
}

type bytewiseComparator struct{}

func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (bytewiseComparator) Name() string            { return "stratakv.BytewiseComparator" }

// BytewiseComparator orders keys lexicographically by byte value. It is
// the default.
func BytewiseComparator() Comparator { return bytewiseComparator{} }
