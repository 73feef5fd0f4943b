// Package iterator defines the internal-key iterator contract and the
// combinators built on it: the k-way merging iterator used by reads and
// compactions, and small adapters for empty and error states.
package iterator

// Iterator positions over a sorted sequence of internal key/value
// entries. An iterator starts unpositioned; one of the Seek methods must
// be called before Key, Value, Next, or Prev.
//
// Key and Value return slices that are only valid until the next
// positioning call.
type Iterator interface {
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool

	// SeekToFirst positions at the first entry.
	SeekToFirst()

	// SeekToLast positions at the last entry.
	SeekToLast()

	// Seek positions at the first entry with key >= target.
	Seek(target []byte)

	// Next advances to the following entry. REQUIRES: Valid().
	Next()

	// Prev moves to the preceding entry. REQUIRES: Valid().
	Prev()

	// Key returns the current internal key. REQUIRES: Valid().
	Key() []byte

	// Value returns the current value. REQUIRES: Valid().
	Value() []byte

	// Error returns the first error the iterator encountered, if any.
	Error() error

	// Close releases resources held by the iterator.
	Close() error
}

type emptyIter struct {
	err error
}

// Empty returns an iterator over no entries.
func Empty() Iterator { return &emptyIter{} }

// Error returns an invalid iterator that reports err.
func Error(err error) Iterator { return &emptyIter{err: err} }

func (i *emptyIter) Valid() bool       { return false }
func (i *emptyIter) SeekToFirst()      {}
func (i *emptyIter) SeekToLast()       {}
func (i *emptyIter) Seek([]byte)       {}
func (i *emptyIter) Next()             {}
func (i *emptyIter) Prev()             {}
func (i *emptyIter) Key() []byte       { return nil }
func (i *emptyIter) Value() []byte     { return nil }
func (i *emptyIter) Error() error      { return i.err }
func (i *emptyIter) Close() error      { return i.err }
