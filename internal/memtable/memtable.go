// Package memtable holds recently written entries in a skip list keyed
// by internal key. A memtable accepts writes until the engine rotates
// it, after which it serves reads until its flush to a table completes.
package memtable

import (
	"sync/atomic"

	"github.com/stratakv/stratakv/internal/iterator"
	"github.com/stratakv/stratakv/internal/keys"
)

// MemTable is an in-memory table of internal key entries. One goroutine
// may Add at a time; any number may read concurrently.
type MemTable struct {
	cmp  *keys.Comparer
	list *skiplist
	size atomic.Int64
}

// New returns an empty memtable ordered by cmp.
func New(cmp *keys.Comparer) *MemTable {
	return &MemTable{cmp: cmp, list: newSkiplist(cmp)}
}

// Add inserts an entry. The key and value are copied.
func (m *MemTable) Add(seq keys.Seq, kind keys.Kind, userKey, value []byte) {
	ikey := keys.Make(userKey, seq, kind)
	v := append([]byte(nil), value...)
	m.list.insert(ikey, v)
	m.size.Add(int64(len(ikey) + len(v) + 48))
}

// ApproximateSize returns the memory footprint in bytes, including
// per-entry overhead.
func (m *MemTable) ApproximateSize() int64 {
	return m.size.Load()
}

// Empty reports whether no entries have been added.
func (m *MemTable) Empty() bool {
	return m.list.head.loadNext(0) == nil
}

// NewIter returns an iterator over the memtable's internal keys. The
// memtable must outlive the iterator.
func (m *MemTable) NewIter() iterator.Iterator {
	return &memIter{m: m}
}

type memIter struct {
	m *MemTable
	n *node
}

func (i *memIter) Valid() bool { return i.n != nil }

func (i *memIter) Key() []byte   { return i.n.key }
func (i *memIter) Value() []byte { return i.n.value }

func (i *memIter) SeekToFirst() { i.n = i.m.list.head.loadNext(0) }

func (i *memIter) SeekToLast() {
	i.n = i.m.list.findLast()
	if i.n == i.m.list.head {
		i.n = nil
	}
}

func (i *memIter) Seek(target []byte) {
	i.n = i.m.list.findGreaterOrEqual(target, nil)
}

func (i *memIter) Next() { i.n = i.n.loadNext(0) }

func (i *memIter) Prev() {
	i.n = i.m.list.findLessThan(i.n.key)
	if i.n == i.m.list.head {
		i.n = nil
	}
}

func (i *memIter) Error() error { return nil }
func (i *memIter) Close() error { return nil }
