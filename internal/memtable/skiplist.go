package memtable

import (
	"math/rand"
	"sync/atomic"

	"github.com/stratakv/stratakv/internal/keys"
)

const (
	maxHeight = 12
	branching = 4
)

// node links are atomic pointers so readers can traverse concurrently
// with the single writer. A node's key and value never change after
// insertion.
type node struct {
	key   []byte
	value []byte
	next  []atomic.Pointer[node]
}

func (n *node) loadNext(level int) *node {
	return n.next[level].Load()
}

func (n *node) storeNext(level int, x *node) {
	n.next[level].Store(x)
}

// skiplist is an insert-only skip list over internal keys. Inserts must
// be externally serialized; reads need no synchronization.
type skiplist struct {
	cmp    *keys.Comparer
	head   *node
	height atomic.Int32
}

func newSkiplist(cmp *keys.Comparer) *skiplist {
	s := &skiplist{
		cmp:  cmp,
		head: &node{next: make([]atomic.Pointer[node], maxHeight)},
	}
	s.height.Store(1)
	return s
}

func randomHeight() int {
	h := 1
	for h < maxHeight && rand.Intn(branching) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual returns the first node with key >= target. When
// prev is non-nil it is filled with the rightmost node before target at
// each level, for use by insert.
func (s *skiplist) findGreaterOrEqual(target []byte, prev *[maxHeight]*node) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.loadNext(level)
		if next != nil && s.cmp.Compare(next.key, target) < 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

// findLessThan returns the last node with key < target, or head.
func (s *skiplist) findLessThan(target []byte) *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.loadNext(level)
		if next != nil && s.cmp.Compare(next.key, target) < 0 {
			x = next
			continue
		}
		if level == 0 {
			return x
		}
		level--
	}
}

// findLast returns the last node, or head when empty.
func (s *skiplist) findLast() *node {
	x := s.head
	level := int(s.height.Load()) - 1
	for {
		next := x.loadNext(level)
		if next != nil {
			x = next
			continue
		}
		if level == 0 {
			return x
		}
		level--
	}
}

// insert adds a key/value node.
// REQUIRES: no node with an equal key exists; caller serializes inserts.
func (s *skiplist) insert(key, value []byte) {
	var prev [maxHeight]*node
	s.findGreaterOrEqual(key, &prev)

	h := randomHeight()
	if cur := int(s.height.Load()); h > cur {
		for i := cur; i < h; i++ {
			prev[i] = s.head
		}
		// Readers that see the old height simply skip the new levels.
		s.height.Store(int32(h))
	}

	x := &node{key: key, value: value, next: make([]atomic.Pointer[node], h)}
	for i := 0; i < h; i++ {
		x.storeNext(i, prev[i].loadNext(i))
		prev[i].storeNext(i, x)
	}
}
