package iterator

import (
	"github.com/stratakv/stratakv/internal/keys"
)

type direction int

const (
	forward direction = iota
	reverse
)

// mergingIter interleaves n child iterators into one sorted stream.
// Children must individually yield entries in cmp order; ties across
// children are broken by child index, so callers should order children
// newest first.
type mergingIter struct {
	cmp      *keys.Comparer
	children []Iterator
	current  int // index into children, -1 when invalid
	dir      direction
	err      error
}

// NewMerging returns an iterator merging children under cmp. It takes
// ownership of the children and closes them on Close.
func NewMerging(cmp *keys.Comparer, children ...Iterator) Iterator {
	switch len(children) {
	case 0:
		return Empty()
	case 1:
		return children[0]
	}
	return &mergingIter{cmp: cmp, children: children, current: -1}
}

func (m *mergingIter) Valid() bool {
	return m.current >= 0 && m.err == nil
}

func (m *mergingIter) Key() []byte {
	return m.children[m.current].Key()
}

func (m *mergingIter) Value() []byte {
	return m.children[m.current].Value()
}

// findSmallest selects the child with the smallest key, preferring the
// earliest child on ties.
func (m *mergingIter) findSmallest() {
	m.current = -1
	for i, c := range m.children {
		if err := c.Error(); err != nil && m.err == nil {
			m.err = err
		}
		if !c.Valid() {
			continue
		}
		if m.current < 0 || m.cmp.Compare(c.Key(), m.children[m.current].Key()) < 0 {
			m.current = i
		}
	}
}

// findLargest selects the child with the largest key, preferring the
// earliest child on ties.
func (m *mergingIter) findLargest() {
	m.current = -1
	for i, c := range m.children {
		if err := c.Error(); err != nil && m.err == nil {
			m.err = err
		}
		if !c.Valid() {
			continue
		}
		if m.current < 0 || m.cmp.Compare(c.Key(), m.children[m.current].Key()) > 0 {
			m.current = i
		}
	}
}

func (m *mergingIter) SeekToFirst() {
	for _, c := range m.children {
		c.SeekToFirst()
	}
	m.dir = forward
	m.findSmallest()
}

func (m *mergingIter) SeekToLast() {
	for _, c := range m.children {
		c.SeekToLast()
	}
	m.dir = reverse
	m.findLargest()
}

func (m *mergingIter) Seek(target []byte) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.dir = forward
	m.findSmallest()
}

func (m *mergingIter) Next() {
	if m.dir != forward {
		// All non-current children sit at entries <= the current key (or
		// are exhausted backwards). Move each past the current key.
		key := append([]byte(nil), m.Key()...)
		for i, c := range m.children {
			if i == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() && m.cmp.Compare(c.Key(), key) == 0 {
				c.Next()
			}
		}
		m.dir = forward
	}
	m.children[m.current].Next()
	m.findSmallest()
}

func (m *mergingIter) Prev() {
	if m.dir != reverse {
		// Position every other child just before the current key.
		key := append([]byte(nil), m.Key()...)
		for i, c := range m.children {
			if i == m.current {
				continue
			}
			c.Seek(key)
			if c.Valid() {
				c.Prev()
			} else {
				c.SeekToLast()
			}
		}
		m.dir = reverse
	}
	m.children[m.current].Prev()
	m.findLargest()
}

func (m *mergingIter) Error() error {
	if m.err != nil {
		return m.err
	}
	for _, c := range m.children {
		if err := c.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergingIter) Close() error {
	err := m.Error()
	for _, c := range m.children {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	m.children = nil
	m.current = -1
	return err
}
