// Package cache implements the sharded-free LRU cache used for table
// blocks. Entries are ref counted: the cache holds one reference while
// an entry is resident, and each Lookup or Insert hands the caller a
// Handle that must be Released. An evicted entry stays alive until its
// last handle is released.
package cache

import (
	"container/list"
	"sync"
)

// Key identifies a cached block by table file number and block offset.
type Key struct {
	FileNum uint64
	Offset  uint64
}

// Handle is a counted reference to a cache entry.
type Handle struct {
	c      *Cache
	key    Key
	value  any
	charge int64

	refs     int // guarded by c.mu
	resident bool
	elem     *list.Element
}

// Value returns the cached value.
func (h *Handle) Value() any { return h.value }

// Release drops the caller's reference.
func (h *Handle) Release() {
	h.c.mu.Lock()
	h.refs--
	h.c.mu.Unlock()
}

// Cache is a strict-capacity LRU keyed by Key. Capacity is measured in
// caller-supplied charge units (bytes, for block caching).
type Cache struct {
	mu       sync.Mutex
	capacity int64
	usage    int64
	ll       *list.List // front = most recently used
	table    map[Key]*Handle

	hits   int64
	misses int64
}

// New returns a Cache holding up to capacity charge units.
func New(capacity int64) *Cache {
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		table:    make(map[Key]*Handle),
	}
}

// Insert adds value under key, evicting old entries as needed, and
// returns a handle the caller must Release. An existing entry under key
// is replaced.
func (c *Cache) Insert(key Key, value any, charge int64) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.table[key]; ok {
		c.removeLocked(old)
	}

	h := &Handle{c: c, key: key, value: value, charge: charge, refs: 2, resident: true}
	h.elem = c.ll.PushFront(h)
	c.table[key] = h
	c.usage += charge
	c.evictLocked()
	return h
}

// Lookup returns a handle to the entry under key, or nil on a miss.
func (c *Cache) Lookup(key Key) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.table[key]
	if !ok {
		c.misses++
		return nil
	}
	c.hits++
	h.refs++
	c.ll.MoveToFront(h.elem)
	return h
}

// Erase drops the entry under key if present. Outstanding handles stay
// valid.
func (c *Cache) Erase(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.table[key]; ok {
		c.removeLocked(h)
	}
}

// EvictFile drops every entry belonging to the given table file, called
// when the file is deleted.
func (c *Cache) EvictFile(fileNum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, h := range c.table {
		if key.FileNum == fileNum {
			c.removeLocked(h)
		}
	}
}

// Usage returns the summed charge of resident entries.
func (c *Cache) Usage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Stats returns the hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// removeLocked detaches h from the table and LRU list and drops the
// cache's reference.
func (c *Cache) removeLocked(h *Handle) {
	if !h.resident {
		return
	}
	h.resident = false
	c.ll.Remove(h.elem)
	delete(c.table, h.key)
	c.usage -= h.charge
	h.refs--
}

// evictLocked removes least-recently-used entries until usage fits.
func (c *Cache) evictLocked() {
	for c.usage > c.capacity {
		back := c.ll.Back()
		if back == nil {
			return
		}
		c.removeLocked(back.Value.(*Handle))
	}
}
