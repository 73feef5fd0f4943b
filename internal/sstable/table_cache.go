package sstable

import (
	"container/list"
	"sync"

	"github.com/stratakv/stratakv/internal/iterator"
	"github.com/stratakv/stratakv/internal/vfs"
)

// TableCache keeps a bounded number of tables open, closing the least
// recently used when the limit is exceeded. A table evicted while in
// use stays open until its last user releases it.
type TableCache struct {
	fs       vfs.FS
	path     func(fileNum uint64) string
	makeOpts func(fileNum uint64) ReaderOptions
	limit    int

	mu    sync.Mutex
	ll    *list.List // open tables, front = most recently used
	table map[uint64]*tcEntry
}

type tcEntry struct {
	fileNum uint64
	reader  *Reader
	elem    *list.Element
	refs    int // cache holds one ref while resident
	err     error
	ready   chan struct{}
}

// NewTableCache returns a cache opening tables through fs. path maps a
// file number to its path; makeOpts supplies per-table reader options.
func NewTableCache(fs vfs.FS, limit int, path func(uint64) string, makeOpts func(uint64) ReaderOptions) *TableCache {
	if limit < 1 {
		limit = 1
	}
	return &TableCache{
		fs:       fs,
		path:     path,
		makeOpts: makeOpts,
		limit:    limit,
		ll:       list.New(),
		table:    make(map[uint64]*tcEntry),
	}
}

// Get returns an open reader for fileNum and a release func the caller
// must invoke when done with it.
func (c *TableCache) Get(fileNum uint64) (*Reader, func(), error) {
	c.mu.Lock()
	e, ok := c.table[fileNum]
	if ok {
		e.refs++
		if e.elem != nil {
			c.ll.MoveToFront(e.elem)
		}
		c.mu.Unlock()
		<-e.ready
		if e.err != nil {
			c.release(e)
			return nil, nil, e.err
		}
		return e.reader, func() { c.release(e) }, nil
	}

	e = &tcEntry{fileNum: fileNum, refs: 2, ready: make(chan struct{})}
	e.elem = c.ll.PushFront(e)
	c.table[fileNum] = e
	c.evictLocked()
	c.mu.Unlock()

	e.reader, e.err = c.open(fileNum)
	close(e.ready)
	if e.err != nil {
		c.mu.Lock()
		c.dropLocked(e)
		c.mu.Unlock()
		c.release(e)
		return nil, nil, e.err
	}
	return e.reader, func() { c.release(e) }, nil
}

func (c *TableCache) open(fileNum uint64) (*Reader, error) {
	name := c.path(fileNum)
	size, err := c.fs.FileSize(name)
	if err != nil {
		return nil, err
	}
	f, err := c.fs.OpenRandom(name)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f, size, c.makeOpts(fileNum))
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (c *TableCache) release(e *tcEntry) {
	c.mu.Lock()
	e.refs--
	closeIt := e.refs == 0
	c.mu.Unlock()
	if closeIt && e.reader != nil {
		e.reader.Close()
	}
}

// dropLocked detaches e from the cache and gives up the cache's ref.
// The caller still holds its own ref.
func (c *TableCache) dropLocked(e *tcEntry) {
	if e.elem == nil {
		return
	}
	c.ll.Remove(e.elem)
	e.elem = nil
	delete(c.table, e.fileNum)
	e.refs--
}

func (c *TableCache) evictLocked() {
	for c.ll.Len() > c.limit {
		back := c.ll.Back()
		if back == nil {
			return
		}
		e := back.Value.(*tcEntry)
		c.dropLocked(e)
		if e.refs == 0 && e.reader != nil {
			e.reader.Close()
		}
	}
}

// Evict closes the cached reader for fileNum, called when the file is
// deleted.
func (c *TableCache) Evict(fileNum uint64) {
	c.mu.Lock()
	e, ok := c.table[fileNum]
	var closeIt bool
	if ok {
		c.dropLocked(e)
		closeIt = e.refs == 0
	}
	c.mu.Unlock()
	if closeIt && e.reader != nil {
		e.reader.Close()
	}
}

// NewIter returns an iterator over the table fileNum. The iterator owns
// a reference to the table until closed.
func (c *TableCache) NewIter(fileNum uint64, fillCache, verify bool) iterator.Iterator {
	r, release, err := c.Get(fileNum)
	if err != nil {
		return iterator.Error(err)
	}
	return &releasingIter{Iterator: r.NewIter(fillCache, verify), release: release}
}

type releasingIter struct {
	iterator.Iterator
	release func()
}

func (i *releasingIter) Close() error {
	err := i.Iterator.Close()
	if i.release != nil {
		i.release()
		i.release = nil
	}
	return err
}

// Close closes every cached reader. Tables still referenced are closed
// when released.
func (c *TableCache) Close() error {
	c.mu.Lock()
	var toClose []*Reader
	for _, e := range c.table {
		if e.elem != nil {
			c.ll.Remove(e.elem)
			e.elem = nil
			e.refs--
			if e.refs == 0 && e.reader != nil {
				toClose = append(toClose, e.reader)
			}
		}
	}
	c.table = make(map[uint64]*tcEntry)
	c.mu.Unlock()
	var first error
	for _, r := range toClose {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
