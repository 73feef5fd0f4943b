package sstable

import (
	"fmt"

	"github.com/stratakv/stratakv/internal/block"
	"github.com/stratakv/stratakv/internal/cache"
	"github.com/stratakv/stratakv/internal/checksum"
	"github.com/stratakv/stratakv/internal/compression"
	"github.com/stratakv/stratakv/internal/filter"
	"github.com/stratakv/stratakv/internal/iterator"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/vfs"
)

// ReaderOptions configure how a table is opened and read.
type ReaderOptions struct {
	Comparer *keys.Comparer
	Filter   filter.Policy

	// BlockCache caches decoded blocks, keyed by FileNum and offset.
	BlockCache *cache.Cache

	// CompressedCache caches raw block bytes before decompression. A hit
	// skips the file read but still pays decompression.
	CompressedCache *cache.Cache

	// FileNum namespaces this table's blocks in the caches.
	FileNum uint64

	// VerifyChecksums rechecks block checksums on every read, not just
	// reads that miss the cache.
	VerifyChecksums bool
}

// Reader serves reads from a single table file. It is safe for
// concurrent use.
type Reader struct {
	f    vfs.RandomAccessFile
	size int64
	opts ReaderOptions

	checksumType checksum.Type
	index        *block.Block
	filterData   []byte
}

// NewReader opens the table in f, which must be size bytes long. The
// index and filter blocks are loaded eagerly; data blocks on demand.
func NewReader(f vfs.RandomAccessFile, size int64, opts ReaderOptions) (*Reader, error) {
	if opts.Comparer == nil {
		opts.Comparer = keys.Bytewise
	}
	if size < FooterLen {
		return nil, ErrNotTable
	}
	var fbuf [FooterLen]byte
	if _, err := f.ReadAt(fbuf[:], size-FooterLen); err != nil {
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	ftr, err := decodeFooter(fbuf[:])
	if err != nil {
		return nil, err
	}

	r := &Reader{f: f, size: size, opts: opts, checksumType: ftr.checksumType}

	indexData, err := r.readRawBlock(ftr.index)
	if err != nil {
		return nil, err
	}
	r.index, err = block.New(indexData, opts.Comparer.Compare)
	if err != nil {
		return nil, err
	}

	if opts.Filter != nil {
		if err := r.loadFilter(ftr.metaindex); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Reader) loadFilter(metaHandle block.Handle) error {
	metaData, err := r.readRawBlock(metaHandle)
	if err != nil {
		return err
	}
	meta, err := block.New(metaData, keys.BytewiseCompare)
	if err != nil {
		return err
	}
	it := meta.Iter()
	defer it.Close()
	name := []byte("filter." + r.opts.Filter.Name())
	it.Seek(name)
	if !it.Valid() || string(it.Key()) != string(name) {
		// Table was built without this policy; reads fall back to
		// probing data blocks.
		return nil
	}
	fh, _, err := block.DecodeHandle(it.Value())
	if err != nil {
		return err
	}
	r.filterData, err = r.readRawBlock(fh)
	return err
}

// readRawBlock reads and verifies the block at h, bypassing the caches.
func (r *Reader) readRawBlock(h block.Handle) ([]byte, error) {
	buf := make([]byte, h.Length+BlockTrailerLen)
	if _, err := r.f.ReadAt(buf, int64(h.Offset)); err != nil {
		return nil, fmt.Errorf("sstable: read block at %d: %w", h.Offset, err)
	}
	body := buf[:h.Length]
	tag := buf[h.Length]
	sum := uint32(buf[h.Length+1]) | uint32(buf[h.Length+2])<<8 |
		uint32(buf[h.Length+3])<<16 | uint32(buf[h.Length+4])<<24
	if !checksum.VerifyBlock(r.checksumType, body, tag, sum) {
		return nil, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, h.Offset)
	}
	comp := compression.Type(tag)
	if !comp.Supported() {
		return nil, fmt.Errorf("%w: unknown compression %d at offset %d", ErrCorrupt, tag, h.Offset)
	}
	out, err := compression.Decompress(comp, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}

// readBlock returns the decoded block at h, consulting the decoded and
// compressed caches. The returned handle, when non-nil, must be
// released after the block is no longer in use.
//
// With verify set (per read, or for every read via
// ReaderOptions.VerifyChecksums) the decoded cache is bypassed and
// compressed-cache hits are re-checked against their stored checksum,
// so every block served has just passed verification.
func (r *Reader) readBlock(h block.Handle, fillCache, verify bool) (*block.Block, *cache.Handle, error) {
	key := cache.Key{FileNum: r.opts.FileNum, Offset: h.Offset}
	verify = verify || r.opts.VerifyChecksums

	if r.opts.BlockCache != nil && !verify {
		if ch := r.opts.BlockCache.Lookup(key); ch != nil {
			return ch.Value().(*block.Block), ch, nil
		}
	}

	var body []byte
	var tag byte
	if r.opts.CompressedCache != nil {
		if ch := r.opts.CompressedCache.Lookup(key); ch != nil {
			raw := ch.Value().(compressedBlock)
			if verify && !checksum.VerifyBlock(r.checksumType, raw.body, raw.tag, raw.sum) {
				ch.Release()
				return nil, nil, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, h.Offset)
			}
			body, tag = raw.body, raw.tag
			ch.Release()
		}
	}
	if body == nil {
		buf := make([]byte, h.Length+BlockTrailerLen)
		if _, err := r.f.ReadAt(buf, int64(h.Offset)); err != nil {
			return nil, nil, fmt.Errorf("sstable: read block at %d: %w", h.Offset, err)
		}
		body = buf[:h.Length]
		tag = buf[h.Length]
		sum := uint32(buf[h.Length+1]) | uint32(buf[h.Length+2])<<8 |
			uint32(buf[h.Length+3])<<16 | uint32(buf[h.Length+4])<<24
		if !checksum.VerifyBlock(r.checksumType, body, tag, sum) {
			return nil, nil, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, h.Offset)
		}
		if r.opts.CompressedCache != nil && fillCache && compression.Type(tag) != compression.None {
			ch := r.opts.CompressedCache.Insert(key, compressedBlock{body: body, tag: tag, sum: sum}, int64(len(body)))
			ch.Release()
		}
	}

	comp := compression.Type(tag)
	if !comp.Supported() {
		return nil, nil, fmt.Errorf("%w: unknown compression %d at offset %d", ErrCorrupt, tag, h.Offset)
	}
	contents, err := compression.Decompress(comp, body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	b, err := block.New(contents, r.opts.Comparer.Compare)
	if err != nil {
		return nil, nil, err
	}
	if r.opts.BlockCache != nil && fillCache {
		ch := r.opts.BlockCache.Insert(key, b, int64(len(contents)))
		return b, ch, nil
	}
	return b, nil, nil
}

type compressedBlock struct {
	body []byte
	tag  byte
	sum  uint32
}

// MayContain probes the table's bloom filter for userKey. True means
// the key may be present; false means it definitely is not.
func (r *Reader) MayContain(userKey []byte) bool {
	if r.opts.Filter == nil || r.filterData == nil {
		return true
	}
	return r.opts.Filter.MayContain(r.filterData, userKey)
}

// ApproximateOffsetOf returns the approximate file offset at which ikey
// would live.
func (r *Reader) ApproximateOffsetOf(ikey []byte) uint64 {
	it := r.index.Iter()
	defer it.Close()
	it.Seek(ikey)
	if it.Valid() {
		if h, _, err := block.DecodeHandle(it.Value()); err == nil {
			return h.Offset
		}
	}
	// Past the last block: the key would land near the metaindex.
	return uint64(r.size)
}

// NewIter returns an iterator over the table's entries. fillCache
// controls whether blocks read by this iterator populate the caches;
// compactions pass false to avoid flushing the read path's working set.
// verify forces checksum verification even on cache hits.
func (r *Reader) NewIter(fillCache, verify bool) iterator.Iterator {
	return &tableIter{r: r, index: r.index.Iter(), fillCache: fillCache, verify: verify}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// tableIter is the two-level iterator: an index iterator selects data
// blocks, a block iterator walks entries within one.
type tableIter struct {
	r         *Reader
	index     *block.Iter
	data      *block.Iter
	dataCH    *cache.Handle
	fillCache bool
	verify    bool
	err       error
}

func (t *tableIter) Valid() bool {
	return t.err == nil && t.data != nil && t.data.Valid()
}

func (t *tableIter) Key() []byte   { return t.data.Key() }
func (t *tableIter) Value() []byte { return t.data.Value() }

func (t *tableIter) Error() error {
	if t.err != nil {
		return t.err
	}
	if t.data != nil {
		if err := t.data.Error(); err != nil {
			return err
		}
	}
	return t.index.Error()
}

func (t *tableIter) Close() error {
	t.dropData()
	err := t.Error()
	t.index.Close()
	return err
}

func (t *tableIter) dropData() {
	if t.dataCH != nil {
		t.dataCH.Release()
		t.dataCH = nil
	}
	t.data = nil
}

// loadData replaces the data iterator with the block the index iterator
// points at.
func (t *tableIter) loadData() bool {
	t.dropData()
	if !t.index.Valid() {
		return false
	}
	h, _, err := block.DecodeHandle(t.index.Value())
	if err != nil {
		t.err = err
		return false
	}
	b, ch, err := t.r.readBlock(h, t.fillCache, t.verify)
	if err != nil {
		t.err = err
		return false
	}
	t.data = b.Iter()
	t.dataCH = ch
	return true
}

func (t *tableIter) SeekToFirst() {
	if t.err != nil {
		return
	}
	t.index.SeekToFirst()
	if t.loadData() {
		t.data.SeekToFirst()
		t.skipForward()
	}
}

func (t *tableIter) SeekToLast() {
	if t.err != nil {
		return
	}
	t.index.SeekToLast()
	if t.loadData() {
		t.data.SeekToLast()
		t.skipBackward()
	}
}

func (t *tableIter) Seek(target []byte) {
	if t.err != nil {
		return
	}
	t.index.Seek(target)
	if t.loadData() {
		t.data.Seek(target)
		t.skipForward()
	}
}

func (t *tableIter) Next() {
	if t.err != nil {
		return
	}
	t.data.Next()
	t.skipForward()
}

func (t *tableIter) Prev() {
	if t.err != nil {
		return
	}
	t.data.Prev()
	t.skipBackward()
}

// skipForward advances across block boundaries until the data iterator
// is valid or the table is exhausted.
func (t *tableIter) skipForward() {
	for t.err == nil && t.data != nil && !t.data.Valid() {
		if err := t.data.Error(); err != nil {
			t.err = err
			return
		}
		t.index.Next()
		if !t.loadData() {
			return
		}
		t.data.SeekToFirst()
	}
}

func (t *tableIter) skipBackward() {
	for t.err == nil && t.data != nil && !t.data.Valid() {
		if err := t.data.Error(); err != nil {
			t.err = err
			return
		}
		t.index.Prev()
		if !t.loadData() {
			return
		}
		t.data.SeekToLast()
	}
}
