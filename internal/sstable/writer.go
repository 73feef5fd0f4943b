package sstable

import (
	"fmt"

	"github.com/stratakv/stratakv/internal/block"
	"github.com/stratakv/stratakv/internal/checksum"
	"github.com/stratakv/stratakv/internal/compression"
	"github.com/stratakv/stratakv/internal/filter"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/vfs"
)

// WriterOptions configure table construction.
type WriterOptions struct {
	Comparer             *keys.Comparer
	BlockSize            int
	BlockRestartInterval int
	Compression          compression.Type
	Checksum             checksum.Type
	Filter               filter.Policy
}

func (o *WriterOptions) sanitize() {
	if o.Comparer == nil {
		o.Comparer = keys.Bytewise
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.Checksum == checksum.TypeNone {
		o.Checksum = checksum.TypeCRC32C
	}
}

// Writer builds a table file. Keys must be added in strictly increasing
// internal key order.
type Writer struct {
	f    vfs.WritableFile
	opts WriterOptions

	dataBlock  *block.Builder
	indexBlock *block.Builder
	offset     uint64
	numEntries int

	// pendingIndex holds the handle of the last finished data block; its
	// index entry is written once the first key of the next block is
	// known (or at Finish).
	pendingIndex  bool
	pendingHandle block.Handle

	filterKeys [][]byte // user keys, for the filter block

	smallest []byte
	largest  []byte

	err error
}

// NewWriter returns a Writer emitting a table to f.
func NewWriter(f vfs.WritableFile, opts WriterOptions) *Writer {
	opts.sanitize()
	return &Writer{
		f:          f,
		opts:       opts,
		dataBlock:  block.NewBuilder(opts.BlockRestartInterval),
		indexBlock: block.NewBuilder(1),
	}
}

// Add appends an internal key entry. ikey must sort strictly after
// every key added before it; violating that is a programmer error and
// panics.
func (w *Writer) Add(ikey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.largest != nil && w.opts.Comparer.Compare(ikey, w.largest) <= 0 {
		panic(fmt.Sprintf("sstable: keys added out of order: %q <= %q", ikey, w.largest))
	}
	if w.pendingIndex {
		// The finished block's index key only needs to separate it from
		// the first key of this one; the last key itself always does.
		w.indexBlock.Add(w.largest, w.pendingHandle.Append(nil))
		w.pendingIndex = false
	}

	if w.smallest == nil {
		w.smallest = append([]byte(nil), ikey...)
	}
	w.largest = append(w.largest[:0], ikey...)

	if w.opts.Filter != nil {
		if uk := keys.UserKey(ikey); uk != nil {
			w.filterKeys = append(w.filterKeys, append([]byte(nil), uk...))
		}
	}

	w.dataBlock.Add(ikey, value)
	w.numEntries++

	if w.dataBlock.EstimatedSize() >= w.opts.BlockSize {
		w.flushDataBlock()
	}
	return w.err
}

func (w *Writer) flushDataBlock() {
	if w.dataBlock.Empty() || w.err != nil {
		return
	}
	h, err := w.writeBlock(w.dataBlock.Finish(), w.opts.Compression)
	if err != nil {
		w.err = err
		return
	}
	w.dataBlock.Reset()
	w.pendingHandle = h
	w.pendingIndex = true
}

// writeBlock writes contents plus trailer and returns its handle. The
// compressed form is used only when it actually saves space.
func (w *Writer) writeBlock(contents []byte, comp compression.Type) (block.Handle, error) {
	body := contents
	tag := compression.None
	if comp != compression.None {
		compressed, err := compression.Compress(comp, contents)
		if err != nil {
			return block.Handle{}, fmt.Errorf("sstable: compress block: %w", err)
		}
		if len(compressed) < len(contents) {
			body = compressed
			tag = comp
		}
	}

	h := block.Handle{Offset: w.offset, Length: uint64(len(body))}
	var trailer [BlockTrailerLen]byte
	trailer[0] = byte(tag)
	sum := checksum.Block(w.opts.Checksum, body, trailer[0])
	trailer[1] = byte(sum)
	trailer[2] = byte(sum >> 8)
	trailer[3] = byte(sum >> 16)
	trailer[4] = byte(sum >> 24)

	if _, err := w.f.Write(body); err != nil {
		return block.Handle{}, err
	}
	if _, err := w.f.Write(trailer[:]); err != nil {
		return block.Handle{}, err
	}
	w.offset += uint64(len(body)) + BlockTrailerLen
	return h, nil
}

// EstimatedSize returns the file size so far, including the block being
// built.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.EstimatedSize())
}

// EntryCount returns the number of entries added.
func (w *Writer) EntryCount() int { return w.numEntries }

// Smallest returns the smallest internal key added, nil when empty.
func (w *Writer) Smallest() []byte { return w.smallest }

// Largest returns the largest internal key added, nil when empty.
func (w *Writer) Largest() []byte { return w.largest }

// Finish writes the filter, metaindex, index, and footer. It does not
// sync or close the file.
func (w *Writer) Finish() error {
	if w.err != nil {
		return w.err
	}
	w.flushDataBlock()
	if w.pendingIndex {
		w.indexBlock.Add(w.largest, w.pendingHandle.Append(nil))
		w.pendingIndex = false
	}
	if w.err != nil {
		return w.err
	}

	metaindex := block.NewBuilder(1)
	if w.opts.Filter != nil && len(w.filterKeys) > 0 {
		// Filter blocks are probed wholesale; compressing them would
		// just burn CPU on every table open.
		fb := w.opts.Filter.Append(nil, w.filterKeys)
		fh, err := w.writeBlock(fb, compression.None)
		if err != nil {
			w.err = err
			return err
		}
		metaindex.Add([]byte("filter."+w.opts.Filter.Name()), fh.Append(nil))
	}

	metaHandle, err := w.writeBlock(metaindex.Finish(), compression.None)
	if err != nil {
		w.err = err
		return err
	}
	indexHandle, err := w.writeBlock(w.indexBlock.Finish(), w.opts.Compression)
	if err != nil {
		w.err = err
		return err
	}

	ftr := footer{metaindex: metaHandle, index: indexHandle, checksumType: w.opts.Checksum}
	if _, err := w.f.Write(ftr.encode()); err != nil {
		w.err = err
		return err
	}
	w.offset += FooterLen
	return nil
}
