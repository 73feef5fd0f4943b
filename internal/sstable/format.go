// Package sstable reads and writes the sorted table file format.
//
// A table is a sequence of blocks, each followed by a 5-byte trailer
// holding its compression tag and checksum:
//
//	[data block]*
//	[filter block]        (optional)
//	[metaindex block]
//	[index block]
//	[footer]
//
// The index block maps the last key of each data block to its handle.
// The metaindex maps "filter.<policy name>" to the filter block. The
// fixed-size footer at the end of the file locates the metaindex and
// index blocks and names the checksum algorithm used throughout.
package sstable

import (
	"errors"

	"github.com/stratakv/stratakv/internal/block"
	"github.com/stratakv/stratakv/internal/checksum"
	"github.com/stratakv/stratakv/internal/encoding"
)

const (
	// BlockTrailerLen is the compression tag byte plus checksum.
	BlockTrailerLen = 5

	// FooterLen is the fixed footer size: two padded block handles, the
	// checksum type, and the magic number.
	FooterLen = 2*block.MaxHandleLen + 1 + 8

	// Magic identifies a table file. It never changes.
	Magic = uint64(0xf09e1b4d8f7a6c21)
)

// ErrNotTable is returned when a file does not end in a valid footer.
var ErrNotTable = errors.New("sstable: not a table file (bad footer)")

// ErrCorrupt is returned when a block fails its checksum or cannot be
// decoded.
var ErrCorrupt = errors.New("sstable: corrupt block")

// footer is the decoded fixed-size table footer.
type footer struct {
	metaindex    block.Handle
	index        block.Handle
	checksumType checksum.Type
}

func (f footer) encode() []byte {
	buf := make([]byte, 0, FooterLen)
	buf = f.metaindex.Append(buf)
	buf = f.index.Append(buf)
	for len(buf) < 2*block.MaxHandleLen {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(f.checksumType))
	buf = encoding.AppendFixed64(buf, Magic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	if len(buf) != FooterLen || encoding.Fixed64(buf[FooterLen-8:]) != Magic {
		return footer{}, ErrNotTable
	}
	var f footer
	var err error
	var n, m int
	f.metaindex, n, err = block.DecodeHandle(buf)
	if err != nil {
		return footer{}, ErrNotTable
	}
	f.index, m, err = block.DecodeHandle(buf[n:])
	if err != nil || n+m > 2*block.MaxHandleLen {
		return footer{}, ErrNotTable
	}
	f.checksumType = checksum.Type(buf[2*block.MaxHandleLen])
	return f, nil
}
