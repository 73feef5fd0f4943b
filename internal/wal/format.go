// Package wal reads and writes the record-oriented log format used by
// the write-ahead log and the manifest.
//
// A log is a sequence of 32KB blocks. Each record is split into one or
// more fragments, and a fragment never spans a block boundary. A
// fragment carries a 7-byte header:
//
//	checksum   uint32 // masked CRC32C of type byte + payload
//	length     uint16
//	type       uint8  // full, first, middle, last
//
// A block tail shorter than the header is zero-filled and skipped.
package wal

const (
	// BlockSize is the physical block size of the log format.
	BlockSize = 32 * 1024

	// HeaderSize is the per-fragment header size.
	HeaderSize = 7
)

type recordType uint8

const (
	// typeZero marks preallocated space; readers skip it.
	typeZero recordType = 0

	typeFull   recordType = 1
	typeFirst  recordType = 2
	typeMiddle recordType = 3
	typeLast   recordType = 4

	numRecordTypes = 5
)
