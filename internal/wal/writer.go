package wal

import (
	"github.com/stratakv/stratakv/internal/checksum"
	"github.com/stratakv/stratakv/internal/encoding"
	"github.com/stratakv/stratakv/internal/vfs"
)

// Writer appends records to a log file. It is not safe for concurrent
// use; the engine serializes writers externally.
type Writer struct {
	f           vfs.WritableFile
	blockOffset int

	// CRC of each record type byte, precomputed so a fragment checksum
	// only has to extend over the payload.
	typeCRC [numRecordTypes]uint32

	hdr [HeaderSize]byte
}

// NewWriter returns a Writer appending to f, which must be empty or
// have been written by a Writer that ended on a block boundary.
func NewWriter(f vfs.WritableFile) *Writer {
	w := &Writer{f: f}
	for t := range w.typeCRC {
		w.typeCRC[t] = checksum.CRC32C([]byte{byte(t)})
	}
	return w
}

// AddRecord appends one record, fragmenting it across blocks as needed.
func (w *Writer) AddRecord(data []byte) error {
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			// Zero-fill the tail; the reader skips it.
			if leftover > 0 {
				var zeros [HeaderSize - 1]byte
				if _, err := w.f.Write(zeros[:leftover]); err != nil {
					return err
				}
			}
			w.blockOffset = 0
			leftover = BlockSize
		}

		avail := leftover - HeaderSize
		n := len(data)
		if n > avail {
			n = avail
		}
		end := n == len(data)

		var t recordType
		switch {
		case begin && end:
			t = typeFull
		case begin:
			t = typeFirst
		case end:
			t = typeLast
		default:
			t = typeMiddle
		}

		if err := w.emitFragment(t, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		begin = false
		if end {
			return nil
		}
	}
}

func (w *Writer) emitFragment(t recordType, payload []byte) error {
	crc := checksum.ExtendCRC32C(w.typeCRC[t], payload)
	encoding.PutFixed32(w.hdr[0:4], checksum.Mask(crc))
	w.hdr[4] = byte(len(payload))
	w.hdr[5] = byte(len(payload) >> 8)
	w.hdr[6] = byte(t)

	if _, err := w.f.Write(w.hdr[:]); err != nil {
		return err
	}
	if _, err := w.f.Write(payload); err != nil {
		return err
	}
	w.blockOffset += HeaderSize + len(payload)
	return nil
}

// Sync flushes written records to stable storage.
func (w *Writer) Sync() error {
	return w.f.Sync()
}

// Close closes the underlying file without syncing.
func (w *Writer) Close() error {
	return w.f.Close()
}
