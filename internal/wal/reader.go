package wal

import (
	"errors"
	"io"

	"github.com/stratakv/stratakv/internal/checksum"
	"github.com/stratakv/stratakv/internal/encoding"
	"github.com/stratakv/stratakv/internal/vfs"
)

// Reporter receives notice of corrupted log regions. Recovery can choose
// to tolerate or fail on them.
type Reporter interface {
	// Corruption reports that roughly bytes of log were dropped.
	Corruption(bytes int, err error)
}

// ErrBadChecksum marks a fragment whose checksum did not verify.
var ErrBadChecksum = errors.New("wal: checksum mismatch")

// Reader reads records back from a log file, skipping corrupted
// regions. A truncated final record is treated as a clean end of log,
// since it is the expected result of a crash mid-write.
type Reader struct {
	f        vfs.SequentialFile
	reporter Reporter

	block   [BlockSize]byte
	buf     []byte // unread portion of block
	eof     bool   // hit end of file; buf holds the final partial block
	rec     []byte // assembled record
}

// NewReader returns a Reader over f. reporter may be nil.
func NewReader(f vfs.SequentialFile, reporter Reporter) *Reader {
	return &Reader{f: f, reporter: reporter}
}

// ReadRecord returns the next complete record, or io.EOF at the end of
// the log. The returned slice is reused by the next call.
func (r *Reader) ReadRecord() ([]byte, error) {
	r.rec = r.rec[:0]
	inFragmented := false
	for {
		payload, t, dropped, err := r.readFragment()
		if err == io.EOF {
			// A partial record at the tail means the writer crashed
			// mid-write; the record never committed.
			return nil, io.EOF
		}
		if err != nil {
			r.report(len(r.rec)+dropped, err)
			r.rec = r.rec[:0]
			inFragmented = false
			continue
		}

		switch t {
		case typeFull:
			if inFragmented {
				r.report(len(r.rec), errors.New("wal: full record inside fragmented record"))
			}
			r.rec = append(r.rec[:0], payload...)
			return r.rec, nil
		case typeFirst:
			if inFragmented {
				r.report(len(r.rec), errors.New("wal: missing last fragment"))
			}
			r.rec = append(r.rec[:0], payload...)
			inFragmented = true
		case typeMiddle:
			if !inFragmented {
				r.report(len(payload), errors.New("wal: middle fragment without first"))
				continue
			}
			r.rec = append(r.rec, payload...)
		case typeLast:
			if !inFragmented {
				r.report(len(payload), errors.New("wal: last fragment without first"))
				continue
			}
			r.rec = append(r.rec, payload...)
			return r.rec, nil
		default:
			r.report(len(payload), errors.New("wal: unknown fragment type"))
			r.rec = r.rec[:0]
			inFragmented = false
		}
	}
}

func (r *Reader) report(bytes int, err error) {
	if r.reporter != nil {
		r.reporter.Corruption(bytes, err)
	}
}

// readFragment returns the next physical fragment plus the byte count
// dropped on error. io.EOF means the log ended cleanly (including a
// truncated trailing fragment).
func (r *Reader) readFragment() ([]byte, recordType, int, error) {
	for {
		if len(r.buf) < HeaderSize {
			if r.eof {
				// Trailing bytes shorter than a header are either block
				// padding or a torn header from a crash.
				return nil, 0, 0, io.EOF
			}
			if err := r.fillBlock(); err != nil {
				return nil, 0, 0, err
			}
			continue
		}

		length := int(r.buf[4]) | int(r.buf[5])<<8
		t := recordType(r.buf[6])
		if t == typeZero && length == 0 {
			// Block padding.
			r.buf = nil
			continue
		}
		if HeaderSize+length > len(r.buf) {
			if r.eof {
				// Torn fragment at the tail of the log.
				return nil, 0, 0, io.EOF
			}
			dropped := len(r.buf)
			r.buf = nil
			return nil, 0, dropped, errors.New("wal: fragment overruns block")
		}

		payload := r.buf[HeaderSize : HeaderSize+length]
		want := checksum.Unmask(encoding.Fixed32(r.buf[0:4]))
		got := checksum.ExtendCRC32C(checksum.CRC32C([]byte{byte(t)}), payload)
		if want != got {
			dropped := len(r.buf)
			r.buf = nil
			return nil, 0, dropped, ErrBadChecksum
		}
		r.buf = r.buf[HeaderSize+length:]
		return payload, t, 0, nil
	}
}

// fillBlock reads the next physical block.
func (r *Reader) fillBlock() error {
	n, err := io.ReadFull(r.f, r.block[:])
	r.buf = r.block[:n]
	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		r.eof = true
		if n == 0 {
			return io.EOF
		}
		return nil
	case err != nil:
		return err
	default:
		return nil
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}
