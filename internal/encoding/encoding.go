// Package encoding provides the binary encoding primitives shared by the
// on-disk formats: little-endian fixed-width integers, unsigned varints,
// and length-prefixed byte slices.
package encoding

import (
	"encoding/binary"
	"errors"
)

// MaxUvarintLen is the maximum number of bytes a uvarint64 can occupy.
const MaxUvarintLen = 10

var (
	// ErrShortBuffer is returned when a decode runs past the end of its input.
	ErrShortBuffer = errors.New("encoding: short buffer")

	// ErrUvarintOverflow is returned when a uvarint does not terminate within
	// its maximum width.
	ErrUvarintOverflow = errors.New("encoding: uvarint overflow")
)

// PutFixed32 writes v into dst as 4 little-endian bytes.
// REQUIRES: len(dst) >= 4.
func PutFixed32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst, v)
}

// Fixed32 reads a 4-byte little-endian uint32 from src.
// REQUIRES: len(src) >= 4.
func Fixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// PutFixed64 writes v into dst as 8 little-endian bytes.
// REQUIRES: len(dst) >= 8.
func PutFixed64(dst []byte, v uint64) {
	binary.LittleEndian.PutUint64(dst, v)
}

// Fixed64 reads an 8-byte little-endian uint64 from src.
// REQUIRES: len(src) >= 8.
func Fixed64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// AppendFixed32 appends v to dst as 4 little-endian bytes.
func AppendFixed32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

// AppendFixed64 appends v to dst as 8 little-endian bytes.
func AppendFixed64(dst []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(dst, v)
}

// AppendUvarint appends v to dst in 7-bit varint encoding.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// Uvarint decodes a varint from src. It returns the value and the number of
// bytes consumed, or an error if src is truncated or the varint overflows.
func Uvarint(src []byte) (uint64, int, error) {
	v, n := binary.Uvarint(src)
	switch {
	case n > 0:
		return v, n, nil
	case n < 0:
		return 0, 0, ErrUvarintOverflow
	default:
		return 0, 0, ErrShortBuffer
	}
}

// UvarintLen returns the number of bytes AppendUvarint would use for v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// AppendLenPrefixed appends a varint length followed by the bytes of s.
func AppendLenPrefixed(dst, s []byte) []byte {
	dst = AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// LenPrefixed decodes a length-prefixed slice from src. The returned slice
// aliases src.
func LenPrefixed(src []byte) ([]byte, int, error) {
	n, m, err := Uvarint(src)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(src)-m) < n {
		return nil, 0, ErrShortBuffer
	}
	return src[m : m+int(n)], m + int(n), nil
}

// Reader consumes encoded fields from a byte slice in sequence.
type Reader struct {
	buf []byte
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Len returns the number of unread bytes.
func (r *Reader) Len() int { return len(r.buf) }

// Fixed32 reads a little-endian uint32.
func (r *Reader) Fixed32() (uint32, bool) {
	if len(r.buf) < 4 {
		return 0, false
	}
	v := Fixed32(r.buf)
	r.buf = r.buf[4:]
	return v, true
}

// Fixed64 reads a little-endian uint64.
func (r *Reader) Fixed64() (uint64, bool) {
	if len(r.buf) < 8 {
		return 0, false
	}
	v := Fixed64(r.buf)
	r.buf = r.buf[8:]
	return v, true
}

// Uvarint reads a varint.
func (r *Reader) Uvarint() (uint64, bool) {
	v, n, err := Uvarint(r.buf)
	if err != nil {
		return 0, false
	}
	r.buf = r.buf[n:]
	return v, true
}

// LenPrefixed reads a length-prefixed slice. The result aliases the
// underlying buffer.
func (r *Reader) LenPrefixed() ([]byte, bool) {
	s, n, err := LenPrefixed(r.buf)
	if err != nil {
		return nil, false
	}
	r.buf = r.buf[n:]
	return s, true
}
