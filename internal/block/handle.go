package block

import (
	"github.com/stratakv/stratakv/internal/encoding"
)

// Handle locates a block within a table file.
type Handle struct {
	Offset uint64
	Length uint64 // excludes the block trailer
}

// MaxHandleLen is the maximum encoded size of a Handle.
const MaxHandleLen = 2 * encoding.MaxUvarintLen

// Append appends the varint encoding of h to dst.
func (h Handle) Append(dst []byte) []byte {
	dst = encoding.AppendUvarint(dst, h.Offset)
	return encoding.AppendUvarint(dst, h.Length)
}

// DecodeHandle decodes a Handle from src, returning the handle and the
// number of bytes consumed.
func DecodeHandle(src []byte) (Handle, int, error) {
	off, n, err := encoding.Uvarint(src)
	if err != nil {
		return Handle{}, 0, err
	}
	length, m, err := encoding.Uvarint(src[n:])
	if err != nil {
		return Handle{}, 0, err
	}
	return Handle{Offset: off, Length: length}, n + m, nil
}
