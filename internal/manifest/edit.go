// Package manifest defines the version edit records persisted in the
// MANIFEST file. Each edit is a delta against the previous version:
// files added and removed per level, plus bookkeeping counters. The
// manifest is written with the wal package's record framing.
package manifest

import (
	"errors"
	"fmt"

	"github.com/stratakv/stratakv/internal/encoding"
	"github.com/stratakv/stratakv/internal/keys"
)

// NumLevels is the number of levels in the tree.
const NumLevels = 7

// ErrCorrupt is returned when an edit record cannot be decoded.
var ErrCorrupt = errors.New("manifest: corrupt version edit")

// Field tags in the edit encoding. On-disk values; never renumber.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSeq        = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
)

// FileMeta describes one table file.
type FileMeta struct {
	FileNum uint64
	Size    uint64
	// Smallest and Largest are the internal key bounds of the file.
	Smallest []byte
	Largest  []byte
}

func (m *FileMeta) String() string {
	return fmt.Sprintf("%06d(%d bytes)[%x..%x]", m.FileNum, m.Size, m.Smallest, m.Largest)
}

// DeletedFile names a file removed from a level.
type DeletedFile struct {
	Level   int
	FileNum uint64
}

// NewFile names a file added to a level.
type NewFile struct {
	Level int
	Meta  *FileMeta
}

// CompactPointer records where the next size compaction in a level
// should resume.
type CompactPointer struct {
	Level int
	Key   []byte // internal key
}

// VersionEdit is a manifest record. Zero values with their Has flag
// unset are omitted from the encoding.
type VersionEdit struct {
	ComparatorName string

	LogNumber    uint64
	HasLogNumber bool

	NextFileNumber    uint64
	HasNextFileNumber bool

	LastSeq    keys.Seq
	HasLastSeq bool

	CompactPointers []CompactPointer
	DeletedFiles    []DeletedFile
	NewFiles        []NewFile
}

// SetLogNumber records the oldest live WAL number.
func (e *VersionEdit) SetLogNumber(n uint64) {
	e.LogNumber, e.HasLogNumber = n, true
}

// SetNextFileNumber records the next file number to allocate.
func (e *VersionEdit) SetNextFileNumber(n uint64) {
	e.NextFileNumber, e.HasNextFileNumber = n, true
}

// SetLastSeq records the newest committed sequence number.
func (e *VersionEdit) SetLastSeq(s keys.Seq) {
	e.LastSeq, e.HasLastSeq = s, true
}

// AddFile adds meta to level.
func (e *VersionEdit) AddFile(level int, meta *FileMeta) {
	e.NewFiles = append(e.NewFiles, NewFile{Level: level, Meta: meta})
}

// DeleteFile removes fileNum from level.
func (e *VersionEdit) DeleteFile(level int, fileNum uint64) {
	e.DeletedFiles = append(e.DeletedFiles, DeletedFile{Level: level, FileNum: fileNum})
}

// Encode serializes the edit.
func (e *VersionEdit) Encode() []byte {
	var buf []byte
	if e.ComparatorName != "" {
		buf = encoding.AppendUvarint(buf, tagComparator)
		buf = encoding.AppendLenPrefixed(buf, []byte(e.ComparatorName))
	}
	if e.HasLogNumber {
		buf = encoding.AppendUvarint(buf, tagLogNumber)
		buf = encoding.AppendUvarint(buf, e.LogNumber)
	}
	if e.HasNextFileNumber {
		buf = encoding.AppendUvarint(buf, tagNextFileNumber)
		buf = encoding.AppendUvarint(buf, e.NextFileNumber)
	}
	if e.HasLastSeq {
		buf = encoding.AppendUvarint(buf, tagLastSeq)
		buf = encoding.AppendUvarint(buf, uint64(e.LastSeq))
	}
	for _, cp := range e.CompactPointers {
		buf = encoding.AppendUvarint(buf, tagCompactPointer)
		buf = encoding.AppendUvarint(buf, uint64(cp.Level))
		buf = encoding.AppendLenPrefixed(buf, cp.Key)
	}
	for _, df := range e.DeletedFiles {
		buf = encoding.AppendUvarint(buf, tagDeletedFile)
		buf = encoding.AppendUvarint(buf, uint64(df.Level))
		buf = encoding.AppendUvarint(buf, df.FileNum)
	}
	for _, nf := range e.NewFiles {
		buf = encoding.AppendUvarint(buf, tagNewFile)
		buf = encoding.AppendUvarint(buf, uint64(nf.Level))
		buf = encoding.AppendUvarint(buf, nf.Meta.FileNum)
		buf = encoding.AppendUvarint(buf, nf.Meta.Size)
		buf = encoding.AppendLenPrefixed(buf, nf.Meta.Smallest)
		buf = encoding.AppendLenPrefixed(buf, nf.Meta.Largest)
	}
	return buf
}

// Decode parses a serialized edit into e, which should be zero.
func (e *VersionEdit) Decode(data []byte) error {
	r := encoding.NewReader(data)
	for r.Len() > 0 {
		tag, ok := r.Uvarint()
		if !ok {
			return ErrCorrupt
		}
		switch tag {
		case tagComparator:
			name, ok := r.LenPrefixed()
			if !ok {
				return ErrCorrupt
			}
			e.ComparatorName = string(name)
		case tagLogNumber:
			n, ok := r.Uvarint()
			if !ok {
				return ErrCorrupt
			}
			e.SetLogNumber(n)
		case tagNextFileNumber:
			n, ok := r.Uvarint()
			if !ok {
				return ErrCorrupt
			}
			e.SetNextFileNumber(n)
		case tagLastSeq:
			n, ok := r.Uvarint()
			if !ok {
				return ErrCorrupt
			}
			e.SetLastSeq(keys.Seq(n))
		case tagCompactPointer:
			level, ok1 := r.Uvarint()
			key, ok2 := r.LenPrefixed()
			if !ok1 || !ok2 || level >= NumLevels {
				return ErrCorrupt
			}
			e.CompactPointers = append(e.CompactPointers, CompactPointer{
				Level: int(level),
				Key:   append([]byte(nil), key...),
			})
		case tagDeletedFile:
			level, ok1 := r.Uvarint()
			fileNum, ok2 := r.Uvarint()
			if !ok1 || !ok2 || level >= NumLevels {
				return ErrCorrupt
			}
			e.DeleteFile(int(level), fileNum)
		case tagNewFile:
			level, ok1 := r.Uvarint()
			fileNum, ok2 := r.Uvarint()
			size, ok3 := r.Uvarint()
			smallest, ok4 := r.LenPrefixed()
			largest, ok5 := r.LenPrefixed()
			if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || level >= NumLevels {
				return ErrCorrupt
			}
			e.AddFile(int(level), &FileMeta{
				FileNum:  fileNum,
				Size:     size,
				Smallest: append([]byte(nil), smallest...),
				Largest:  append([]byte(nil), largest...),
			})
		default:
			return fmt.Errorf("%w: unknown tag %d", ErrCorrupt, tag)
		}
	}
	return nil
}
