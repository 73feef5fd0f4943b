package version

import (
	"sort"

	"github.com/stratakv/stratakv/internal/iterator"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/manifest"
	"github.com/stratakv/stratakv/internal/sstable"
)

// levelIter concatenates the files of one sorted level (L1+) into a
// single iterator, opening at most one table at a time through the
// table cache.
type levelIter struct {
	cmp       *keys.Comparer
	tables    *sstable.TableCache
	files     []*manifest.FileMeta
	fillCache bool
	verify    bool

	index int // current file, len(files) when exhausted
	file  iterator.Iterator
	err   error
}

func newLevelIter(cmp *keys.Comparer, tables *sstable.TableCache, files []*manifest.FileMeta, fillCache, verify bool) iterator.Iterator {
	return &levelIter{cmp: cmp, tables: tables, files: files, fillCache: fillCache, verify: verify, index: len(files)}
}

func (l *levelIter) Valid() bool {
	return l.err == nil && l.file != nil && l.file.Valid()
}

func (l *levelIter) Key() []byte   { return l.file.Key() }
func (l *levelIter) Value() []byte { return l.file.Value() }

func (l *levelIter) Error() error {
	if l.err != nil {
		return l.err
	}
	if l.file != nil {
		return l.file.Error()
	}
	return nil
}

func (l *levelIter) Close() error {
	err := l.Error()
	l.dropFile()
	return err
}

func (l *levelIter) dropFile() {
	if l.file != nil {
		if cerr := l.file.Close(); cerr != nil && l.err == nil {
			l.err = cerr
		}
		l.file = nil
	}
}

// openFile replaces the current table iterator with the one at index i.
func (l *levelIter) openFile(i int) bool {
	l.dropFile()
	l.index = i
	if i < 0 || i >= len(l.files) || l.err != nil {
		return false
	}
	l.file = l.tables.NewIter(l.files[i].FileNum, l.fillCache, l.verify)
	return true
}

func (l *levelIter) SeekToFirst() {
	if l.openFile(0) {
		l.file.SeekToFirst()
		l.skipForward()
	}
}

func (l *levelIter) SeekToLast() {
	if l.openFile(len(l.files) - 1) {
		l.file.SeekToLast()
		l.skipBackward()
	}
}

func (l *levelIter) Seek(target []byte) {
	i := sort.Search(len(l.files), func(i int) bool {
		return l.cmp.Compare(l.files[i].Largest, target) >= 0
	})
	if l.openFile(i) {
		l.file.Seek(target)
		l.skipForward()
	}
}

func (l *levelIter) Next() {
	l.file.Next()
	l.skipForward()
}

func (l *levelIter) Prev() {
	l.file.Prev()
	l.skipBackward()
}

func (l *levelIter) skipForward() {
	for l.err == nil && l.file != nil && !l.file.Valid() {
		if err := l.file.Error(); err != nil {
			l.err = err
			return
		}
		if !l.openFile(l.index + 1) {
			return
		}
		l.file.SeekToFirst()
	}
}

func (l *levelIter) skipBackward() {
	for l.err == nil && l.file != nil && !l.file.Valid() {
		if err := l.file.Error(); err != nil {
			l.err = err
			return
		}
		if !l.openFile(l.index - 1) {
			return
		}
		l.file.SeekToLast()
	}
}
