// Package version maintains the leveled file metadata of the store. A
// Version is an immutable snapshot of which table files live at which
// level; the Set owns the current Version, applies VersionEdits to
// produce new ones, and persists each edit to the MANIFEST log.
package version

import (
	"sort"
	"sync/atomic"

	"github.com/stratakv/stratakv/internal/iterator"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/manifest"
	"github.com/stratakv/stratakv/internal/sstable"
)

// Version is an immutable view of the tree: one sorted file list per
// level. L0 is ordered newest file first and its files may overlap;
// deeper levels are ordered by smallest key and are disjoint.
//
// A Version is pinned by iterators and in-flight reads via Ref/Unref
// and stays usable after being superseded.
type Version struct {
	cmp    *keys.Comparer
	tables *sstable.TableCache

	Files [manifest.NumLevels][]*manifest.FileMeta

	// Compaction bookkeeping, filled by finalize when the version is
	// installed: the level most in need of compaction and its score.
	// A score >= 1 means the level is due.
	CompactionScore float64
	CompactionLevel int

	refs atomic.Int32
}

func newVersion(cmp *keys.Comparer, tables *sstable.TableCache) *Version {
	return &Version{cmp: cmp, tables: tables, CompactionLevel: -1}
}

// Ref pins the version.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref releases a pin. Table file reclamation is driven by the Set's
// live-file sweep, so dropping the last reference has no side effects
// beyond making the version collectable.
func (v *Version) Unref() {
	if v.refs.Add(-1) < 0 {
		panic("version: negative refcount")
	}
}

// NumFiles returns the file count at level.
func (v *Version) NumFiles(level int) int {
	return len(v.Files[level])
}

// TotalBytes returns the summed file size at level.
func (v *Version) TotalBytes(level int) uint64 {
	var n uint64
	for _, f := range v.Files[level] {
		n += f.Size
	}
	return n
}

// Overlaps returns the files in level whose key range intersects
// [smallestUser, largestUser]. A nil bound is unbounded on that side.
// For L0 the range is grown to cover transitively overlapping files,
// since L0 files may overlap each other.
func (v *Version) Overlaps(level int, smallestUser, largestUser []byte) []*manifest.FileMeta {
	ucmp := v.cmp.User
	var out []*manifest.FileMeta
	for i := 0; i < len(v.Files[level]); i++ {
		f := v.Files[level][i]
		fSmall := keys.UserKey(f.Smallest)
		fLarge := keys.UserKey(f.Largest)
		if smallestUser != nil && ucmp(fLarge, smallestUser) < 0 {
			continue
		}
		if largestUser != nil && ucmp(fSmall, largestUser) > 0 {
			continue
		}
		out = append(out, f)
		if level == 0 {
			// Restart with the widened range.
			if smallestUser != nil && ucmp(fSmall, smallestUser) < 0 {
				smallestUser = fSmall
				out = out[:0]
				i = -1
			} else if largestUser != nil && ucmp(fLarge, largestUser) > 0 {
				largestUser = fLarge
				out = out[:0]
				i = -1
			}
		}
	}
	return out
}

// AppendIters appends one iterator per L0 file (newest first) and one
// concatenating iterator per deeper non-empty level, in read priority
// order.
func (v *Version) AppendIters(iters []iterator.Iterator, fillCache, verify bool) []iterator.Iterator {
	for _, f := range v.Files[0] {
		iters = append(iters, v.tables.NewIter(f.FileNum, fillCache, verify))
	}
	for level := 1; level < manifest.NumLevels; level++ {
		if len(v.Files[level]) > 0 {
			iters = append(iters, newLevelIter(v.cmp, v.tables, v.Files[level], fillCache, verify))
		}
	}
	return iters
}

// AppendGetIters is AppendIters for a point lookup: table files whose
// key range cannot contain userKey are skipped, and files with a bloom
// filter are probed before being opened for iteration.
func (v *Version) AppendGetIters(iters []iterator.Iterator, userKey []byte, fillCache, verify bool) []iterator.Iterator {
	ucmp := v.cmp.User
	covers := func(f *manifest.FileMeta) bool {
		return ucmp(userKey, keys.UserKey(f.Smallest)) >= 0 &&
			ucmp(userKey, keys.UserKey(f.Largest)) <= 0
	}
	add := func(f *manifest.FileMeta) {
		r, release, err := v.tables.Get(f.FileNum)
		if err != nil {
			iters = append(iters, iterator.Error(err))
			return
		}
		if !r.MayContain(userKey) {
			release()
			return
		}
		release()
		iters = append(iters, v.tables.NewIter(f.FileNum, fillCache, verify))
	}
	for _, f := range v.Files[0] {
		if covers(f) {
			add(f)
		}
	}
	for level := 1; level < manifest.NumLevels; level++ {
		files := v.Files[level]
		i := sort.Search(len(files), func(i int) bool {
			return ucmp(keys.UserKey(files[i].Largest), userKey) >= 0
		})
		if i < len(files) && covers(files[i]) {
			add(files[i])
		}
	}
	return iters
}

// ApproximateOffset estimates the byte offset of ikey within the
// version's total keyspace, summing whole files before it and asking
// the table for a block-granular offset in files containing it.
func (v *Version) ApproximateOffset(ikey []byte) uint64 {
	var off uint64
	for level := 0; level < manifest.NumLevels; level++ {
		for _, f := range v.Files[level] {
			if v.cmp.Compare(f.Largest, ikey) <= 0 {
				off += f.Size
				continue
			}
			if v.cmp.Compare(f.Smallest, ikey) > 0 {
				if level > 0 {
					// Later files in a sorted level are all past ikey.
					break
				}
				continue
			}
			r, release, err := v.tables.Get(f.FileNum)
			if err == nil {
				off += r.ApproximateOffsetOf(ikey)
				release()
			}
		}
	}
	return off
}
