package version

import (
	"sort"

	"github.com/stratakv/stratakv/internal/iterator"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/manifest"
)

// Compaction is a unit of background work: merge Inputs[0] from Level
// with the overlapping Inputs[1] from Level+1 into new Level+1 files.
type Compaction struct {
	Level             int
	Inputs            [2][]*manifest.FileMeta
	MaxOutputFileSize uint64

	// Edit accumulates the file deletions and additions; the worker
	// fills in outputs and passes it to LogAndApply.
	Edit manifest.VersionEdit

	version *Version
}

// Release unpins the version the compaction was planned against.
func (c *Compaction) Release() {
	if c.version != nil {
		c.version.Unref()
		c.version = nil
	}
}

// NumInputFiles returns the total input file count.
func (c *Compaction) NumInputFiles() int {
	return len(c.Inputs[0]) + len(c.Inputs[1])
}

// IsTrivialMove reports whether the compaction can be satisfied by
// moving a single file down a level without rewriting it.
func (c *Compaction) IsTrivialMove() bool {
	return len(c.Inputs[0]) == 1 && len(c.Inputs[1]) == 0
}

// MarkInputsDeleted records every input file as deleted in the edit.
func (c *Compaction) MarkInputsDeleted() {
	for which, files := range c.Inputs {
		level := c.Level + which
		for _, f := range files {
			c.Edit.DeleteFile(level, f.FileNum)
		}
	}
}

// NewInputIter returns a merged iterator over every input file. Blocks
// it reads stay out of the caches: compaction scans would otherwise
// evict the read path's working set.
func (c *Compaction) NewInputIter() iterator.Iterator {
	v := c.version
	var iters []iterator.Iterator
	if c.Level == 0 {
		for _, f := range c.Inputs[0] {
			iters = append(iters, v.tables.NewIter(f.FileNum, false, false))
		}
	} else if len(c.Inputs[0]) > 0 {
		iters = append(iters, newLevelIter(v.cmp, v.tables, c.Inputs[0], false, false))
	}
	if len(c.Inputs[1]) > 0 {
		iters = append(iters, newLevelIter(v.cmp, v.tables, c.Inputs[1], false, false))
	}
	return iterator.NewMerging(v.cmp, iters...)
}

// IsBaseLevelForKey reports whether no level below the compaction's
// output can contain userKey, which makes it safe to drop tombstones
// for it.
func (c *Compaction) IsBaseLevelForKey(userKey []byte) bool {
	v := c.version
	ucmp := v.cmp.User
	for level := c.Level + 2; level < manifest.NumLevels; level++ {
		files := v.Files[level]
		i := sort.Search(len(files), func(i int) bool {
			return ucmp(keys.UserKey(files[i].Largest), userKey) >= 0
		})
		if i < len(files) && ucmp(userKey, keys.UserKey(files[i].Smallest)) >= 0 {
			return false
		}
	}
	return true
}

// keyRange returns the smallest and largest internal keys spanned by
// files.
func keyRange(cmp *keys.Comparer, files []*manifest.FileMeta) (smallest, largest []byte) {
	for _, f := range files {
		if smallest == nil || cmp.Compare(f.Smallest, smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || cmp.Compare(f.Largest, largest) > 0 {
			largest = f.Largest
		}
	}
	return smallest, largest
}

// PickCompaction selects the most urgent compaction, or nil when no
// level is due. Size compactions within a level rotate through the
// keyspace via the persisted compact pointers.
func (s *Set) PickCompaction() *Compaction {
	v := s.current
	if v.CompactionScore < 1 || v.CompactionLevel < 0 {
		return nil
	}
	level := v.CompactionLevel
	c := &Compaction{
		Level:             level,
		MaxOutputFileSize: s.opts.MaxOutputFileSize,
		version:           v,
	}

	// Resume after the last compacted key in this level, wrapping to the
	// start when the pointer passes the final file.
	ptr := s.compactPointers[level]
	for _, f := range v.Files[level] {
		if ptr == nil || s.opts.Comparer.Compare(f.Largest, ptr) > 0 {
			c.Inputs[0] = append(c.Inputs[0], f)
			break
		}
	}
	if len(c.Inputs[0]) == 0 && len(v.Files[level]) > 0 {
		c.Inputs[0] = append(c.Inputs[0], v.Files[level][0])
	}
	if len(c.Inputs[0]) == 0 {
		return nil
	}

	if level == 0 {
		// L0 files overlap each other; every file intersecting the seed's
		// range must come along.
		smallest, largest := keyRange(s.opts.Comparer, c.Inputs[0])
		c.Inputs[0] = v.Overlaps(0, keys.UserKey(smallest), keys.UserKey(largest))
	}

	s.setupOtherInputs(c)
	v.Ref()
	return c
}

// CompactRange plans a manual compaction of every file in level whose
// range intersects [startUser, limitUser] (nil bounds are unbounded).
// Returns nil when the level has no overlapping files.
func (s *Set) CompactRange(level int, startUser, limitUser []byte) *Compaction {
	v := s.current
	inputs := v.Overlaps(level, startUser, limitUser)
	if len(inputs) == 0 {
		return nil
	}
	c := &Compaction{
		Level:             level,
		MaxOutputFileSize: s.opts.MaxOutputFileSize,
		version:           v,
	}
	c.Inputs[0] = inputs
	s.setupOtherInputs(c)
	v.Ref()
	return c
}

// setupOtherInputs fills Inputs[1] with the next level's overlapping
// files and records the compact pointer for the level.
func (s *Set) setupOtherInputs(c *Compaction) {
	cmp := s.opts.Comparer
	smallest, largest := keyRange(cmp, c.Inputs[0])
	if c.Level+1 < manifest.NumLevels {
		c.Inputs[1] = c.version.Overlaps(c.Level+1, keys.UserKey(smallest), keys.UserKey(largest))
	}

	_, allLargest := keyRange(cmp, append(append([]*manifest.FileMeta(nil), c.Inputs[0]...), c.Inputs[1]...))
	c.Edit.CompactPointers = append(c.Edit.CompactPointers, manifest.CompactPointer{
		Level: c.Level,
		Key:   append([]byte(nil), allLargest...),
	})
}
