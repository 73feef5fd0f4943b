package stratakv

import (
	"fmt"
	"sort"

	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/manifest"
	"github.com/stratakv/stratakv/internal/sstable"
	"github.com/stratakv/stratakv/internal/version"
	"github.com/stratakv/stratakv/internal/vfs"
)

// manualCompaction is a pending CompactRange request for one level.
type manualCompaction struct {
	level        int
	start, limit []byte // user keys; nil is unbounded
	done         bool
	err          error
}

// maybeScheduleBackground starts the background worker when there is
// work: a sealed memtable, a manual request, or a level over target.
// REQUIRES: d.mu held.
func (d *DB) maybeScheduleBackground() {
	if d.bgScheduled || d.closed || d.bgErr != nil {
		return
	}
	if len(d.imm) == 0 && d.manualCompaction == nil && d.vs.Current().CompactionScore < 1 {
		return
	}
	d.bgScheduled = true
	go d.backgroundCall()
}

func (d *DB) backgroundCall() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed && d.bgErr == nil {
		if err := d.backgroundWork(); err != nil {
			d.logger.Errorf("[compact] background work failed: %v", err)
			d.bgErr = err
		}
	}
	d.bgScheduled = false
	d.maybeScheduleBackground()
	d.cond.Broadcast()
}

// backgroundWork performs one unit of background work. Flushes take
// priority: they release write stalls and feed every other compaction.
// REQUIRES: d.mu held.
func (d *DB) backgroundWork() error {
	if len(d.imm) > 0 {
		return d.flushOldestMemtable()
	}

	if mc := d.manualCompaction; mc != nil {
		d.manualCompaction = nil
		c := d.vs.CompactRange(mc.level, mc.start, mc.limit)
		if c == nil {
			mc.done = true
			return nil
		}
		err := d.runCompaction(c)
		c.Release()
		mc.err = err
		mc.done = true
		return err
	}

	c := d.vs.PickCompaction()
	if c == nil {
		return nil
	}
	defer c.Release()

	if c.IsTrivialMove() {
		f := c.Inputs[0][0]
		c.Edit.DeleteFile(c.Level, f.FileNum)
		c.Edit.AddFile(c.Level+1, f)
		if err := d.vs.LogAndApply(&c.Edit); err != nil {
			return err
		}
		d.logger.Infof("[compact] moved %06d from L%d to L%d", f.FileNum, c.Level, c.Level+1)
		d.deleteObsoleteFiles()
		return nil
	}
	return d.runCompaction(c)
}

// CompactRange compacts every level's data overlapping the user key
// range [start, limit] down the tree; nil bounds are unbounded. It
// flushes first so memtable contents participate, and returns when the
// work is complete.
func (d *DB) CompactRange(start, limit []byte) error {
	if err := d.Flush(FlushOptions{Wait: true}); err != nil {
		return err
	}
	for level := 0; level < manifest.NumLevels-1; level++ {
		mc := &manualCompaction{level: level, start: start, limit: limit}
		d.mu.Lock()
		for d.manualCompaction != nil && !d.closed && d.bgErr == nil {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return ErrClosed
		}
		if d.bgErr != nil {
			err := d.bgErr
			d.mu.Unlock()
			return err
		}
		d.manualCompaction = mc
		d.maybeScheduleBackground()
		for !mc.done && !d.closed && d.bgErr == nil {
			d.cond.Wait()
		}
		err := mc.err
		if err == nil && d.bgErr != nil {
			err = d.bgErr
		}
		d.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// pinnedSeqs returns the snapshot sequence numbers, ascending.
// REQUIRES: d.mu held.
func (d *DB) pinnedSeqs() []keys.Seq {
	if d.snapshots.empty() {
		return nil
	}
	var out []keys.Seq
	for s := d.snapshots.root.next; s != &d.snapshots.root; s = s.next {
		out = append(out, s.seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// compactionOutput is one table file being written by a compaction.
type compactionOutput struct {
	num  uint64
	f    vfs.WritableFile
	w    *sstable.Writer
	meta *manifest.FileMeta
}

// runCompaction merges the inputs into new files at Level+1, dropping
// entries no live snapshot can observe and folding merge operands where
// safe.
// REQUIRES: d.mu held; it is released during the merge itself.
func (d *DB) runCompaction(c *version.Compaction) error {
	snaps := d.pinnedSeqs()
	outLevel := c.Level + 1

	// Pre-allocate generously; unused numbers are harmless.
	d.logger.Infof("[compact] L%d->L%d: %d+%d files",
		c.Level, outLevel, len(c.Inputs[0]), len(c.Inputs[1]))

	d.mu.Unlock()
	outputs, err := d.compactInputs(c, snaps, outLevel)
	d.mu.Lock()
	if err != nil {
		d.mu.Unlock()
		for _, out := range outputs {
			d.fs.Remove(manifest.MakeFileName(d.dirname, manifest.FileTypeTable, out.num))
		}
		d.mu.Lock()
		return err
	}

	c.MarkInputsDeleted()
	for _, out := range outputs {
		c.Edit.AddFile(outLevel, out.meta)
	}
	if err := d.vs.LogAndApply(&c.Edit); err != nil {
		return fmt.Errorf("compact: install: %w", err)
	}
	d.logger.Infof("[compact] L%d->L%d done: %d output file(s)", c.Level, outLevel, len(outputs))
	d.deleteObsoleteFiles()
	return nil
}

// compactInputs runs the merge loop outside the mutex, returning the
// finished outputs.
// REQUIRES: d.mu NOT held.
func (d *DB) compactInputs(c *version.Compaction, snaps []keys.Seq, outLevel int) ([]*compactionOutput, error) {
	it := c.NewInputIter()
	defer it.Close()

	var outputs []*compactionOutput
	var cur *compactionOutput
	// An error return below leaves the in-progress output open; close
	// its handle so the caller can remove the file.
	defer func() {
		if cur != nil {
			cur.f.Close()
		}
	}()

	newOutput := func() error {
		d.mu.Lock()
		num := d.vs.NewFileNum()
		d.mu.Unlock()
		name := manifest.MakeFileName(d.dirname, manifest.FileTypeTable, num)
		f, err := d.tableFS.Create(name)
		if err != nil {
			return err
		}
		cur = &compactionOutput{
			num: num,
			f:   f,
			w:   sstable.NewWriter(f, d.tableWriterOptions(outLevel)),
		}
		outputs = append(outputs, cur)
		return nil
	}
	finishOutput := func() error {
		if cur == nil {
			return nil
		}
		out := cur
		cur = nil
		if err := out.w.Finish(); err != nil {
			out.f.Close()
			return err
		}
		if err := out.f.Sync(); err != nil {
			out.f.Close()
			return err
		}
		if err := out.f.Close(); err != nil {
			return err
		}
		out.meta = &manifest.FileMeta{
			FileNum:  out.num,
			Size:     out.w.EstimatedSize(),
			Smallest: append([]byte(nil), out.w.Smallest()...),
			Largest:  append([]byte(nil), out.w.Largest()...),
		}
		return nil
	}
	emit := func(ikey, value []byte) error {
		if cur == nil {
			if err := newOutput(); err != nil {
				return err
			}
		}
		return cur.w.Add(ikey, value)
	}

	ci := &compactionIter{
		d:     d,
		c:     c,
		snaps: snaps,
		emit:  emit,
	}

	it.SeekToFirst()
	for it.Valid() {
		// Collect the run of entries for one user key; the merging
		// iterator yields them adjacent, newest first.
		pk, err := keys.Parse(it.Key())
		if err != nil {
			return outputs, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		userKey := append([]byte(nil), pk.User...)
		ci.reset(userKey)
		for it.Valid() {
			pk, err := keys.Parse(it.Key())
			if err != nil {
				return outputs, fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			if d.cmp.User(pk.User, userKey) != 0 {
				break
			}
			ci.add(pk.Seq, pk.Kind, it.Value())
			it.Next()
		}
		if err := ci.flushKey(); err != nil {
			return outputs, err
		}
		// Rotate only at user key boundaries so a key's history never
		// straddles two files.
		if cur != nil && cur.w.EstimatedSize() >= c.MaxOutputFileSize {
			if err := finishOutput(); err != nil {
				return outputs, err
			}
		}
	}
	if err := it.Error(); err != nil {
		return outputs, err
	}
	if err := finishOutput(); err != nil {
		return outputs, err
	}

	// Drop outputs that ended up empty.
	kept := outputs[:0]
	for _, out := range outputs {
		if out.meta != nil && out.meta.Smallest != nil {
			kept = append(kept, out)
		} else {
			d.fs.Remove(manifest.MakeFileName(d.dirname, manifest.FileTypeTable, out.num))
		}
	}
	return kept, d.fs.SyncDir(d.dirname)
}

// compactionEntry is one buffered input entry for the key being
// processed.
type compactionEntry struct {
	seq   keys.Seq
	kind  keys.Kind
	value []byte
}

// compactionIter reduces the history of a single user key. Entries are
// partitioned into snapshot stripes: two entries with no snapshot
// sequence between them are indistinguishable to every reader, so only
// the newest survivor of each stripe is kept. Merge operands fold into
// their base when the base shares their stripe, fold to a value at the
// bottom of the tree, and otherwise partial-merge among themselves.
type compactionIter struct {
	d     *DB
	c     *version.Compaction
	snaps []keys.Seq
	emit  func(ikey, value []byte) error

	userKey []byte
	entries []compactionEntry // newest first
}

func (ci *compactionIter) reset(userKey []byte) {
	ci.userKey = userKey
	ci.entries = ci.entries[:0]
}

func (ci *compactionIter) add(seq keys.Seq, kind keys.Kind, value []byte) {
	ci.entries = append(ci.entries, compactionEntry{
		seq:   seq,
		kind:  kind,
		value: append([]byte(nil), value...),
	})
}

// stripe returns the number of snapshots strictly below seq. Entries in
// the same stripe cannot be told apart by any snapshot.
func (ci *compactionIter) stripe(seq keys.Seq) int {
	return sort.Search(len(ci.snaps), func(i int) bool { return ci.snaps[i] >= seq })
}

func (ci *compactionIter) emitEntry(e compactionEntry) error {
	return ci.emit(keys.Make(ci.userKey, e.seq, e.kind), e.value)
}

// flushKey reduces and emits the buffered entries.
func (ci *compactionIter) flushKey() error {
	entries := ci.entries
	i := 0
	for i < len(entries) {
		s := ci.stripe(entries[i].seq)
		j := i
		for j < len(entries) && ci.stripe(entries[j].seq) == s {
			j++
		}
		lastStripe := j == len(entries)
		if err := ci.flushStripe(entries[i:j], s, lastStripe); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// flushStripe emits the survivors of one stripe's run, newest first.
func (ci *compactionIter) flushStripe(run []compactionEntry, stripe int, lastStripe bool) error {
	// Leading merges, then at most one base; everything older in the
	// stripe is shadowed.
	var merges []compactionEntry
	var base *compactionEntry
	for i := range run {
		if run[i].kind == keys.KindMerge {
			merges = append(merges, run[i])
			continue
		}
		base = &run[i]
		break
	}

	op := ci.d.opts.MergeOperator
	if len(merges) == 0 {
		// Plain newest-wins. A tombstone visible to every snapshot is
		// dropped when no deeper level can hold the key.
		if base.kind == keys.KindDelete && stripe == 0 && lastStripe &&
			ci.c.IsBaseLevelForKey(ci.userKey) {
			return nil
		}
		return ci.emitEntry(*base)
	}

	if op != nil && base != nil {
		// Base shares the stripe: no reader can see the base without
		// the operands, so fold to a single value.
		var baseVal []byte
		if base.kind == keys.KindSet {
			baseVal = base.value
		}
		operands := make([][]byte, len(merges))
		for i, m := range merges {
			operands[len(merges)-1-i] = m.value
		}
		if value, ok := op.FullMerge(ci.userKey, baseVal, operands); ok {
			return ci.emitEntry(compactionEntry{seq: merges[0].seq, kind: keys.KindSet, value: value})
		}
		return fmt.Errorf("%w: merge operator %q failed compacting key", ErrCorruption, op.Name())
	}

	if op != nil && base == nil && stripe == 0 && lastStripe &&
		ci.c.IsBaseLevelForKey(ci.userKey) {
		// Bottom of the tree with no base anywhere: merge against
		// nothing.
		operands := make([][]byte, len(merges))
		for i, m := range merges {
			operands[len(merges)-1-i] = m.value
		}
		if value, ok := op.FullMerge(ci.userKey, nil, operands); ok {
			return ci.emitEntry(compactionEntry{seq: merges[0].seq, kind: keys.KindSet, value: value})
		}
		return fmt.Errorf("%w: merge operator %q failed compacting key", ErrCorruption, op.Name())
	}

	// The base lives in an older stripe or a deeper level: the operands
	// must survive. Squash adjacent operands where the operator allows.
	if op != nil && len(merges) > 1 {
		acc := merges[len(merges)-1].value // oldest
		ok := true
		for i := len(merges) - 2; i >= 0; i-- {
			var combined []byte
			combined, ok = op.PartialMerge(ci.userKey, acc, merges[i].value)
			if !ok {
				break
			}
			acc = combined
		}
		if ok {
			return ci.emitEntry(compactionEntry{seq: merges[0].seq, kind: keys.KindMerge, value: acc})
		}
	}
	for _, m := range merges {
		if err := ci.emitEntry(m); err != nil {
			return err
		}
	}
	if base != nil {
		if base.kind == keys.KindDelete && stripe == 0 && lastStripe &&
			ci.c.IsBaseLevelForKey(ci.userKey) {
			return nil
		}
		return ci.emitEntry(*base)
	}
	return nil
}
