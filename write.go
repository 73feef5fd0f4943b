package stratakv

import (
	"sync"
	"time"

	"github.com/stratakv/stratakv/internal/batch"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/memtable"
)

// commitWriter is one queued write. The head of the queue becomes the
// group leader: it claims the waiting batches behind it, writes them as
// a single WAL record, applies them to the memtable, and wakes the
// followers with the shared result. A commitWriter with a nil batch is
// a rotation request from Flush: it forces the memtable to seal without
// writing anything.
type commitWriter struct {
	batch *batch.Batch
	sync  bool

	done bool
	err  error
	cv   *sync.Cond
}

// maxGroupCommitBytes caps how much a leader claims, so one huge batch
// does not add unbounded latency to small writers behind it.
const maxGroupCommitBytes = 1 << 20

// Put sets key to value.
func (d *DB) Put(wo WriteOptions, key, value []byte) error {
	wb := NewWriteBatch()
	wb.Put(key, value)
	return d.Write(wo, wb)
}

// Delete removes key. Deleting an absent key succeeds.
func (d *DB) Delete(wo WriteOptions, key []byte) error {
	wb := NewWriteBatch()
	wb.Delete(key)
	return d.Write(wo, wb)
}

// Merge records a merge operand for key, resolved against the key's
// history by the configured MergeOperator.
func (d *DB) Merge(wo WriteOptions, key, value []byte) error {
	if d.opts.MergeOperator == nil {
		return ErrInvalidArgument
	}
	wb := NewWriteBatch()
	wb.Merge(key, value)
	return d.Write(wo, wb)
}

// Write commits wb atomically: its records receive consecutive
// sequence numbers, land in the WAL as one record, and become visible
// together.
func (d *DB) Write(wo WriteOptions, wb *WriteBatch) error {
	if wb == nil || wb.Count() == 0 {
		return nil
	}
	return d.commit(&commitWriter{batch: wb.b, sync: wo.Sync})
}

// commit runs w through the group commit queue.
func (d *DB) commit(w *commitWriter) error {
	w.cv = sync.NewCond(&d.mu)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.writeQueue = append(d.writeQueue, w)
	for !w.done && d.writeQueue[0] != w {
		w.cv.Wait()
	}
	if w.done {
		// A leader ahead of us committed our batch.
		err := w.err
		d.mu.Unlock()
		return err
	}

	// Leader. Ensure there is room, then claim and commit the group.
	err := d.makeRoomForWrite(w.batch == nil)
	group := []*commitWriter{w}
	if err == nil && w.batch != nil {
		var groupBatch *batch.Batch
		group, groupBatch = d.claimGroup()
		seq := d.vs.LastSeq() + 1
		groupBatch.SetSeq(seq)
		lastSeq := seq + keys.Seq(groupBatch.Count()) - 1

		// WAL append and memtable insertion happen outside the mutex:
		// the queue discipline guarantees a single writer, and memtable
		// readers are lock-free.
		mem := d.mem
		d.mu.Unlock()
		err = d.wal.AddRecord(groupBatch.Repr())
		if err == nil && groupNeedsSync(group) {
			err = d.wal.Sync()
		}
		if err == nil {
			err = applyToMemtable(mem, groupBatch)
		}
		d.mu.Lock()
		if err == nil {
			d.vs.SetLastSeq(lastSeq)
		} else {
			// The WAL may hold a torn record; poison the DB rather than
			// risk a sequence gap.
			d.bgErr = err
		}
	}

	for _, member := range group {
		member.done = true
		member.err = err
		if member != w {
			member.cv.Signal()
		}
	}
	d.writeQueue = d.writeQueue[len(group):]
	if len(d.writeQueue) > 0 {
		d.writeQueue[0].cv.Signal()
	} else {
		// Close waits for the queue to drain.
		d.cond.Broadcast()
	}
	d.maybeScheduleBackground()
	d.mu.Unlock()
	return err
}

// claimGroup collects the leader and as many queued writers as fit
// under the group byte cap, concatenated into one batch.
// REQUIRES: d.mu held; the leader is writeQueue[0] and has a batch.
func (d *DB) claimGroup() ([]*commitWriter, *batch.Batch) {
	leader := d.writeQueue[0]
	group := []*commitWriter{leader}
	total := leader.batch.ApproximateSize()
	for _, w := range d.writeQueue[1:] {
		if w.batch == nil || total+w.batch.ApproximateSize() > maxGroupCommitBytes {
			break
		}
		group = append(group, w)
		total += w.batch.ApproximateSize()
	}
	if len(group) == 1 {
		return group, leader.batch
	}
	combined := batch.New()
	for _, w := range group {
		combined.Append(w.batch)
	}
	return group, combined
}

// groupNeedsSync reports whether any member asked for a synced write;
// joining a group never demotes a sync write.
func groupNeedsSync(group []*commitWriter) bool {
	for _, w := range group {
		if w.sync {
			return true
		}
	}
	return false
}

// applyToMemtable inserts the batch's records at their committed
// sequence numbers.
func applyToMemtable(mem *memtable.MemTable, b *batch.Batch) error {
	seq := b.Seq()
	return b.Iterate(func(kind keys.Kind, key, value []byte) error {
		mem.Add(seq, kind, key, value)
		seq++
		return nil
	})
}

// makeRoomForWrite blocks until the memtable can accept a write,
// rotating it and applying L0 backpressure as needed. force seals the
// memtable regardless of its size.
// REQUIRES: d.mu held by the queue leader.
func (d *DB) makeRoomForWrite(force bool) error {
	delayed := false
	for {
		switch {
		case d.bgErr != nil:
			return d.bgErr

		case d.closed:
			return ErrClosed

		case !delayed && !force && d.vs.Current().NumFiles(0) >= d.opts.L0SlowdownWritesTrigger:
			// Soft limit: yield to compaction once per write instead of
			// stalling hard at the stop trigger.
			d.mu.Unlock()
			time.Sleep(time.Millisecond)
			d.mu.Lock()
			delayed = true

		case !force && d.mem.ApproximateSize() < int64(d.opts.WriteBufferSize):
			return nil

		case force && d.mem.Empty():
			return nil

		case len(d.imm)+1 >= d.opts.MaxWriteBufferNumber:
			d.logger.Infof("[flush] stalling write: %d immutable memtables", len(d.imm))
			d.cond.Wait()

		case d.vs.Current().NumFiles(0) >= d.opts.L0StopWritesTrigger:
			d.logger.Infof("[compact] stalling write: %d files at L0", d.vs.Current().NumFiles(0))
			d.cond.Wait()

		default:
			// Seal the memtable and switch to a fresh WAL.
			oldLog := d.logNum
			newLog := d.vs.NewFileNum()
			if err := d.openWAL(newLog); err != nil {
				return err
			}
			d.imm = append(d.imm, flushedMem{mem: d.mem, logNum: oldLog})
			d.mem = memtable.New(d.cmp)
			force = false
			d.maybeScheduleBackground()
		}
	}
}
