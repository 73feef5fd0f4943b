package stratakv

import (
	"fmt"

	"github.com/stratakv/stratakv/internal/checksum"
	"github.com/stratakv/stratakv/internal/compression"
	"github.com/stratakv/stratakv/internal/manifest"
	"github.com/stratakv/stratakv/internal/memtable"
	"github.com/stratakv/stratakv/internal/sstable"
)

// Flush seals the current memtable and schedules it for writing to an
// L0 table. With Wait set, it blocks until every sealed memtable is
// durably flushed.
func (d *DB) Flush(fo FlushOptions) error {
	if err := d.commit(&commitWriter{}); err != nil {
		return err
	}
	if !fo.Wait {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.imm) > 0 && d.bgErr == nil && !d.closed {
		d.cond.Wait()
	}
	if d.bgErr != nil {
		return d.bgErr
	}
	if d.closed {
		return ErrClosed
	}
	return nil
}

// tableWriterOptions assembles the sstable writer configuration for an
// output at the given level.
func (d *DB) tableWriterOptions(level int) sstable.WriterOptions {
	opts := sstable.WriterOptions{
		Comparer:             d.cmp,
		BlockSize:            d.opts.BlockSize,
		BlockRestartInterval: d.opts.BlockRestartInterval,
		Compression:          compression.Type(d.opts.compressionForLevel(level)),
		Checksum:             checksum.Type(d.opts.Checksum),
	}
	if d.opts.FilterPolicy != nil {
		opts.Filter = filterAdapter{fp: d.opts.FilterPolicy}
	}
	return opts
}

// buildTable writes mem's contents to table file num and records it at
// L0 in edit. Empty memtables produce no file.
// REQUIRES: d.mu NOT held.
func (d *DB) buildTable(num uint64, mem *memtable.MemTable, edit *manifest.VersionEdit) error {
	if mem.Empty() {
		return nil
	}
	name := manifest.MakeFileName(d.dirname, manifest.FileTypeTable, num)
	f, err := d.tableFS.Create(name)
	if err != nil {
		return err
	}
	w := sstable.NewWriter(f, d.tableWriterOptions(0))

	it := mem.NewIter()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			f.Close()
			d.fs.Remove(name)
			return err
		}
	}
	if err := w.Finish(); err != nil {
		f.Close()
		d.fs.Remove(name)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		d.fs.Remove(name)
		return err
	}
	if err := f.Close(); err != nil {
		d.fs.Remove(name)
		return err
	}
	if err := d.fs.SyncDir(d.dirname); err != nil {
		return err
	}

	meta := &manifest.FileMeta{
		FileNum:  num,
		Size:     w.EstimatedSize(),
		Smallest: append([]byte(nil), w.Smallest()...),
		Largest:  append([]byte(nil), w.Largest()...),
	}
	edit.AddFile(0, meta)
	d.logger.Infof("[flush] wrote table %06d: %d entries, %d bytes", num, w.EntryCount(), meta.Size)
	return nil
}

// flushOldestMemtable writes imm[0] to an L0 table and installs the
// result.
// REQUIRES: d.mu held; len(d.imm) > 0.
func (d *DB) flushOldestMemtable() error {
	fm := d.imm[0]
	num := d.vs.NewFileNum()

	var edit manifest.VersionEdit
	d.mu.Unlock()
	err := d.buildTable(num, fm.mem, &edit)
	d.mu.Lock()
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	// Logs at or before this memtable's WAL are no longer needed for
	// recovery once the flush is in the manifest.
	if len(d.imm) > 1 {
		edit.SetLogNumber(d.imm[1].logNum)
	} else {
		edit.SetLogNumber(d.logNum)
	}
	if err := d.vs.LogAndApply(&edit); err != nil {
		return fmt.Errorf("flush: install: %w", err)
	}
	d.imm = d.imm[1:]
	d.deleteObsoleteFiles()
	return nil
}
