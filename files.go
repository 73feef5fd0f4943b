package stratakv

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/stratakv/stratakv/internal/batch"
	"github.com/stratakv/stratakv/internal/checksum"
	"github.com/stratakv/stratakv/internal/compression"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/logging"
	"github.com/stratakv/stratakv/internal/manifest"
	"github.com/stratakv/stratakv/internal/memtable"
	"github.com/stratakv/stratakv/internal/sstable"
	"github.com/stratakv/stratakv/internal/version"
	"github.com/stratakv/stratakv/internal/vfs"
	"github.com/stratakv/stratakv/internal/wal"
)

// deleteObsoleteFiles removes files no longer referenced by the current
// version: tables dropped by compaction, logs fully covered by flushed
// tables, superseded manifests, and stale temporaries. Obsolete logs are
// retained under the WALTTL / WALSizeLimit policy when one is set.
// REQUIRES: d.mu held.
func (d *DB) deleteObsoleteFiles() {
	if d.deletionsDisabled > 0 {
		return
	}

	live := make(map[uint64]struct{})
	d.vs.AddLiveFiles(live)
	logNumber := d.vs.LogNumber()
	manifestNum := d.vs.ManifestFileNum()

	names, err := d.fs.List(d.dirname)
	if err != nil {
		d.logger.Errorf("[gc] list %s: %v", d.dirname, err)
		return
	}

	var newestOptions uint64
	for _, name := range names {
		if t, n, ok := manifest.ParseFileName(name); ok && t == manifest.FileTypeOptions && n > newestOptions {
			newestOptions = n
		}
	}

	for _, name := range names {
		t, n, ok := manifest.ParseFileName(name)
		if !ok {
			continue
		}
		keep := true
		switch t {
		case manifest.FileTypeTable:
			_, keep = live[n]
		case manifest.FileTypeLog:
			keep = n >= logNumber
		case manifest.FileTypeManifest:
			keep = n >= manifestNum
		case manifest.FileTypeOptions:
			keep = n == newestOptions
		case manifest.FileTypeTemp:
			keep = false
		}
		if keep {
			continue
		}

		path := manifest.MakeFileName(d.dirname, t, n)
		if t == manifest.FileTypeLog && (d.opts.WALTTL > 0 || d.opts.WALSizeLimit > 0) {
			d.archiveWAL(n, path)
			continue
		}
		if t == manifest.FileTypeTable {
			d.tables.Evict(n)
			if d.blockCache != nil {
				d.blockCache.EvictFile(n)
			}
			if d.compressedCache != nil {
				d.compressedCache.EvictFile(n)
			}
		}
		if err := d.fs.Remove(path); err != nil {
			d.logger.Errorf("[gc] remove %s: %v", path, err)
		} else {
			d.logger.Infof("[gc] removed %s", name)
		}
	}

	d.purgeWALArchive()
}

// archiveWAL records an obsolete log for deferred deletion.
// REQUIRES: d.mu held.
func (d *DB) archiveWAL(num uint64, path string) {
	for _, a := range d.walArchive {
		if a.num == num {
			return
		}
	}
	size, err := d.fs.FileSize(path)
	if err != nil {
		d.logger.Errorf("[gc] stat archived wal %s: %v", path, err)
		return
	}
	d.walArchive = append(d.walArchive, archivedWAL{num: num, size: size, obsolete: time.Now()})
}

// purgeWALArchive removes archived logs past their TTL and then, oldest
// first, until the archive fits the size limit.
// REQUIRES: d.mu held.
func (d *DB) purgeWALArchive() {
	if len(d.walArchive) == 0 {
		return
	}
	now := time.Now()
	var total int64
	kept := d.walArchive[:0]
	for _, a := range d.walArchive {
		if d.opts.WALTTL > 0 && now.Sub(a.obsolete) > d.opts.WALTTL {
			d.removeArchivedWAL(a)
			continue
		}
		kept = append(kept, a)
		total += a.size
	}
	d.walArchive = kept
	if d.opts.WALSizeLimit > 0 {
		for len(d.walArchive) > 0 && total > d.opts.WALSizeLimit {
			a := d.walArchive[0]
			d.removeArchivedWAL(a)
			d.walArchive = d.walArchive[1:]
			total -= a.size
		}
	}
}

func (d *DB) removeArchivedWAL(a archivedWAL) {
	path := manifest.MakeFileName(d.dirname, manifest.FileTypeLog, a.num)
	if err := d.fs.Remove(path); err != nil {
		d.logger.Errorf("[gc] remove archived wal %s: %v", path, err)
	} else {
		d.logger.Infof("[gc] removed archived wal %06d", a.num)
	}
}

// DisableFileDeletions suspends the deletion of obsolete files, letting
// a backup walk GetLiveFiles without the files moving underneath it.
// Calls nest; each needs a matching EnableFileDeletions.
func (d *DB) DisableFileDeletions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletionsDisabled++
}

// EnableFileDeletions reverses one DisableFileDeletions. When the last
// suspension lifts, pending garbage is collected immediately.
func (d *DB) EnableFileDeletions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deletionsDisabled == 0 {
		return
	}
	d.deletionsDisabled--
	if d.deletionsDisabled == 0 {
		d.deleteObsoleteFiles()
	}
}

// GetLiveFiles returns the names (relative to the database directory)
// of the files a consistent backup must copy, plus the exact number of
// bytes of the manifest that are valid: the manifest may grow after the
// call, and a backup should copy only the reported prefix. Call
// DisableFileDeletions first to keep the files in place while copying.
func (d *DB) GetLiveFiles() (names []string, manifestSize int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, 0, ErrClosed
	}

	live := make(map[uint64]struct{})
	d.vs.AddLiveFiles(live)
	nums := make([]uint64, 0, len(live))
	for n := range live {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	for _, n := range nums {
		names = append(names, manifest.MakeFileName("", manifest.FileTypeTable, n))
	}
	names = append(names,
		manifest.MakeFileName("", manifest.FileTypeCurrent, 0),
		manifest.MakeFileName("", manifest.FileTypeManifest, d.vs.ManifestFileNum()),
	)
	return names, d.vs.ManifestSize(), nil
}

// DestroyDB deletes the database in dirname: every file the engine
// recognizes, and the directory itself if nothing else remains. The
// database must not be open.
func DestroyDB(dirname string, opts *Options) error {
	opts = opts.sanitize()
	fs := opts.FS

	names, err := fs.List(dirname)
	if err != nil {
		// Nothing to destroy.
		return nil
	}
	lockName := manifest.MakeFileName(dirname, manifest.FileTypeLock, 0)
	lock, err := fs.Lock(lockName)
	if err != nil {
		return fmt.Errorf("stratakv: destroy %s: %w", dirname, err)
	}

	var errs *multierror.Error
	for _, name := range names {
		t, n, ok := manifest.ParseFileName(name)
		if !ok || t == manifest.FileTypeLock {
			continue
		}
		if err := fs.Remove(manifest.MakeFileName(dirname, t, n)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := lock.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := fs.Remove(lockName); err != nil {
		errs = multierror.Append(errs, err)
	}
	// Fails when the caller stored unrelated files alongside the
	// database; those are not ours to delete.
	fs.Remove(dirname)
	return errs.ErrorOrNil()
}

// RepairDB reconstructs a usable database from whatever table and log
// files survive in dirname: logs are converted to tables, every
// readable table is re-registered at L0, and a fresh manifest is
// written. Entries the old manifest considered deleted may reappear,
// and tables lose their level assignment, but no readable data is lost.
func RepairDB(dirname string, opts *Options) error {
	opts = opts.sanitize()
	fs := opts.FS
	cmp := keys.NewComparer(opts.Comparator.Compare)
	logger := opts.Logger

	lock, err := fs.Lock(manifest.MakeFileName(dirname, manifest.FileTypeLock, 0))
	if err != nil {
		return fmt.Errorf("stratakv: repair %s: %w", dirname, err)
	}
	defer lock.Close()

	names, err := fs.List(dirname)
	if err != nil {
		return err
	}
	var tableNums, logNums []uint64
	var oldManifests []string
	var maxNum uint64
	for _, name := range names {
		t, n, ok := manifest.ParseFileName(name)
		if !ok {
			continue
		}
		if n > maxNum {
			maxNum = n
		}
		switch t {
		case manifest.FileTypeTable:
			tableNums = append(tableNums, n)
		case manifest.FileTypeLog:
			logNums = append(logNums, n)
		case manifest.FileTypeManifest:
			oldManifests = append(oldManifests, name)
		}
	}
	sort.Slice(logNums, func(i, j int) bool { return logNums[i] < logNums[j] })

	wopts := sstable.WriterOptions{
		Comparer:             cmp,
		BlockSize:            opts.BlockSize,
		BlockRestartInterval: opts.BlockRestartInterval,
		Compression:          compression.Type(opts.Compression),
		Checksum:             checksum.Type(opts.Checksum),
	}
	if opts.FilterPolicy != nil {
		wopts.Filter = filterAdapter{fp: opts.FilterPolicy}
	}

	// Convert each surviving log to a table so its writes are not lost.
	for _, num := range logNums {
		maxNum++
		outNum := maxNum
		n, err := repairConvertLog(fs, dirname, cmp, logger, num, outNum, wopts)
		if err != nil {
			logger.Errorf("[repair] log %06d unreadable, skipping: %v", num, err)
			continue
		}
		if n > 0 {
			tableNums = append(tableNums, outNum)
			logger.Infof("[repair] log %06d -> table %06d (%d entries)", num, outNum, n)
		}
	}

	// Validate every table and recover its bounds and newest sequence.
	var metas []*manifest.FileMeta
	var maxSeq keys.Seq
	for _, num := range tableNums {
		meta, seq, err := repairScanTable(fs, dirname, cmp, num)
		if err != nil {
			logger.Errorf("[repair] table %06d unreadable, skipping: %v", num, err)
			continue
		}
		metas = append(metas, meta)
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	tables := sstable.NewTableCache(fs, 16, func(n uint64) string {
		return manifest.MakeFileName(dirname, manifest.FileTypeTable, n)
	}, func(n uint64) sstable.ReaderOptions {
		return sstable.ReaderOptions{Comparer: cmp, FileNum: n}
	})
	defer tables.Close()

	vs := version.New(version.Options{
		FS:                         fs,
		Dirname:                    dirname,
		Comparer:                   cmp,
		ComparerName:               opts.Comparator.Name(),
		Tables:                     tables,
		Logger:                     logger,
		L0CompactionTrigger:        opts.L0CompactionTrigger,
		MaxBytesForLevelBase:       opts.MaxBytesForLevelBase,
		MaxBytesForLevelMultiplier: opts.MaxBytesForLevelMultiplier,
		MaxOutputFileSize:          opts.TargetFileSize,
	})
	vs.MarkFileNumUsed(maxNum)
	logNum := vs.NewFileNum()
	if err := vs.Create(logNum); err != nil {
		return fmt.Errorf("stratakv: repair %s: write manifest: %w", dirname, err)
	}
	var edit manifest.VersionEdit
	for _, meta := range metas {
		edit.AddFile(0, meta)
	}
	edit.SetLastSeq(maxSeq)
	if err := vs.LogAndApply(&edit); err != nil {
		return fmt.Errorf("stratakv: repair %s: install: %w", dirname, err)
	}
	manifestNum := vs.ManifestFileNum()
	if err := vs.Close(); err != nil {
		return err
	}

	// Only now is the new manifest durable; the old ones and the
	// converted logs can go.
	for _, name := range oldManifests {
		if _, n, ok := manifest.ParseFileName(name); ok && n != manifestNum {
			fs.Remove(manifest.MakeFileName(dirname, manifest.FileTypeManifest, n))
		}
	}
	for _, num := range logNums {
		fs.Remove(manifest.MakeFileName(dirname, manifest.FileTypeLog, num))
	}
	logger.Infof("[repair] recovered %d table(s), last seq %d", len(metas), maxSeq)
	return fs.SyncDir(dirname)
}

// repairConvertLog replays one log into a memtable and writes it out as
// table outNum, returning the entry count. Corrupt log suffixes are
// dropped; everything before them survives.
func repairConvertLog(fs vfs.FS, dirname string, cmp *keys.Comparer, logger logging.Logger, num, outNum uint64, wopts sstable.WriterOptions) (int, error) {
	f, err := fs.Open(manifest.MakeFileName(dirname, manifest.FileTypeLog, num))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	mem := memtable.New(cmp)
	rd := wal.NewReader(f, walCorruptionLogger{logger})
	b := batch.New()
	count := 0
	for {
		rec, err := rd.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what replayed so far.
			logger.Errorf("[repair] log %06d: stopping at corruption: %v", num, err)
			break
		}
		if err := b.SetRepr(rec); err != nil {
			logger.Errorf("[repair] log %06d: bad batch, skipping: %v", num, err)
			continue
		}
		seq := b.Seq()
		b.Iterate(func(kind keys.Kind, key, value []byte) error {
			mem.Add(seq, kind, key, value)
			seq++
			count++
			return nil
		})
	}
	if mem.Empty() {
		return 0, nil
	}

	name := manifest.MakeFileName(dirname, manifest.FileTypeTable, outNum)
	out, err := fs.Create(name)
	if err != nil {
		return 0, err
	}
	w := sstable.NewWriter(out, wopts)
	it := mem.NewIter()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			out.Close()
			fs.Remove(name)
			return 0, err
		}
	}
	if err := w.Finish(); err != nil {
		out.Close()
		fs.Remove(name)
		return 0, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		fs.Remove(name)
		return 0, err
	}
	if err := out.Close(); err != nil {
		fs.Remove(name)
		return 0, err
	}
	return count, nil
}

// repairScanTable walks a table to recover its key bounds and newest
// sequence number.
func repairScanTable(fs vfs.FS, dirname string, cmp *keys.Comparer, num uint64) (*manifest.FileMeta, keys.Seq, error) {
	path := manifest.MakeFileName(dirname, manifest.FileTypeTable, num)
	size, err := fs.FileSize(path)
	if err != nil {
		return nil, 0, err
	}
	f, err := fs.OpenRandom(path)
	if err != nil {
		return nil, 0, err
	}
	r, err := sstable.NewReader(f, size, sstable.ReaderOptions{
		Comparer:        cmp,
		FileNum:         num,
		VerifyChecksums: true,
	})
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	defer r.Close()

	var smallest, largest []byte
	var maxSeq keys.Seq
	it := r.NewIter(false, false)
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if smallest == nil {
			smallest = append([]byte(nil), it.Key()...)
		}
		largest = append(largest[:0], it.Key()...)
		if seq := keys.SeqOf(it.Key()); seq > maxSeq {
			maxSeq = seq
		}
	}
	if err := it.Error(); err != nil {
		return nil, 0, err
	}
	if smallest == nil {
		return nil, 0, fmt.Errorf("table %06d is empty", num)
	}
	return &manifest.FileMeta{
		FileNum:  num,
		Size:     uint64(size),
		Smallest: smallest,
		Largest:  largest,
	}, maxSeq, nil
}
