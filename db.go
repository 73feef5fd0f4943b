package stratakv

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/stratakv/stratakv/internal/batch"
	"github.com/stratakv/stratakv/internal/cache"
	"github.com/stratakv/stratakv/internal/iterator"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/logging"
	"github.com/stratakv/stratakv/internal/manifest"
	"github.com/stratakv/stratakv/internal/memtable"
	"github.com/stratakv/stratakv/internal/sstable"
	"github.com/stratakv/stratakv/internal/version"
	"github.com/stratakv/stratakv/internal/vfs"
	"github.com/stratakv/stratakv/internal/wal"
)

// propertyPrefix namespaces GetProperty keys.
const propertyPrefix = "stratakv."

// flushedMem is a sealed memtable awaiting flush, together with the WAL
// that covers it.
type flushedMem struct {
	mem    *memtable.MemTable
	logNum uint64
}

// archivedWAL is an obsolete WAL retained under the WALTTL /
// WALSizeLimit policy.
type archivedWAL struct {
	num      uint64
	size     int64
	obsolete time.Time
}

// DB is a database handle. It is safe for concurrent use by multiple
// goroutines without external synchronization.
type DB struct {
	opts    *Options
	dirname string
	fs      vfs.FS
	tableFS vfs.FS // wraps fs with direct I/O for table outputs
	cmp     *keys.Comparer
	logger  logging.Logger

	blockCache      *cache.Cache
	compressedCache *cache.Cache
	tables          *sstable.TableCache
	vs              *version.Set

	dirLock io.Closer

	// mu guards all mutable state below. The condition variable is
	// broadcast whenever background state changes: a flush or
	// compaction finishing, an error, a close.
	mu   sync.Mutex
	cond *sync.Cond

	mem    *memtable.MemTable
	imm    []flushedMem // sealed memtables, oldest first
	wal    *wal.Writer
	logNum uint64

	writeQueue []*commitWriter

	snapshots snapshotList

	bgScheduled bool
	bgErr       error
	closed      bool

	manualCompaction *manualCompaction

	deletionsDisabled int
	walArchive        []archivedWAL
}

// Open opens (or with CreateIfMissing creates) the database in dirname.
func Open(dirname string, opts *Options) (*DB, error) {
	opts = opts.sanitize()
	if opts.MergeOperator == nil {
		// Merge records are unreadable without an operator; the check at
		// write time in DB.Merge covers the other direction.
		opts.Logger.Infof("no merge operator configured; Merge is disabled")
	}

	d := &DB{
		opts:    opts,
		dirname: dirname,
		fs:      opts.FS,
		tableFS: opts.FS,
		cmp:     keys.NewComparer(opts.Comparator.Compare),
		logger:  opts.Logger,
	}
	d.cond = sync.NewCond(&d.mu)
	d.snapshots.init()
	if opts.UseDirectIO {
		d.tableFS = vfs.NewDirect(opts.FS)
	}
	if opts.BlockCacheCapacity > 0 {
		d.blockCache = cache.New(opts.BlockCacheCapacity)
	}
	if opts.CompressedCacheCapacity > 0 {
		d.compressedCache = cache.New(opts.CompressedCacheCapacity)
	}

	if err := d.fs.MkdirAll(dirname); err != nil {
		return nil, err
	}
	lock, err := d.fs.Lock(manifest.MakeFileName(dirname, manifest.FileTypeLock, 0))
	if err != nil {
		return nil, fmt.Errorf("stratakv: open %s: %w", dirname, err)
	}
	d.dirLock = lock
	success := false
	defer func() {
		if !success {
			lock.Close()
		}
	}()

	var filterPolicy filterAdapter
	var makeOpts func(fileNum uint64) sstable.ReaderOptions
	makeOpts = func(fileNum uint64) sstable.ReaderOptions {
		ro := sstable.ReaderOptions{
			Comparer:        d.cmp,
			BlockCache:      d.blockCache,
			CompressedCache: d.compressedCache,
			FileNum:         fileNum,
		}
		if opts.FilterPolicy != nil {
			ro.Filter = filterPolicy
		}
		return ro
	}
	if opts.FilterPolicy != nil {
		filterPolicy = filterAdapter{fp: opts.FilterPolicy}
	}
	// Reserve a few descriptors for the WAL, manifest, and lock file.
	d.tables = sstable.NewTableCache(d.fs, opts.MaxOpenFiles-10, func(n uint64) string {
		return manifest.MakeFileName(dirname, manifest.FileTypeTable, n)
	}, makeOpts)

	d.vs = version.New(version.Options{
		FS:                         d.fs,
		Dirname:                    dirname,
		Comparer:                   d.cmp,
		ComparerName:               opts.Comparator.Name(),
		Tables:                     d.tables,
		Logger:                     logging.WithPrefix(d.logger, "manifest"),
		L0CompactionTrigger:        opts.L0CompactionTrigger,
		MaxBytesForLevelBase:       opts.MaxBytesForLevelBase,
		MaxBytesForLevelMultiplier: opts.MaxBytesForLevelMultiplier,
		MaxOutputFileSize:          opts.TargetFileSize,
	})

	currentName := manifest.MakeFileName(dirname, manifest.FileTypeCurrent, 0)
	switch {
	case d.fs.Exists(currentName):
		if opts.ErrorIfExists {
			return nil, ErrExists
		}
		if err := d.vs.Recover(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		if err := d.replayWALs(); err != nil {
			return nil, err
		}
	case opts.CreateIfMissing:
		logNum := d.vs.NewFileNum()
		if err := d.vs.Create(logNum); err != nil {
			return nil, err
		}
		if err := d.openWAL(logNum); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("stratakv: open %s: store does not exist (CreateIfMissing is false)", dirname)
	}

	d.mem = memtable.New(d.cmp)
	if err := d.writeOptionsFile(); err != nil {
		d.logger.Errorf("write OPTIONS file: %v", err)
	}

	d.mu.Lock()
	d.deleteObsoleteFiles()
	d.maybeScheduleBackground()
	d.mu.Unlock()

	success = true
	return d, nil
}

// openWAL starts a fresh log file and makes it the active one.
func (d *DB) openWAL(logNum uint64) error {
	f, err := d.fs.Create(manifest.MakeFileName(d.dirname, manifest.FileTypeLog, logNum))
	if err != nil {
		return err
	}
	if d.wal != nil {
		d.wal.Close()
	}
	d.wal = wal.NewWriter(f)
	d.logNum = logNum
	return nil
}

// replayWALs re-applies every log at or past the manifest's log number,
// flushing the recovered entries to L0 tables, then starts a fresh log.
// Committed but unflushed writes from a crash (or a plain Close, which
// deliberately leaves the memtable unflushed) reappear exactly.
func (d *DB) replayWALs() error {
	names, err := d.fs.List(d.dirname)
	if err != nil {
		return err
	}
	var logs []uint64
	for _, name := range names {
		if t, n, ok := manifest.ParseFileName(name); ok && t == manifest.FileTypeLog && n >= d.vs.LogNumber() {
			logs = append(logs, n)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i] < logs[j] })

	var edit manifest.VersionEdit
	mem := memtable.New(d.cmp)
	maxSeq := d.vs.LastSeq()
	for _, num := range logs {
		seq, err := d.replayOneWAL(num, &mem, &edit)
		if err != nil {
			return err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		d.vs.MarkFileNumUsed(num)
	}
	if !mem.Empty() {
		if err := d.buildTable(d.vs.NewFileNum(), mem, &edit); err != nil {
			return err
		}
	}

	d.vs.SetLastSeq(maxSeq)
	newLogNum := d.vs.NewFileNum()
	if err := d.openWAL(newLogNum); err != nil {
		return err
	}
	edit.SetLogNumber(newLogNum)
	if err := d.vs.LogAndApply(&edit); err != nil {
		return err
	}
	d.logger.Infof("[recover] replayed %d log(s), last seq %d", len(logs), maxSeq)
	return nil
}

// replayOneWAL applies the batches of one log to mem, spilling to L0
// tables when mem fills.
func (d *DB) replayOneWAL(num uint64, mem **memtable.MemTable, edit *manifest.VersionEdit) (keys.Seq, error) {
	f, err := d.fs.Open(manifest.MakeFileName(d.dirname, manifest.FileTypeLog, num))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var maxSeq keys.Seq
	reporter := &walRecoveryReporter{logger: d.logger}
	rd := wal.NewReader(f, reporter)
	b := batch.New()
	for {
		rec, err := rd.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: log %06d: %v", ErrCorruption, num, err)
		}
		if err := b.SetRepr(rec); err != nil {
			return 0, fmt.Errorf("%w: log %06d: %v", ErrCorruption, num, err)
		}
		seq := b.Seq()
		if err := b.Iterate(func(kind keys.Kind, key, value []byte) error {
			(*mem).Add(seq, kind, key, value)
			seq++
			return nil
		}); err != nil {
			return 0, err
		}
		if last := b.Seq() + keys.Seq(b.Count()) - 1; last > maxSeq {
			maxSeq = last
		}
		if (*mem).ApproximateSize() >= int64(d.opts.WriteBufferSize) {
			if err := d.buildTable(d.vs.NewFileNum(), *mem, edit); err != nil {
				return 0, err
			}
			*mem = memtable.New(d.cmp)
		}
	}
	// A torn write at the tail reads as a clean EOF, but corruption in
	// the interior of the log means acknowledged writes are gone. Only
	// RepairDB may proceed past that.
	if reporter.err != nil {
		return 0, fmt.Errorf("%w: log %06d: %v", ErrCorruption, num, reporter.err)
	}
	return maxSeq, nil
}

// walRecoveryReporter records the first corruption the WAL reader
// skips, so recovery can refuse to finish on a damaged log.
type walRecoveryReporter struct {
	logger logging.Logger
	err    error
}

func (w *walRecoveryReporter) Corruption(bytes int, err error) {
	w.logger.Errorf("[recover] wal corruption, dropping %d bytes: %v", bytes, err)
	if w.err == nil {
		w.err = err
	}
}

// walCorruptionLogger tolerates corruption, logging and moving on. It
// backs the repair path, which salvages whatever records remain.
type walCorruptionLogger struct {
	l logging.Logger
}

func (w walCorruptionLogger) Corruption(bytes int, err error) {
	w.l.Errorf("[repair] wal corruption, dropping %d bytes: %v", bytes, err)
}

// Close flushes nothing: the WAL holds everything the memtable does, so
// the next Open replays it. Close syncs the WAL, drains background
// work, and releases the directory lock.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	for d.bgScheduled || len(d.writeQueue) > 0 {
		d.cond.Wait()
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	var errs *multierror.Error
	if d.wal != nil {
		if err := d.wal.Sync(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("sync wal: %w", err))
		}
		if err := d.wal.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close wal: %w", err))
		}
	}
	if err := d.vs.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close manifest: %w", err))
	}
	if err := d.tables.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close tables: %w", err))
	}
	if err := d.dirLock.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("release lock: %w", err))
	}
	return errs.ErrorOrNil()
}

// Get returns the value of key, or ErrNotFound. The returned slice is
// the caller's to keep.
func (d *DB) Get(ro ReadOptions, key []byte) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidArgument
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	seq := d.vs.LastSeq()
	if ro.Snapshot != nil {
		seq = ro.Snapshot.seq
	}
	v := d.vs.Current()
	v.Ref()
	iters := []iterator.Iterator{d.mem.NewIter()}
	for i := len(d.imm) - 1; i >= 0; i-- {
		iters = append(iters, d.imm[i].mem.NewIter())
	}
	d.mu.Unlock()
	defer v.Unref()

	iters = v.AppendGetIters(iters, key, !ro.DontFillCache, ro.VerifyChecksums)
	it := iterator.NewMerging(d.cmp, iters...)
	defer it.Close()

	it.Seek(keys.Make(key, seq, keys.KindSeek))
	value, state, err := d.resolveValue(it, key, seq)
	if err != nil {
		return nil, err
	}
	if state != resolvedValue {
		return nil, ErrNotFound
	}
	return value, nil
}

// MultiGet performs one Get per key against a single consistent view,
// returning parallel value and error slices.
func (d *DB) MultiGet(ro ReadOptions, keysIn [][]byte) ([][]byte, []error) {
	values := make([][]byte, len(keysIn))
	errs := make([]error, len(keysIn))

	// Bind all lookups to the same sequence number.
	if ro.Snapshot == nil {
		snap := d.GetSnapshot()
		if snap != nil {
			defer d.ReleaseSnapshot(snap)
			ro.Snapshot = snap
		}
	}
	for i, key := range keysIn {
		values[i], errs[i] = d.Get(ro, key)
	}
	return values, errs
}

type resolveState int

const (
	resolvedNotFound resolveState = iota
	resolvedValue
	resolvedDeleted
)

// resolveValue reads the visible state of userKey from it, which must
// be positioned at (or before) the key's newest visible entry. It folds
// merge operands down to the base value.
func (d *DB) resolveValue(it iterator.Iterator, userKey []byte, seq keys.Seq) ([]byte, resolveState, error) {
	var operands [][]byte // newest first
	for ; it.Valid(); it.Next() {
		pk, err := keys.Parse(it.Key())
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrCorruption, err)
		}
		if d.cmp.User(pk.User, userKey) != 0 {
			break
		}
		if pk.Seq > seq {
			continue
		}
		switch pk.Kind {
		case keys.KindSet:
			if len(operands) == 0 {
				return append([]byte(nil), it.Value()...), resolvedValue, nil
			}
			return d.foldMerge(userKey, it.Value(), operands)
		case keys.KindDelete:
			if len(operands) == 0 {
				return nil, resolvedDeleted, nil
			}
			return d.foldMerge(userKey, nil, operands)
		case keys.KindMerge:
			operands = append(operands, append([]byte(nil), it.Value()...))
		default:
			return nil, 0, fmt.Errorf("%w: unexpected kind %d", ErrCorruption, pk.Kind)
		}
	}
	if err := it.Error(); err != nil {
		return nil, 0, err
	}
	if len(operands) > 0 {
		// History bottoms out with no base: merge against nothing.
		return d.foldMerge(userKey, nil, operands)
	}
	return nil, resolvedNotFound, nil
}

// foldMerge applies the merge operator to operands collected newest
// first. base may be nil.
func (d *DB) foldMerge(userKey, base []byte, operands [][]byte) ([]byte, resolveState, error) {
	op := d.opts.MergeOperator
	if op == nil {
		return nil, 0, fmt.Errorf("%w: merge records present but no merge operator configured", ErrCorruption)
	}
	// FullMerge wants oldest first.
	ordered := make([][]byte, len(operands))
	for i, o := range operands {
		ordered[len(operands)-1-i] = o
	}
	if base != nil {
		base = append([]byte(nil), base...)
	}
	value, ok := op.FullMerge(userKey, base, ordered)
	if !ok {
		return nil, 0, fmt.Errorf("%w: merge operator %q failed", ErrCorruption, op.Name())
	}
	return value, resolvedValue, nil
}

// GetSnapshot pins the current state. The caller must release it.
func (d *DB) GetSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	return d.snapshots.push(d.vs.LastSeq())
}

// ReleaseSnapshot unpins s. Entries only it could see become eligible
// for reclamation by the next compaction.
func (d *DB) ReleaseSnapshot(s *Snapshot) {
	if s == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots.remove(s)
}

// GetLatestSequenceNumber returns the newest committed sequence number.
func (d *DB) GetLatestSequenceNumber() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(d.vs.LastSeq())
}

// GetApproximateSizes estimates the on-disk bytes spanned by each
// [start, limit) user key range.
func (d *DB) GetApproximateSizes(ranges [][2][]byte) []uint64 {
	d.mu.Lock()
	v := d.vs.Current()
	v.Ref()
	d.mu.Unlock()
	defer v.Unref()

	out := make([]uint64, len(ranges))
	for i, r := range ranges {
		startKey := keys.Make(r[0], keys.MaxSeq, keys.KindSeek)
		limitKey := keys.Make(r[1], keys.MaxSeq, keys.KindSeek)
		start := v.ApproximateOffset(startKey)
		limit := v.ApproximateOffset(limitKey)
		if limit > start {
			out[i] = limit - start
		}
	}
	return out
}

// GetProperty exposes internal state by name: "stratakv.stats",
// "stratakv.num-files-at-level<N>", "stratakv.approximate-memory-usage",
// "stratakv.block-cache-usage". ok is false for unknown names.
func (d *DB) GetProperty(name string) (value string, ok bool) {
	if !strings.HasPrefix(name, propertyPrefix) {
		return "", false
	}
	prop := name[len(propertyPrefix):]

	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.vs.Current()

	switch {
	case strings.HasPrefix(prop, "num-files-at-level"):
		level, err := strconv.Atoi(prop[len("num-files-at-level"):])
		if err != nil || level < 0 || level >= manifest.NumLevels {
			return "", false
		}
		return strconv.Itoa(v.NumFiles(level)), true

	case prop == "stats":
		var sb strings.Builder
		fmt.Fprintf(&sb, "level  files  bytes\n")
		for level := 0; level < manifest.NumLevels; level++ {
			if n := v.NumFiles(level); n > 0 {
				fmt.Fprintf(&sb, "%5d  %5d  %d\n", level, n, v.TotalBytes(level))
			}
		}
		fmt.Fprintf(&sb, "last sequence: %d\n", d.vs.LastSeq())
		return sb.String(), true

	case prop == "approximate-memory-usage":
		usage := d.mem.ApproximateSize()
		for _, im := range d.imm {
			usage += im.mem.ApproximateSize()
		}
		if d.blockCache != nil {
			usage += d.blockCache.Usage()
		}
		return strconv.FormatInt(usage, 10), true

	case prop == "block-cache-usage":
		if d.blockCache == nil {
			return "0", true
		}
		return strconv.FormatInt(d.blockCache.Usage(), 10), true
	}
	return "", false
}
