package version

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/logging"
	"github.com/stratakv/stratakv/internal/manifest"
	"github.com/stratakv/stratakv/internal/sstable"
	"github.com/stratakv/stratakv/internal/vfs"
	"github.com/stratakv/stratakv/internal/wal"
)

// Options configure a Set.
type Options struct {
	FS           vfs.FS
	Dirname      string
	Comparer     *keys.Comparer
	ComparerName string
	Tables       *sstable.TableCache
	Logger       logging.Logger

	L0CompactionTrigger        int
	MaxBytesForLevelBase       uint64
	MaxBytesForLevelMultiplier float64
	MaxOutputFileSize          uint64
}

// Set owns the current Version and the MANIFEST log. All methods
// require external synchronization (the engine's commit mutex) unless
// noted otherwise.
type Set struct {
	opts Options

	current *Version

	logNumber   uint64
	nextFileNum uint64
	lastSeq     keys.Seq

	manifestNum  uint64
	manifestFile vfs.WritableFile
	manifestLog  *wal.Writer

	compactPointers [manifest.NumLevels][]byte
}

// New returns a Set with an empty current version. Call Create or
// Recover before any other use.
func New(opts Options) *Set {
	if opts.Logger == nil {
		opts.Logger = logging.Nop
	}
	s := &Set{opts: opts, nextFileNum: 2}
	s.current = newVersion(opts.Comparer, opts.Tables)
	s.current.Ref()
	return s
}

// Current returns the current version without pinning it.
func (s *Set) Current() *Version { return s.current }

// LastSeq returns the newest committed sequence number.
func (s *Set) LastSeq() keys.Seq { return s.lastSeq }

// SetLastSeq records the newest committed sequence number.
func (s *Set) SetLastSeq(seq keys.Seq) { s.lastSeq = seq }

// LogNumber returns the oldest WAL still needed for recovery.
func (s *Set) LogNumber() uint64 { return s.logNumber }

// ManifestFileNum returns the file number of the live MANIFEST.
func (s *Set) ManifestFileNum() uint64 { return s.manifestNum }

// NewFileNum allocates a file number.
func (s *Set) NewFileNum() uint64 {
	n := s.nextFileNum
	s.nextFileNum++
	return n
}

// MarkFileNumUsed bumps the allocator past a number observed during
// recovery.
func (s *Set) MarkFileNumUsed(n uint64) {
	if s.nextFileNum <= n {
		s.nextFileNum = n + 1
	}
}

// Create initializes a brand-new database: an empty version, a fresh
// MANIFEST, and a CURRENT pointing at it. logNumber names the WAL the
// engine is about to write.
func (s *Set) Create(logNumber uint64) error {
	s.logNumber = logNumber
	s.MarkFileNumUsed(logNumber)
	if err := s.createManifest(); err != nil {
		return err
	}
	return s.installCurrent()
}

// Recover loads the version state named by CURRENT and replays the
// manifest's edits.
func (s *Set) Recover() error {
	fs := s.opts.FS
	currentName := manifest.MakeFileName(s.opts.Dirname, manifest.FileTypeCurrent, 0)
	f, err := fs.Open(currentName)
	if err != nil {
		return err
	}
	raw, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(string(raw), "\n")
	ftype, manifestNum, ok := manifest.ParseFileName(name)
	if !ok || ftype != manifest.FileTypeManifest {
		return fmt.Errorf("version: CURRENT names no manifest: %q", name)
	}

	mf, err := fs.Open(manifest.MakeFileName(s.opts.Dirname, manifest.FileTypeManifest, manifestNum))
	if err != nil {
		return err
	}
	defer mf.Close()

	var b builder
	b.init()
	rd := wal.NewReader(mf, corruptionLogger{s.opts.Logger})
	var haveLog, haveNext, haveSeq bool
	for {
		rec, err := rd.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("version: read manifest: %w", err)
		}
		var edit manifest.VersionEdit
		if err := edit.Decode(rec); err != nil {
			return err
		}
		if edit.ComparatorName != "" && edit.ComparatorName != s.opts.ComparerName {
			return fmt.Errorf("version: comparator mismatch: manifest %q, options %q",
				edit.ComparatorName, s.opts.ComparerName)
		}
		b.apply(&edit)
		if edit.HasLogNumber {
			s.logNumber = edit.LogNumber
			haveLog = true
		}
		if edit.HasNextFileNumber {
			s.nextFileNum = edit.NextFileNumber
			haveNext = true
		}
		if edit.HasLastSeq {
			s.lastSeq = edit.LastSeq
			haveSeq = true
		}
		for _, cp := range edit.CompactPointers {
			s.compactPointers[cp.Level] = cp.Key
		}
	}
	if !haveLog || !haveNext || !haveSeq {
		return fmt.Errorf("version: manifest missing required fields")
	}

	v := b.saveTo(s.current, s.opts.Comparer, s.opts.Tables)
	s.finalize(v)
	s.install(v)
	s.manifestNum = manifestNum
	s.MarkFileNumUsed(manifestNum)
	s.MarkFileNumUsed(s.logNumber)
	s.opts.Logger.Infof("recovered manifest %06d: last seq %d, log %06d",
		manifestNum, s.lastSeq, s.logNumber)
	return nil
}

type corruptionLogger struct {
	l logging.Logger
}

func (c corruptionLogger) Corruption(bytes int, err error) {
	c.l.Errorf("manifest corruption, dropping %d bytes: %v", bytes, err)
}

// LogAndApply applies edit to the current version, persists it to the
// MANIFEST, and installs the result as current. On error the previous
// version remains current.
func (s *Set) LogAndApply(edit *manifest.VersionEdit) error {
	if !edit.HasLogNumber {
		edit.SetLogNumber(s.logNumber)
	}
	edit.SetNextFileNumber(s.nextFileNum)
	edit.SetLastSeq(s.lastSeq)

	var b builder
	b.init()
	b.apply(edit)
	v := b.saveTo(s.current, s.opts.Comparer, s.opts.Tables)
	s.finalize(v)

	// First apply after recovery starts a fresh manifest so old ones can
	// be reclaimed.
	if s.manifestLog == nil {
		if err := s.createManifest(); err != nil {
			return err
		}
		if err := s.installCurrent(); err != nil {
			return err
		}
	}

	if err := s.manifestLog.AddRecord(edit.Encode()); err != nil {
		return fmt.Errorf("version: append manifest: %w", err)
	}
	if err := s.manifestLog.Sync(); err != nil {
		return fmt.Errorf("version: sync manifest: %w", err)
	}

	s.logNumber = edit.LogNumber
	for _, cp := range edit.CompactPointers {
		s.compactPointers[cp.Level] = cp.Key
	}
	s.install(v)
	return nil
}

func (s *Set) install(v *Version) {
	v.Ref()
	if s.current != nil {
		s.current.Unref()
	}
	s.current = v
}

// createManifest opens a new MANIFEST file seeded with a snapshot of
// the current state.
func (s *Set) createManifest() error {
	num := s.NewFileNum()
	name := manifest.MakeFileName(s.opts.Dirname, manifest.FileTypeManifest, num)
	f, err := s.opts.FS.Create(name)
	if err != nil {
		return err
	}
	log := wal.NewWriter(f)

	var snap manifest.VersionEdit
	snap.ComparatorName = s.opts.ComparerName
	snap.SetLogNumber(s.logNumber)
	snap.SetNextFileNumber(s.nextFileNum)
	snap.SetLastSeq(s.lastSeq)
	for level := 0; level < manifest.NumLevels; level++ {
		if cp := s.compactPointers[level]; cp != nil {
			snap.CompactPointers = append(snap.CompactPointers, manifest.CompactPointer{Level: level, Key: cp})
		}
		for _, fm := range s.current.Files[level] {
			snap.AddFile(level, fm)
		}
	}
	if err := log.AddRecord(snap.Encode()); err != nil {
		f.Close()
		s.opts.FS.Remove(name)
		return err
	}
	if err := log.Sync(); err != nil {
		f.Close()
		s.opts.FS.Remove(name)
		return err
	}

	if s.manifestLog != nil {
		s.manifestLog.Close()
	}
	s.manifestFile = f
	s.manifestLog = log
	s.manifestNum = num
	return nil
}

// installCurrent atomically points CURRENT at the live manifest.
func (s *Set) installCurrent() error {
	name := manifest.MakeFileName(s.opts.Dirname, manifest.FileTypeCurrent, 0)
	base := fmt.Sprintf("MANIFEST-%06d\n", s.manifestNum)
	return vfs.WriteFileAtomic(s.opts.FS, name, []byte(base))
}

// ManifestSize returns the current size of the live MANIFEST file.
func (s *Set) ManifestSize() int64 {
	n, err := s.opts.FS.FileSize(manifest.MakeFileName(s.opts.Dirname, manifest.FileTypeManifest, s.manifestNum))
	if err != nil {
		return 0
	}
	return n
}

// AddLiveFiles adds every table file referenced by the current version
// to m. Callers walking older pinned versions must add those too.
func (s *Set) AddLiveFiles(m map[uint64]struct{}) {
	for level := 0; level < manifest.NumLevels; level++ {
		for _, f := range s.current.Files[level] {
			m[f.FileNum] = struct{}{}
		}
	}
}

// Close closes the manifest log.
func (s *Set) Close() error {
	if s.manifestLog != nil {
		return s.manifestLog.Close()
	}
	return nil
}

// maxBytesForLevel returns the size target for a level; levels at or
// beyond the target grow compaction pressure.
func (s *Set) maxBytesForLevel(level int) float64 {
	bytes := float64(s.opts.MaxBytesForLevelBase)
	for l := 1; l < level; l++ {
		bytes *= s.opts.MaxBytesForLevelMultiplier
	}
	return bytes
}

// finalize computes the compaction score for v.
func (s *Set) finalize(v *Version) {
	bestLevel, bestScore := -1, -1.0
	for level := 0; level < manifest.NumLevels-1; level++ {
		var score float64
		if level == 0 {
			score = float64(len(v.Files[0])) / float64(s.opts.L0CompactionTrigger)
		} else {
			score = float64(v.TotalBytes(level)) / s.maxBytesForLevel(level)
		}
		if score > bestScore {
			bestLevel, bestScore = level, score
		}
	}
	v.CompactionLevel = bestLevel
	v.CompactionScore = bestScore
}

// builder accumulates edits against a base version.
type builder struct {
	deleted [manifest.NumLevels]map[uint64]bool
	added   [manifest.NumLevels][]*manifest.FileMeta
}

func (b *builder) init() {
	for i := range b.deleted {
		b.deleted[i] = make(map[uint64]bool)
	}
}

func (b *builder) apply(edit *manifest.VersionEdit) {
	for _, df := range edit.DeletedFiles {
		b.deleted[df.Level][df.FileNum] = true
	}
	for _, nf := range edit.NewFiles {
		delete(b.deleted[nf.Level], nf.Meta.FileNum)
		b.added[nf.Level] = append(b.added[nf.Level], nf.Meta)
	}
}

// saveTo produces the version resulting from applying the builder's
// edits to base. L0 is sorted newest file first; deeper levels by
// smallest key.
func (b *builder) saveTo(base *Version, cmp *keys.Comparer, tables *sstable.TableCache) *Version {
	v := newVersion(cmp, tables)
	for level := 0; level < manifest.NumLevels; level++ {
		files := make([]*manifest.FileMeta, 0, len(base.Files[level])+len(b.added[level]))
		for _, f := range base.Files[level] {
			if !b.deleted[level][f.FileNum] {
				files = append(files, f)
			}
		}
		files = append(files, b.added[level]...)
		if level == 0 {
			sort.Slice(files, func(i, j int) bool {
				return files[i].FileNum > files[j].FileNum
			})
		} else {
			sort.Slice(files, func(i, j int) bool {
				return cmp.Compare(files[i].Smallest, files[j].Smallest) < 0
			})
		}
		v.Files[level] = files
	}
	return v
}
