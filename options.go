package stratakv

import (
	"time"

	"github.com/stratakv/stratakv/internal/checksum"
	"github.com/stratakv/stratakv/internal/compression"
	"github.com/stratakv/stratakv/internal/logging"
	"github.com/stratakv/stratakv/internal/vfs"
)

// CompressionType selects the per-block compression algorithm.
type CompressionType uint8

const (
	NoCompression     = CompressionType(compression.None)
	SnappyCompression = CompressionType(compression.Snappy)
	LZ4Compression    = CompressionType(compression.LZ4)
	LZ4HCCompression  = CompressionType(compression.LZ4HC)
	ZstdCompression   = CompressionType(compression.Zstd)
)

// String returns the compression type's name.
func (t CompressionType) String() string { return compression.Type(t).String() }

// ChecksumType selects the block checksum algorithm for newly written
// tables. Existing tables are read with whatever they were written
// with.
type ChecksumType uint8

const (
	ChecksumCRC32C = ChecksumType(checksum.TypeCRC32C)
	ChecksumXXH3   = ChecksumType(checksum.TypeXXH3)
)

// String returns the checksum type's name.
func (t ChecksumType) String() string { return checksum.Type(t).String() }

// Logger receives the engine's operational log lines.
type Logger = logging.Logger

// Options tune a DB at Open. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	// CreateIfMissing creates the store when the directory holds none.
	CreateIfMissing bool

	// ErrorIfExists fails Open when the directory already holds a store.
	ErrorIfExists bool

	// Comparator orders user keys. Must match the store's creation-time
	// comparator. Defaults to BytewiseComparator.
	Comparator Comparator

	// MergeOperator resolves Merge records. Required to call Merge;
	// reads of merge histories fail without one.
	MergeOperator MergeOperator

	// FilterPolicy builds per-table filters. Nil disables filters.
	FilterPolicy FilterPolicy

	// WriteBufferSize is the memtable size that triggers a flush.
	WriteBufferSize int

	// MaxWriteBufferNumber bounds live memtables (one mutable plus
	// immutables awaiting flush) before writes stall.
	MaxWriteBufferNumber int

	// BlockSize is the uncompressed target size of table blocks.
	BlockSize int

	// BlockRestartInterval is the number of keys between prefix
	// compression restart points.
	BlockRestartInterval int

	// Compression applies to levels not covered by CompressionPerLevel.
	Compression CompressionType

	// CompressionPerLevel, when non-empty, selects compression by output
	// level; entry i applies to level i and the last entry extends to
	// deeper levels.
	CompressionPerLevel []CompressionType

	// Checksum selects the block checksum for new tables.
	Checksum ChecksumType

	// BlockCacheCapacity is the decoded block cache size in bytes; 0
	// disables it.
	BlockCacheCapacity int64

	// CompressedCacheCapacity is the compressed block cache size in
	// bytes; 0 disables it.
	CompressedCacheCapacity int64

	// MaxOpenFiles bounds table file handles held open.
	MaxOpenFiles int

	// L0CompactionTrigger is the L0 file count that schedules a
	// compaction.
	L0CompactionTrigger int

	// L0SlowdownWritesTrigger is the L0 file count at which each write
	// is briefly delayed to let compaction catch up.
	L0SlowdownWritesTrigger int

	// L0StopWritesTrigger is the L0 file count at which writes block.
	L0StopWritesTrigger int

	// MaxBytesForLevelBase is the byte target for L1.
	MaxBytesForLevelBase uint64

	// MaxBytesForLevelMultiplier scales each deeper level's target.
	MaxBytesForLevelMultiplier float64

	// TargetFileSize caps compaction output files.
	TargetFileSize uint64

	// WALTTL, when positive, retains obsolete WAL files for the given
	// duration before deletion.
	WALTTL time.Duration

	// WALSizeLimit, when positive, caps the total size of retained
	// obsolete WAL files.
	WALSizeLimit int64

	// UseDirectIO writes flush and compaction outputs with O_DIRECT
	// where the platform supports it.
	UseDirectIO bool

	// FS abstracts the filesystem, for tests. Nil means the OS.
	FS vfs.FS

	// Logger receives operational logging. Nil discards.
	Logger Logger
}

// DefaultOptions returns the options a general-purpose store starts
// from.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:            true,
		WriteBufferSize:            4 << 20,
		MaxWriteBufferNumber:       2,
		BlockSize:                  4096,
		BlockRestartInterval:       16,
		Compression:                SnappyCompression,
		Checksum:                   ChecksumCRC32C,
		BlockCacheCapacity:         8 << 20,
		MaxOpenFiles:               1000,
		L0CompactionTrigger:        4,
		L0SlowdownWritesTrigger:    8,
		L0StopWritesTrigger:        12,
		MaxBytesForLevelBase:       10 << 20,
		MaxBytesForLevelMultiplier: 10,
		TargetFileSize:             2 << 20,
	}
}

// sanitize fills unset fields with defaults, returning a copy.
func (o *Options) sanitize() *Options {
	var out Options
	if o != nil {
		out = *o
	} else {
		out = *DefaultOptions()
	}
	def := DefaultOptions()
	if out.Comparator == nil {
		out.Comparator = BytewiseComparator()
	}
	if out.WriteBufferSize <= 0 {
		out.WriteBufferSize = def.WriteBufferSize
	}
	if out.MaxWriteBufferNumber < 2 {
		out.MaxWriteBufferNumber = def.MaxWriteBufferNumber
	}
	if out.BlockSize <= 0 {
		out.BlockSize = def.BlockSize
	}
	if out.BlockRestartInterval <= 0 {
		out.BlockRestartInterval = def.BlockRestartInterval
	}
	if out.Checksum != ChecksumCRC32C && out.Checksum != ChecksumXXH3 {
		out.Checksum = def.Checksum
	}
	if out.MaxOpenFiles <= 0 {
		out.MaxOpenFiles = def.MaxOpenFiles
	}
	if out.L0CompactionTrigger <= 0 {
		out.L0CompactionTrigger = def.L0CompactionTrigger
	}
	if out.L0SlowdownWritesTrigger < out.L0CompactionTrigger {
		out.L0SlowdownWritesTrigger = max(def.L0SlowdownWritesTrigger, out.L0CompactionTrigger)
	}
	if out.L0StopWritesTrigger <= out.L0SlowdownWritesTrigger {
		out.L0StopWritesTrigger = max(def.L0StopWritesTrigger, out.L0SlowdownWritesTrigger+1)
	}
	if out.MaxBytesForLevelBase == 0 {
		out.MaxBytesForLevelBase = def.MaxBytesForLevelBase
	}
	if out.MaxBytesForLevelMultiplier <= 1 {
		out.MaxBytesForLevelMultiplier = def.MaxBytesForLevelMultiplier
	}
	if out.TargetFileSize == 0 {
		out.TargetFileSize = def.TargetFileSize
	}
	if out.FS == nil {
		out.FS = vfs.Default
	}
	if out.Logger == nil {
		out.Logger = logging.Nop
	}
	return &out
}

// compressionForLevel returns the compression to use for tables written
// to level.
func (o *Options) compressionForLevel(level int) CompressionType {
	if len(o.CompressionPerLevel) == 0 {
		return o.Compression
	}
	if level >= len(o.CompressionPerLevel) {
		return o.CompressionPerLevel[len(o.CompressionPerLevel)-1]
	}
	return o.CompressionPerLevel[level]
}

// ReadOptions tune a single read or iterator.
type ReadOptions struct {
	// VerifyChecksums rechecks block checksums even on cache hits.
	VerifyChecksums bool

	// DontFillCache keeps blocks read by this operation out of the
	// block cache; useful for scans over cold data.
	DontFillCache bool

	// Snapshot pins the read to a point in time. Nil reads the latest
	// committed state.
	Snapshot *Snapshot

	// LowerBound and UpperBound clamp iterators to the half-open key
	// range [LowerBound, UpperBound).
	LowerBound []byte
	UpperBound []byte
}

// WriteOptions tune a single write.
type WriteOptions struct {
	// Sync waits for the WAL to reach stable storage before the write
	// returns. Unsynced writes can be lost in a process or machine
	// crash, but never reordered or torn.
	Sync bool
}

// FlushOptions tune a manual memtable flush.
type FlushOptions struct {
	// Wait blocks until the flushed data is durable in an L0 table.
	Wait bool
}
