package stratakv

import (
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/stratakv/stratakv/internal/manifest"
	"github.com/stratakv/stratakv/internal/vfs"
)

// StoredOptions is the scalar subset of Options persisted alongside the
// database. It records what the store was opened with, for debugging
// and for tooling that needs compatible settings; pluggable components
// appear by name only.
type StoredOptions struct {
	Comparator    string `yaml:"comparator"`
	MergeOperator string `yaml:"merge_operator,omitempty"`
	FilterPolicy  string `yaml:"filter_policy,omitempty"`

	WriteBufferSize      int    `yaml:"write_buffer_size"`
	MaxWriteBufferNumber int    `yaml:"max_write_buffer_number"`
	BlockSize            int    `yaml:"block_size"`
	BlockRestartInterval int    `yaml:"block_restart_interval"`
	Compression          string `yaml:"compression"`
	Checksum             uint8  `yaml:"checksum"`

	BlockCacheCapacity      int64 `yaml:"block_cache_capacity"`
	CompressedCacheCapacity int64 `yaml:"compressed_cache_capacity"`
	MaxOpenFiles            int   `yaml:"max_open_files"`

	L0CompactionTrigger        int     `yaml:"level0_compaction_trigger"`
	L0SlowdownWritesTrigger    int     `yaml:"level0_slowdown_writes_trigger"`
	L0StopWritesTrigger        int     `yaml:"level0_stop_writes_trigger"`
	MaxBytesForLevelBase       uint64  `yaml:"max_bytes_for_level_base"`
	MaxBytesForLevelMultiplier float64 `yaml:"max_bytes_for_level_multiplier"`
	TargetFileSize             uint64  `yaml:"target_file_size"`

	WALTTLSeconds int64 `yaml:"wal_ttl_seconds,omitempty"`
	WALSizeLimit  int64 `yaml:"wal_size_limit,omitempty"`
	UseDirectIO   bool  `yaml:"use_direct_io,omitempty"`
}

// writeOptionsFile persists the effective options as a fresh
// OPTIONS-%06d file. Failures are not fatal to Open: the file is
// informational.
func (d *DB) writeOptionsFile() error {
	opts := d.opts
	rec := StoredOptions{
		Comparator:                 opts.Comparator.Name(),
		WriteBufferSize:            opts.WriteBufferSize,
		MaxWriteBufferNumber:       opts.MaxWriteBufferNumber,
		BlockSize:                  opts.BlockSize,
		BlockRestartInterval:       opts.BlockRestartInterval,
		Compression:                opts.Compression.String(),
		Checksum:                   uint8(opts.Checksum),
		BlockCacheCapacity:         opts.BlockCacheCapacity,
		CompressedCacheCapacity:    opts.CompressedCacheCapacity,
		MaxOpenFiles:               opts.MaxOpenFiles,
		L0CompactionTrigger:        opts.L0CompactionTrigger,
		L0SlowdownWritesTrigger:    opts.L0SlowdownWritesTrigger,
		L0StopWritesTrigger:        opts.L0StopWritesTrigger,
		MaxBytesForLevelBase:       opts.MaxBytesForLevelBase,
		MaxBytesForLevelMultiplier: opts.MaxBytesForLevelMultiplier,
		TargetFileSize:             opts.TargetFileSize,
		WALTTLSeconds:              int64(opts.WALTTL.Seconds()),
		WALSizeLimit:               opts.WALSizeLimit,
		UseDirectIO:                opts.UseDirectIO,
	}
	if opts.MergeOperator != nil {
		rec.MergeOperator = opts.MergeOperator.Name()
	}
	if opts.FilterPolicy != nil {
		rec.FilterPolicy = opts.FilterPolicy.Name()
	}

	data, err := yaml.Marshal(&rec)
	if err != nil {
		return err
	}
	num := d.vs.NewFileNum()
	name := manifest.MakeFileName(d.dirname, manifest.FileTypeOptions, num)
	return vfs.WriteFileAtomic(d.fs, name, data)
}

// LoadOptionsFile reads the newest persisted OPTIONS file of the
// database in dirname. fs may be nil for the default filesystem.
func LoadOptionsFile(dirname string, fs vfs.FS) (*StoredOptions, error) {
	if fs == nil {
		fs = vfs.Default
	}
	names, err := fs.List(dirname)
	if err != nil {
		return nil, err
	}
	var nums []uint64
	for _, name := range names {
		if t, n, ok := manifest.ParseFileName(name); ok && t == manifest.FileTypeOptions {
			nums = append(nums, n)
		}
	}
	if len(nums) == 0 {
		return nil, fmt.Errorf("stratakv: no OPTIONS file in %s", dirname)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] > nums[j] })

	f, err := fs.Open(manifest.MakeFileName(dirname, manifest.FileTypeOptions, nums[0]))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	var rec StoredOptions
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("stratakv: parse OPTIONS file: %w", err)
	}
	return &rec, nil
}
