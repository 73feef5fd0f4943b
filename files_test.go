package stratakv

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratakv/stratakv/internal/vfs"
)

func listSuffix(t *testing.T, fs vfs.FS, dirname, suffix string) []string {
	t.Helper()
	names, err := fs.List(dirname)
	require.NoError(t, err)
	var out []string
	for _, name := range names {
		if strings.HasSuffix(name, suffix) {
			out = append(out, name)
		}
	}
	return out
}

func TestGetLiveFiles(t *testing.T) {
	opts := testOptions()
	d := openTestDB(t, opts)
	require.NoError(t, d.Put(WriteOptions{}, []byte("k"), []byte("v")))
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))

	d.DisableFileDeletions()
	defer d.EnableFileDeletions()

	names, manifestSize, err := d.GetLiveFiles()
	require.NoError(t, err)
	assert.Greater(t, manifestSize, int64(0))
	assert.Contains(t, names, "CURRENT")

	var tables, manifests int
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".sst"):
			tables++
		case strings.HasPrefix(name, "MANIFEST-"):
			manifests++
		}
		assert.NotContains(t, name, "/", "live file names must be relative")
	}
	assert.Equal(t, 1, tables)
	assert.Equal(t, 1, manifests)

	// Every reported file must actually exist for a backup to copy.
	for _, name := range names {
		assert.True(t, opts.FS.Exists("db/"+name), "live file %s missing", name)
	}
}

func TestGetLiveFilesClosed(t *testing.T) {
	opts := testOptions()
	d, err := Open("db", opts)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	_, _, err = d.GetLiveFiles()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDisableFileDeletionsRetainsWALs(t *testing.T) {
	opts := testOptions()
	d := openTestDB(t, opts)
	require.NoError(t, d.Put(WriteOptions{}, []byte("k"), []byte("v")))

	logsBefore := listSuffix(t, opts.FS, "db", ".log")
	require.Len(t, logsBefore, 1)
	oldLog := logsBefore[0]

	// Nested: two disables need two enables.
	d.DisableFileDeletions()
	d.DisableFileDeletions()

	// The flush rotates the WAL; the old one becomes obsolete but must
	// stay put while deletions are suspended.
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	assert.True(t, opts.FS.Exists("db/"+oldLog), "obsolete WAL deleted while deletions disabled")

	d.EnableFileDeletions()
	assert.True(t, opts.FS.Exists("db/"+oldLog), "one Enable undid two Disables")

	d.EnableFileDeletions()
	assert.False(t, opts.FS.Exists("db/"+oldLog), "obsolete WAL survived re-enabled deletions")

	// Extra enables are harmless.
	d.EnableFileDeletions()
	got, err := d.Get(ReadOptions{}, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestWALTTLRetainsObsoleteLogs(t *testing.T) {
	opts := testOptions()
	opts.WALTTL = time.Hour
	d := openTestDB(t, opts)
	require.NoError(t, d.Put(WriteOptions{}, []byte("k"), []byte("v")))

	oldLog := listSuffix(t, opts.FS, "db", ".log")[0]
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	assert.True(t, opts.FS.Exists("db/"+oldLog), "WAL deleted despite retention TTL")
}

func TestWALSizeLimitPurgesArchive(t *testing.T) {
	opts := testOptions()
	opts.WALTTL = time.Hour
	opts.WALSizeLimit = 1 // effectively: archive nothing
	d := openTestDB(t, opts)
	require.NoError(t, d.Put(WriteOptions{}, []byte("k"), []byte("v")))

	oldLog := listSuffix(t, opts.FS, "db", ".log")[0]
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	assert.False(t, opts.FS.Exists("db/"+oldLog), "archive exceeded its size limit")
}

func TestDestroyDB(t *testing.T) {
	opts := testOptions()
	d, err := Open("db", opts)
	require.NoError(t, err)
	require.NoError(t, d.Put(WriteOptions{}, []byte("k"), []byte("v")))
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	require.NoError(t, d.Close())

	require.NoError(t, DestroyDB("db", opts))
	assert.False(t, opts.FS.Exists("db/CURRENT"))
	assert.Empty(t, listSuffix(t, opts.FS, "db", ".sst"))
	assert.Empty(t, listSuffix(t, opts.FS, "db", ".log"))

	// Destroying a directory that holds no store is a no-op.
	require.NoError(t, DestroyDB("nonexistent", opts))
}

func TestRepairDB(t *testing.T) {
	opts := testOptions()
	d, err := Open("db", opts)
	require.NoError(t, err)

	// Some data flushed to a table, some still only in the WAL.
	for i := byte(0); i < 20; i++ {
		require.NoError(t, d.Put(WriteOptions{}, []byte{'t', i}, []byte{'v', i}))
	}
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	for i := byte(0); i < 10; i++ {
		require.NoError(t, d.Put(WriteOptions{}, []byte{'w', i}, []byte{'v', i}))
	}
	require.NoError(t, d.Close())

	// Lose the manifest and CURRENT; only tables and logs survive.
	names, err := opts.FS.List("db")
	require.NoError(t, err)
	for _, name := range names {
		if name == "CURRENT" || strings.HasPrefix(name, "MANIFEST-") {
			require.NoError(t, opts.FS.Remove("db/"+name))
		}
	}

	require.NoError(t, RepairDB("db", opts))
	assert.True(t, opts.FS.Exists("db/CURRENT"), "repair did not install a manifest")

	d2, err := Open("db", opts)
	require.NoError(t, err)
	defer d2.Close()
	for i := byte(0); i < 20; i++ {
		got, err := d2.Get(ReadOptions{}, []byte{'t', i})
		require.NoError(t, err, "flushed key %d lost in repair", i)
		assert.Equal(t, []byte{'v', i}, got)
	}
	for i := byte(0); i < 10; i++ {
		got, err := d2.Get(ReadOptions{}, []byte{'w', i})
		require.NoError(t, err, "logged key %d lost in repair", i)
		assert.Equal(t, []byte{'v', i}, got)
	}
}

func TestOptionsFileRoundTrip(t *testing.T) {
	opts := testOptions()
	opts.WriteBufferSize = 123456
	opts.MergeOperator = AppendMergeOperator{Sep: ','}
	opts.FilterPolicy = NewBloomFilterPolicy(10)
	opts.Compression = ZstdCompression
	d, err := Open("db", opts)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	stored, err := LoadOptionsFile("db", opts.FS)
	require.NoError(t, err)
	assert.Equal(t, "stratakv.BytewiseComparator", stored.Comparator)
	assert.Equal(t, "stratakv.AppendMergeOperator", stored.MergeOperator)
	assert.NotEmpty(t, stored.FilterPolicy)
	assert.Equal(t, 123456, stored.WriteBufferSize)
	assert.Equal(t, "zstd", stored.Compression)
	assert.Equal(t, opts.MaxBytesForLevelBase, stored.MaxBytesForLevelBase)
}

func TestLoadOptionsFileMissing(t *testing.T) {
	fs := vfs.NewMem()
	require.NoError(t, fs.MkdirAll("empty"))
	_, err := LoadOptionsFile("empty", fs)
	require.Error(t, err)
}
