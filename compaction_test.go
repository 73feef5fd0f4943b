package stratakv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numFilesAtLevel(t *testing.T, d *DB, level int) string {
	t.Helper()
	v, ok := d.GetProperty(fmt.Sprintf("stratakv.num-files-at-level%d", level))
	require.True(t, ok)
	return v
}

func TestFlushCreatesTable(t *testing.T) {
	opts := testOptions()
	d := openTestDB(t, opts)

	require.NoError(t, d.Put(WriteOptions{}, []byte("k"), []byte("v")))
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))

	assert.Equal(t, "1", numFilesAtLevel(t, d, 0))
	names, err := opts.FS.List("db")
	require.NoError(t, err)
	hasTable := false
	for _, name := range names {
		if len(name) > 4 && name[len(name)-4:] == ".sst" {
			hasTable = true
		}
	}
	assert.True(t, hasTable, "no table file after flush: %v", names)

	got, err := d.Get(ReadOptions{}, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestFlushEmptyMemtable(t *testing.T) {
	d := openTestDB(t, nil)
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	assert.Equal(t, "0", numFilesAtLevel(t, d, 0))
}

func TestCompactRangeReadInvariance(t *testing.T) {
	d := openTestDB(t, nil)

	// Several overlapping L0 files with overwrites and deletes spread
	// across them.
	expected := map[string]string{}
	for round := 0; round < 4; round++ {
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("key%03d", i)
			if (i+round)%7 == 0 {
				require.NoError(t, d.Delete(WriteOptions{}, []byte(key)))
				delete(expected, key)
			} else {
				val := fmt.Sprintf("r%d-v%03d", round, i)
				require.NoError(t, d.Put(WriteOptions{}, []byte(key), []byte(val)))
				expected[key] = val
			}
		}
		require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	}

	require.NoError(t, d.CompactRange(nil, nil))
	assert.Equal(t, "0", numFilesAtLevel(t, d, 0), "CompactRange left files at L0")

	it := d.NewIterator(ReadOptions{})
	defer it.Close()
	it.SeekToFirst()
	assert.Equal(t, expected, collect(t, it), "data changed across compaction")

	for key, want := range expected {
		got, err := d.Get(ReadOptions{}, []byte(key))
		require.NoError(t, err, "key %s lost", key)
		assert.Equal(t, want, string(got))
	}
}

func TestCompactRangeDropsTombstones(t *testing.T) {
	d := openTestDB(t, nil)
	require.NoError(t, d.Put(WriteOptions{}, []byte("gone"), []byte("v")))
	require.NoError(t, d.Put(WriteOptions{}, []byte("kept"), []byte("v")))
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	require.NoError(t, d.Delete(WriteOptions{}, []byte("gone")))
	require.NoError(t, d.CompactRange(nil, nil))

	_, err := d.Get(ReadOptions{}, []byte("gone"))
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := d.Get(ReadOptions{}, []byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestCompactionRespectsSnapshot(t *testing.T) {
	d := openTestDB(t, nil)
	require.NoError(t, d.Put(WriteOptions{}, []byte("k"), []byte("v1")))
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))

	snap := d.GetSnapshot()
	defer d.ReleaseSnapshot(snap)

	require.NoError(t, d.Put(WriteOptions{}, []byte("k"), []byte("v2")))
	require.NoError(t, d.CompactRange(nil, nil))

	got, err := d.Get(ReadOptions{Snapshot: snap}, []byte("k"))
	require.NoError(t, err, "compaction dropped an entry a live snapshot could see")
	assert.Equal(t, []byte("v1"), got)

	got, err = d.Get(ReadOptions{}, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestCompactionFoldsMerges(t *testing.T) {
	opts := testOptions()
	opts.MergeOperator = AppendMergeOperator{Sep: ','}
	d := openTestDB(t, opts)

	require.NoError(t, d.Put(WriteOptions{}, []byte("k"), []byte("base")))
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	require.NoError(t, d.Merge(WriteOptions{}, []byte("k"), []byte("m1")))
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	require.NoError(t, d.Merge(WriteOptions{}, []byte("k"), []byte("m2")))
	require.NoError(t, d.CompactRange(nil, nil))

	got, err := d.Get(ReadOptions{}, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "base,m1,m2", string(got))

	// Merge-only history with no base survives compaction too.
	require.NoError(t, d.Merge(WriteOptions{}, []byte("fresh"), []byte("a")))
	require.NoError(t, d.Merge(WriteOptions{}, []byte("fresh"), []byte("b")))
	require.NoError(t, d.CompactRange(nil, nil))
	got, err = d.Get(ReadOptions{}, []byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(got))
}

// pickyMergeOperator refuses to fold operands for one key, standing in
// for an operator that hits state it cannot decode.
type pickyMergeOperator struct{ bad string }

func (pickyMergeOperator) Name() string { return "stratakv.test.picky" }

func (op pickyMergeOperator) FullMerge(key, base []byte, operands [][]byte) ([]byte, bool) {
	if string(key) == op.bad {
		return nil, false
	}
	out := append([]byte(nil), base...)
	for _, o := range operands {
		out = append(out, o...)
	}
	return out, true
}

func (op pickyMergeOperator) PartialMerge(key, left, right []byte) ([]byte, bool) {
	return nil, false
}

func TestCompactionMergeFailureAborts(t *testing.T) {
	opts := testOptions()
	opts.MergeOperator = pickyMergeOperator{bad: "z"}
	d := openTestDB(t, opts)

	// "a" opens a compaction output before "z" fails to fold.
	require.NoError(t, d.Put(WriteOptions{}, []byte("a"), []byte("v")))
	require.NoError(t, d.Put(WriteOptions{}, []byte("z"), []byte("base")))
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))
	require.NoError(t, d.Merge(WriteOptions{}, []byte("z"), []byte("m")))

	err := d.CompactRange(nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruption)

	// The half-written output is removed; the input tables stay.
	assert.Len(t, listSuffix(t, opts.FS, "db", ".sst"), 2)
}

func TestCompactRangePartial(t *testing.T) {
	d := openTestDB(t, nil)
	for _, k := range []string{"a", "m", "z"} {
		require.NoError(t, d.Put(WriteOptions{}, []byte(k), []byte("v-"+k)))
	}
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))

	// Compacting a subrange must not disturb keys outside it.
	require.NoError(t, d.CompactRange([]byte("l"), []byte("n")))
	for _, k := range []string{"a", "m", "z"} {
		got, err := d.Get(ReadOptions{}, []byte(k))
		require.NoError(t, err, "key %s lost", k)
		assert.Equal(t, "v-"+k, string(got))
	}
}

func TestBackgroundCompactionTriggers(t *testing.T) {
	opts := testOptions()
	opts.L0CompactionTrigger = 2
	opts.WriteBufferSize = 1 << 10
	d := openTestDB(t, opts)

	// Push well past the trigger; automatic flushes and compactions run
	// behind the writes.
	value := make([]byte, 128)
	for i := 0; i < 500; i++ {
		require.NoError(t, d.Put(WriteOptions{}, []byte(fmt.Sprintf("key%04d", i)), value))
	}
	require.NoError(t, d.Flush(FlushOptions{Wait: true}))

	for i := 0; i < 500; i++ {
		_, err := d.Get(ReadOptions{}, []byte(fmt.Sprintf("key%04d", i)))
		require.NoError(t, err, "key%04d lost under background compaction", i)
	}
}

func TestCompactionSurvivesReopen(t *testing.T) {
	opts := testOptions()
	d, err := Open("db", opts)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Put(WriteOptions{}, []byte(fmt.Sprintf("key%03d", i)), []byte("v")))
	}
	require.NoError(t, d.CompactRange(nil, nil))
	require.NoError(t, d.Close())

	d2, err := Open("db", opts)
	require.NoError(t, err)
	defer d2.Close()
	for i := 0; i < 100; i++ {
		_, err := d2.Get(ReadOptions{}, []byte(fmt.Sprintf("key%03d", i)))
		require.NoError(t, err)
	}
}
