package sstable

import (
	"fmt"
	"io"
	"testing"

	"github.com/stratakv/stratakv/internal/cache"
	"github.com/stratakv/stratakv/internal/checksum"
	"github.com/stratakv/stratakv/internal/compression"
	"github.com/stratakv/stratakv/internal/filter"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/vfs"
)

func testKV(i int) (ikey, value []byte) {
	return keys.Make([]byte(fmt.Sprintf("key%05d", i)), keys.Seq(i+1), keys.KindSet),
		[]byte(fmt.Sprintf("value-%05d", i))
}

func buildTable(t *testing.T, fs *vfs.MemFS, name string, n int, opts WriterOptions) {
	t.Helper()
	f, err := fs.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(f, opts)
	for i := 0; i < n; i++ {
		ikey, value := testKV(i)
		if err := w.Add(ikey, value); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func openTable(t *testing.T, fs *vfs.MemFS, name string, opts ReaderOptions) *Reader {
	t.Helper()
	size, err := fs.FileSize(name)
	if err != nil {
		t.Fatal(err)
	}
	f, err := fs.OpenRandom(name)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(f, size, opts)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	return r
}

func TestRoundTrip(t *testing.T) {
	compressions := []compression.Type{
		compression.None, compression.Snappy, compression.LZ4,
		compression.LZ4HC, compression.Zstd,
	}
	for _, comp := range compressions {
		t.Run(comp.String(), func(t *testing.T) {
			fs := vfs.NewMem()
			const n = 1000
			buildTable(t, fs, "t.sst", n, WriterOptions{
				BlockSize:   512, // force many blocks
				Compression: comp,
			})
			r := openTable(t, fs, "t.sst", ReaderOptions{})
			defer r.Close()

			it := r.NewIter(true, false)
			defer it.Close()
			i := 0
			for it.SeekToFirst(); it.Valid(); it.Next() {
				ikey, value := testKV(i)
				if string(it.Key()) != string(ikey) || string(it.Value()) != string(value) {
					t.Fatalf("entry %d mismatch", i)
				}
				i++
			}
			if err := it.Error(); err != nil {
				t.Fatal(err)
			}
			if i != n {
				t.Fatalf("scanned %d entries, want %d", i, n)
			}
		})
	}
}

func TestSeek(t *testing.T) {
	fs := vfs.NewMem()
	buildTable(t, fs, "t.sst", 500, WriterOptions{BlockSize: 256})
	r := openTable(t, fs, "t.sst", ReaderOptions{})
	defer r.Close()

	it := r.NewIter(true, false)
	defer it.Close()

	it.Seek(keys.Make([]byte("key00250"), keys.MaxSeq, keys.KindSeek))
	if !it.Valid() {
		t.Fatal("Seek found nothing")
	}
	if got := string(keys.UserKey(it.Key())); got != "key00250" {
		t.Errorf("Seek landed on %q", got)
	}

	it.Seek(keys.Make([]byte("key00250z"), keys.MaxSeq, keys.KindSeek))
	if got := string(keys.UserKey(it.Key())); got != "key00251" {
		t.Errorf("Seek between keys landed on %q", got)
	}

	it.Seek(keys.Make([]byte("zzz"), keys.MaxSeq, keys.KindSeek))
	if it.Valid() {
		t.Error("Seek past the last key is valid")
	}
}

func TestReverseScan(t *testing.T) {
	fs := vfs.NewMem()
	const n = 300
	buildTable(t, fs, "t.sst", n, WriterOptions{BlockSize: 256})
	r := openTable(t, fs, "t.sst", ReaderOptions{})
	defer r.Close()

	it := r.NewIter(true, false)
	defer it.Close()
	i := n - 1
	for it.SeekToLast(); it.Valid(); it.Prev() {
		ikey, _ := testKV(i)
		if string(it.Key()) != string(ikey) {
			t.Fatalf("reverse entry %d mismatch: %q", i, keys.UserKey(it.Key()))
		}
		i--
	}
	if err := it.Error(); err != nil {
		t.Fatal(err)
	}
	if i != -1 {
		t.Fatalf("reverse scan stopped at %d", i)
	}
}

func TestBloomFilter(t *testing.T) {
	fs := vfs.NewMem()
	policy := filter.NewBloomPolicy(10)
	buildTable(t, fs, "t.sst", 200, WriterOptions{Filter: policy})
	r := openTable(t, fs, "t.sst", ReaderOptions{Filter: policy})
	defer r.Close()

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key%05d", i))
		if !r.MayContain(key) {
			t.Fatalf("false negative for %q", key)
		}
	}
	misses := 0
	for i := 0; i < 1000; i++ {
		if !r.MayContain([]byte(fmt.Sprintf("absent%05d", i))) {
			misses++
		}
	}
	if misses < 900 {
		t.Errorf("filter excluded only %d of 1000 absent keys", misses)
	}
}

func TestChecksumTypes(t *testing.T) {
	for _, ct := range []checksum.Type{checksum.TypeCRC32C, checksum.TypeXXH3} {
		fs := vfs.NewMem()
		buildTable(t, fs, "t.sst", 50, WriterOptions{Checksum: ct})
		r := openTable(t, fs, "t.sst", ReaderOptions{})
		it := r.NewIter(true, false)
		count := 0
		for it.SeekToFirst(); it.Valid(); it.Next() {
			count++
		}
		if err := it.Error(); err != nil {
			t.Fatalf("%s: %v", ct, err)
		}
		if count != 50 {
			t.Fatalf("%s: scanned %d entries", ct, count)
		}
		it.Close()
		r.Close()
	}
}

func corruptByte(t *testing.T, fs *vfs.MemFS, name string, off int) {
	t.Helper()
	f, err := fs.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	data[off] ^= 0x01
	out, err := fs.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := out.Write(data); err != nil {
		t.Fatal(err)
	}
	out.Close()
}

func TestCorruptionDetected(t *testing.T) {
	fs := vfs.NewMem()
	buildTable(t, fs, "t.sst", 100, WriterOptions{})
	// Flip a byte inside the first data block.
	corruptByte(t, fs, "t.sst", 10)

	r := openTable(t, fs, "t.sst", ReaderOptions{})
	defer r.Close()
	it := r.NewIter(true, false)
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
	}
	if it.Error() == nil {
		t.Fatal("scan over a corrupted block reported no error")
	}
}

func TestVerifyChecksumsRechecksCacheHits(t *testing.T) {
	fs := vfs.NewMem()
	buildTable(t, fs, "t.sst", 100, WriterOptions{Compression: compression.None})
	bc := cache.New(1 << 20)
	r := openTable(t, fs, "t.sst", ReaderOptions{BlockCache: bc, FileNum: 3})
	defer r.Close()

	scan := func(verify bool) error {
		it := r.NewIter(true, verify)
		defer it.Close()
		for it.SeekToFirst(); it.Valid(); it.Next() {
		}
		return it.Error()
	}
	// Populate the block cache, then damage the file underneath it.
	if err := scan(false); err != nil {
		t.Fatal(err)
	}
	corruptByte(t, fs, "t.sst", 10)

	// A plain read is served from the cached decoded block.
	if err := scan(false); err != nil {
		t.Fatalf("cached read: %v", err)
	}
	// A verifying read goes back to the bytes and must notice.
	if err := scan(true); err == nil {
		t.Fatal("verifying scan accepted a corrupted block")
	}

	// The per-reader option forces verification without the per-iter flag.
	r2 := openTable(t, fs, "t.sst", ReaderOptions{BlockCache: bc, FileNum: 3, VerifyChecksums: true})
	defer r2.Close()
	it := r2.NewIter(true, false)
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
	}
	if it.Error() == nil {
		t.Fatal("VerifyChecksums reader accepted a corrupted block")
	}
}

func TestAddOutOfOrderPanics(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("t.sst")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := NewWriter(f, WriterOptions{})
	if err := w.Add(keys.Make([]byte("b"), 2, keys.KindSet), []byte("v")); err != nil {
		t.Fatal(err)
	}

	mustPanic := func(name string, ikey []byte) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s did not panic", name)
			}
		}()
		w.Add(ikey, []byte("v"))
	}
	mustPanic("smaller key", keys.Make([]byte("a"), 1, keys.KindSet))
	mustPanic("duplicate key", keys.Make([]byte("b"), 2, keys.KindSet))
}

func TestNotATable(t *testing.T) {
	fs := vfs.NewMem()
	f, _ := fs.Create("junk")
	f.Write([]byte("this is not a table file, but it is long enough to hold a footer......."))
	f.Close()
	size, _ := fs.FileSize("junk")
	rf, _ := fs.OpenRandom("junk")
	if _, err := NewReader(rf, size, ReaderOptions{}); err == nil {
		t.Fatal("NewReader accepted garbage")
	}
}

func TestBlockCacheUsed(t *testing.T) {
	fs := vfs.NewMem()
	buildTable(t, fs, "t.sst", 500, WriterOptions{BlockSize: 256})
	bc := cache.New(1 << 20)
	r := openTable(t, fs, "t.sst", ReaderOptions{BlockCache: bc, FileNum: 9})
	defer r.Close()

	scan := func() {
		it := r.NewIter(true, false)
		defer it.Close()
		for it.SeekToFirst(); it.Valid(); it.Next() {
		}
		if err := it.Error(); err != nil {
			t.Fatal(err)
		}
	}
	scan()
	if bc.Usage() == 0 {
		t.Fatal("scan populated nothing in the block cache")
	}
	hitsBefore, _ := bc.Stats()
	scan()
	hitsAfter, _ := bc.Stats()
	if hitsAfter <= hitsBefore {
		t.Error("second scan did not hit the block cache")
	}
}

func TestApproximateOffset(t *testing.T) {
	fs := vfs.NewMem()
	buildTable(t, fs, "t.sst", 1000, WriterOptions{BlockSize: 256, Compression: compression.None})
	r := openTable(t, fs, "t.sst", ReaderOptions{})
	defer r.Close()

	early := r.ApproximateOffsetOf(keys.Make([]byte("key00010"), keys.MaxSeq, keys.KindSeek))
	late := r.ApproximateOffsetOf(keys.Make([]byte("key00900"), keys.MaxSeq, keys.KindSeek))
	if late <= early {
		t.Errorf("offsets not monotonic: early=%d late=%d", early, late)
	}
}

func TestTableCache(t *testing.T) {
	fs := vfs.NewMem()
	for i := uint64(1); i <= 5; i++ {
		buildTable(t, fs, fmt.Sprintf("%06d.sst", i), 10, WriterOptions{})
	}
	tc := NewTableCache(fs, 2, func(n uint64) string {
		return fmt.Sprintf("%06d.sst", n)
	}, func(n uint64) ReaderOptions {
		return ReaderOptions{FileNum: n}
	})
	defer tc.Close()

	// Cycle through more tables than the cache holds.
	for round := 0; round < 3; round++ {
		for i := uint64(1); i <= 5; i++ {
			r, release, err := tc.Get(i)
			if err != nil {
				t.Fatalf("Get(%d): %v", i, err)
			}
			if r == nil {
				t.Fatalf("Get(%d) returned nil reader", i)
			}
			release()
		}
	}

	// An iterator must keep its table alive across evictions.
	it := tc.NewIter(1, true, false)
	for i := uint64(2); i <= 5; i++ {
		_, release, err := tc.Get(i)
		if err != nil {
			t.Fatal(err)
		}
		release()
	}
	count := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		count++
	}
	if err := it.Error(); err != nil {
		t.Fatal(err)
	}
	if count != 10 {
		t.Errorf("iterator scanned %d entries after evictions", count)
	}
	it.Close()

	tc.Evict(3)
	if _, release, err := tc.Get(3); err != nil {
		t.Errorf("Get after Evict: %v", err)
	} else {
		release()
	}
}
