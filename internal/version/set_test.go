package version

import (
	"testing"

	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/manifest"
	"github.com/stratakv/stratakv/internal/vfs"
)

func testOptions(fs vfs.FS) Options {
	return Options{
		FS:                         fs,
		Dirname:                    "db",
		Comparer:                   keys.Bytewise,
		ComparerName:               "stratakv.BytewiseComparator",
		L0CompactionTrigger:        4,
		MaxBytesForLevelBase:       10 << 20,
		MaxBytesForLevelMultiplier: 10,
		MaxOutputFileSize:          2 << 20,
	}
}

func meta(num uint64, size uint64, lo, hi string) *manifest.FileMeta {
	return &manifest.FileMeta{
		FileNum:  num,
		Size:     size,
		Smallest: keys.Make([]byte(lo), 1, keys.KindSet),
		Largest:  keys.Make([]byte(hi), 1, keys.KindSet),
	}
}

func TestCreateAndRecover(t *testing.T) {
	fs := vfs.NewMem()
	fs.MkdirAll("db")

	s := New(testOptions(fs))
	if err := s.Create(3); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var edit manifest.VersionEdit
	edit.AddFile(0, meta(5, 1000, "a", "m"))
	edit.AddFile(2, meta(6, 2000, "n", "z"))
	s.SetLastSeq(77)
	if err := s.LogAndApply(&edit); err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	r := New(testOptions(fs))
	if err := r.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if r.LastSeq() != 77 {
		t.Errorf("LastSeq = %d, want 77", r.LastSeq())
	}
	if r.LogNumber() != 3 {
		t.Errorf("LogNumber = %d, want 3", r.LogNumber())
	}
	v := r.Current()
	if v.NumFiles(0) != 1 || v.NumFiles(2) != 1 {
		t.Errorf("files per level: L0=%d L2=%d", v.NumFiles(0), v.NumFiles(2))
	}
	if v.Files[0][0].FileNum != 5 || v.Files[2][0].FileNum != 6 {
		t.Errorf("recovered files %v / %v", v.Files[0], v.Files[2])
	}
	// File numbers observed in the manifest must not be reallocated.
	if n := r.NewFileNum(); n <= 6 {
		t.Errorf("NewFileNum = %d, collides with recovered files", n)
	}
}

func TestRecoverRejectsComparatorMismatch(t *testing.T) {
	fs := vfs.NewMem()
	fs.MkdirAll("db")
	s := New(testOptions(fs))
	if err := s.Create(3); err != nil {
		t.Fatal(err)
	}
	var edit manifest.VersionEdit
	if err := s.LogAndApply(&edit); err != nil {
		t.Fatal(err)
	}
	s.Close()

	opts := testOptions(fs)
	opts.ComparerName = "custom.Comparator"
	if err := New(opts).Recover(); err == nil {
		t.Fatal("Recover accepted a comparator mismatch")
	}
}

func TestDeleteFileRemovesIt(t *testing.T) {
	fs := vfs.NewMem()
	fs.MkdirAll("db")
	s := New(testOptions(fs))
	if err := s.Create(3); err != nil {
		t.Fatal(err)
	}
	var add manifest.VersionEdit
	add.AddFile(1, meta(5, 100, "a", "c"))
	add.AddFile(1, meta(6, 100, "d", "f"))
	if err := s.LogAndApply(&add); err != nil {
		t.Fatal(err)
	}
	var del manifest.VersionEdit
	del.DeleteFile(1, 5)
	if err := s.LogAndApply(&del); err != nil {
		t.Fatal(err)
	}
	v := s.Current()
	if v.NumFiles(1) != 1 || v.Files[1][0].FileNum != 6 {
		t.Errorf("L1 after delete: %v", v.Files[1])
	}
}

func TestLevelOrdering(t *testing.T) {
	fs := vfs.NewMem()
	fs.MkdirAll("db")
	s := New(testOptions(fs))
	if err := s.Create(3); err != nil {
		t.Fatal(err)
	}
	var edit manifest.VersionEdit
	edit.AddFile(0, meta(5, 100, "a", "z"))
	edit.AddFile(0, meta(9, 100, "a", "z"))
	edit.AddFile(0, meta(7, 100, "a", "z"))
	edit.AddFile(1, meta(10, 100, "m", "p"))
	edit.AddFile(1, meta(11, 100, "a", "c"))
	if err := s.LogAndApply(&edit); err != nil {
		t.Fatal(err)
	}
	v := s.Current()
	// L0 newest file first.
	if v.Files[0][0].FileNum != 9 || v.Files[0][2].FileNum != 5 {
		t.Errorf("L0 order: %v", v.Files[0])
	}
	// L1 by smallest key.
	if v.Files[1][0].FileNum != 11 {
		t.Errorf("L1 order: %v", v.Files[1])
	}
}

func TestCompactionScoreL0(t *testing.T) {
	fs := vfs.NewMem()
	fs.MkdirAll("db")
	s := New(testOptions(fs))
	if err := s.Create(3); err != nil {
		t.Fatal(err)
	}
	var edit manifest.VersionEdit
	for i := uint64(0); i < 4; i++ { // equals the trigger
		edit.AddFile(0, meta(10+i, 100, "a", "z"))
	}
	if err := s.LogAndApply(&edit); err != nil {
		t.Fatal(err)
	}
	v := s.Current()
	if v.CompactionScore < 1 || v.CompactionLevel != 0 {
		t.Errorf("score=%f level=%d, want L0 due", v.CompactionScore, v.CompactionLevel)
	}
}

func TestOverlaps(t *testing.T) {
	fs := vfs.NewMem()
	fs.MkdirAll("db")
	s := New(testOptions(fs))
	if err := s.Create(3); err != nil {
		t.Fatal(err)
	}
	var edit manifest.VersionEdit
	edit.AddFile(1, meta(5, 100, "a", "c"))
	edit.AddFile(1, meta(6, 100, "e", "g"))
	edit.AddFile(1, meta(7, 100, "i", "k"))
	if err := s.LogAndApply(&edit); err != nil {
		t.Fatal(err)
	}
	v := s.Current()

	cases := []struct {
		lo, hi string
		want   []uint64
	}{
		{"b", "f", []uint64{5, 6}},
		{"d", "d", nil},
		{"g", "i", []uint64{6, 7}},
		{"", "zz", []uint64{5, 6, 7}},
	}
	for _, c := range cases {
		var lo []byte
		if c.lo != "" {
			lo = []byte(c.lo)
		}
		got := v.Overlaps(1, lo, []byte(c.hi))
		var nums []uint64
		for _, f := range got {
			nums = append(nums, f.FileNum)
		}
		if len(nums) != len(c.want) {
			t.Errorf("Overlaps(%q, %q) = %v, want %v", c.lo, c.hi, nums, c.want)
			continue
		}
		for i := range nums {
			if nums[i] != c.want[i] {
				t.Errorf("Overlaps(%q, %q) = %v, want %v", c.lo, c.hi, nums, c.want)
				break
			}
		}
	}
}

func TestPickCompactionL0WidensToOverlaps(t *testing.T) {
	fs := vfs.NewMem()
	fs.MkdirAll("db")
	s := New(testOptions(fs))
	if err := s.Create(3); err != nil {
		t.Fatal(err)
	}
	var edit manifest.VersionEdit
	for i := uint64(0); i < 4; i++ {
		edit.AddFile(0, meta(10+i, 100, "a", "m"))
	}
	edit.AddFile(1, meta(20, 100, "c", "f"))
	edit.AddFile(1, meta(21, 100, "x", "z"))
	if err := s.LogAndApply(&edit); err != nil {
		t.Fatal(err)
	}

	c := s.PickCompaction()
	if c == nil {
		t.Fatal("PickCompaction returned nil with L0 over trigger")
	}
	defer c.Release()
	if c.Level != 0 {
		t.Fatalf("Level = %d", c.Level)
	}
	if len(c.Inputs[0]) != 4 {
		t.Errorf("Inputs[0] = %d files, want all overlapping L0 files", len(c.Inputs[0]))
	}
	// Only the L1 file inside the key range joins.
	if len(c.Inputs[1]) != 1 || c.Inputs[1][0].FileNum != 20 {
		t.Errorf("Inputs[1] = %v", c.Inputs[1])
	}
	if c.IsTrivialMove() {
		t.Error("multi-file compaction claimed to be a trivial move")
	}
}

func TestCompactRangePlansManual(t *testing.T) {
	fs := vfs.NewMem()
	fs.MkdirAll("db")
	s := New(testOptions(fs))
	if err := s.Create(3); err != nil {
		t.Fatal(err)
	}
	var edit manifest.VersionEdit
	edit.AddFile(1, meta(5, 100, "a", "c"))
	edit.AddFile(1, meta(6, 100, "e", "g"))
	if err := s.LogAndApply(&edit); err != nil {
		t.Fatal(err)
	}

	c := s.CompactRange(1, []byte("b"), []byte("c"))
	if c == nil {
		t.Fatal("CompactRange found no inputs")
	}
	defer c.Release()
	if len(c.Inputs[0]) != 1 || c.Inputs[0][0].FileNum != 5 {
		t.Errorf("Inputs[0] = %v", c.Inputs[0])
	}

	if s.CompactRange(1, []byte("x"), []byte("z")) != nil {
		t.Error("CompactRange over an empty range planned work")
	}
}

func TestTrivialMove(t *testing.T) {
	fs := vfs.NewMem()
	fs.MkdirAll("db")
	s := New(testOptions(fs))
	if err := s.Create(3); err != nil {
		t.Fatal(err)
	}
	var edit manifest.VersionEdit
	edit.AddFile(1, meta(5, 100, "a", "c"))
	edit.AddFile(2, meta(6, 100, "x", "z")) // disjoint from file 5
	if err := s.LogAndApply(&edit); err != nil {
		t.Fatal(err)
	}

	c := s.CompactRange(1, nil, nil)
	if c == nil {
		t.Fatal("CompactRange found no inputs")
	}
	defer c.Release()
	if !c.IsTrivialMove() {
		t.Error("single disjoint input should be a trivial move")
	}
}
