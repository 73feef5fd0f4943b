package keys

import (
	"bytes"
	"testing"
)

func TestTrailerRoundTrip(t *testing.T) {
	cases := []struct {
		seq  Seq
		kind Kind
	}{
		{0, KindDelete},
		{1, KindSet},
		{42, KindMerge},
		{MaxSeq, KindSeek},
	}
	for _, c := range cases {
		seq, kind := UnpackTrailer(PackTrailer(c.seq, c.kind))
		if seq != c.seq || kind != c.kind {
			t.Errorf("round trip (%d, %s) = (%d, %s)", c.seq, c.kind, seq, kind)
		}
	}
}

func TestMakeParse(t *testing.T) {
	ikey := Make([]byte("user-key"), 99, KindSet)
	if got := UserKey(ikey); string(got) != "user-key" {
		t.Errorf("UserKey = %q", got)
	}
	if got := SeqOf(ikey); got != 99 {
		t.Errorf("SeqOf = %d", got)
	}
	if got := KindOf(ikey); got != KindSet {
		t.Errorf("KindOf = %s", got)
	}
	pk, err := Parse(ikey)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if string(pk.User) != "user-key" || pk.Seq != 99 || pk.Kind != KindSet {
		t.Errorf("Parse = %v", pk)
	}

	if _, err := Parse([]byte("short")); err != ErrShortKey {
		t.Errorf("Parse(short) err = %v, want ErrShortKey", err)
	}
}

func TestCompareOrdering(t *testing.T) {
	// User key ascending, then sequence descending, then kind descending.
	ordered := [][]byte{
		Make([]byte("a"), 10, KindSet),
		Make([]byte("a"), 5, KindMerge),
		Make([]byte("a"), 5, KindSet),
		Make([]byte("a"), 5, KindDelete),
		Make([]byte("a"), 1, KindSet),
		Make([]byte("b"), 100, KindSet),
		Make([]byte("b"), 1, KindDelete),
		Make([]byte("ba"), 50, KindSet),
	}
	for i := range ordered {
		for j := range ordered {
			got := Bytewise.Compare(ordered[i], ordered[j])
			switch {
			case i < j && got >= 0:
				t.Errorf("Compare(%d, %d) = %d, want < 0", i, j, got)
			case i > j && got <= 0:
				t.Errorf("Compare(%d, %d) = %d, want > 0", i, j, got)
			case i == j && got != 0:
				t.Errorf("Compare(%d, %d) = %d, want 0", i, j, got)
			}
		}
	}
}

func TestSeekKeySortsFirst(t *testing.T) {
	// A lookup key for seq S must sort at or before every stored entry
	// with sequence <= S for the same user key.
	seek := Make([]byte("k"), 7, KindSeek)
	for _, kind := range []Kind{KindDelete, KindSet, KindMerge} {
		stored := Make([]byte("k"), 7, kind)
		if Bytewise.Compare(seek, stored) > 0 {
			t.Errorf("seek key sorts after %s at same seq", kind)
		}
	}
	newer := Make([]byte("k"), 8, KindSet)
	if Bytewise.Compare(seek, newer) <= 0 {
		t.Error("seek key sorts before a newer entry")
	}
}

func TestCompareUser(t *testing.T) {
	a := Make([]byte("abc"), 5, KindSet)
	b := Make([]byte("abc"), 9, KindDelete)
	if Bytewise.CompareUser(a, b) != 0 {
		t.Error("CompareUser ignores trailers")
	}
	c := Make([]byte("abd"), 5, KindSet)
	if Bytewise.CompareUser(a, c) >= 0 {
		t.Error("CompareUser(abc, abd) should be negative")
	}
}

func TestCustomComparer(t *testing.T) {
	// Reverse bytewise order.
	rev := NewComparer(func(a, b []byte) int { return bytes.Compare(b, a) })
	x := Make([]byte("a"), 1, KindSet)
	y := Make([]byte("b"), 1, KindSet)
	if rev.Compare(x, y) <= 0 {
		t.Error("reverse comparer should order b before a")
	}
}
