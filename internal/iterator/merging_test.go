package iterator_test

import (
	"fmt"
	"testing"

	"github.com/stratakv/stratakv/internal/iterator"
	"github.com/stratakv/stratakv/internal/keys"
	"github.com/stratakv/stratakv/internal/memtable"
)

func memWith(entries map[string]string, seq keys.Seq) *memtable.MemTable {
	m := memtable.New(keys.Bytewise)
	for k, v := range entries {
		m.Add(seq, keys.KindSet, []byte(k), []byte(v))
	}
	return m
}

func TestMergingOrder(t *testing.T) {
	a := memWith(map[string]string{"a": "1", "d": "4", "g": "7"}, 10)
	b := memWith(map[string]string{"b": "2", "e": "5"}, 10)
	c := memWith(map[string]string{"c": "3", "f": "6"}, 10)

	it := iterator.NewMerging(keys.Bytewise, a.NewIter(), b.NewIter(), c.NewIter())
	defer it.Close()

	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, string(keys.UserKey(it.Key())))
	}
	want := []string{"a", "b", "c", "d", "e", "f", "g"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("forward order = %v, want %v", got, want)
	}

	got = got[:0]
	for it.SeekToLast(); it.Valid(); it.Prev() {
		got = append(got, string(keys.UserKey(it.Key())))
	}
	want = []string{"g", "f", "e", "d", "c", "b", "a"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("reverse order = %v, want %v", got, want)
	}
}

func TestMergingNewestSourceWinsTies(t *testing.T) {
	// Same user key and sequence in two children: the earlier child (the
	// newer source) must surface first.
	newer := memtable.New(keys.Bytewise)
	newer.Add(5, keys.KindSet, []byte("k"), []byte("new"))
	older := memtable.New(keys.Bytewise)
	older.Add(5, keys.KindSet, []byte("k"), []byte("old"))

	it := iterator.NewMerging(keys.Bytewise, newer.NewIter(), older.NewIter())
	defer it.Close()
	it.SeekToFirst()
	if !it.Valid() || string(it.Value()) != "new" {
		t.Fatalf("tie broke toward %q, want the newer source", it.Value())
	}
}

func TestMergingInterleavedSeqs(t *testing.T) {
	// Versions of a single user key spread across children must come out
	// newest first.
	a := memtable.New(keys.Bytewise)
	a.Add(9, keys.KindSet, []byte("k"), []byte("v9"))
	a.Add(3, keys.KindSet, []byte("k"), []byte("v3"))
	b := memtable.New(keys.Bytewise)
	b.Add(6, keys.KindDelete, []byte("k"), nil)

	it := iterator.NewMerging(keys.Bytewise, a.NewIter(), b.NewIter())
	defer it.Close()

	var seqs []keys.Seq
	for it.SeekToFirst(); it.Valid(); it.Next() {
		seqs = append(seqs, keys.SeqOf(it.Key()))
	}
	want := []keys.Seq{9, 6, 3}
	if fmt.Sprint(seqs) != fmt.Sprint(want) {
		t.Errorf("sequence order = %v, want %v", seqs, want)
	}
}

func TestMergingSeek(t *testing.T) {
	a := memWith(map[string]string{"a": "1", "c": "3"}, 1)
	b := memWith(map[string]string{"b": "2", "d": "4"}, 1)
	it := iterator.NewMerging(keys.Bytewise, a.NewIter(), b.NewIter())
	defer it.Close()

	it.Seek(keys.Make([]byte("b"), keys.MaxSeq, keys.KindSeek))
	if !it.Valid() || string(keys.UserKey(it.Key())) != "b" {
		t.Fatalf("Seek(b) landed on %q", keys.UserKey(it.Key()))
	}
	it.Next()
	if string(keys.UserKey(it.Key())) != "c" {
		t.Errorf("Next after Seek = %q", keys.UserKey(it.Key()))
	}
	it.Prev()
	if string(keys.UserKey(it.Key())) != "b" {
		t.Errorf("Prev after Next = %q", keys.UserKey(it.Key()))
	}
}

func TestMergingEmptyChildren(t *testing.T) {
	empty := memtable.New(keys.Bytewise)
	full := memWith(map[string]string{"x": "1"}, 1)
	it := iterator.NewMerging(keys.Bytewise, empty.NewIter(), full.NewIter(), iterator.Empty())
	defer it.Close()
	it.SeekToFirst()
	if !it.Valid() || string(keys.UserKey(it.Key())) != "x" {
		t.Fatal("merged iterator lost the only entry")
	}
	it.Next()
	if it.Valid() {
		t.Error("valid past the only entry")
	}
}

func TestMergingNoChildren(t *testing.T) {
	it := iterator.NewMerging(keys.Bytewise)
	defer it.Close()
	it.SeekToFirst()
	if it.Valid() {
		t.Error("empty merge is valid")
	}
}
