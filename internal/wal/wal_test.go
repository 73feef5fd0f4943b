package wal

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stratakv/stratakv/internal/vfs"
)

type countingReporter struct {
	calls int
	bytes int
}

func (r *countingReporter) Corruption(n int, err error) {
	r.calls++
	r.bytes += n
}

func writeLog(t *testing.T, fs *vfs.MemFS, name string, records [][]byte) {
	t.Helper()
	f, err := fs.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	w := NewWriter(f)
	for _, rec := range records {
		if err := w.AddRecord(rec); err != nil {
			t.Fatalf("AddRecord: %v", err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func readLog(t *testing.T, fs *vfs.MemFS, name string, reporter Reporter) [][]byte {
	t.Helper()
	f, err := fs.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(f, reporter)
	defer r.Close()
	var out [][]byte
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		out = append(out, append([]byte(nil), rec...))
	}
}

func rewriteLog(t *testing.T, fs *vfs.MemFS, name string, mutate func([]byte) []byte) {
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
	data = mutate(data)
	out, err := fs.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := out.Write(data); err != nil {
		t.Fatal(err)
	}
	out.Close()
}

func TestRoundTrip(t *testing.T) {
	records := [][]byte{
		[]byte(""),
		[]byte("one"),
		[]byte("a somewhat longer record with more bytes in it"),
		bytes.Repeat([]byte("x"), BlockSize/2),   // shares a block
		bytes.Repeat([]byte("y"), BlockSize*3),   // spans several blocks
		bytes.Repeat([]byte("z"), BlockSize-7),   // exactly one block of payload
		[]byte("tail"),
	}
	fs := vfs.NewMem()
	writeLog(t, fs, "test.log", records)

	got := readLog(t, fs, "test.log", nil)
	if len(got) != len(records) {
		t.Fatalf("read %d records, want %d", len(got), len(records))
	}
	for i := range records {
		if !bytes.Equal(got[i], records[i]) {
			t.Errorf("record %d: %d bytes, want %d", i, len(got[i]), len(records[i]))
		}
	}
}

func TestManySmallRecords(t *testing.T) {
	var records [][]byte
	for i := 0; i < 5000; i++ {
		records = append(records, []byte(fmt.Sprintf("record-%d", i)))
	}
	fs := vfs.NewMem()
	writeLog(t, fs, "test.log", records)
	got := readLog(t, fs, "test.log", nil)
	if len(got) != len(records) {
		t.Fatalf("read %d records, want %d", len(got), len(records))
	}
}

func TestTornTailIsCleanEOF(t *testing.T) {
	records := [][]byte{
		[]byte("committed"),
		bytes.Repeat([]byte("t"), 1000),
	}
	fs := vfs.NewMem()
	writeLog(t, fs, "test.log", records)

	// Chop into the final record, as a crash mid-write would.
	rewriteLog(t, fs, "test.log", func(data []byte) []byte {
		return data[:len(data)-500]
	})

	var rep countingReporter
	got := readLog(t, fs, "test.log", &rep)
	if len(got) != 1 || string(got[0]) != "committed" {
		t.Fatalf("got %d records, want just the committed one", len(got))
	}
	if rep.calls != 0 {
		t.Errorf("torn tail reported as corruption %d time(s)", rep.calls)
	}
}

func TestTornHeaderIsCleanEOF(t *testing.T) {
	fs := vfs.NewMem()
	writeLog(t, fs, "test.log", [][]byte{[]byte("first"), []byte("second")})

	// Leave fewer bytes than a header at the tail.
	rewriteLog(t, fs, "test.log", func(data []byte) []byte {
		return data[:len(data)-len("second")-3]
	})
	var rep countingReporter
	got := readLog(t, fs, "test.log", &rep)
	if len(got) != 1 || string(got[0]) != "first" {
		t.Fatalf("got %v, want [first]", got)
	}
	if rep.calls != 0 {
		t.Errorf("torn header reported as corruption %d time(s)", rep.calls)
	}
}

func TestInteriorCorruptionIsSkipped(t *testing.T) {
	// Record A fills part of block 0, B pushes into later blocks, C sits
	// alone past the corruption.
	records := [][]byte{
		[]byte("record-a"),
		bytes.Repeat([]byte("b"), BlockSize*2),
		[]byte("record-c"),
	}
	fs := vfs.NewMem()
	writeLog(t, fs, "test.log", records)

	rewriteLog(t, fs, "test.log", func(data []byte) []byte {
		data[HeaderSize+2] ^= 0x01 // flip a payload byte of record A
		return data
	})

	var rep countingReporter
	got := readLog(t, fs, "test.log", &rep)
	if len(got) != 1 || string(got[0]) != "record-c" {
		t.Fatalf("got %d records, want only record-c", len(got))
	}
	if rep.calls == 0 {
		t.Error("corruption was not reported")
	}
}

func TestReaderStopsAtEmptyFile(t *testing.T) {
	fs := vfs.NewMem()
	writeLog(t, fs, "empty.log", nil)
	if got := readLog(t, fs, "empty.log", nil); len(got) != 0 {
		t.Fatalf("got %d records from empty log", len(got))
	}
}
