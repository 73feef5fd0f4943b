//go:build linux

package vfs

import (
	"os"

	"github.com/ncw/directio"
)

// DirectFS wraps a base FS so that created files bypass the page cache
// with O_DIRECT. Only Create changes; reads go through the base FS.
// Used for flush and compaction outputs, which are written once and
// would otherwise evict hotter pages.
type DirectFS struct {
	FS
}

// NewDirect returns an FS whose Create uses direct I/O, falling back to
// Default when base is nil.
func NewDirect(base FS) FS {
	if base == nil {
		base = Default
	}
	return &DirectFS{FS: base}
}

func (d *DirectFS) Create(name string) (WritableFile, error) {
	f, err := directio.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &directWritableFile{
		f:   f,
		buf: directio.AlignedBlock(directio.BlockSize),
	}, nil
}

// directWritableFile buffers writes into one aligned block. Full blocks
// are written in place; the tail block is written zero-padded and the
// file truncated back to its logical size on Sync.
type directWritableFile struct {
	f    *os.File
	buf  []byte
	n    int   // valid bytes in buf
	off  int64 // file offset of buf[0]
}

func (w *directWritableFile) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		c := copy(w.buf[w.n:], p)
		w.n += c
		p = p[c:]
		if w.n == len(w.buf) {
			if _, err := w.f.WriteAt(w.buf, w.off); err != nil {
				return total - len(p), err
			}
			w.off += int64(len(w.buf))
			w.n = 0
		}
	}
	return total, nil
}

func (w *directWritableFile) Sync() error {
	if w.n > 0 {
		for i := w.n; i < len(w.buf); i++ {
			w.buf[i] = 0
		}
		if _, err := w.f.WriteAt(w.buf, w.off); err != nil {
			return err
		}
		if err := w.f.Truncate(w.off + int64(w.n)); err != nil {
			return err
		}
	}
	return w.f.Sync()
}

func (w *directWritableFile) Close() error {
	if err := w.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
