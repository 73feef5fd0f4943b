// Package vfs abstracts the filesystem operations the engine performs,
// so tests can substitute an in-memory implementation and fault
// injection without touching the storage code.
package vfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// WritableFile is an append-only file. Writes are buffered by the
// implementation; Sync flushes application and OS buffers to stable
// storage.
type WritableFile interface {
	io.Writer
	Sync() error
	Close() error
}

// SequentialFile reads a file front to back.
type SequentialFile interface {
	io.Reader
	io.Closer
}

// RandomAccessFile serves positioned reads and is safe for concurrent
// use.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer
}

// FS is the set of filesystem operations the engine needs.
type FS interface {
	// Create creates or truncates name for appending.
	Create(name string) (WritableFile, error)

	// Open opens name for sequential reading.
	Open(name string) (SequentialFile, error)

	// OpenRandom opens name for positioned reads.
	OpenRandom(name string) (RandomAccessFile, error)

	// Remove deletes name.
	Remove(name string) error

	// Rename atomically renames oldname to newname, replacing any
	// existing file.
	Rename(oldname, newname string) error

	// MkdirAll creates dir and any missing parents.
	MkdirAll(dir string) error

	// RemoveAll deletes dir and everything under it.
	RemoveAll(dir string) error

	// List returns the sorted base names of the entries in dir.
	List(dir string) ([]string, error)

	// FileSize returns the size of name in bytes.
	FileSize(name string) (int64, error)

	// Exists reports whether name exists.
	Exists(name string) bool

	// Lock acquires an advisory exclusive lock on name, creating the
	// file if needed. Closing the returned handle releases the lock.
	Lock(name string) (io.Closer, error)

	// SyncDir syncs the directory dir so renames and creates within it
	// survive a crash.
	SyncDir(dir string) error
}

// Default is the operating system filesystem.
var Default FS = osFS{}

type osFS struct{}

type osWritableFile struct {
	f *os.File
}

func (w *osWritableFile) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w *osWritableFile) Sync() error                 { return w.f.Sync() }
func (w *osWritableFile) Close() error                { return w.f.Close() }

func (osFS) Create(name string) (WritableFile, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &osWritableFile{f: f}, nil
}

func (osFS) Open(name string) (SequentialFile, error) {
	return os.Open(name)
}

func (osFS) OpenRandom(name string) (RandomAccessFile, error) {
	return os.Open(name)
}

func (osFS) Remove(name string) error { return os.Remove(name) }

func (osFS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }

func (osFS) MkdirAll(dir string) error { return os.MkdirAll(dir, 0o755) }

func (osFS) RemoveAll(dir string) error { return os.RemoveAll(dir) }

func (osFS) List(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (osFS) FileSize(name string) (int64, error) {
	fi, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (osFS) SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return f.Close()
}

// WriteFileAtomic writes data to name via a temp file and rename, so a
// crash leaves either the old contents or the new, never a torn file.
func WriteFileAtomic(fs FS, name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fs.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, name); err != nil {
		fs.Remove(tmp)
		return err
	}
	return fs.SyncDir(filepath.Dir(name))
}
