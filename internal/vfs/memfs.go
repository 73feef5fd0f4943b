package vfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
)

// MemFS is an in-memory FS for tests. It is safe for concurrent use.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memFile
	dirs  map[string]bool
	locks map[string]bool
}

// NewMem returns an empty in-memory filesystem.
func NewMem() *MemFS {
	return &MemFS{
		files: make(map[string]*memFile),
		dirs:  map[string]bool{"/": true, ".": true},
		locks: make(map[string]bool),
	}
}

type memFile struct {
	mu   sync.Mutex
	data []byte
}

type memWritable struct {
	f *memFile
}

func (w *memWritable) Write(p []byte) (int, error) {
	w.f.mu.Lock()
	w.f.data = append(w.f.data, p...)
	w.f.mu.Unlock()
	return len(p), nil
}

func (w *memWritable) Sync() error  { return nil }
func (w *memWritable) Close() error { return nil }

type memSequential struct {
	r *bytes.Reader
}

func (s *memSequential) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *memSequential) Close() error               { return nil }

type memRandom struct {
	data []byte
}

func (r *memRandom) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *memRandom) Close() error { return nil }

func (m *MemFS) Create(name string) (WritableFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := &memFile{}
	m.files[path.Clean(name)] = f
	return &memWritable{f: f}, nil
}

func (m *MemFS) get(name string) (*memFile, error) {
	f, ok := m.files[path.Clean(name)]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
	}
	return f, nil
}

func (m *MemFS) Open(name string) (SequentialFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.get(name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	data := append([]byte(nil), f.data...)
	f.mu.Unlock()
	return &memSequential{r: bytes.NewReader(data)}, nil
}

func (m *MemFS) OpenRandom(name string) (RandomAccessFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.get(name)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	data := append([]byte(nil), f.data...)
	f.mu.Unlock()
	return &memRandom{data: data}, nil
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	if _, ok := m.files[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) Rename(oldname, newname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldname, newname = path.Clean(oldname), path.Clean(newname)
	f, ok := m.files[oldname]
	if !ok {
		return &os.PathError{Op: "rename", Path: oldname, Err: os.ErrNotExist}
	}
	delete(m.files, oldname)
	m.files[newname] = f
	return nil
}

func (m *MemFS) MkdirAll(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for d := path.Clean(dir); d != "/" && d != "."; d = path.Dir(d) {
		m.dirs[d] = true
	}
	return nil
}

func (m *MemFS) RemoveAll(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = path.Clean(dir)
	for name := range m.files {
		if strings.HasPrefix(name, dir+"/") {
			delete(m.files, name)
		}
	}
	for d := range m.dirs {
		if d == dir || strings.HasPrefix(d, dir+"/") {
			delete(m.dirs, d)
		}
	}
	return nil
}

func (m *MemFS) List(dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dir = path.Clean(dir)
	if !m.dirs[dir] {
		return nil, &os.PathError{Op: "open", Path: dir, Err: os.ErrNotExist}
	}
	var names []string
	for name := range m.files {
		if path.Dir(name) == dir {
			names = append(names, path.Base(name))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemFS) FileSize(name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, err := m.get(name)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (m *MemFS) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	if _, ok := m.files[name]; ok {
		return true
	}
	return m.dirs[name]
}

type memLock struct {
	fs   *MemFS
	name string
}

func (l *memLock) Close() error {
	l.fs.mu.Lock()
	delete(l.fs.locks, l.name)
	l.fs.mu.Unlock()
	return nil
}

func (m *MemFS) Lock(name string) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = path.Clean(name)
	if m.locks[name] {
		return nil, fmt.Errorf("lock %s: already held", name)
	}
	m.locks[name] = true
	if _, ok := m.files[name]; !ok {
		m.files[name] = &memFile{}
	}
	return &memLock{fs: m, name: name}, nil
}

func (m *MemFS) SyncDir(string) error { return nil }
