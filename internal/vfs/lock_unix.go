//go:build unix

package vfs

import (
	"fmt"
	"io"
	"os"
	"syscall"
)

type fileLock struct {
	f *os.File
}

func (l *fileLock) Close() error {
	defer l.f.Close()
	return syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
}

func (osFS) Lock(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: held by another process: %w", name, err)
	}
	return &fileLock{f: f}, nil
}
