//go:build !unix

package vfs

import (
	"io"
	"os"
)

// Non-unix builds fall back to an existence-based lock file. It is not
// crash safe, but keeps the engine usable for development.
func (osFS) Lock(name string) (io.Closer, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
