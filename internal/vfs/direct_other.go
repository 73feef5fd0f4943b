//go:build !linux

package vfs

// NewDirect returns the base FS unchanged on platforms without O_DIRECT
// support.
func NewDirect(base FS) FS {
	if base == nil {
		base = Default
	}
	return base
}
