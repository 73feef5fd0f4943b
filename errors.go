package stratakv

import "errors"

var (
	// ErrNotFound is returned by reads of a key that has no visible
	// value.
	ErrNotFound = errors.New("stratakv: not found")

	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("stratakv: database closed")

	// ErrExists is returned by Open when ErrorIfExists is set and the
	// database directory already holds a store.
	ErrExists = errors.New("stratakv: database already exists")

	// ErrCorruption wraps detected on-disk corruption: a failed block
	// checksum, an undecodable manifest, a malformed batch.
	ErrCorruption = errors.New("stratakv: corruption")

	// ErrInvalidArgument is returned for malformed caller input, such
	// as a nil key.
	ErrInvalidArgument = errors.New("stratakv: invalid argument")
)
