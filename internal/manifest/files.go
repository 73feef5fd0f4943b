package manifest

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// FileType classifies the files making up a database directory.
type FileType int

const (
	FileTypeLog FileType = iota
	FileTypeTable
	FileTypeManifest
	FileTypeCurrent
	FileTypeLock
	FileTypeOptions
	FileTypeTemp
)

// MakeFileName returns the path of a database file of the given type.
func MakeFileName(dirname string, t FileType, fileNum uint64) string {
	switch t {
	case FileTypeLog:
		return filepath.Join(dirname, fmt.Sprintf("%06d.log", fileNum))
	case FileTypeTable:
		return filepath.Join(dirname, fmt.Sprintf("%06d.sst", fileNum))
	case FileTypeManifest:
		return filepath.Join(dirname, fmt.Sprintf("MANIFEST-%06d", fileNum))
	case FileTypeCurrent:
		return filepath.Join(dirname, "CURRENT")
	case FileTypeLock:
		return filepath.Join(dirname, "LOCK")
	case FileTypeOptions:
		return filepath.Join(dirname, fmt.Sprintf("OPTIONS-%06d", fileNum))
	case FileTypeTemp:
		return filepath.Join(dirname, fmt.Sprintf("%06d.tmp", fileNum))
	default:
		panic("manifest: unknown file type")
	}
}

// ParseFileName inverts MakeFileName for a base name, reporting ok=false
// for names that are not database files.
func ParseFileName(base string) (t FileType, fileNum uint64, ok bool) {
	switch {
	case base == "CURRENT":
		return FileTypeCurrent, 0, true
	case base == "LOCK":
		return FileTypeLock, 0, true
	case strings.HasPrefix(base, "MANIFEST-"):
		n, err := strconv.ParseUint(base[len("MANIFEST-"):], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeManifest, n, true
	case strings.HasPrefix(base, "OPTIONS-"):
		n, err := strconv.ParseUint(base[len("OPTIONS-"):], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeOptions, n, true
	}
	i := strings.IndexByte(base, '.')
	if i <= 0 {
		return 0, 0, false
	}
	n, err := strconv.ParseUint(base[:i], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	switch base[i:] {
	case ".log":
		return FileTypeLog, n, true
	case ".sst":
		return FileTypeTable, n, true
	case ".tmp":
		return FileTypeTemp, n, true
	}
	return 0, 0, false
}
