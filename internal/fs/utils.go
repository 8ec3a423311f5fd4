package fs

import "os"

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// perm drops the write bits on read-only volumes.
func (f *FS) perm(mode os.FileMode) os.FileMode {
	if f.vol.ReadOnly() {
		return mode &^ 0o222
	}
	return mode
}
