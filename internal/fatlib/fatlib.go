// Package fatlib defines the boundary to the on-disk FAT library.
//
// Implementations are single-threaded and non-reentrant: callers must
// serialize every call on a FileSystem and on all handles derived from it.
// Directory and file handles identify on-disk entries rather than paths, so
// a handle stays valid when its entry (or any ancestor) is renamed. An entry
// that is removed or replaced keeps its contents reachable through handles
// that were open at the time, until those handles are closed.
package fatlib

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the named entry does not exist
	ErrNotFound = errors.New("entry not found")

	// ErrExist indicates the named entry already exists
	ErrExist = errors.New("entry already exists")

	// ErrNotEmpty indicates a directory still has entries
	ErrNotEmpty = errors.New("directory not empty")

	// ErrIsDir indicates a file operation on a directory
	ErrIsDir = errors.New("entry is a directory")

	// ErrNotDir indicates a directory operation on a file
	ErrNotDir = errors.New("entry is not a directory")

	// ErrInvalidName indicates a name the on-disk format cannot store
	ErrInvalidName = errors.New("invalid entry name")

	// ErrInvalid indicates a request the library refuses, such as moving a
	// directory below itself
	ErrInvalid = errors.New("invalid request")

	// ErrCorrupt indicates on-disk structures failed a consistency check
	ErrCorrupt = errors.New("on-disk structure corrupt")

	// ErrNoSpace indicates the volume has no free clusters
	ErrNoSpace = errors.New("no space left on volume")

	// ErrReadOnly indicates a mutation on a read-only volume
	ErrReadOnly = errors.New("volume is read-only")

	// ErrUnsupported indicates an operation the library does not implement
	ErrUnsupported = errors.New("operation not supported")

	// ErrCrossDir indicates a move between directories the library can
	// only do by copying
	ErrCrossDir = errors.New("cannot move between directories")

	// ErrClosed indicates use of a handle after Close
	ErrClosed = errors.New("handle closed")
)

// Entry describes a directory entry.
type Entry struct {
	Name    string // stored name, case preserved
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Stats reports volume geometry and usage.
type Stats struct {
	ClusterSize   uint32
	SectorSize    uint32
	TotalClusters uint64
	FreeClusters  uint64
}

// FileSystem is a mounted FAT volume.
type FileSystem interface {
	// Root opens a handle to the root directory.
	Root() (Dir, error)
	Stats() (Stats, error)
	// Flush writes all cached metadata to the backing device.
	Flush() error
	// Unmount flushes and releases the backing device. No handle may be
	// used afterwards.
	Unmount() error
}

// Handle is the behaviour shared by directory and file handles.
type Handle interface {
	Stat() (Entry, error)
	// FlushEntry writes the entry's pending directory-entry metadata.
	FlushEntry() error
	Close() error
}

// Dir is an open directory.
type Dir interface {
	Handle

	// Find looks up a child by name, ignoring case.
	Find(name string) (Entry, error)
	Entries() ([]Entry, error)
	OpenDir(name string) (Dir, error)
	OpenFile(name string) (File, error)
	CreateDir(name string) (Dir, error)
	CreateFile(name string) (File, error)
	Remove(name string) error

	// Rename moves child name to dstName in dst. dstName must not exist in
	// dst unless it names the same entry, in which case only the stored
	// case is rewritten.
	Rename(name string, dst Dir, dstName string) error
	// RenameOverFile moves child name over the existing file dstName in
	// dst, which is also open as existing.
	RenameOverFile(name string, dst Dir, dstName string, existing File) error
	// RenameOverDir moves child name over the existing empty directory
	// dstName in dst, which is also open as existing.
	RenameOverDir(name string, dst Dir, dstName string, existing Dir) error
}

// File is an open regular file.
type File interface {
	Handle

	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Size() int64
}
