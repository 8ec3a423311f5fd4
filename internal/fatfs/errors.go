// Package fatfs is the FAT driver core: the mounted volume, its node cache
// and the rename protocol.
//
// This file contains the error taxonomy and the translation of on-disk
// library errors into it.
package fatfs

import (
	"errors"
	"fmt"

	"fatfuse/internal/fatlib"
)

var (
	// ErrNotFound indicates the referenced name does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a name collision
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotDir indicates a directory was expected
	ErrNotDir = errors.New("not a directory")

	// ErrNotFile indicates a file was expected
	ErrNotFile = errors.New("not a file")

	// ErrNotEmpty indicates removal of a directory that still has entries
	ErrNotEmpty = errors.New("directory not empty")

	// ErrInvalidArgs indicates a malformed name or an impossible move
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrBadState indicates use of an unmounted volume or a violated
	// library precondition
	ErrBadState = errors.New("bad state")

	// ErrExternalFailure indicates the backing device failed
	ErrExternalFailure = errors.New("external failure")

	// ErrIoDataIntegrity indicates corrupt on-disk structures
	ErrIoDataIntegrity = errors.New("data integrity failure")

	// ErrNoSpace indicates the volume is full
	ErrNoSpace = errors.New("no space")

	// ErrAccessDenied indicates a mutation on a read-only volume
	ErrAccessDenied = errors.New("access denied")

	// ErrNotSupported indicates an operation the on-disk library lacks
	ErrNotSupported = errors.New("not supported")

	// ErrCrossDir indicates a rename the on-disk library cannot do across
	// directories; the caller has to copy
	ErrCrossDir = errors.New("cross-directory rename not supported")
)

// Error wraps a core error with the operation and name involved.
type Error struct {
	Op   string // Operation that failed (e.g., "lookup", "rename")
	Path string // Name or path involved, may be empty
	Err  error  // Underlying error, matches one of the sentinels above
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("operation %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("operation %s on %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err with op and path. Errors already carrying context are
// returned as-is so nested operations report the outermost failure once.
func newError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return err
	}
	return &Error{Op: op, Path: path, Err: translate(err)}
}

var libErrors = []struct {
	lib  error
	kind error
}{
	{fatlib.ErrNotFound, ErrNotFound},
	{fatlib.ErrExist, ErrAlreadyExists},
	{fatlib.ErrNotEmpty, ErrNotEmpty},
	{fatlib.ErrIsDir, ErrNotFile},
	{fatlib.ErrNotDir, ErrNotDir},
	{fatlib.ErrInvalidName, ErrInvalidArgs},
	{fatlib.ErrInvalid, ErrInvalidArgs},
	{fatlib.ErrCorrupt, ErrIoDataIntegrity},
	{fatlib.ErrNoSpace, ErrNoSpace},
	{fatlib.ErrReadOnly, ErrAccessDenied},
	{fatlib.ErrUnsupported, ErrNotSupported},
	{fatlib.ErrCrossDir, ErrCrossDir},
	{fatlib.ErrClosed, ErrBadState},
}

// translate maps a library error onto the taxonomy, keeping the cause in
// the chain. Anything unrecognised came from the device.
func translate(err error) error {
	for _, k := range []error{
		ErrNotFound, ErrAlreadyExists, ErrNotDir, ErrNotFile, ErrNotEmpty,
		ErrInvalidArgs, ErrBadState, ErrExternalFailure, ErrIoDataIntegrity,
		ErrNoSpace, ErrAccessDenied, ErrNotSupported, ErrCrossDir,
	} {
		if errors.Is(err, k) {
			return err
		}
	}
	for _, m := range libErrors {
		if errors.Is(err, m.lib) {
			return fmt.Errorf("%w: %w", m.kind, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrExternalFailure, err)
}

// Common operation names for consistent logging and error reporting
const (
	OpMount   = "mount"
	OpUnmount = "unmount"
	OpLookup  = "lookup"
	OpReadDir = "readdir"
	OpOpen    = "open"
	OpRead    = "read"
	OpWrite   = "write"
	OpCreate  = "create"
	OpMkdir   = "mkdir"
	OpRemove  = "remove"
	OpRename  = "rename"
	OpStat    = "stat"
	OpTrunc   = "truncate"
	OpSync    = "sync"
	OpStatfs  = "statfs"
)
