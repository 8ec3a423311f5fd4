// Package fs binds the FAT volume core to the kernel through bazil.org/fuse.
//
// This file contains the translation of core errors to errno values.
package fs

import (
	"errors"
	"os"
	"syscall"

	"fatfuse/internal/fatfs"
	"fatfuse/internal/logging"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")
)

var errnos = []struct {
	kind  error
	errno syscall.Errno
}{
	{fatfs.ErrNotFound, syscall.ENOENT},
	{fatfs.ErrAlreadyExists, syscall.EEXIST},
	{fatfs.ErrNotDir, syscall.ENOTDIR},
	{fatfs.ErrNotFile, syscall.EISDIR},
	{fatfs.ErrNotEmpty, syscall.ENOTEMPTY},
	{fatfs.ErrInvalidArgs, syscall.EINVAL},
	{fatfs.ErrBadState, syscall.EBADF},
	{fatfs.ErrIoDataIntegrity, syscall.EIO},
	{fatfs.ErrExternalFailure, syscall.EIO},
	{fatfs.ErrNoSpace, syscall.ENOSPC},
	{fatfs.ErrAccessDenied, syscall.EROFS},
	{fatfs.ErrNotSupported, syscall.ENOSYS},
	{fatfs.ErrCrossDir, syscall.EXDEV},
}

// ToFuseError converts a core error to the errno FUSE hands back to the
// kernel.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}

	var fsErr *fatfs.Error
	if errors.As(err, &fsErr) {
		errLogger.Trace("Converting core error to FUSE error: %v", fsErr)
	}
	for _, m := range errnos {
		if errors.Is(err, m.kind) {
			return m.errno
		}
	}

	// For errors from outside the core, convert common error types
	errLogger.Trace("Converting standard error to FUSE error: %v", err)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	case errors.Is(err, os.ErrPermission):
		return syscall.EACCES
	default:
		errLogger.Debug("Unknown error type, returning EIO: %v", err)
		return syscall.EIO
	}
}
