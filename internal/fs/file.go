package fs

import (
	"context"
	"errors"
	"io"
	"syscall"

	"fatfuse/internal/fatfs"
	"fatfuse/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File is the FUSE node of a FAT file.
type File struct {
	fs   *FS
	node *fatfs.File
}

var _ FileInterface = (*File)(nil)

// Attr implements the Node interface, returning the file's attributes.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	fileLogger.Trace("Getting attributes for file: %q", f.node.Name())

	ent, err := f.node.Stat()
	if err != nil {
		fileLogger.Debug("Stat of %q failed: %v", f.node.Name(), err)
		return ToFuseError(err)
	}

	a.Mode = f.fs.perm(0o644)
	a.Size = safeInt64ToUint64(ent.Size)
	a.Mtime = ent.ModTime
	a.Atime = ent.ModTime // FAT access dates have no time part
	a.Ctime = ent.ModTime
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	a.BlockSize = f.fs.vol.BlockSize()
	a.Blocks = safeInt64ToUint64((ent.Size + 511) / 512)

	fileLogger.Trace("File attributes: mode=%v, size=%d, mtime=%v",
		a.Mode, a.Size, a.Mtime)
	return nil
}

// Setattr handles truncation. Mode, owner and time changes are accepted
// and ignored.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		fileLogger.Debug("Truncating %q to %d bytes", f.node.Name(), req.Size)
		if req.Size > uint64(1<<63-1) {
			return syscall.EFBIG
		}
		if err := f.node.Truncate(int64(req.Size)); err != nil {
			fileLogger.Warn("Truncate %q failed: %v", f.node.Name(), err)
			return ToFuseError(err)
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

// Open implements the NodeOpener interface.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	fileLogger.Debug("Opening file %q with flags %v", f.node.Name(), req.Flags)

	if !req.Flags.IsReadOnly() && f.fs.vol.ReadOnly() {
		fileLogger.Warn("Attempted write access on read-only volume: %q", f.node.Name())
		return nil, syscall.EROFS
	}
	if err := f.node.Open(); err != nil {
		fileLogger.Warn("Open %q failed: %v", f.node.Name(), err)
		return nil, ToFuseError(err)
	}
	h := f.newHandle()
	if req.Flags&fuse.OpenTruncate != 0 {
		if err := f.node.Truncate(0); err != nil {
			h.close()
			return nil, ToFuseError(err)
		}
	}

	// The kernel page cache would hide writes made through other names
	resp.Flags |= fuse.OpenDirectIO

	fileLogger.Debug("Successfully opened file %q", f.node.Name())
	return h, nil
}

// Fsync writes the directory entry and flushes the volume.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	fileLogger.Debug("Fsync %q", f.node.Name())
	if err := f.node.Sync(); err != nil {
		fileLogger.Error("Fsync %q failed: %v", f.node.Name(), err)
		return ToFuseError(err)
	}
	return nil
}

// Forget releases the kernel's reference.
func (f *File) Forget() {
	fileLogger.Trace("Forgetting file %q", f.node.Name())
	f.fs.forget(f.node)
}

// newHandle wraps an open reference the caller already holds.
func (f *File) newHandle() *FileHandle {
	return &FileHandle{file: f.node}
}

// FileHandle is an open file. It owns one open reference on the node.
type FileHandle struct {
	file *fatfs.File
}

var _ FileHandleInterface = (*FileHandle)(nil)

// Read implements the HandleReader interface, reading data from the file.
func (fh *FileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fileLogger.Trace("Reading %d bytes from file %q at offset %d",
		req.Size, fh.file.Name(), req.Offset)

	resp.Data = make([]byte, req.Size)
	n, err := fh.file.ReadAt(resp.Data, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		fileLogger.Error("Failed to read from file: %v", err)
		return ToFuseError(err)
	}

	resp.Data = resp.Data[:n]
	fileLogger.Trace("Successfully read %d bytes", n)
	return nil
}

// Write implements the HandleWriter interface.
func (fh *FileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fileLogger.Trace("Writing %d bytes to file %q at offset %d",
		len(req.Data), fh.file.Name(), req.Offset)

	n, err := fh.file.WriteAt(req.Data, req.Offset)
	resp.Size = n
	if err != nil {
		fileLogger.Error("Failed to write to file: %v", err)
		return ToFuseError(err)
	}
	return nil
}

// Flush is called on every close of a descriptor. Data reaches the device
// through the volume's debounced flush.
func (fh *FileHandle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	return nil
}

// Release implements the HandleReleaser interface, dropping the open reference.
func (fh *FileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fileLogger.Debug("Closing file %q", fh.file.Name())
	fh.close()
	return nil
}

func (fh *FileHandle) close() {
	fh.file.CloseRef()
}
