package fs

import (
	"context"
	"errors"
	"os"
	"syscall"

	"fatfuse/internal/fatfs"
	"fatfuse/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir is the FUSE node of a FAT directory.
type Dir struct {
	fs   *FS
	node *fatfs.Dir
}

var _ Directory = (*Dir)(nil)

func (d *Dir) isRoot() bool {
	return d.node == d.fs.vol.Root()
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory: %q", d.node.Name())

	ent, err := d.node.Stat()
	if err != nil {
		dirLogger.Debug("Stat of %q failed: %v", d.node.Name(), err)
		return ToFuseError(err)
	}
	a.Mode = os.ModeDir | d.fs.perm(0o755)
	a.Mtime = ent.ModTime
	a.Ctime = ent.ModTime
	a.Atime = ent.ModTime
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.BlockSize = d.fs.vol.BlockSize()
	return nil
}

// Setattr accepts attribute changes on directories and reports the
// current attributes. FAT directories have no mode or owner to change.
func (d *Dir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	dirLogger.Trace("Setattr on directory %q (valid=%v)", d.node.Name(), req.Valid)
	return d.Attr(ctx, &resp.Attr)
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %q", name, d.node.Name())

	n, err := d.node.Lookup(name)
	if err != nil {
		if errors.Is(err, fatfs.ErrNotFound) {
			dirLogger.Trace("Path not found: %q", name)
		} else {
			dirLogger.Warn("Lookup of %q failed: %v", name, err)
		}
		return nil, ToFuseError(err)
	}
	return d.fs.wrap(n), nil
}

// ReadDirAll implements the HandleReadDirAller interface, listing directory contents.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory contents: %q", d.node.Name())

	ents, err := d.node.Entries()
	if err != nil {
		dirLogger.Warn("Reading %q failed: %v", d.node.Name(), err)
		return nil, ToFuseError(err)
	}

	entries := make([]fuse.Dirent, 0, len(ents)+2)
	entries = append(entries, fuse.Dirent{Name: ".", Type: fuse.DT_Dir})
	entries = append(entries, fuse.Dirent{Name: "..", Type: fuse.DT_Dir})
	for _, e := range ents {
		typ := fuse.DT_File
		if e.IsDir {
			typ = fuse.DT_Dir
		}
		entries = append(entries, fuse.Dirent{Name: e.Name, Type: typ})
	}

	dirLogger.Debug("Directory %q contains %d entries", d.node.Name(), len(entries))
	return entries, nil
}

// Mkdir implements the NodeMkdirer interface.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	dirLogger.Info("Creating new directory %q in %q", req.Name, d.node.Name())

	sub, err := d.node.Mkdir(req.Name)
	if err != nil {
		dirLogger.Warn("Mkdir %q failed: %v", req.Name, err)
		return nil, ToFuseError(err)
	}
	return d.fs.wrap(sub), nil
}

// Create implements the NodeCreater interface. Without O_EXCL an existing
// file is opened instead.
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	dirLogger.Info("Creating file %q in %q", req.Name, d.node.Name())

	f, err := d.node.CreateFile(req.Name)
	if errors.Is(err, fatfs.ErrAlreadyExists) && req.Flags&fuse.OpenExclusive == 0 {
		dirLogger.Debug("File %q exists, opening it", req.Name)
		node, lerr := d.Lookup(ctx, req.Name)
		if lerr != nil {
			return nil, nil, lerr
		}
		file, ok := node.(*File)
		if !ok {
			return nil, nil, syscall.EISDIR
		}
		h, oerr := file.Open(ctx, &fuse.OpenRequest{Flags: req.Flags}, &resp.OpenResponse)
		if oerr != nil {
			return nil, nil, oerr
		}
		return file, h, nil
	}
	if err != nil {
		dirLogger.Warn("Create %q failed: %v", req.Name, err)
		return nil, nil, ToFuseError(err)
	}

	node := d.fs.wrap(f).(*File)
	resp.Flags |= fuse.OpenDirectIO
	return node, node.newHandle(), nil
}

// Remove implements the NodeRemover interface, removing a file or directory.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	dirLogger.Info("Removing %q from directory %q (isDir=%v)",
		req.Name, d.node.Name(), req.Dir)

	if err := d.node.Unlink(req.Name, req.Dir); err != nil {
		dirLogger.Warn("Remove %q failed: %v", req.Name, err)
		return ToFuseError(err)
	}
	return nil
}

// Rename implements the NodeRenamer interface, renaming/moving a file or directory.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	dirLogger.Info("Renaming %q to %q", req.OldName, req.NewName)

	target, ok := newDir.(*Dir)
	if !ok {
		dirLogger.Error("Target is not a valid directory type")
		return syscall.EINVAL
	}

	if err := d.fs.vol.Rename(d.node, req.OldName, target.node, req.NewName); err != nil {
		dirLogger.Warn("Rename %q -> %q failed: %v", req.OldName, req.NewName, err)
		return ToFuseError(err)
	}
	return nil
}

// Forget releases the kernel's reference.
func (d *Dir) Forget() {
	if d.isRoot() {
		return
	}
	dirLogger.Trace("Forgetting directory %q", d.node.Name())
	d.fs.forget(d.node)
}
