package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"fatfuse/internal/fatfs"
	"fatfuse/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	vfsLogger = logging.GetLogger().WithPrefix("vfs")
)

// FS exposes a mounted FAT volume through FUSE.
type FS struct {
	vol  *fatfs.Volume
	conn *fuse.Conn
	srv  *fusefs.Server
	uid  uint32
	gid  uint32

	mu sync.Mutex
	// One FUSE node per core node. Each wrapper owns exactly one pin,
	// released when the kernel forgets the node.
	nodes map[fatfs.Node]fusefs.Node
}

var (
	_ fusefs.FS         = (*FS)(nil)
	_ fusefs.FSStatfser = (*FS)(nil)
	_ fatfs.Watcher     = (*FS)(nil)
)

// New wraps vol and registers for its change notifications.
func New(vol *fatfs.Volume) *FS {
	vfsLogger.Info("Creating FUSE view of volume %016x", vol.ID())

	// Get UID/GID from environment if set
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
			vfsLogger.Debug("Using PUID from environment: %d", uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
			vfsLogger.Debug("Using PGID from environment: %d", gid)
		}
	}

	f := &FS{
		vol:   vol,
		uid:   uid,
		gid:   gid,
		nodes: make(map[fatfs.Node]fusefs.Node),
	}
	root := &Dir{fs: f, node: vol.Root()}
	f.nodes[vol.Root()] = root
	vol.SetWatcher(f)
	return f
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (f *FS) Root() (fusefs.Node, error) {
	vfsLogger.Trace("Getting root directory node")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[f.vol.Root()], nil
}

// Statfs reports volume usage.
func (f *FS) Statfs(_ context.Context, _ *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	info, err := f.vol.QueryFilesystemInfo()
	if err != nil {
		vfsLogger.Error("Statfs failed: %v", err)
		return ToFuseError(err)
	}
	bs := uint64(info.BlockSize)
	if bs == 0 {
		bs = 512
	}
	resp.Bsize = info.BlockSize
	resp.Frsize = info.BlockSize
	resp.Blocks = info.TotalBytes / bs
	resp.Bfree = (info.TotalBytes - info.UsedBytes) / bs
	resp.Bavail = resp.Bfree
	resp.Files = info.TotalNodes
	resp.Ffree = info.TotalNodes - info.UsedNodes
	resp.Namelen = info.MaxFilenameSize
	return nil
}

// wrap returns the FUSE node for n, which must carry a pin taken by the
// caller. If n already has a node the extra pin is released.
func (f *FS) wrap(n fatfs.Node) fusefs.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.nodes[n]; ok {
		n.Forget()
		return existing
	}
	var out fusefs.Node
	switch n := n.(type) {
	case *fatfs.Dir:
		out = &Dir{fs: f, node: n}
	case *fatfs.File:
		out = &File{fs: f, node: n}
	}
	f.nodes[n] = out
	return out
}

// forget drops the FUSE node for n and its pin.
func (f *FS) forget(n fatfs.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[n]; !ok {
		return
	}
	delete(f.nodes, n)
	n.Forget()
}

func (f *FS) lookupNode(n fatfs.Node) fusefs.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[n]
}

// DidAdd invalidates the kernel's entry cache for name in dir.
func (f *FS) DidAdd(dir *fatfs.Dir, name string) {
	f.invalidate(dir, name)
}

// DidRemove invalidates the kernel's entry cache for name in dir.
func (f *FS) DidRemove(dir *fatfs.Dir, name string) {
	f.invalidate(dir, name)
}

func (f *FS) invalidate(dir *fatfs.Dir, name string) {
	parent := f.lookupNode(dir)
	f.mu.Lock()
	srv := f.srv
	f.mu.Unlock()
	if srv == nil || parent == nil {
		return
	}
	// The kernel may be waiting on the request that caused this change,
	// so the notification cannot be sent inline.
	go func() {
		err := srv.InvalidateEntry(parent, name)
		if err != nil && !errors.Is(err, fuse.ErrNotCached) {
			vfsLogger.Debug("Invalidating %q failed: %v", name, err)
		}
	}()
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// MountOptions configures the kernel mount.
type MountOptions struct {
	AllowOther bool
}

// Mount attaches the filesystem at mountPoint. Call Serve to answer
// requests.
func (f *FS) Mount(mountPoint string, opts MountOptions) error {
	vfsLogger.Info("Mounting filesystem")
	vfsLogger.Debug("Mount point: %s", mountPoint)
	vfsLogger.Debug("UID: %d, GID: %d", f.uid, f.gid)

	mountOpts := []fuse.MountOption{
		fuse.FSName(fatfs.FsName),
		fuse.Subtype("fatfuse"),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
	}
	if opts.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}
	if f.vol.ReadOnly() {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}

	vfsLogger.Debug("Mounting with options: %+v", mountOpts)

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}

	if err := waitForMount(mountPoint); err != nil {
		c.Close()
		vfsLogger.Error("Mount point not ready: %v", err)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}

	f.mu.Lock()
	f.conn = c
	f.srv = fusefs.New(c, nil)
	f.mu.Unlock()

	vfsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Serve answers kernel requests until the filesystem is unmounted.
func (f *FS) Serve() error {
	f.mu.Lock()
	srv, conn := f.srv, f.conn
	f.mu.Unlock()
	if srv == nil {
		return errors.New("filesystem is not mounted")
	}
	defer conn.Close()
	if err := srv.Serve(f); err != nil {
		vfsLogger.Error("FUSE server error: %v", err)
		return err
	}
	return nil
}

// Unmount detaches the filesystem from mountPoint.
func (f *FS) Unmount(mountPoint string) error {
	vfsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	f.mu.Lock()
	mounted := f.conn != nil
	f.mu.Unlock()
	if !mounted {
		return nil
	}
	err := fuse.Unmount(mountPoint)
	if err != nil {
		vfsLogger.Error("Unmount failed: %v", err)
	} else {
		vfsLogger.Info("Unmount completed successfully")
	}
	return err
}
