// Package diskfat binds fatlib to github.com/diskfs/go-diskfs.
//
// go-diskfs addresses entries by path. diskfat keeps a small tree of the
// locations that have open handles so that a handle keeps naming its entry
// after the entry or one of its ancestors is renamed. Volume statistics are
// read directly from the boot sector, which go-diskfs does not expose.
//
// go-diskfs limits what the binding can offer:
//
//   - A handle to an entry that was removed or replaced fails with
//     fatlib.ErrNotFound instead of keeping the old contents reachable;
//     go-diskfs frees the clusters immediately.
//   - Renames stay within one directory. A move to another directory fails
//     with fatlib.ErrCrossDir so that callers copy instead.
//   - Entries stored with only an 8.3 name (no long name) cannot be
//     removed, renamed or replaced; such requests fail with
//     fatlib.ErrUnsupported. go-diskfs itself stores names such as
//     "README.TXT" this way.
//   - Renaming over an existing entry removes the entry first and then
//     renames, which is not atomic against a crash in between.
package diskfat

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"fatfuse/internal/fatlib"
	"fatfuse/internal/logging"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

var (
	logger = logging.GetLogger().WithPrefix("diskfat")
	folder = cases.Fold()
)

func key(name string) string {
	return folder.String(name)
}

// FS is a FAT volume on a disk image or block device.
type FS struct {
	disk     *disk.Disk
	fs       filesystem.FileSystem
	dev      *os.File // raw access for boot sector reads and sync
	start    int64    // byte offset of the volume on dev
	readOnly bool
	closed   bool

	root *loc
}

// Open opens the FAT volume in partition of the image or device at
// devPath. Partition 0 selects a volume that spans the whole device.
func Open(devPath string, partition int, readOnly bool) (*FS, error) {
	mode := diskfs.ReadWriteExclusive
	if readOnly {
		mode = diskfs.ReadOnly
	}
	logger.Info("Opening %s partition %d (read-only: %v)", devPath, partition, readOnly)

	d, err := diskfs.Open(devPath, diskfs.WithOpenMode(mode))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", devPath, err)
	}

	var start int64
	if partition > 0 {
		table, err := d.GetPartitionTable()
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("reading partition table of %s: %w", devPath, err)
		}
		parts := table.GetPartitions()
		if partition > len(parts) {
			d.Close()
			return nil, fmt.Errorf("%w: %s has %d partitions, want %d",
				fatlib.ErrNotFound, devPath, len(parts), partition)
		}
		start = parts[partition-1].GetStart()
	}

	fsys, err := d.GetFilesystem(partition)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("reading filesystem on %s: %w", devPath, translate(err))
	}
	if fsys.Type() != filesystem.TypeFat32 {
		d.Close()
		return nil, fmt.Errorf("%w: filesystem type %v", fatlib.ErrUnsupported, fsys.Type())
	}

	dev, err := os.Open(devPath)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("opening %s for raw reads: %w", devPath, err)
	}
	if _, err := readStats(dev, start); err != nil {
		dev.Close()
		d.Close()
		return nil, err
	}

	logger.Info("Opened FAT volume %q at offset %d", strings.TrimSpace(fsys.Label()), start)
	return &FS{
		disk:     d,
		fs:       fsys,
		dev:      dev,
		start:    start,
		readOnly: readOnly,
		root:     &loc{dir: true, children: make(map[string]*loc)},
	}, nil
}

// translate maps go-diskfs errors onto fatlib sentinels where possible.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, filesystem.ErrNotSupported), errors.Is(err, filesystem.ErrNotImplemented):
		return fmt.Errorf("%w: %w", fatlib.ErrUnsupported, err)
	case errors.Is(err, filesystem.ErrReadonlyFilesystem):
		return fmt.Errorf("%w: %w", fatlib.ErrReadOnly, err)
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", fatlib.ErrNotFound, err)
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("%w: %w", fatlib.ErrExist, err)
	}
	return err
}

func (f *FS) check() error {
	if f.closed {
		return fatlib.ErrClosed
	}
	return nil
}

func (f *FS) checkWrite() error {
	if err := f.check(); err != nil {
		return err
	}
	if f.readOnly {
		return fatlib.ErrReadOnly
	}
	return nil
}

// Root implements fatlib.FileSystem.
func (f *FS) Root() (fatlib.Dir, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.root.refs++
	return &dirHandle{handle: handle{fs: f, loc: f.root}}, nil
}

// Stats implements fatlib.FileSystem.
func (f *FS) Stats() (fatlib.Stats, error) {
	if err := f.check(); err != nil {
		return fatlib.Stats{}, err
	}
	return readStats(f.dev, f.start)
}

// Flush implements fatlib.FileSystem. go-diskfs writes through, so only
// the device needs syncing.
func (f *FS) Flush() error {
	if err := f.check(); err != nil {
		return err
	}
	if f.readOnly {
		return nil
	}
	return f.dev.Sync()
}

// Unmount implements fatlib.FileSystem.
func (f *FS) Unmount() error {
	if err := f.check(); err != nil {
		return err
	}
	f.closed = true

	var errs []error
	if !f.readOnly {
		if err := f.dev.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
	}
	if err := f.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := f.disk.Close(); err != nil {
		errs = append(errs, err)
	}
	logger.Info("Closed FAT volume")
	return errors.Join(errs...)
}

// loc is a location in the directory tree that handles refer to. Only
// locations with handles, or with descendants that have handles, exist.
type loc struct {
	parent   *loc
	name     string
	dir      bool
	children map[string]*loc
	refs     int
	gone     bool // removed or replaced on disk
}

func (l *loc) path() string {
	if l.parent == nil {
		return "/"
	}
	return path.Join(l.parent.path(), l.name)
}

func (l *loc) childPath(name string) string {
	return path.Join(l.path(), name)
}

func (l *loc) acquire(name string, dir bool) *loc {
	k := key(name)
	c, ok := l.children[k]
	if !ok {
		c = &loc{parent: l, name: name, dir: dir}
		if dir {
			c.children = make(map[string]*loc)
		}
		l.children[k] = c
	}
	c.refs++
	return c
}

// release drops a reference and prunes unreferenced locations.
func (l *loc) release() {
	l.refs--
	for n := l; n.parent != nil && n.refs == 0 && len(n.children) == 0; n = n.parent {
		if n.parent.children[key(n.name)] == n {
			delete(n.parent.children, key(n.name))
		}
	}
}

// moveChild relinks the location for name, if any, to dstName under dst,
// and marks a location it replaces as gone.
func (l *loc) moveChild(name string, dst *loc, dstName string) {
	if old, ok := dst.children[key(dstName)]; ok && old != l.children[key(name)] {
		old.markGone()
		delete(dst.children, key(dstName))
	}
	c, ok := l.children[key(name)]
	if !ok {
		return
	}
	delete(l.children, key(name))
	c.parent = dst
	c.name = dstName
	dst.children[key(dstName)] = c
}

func (l *loc) removeChild(name string) {
	if c, ok := l.children[key(name)]; ok {
		c.markGone()
		delete(l.children, key(name))
	}
}

func (l *loc) markGone() {
	l.gone = true
	for _, c := range l.children {
		c.markGone()
	}
}

type handle struct {
	fs     *FS
	loc    *loc
	closed bool
}

func (h *handle) check() error {
	if h.closed {
		return fatlib.ErrClosed
	}
	if err := h.fs.check(); err != nil {
		return err
	}
	if h.loc.gone {
		return fmt.Errorf("%w: %q was removed", fatlib.ErrNotFound, h.loc.name)
	}
	return nil
}

func (h *handle) Stat() (fatlib.Entry, error) {
	if err := h.check(); err != nil {
		return fatlib.Entry{}, err
	}
	if h.loc.parent == nil {
		return fatlib.Entry{IsDir: true}, nil
	}
	return h.fs.find(h.loc.parent, h.loc.name)
}

// FlushEntry is a no-op: go-diskfs rewrites directory entries on every
// change.
func (h *handle) FlushEntry() error {
	return h.check()
}

func (h *handle) release() error {
	if h.closed {
		return fatlib.ErrClosed
	}
	h.closed = true
	h.loc.release()
	return nil
}

func toEntry(fi os.FileInfo) fatlib.Entry {
	return fatlib.Entry{
		Name:    fi.Name(),
		IsDir:   fi.IsDir(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
}

func (f *FS) list(dir *loc) ([]os.FileInfo, error) {
	infos, err := f.fs.ReadDir(dir.path())
	if err != nil {
		return nil, translate(err)
	}
	out := infos[:0]
	for _, fi := range infos {
		if n := fi.Name(); n == "." || n == ".." {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}

func (f *FS) find(dir *loc, name string) (fatlib.Entry, error) {
	fi, err := f.lookup(dir, name)
	if err != nil {
		return fatlib.Entry{}, err
	}
	return toEntry(fi), nil
}

func (f *FS) lookup(dir *loc, name string) (os.FileInfo, error) {
	infos, err := f.list(dir)
	if err != nil {
		return nil, err
	}
	k := key(name)
	for _, fi := range infos {
		if key(fi.Name()) == k {
			return fi, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", fatlib.ErrNotFound, name)
}

// shortOnly reports whether fi has no long name. go-diskfs falls back to
// the 8.3 name in Name() and matches entries for removal and renaming by
// long name only.
func shortOnly(fi os.FileInfo) bool {
	s, ok := fi.(interface{ ShortName() string })
	return ok && fi.Name() == s.ShortName()
}

// mutable looks up name in dir for an operation that rewrites its entry.
func (f *FS) mutable(dir *loc, name string) (os.FileInfo, error) {
	fi, err := f.lookup(dir, name)
	if err != nil {
		return nil, err
	}
	if shortOnly(fi) {
		return nil, fmt.Errorf("%w: %q has no long name", fatlib.ErrUnsupported, fi.Name())
	}
	return fi, nil
}

type dirHandle struct {
	handle
}

var _ fatlib.Dir = (*dirHandle)(nil)

func (d *dirHandle) Close() error {
	return d.release()
}

func (d *dirHandle) Find(name string) (fatlib.Entry, error) {
	if err := d.check(); err != nil {
		return fatlib.Entry{}, err
	}
	return d.fs.find(d.loc, name)
}

func (d *dirHandle) Entries() ([]fatlib.Entry, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	infos, err := d.fs.list(d.loc)
	if err != nil {
		return nil, err
	}
	out := make([]fatlib.Entry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, toEntry(fi))
	}
	return out, nil
}

func (d *dirHandle) OpenDir(name string) (fatlib.Dir, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	ent, err := d.fs.find(d.loc, name)
	if err != nil {
		return nil, err
	}
	if !ent.IsDir {
		return nil, fmt.Errorf("%w: %q", fatlib.ErrNotDir, name)
	}
	return &dirHandle{handle: handle{fs: d.fs, loc: d.loc.acquire(ent.Name, true)}}, nil
}

func (d *dirHandle) OpenFile(name string) (fatlib.File, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	ent, err := d.fs.find(d.loc, name)
	if err != nil {
		return nil, err
	}
	if ent.IsDir {
		return nil, fmt.Errorf("%w: %q", fatlib.ErrIsDir, name)
	}
	return d.openFile(ent, 0)
}

func (d *dirHandle) openFile(ent fatlib.Entry, extra int) (*fileHandle, error) {
	flag := os.O_RDWR
	if d.fs.readOnly {
		flag = os.O_RDONLY
	}
	l := d.loc.acquire(ent.Name, false)
	f, err := d.fs.fs.OpenFile(l.path(), flag|extra)
	if err != nil {
		l.release()
		return nil, translate(err)
	}
	return &fileHandle{handle: handle{fs: d.fs, loc: l}, f: f, size: ent.Size}, nil
}

func (d *dirHandle) prepareCreate(name string) error {
	if err := d.check(); err != nil {
		return err
	}
	if err := d.fs.checkWrite(); err != nil {
		return err
	}
	if _, err := d.fs.find(d.loc, name); err == nil {
		return fmt.Errorf("%w: %q", fatlib.ErrExist, name)
	} else if !errors.Is(err, fatlib.ErrNotFound) {
		return err
	}
	return nil
}

func (d *dirHandle) CreateDir(name string) (fatlib.Dir, error) {
	if err := d.prepareCreate(name); err != nil {
		return nil, err
	}
	if err := d.fs.fs.Mkdir(d.loc.childPath(name)); err != nil {
		return nil, translate(err)
	}
	return &dirHandle{handle: handle{fs: d.fs, loc: d.loc.acquire(name, true)}}, nil
}

func (d *dirHandle) CreateFile(name string) (fatlib.File, error) {
	if err := d.prepareCreate(name); err != nil {
		return nil, err
	}
	return d.openFile(fatlib.Entry{Name: name}, os.O_CREATE)
}

func (d *dirHandle) Remove(name string) error {
	if err := d.check(); err != nil {
		return err
	}
	if err := d.fs.checkWrite(); err != nil {
		return err
	}
	fi, err := d.fs.mutable(d.loc, name)
	if err != nil {
		return err
	}
	return d.fs.remove(d.loc, fi)
}

func (f *FS) remove(dir *loc, fi os.FileInfo) error {
	name := fi.Name()
	if fi.IsDir() {
		if err := f.checkEmpty(dir, name); err != nil {
			return err
		}
	}
	if err := f.fs.Remove(dir.childPath(name)); err != nil {
		return translate(err)
	}
	dir.removeChild(name)
	return nil
}

func (f *FS) checkEmpty(dir *loc, name string) error {
	infos, err := f.fs.ReadDir(dir.childPath(name))
	if err != nil {
		return translate(err)
	}
	for _, fi := range infos {
		if n := fi.Name(); n != "." && n != ".." {
			return fmt.Errorf("%w: %q", fatlib.ErrNotEmpty, name)
		}
	}
	return nil
}

func (d *dirHandle) target(dst fatlib.Dir) (*dirHandle, error) {
	t, ok := dst.(*dirHandle)
	if !ok || t.fs != d.fs {
		return nil, fmt.Errorf("%w: destination directory from another volume", fatlib.ErrInvalid)
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	return t, nil
}

func (d *dirHandle) prepareRename(name string, dst fatlib.Dir) (fatlib.Entry, *dirHandle, error) {
	if err := d.check(); err != nil {
		return fatlib.Entry{}, nil, err
	}
	if err := d.fs.checkWrite(); err != nil {
		return fatlib.Entry{}, nil, err
	}
	fi, err := d.fs.mutable(d.loc, name)
	if err != nil {
		return fatlib.Entry{}, nil, err
	}
	ent := toEntry(fi)
	t, err := d.target(dst)
	if err != nil {
		return fatlib.Entry{}, nil, err
	}
	if ent.IsDir {
		for p := t.loc; p != nil; p = p.parent {
			if p.parent == d.loc && key(p.name) == key(ent.Name) {
				return fatlib.Entry{}, nil, fmt.Errorf("%w: cannot move %q below itself", fatlib.ErrInvalid, ent.Name)
			}
		}
	}
	if t.loc != d.loc {
		return fatlib.Entry{}, nil, fmt.Errorf("%w: %q to %s", fatlib.ErrCrossDir, ent.Name, t.loc.path())
	}
	return ent, t, nil
}

func (d *dirHandle) move(ent fatlib.Entry, t *dirHandle, dstName string) error {
	if err := d.fs.fs.Rename(d.loc.childPath(ent.Name), t.loc.childPath(dstName)); err != nil {
		return translate(err)
	}
	d.loc.moveChild(ent.Name, t.loc, dstName)
	return nil
}

func (d *dirHandle) Rename(name string, dst fatlib.Dir, dstName string) error {
	ent, t, err := d.prepareRename(name, dst)
	if err != nil {
		return err
	}
	existing, err := d.fs.find(t.loc, dstName)
	switch {
	case errors.Is(err, fatlib.ErrNotFound):
		return d.move(ent, t, dstName)
	case err != nil:
		return err
	case key(existing.Name) != key(ent.Name):
		return fmt.Errorf("%w: %q", fatlib.ErrExist, dstName)
	}

	// Case-only rename, stepped through a temporary name. The name needs a
	// non-empty 8.3 form or go-diskfs writes a blank short entry.
	tmp := "fatfuse-" + uuid.NewString()[:8] + ".tmp"
	if err := d.move(ent, d, tmp); err != nil {
		return err
	}
	return d.move(fatlib.Entry{Name: tmp, IsDir: ent.IsDir}, d, dstName)
}

func (d *dirHandle) RenameOverFile(name string, dst fatlib.Dir, dstName string, existing fatlib.File) error {
	ent, t, err := d.prepareRename(name, dst)
	if err != nil {
		return err
	}
	if err := t.checkExisting(existing, dstName); err != nil {
		return err
	}
	if ent.IsDir {
		return fmt.Errorf("%w: %q", fatlib.ErrNotDir, dstName)
	}
	return d.replace(ent, t, dstName)
}

func (d *dirHandle) RenameOverDir(name string, dst fatlib.Dir, dstName string, existing fatlib.Dir) error {
	ent, t, err := d.prepareRename(name, dst)
	if err != nil {
		return err
	}
	if err := t.checkExisting(existing, dstName); err != nil {
		return err
	}
	if !ent.IsDir {
		return fmt.Errorf("%w: %q", fatlib.ErrIsDir, dstName)
	}
	return d.replace(ent, t, dstName)
}

// replace removes the existing dstName in t and moves ent there. A plain
// go-diskfs rename over an entry without a long name keeps both entries.
func (d *dirHandle) replace(ent fatlib.Entry, t *dirHandle, dstName string) error {
	old, err := d.fs.mutable(t.loc, dstName)
	if err != nil {
		return err
	}
	switch {
	case key(old.Name()) == key(ent.Name):
		return fmt.Errorf("%w: %q would replace itself", fatlib.ErrInvalid, ent.Name)
	case old.IsDir() != ent.IsDir:
		return fmt.Errorf("%w: %q changed kind", fatlib.ErrInvalid, old.Name())
	}
	if err := d.fs.remove(t.loc, old); err != nil {
		return err
	}
	return d.move(ent, t, dstName)
}

// checkExisting verifies that h is open on dstName in d.
func (d *dirHandle) checkExisting(h fatlib.Handle, dstName string) error {
	var l *loc
	switch e := h.(type) {
	case *fileHandle:
		l = e.loc
	case *dirHandle:
		l = e.loc
	}
	if l == nil || l.parent != d.loc || key(l.name) != key(dstName) {
		return fmt.Errorf("%w: %q is not the destination entry", fatlib.ErrInvalid, dstName)
	}
	return nil
}

type fileHandle struct {
	handle
	f    filesystem.File
	size int64
}

var _ fatlib.File = (*fileHandle)(nil)

func (h *fileHandle) Close() error {
	if err := h.release(); err != nil {
		return err
	}
	return h.f.Close()
}

func (h *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", fatlib.ErrInvalid)
	}
	if off >= h.size {
		return 0, io.EOF
	}
	if _, err := h.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	if rem := h.size - off; int64(len(p)) > rem {
		n, err := io.ReadFull(h.f, p[:rem])
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return io.ReadFull(h.f, p)
}

func (h *fileHandle) WriteAt(p []byte, off int64) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	if err := h.fs.checkWrite(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", fatlib.ErrInvalid)
	}
	if off > h.size {
		if err := h.extend(off); err != nil {
			return 0, err
		}
	}
	if _, err := h.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := h.f.Write(p)
	if end := off + int64(n); end > h.size {
		h.size = end
	}
	return n, translate(err)
}

// extend zero-fills the file up to size.
func (h *fileHandle) extend(size int64) error {
	if _, err := h.f.Seek(h.size, io.SeekStart); err != nil {
		return err
	}
	zeros := make([]byte, 32*1024)
	for h.size < size {
		chunk := zeros
		if rem := size - h.size; rem < int64(len(chunk)) {
			chunk = chunk[:rem]
		}
		n, err := h.f.Write(chunk)
		h.size += int64(n)
		if err != nil {
			return translate(err)
		}
	}
	return nil
}

// Truncate grows by zero-filling and shrinks only to zero, by reopening
// with O_TRUNC. go-diskfs cannot release part of a cluster chain.
func (h *fileHandle) Truncate(size int64) error {
	if err := h.check(); err != nil {
		return err
	}
	if err := h.fs.checkWrite(); err != nil {
		return err
	}
	switch {
	case size < 0:
		return fmt.Errorf("%w: negative size", fatlib.ErrInvalid)
	case size == h.size:
		return nil
	case size > h.size:
		return h.extend(size)
	case size != 0:
		return fmt.Errorf("%w: shrinking to %d bytes", fatlib.ErrUnsupported, size)
	}

	f, err := h.fs.fs.OpenFile(h.loc.path(), os.O_RDWR|os.O_TRUNC)
	if err != nil {
		return translate(err)
	}
	if err := h.f.Close(); err != nil {
		logger.Warn("Closing %s before truncate: %v", h.loc.path(), err)
	}
	h.f = f
	h.size = 0
	return nil
}

func (h *fileHandle) Size() int64 {
	return h.size
}
