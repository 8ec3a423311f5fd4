package fatfs

import (
	"fmt"
	"io"
	"sort"

	"fatfuse/internal/fatlib"
	"fatfuse/internal/logging"
)

var nodeLogger = logging.GetLogger().WithPrefix("node")

// Node is a cached directory or file. A node's on-disk handle exists only
// while its open count is positive; the node itself stays cached while it
// is open, pinned, or has cached children.
type Node interface {
	// Name returns the on-disk name, case preserved.
	Name() string
	IsDir() bool
	Stat() (fatlib.Entry, error)
	// CloseRef releases one open reference. It takes the volume lock and
	// must not be called while holding it.
	CloseRef()
	// Forget releases one pin taken by Lookup, Mkdir or CreateFile.
	Forget()

	base() *node
	materialize(l *Locked) error
	detach()
	handleStat() (fatlib.Entry, error)
	flushEntry() error
}

type node struct {
	vol     *Volume
	parent  *Dir
	name    string
	opens   int
	pins    int
	deleted bool // dentry removed while references remained
}

func (n *node) base() *node {
	return n
}

func (n *node) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: n.name, Err: translate(err)}
}

// openRef takes an open reference on n, materializing its handle (and its
// parent's) on the first reference.
func openRef(l *Locked, n Node) error {
	b := n.base()
	if b.opens > 0 {
		b.opens++
		return nil
	}
	if b.deleted {
		return fmt.Errorf("%w: %q was removed", ErrNotFound, b.name)
	}
	if b.parent == nil {
		return fmt.Errorf("%w: root directory is closed", ErrBadState)
	}
	if err := openRef(l, b.parent); err != nil {
		return err
	}
	if err := n.materialize(l); err != nil {
		closeRefLocked(b.parent)
		return err
	}
	b.opens = 1
	l.v.live[n] = struct{}{}
	nodeLogger.Trace("Materialized %q", b.name)
	return nil
}

// closeRefLocked drops one open reference, detaching the handle and the
// parent reference on the last one.
func closeRefLocked(n Node) {
	b := n.base()
	if b.opens == 0 {
		nodeLogger.Warn("Open count underflow on %q", b.name)
		return
	}
	b.opens--
	if b.opens > 0 {
		return
	}
	n.detach()
	delete(b.vol.live, n)
	evict(n)
	if b.parent != nil {
		closeRefLocked(b.parent)
	}
}

// evict drops n from its parent's cache once nothing references it, then
// does the same for the parent. A deleted node is already out of the
// cache, so only its parent is considered.
func evict(n Node) {
	for {
		b := n.base()
		if b.parent == nil {
			return
		}
		if !b.deleted {
			if b.opens > 0 || b.pins > 0 {
				return
			}
			if d, ok := n.(*Dir); ok && len(d.children) > 0 {
				return
			}
			k := foldName(b.name)
			if b.parent.children[k] == n {
				delete(b.parent.children, k)
			}
		}
		n = b.parent
	}
}

func (v *Volume) closeRef(n Node) {
	v.mu.Lock()
	defer v.mu.Unlock()
	closeRefLocked(n)
}

func (v *Volume) forget(n Node) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b := n.base()
	if b.pins == 0 {
		nodeLogger.Warn("Pin count underflow on %q", b.name)
		return
	}
	b.pins--
	evict(n)
}

func (v *Volume) name(n *node) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return n.name
}

// OpenRef takes an open reference on n. Release it with n.CloseRef.
func (v *Volume) OpenRef(n Node) error {
	err := v.WithLock(func(l *Locked) error {
		return n.base().wrap(OpOpen, openRef(l, n))
	})
	return newError(OpOpen, "", err)
}

func (v *Volume) stat(n Node) (fatlib.Entry, error) {
	var ent fatlib.Entry
	err := v.do(OpStat, "", func(l *Locked, c *Closer) error {
		b := n.base()
		if b.opens > 0 {
			var err error
			ent, err = n.handleStat()
			return b.wrap(OpStat, err)
		}
		if b.deleted {
			return b.wrap(OpStat, fmt.Errorf("%w: %q was removed", ErrNotFound, b.name))
		}
		if err := c.Open(l, b.parent); err != nil {
			return b.wrap(OpStat, err)
		}
		var err error
		ent, err = b.parent.handle.Find(b.name)
		return b.wrap(OpStat, err)
	})
	return ent, err
}

// Dir is a cached directory.
type Dir struct {
	node
	handle   fatlib.Dir
	children map[string]Node // keyed by folded name
}

var _ Node = (*Dir)(nil)

func newDir(v *Volume, parent *Dir, name string) *Dir {
	return &Dir{
		node:     node{vol: v, parent: parent, name: name},
		children: make(map[string]Node),
	}
}

func (d *Dir) Name() string                { return d.vol.name(&d.node) }
func (d *Dir) IsDir() bool                 { return true }
func (d *Dir) Stat() (fatlib.Entry, error) { return d.vol.stat(d) }
func (d *Dir) CloseRef()                   { d.vol.closeRef(d) }
func (d *Dir) Forget()                     { d.vol.forget(d) }

func (d *Dir) materialize(_ *Locked) error {
	h, err := d.parent.handle.OpenDir(d.name)
	if err != nil {
		return err
	}
	d.handle = h
	return nil
}

func (d *Dir) detach() {
	if d.handle == nil {
		return
	}
	if err := d.handle.Close(); err != nil {
		nodeLogger.Warn("Closing directory %q: %v", d.name, err)
	}
	d.handle = nil
}

func (d *Dir) handleStat() (fatlib.Entry, error) { return d.handle.Stat() }
func (d *Dir) flushEntry() error                 { return d.handle.FlushEntry() }

// cacheGet returns the cached node for name without opening it.
func (d *Dir) cacheGet(name string) Node {
	return d.children[foldName(name)]
}

// findChild looks name up on disk without creating a node. d must be open.
func (d *Dir) findChild(name string) (fatlib.Entry, error) {
	return d.handle.Find(name)
}

// child returns the cached node for ent, creating it if needed.
func (d *Dir) child(ent fatlib.Entry) Node {
	if n := d.cacheGet(ent.Name); n != nil {
		return n
	}
	var n Node
	if ent.IsDir {
		n = newDir(d.vol, d, ent.Name)
	} else {
		n = newFile(d.vol, d, ent.Name)
	}
	d.children[foldName(ent.Name)] = n
	return n
}

// didAdd records that name now exists in d, caching n under it if given,
// and queues a watch notification.
func (d *Dir) didAdd(l *Locked, c *Closer, name string, n Node) {
	if n != nil {
		d.children[foldName(name)] = n
	}
	if w := l.v.watcher; w != nil {
		c.Defer(func() { w.DidAdd(d, name) })
	}
}

// didRemove records that name no longer exists in d and queues a watch
// notification.
func (d *Dir) didRemove(l *Locked, c *Closer, name string) {
	delete(d.children, foldName(name))
	if w := l.v.watcher; w != nil {
		c.Defer(func() { w.DidRemove(d, name) })
	}
}

func (v *Volume) checkWritable() error {
	if v.readOnly {
		return fmt.Errorf("%w: volume is read-only", ErrAccessDenied)
	}
	return nil
}

// Lookup resolves name in d. The returned node is pinned; release it with
// Forget.
func (d *Dir) Lookup(name string) (Node, error) {
	var out Node
	err := d.vol.do(OpLookup, name, func(l *Locked, c *Closer) error {
		name, mustDir, err := parseName(name)
		if err != nil {
			return err
		}
		if n := d.cacheGet(name); n != nil {
			if mustDir && !n.IsDir() {
				return fmt.Errorf("%w: %q", ErrNotDir, n.base().name)
			}
			n.base().pins++
			out = n
			return nil
		}
		if err := c.Open(l, d); err != nil {
			return err
		}
		ent, err := d.findChild(name)
		if err != nil {
			return err
		}
		if mustDir && !ent.IsDir {
			return fmt.Errorf("%w: %q", ErrNotDir, ent.Name)
		}
		out = d.child(ent)
		out.base().pins++
		return nil
	})
	return out, err
}

// Entries lists d.
func (d *Dir) Entries() ([]fatlib.Entry, error) {
	var out []fatlib.Entry
	err := d.vol.do(OpReadDir, "", func(l *Locked, c *Closer) error {
		if err := c.Open(l, d); err != nil {
			return d.wrap(OpReadDir, err)
		}
		var err error
		out, err = d.handle.Entries()
		return d.wrap(OpReadDir, err)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// Mkdir creates a subdirectory. The returned directory is pinned.
func (d *Dir) Mkdir(name string) (*Dir, error) {
	var out *Dir
	err := d.vol.do(OpMkdir, name, func(l *Locked, c *Closer) error {
		if err := d.vol.checkWritable(); err != nil {
			return err
		}
		name, _, err := parseName(name)
		if err != nil {
			return err
		}
		if err := c.Open(l, d); err != nil {
			return err
		}
		h, err := d.handle.CreateDir(name)
		if err != nil {
			return err
		}
		if err := h.Close(); err != nil {
			nodeLogger.Warn("Closing new directory %q: %v", name, err)
		}
		l.MarkDirty()

		out = newDir(d.vol, d, name)
		out.pins = 1
		d.didAdd(l, c, name, out)
		return nil
	})
	return out, err
}

// CreateFile creates an empty file. The returned file is pinned and holds
// one open reference; release them with Forget and CloseRef.
func (d *Dir) CreateFile(name string) (*File, error) {
	var out *File
	err := d.vol.do(OpCreate, name, func(l *Locked, c *Closer) error {
		if err := d.vol.checkWritable(); err != nil {
			return err
		}
		name, mustDir, err := parseName(name)
		if err != nil {
			return err
		}
		if mustDir {
			return fmt.Errorf("%w: %q names a directory", ErrNotDir, name)
		}
		if err := c.Open(l, d); err != nil {
			return err
		}
		h, err := d.handle.CreateFile(name)
		if err != nil {
			return err
		}
		l.MarkDirty()

		out = newFile(d.vol, d, name)
		out.handle = h
		out.opens = 1
		out.pins = 1
		d.opens++ // the new file's reference on its parent
		l.v.live[out] = struct{}{}
		d.didAdd(l, c, name, out)
		return nil
	})
	return out, err
}

// Unlink removes name from d. wantDir selects rmdir semantics.
func (d *Dir) Unlink(name string, wantDir bool) error {
	return d.vol.do(OpRemove, name, func(l *Locked, c *Closer) error {
		if err := d.vol.checkWritable(); err != nil {
			return err
		}
		name, mustDir, err := parseName(name)
		if err != nil {
			return err
		}
		wantDir = wantDir || mustDir
		if err := c.Open(l, d); err != nil {
			return err
		}
		ent, err := d.findChild(name)
		if err != nil {
			return err
		}
		switch {
		case wantDir && !ent.IsDir:
			return fmt.Errorf("%w: %q", ErrNotDir, ent.Name)
		case !wantDir && ent.IsDir:
			return fmt.Errorf("%w: %q is a directory", ErrNotFile, ent.Name)
		}
		if err := d.handle.Remove(ent.Name); err != nil {
			return err
		}
		l.MarkDirty()

		if n := d.cacheGet(ent.Name); n != nil {
			n.base().deleted = true
		}
		d.didRemove(l, c, ent.Name)
		return nil
	})
}

// File is a cached regular file.
type File struct {
	node
	handle fatlib.File
}

var _ Node = (*File)(nil)

func newFile(v *Volume, parent *Dir, name string) *File {
	return &File{node: node{vol: v, parent: parent, name: name}}
}

func (f *File) Name() string                { return f.vol.name(&f.node) }
func (f *File) IsDir() bool                 { return false }
func (f *File) Stat() (fatlib.Entry, error) { return f.vol.stat(f) }
func (f *File) CloseRef()                   { f.vol.closeRef(f) }
func (f *File) Forget()                     { f.vol.forget(f) }

// Open takes an open reference. Release it with CloseRef.
func (f *File) Open() error {
	return f.vol.OpenRef(f)
}

func (f *File) materialize(_ *Locked) error {
	h, err := f.parent.handle.OpenFile(f.name)
	if err != nil {
		return err
	}
	f.handle = h
	return nil
}

func (f *File) detach() {
	if f.handle == nil {
		return
	}
	if err := f.handle.Close(); err != nil {
		nodeLogger.Warn("Closing file %q: %v", f.name, err)
	}
	f.handle = nil
}

func (f *File) handleStat() (fatlib.Entry, error) { return f.handle.Stat() }
func (f *File) flushEntry() error                 { return f.handle.FlushEntry() }

func (f *File) checkOpen() error {
	if f.opens == 0 || f.handle == nil {
		return fmt.Errorf("%w: %q is not open", ErrBadState, f.name)
	}
	return nil
}

// ReadAt reads from an open file. It returns io.EOF when fewer than
// len(p) bytes remain.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	var (
		n   int
		eof bool
	)
	err := f.vol.do(OpRead, "", func(l *Locked, c *Closer) error {
		if err := f.checkOpen(); err != nil {
			return f.wrap(OpRead, err)
		}
		var err error
		n, err = f.handle.ReadAt(p, off)
		if err == io.EOF {
			eof = true
			return nil
		}
		return f.wrap(OpRead, err)
	})
	if err == nil && eof {
		return n, io.EOF
	}
	return n, err
}

// WriteAt writes to an open file.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	var n int
	err := f.vol.do(OpWrite, "", func(l *Locked, c *Closer) error {
		if err := f.checkOpen(); err != nil {
			return f.wrap(OpWrite, err)
		}
		if err := f.vol.checkWritable(); err != nil {
			return f.wrap(OpWrite, err)
		}
		var err error
		n, err = f.handle.WriteAt(p, off)
		if n > 0 {
			l.MarkDirty()
		}
		return f.wrap(OpWrite, err)
	})
	return n, err
}

// Truncate resizes the file, opening it for the duration if needed.
func (f *File) Truncate(size int64) error {
	return f.vol.do(OpTrunc, "", func(l *Locked, c *Closer) error {
		if err := f.vol.checkWritable(); err != nil {
			return f.wrap(OpTrunc, err)
		}
		if err := c.Open(l, f); err != nil {
			return f.wrap(OpTrunc, err)
		}
		if err := f.handle.Truncate(size); err != nil {
			return f.wrap(OpTrunc, err)
		}
		l.MarkDirty()
		return nil
	})
}

// Sync writes the file's directory entry and flushes the volume.
func (f *File) Sync() error {
	err := f.vol.WithLock(func(l *Locked) error {
		if f.handle == nil {
			return nil
		}
		return f.wrap(OpSync, f.handle.FlushEntry())
	})
	if err != nil {
		return newError(OpSync, "", err)
	}
	return f.vol.Sync()
}
