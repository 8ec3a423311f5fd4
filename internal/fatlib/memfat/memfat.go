// Package memfat is an in-memory fatlib implementation.
//
// It keeps FAT naming rules (case-insensitive, case-preserving) and the
// fatlib handle contract, panics when called reentrantly or concurrently,
// and counts handle opens, closes and flushes so callers can verify how
// the library is driven.
package memfat

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"fatfuse/internal/fatlib"

	"golang.org/x/text/cases"
)

const (
	defaultClusterSize   = 4096
	defaultSectorSize    = 512
	defaultTotalClusters = 65536
)

var folder = cases.Fold()

func key(name string) string {
	return folder.String(name)
}

type entry struct {
	name     string
	dir      bool
	data     []byte
	children map[string]*entry
	parent   *entry
	modTime  time.Time

	live int
}

// Counters is a snapshot of handle and flush activity.
type Counters struct {
	Opens   int
	Closes  int
	Flushes int
	// MaxLive is the largest number of simultaneously open handles seen on
	// any single entry.
	MaxLive int
}

// FS is an in-memory volume.
type FS struct {
	root *entry

	busy      atomic.Bool
	unmounted bool
	readOnly  bool

	clusterSize   uint32
	totalClusters uint64

	mu       sync.Mutex // guards counters and injected errors
	counters Counters
	flushErr error
	statsErr error
}

// Option configures an FS.
type Option func(*FS)

// WithClusterSize overrides the reported cluster size.
func WithClusterSize(n uint32) Option {
	return func(fs *FS) { fs.clusterSize = n }
}

// WithTotalClusters overrides the volume capacity.
func WithTotalClusters(n uint64) Option {
	return func(fs *FS) { fs.totalClusters = n }
}

// ReadOnly rejects every mutation with fatlib.ErrReadOnly.
func ReadOnly() Option {
	return func(fs *FS) { fs.readOnly = true }
}

// New returns an empty volume.
func New(opts ...Option) *FS {
	fs := &FS{
		root: &entry{
			dir:      true,
			children: make(map[string]*entry),
			modTime:  time.Now(),
		},
		clusterSize:   defaultClusterSize,
		totalClusters: defaultTotalClusters,
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// enter marks the library busy and returns the matching exit. Overlapping
// calls are a caller bug and panic.
func (fs *FS) enter() func() {
	if !fs.busy.CompareAndSwap(false, true) {
		panic("memfat: reentrant or concurrent library call")
	}
	return func() { fs.busy.Store(false) }
}

// Counters returns a snapshot of the activity counters.
func (fs *FS) Counters() Counters {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.counters
}

// SetFlushError makes subsequent flushes fail with err. Pass nil to clear.
func (fs *FS) SetFlushError(err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.flushErr = err
}

// SetStatsError makes subsequent Stats calls fail with err.
func (fs *FS) SetStatsError(err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.statsErr = err
}

// Unmounted reports whether Unmount was called.
func (fs *FS) Unmounted() bool {
	defer fs.enter()()
	return fs.unmounted
}

func (fs *FS) opened(e *entry) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.counters.Opens++
	e.live++
	if e.live > fs.counters.MaxLive {
		fs.counters.MaxLive = e.live
	}
}

func (fs *FS) closed(e *entry) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.counters.Closes++
	e.live--
}

func (fs *FS) check() error {
	if fs.unmounted {
		return fatlib.ErrClosed
	}
	return nil
}

func (fs *FS) checkWrite() error {
	if err := fs.check(); err != nil {
		return err
	}
	if fs.readOnly {
		return fatlib.ErrReadOnly
	}
	return nil
}

// Root implements fatlib.FileSystem.
func (fs *FS) Root() (fatlib.Dir, error) {
	defer fs.enter()()
	if err := fs.check(); err != nil {
		return nil, err
	}
	return fs.openDir(fs.root), nil
}

// Stats implements fatlib.FileSystem.
func (fs *FS) Stats() (fatlib.Stats, error) {
	defer fs.enter()()
	if err := fs.check(); err != nil {
		return fatlib.Stats{}, err
	}
	fs.mu.Lock()
	statsErr := fs.statsErr
	fs.mu.Unlock()
	if statsErr != nil {
		return fatlib.Stats{}, statsErr
	}

	used := fs.clustersUsed(fs.root)
	free := uint64(0)
	if used < fs.totalClusters {
		free = fs.totalClusters - used
	}
	return fatlib.Stats{
		ClusterSize:   fs.clusterSize,
		SectorSize:    defaultSectorSize,
		TotalClusters: fs.totalClusters,
		FreeClusters:  free,
	}, nil
}

func (fs *FS) clustersUsed(e *entry) uint64 {
	if !e.dir {
		return (uint64(len(e.data)) + uint64(fs.clusterSize) - 1) / uint64(fs.clusterSize)
	}
	n := uint64(1)
	for _, c := range e.children {
		n += fs.clustersUsed(c)
	}
	return n
}

// Flush implements fatlib.FileSystem.
func (fs *FS) Flush() error {
	defer fs.enter()()
	if err := fs.check(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.flushErr != nil {
		return fs.flushErr
	}
	fs.counters.Flushes++
	return nil
}

// Unmount implements fatlib.FileSystem.
func (fs *FS) Unmount() error {
	defer fs.enter()()
	if err := fs.check(); err != nil {
		return err
	}
	fs.unmounted = true
	return nil
}

func (fs *FS) openDir(e *entry) *dirHandle {
	fs.opened(e)
	return &dirHandle{handle: handle{fs: fs, e: e}}
}

func (fs *FS) openFile(e *entry) *fileHandle {
	fs.opened(e)
	return &fileHandle{handle: handle{fs: fs, e: e}}
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", fatlib.ErrInvalidName, name)
	}
	for _, r := range name {
		if r == '/' || r == '\\' || r < 0x20 {
			return fmt.Errorf("%w: %q", fatlib.ErrInvalidName, name)
		}
	}
	return nil
}

type handle struct {
	fs     *FS
	e      *entry
	closed bool
}

func (h *handle) check() error {
	if h.closed {
		return fatlib.ErrClosed
	}
	return h.fs.check()
}

func (h *handle) Stat() (fatlib.Entry, error) {
	defer h.fs.enter()()
	if err := h.check(); err != nil {
		return fatlib.Entry{}, err
	}
	return h.e.stat(), nil
}

func (h *handle) FlushEntry() error {
	defer h.fs.enter()()
	return h.check()
}

func (h *handle) Close() error {
	defer h.fs.enter()()
	if h.closed {
		return fatlib.ErrClosed
	}
	h.closed = true
	h.fs.closed(h.e)
	return nil
}

func (e *entry) stat() fatlib.Entry {
	return fatlib.Entry{
		Name:    e.name,
		IsDir:   e.dir,
		Size:    int64(len(e.data)),
		ModTime: e.modTime,
	}
}

type dirHandle struct {
	handle
}

var _ fatlib.Dir = (*dirHandle)(nil)

func (d *dirHandle) child(name string) (*entry, error) {
	c, ok := d.e.children[key(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", fatlib.ErrNotFound, name)
	}
	return c, nil
}

// removed reports whether the directory was unlinked while open.
func (d *dirHandle) removed() bool {
	return d.e != d.fs.root && d.e.parent == nil
}

func (d *dirHandle) Find(name string) (fatlib.Entry, error) {
	defer d.fs.enter()()
	if err := d.check(); err != nil {
		return fatlib.Entry{}, err
	}
	c, err := d.child(name)
	if err != nil {
		return fatlib.Entry{}, err
	}
	return c.stat(), nil
}

func (d *dirHandle) Entries() ([]fatlib.Entry, error) {
	defer d.fs.enter()()
	if err := d.check(); err != nil {
		return nil, err
	}
	out := make([]fatlib.Entry, 0, len(d.e.children))
	for _, c := range d.e.children {
		out = append(out, c.stat())
	}
	return out, nil
}

func (d *dirHandle) OpenDir(name string) (fatlib.Dir, error) {
	defer d.fs.enter()()
	if err := d.check(); err != nil {
		return nil, err
	}
	c, err := d.child(name)
	if err != nil {
		return nil, err
	}
	if !c.dir {
		return nil, fmt.Errorf("%w: %q", fatlib.ErrNotDir, name)
	}
	return d.fs.openDir(c), nil
}

func (d *dirHandle) OpenFile(name string) (fatlib.File, error) {
	defer d.fs.enter()()
	if err := d.check(); err != nil {
		return nil, err
	}
	c, err := d.child(name)
	if err != nil {
		return nil, err
	}
	if c.dir {
		return nil, fmt.Errorf("%w: %q", fatlib.ErrIsDir, name)
	}
	return d.fs.openFile(c), nil
}

func (d *dirHandle) create(name string, dir bool) (*entry, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := d.fs.checkWrite(); err != nil {
		return nil, err
	}
	if d.removed() {
		return nil, fmt.Errorf("%w: parent directory removed", fatlib.ErrNotFound)
	}
	if err := validName(name); err != nil {
		return nil, err
	}
	if _, ok := d.e.children[key(name)]; ok {
		return nil, fmt.Errorf("%w: %q", fatlib.ErrExist, name)
	}
	c := &entry{
		name:    name,
		dir:     dir,
		parent:  d.e,
		modTime: time.Now(),
	}
	if dir {
		c.children = make(map[string]*entry)
	}
	d.e.children[key(name)] = c
	d.e.modTime = c.modTime
	return c, nil
}

func (d *dirHandle) CreateDir(name string) (fatlib.Dir, error) {
	defer d.fs.enter()()
	c, err := d.create(name, true)
	if err != nil {
		return nil, err
	}
	return d.fs.openDir(c), nil
}

func (d *dirHandle) CreateFile(name string) (fatlib.File, error) {
	defer d.fs.enter()()
	c, err := d.create(name, false)
	if err != nil {
		return nil, err
	}
	return d.fs.openFile(c), nil
}

func (d *dirHandle) Remove(name string) error {
	defer d.fs.enter()()
	if err := d.check(); err != nil {
		return err
	}
	if err := d.fs.checkWrite(); err != nil {
		return err
	}
	c, err := d.child(name)
	if err != nil {
		return err
	}
	if c.dir && len(c.children) > 0 {
		return fmt.Errorf("%w: %q", fatlib.ErrNotEmpty, name)
	}
	d.unlink(c)
	return nil
}

func (d *dirHandle) unlink(c *entry) {
	delete(d.e.children, key(c.name))
	c.parent = nil
	d.e.modTime = time.Now()
}

func (d *dirHandle) target(dst fatlib.Dir) (*dirHandle, error) {
	t, ok := dst.(*dirHandle)
	if !ok || t.fs != d.fs {
		return nil, fmt.Errorf("%w: destination directory from another volume", fatlib.ErrInvalid)
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	if t.removed() {
		return nil, fmt.Errorf("%w: destination directory removed", fatlib.ErrNotFound)
	}
	return t, nil
}

// move relinks c as dstName in t. The caller has already cleared the
// destination slot.
func (d *dirHandle) move(c *entry, t *dirHandle, dstName string) error {
	for p := t.e; p != nil; p = p.parent {
		if p == c {
			return fmt.Errorf("%w: cannot move %q below itself", fatlib.ErrInvalid, c.name)
		}
	}
	delete(d.e.children, key(c.name))
	c.name = dstName
	c.parent = t.e
	t.e.children[key(dstName)] = c
	now := time.Now()
	d.e.modTime = now
	t.e.modTime = now
	return nil
}

func (d *dirHandle) prepareRename(name string, dst fatlib.Dir, dstName string) (*entry, *dirHandle, error) {
	if err := d.check(); err != nil {
		return nil, nil, err
	}
	if err := d.fs.checkWrite(); err != nil {
		return nil, nil, err
	}
	if err := validName(dstName); err != nil {
		return nil, nil, err
	}
	c, err := d.child(name)
	if err != nil {
		return nil, nil, err
	}
	t, err := d.target(dst)
	if err != nil {
		return nil, nil, err
	}
	return c, t, nil
}

func (d *dirHandle) Rename(name string, dst fatlib.Dir, dstName string) error {
	defer d.fs.enter()()
	c, t, err := d.prepareRename(name, dst, dstName)
	if err != nil {
		return err
	}
	if existing, ok := t.e.children[key(dstName)]; ok {
		if existing != c {
			return fmt.Errorf("%w: %q", fatlib.ErrExist, dstName)
		}
		c.name = dstName
		c.modTime = time.Now()
		return nil
	}
	return d.move(c, t, dstName)
}

func (d *dirHandle) renameOver(name string, dst fatlib.Dir, dstName string, existing *entry) error {
	c, t, err := d.prepareRename(name, dst, dstName)
	if err != nil {
		return err
	}
	if existing == nil || existing.parent != t.e || t.e.children[key(dstName)] != existing {
		return fmt.Errorf("%w: %q is not the destination entry", fatlib.ErrInvalid, dstName)
	}
	if existing == c {
		return fmt.Errorf("%w: %q replaces itself", fatlib.ErrInvalid, dstName)
	}
	if existing.dir != c.dir {
		if c.dir {
			return fmt.Errorf("%w: %q", fatlib.ErrNotDir, dstName)
		}
		return fmt.Errorf("%w: %q", fatlib.ErrIsDir, dstName)
	}
	if existing.dir && len(existing.children) > 0 {
		return fmt.Errorf("%w: %q", fatlib.ErrNotEmpty, dstName)
	}
	for p := t.e; p != nil; p = p.parent {
		if p == c {
			return fmt.Errorf("%w: cannot move %q below itself", fatlib.ErrInvalid, c.name)
		}
	}
	t.unlink(existing)
	return d.move(c, t, dstName)
}

func (d *dirHandle) RenameOverFile(name string, dst fatlib.Dir, dstName string, existing fatlib.File) error {
	defer d.fs.enter()()
	f, ok := existing.(*fileHandle)
	if !ok || f.closed {
		return fmt.Errorf("%w: destination handle", fatlib.ErrInvalid)
	}
	return d.renameOver(name, dst, dstName, f.e)
}

func (d *dirHandle) RenameOverDir(name string, dst fatlib.Dir, dstName string, existing fatlib.Dir) error {
	defer d.fs.enter()()
	e, ok := existing.(*dirHandle)
	if !ok || e.closed {
		return fmt.Errorf("%w: destination handle", fatlib.ErrInvalid)
	}
	return d.renameOver(name, dst, dstName, e.e)
}

type fileHandle struct {
	handle
}

var _ fatlib.File = (*fileHandle)(nil)

func (f *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	defer f.fs.enter()()
	if err := f.check(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", fatlib.ErrInvalid)
	}
	if off >= int64(len(f.e.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.e.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *fileHandle) WriteAt(p []byte, off int64) (int, error) {
	defer f.fs.enter()()
	if err := f.check(); err != nil {
		return 0, err
	}
	if err := f.fs.checkWrite(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset", fatlib.ErrInvalid)
	}
	end := off + int64(len(p))
	if end > int64(len(f.e.data)) {
		if err := f.grow(end); err != nil {
			return 0, err
		}
	}
	copy(f.e.data[off:], p)
	f.e.modTime = time.Now()
	return len(p), nil
}

func (f *fileHandle) grow(size int64) error {
	cs := uint64(f.fs.clusterSize)
	need := (uint64(size)+cs-1)/cs - (uint64(len(f.e.data))+cs-1)/cs
	used := f.fs.clustersUsed(f.fs.root)
	if used+need > f.fs.totalClusters {
		return fatlib.ErrNoSpace
	}
	data := make([]byte, size)
	copy(data, f.e.data)
	f.e.data = data
	return nil
}

func (f *fileHandle) Truncate(size int64) error {
	defer f.fs.enter()()
	if err := f.check(); err != nil {
		return err
	}
	if err := f.fs.checkWrite(); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("%w: negative size", fatlib.ErrInvalid)
	}
	if size > int64(len(f.e.data)) {
		if err := f.grow(size); err != nil {
			return err
		}
	} else {
		f.e.data = f.e.data[:size:size]
	}
	f.e.modTime = time.Now()
	return nil
}

func (f *fileHandle) Size() int64 {
	defer f.fs.enter()()
	return int64(len(f.e.data))
}
