package fatfs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"fatfuse/internal/clock"
	"fatfuse/internal/fatlib"
	"fatfuse/internal/logging"

	"github.com/google/uuid"
)

var (
	volLogger = logging.GetLogger().WithPrefix("volume")

	errClosed = fmt.Errorf("%w: volume is unmounted", ErrBadState)
)

const (
	// DefaultFlushWindow is the delay after the last mutation before the
	// volume is flushed.
	DefaultFlushWindow = 500 * time.Millisecond

	// FsType is the filesystem type tag reported by QueryFilesystemInfo.
	FsType = 0xce694d21

	// FsName is the filesystem name reported by QueryFilesystemInfo.
	FsName = "fatfs"
)

// Watcher receives directory change notifications. Calls are made after
// the volume lock is released.
type Watcher interface {
	DidAdd(dir *Dir, name string)
	DidRemove(dir *Dir, name string)
}

// Options configures a mounted volume.
type Options struct {
	// FlushWindow is the debounce window; zero selects DefaultFlushWindow.
	FlushWindow time.Duration
	// ReadOnly rejects every mutation with ErrAccessDenied.
	ReadOnly bool
	// Observer, if set, is told about every flush.
	Observer FlushObserver
	Watcher  Watcher
	// Clock drives the flush schedule; nil selects the real clock.
	Clock clock.Clock
}

// FilesystemInfo is the statfs view of a volume.
type FilesystemInfo struct {
	TotalBytes      uint64
	UsedBytes       uint64
	TotalNodes      uint64 // not tracked by FAT, always 0
	UsedNodes       uint64 // not tracked by FAT, always 0
	FsID            uint64
	BlockSize       uint32
	MaxFilenameSize uint32
	FsType          uint32
	Name            string
}

// Volume is one mounted FAT filesystem. All access to the on-disk library
// goes through WithLock. A Volume must not be copied.
type Volume struct {
	mu  sync.Mutex
	lib fatlib.FileSystem // nil once unmounted

	id        uint64
	root      *Dir
	blockSize uint32
	readOnly  bool

	// nodes with a materialized handle, detached on shutdown
	live map[Node]struct{}

	watcher Watcher
	flush   flushState
}

// Locked is the capability to use the on-disk library. It is only valid
// inside the WithLock callback that received it.
type Locked struct {
	v   *Volume
	lib fatlib.FileSystem
}

// FS returns the on-disk library.
func (l *Locked) FS() fatlib.FileSystem {
	return l.lib
}

// MarkDirty arms or extends the flush schedule.
func (l *Locked) MarkDirty() {
	l.v.markDirtyLocked()
}

// Mount wraps a mounted on-disk library.
func Mount(lib fatlib.FileSystem, opts Options) (*Volume, error) {
	volLogger.Info("Mounting FAT volume")

	stats, err := lib.Stats()
	if err != nil {
		volLogger.Error("Failed to read volume stats: %v", err)
		return nil, newError(OpMount, "", err)
	}
	rootHandle, err := lib.Root()
	if err != nil {
		volLogger.Error("Failed to open root directory: %v", err)
		return nil, newError(OpMount, "", err)
	}

	if opts.FlushWindow <= 0 {
		opts.FlushWindow = DefaultFlushWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	id := uuid.New()
	v := &Volume{
		lib:       lib,
		id:        binary.BigEndian.Uint64(id[:8]),
		blockSize: stats.ClusterSize,
		readOnly:  opts.ReadOnly,
		live:      make(map[Node]struct{}),
		watcher:   opts.Watcher,
		flush: flushState{
			window:   opts.FlushWindow,
			observer: opts.Observer,
			clock:    opts.Clock,
		},
	}
	v.root = newDir(v, nil, "")
	v.root.handle = rootHandle
	v.root.opens = 1
	v.root.pins = 1
	v.live[v.root] = struct{}{}

	volLogger.Info("Mounted volume %016x (cluster size %d, %d clusters)",
		v.id, stats.ClusterSize, stats.TotalClusters)
	return v, nil
}

// Root returns the root directory. It stays open and cached until the
// volume is shut down.
func (v *Volume) Root() *Dir {
	return v.root
}

// ID returns the instance identifier.
func (v *Volume) ID() uint64 {
	return v.id
}

// ReadOnly reports whether mutations are rejected.
func (v *Volume) ReadOnly() bool {
	return v.readOnly
}

// BlockSize returns the cluster size captured at mount.
func (v *Volume) BlockSize() uint32 {
	return v.blockSize
}

// SetWatcher replaces the change notification sink.
func (v *Volume) SetWatcher(w Watcher) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.watcher = w
}

// WithLock runs fn with exclusive access to the on-disk library. fn must
// not call back into anything that takes the lock.
func (v *Volume) WithLock(fn func(l *Locked) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lib == nil {
		return errClosed
	}
	return fn(&Locked{v: v, lib: v.lib})
}

// do runs fn under the lock with a Closer that is drained after unlock.
func (v *Volume) do(op, path string, fn func(l *Locked, c *Closer) error) error {
	var c Closer
	err := v.WithLock(func(l *Locked) error {
		return fn(l, &c)
	})
	c.Close()
	if err != nil {
		volLogger.Debug("%s %q failed: %v", op, path, err)
	}
	return newError(op, path, err)
}

// MarkDirty arms or extends the flush schedule. It fails once the volume
// is shut down.
func (v *Volume) MarkDirty() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lib == nil {
		return errClosed
	}
	v.markDirtyLocked()
	return nil
}

// ShutDown detaches every open node and unmounts the library. The volume
// is unusable afterwards; a second call fails with ErrBadState.
func (v *Volume) ShutDown() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.lib == nil {
		return newError(OpUnmount, "", errClosed)
	}
	volLogger.Info("Shutting down volume %016x", v.id)

	for n := range v.live {
		n.detach()
	}
	v.live = make(map[Node]struct{})

	err := v.lib.Unmount()
	v.lib = nil
	if err != nil {
		volLogger.Error("Unmount failed: %v", err)
		return newError(OpUnmount, "", err)
	}
	volLogger.Info("Volume %016x unmounted", v.id)
	return nil
}

// QueryStats returns the library's view of volume geometry and usage.
func (v *Volume) QueryStats() (fatlib.Stats, error) {
	var stats fatlib.Stats
	err := v.WithLock(func(l *Locked) error {
		var err error
		stats, err = l.lib.Stats()
		return err
	})
	return stats, newError(OpStatfs, "", err)
}

// QueryFilesystemInfo derives the statfs view from QueryStats.
func (v *Volume) QueryFilesystemInfo() (FilesystemInfo, error) {
	stats, err := v.QueryStats()
	if err != nil {
		return FilesystemInfo{}, err
	}
	total := stats.TotalClusters * uint64(stats.ClusterSize)
	free := stats.FreeClusters * uint64(stats.ClusterSize)
	used := uint64(0)
	if total > free {
		used = total - free
	}
	return FilesystemInfo{
		TotalBytes:      total,
		UsedBytes:       used,
		FsID:            v.id,
		BlockSize:       stats.ClusterSize,
		MaxFilenameSize: MaxFilenameSize,
		FsType:          FsType,
		Name:            FsName,
	}, nil
}

// Sync flushes the volume immediately. A pending debounced flush still
// runs when its window elapses.
func (v *Volume) Sync() error {
	var (
		elapsed time.Duration
		obs     FlushObserver
	)
	err := v.WithLock(func(l *Locked) error {
		start := v.flush.clock.Now()
		err := l.lib.Flush()
		elapsed = v.flush.clock.Now().Sub(start)
		obs = v.recordFlushLocked(start, err)
		return err
	})
	if obs != nil {
		obs.ObserveFlush(elapsed, err)
	}
	return newError(OpSync, "", err)
}
