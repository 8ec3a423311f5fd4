package fatfs

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"fatfuse/internal/fatlib/memfat"

	"github.com/stretchr/testify/require"
)

func setupTestVolume(t *testing.T, opts Options, libOpts ...memfat.Option) (*Volume, *memfat.FS) {
	t.Helper()
	lib := memfat.New(libOpts...)
	if opts.FlushWindow == 0 {
		opts.FlushWindow = time.Hour
	}
	vol, err := Mount(lib, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := vol.ShutDown(); err != nil && !errors.Is(err, ErrBadState) {
			t.Errorf("shutdown: %v", err)
		}
	})
	return vol, lib
}

// writeFile creates name in d with contents and releases its open reference.
func writeFile(t *testing.T, d *Dir, name, contents string) *File {
	t.Helper()
	f, err := d.CreateFile(name)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte(contents), 0)
	require.NoError(t, err)
	f.CloseRef()
	return f
}

// readAll reads an open file from the start.
func readAll(t *testing.T, f *File) string {
	t.Helper()
	buf := make([]byte, 64)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		require.NoError(t, err)
	}
	return string(buf[:n])
}

func lookupDir(t *testing.T, d *Dir, name string) *Dir {
	t.Helper()
	n, err := d.Lookup(name)
	require.NoError(t, err)
	sub, ok := n.(*Dir)
	require.True(t, ok, "%q should be a directory", name)
	return sub
}

func lookupFile(t *testing.T, d *Dir, name string) *File {
	t.Helper()
	n, err := d.Lookup(name)
	require.NoError(t, err)
	f, ok := n.(*File)
	require.True(t, ok, "%q should be a file", name)
	return f
}

func entryNames(t *testing.T, d *Dir) []string {
	t.Helper()
	ents, err := d.Entries()
	require.NoError(t, err)
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name)
	}
	return names
}

type recordedEvent struct {
	op   string
	dir  *Dir
	name string
}

type recordingWatcher struct {
	vol    *Volume
	mu     sync.Mutex
	events []recordedEvent
	// lockErr records whether the volume lock was free during callbacks.
	lockErr error
}

func (w *recordingWatcher) record(op string, dir *Dir, name string) {
	var lockErr error
	if w.vol != nil {
		_, lockErr = w.vol.QueryStats()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if lockErr != nil {
		w.lockErr = lockErr
	}
	w.events = append(w.events, recordedEvent{op: op, dir: dir, name: name})
}

func (w *recordingWatcher) DidAdd(dir *Dir, name string)    { w.record("add", dir, name) }
func (w *recordingWatcher) DidRemove(dir *Dir, name string) { w.record("remove", dir, name) }

func (w *recordingWatcher) Events() ([]recordedEvent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]recordedEvent(nil), w.events...), w.lockErr
}

type recordingObserver struct {
	mu    sync.Mutex
	at    []time.Time
	errs  []error
	total time.Duration
}

func (o *recordingObserver) ObserveFlush(elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.at = append(o.at, time.Now())
	o.errs = append(o.errs, err)
	o.total += elapsed
}

func (o *recordingObserver) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.at)
}

func (o *recordingObserver) Last() (time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.at) == 0 {
		return time.Time{}, nil
	}
	return o.at[len(o.at)-1], o.errs[len(o.errs)-1]
}
