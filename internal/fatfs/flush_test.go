package fatfs

import (
	"errors"
	"testing"
	"time"

	"fatfuse/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeClock() *clock.Fake {
	return clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

// flushed waits for the background flusher to report n flushes to obs.
func flushed(t *testing.T, obs *recordingObserver, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return obs.Count() == n
	}, 2*time.Second, time.Millisecond)
}

func TestFlushDebounce(t *testing.T) {
	const window = 100 * time.Millisecond
	clk := newFakeClock()
	obs := &recordingObserver{}
	vol, lib := setupTestVolume(t, Options{FlushWindow: window, Observer: obs, Clock: clk})

	var last time.Time
	for i := 0; i < 5; i++ {
		require.NoError(t, vol.MarkDirty())
		last = clk.Now()
		clk.WaitForTimers(1)
		clk.Advance(window / 2)
	}
	assert.True(t, vol.FlushStatus().Pending)

	// One tick short of the window after the last mark.
	clk.WaitForTimers(1)
	clk.Advance(window/2 - time.Millisecond)
	clk.WaitForTimers(1)
	assert.Zero(t, lib.Counters().Flushes, "flush must wait for the window after the last mark")

	clk.Advance(time.Millisecond)
	flushed(t, obs, 1)
	assert.Equal(t, 1, lib.Counters().Flushes)

	_, err := obs.Last()
	require.NoError(t, err)
	assert.Equal(t, last.Add(window), vol.FlushStatus().LastFlush)

	clk.Advance(2 * window)
	assert.Zero(t, clk.Pending(), "nothing is scheduled after the flush")
	assert.Equal(t, 1, lib.Counters().Flushes)

	st := vol.FlushStatus()
	assert.False(t, st.Pending)
	assert.Equal(t, uint64(1), st.Flushes)
	assert.Zero(t, st.Failures)
	assert.NoError(t, st.LastErr)
}

func TestFlushRearm(t *testing.T) {
	const window = 30 * time.Millisecond
	clk := newFakeClock()
	obs := &recordingObserver{}
	vol, lib := setupTestVolume(t, Options{FlushWindow: window, Observer: obs, Clock: clk})

	require.NoError(t, vol.MarkDirty())
	clk.WaitForTimers(1)
	clk.Advance(window)
	flushed(t, obs, 1)

	require.NoError(t, vol.MarkDirty())
	clk.WaitForTimers(1)
	clk.Advance(window)
	flushed(t, obs, 2)
	assert.Equal(t, 2, lib.Counters().Flushes)
}

func TestFlushFailureRecorded(t *testing.T) {
	const window = 20 * time.Millisecond
	clk := newFakeClock()
	obs := &recordingObserver{}
	vol, lib := setupTestVolume(t, Options{FlushWindow: window, Observer: obs, Clock: clk})
	lib.SetFlushError(errors.New("write failed"))

	_, err := vol.Root().Mkdir("d")
	require.NoError(t, err)
	clk.WaitForTimers(1)
	clk.Advance(window)
	flushed(t, obs, 1)

	st := vol.FlushStatus()
	assert.Equal(t, uint64(1), st.Failures)
	assert.EqualError(t, st.LastErr, "write failed")
	_, obsErr := obs.Last()
	assert.EqualError(t, obsErr, "write failed")

	// The volume keeps working after a failed flush.
	lib.SetFlushError(nil)
	_, err = vol.Root().Mkdir("e")
	require.NoError(t, err)
	clk.WaitForTimers(1)
	clk.Advance(window)
	flushed(t, obs, 2)
	assert.Equal(t, 1, lib.Counters().Flushes)
	assert.NoError(t, vol.FlushStatus().LastErr)
}

func TestMutationsMarkDirty(t *testing.T) {
	vol, _ := setupTestVolume(t, Options{})
	root := vol.Root()

	assert.False(t, vol.FlushStatus().Pending)
	_, err := root.Mkdir("d")
	require.NoError(t, err)
	assert.True(t, vol.FlushStatus().Pending)
}

func TestPendingFlushAfterShutDown(t *testing.T) {
	const window = 20 * time.Millisecond
	clk := newFakeClock()
	obs := &recordingObserver{}
	vol, lib := setupTestVolume(t, Options{FlushWindow: window, Observer: obs, Clock: clk})

	require.NoError(t, vol.MarkDirty())
	clk.WaitForTimers(1)
	require.NoError(t, vol.ShutDown())

	clk.Advance(window)
	require.Eventually(t, func() bool {
		return !vol.FlushStatus().Pending
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, obs.Count())
	assert.Zero(t, lib.Counters().Flushes)
}

func TestSync(t *testing.T) {
	obs := &recordingObserver{}
	vol, lib := setupTestVolume(t, Options{Observer: obs})

	f, err := vol.Root().CreateFile("f")
	require.NoError(t, err)
	defer f.CloseRef()
	_, err = f.WriteAt([]byte("data"), 0)
	require.NoError(t, err)

	require.NoError(t, f.Sync())
	assert.Equal(t, 1, lib.Counters().Flushes)
	assert.Equal(t, 1, obs.Count())
	// Sync does not cancel the debounced flush.
	assert.True(t, vol.FlushStatus().Pending)
}
