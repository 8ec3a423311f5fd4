package fatfs

import (
	"time"

	"fatfuse/internal/clock"
)

// FlushObserver is told about every volume flush, debounced or explicit.
type FlushObserver interface {
	ObserveFlush(elapsed time.Duration, err error)
}

// FlushStatus reports the health of background flushing.
type FlushStatus struct {
	Pending   bool // a debounced flush is scheduled
	Flushes   uint64
	Failures  uint64
	LastFlush time.Time
	LastErr   error // error from the most recent flush, nil on success
}

// flushState is the dirty/flush schedule. At most one flush goroutine runs
// per volume; marking dirty while it is armed only moves the deadline.
type flushState struct {
	window   time.Duration
	observer FlushObserver
	clock    clock.Clock

	armed    bool
	deadline time.Time
	status   FlushStatus
}

// FlushStatus returns a snapshot of the flush schedule and its history.
func (v *Volume) FlushStatus() FlushStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.flush.status
	st.Pending = v.flush.armed
	return st
}

func (v *Volume) markDirtyLocked() {
	v.flush.deadline = v.flush.clock.Now().Add(v.flush.window)
	if v.flush.armed {
		return
	}
	v.flush.armed = true
	go v.flushLoop()
}

// flushLoop sleeps until the deadline stops moving, then flushes once.
func (v *Volume) flushLoop() {
	v.mu.Lock()
	for {
		deadline := v.flush.deadline
		v.mu.Unlock()
		v.flush.clock.Sleep(deadline.Sub(v.flush.clock.Now()))
		v.mu.Lock()
		if !v.flush.deadline.After(deadline) {
			break
		}
	}
	v.flush.armed = false

	if v.lib == nil {
		v.mu.Unlock()
		volLogger.Debug("Volume unmounted before pending flush")
		return
	}
	start := v.flush.clock.Now()
	err := v.lib.Flush()
	elapsed := v.flush.clock.Now().Sub(start)
	obs := v.recordFlushLocked(start, err)
	v.mu.Unlock()

	if err != nil {
		volLogger.Error("Background flush failed: %v", err)
	} else {
		volLogger.Trace("Background flush completed in %v", elapsed)
	}
	if obs != nil {
		obs.ObserveFlush(elapsed, err)
	}
}

func (v *Volume) recordFlushLocked(at time.Time, err error) FlushObserver {
	st := &v.flush.status
	st.Flushes++
	st.LastFlush = at
	st.LastErr = err
	if err != nil {
		st.Failures++
	}
	return v.flush.observer
}
