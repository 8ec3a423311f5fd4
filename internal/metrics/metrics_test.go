package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fatfuse/internal/fatfs"
	"fatfuse/internal/fatlib/memfat"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveFlush(t *testing.T) {
	m := New()
	m.ObserveFlush(2*time.Millisecond, nil)
	m.ObserveFlush(time.Millisecond, nil)
	m.ObserveFlush(time.Second, errors.New("write failed"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.total.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.total.WithLabelValues(ResultError)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestVolumeFlushes(t *testing.T) {
	lib := memfat.New()
	m := New()
	vol, err := fatfs.Mount(lib, fatfs.Options{FlushWindow: time.Hour, Observer: m})
	require.NoError(t, err)
	defer vol.ShutDown()
	m.Track(vol)

	require.NoError(t, vol.Sync())
	lib.SetFlushError(errors.New("device gone"))
	assert.Error(t, vol.Sync())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.total.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.total.WithLabelValues(ResultError)))

	require.NoError(t, vol.MarkDirty())
	expected := `
# HELP fatfuse_flush_pending 1 while a debounced flush is scheduled.
# TYPE fatfuse_flush_pending gauge
fatfuse_flush_pending 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(),
		strings.NewReader(expected), "fatfuse_flush_pending"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveFlush(time.Millisecond, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `fatfuse_flushes_total{result="ok"} 1`)
	assert.Contains(t, body, `fatfuse_flushes_total{result="error"} 0`)
	assert.Contains(t, body, "fatfuse_flush_duration_seconds_count 1")
}
