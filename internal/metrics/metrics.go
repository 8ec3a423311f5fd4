// Package metrics exports volume flush health to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"fatfuse/internal/fatfs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fatfuse"

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Flush records volume flushes. It implements fatfs.FlushObserver.
type Flush struct {
	reg      *prometheus.Registry
	total    *prometheus.CounterVec
	duration prometheus.Histogram
}

var _ fatfs.FlushObserver = (*Flush)(nil)

// New creates the flush metrics on a private registry.
func New() *Flush {
	m := &Flush{
		reg: prometheus.NewRegistry(),
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Volume flushes by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent flushing the volume to the device.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.reg.MustRegister(m.total, m.duration)
	// Both series exist from the start so rate() works before the first failure.
	m.total.WithLabelValues(ResultOK)
	m.total.WithLabelValues(ResultError)
	return m
}

// ObserveFlush counts one flush and its duration.
func (m *Flush) ObserveFlush(elapsed time.Duration, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.total.WithLabelValues(result).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// Track exports the pending flag of v's flush schedule.
func (m *Flush) Track(v *fatfs.Volume) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "flush_pending",
		Help:      "1 while a debounced flush is scheduled.",
	}, func() float64 {
		if v.FlushStatus().Pending {
			return 1
		}
		return 0
	}))
}

// Registry returns the registry the metrics live on.
func (m *Flush) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Flush) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
