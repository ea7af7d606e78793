// Package observe carries the metrics context that is injected into every
// pipeline component.
package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "maskrelay"

// Metrics records operation timings and event counts. A disabled Metrics
// turns Time and Incr into no-ops; the timed function still runs.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	durations *prometheus.HistogramVec
	counts    *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New(enabled bool) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		enabled:  enabled,
		registry: reg,
		durations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of timed operations in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"operation"},
		),
		counts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of counted events",
			},
			[]string{"event"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_errors_total",
				Help:      "Total number of timed operations that returned an error",
			},
			[]string{"operation"},
		),
	}
}

// Disabled returns a Metrics that records nothing.
func Disabled() *Metrics {
	return New(false)
}

// Enabled reports whether recording is on.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Time runs fn and records its duration under name on every exit path,
// including panics. fn's error is returned unchanged.
func (m *Metrics) Time(name string, fn func() error) (err error) {
	if !m.Enabled() {
		return fn()
	}

	start := time.Now()
	defer func() {
		m.durations.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			m.errors.WithLabelValues(name).Inc()
		}
	}()
	return fn()
}

// Incr adds n to the counter name.
func (m *Metrics) Incr(name string, n int) {
	if !m.Enabled() || n <= 0 {
		return
	}
	m.counts.WithLabelValues(name).Add(float64(n))
}
