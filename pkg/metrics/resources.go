package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ResourceMetrics records tracked resource counts and sweep outcomes.
type ResourceMetrics struct {
	active        *prometheus.GaugeVec
	leaks         *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// NewResourceMetrics registers resource lifecycle metrics on the provided registerer.
func NewResourceMetrics(reg prometheus.Registerer) *ResourceMetrics {
	if reg == nil {
		return &ResourceMetrics{}
	}
	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tracked_resources_active",
		Help: "Currently tracked resources by kind.",
	}, []string{"kind"})
	leaks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_leaks_total",
		Help: "Resources reclaimed by the sweeper instead of their owner.",
	}, []string{"kind"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "resource_sweep_duration_seconds",
		Help:    "Duration of resource sweep passes in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	reg.MustRegister(active, leaks, sweepDuration)
	return &ResourceMetrics{
		active:        active,
		leaks:         leaks,
		sweepDuration: sweepDuration,
	}
}

// SetActive records the number of live resources of one kind.
func (r *ResourceMetrics) SetActive(kind string, count float64) {
	if r == nil || r.active == nil {
		return
	}
	r.active.WithLabelValues(normalizeLabel(kind)).Set(count)
}

// IncLeak counts one resource that outlived its owner and was force-released.
func (r *ResourceMetrics) IncLeak(kind string) {
	if r == nil || r.leaks == nil {
		return
	}
	r.leaks.WithLabelValues(normalizeLabel(kind)).Inc()
}

// ObserveSweep records the duration of one sweep pass.
func (r *ResourceMetrics) ObserveSweep(duration time.Duration) {
	if r == nil || r.sweepDuration == nil {
		return
	}
	r.sweepDuration.Observe(duration.Seconds())
}
