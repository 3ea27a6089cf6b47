package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DownloadMetrics records delivery pipeline activity.
type DownloadMetrics struct {
	stageDuration *prometheus.HistogramVec
	downloads     *prometheus.CounterVec
	denials       *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
}

// NewDownloadMetrics registers the delivery pipeline metrics on the provided registerer.
func NewDownloadMetrics(reg prometheus.Registerer) *DownloadMetrics {
	if reg == nil {
		return &DownloadMetrics{}
	}
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "download_stage_duration_seconds",
		Help:    "Duration of each delivery pipeline stage in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	downloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "downloads_total",
		Help: "Completed delivery attempts by terminal status.",
	}, []string{"status"})
	denials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_denials_total",
		Help: "Allocation requests rejected by quota or policy checks.",
	}, []string{"reason"})
	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_cache_hits_total",
		Help: "Quota snapshot reads served from cache.",
	})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_cache_misses_total",
		Help: "Quota snapshot reads that fell through to the database.",
	})
	reg.MustRegister(stageDuration, downloads, denials, cacheHits, cacheMisses)
	return &DownloadMetrics{
		stageDuration: stageDuration,
		downloads:     downloads,
		denials:       denials,
		cacheHits:     cacheHits,
		cacheMisses:   cacheMisses,
	}
}

// ObserveStage records how long one pipeline stage took.
func (d *DownloadMetrics) ObserveStage(stage string, duration time.Duration) {
	if d == nil || d.stageDuration == nil {
		return
	}
	d.stageDuration.WithLabelValues(normalizeLabel(stage)).Observe(duration.Seconds())
}

// IncDownload counts one delivery attempt with its terminal status.
func (d *DownloadMetrics) IncDownload(status string) {
	if d == nil || d.downloads == nil {
		return
	}
	d.downloads.WithLabelValues(normalizeLabel(status)).Inc()
}

// IncDenial counts one rejected allocation by reason code.
func (d *DownloadMetrics) IncDenial(reason string) {
	if d == nil || d.denials == nil {
		return
	}
	d.denials.WithLabelValues(normalizeLabel(reason)).Inc()
}

// IncCacheHit counts a quota snapshot served from cache.
func (d *DownloadMetrics) IncCacheHit() {
	if d == nil || d.cacheHits == nil {
		return
	}
	d.cacheHits.Inc()
}

// IncCacheMiss counts a quota snapshot fetched from the database.
func (d *DownloadMetrics) IncCacheMiss() {
	if d == nil || d.cacheMisses == nil {
		return
	}
	d.cacheMisses.Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
