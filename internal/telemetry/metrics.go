package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "subtitler_jobs_submitted_total", Help: "Uploads accepted as jobs"})
	UploadsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "subtitler_uploads_rejected_total", Help: "Uploads rejected before a job was created"}, []string{"reason"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "subtitler_rate_limit_rejects_total", Help: "Uploads rejected by the rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "subtitler_jobs_completed_total", Help: "Jobs that produced a subtitled video"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "subtitler_jobs_failed_total", Help: "Jobs that failed, by stage"}, []string{"stage"})
	Downloads        = prometheus.NewCounter(prometheus.CounterOpts{Name: "subtitler_downloads_total", Help: "Completed artifact downloads"})
	JobsRetired      = prometheus.NewCounter(prometheus.CounterOpts{Name: "subtitler_jobs_retired_total", Help: "Jobs removed by the retention janitor"})
	ActiveWorkers    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "subtitler_active_workers", Help: "Worker slots currently occupied"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "subtitler_queue_depth", Help: "Jobs waiting for a worker slot"})
	StageDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "subtitler_stage_duration_seconds",
		Help:    "Wall time spent in each pipeline stage",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			UploadsRejected,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			Downloads,
			JobsRetired,
			ActiveWorkers,
			QueueDepthGauge,
			StageDuration,
		)
	})
	return promhttp.Handler()
}

// ObserveSlots publishes scheduler slot usage.
func ObserveSlots(active, queued int) {
	ActiveWorkers.Set(float64(active))
	QueueDepthGauge.Set(float64(queued))
}
