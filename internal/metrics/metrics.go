package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarvideo_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avatarvideo_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Job Metrics
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarvideo_jobs_enqueued_total",
			Help: "Total number of video generation jobs enqueued",
		},
		[]string{"style"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarvideo_jobs_finished_total",
			Help: "Video generation jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "avatarvideo_jobs_in_progress",
			Help: "Number of jobs currently being processed",
		},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "avatarvideo_job_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5 minutes
		},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avatarvideo_phase_duration_seconds",
			Help:    "Duration of individual pipeline phases in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"phase"},
	)

	// FallbacksTotal counts degraded-mode substitutions by kind:
	// lipsync, composition, duration.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatarvideo_fallbacks_total",
			Help: "Degraded-mode substitutions taken by the pipeline",
		},
		[]string{"kind"},
	)

	// Queue Metrics
	QueueRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avatarvideo_queue_retries_total",
			Help: "Jobs rescheduled by the queue after a failed attempt",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "avatarvideo_queue_depth",
			Help: "Jobs in the queue by state",
		},
		[]string{"state"},
	)
)

// Fallback kinds
const (
	FallbackLipSync     = "lipsync"
	FallbackComposition = "composition"
	FallbackDuration    = "duration"
)

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, route, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

func RecordJobEnqueued(style string) {
	JobsEnqueuedTotal.WithLabelValues(style).Inc()
}

// RecordJobFinished records the terminal status and total duration of a job
func RecordJobFinished(status string, duration float64) {
	JobsFinishedTotal.WithLabelValues(status).Inc()
	JobDuration.Observe(duration)
}

func RecordPhase(phase string, duration float64) {
	PhaseDuration.WithLabelValues(phase).Observe(duration)
}

func RecordFallback(kind string) {
	FallbacksTotal.WithLabelValues(kind).Inc()
}

func RecordRetry() {
	QueueRetriesTotal.Inc()
}

// UpdateQueueDepth sets the queue gauges
func UpdateQueueDepth(waiting, active, delayed int64) {
	QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	QueueDepth.WithLabelValues("active").Set(float64(active))
	QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
}
