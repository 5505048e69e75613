// Package metrics defines custom Prometheus metrics for fsweb.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456}

// processBuckets cover tool runs from a quick probe to a long transcode.
var processBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsweb_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fsweb_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fsweb_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fsweb_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// File pipeline metrics.
var (
	// ObjectsPersisted counts objects written to the store by pipeline
	// (upload, office, video, video_deferred, reupload).
	ObjectsPersisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsweb_objects_persisted_total",
			Help: "Objects persisted to the blob store by pipeline",
		},
		[]string{"pipeline"},
	)

	// ProcessRuns counts external tool invocations by tool and outcome.
	ProcessRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsweb_process_runs_total",
			Help: "External process invocations",
		},
		[]string{"tool", "status"},
	)

	// ProcessDuration observes external tool run time in seconds.
	ProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fsweb_process_duration_seconds",
			Help:    "External process run time in seconds",
			Buckets: processBuckets,
		},
		[]string{"tool"},
	)

	// BackgroundTasks counts finished background tasks by status
	// (success, error, panic, rejected).
	BackgroundTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsweb_background_tasks_total",
			Help: "Background tasks by outcome",
		},
		[]string{"status"},
	)

	// BackgroundTasksInflight tracks tasks accepted but not yet finished.
	BackgroundTasksInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fsweb_background_tasks_inflight",
			Help: "Background tasks accepted and not yet finished",
		},
	)

	// ArchiveEntries counts entries written into multi-file zip downloads.
	ArchiveEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fsweb_archive_entries_total",
			Help: "Entries streamed into zip archives",
		},
	)

	// TempFilesRemoved counts temp files deleted outside the request path
	// by reason (expired, abandoned).
	TempFilesRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fsweb_temp_files_removed_total",
			Help: "Temp files removed by the janitor or journal recovery",
		},
		[]string{"reason"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			HTTPResponseSize,
			ObjectsPersisted,
			ProcessRuns,
			ProcessDuration,
			BackgroundTasks,
			BackgroundTasksInflight,
			ArchiveEntries,
			TempFilesRemoved,
		)
		// Initialize so the series appear in /metrics output before the
		// first upload.
		ObjectsPersisted.WithLabelValues("upload")
		BackgroundTasks.WithLabelValues("success")
	})
}

// routes are the file endpoints; anything else maps to "/other".
var routes = map[string]bool{
	"upload":         true,
	"upload-office":  true,
	"upload-mp4h264": true,
	"getfile":        true,
	"delfile":        true,
	"reupload":       true,
}

// NormalizePath maps actual request paths to normalized path templates
// suitable for use as Prometheus metric labels. The optional namespace
// prefix collapses to "/{namespace}" so arbitrary prefixes cannot explode
// label cardinality.
func NormalizePath(path string) string {
	// Known fixed paths.
	switch path {
	case "/health", "/ready", "/metrics":
		return path
	case "/", "":
		return "/"
	}

	trimmed := strings.Trim(path, "/")
	segments := strings.Split(trimmed, "/")
	switch {
	case len(segments) == 1 && routes[segments[0]]:
		return "/" + segments[0]
	case len(segments) == 2 && routes[segments[1]]:
		return "/{namespace}/" + segments[1]
	}
	return "/other"
}
