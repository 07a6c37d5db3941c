// Package metrics provides Prometheus metrics for the inkwell server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// File outcomes recorded by the sync engine.
const (
	FilePulled   = "pulled"
	FilePushed   = "pushed"
	FileConflict = "conflict"
	FileSkipped  = "skipped"
	FileFailed   = "failed"
)

var (
	syncOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_sync_operations_total",
			Help: "Total number of sync operations by kind and final state",
		},
		[]string{"kind", "state"},
	)

	syncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_sync_duration_seconds",
			Help:    "Sync operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	syncFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_sync_files_total",
			Help: "Files processed by the sync engine by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	githubRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkwell_github_requests_total",
			Help: "Total GitHub API calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	githubRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkwell_github_request_duration_seconds",
			Help:    "GitHub API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	storeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inkwell_store_subscribers",
			Help: "Number of active local store change subscribers",
		},
	)
)

// RecordSyncOperation records a finished sync operation.
func RecordSyncOperation(kind, state string, d time.Duration) {
	syncOperationsTotal.WithLabelValues(kind, state).Inc()
	syncDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordFile records one file outcome of a pull or push.
func RecordFile(operation, outcome string) {
	syncFilesTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordGitHubRequest records one GitHub API call.
func RecordGitHubRequest(operation, outcome string, d time.Duration) {
	githubRequestsTotal.WithLabelValues(operation, outcome).Inc()
	githubRequestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetStoreSubscribers sets the current number of change subscribers.
func SetStoreSubscribers(n int) {
	storeSubscribers.Set(float64(n))
}

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
