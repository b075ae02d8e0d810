// Package metrics provides Prometheus metrics for the hybridvault storage core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Provider operation metrics
	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridvault_storage_operations_total",
			Help: "Total storage contract operations by backend and outcome",
		},
		[]string{"backend", "operation", "status"},
	)

	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hybridvault_storage_operation_duration_seconds",
			Help:    "Storage contract operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Router metrics
	routingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridvault_routing_decisions_total",
			Help: "Write routing decisions by selected backend and rule",
		},
		[]string{"backend", "reason"},
	)

	// ReadFallbacksTotal counts reads retried on the secondary backend.
	ReadFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridvault_read_fallbacks_total",
			Help: "Reads retried on the secondary backend after the primary failed",
		},
		[]string{"from", "to", "status"},
	)

	// BackupsTotal counts backup attempts by status.
	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridvault_backups_total",
			Help: "Opportunistic backups of version-control artifacts into object storage",
		},
		[]string{"status"},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hybridvault_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridvault_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)

	// Git metrics
	gitCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridvault_git_commands_total",
			Help: "Total git invocations",
		},
		[]string{"command", "status"},
	)

	lockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hybridvault_lock_wait_seconds",
			Help:    "Time spent waiting for a per-repository lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WriteTextfile writes the current metrics in the text exposition format,
// for the node exporter textfile collector. Short-lived processes use it in
// place of a scrape endpoint.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOperation records one storage contract operation.
func RecordOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordRouting records which backend a write was routed to and why.
func RecordRouting(backend, reason string) {
	routingDecisionsTotal.WithLabelValues(backend, reason).Inc()
}

// RecordFallback records a read served (or not) by the secondary backend.
func RecordFallback(from, to string, success bool) {
	ReadFallbacksTotal.WithLabelValues(from, to, status(success)).Inc()
}

// RecordBackup records the outcome of a best-effort backup.
func RecordBackup(success bool) {
	BackupsTotal.WithLabelValues(status(success)).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// RecordGitCommand records a git invocation.
func RecordGitCommand(command string, success bool) {
	gitCommandsTotal.WithLabelValues(command, status(success)).Inc()
}

// RecordLockWait records how long a lock acquisition took.
func RecordLockWait(backend string, duration time.Duration) {
	lockWaitDuration.WithLabelValues(backend).Observe(duration.Seconds())
}
