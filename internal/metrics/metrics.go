// Package metrics provides Prometheus metrics for the sharefolder server.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharefolder_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "intent", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharefolder_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"intent"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharefolder_sessions_active",
			Help: "Number of sessions in this process's table",
		},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharefolder_auth_attempts_total",
			Help: "Total login attempts",
		},
		[]string{"result"},
	)

	fileOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharefolder_file_ops_total",
			Help: "Total file operations by outcome",
		},
		[]string{"op", "status"},
	)

	zipBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharefolder_zip_bytes_total",
			Help: "Total file bytes written into zip downloads",
		},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharefolder_upload_bytes_total",
			Help: "Total bytes received through uploads",
		},
	)

	clusterMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharefolder_cluster_messages_total",
			Help: "Session replication messages by kind and direction",
		},
		[]string{"kind", "direction"},
	)

	workerRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharefolder_worker_restarts_total",
			Help: "Worker processes restarted after exiting",
		},
	)
)

// validationErrs are the sentinels RecordFileOp counts as "invalid" rather
// than "error". Registered from package init only.
var validationErrs []error

// RegisterValidationError marks err (and anything wrapping it) as "invalid".
func RegisterValidationError(err error) {
	validationErrs = append(validationErrs, err)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, intent string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, intent, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(intent).Observe(duration.Seconds())
}

// SetSessionsActive sets the number of live sessions.
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// RecordAuthAttempt records a login attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordFileOp records the outcome of a file operation.
func RecordFileOp(op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
		for _, v := range validationErrs {
			if errors.Is(err, v) {
				status = "invalid"
				break
			}
		}
	}
	fileOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordZip records the payload size of a finished zip download.
func RecordZip(bytes int64) {
	zipBytesTotal.Add(float64(bytes))
}

// RecordUpload records bytes saved by an upload.
func RecordUpload(bytes int64) {
	uploadBytesTotal.Add(float64(bytes))
}

// RecordClusterMessage counts a replication message; direction is "in" or "out".
func RecordClusterMessage(kind, direction string) {
	clusterMessagesTotal.WithLabelValues(kind, direction).Inc()
}

// RecordWorkerRestart counts a restarted worker.
func RecordWorkerRestart() {
	workerRestartsTotal.Inc()
}
