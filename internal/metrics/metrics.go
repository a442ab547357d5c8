// Package metrics provides Prometheus metrics for the bucketgw server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketgw_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketgw_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	requestsAbortedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bucketgw_requests_aborted_total",
			Help: "Requests cancelled because the client went away",
		},
	)

	// Driver metrics
	driverOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketgw_driver_operations_total",
			Help: "Total driver operations",
		},
		[]string{"driver", "operation", "status"},
	)

	driverOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bucketgw_driver_operation_duration_seconds",
			Help:    "Driver operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "operation"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketgw_bytes_uploaded_total",
			Help: "Total bytes written through put",
		},
		[]string{"driver"},
	)

	// Session cache metrics
	sessionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bucketgw_sessions_open",
			Help: "Number of cached remote sessions",
		},
		[]string{"cache"},
	)

	sessionDialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketgw_session_dials_total",
			Help: "Total remote session dials",
		},
		[]string{"cache", "result"},
	)

	sessionClosesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bucketgw_session_closes_total",
			Help: "Total remote sessions closed, by reason",
		},
		[]string{"cache", "reason"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric. route should be the
// route pattern, not the raw path, to keep cardinality bounded.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordAbortedRequest counts a request cancelled by client disconnect.
func RecordAbortedRequest() {
	requestsAbortedTotal.Inc()
}

// RecordDriverOperation records one driver call.
func RecordDriverOperation(driver, op string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	driverOperationsTotal.WithLabelValues(driver, op, status).Inc()
	driverOperationDuration.WithLabelValues(driver, op).Observe(duration.Seconds())
}

// RecordUpload adds n bytes written through driver.
func RecordUpload(driver string, n int64) {
	bytesUploaded.WithLabelValues(driver).Add(float64(n))
}

// RecordSessionDial records a session dial attempt.
func RecordSessionDial(cache string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	sessionDialsTotal.WithLabelValues(cache, result).Inc()
	if success {
		sessionsOpen.WithLabelValues(cache).Inc()
	}
}

// RecordSessionClose records a session teardown. reason is one of idle,
// poisoned, stale, evicted or shutdown.
func RecordSessionClose(cache, reason string) {
	sessionClosesTotal.WithLabelValues(cache, reason).Inc()
	sessionsOpen.WithLabelValues(cache).Dec()
}
