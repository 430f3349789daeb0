package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts service operations by outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essaylake_operations_total",
			Help: "Total number of search service operations",
		},
		[]string{"operation", "status"},
	)
	// OperationDuration is the latency of service operations.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "essaylake_operation_duration_seconds",
			Help:    "Search service operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	// CacheLookups counts result cache lookups.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essaylake_cache_lookups_total",
			Help: "Total number of result cache lookups",
		},
		[]string{"result"},
	)
	// RowsReturned is the number of rows per search.
	RowsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "essaylake_search_rows",
			Help:    "Rows returned per search",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	// SnapshotActivations counts snapshot switches.
	SnapshotActivations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "essaylake_snapshot_activations_total",
			Help: "Total number of snapshot activations",
		},
	)
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "essaylake_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// ObserveOperation records one operation outcome and its duration.
func ObserveOperation(operation string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	OperationsTotal.WithLabelValues(operation, status).Inc()
	OperationDuration.WithLabelValues(operation).Observe(seconds)
}

// ObserveCache records a result cache hit or miss.
func ObserveCache(hit bool) {
	if hit {
		CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	CacheLookups.WithLabelValues("miss").Inc()
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
