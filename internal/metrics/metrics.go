// Package metrics provides Prometheus metrics for the cowrite replicas.
package metrics

import (
	"bufio"
	"errors"
	"net"
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
			Name: "cowrite_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RPC metrics
	rpcsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cowrite_rpcs_applied_total",
			Help: "Total RPCs applied to the file tree",
		},
		[]string{"kind", "result"},
	)

	rpcApplyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cowrite_rpc_apply_duration_seconds",
			Help:    "Time spent applying one RPC under the tree lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	mergeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cowrite_merge_failures_total",
			Help: "Remote edits that could not be merged and were dropped",
		},
	)

	// Tree metrics
	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cowrite_tree_size",
			Help: "Number of entries in the path index",
		},
	)

	openDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cowrite_open_documents",
			Help: "Number of documents held in memory",
		},
	)

	documentLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cowrite_document_load_duration_seconds",
			Help:    "Time to read a file from the working tree and build its document",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Connection metrics
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cowrite_connections_active",
			Help: "Number of connected clients",
		},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cowrite_broadcasts_total",
			Help: "Total RPCs fanned out to connections",
		},
		[]string{"kind"},
	)

	evictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cowrite_evictions_total",
			Help: "Connections closed because their outbound queue was full",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cowrite_auth_attempts_total",
			Help: "Total handshake attempts",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cowrite_rate_limit_hits_total",
			Help: "RPCs that had to wait for the per-connection rate limit",
		},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cowrite_storage_operation_duration_seconds",
			Help:    "Working-tree storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cowrite_storage_operations_total",
			Help: "Total working-tree storage operations",
		},
		[]string{"backend", "operation", "status"},
	)

	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cowrite_watcher_events_total",
			Help: "Filesystem events turned into RPCs",
		},
		[]string{"kind"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordRPC records one applied RPC. result is "ok" or an error kind.
func RecordRPC(kind, result string, duration time.Duration) {
	rpcsAppliedTotal.WithLabelValues(kind, result).Inc()
	rpcApplyDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordMergeFailure records a remote edit that was dropped.
func RecordMergeFailure() {
	mergeFailuresTotal.Inc()
}

// SetTreeSize sets the number of index entries.
func SetTreeSize(size int) {
	treeSize.Set(float64(size))
}

// SetOpenDocuments sets the number of resident documents.
func SetOpenDocuments(count int) {
	openDocuments.Set(float64(count))
}

// RecordDocumentLoad records a lazy document load.
func RecordDocumentLoad(duration time.Duration, success bool) {
	documentLoadDuration.WithLabelValues(status(success)).Observe(duration.Seconds())
}

// SetConnectionsActive sets the number of connected clients.
func SetConnectionsActive(count int) {
	connectionsActive.Set(float64(count))
}

// RecordBroadcast records one RPC fanned out to all connections.
func RecordBroadcast(kind string) {
	broadcastsTotal.WithLabelValues(kind).Inc()
}

// RecordEviction records a slow connection being closed.
func RecordEviction() {
	evictionsTotal.Inc()
}

// RecordAuthAttempt records a handshake attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a throttled RPC.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordStorageOperation records a working-tree storage operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordWatcherEvent records a filesystem event replayed as an RPC.
func RecordWatcherEvent(kind string) {
	watcherEventsTotal.WithLabelValues(kind).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
