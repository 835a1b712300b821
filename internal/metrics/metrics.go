// Package metrics provides Prometheus metrics for snapfolder.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapfolder_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapfolder_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapfolder_bytes_downloaded_total",
			Help: "Total bytes downloaded from the storage network",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapfolder_bytes_uploaded_total",
			Help: "Total bytes uploaded to the storage network",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapfolder_downloads_total",
			Help: "Total number of downloads",
		},
		[]string{"status"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapfolder_uploads_total",
			Help: "Total number of uploads",
		},
		[]string{"kind", "status"},
	)

	transferRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapfolder_transfer_retries_total",
			Help: "Total download attempts retried after a network error",
		},
	)

	payloadCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapfolder_payload_cache_total",
			Help: "Decrypted payload cache lookups",
		},
		[]string{"result"},
	)

	// Metadata metrics
	metadataLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapfolder_metadata_lookups_total",
			Help: "Metadata lookups by cache outcome",
		},
		[]string{"result"},
	)

	metadataRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapfolder_metadata_refresh_duration_seconds",
			Help:    "Time to refresh the local metadata cache from the relay",
			Buckets: prometheus.DefBuckets,
		},
	)

	metadataCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapfolder_metadata_cache_records",
			Help: "Number of records in the local metadata cache",
		},
	)

	// Synthesis metrics
	rebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapfolder_rebuilds_total",
			Help: "Directory snapshot rebuilds by outcome",
		},
		[]string{"status"},
	)

	rebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapfolder_rebuild_duration_seconds",
			Help:    "Directory rebuild duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	membersDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapfolder_members_dropped_total",
			Help: "Members dropped from a rebuild because they could not be fetched",
		},
	)

	cleanupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapfolder_cleanups_total",
			Help: "Background cleanups of superseded snapshots",
		},
		[]string{"status"},
	)

	// Event metrics
	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapfolder_event_subscribers",
			Help: "Number of active progress/status subscribers",
		},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapfolder_events_dropped_total",
			Help: "Events dropped because a subscriber was slow",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapfolder_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapfolder_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapfolder_auth_attempts_total",
			Help: "Relay authentication attempts",
		},
		[]string{"status"},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapfolder_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapfolder_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
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

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDownload records a download.
func RecordDownload(bytes int64, success bool) {
	bytesDownloaded.Add(float64(bytes))
	downloadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordUpload records an upload. kind is "blob" or "batch".
func RecordUpload(kind string, bytes int64, success bool) {
	bytesUploaded.Add(float64(bytes))
	uploadsTotal.WithLabelValues(kind, status(success)).Inc()
}

// RecordTransferRetry records one retried download attempt.
func RecordTransferRetry() {
	transferRetriesTotal.Inc()
}

// RecordPayloadCache records a payload cache hit or miss.
func RecordPayloadCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	payloadCacheTotal.WithLabelValues(result).Inc()
}

// RecordMetadataLookup records a metadata lookup. result is one of
// "fresh", "stale", "miss" or "absent".
func RecordMetadataLookup(result string) {
	metadataLookupsTotal.WithLabelValues(result).Inc()
}

// RecordMetadataRefresh records metadata refresh duration.
func RecordMetadataRefresh(duration time.Duration) {
	metadataRefreshDuration.Observe(duration.Seconds())
}

// SetMetadataCacheSize sets the current local cache size.
func SetMetadataCacheSize(size int) {
	metadataCacheSize.Set(float64(size))
}

// RecordRebuild records a directory rebuild.
func RecordRebuild(duration time.Duration, dropped int, success bool) {
	rebuildDuration.Observe(duration.Seconds())
	rebuildsTotal.WithLabelValues(status(success)).Inc()
	membersDroppedTotal.Add(float64(dropped))
}

// RecordCleanup records the outcome of a background cleanup.
func RecordCleanup(success bool) {
	cleanupsTotal.WithLabelValues(status(success)).Inc()
}

// SetEventSubscribers sets the number of active event subscribers.
func SetEventSubscribers(count int) {
	eventSubscribers.Set(float64(count))
}

// RecordEventDropped records an event dropped for a slow subscriber.
func RecordEventDropped() {
	eventsDroppedTotal.Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordAuthAttempt records a relay authentication attempt.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(status(success)).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records HTTP request metrics. Paths are collapsed to their
// route prefix to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.statusCode, time.Since(start))
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/v1/records/"):
		return "/api/v1/records/{address}"
	case strings.HasPrefix(path, "/api/v1/owners/"):
		return "/api/v1/owners/{owner}/records"
	default:
		return path
	}
}
