// Package metrics provides Prometheus metrics for the Shari library core.
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
			Name: "shari_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shari_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// File server metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shari_transfers_total",
			Help: "Completed transfers by direction and channel",
		},
		[]string{"direction", "channel", "status"},
	)

	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shari_transfer_bytes_total",
			Help: "Bytes moved through the file server",
		},
		[]string{"direction"},
	)

	serverRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shari_server_running",
			Help: "1 when the file server is accepting connections",
		},
	)

	clientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shari_clients_connected",
			Help: "Number of distinct clients with open connections",
		},
	)

	serverEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shari_server_events_total",
			Help: "Listener events emitted by the file server",
		},
		[]string{"kind"},
	)

	// Reconciliation metrics
	reconcilePassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shari_reconcile_passes_total",
			Help: "Reconciliation passes by outcome",
		},
		[]string{"outcome"},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shari_reconcile_duration_seconds",
			Help:    "Time taken by a reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	reconcileChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shari_reconcile_changes_total",
			Help: "Records changed by reconciliation",
		},
		[]string{"change"},
	)

	reconcileTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shari_reconcile_triggers_total",
			Help: "Reconciliation triggers by source",
		},
		[]string{"source"},
	)

	// Catalog metrics
	catalogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shari_catalog_documents",
			Help: "Number of documents in the main catalog context",
		},
	)

	catalogSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shari_catalog_saves_total",
			Help: "Catalog save attempts",
		},
		[]string{"status"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shari_db_query_duration_seconds",
			Help:    "Catalog backend query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "query"},
	)

	// Watcher metrics
	watcherEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shari_watcher_raw_events_total",
			Help: "Raw filesystem events observed",
		},
	)

	watcherCallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shari_watcher_callbacks_total",
			Help: "Debounced change callbacks fired",
		},
	)

	watcherErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shari_watcher_errors_total",
			Help: "Errors reported by the filesystem watcher",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shari_sse_connections_active",
			Help: "Number of active event subscribers",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shari_sse_events_total",
			Help: "Total events published",
		},
		[]string{"type"},
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
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records a completed upload over channel ("web" or "dav").
func RecordUpload(channel string, bytes int64, success bool) {
	transfersTotal.WithLabelValues("upload", channel, status(success)).Inc()
	if bytes > 0 {
		transferBytes.WithLabelValues("upload").Add(float64(bytes))
	}
}

// RecordDownload records a completed download over channel.
func RecordDownload(channel string, bytes int64, success bool) {
	transfersTotal.WithLabelValues("download", channel, status(success)).Inc()
	if bytes > 0 {
		transferBytes.WithLabelValues("download").Add(float64(bytes))
	}
}

// SetServerRunning flips the server gauge.
func SetServerRunning(running bool) {
	if running {
		serverRunning.Set(1)
		return
	}
	serverRunning.Set(0)
}

// SetClientsConnected sets the connected client gauge.
func SetClientsConnected(n int) {
	clientsConnected.Set(float64(n))
}

// RecordServerEvent counts a listener event by kind.
func RecordServerEvent(kind string) {
	serverEventsTotal.WithLabelValues(kind).Inc()
}

// RecordReconcile records one reconciliation pass.
func RecordReconcile(duration time.Duration, added, removed, updated int, err error) {
	outcome := "clean"
	switch {
	case err != nil:
		outcome = "failed"
	case added+removed+updated > 0:
		outcome = "changed"
	}
	reconcilePassesTotal.WithLabelValues(outcome).Inc()
	reconcileDuration.Observe(duration.Seconds())
	reconcileChangesTotal.WithLabelValues("added").Add(float64(added))
	reconcileChangesTotal.WithLabelValues("removed").Add(float64(removed))
	reconcileChangesTotal.WithLabelValues("updated").Add(float64(updated))
}

// RecordTrigger counts a reconciliation trigger from source.
func RecordTrigger(source string) {
	reconcileTriggersTotal.WithLabelValues(source).Inc()
}

// SetCatalogSize sets the number of documents in the main context.
func SetCatalogSize(n int) {
	catalogSize.Set(float64(n))
}

// RecordCatalogSave records a save attempt.
func RecordCatalogSave(success bool) {
	catalogSavesTotal.WithLabelValues(status(success)).Inc()
}

// RecordDBQuery records a backend query duration.
func RecordDBQuery(backend, query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(backend, query).Observe(duration.Seconds())
}

// RecordWatcherEvent counts a raw filesystem event.
func RecordWatcherEvent() {
	watcherEventsTotal.Inc()
}

// RecordWatcherCallback counts a debounced callback.
func RecordWatcherCallback() {
	watcherCallbacksTotal.Inc()
}

// RecordWatcherError counts a watcher error.
func RecordWatcherError() {
	watcherErrorsTotal.Inc()
}

// SetSSEConnectionsActive sets the number of active subscribers.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. Routes are
// collapsed by route so document names do not explode label cardinality.
func Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)
			name := r.URL.Path
			if route != nil {
				name = route(r)
			}
			RecordHTTPRequest(r.Method, name, rw.statusCode, time.Since(start))
		})
	}
}
