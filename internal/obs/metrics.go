package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	auditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Audit entries written, by action and severity.",
		},
		[]string{"action", "severity"},
	)

	auditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit entries that could not be persisted.",
	})

	securityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Security events recorded on the denial path, by event code.",
		},
		[]string{"event"},
	)

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Sessions currently alive in the store.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		auditEntriesTotal,
		auditWriteFailures,
		securityEventsTotal,
		sessionsActive,
	)
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AuditEntryRecorded counts a persisted audit entry.
func AuditEntryRecorded(action, severity string) {
	auditEntriesTotal.WithLabelValues(action, severity).Inc()
}

// AuditWriteFailed counts a lost audit write.
func AuditWriteFailed() {
	auditWriteFailures.Inc()
}

// SecurityEventRecorded counts a denial-path event.
func SecurityEventRecorded(event string) {
	securityEventsTotal.WithLabelValues(event).Inc()
}

// SetActiveSessions publishes the current live-session count.
func SetActiveSessions(n int64) {
	sessionsActive.Set(float64(n))
}

// Instrument measures request rate, latency and in-flight count. The
// path label uses the chi route pattern when one matched, keeping label
// cardinality bounded.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
