// Package metrics provides Prometheus instrumentation for the
// reconciliation engine.
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
	// TradesCreated counts trades booked, partitioned by direction and
	// entry path (reconcile vs manual).
	TradesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circle_trades_created_total",
		Help: "Total number of trades booked",
	}, []string{"direction", "source"})

	// Reconciliations counts ReconcileNotional calls by outcome
	// (trade_created, noop, rejected, failed).
	Reconciliations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circle_reconciliations_total",
		Help: "ReconcileNotional calls by outcome",
	}, []string{"outcome"})

	// LimitRejections counts proposals rejected by the exposure validator.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circle_limit_rejections_total",
		Help: "Proposals rejected by the target circle check",
	})

	// FlattenRuns counts flatten executions by result (adjusted, flat, failed).
	FlattenRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circle_flatten_runs_total",
		Help: "End-of-day flatten executions",
	}, []string{"result"})

	// BroadcastEvents counts events fanned out to sessions, by type.
	BroadcastEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circle_broadcast_events_total",
		Help: "Events broadcast to editor sessions",
	}, []string{"type"})

	// ConnectedSessions tracks connected WebSocket editor sessions.
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "circle_connected_sessions",
		Help: "Number of connected editor sessions",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "circle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
