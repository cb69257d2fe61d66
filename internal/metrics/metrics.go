// Package metrics provides Prometheus instrumentation for the day engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts day settlements by outcome
	// (ok, partial, conflict, error).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "econ_settlements_total",
		Help: "Total number of day settlements attempted",
	}, []string{"outcome"})

	// SettlementDuration tracks end-to-end settlement latency.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "econ_settlement_duration_seconds",
		Help:    "Day settlement latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// ParticipantsSettled counts participant commits by result
	// (committed, skipped, failed).
	ParticipantsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "econ_participants_settled_total",
		Help: "Participant settlements by result",
	}, []string{"result"})

	// CommitRetries counts retried participant commits.
	CommitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "econ_commit_retries_total",
		Help: "Participant commits retried after a store error",
	})

	// CurrentDay tracks the market day.
	CurrentDay = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "econ_market_day",
		Help: "Current market day",
	})

	// Submissions counts accepted allocation submissions.
	Submissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "econ_allocation_submissions_total",
		Help: "Accepted allocation submissions",
	})

	// Rejections counts rejected requests by reason.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "econ_rejections_total",
		Help: "Requests rejected by the day controller",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "econ_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "econ_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "econ_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
