// Package metrics provides Prometheus instrumentation for the signal
// pipeline.
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
	// SignalsTotal counts webhook intake outcomes.
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalexecutor_signals_total",
		Help: "Total inbound signals by intake outcome",
	}, []string{"outcome"})

	// OrdersSubmittedTotal counts orders accepted by a broker backend.
	OrdersSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalexecutor_orders_submitted_total",
		Help: "Orders accepted by the broker",
	}, []string{"mode"})

	// SubmitRetriesTotal counts transient submission failures that were
	// retried.
	SubmitRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalexecutor_submit_retries_total",
		Help: "Transient broker submission failures retried",
	})

	// OrderTransitionsTotal counts state-machine transitions by target state.
	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalexecutor_order_transitions_total",
		Help: "Order state transitions by target state",
	}, []string{"to"})

	// ReconcileTicksTotal counts reconciliation loop iterations.
	ReconcileTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalexecutor_reconcile_ticks_total",
		Help: "Reconciliation loop iterations",
	})

	// ReconcileErrorsTotal counts broker polling failures during
	// reconciliation.
	ReconcileErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalexecutor_reconcile_errors_total",
		Help: "Broker polling failures during reconciliation",
	})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalexecutor_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalexecutor_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})
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
