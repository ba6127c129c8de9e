// Package metrics provides Prometheus instrumentation for the execution engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GatewayCalls counts broker operations that passed every gate, by operation.
	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqk_gateway_calls_total",
		Help: "Broker operations dispatched through the gateway",
	}, []string{"op"})

	// GateRefusals counts operations blocked before any side effect, by gate.
	GateRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqk_gate_refusals_total",
		Help: "Broker operations refused by a safety gate",
	}, []string{"op", "gate"})

	// UnknownOrders counts cancel/replace calls with no broker id mapping.
	UnknownOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqk_unknown_order_total",
		Help: "Cancel/replace calls for unmapped internal order ids",
	}, []string{"op"})

	// BrokerErrors counts adapter failures, by operation.
	BrokerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqk_broker_errors_total",
		Help: "Errors returned by the broker adapter",
	}, []string{"op"})

	// BrokerLatency tracks adapter call latency, by operation.
	BrokerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mqk_broker_latency_seconds",
		Help:    "Broker adapter call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OutboxTransitions counts outbox rows moved into each status.
	OutboxTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqk_outbox_transitions_total",
		Help: "Outbox rows moved into a status",
	}, []string{"status"})

	// RecoveryOutcomes counts reconciled outbox rows, by outcome.
	RecoveryOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqk_recovery_outcomes_total",
		Help: "Outbox rows reconciled against the broker",
	}, []string{"outcome"})

	// TransitionErrors counts illegal OMS events; each halts its order.
	TransitionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqk_oms_transition_errors_total",
		Help: "Illegal OMS transitions",
	})

	// OpenOrders tracks live OMS orders.
	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqk_open_orders",
		Help: "Number of non-terminal orders",
	})

	// FillsApplied counts fills applied to the ledger, by side.
	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqk_fills_applied_total",
		Help: "Fills applied to the ledger",
	}, []string{"side"})

	// DuplicateMessages counts broker messages dropped by inbox dedupe.
	DuplicateMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqk_inbox_duplicates_total",
		Help: "Broker messages dropped as duplicates",
	})

	// Armed is 1 while the integrity gate is armed.
	Armed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqk_armed",
		Help: "1 when the system is armed for trading",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mqk_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveBroker records latency for one adapter call started at start.
func ObserveBroker(op string, start time.Time) {
	BrokerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

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

		// Route pattern keeps order ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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
