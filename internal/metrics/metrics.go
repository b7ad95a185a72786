// Package metrics provides Prometheus instrumentation for the dealer ledger.
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
	// TradesTotal counts committed trades, partitioned by type and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealer_trades_total",
		Help: "Total number of trades committed",
	}, []string{"type", "side"})

	// TradeFailures counts workflows that ended in an error, by error kind.
	TradeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealer_trade_failures_total",
		Help: "Trade workflows that failed, by error kind",
	}, []string{"operation", "kind"})

	// TradeLatency tracks workflow latency, including lock wait.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dealer_trade_latency_seconds",
		Help:    "Trade workflow latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// SufficiencyRejections counts trades refused by the sufficiency gate.
	SufficiencyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealer_sufficiency_rejections_total",
		Help: "Trades rejected for insufficient cash or inventory",
	}, []string{"ledger"})

	// HedgesTotal counts calls to the hedging venue by outcome.
	HedgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealer_hedges_total",
		Help: "Hedge requests sent to the venue",
	}, []string{"side", "outcome"})

	// HedgeCompensations counts reverse hedges sent after a failed commit.
	HedgeCompensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealer_hedge_compensations_total",
		Help: "Reverse hedges issued after a failed commit",
	}, []string{"outcome"})

	// HedgedOunces tracks cumulative hedged troy ounces per metal.
	HedgedOunces = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealer_hedged_ounces_total",
		Help: "Cumulative troy ounces hedged",
	}, []string{"metal", "side"})

	// EventsProcessed counts dispatched domain events by outcome.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealer_events_processed_total",
		Help: "Domain events dispatched by the processor",
	}, []string{"outcome"})

	// EventsEnqueued counts domain events handed to the queue.
	EventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dealer_events_enqueued_total",
		Help: "Domain events enqueued after commit",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dealer_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dealer_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dealer_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, keeps label cardinality bounded.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
