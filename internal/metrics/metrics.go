// Package metrics provides Prometheus instrumentation for the ledger.
package metrics

import (
	"bufio"
	"fmt"
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
	// TradesSubmitted counts accepted trades by side and settlement route.
	TradesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotwise_trades_submitted_total",
		Help: "Total number of trades accepted by the ingestion front door",
	}, []string{"side", "route"})

	// TradeRejections counts trades refused before persistence.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotwise_trade_rejections_total",
		Help: "Trades rejected by validation or the inventory pre-check",
	}, []string{"reason"})

	// Settlements counts settlement attempts by side and outcome.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotwise_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"side", "outcome"})

	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lotwise_settlement_latency_seconds",
		Help:    "Settlement transaction latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// Allocations counts lot-to-sell allocation records written.
	Allocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lotwise_allocations_total",
		Help: "Total allocation records written",
	})

	// WorkerMessages counts stream messages by handling outcome.
	WorkerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotwise_worker_messages_total",
		Help: "Stream messages handled by the settlement worker",
	}, []string{"outcome"})

	// PublishTotal counts stream publish attempts by status.
	PublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotwise_publish_total",
		Help: "Trade publish attempts to the stream",
	}, []string{"status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lotwise_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lotwise_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lotwise_http_request_duration_seconds",
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

		// Route pattern keeps the path label bounded.
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
