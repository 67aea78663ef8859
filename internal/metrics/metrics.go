// Package metrics provides Prometheus instrumentation for the exchange.
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
	// PricesIngested counts price points appended, per symbol.
	PricesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_prices_ingested_total",
		Help: "Price points appended to the series",
	}, []string{"symbol"})

	// PricesSkipped counts uploaded values at or below the watermark.
	PricesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_prices_skipped_total",
		Help: "Uploaded values skipped because the bucket was already ingested",
	}, []string{"symbol"})

	// OrdersSubmitted counts accepted orders, partitioned by action.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_orders_submitted_total",
		Help: "Total number of orders accepted",
	}, []string{"action"})

	// OrderRejections counts rejected submissions by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_order_rejections_total",
		Help: "Orders rejected at submission",
	}, []string{"reason"})

	// SettlementRuns counts settlement invocations by outcome.
	SettlementRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_settlement_runs_total",
		Help: "Settlement invocations",
	}, []string{"symbol", "outcome"})

	// Fills counts settled orders, partitioned by action.
	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_fills_total",
		Help: "Orders resolved into portfolio mutations",
	}, []string{"action"})

	// SettlementLatency tracks how long a settlement run takes.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vitals_settlement_latency_seconds",
		Help:    "Settlement run latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"symbol"})

	// PriceGaps counts settlements aborted by a missing price point.
	PriceGaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_price_gaps_total",
		Help: "Settlements aborted because a due bucket had no price",
	}, []string{"symbol"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vitals_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitals_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vitals_http_request_duration_seconds",
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

		// Route pattern keeps user IDs and symbols out of the label.
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
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}
