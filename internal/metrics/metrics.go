// Package metrics provides Prometheus instrumentation for the brokerage
// engine.
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
	// OrdersPlaced counts admitted orders, partitioned by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_orders_placed_total",
		Help: "Total number of orders admitted",
	}, []string{"side"})

	// OrdersRejected counts admission rejections by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_orders_rejected_total",
		Help: "Total number of orders rejected at admission",
	}, []string{"reason"})

	// FillsTotal counts executed fills, partitioned by side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_fills_total",
		Help: "Total number of order fills",
	}, []string{"side"})

	// FillLatency is the time spent applying one fill.
	FillLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_fill_latency_seconds",
		Help:    "Fill application latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// FillFailures counts fills abandoned due to persistence errors; the
	// order stays open and is re-attempted on the next tick.
	FillFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_fill_failures_total",
		Help: "Fills abandoned due to store errors",
	})

	// SettlementsReleased counts settlement entries moved to withdrawable.
	SettlementsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_settlements_released_total",
		Help: "Settlement entries released to withdrawable cash",
	})

	// OrdersExpired counts orders cancelled by the daily expiration sweep.
	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_orders_expired_total",
		Help: "Open orders cancelled by the expiration sweep",
	})

	// WSClients tracks currently connected WebSocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_ws_clients",
		Help: "Currently connected WebSocket clients",
	})

	// TicksProcessed counts price ticks run through the matching engine.
	TicksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_ticks_processed_total",
		Help: "Price ticks processed by the matching engine",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_http_request_duration_seconds",
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

		// Label by the chi route pattern, not the raw path: IDs in the URL
		// would make the label cardinality unbounded.
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
