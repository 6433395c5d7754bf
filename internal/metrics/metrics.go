// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// OrdersTotal counts accepted orders, partitioned by direction.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_orders_total",
		Help: "Total number of orders accepted",
	}, []string{"direction"})

	// OrderRejections counts orders rejected before a trade was recorded.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_order_rejections_total",
		Help: "Orders rejected, by reason",
	}, []string{"reason"})

	// SessionsOpened counts sessions created by this process.
	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_sessions_opened_total",
		Help: "Sessions created",
	})

	// SessionsCompleted counts sessions this process moved to COMPLETED, by outcome source.
	SessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_sessions_completed_total",
		Help: "Sessions transitioned to COMPLETED",
	}, []string{"source"})

	// RaceLost counts conditional updates lost to a concurrent caller.
	RaceLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_race_lost_total",
		Help: "Conditional updates that matched no row",
	}, []string{"stage"})

	// TradesSettled counts trades settled, by result.
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_trades_settled_total",
		Help: "Trades settled",
	}, []string{"result"})

	PayoutCredited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_payout_credited_total",
		Help: "Stake plus profit returned to available funds by winning trades",
	})

	// SettlementFailures counts per-trade settlement failures.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_settlement_failures_total",
		Help: "Trades that failed to settle and stay pending",
	})

	// InvariantViolations counts balance mutations rejected by the non-negativity check.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_balance_invariant_violations_total",
		Help: "Balance mutations rejected because a field would go negative",
	})

	// SettlementRunDuration tracks the latency of ProcessDueSessions.
	SettlementRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "updown_settlement_run_seconds",
		Help:    "Duration of one settlement pass",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	// WithdrawalsTotal counts withdrawal state changes, by resulting status.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_withdrawals_total",
		Help: "Withdrawal requests by status",
	}, []string{"status"})

	// JournalErrors counts settlement summaries a sink failed to record.
	JournalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_journal_errors_total",
		Help: "Settlement summaries that failed to reach a sink",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "updown_http_request_duration_seconds",
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

		// Label by route pattern so IDs in the path don't explode cardinality.
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
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
