package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/warp/operation-ledger/engine"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ops_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "route"})

	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ops_sweep_runs_total",
		Help: "Liveness sweep passes",
	})

	sweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ops_sweep_expired_total",
		Help: "Operations expired by the liveness sweep",
	})

	sweepRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ops_sweep_refunds_total",
		Help: "Refunds issued by the liveness sweep",
	})

	sweepLocksReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ops_sweep_locks_released_total",
		Help: "External locks released after expiry",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ops_sweep_errors_total",
		Help: "Operations the sweep failed to expire",
	})

	correctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ops_corrections_total",
		Help: "Correction requests by kind and outcome",
	}, []string{"kind", "outcome"})
)

// unmatchedRoute labels requests that matched no route. Raw paths are never
// used as labels.
const unmatchedRoute = "unmatched"

// instrument records request count and latency per route pattern, so ids in
// the path do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := routeLabel(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel returns the matched pattern. A partial match through a mounted
// subrouter ends in a wildcard, which no registered route does.
func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	pattern := rctx.RoutePattern()
	if pattern == "" || strings.HasSuffix(pattern, "*") {
		return unmatchedRoute
	}
	return pattern
}

func recordSweep(s *engine.SweepSummary) {
	sweepRunsTotal.Inc()
	sweepExpiredTotal.Add(float64(s.Expired))
	sweepRefundedTotal.Add(float64(s.Refunded))
	sweepLocksReleasedTotal.Add(float64(s.LocksReleased))
	sweepErrorsTotal.Add(float64(s.Errors))
}

func recordCorrection(kind engine.CorrectionKind, outcome engine.CorrectionOutcome) {
	correctionsTotal.WithLabelValues(string(kind), string(outcome)).Inc()
}
