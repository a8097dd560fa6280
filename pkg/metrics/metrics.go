package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbops_copilot_build_info",
			Help: "Build information of the DBOps Copilot",
		},
		[]string{"version", "commit", "date"},
	)

	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_copilot_turns_total",
			Help: "Total number of workflow turns by outcome",
		},
		[]string{"outcome"},
	)

	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_copilot_node_executions_total",
			Help: "Total number of workflow node executions",
		},
		[]string{"step", "result"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbops_copilot_node_duration_seconds",
			Help:    "Duration of workflow node executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	CapabilityCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_copilot_capability_calls_total",
			Help: "Total number of external capability calls",
		},
		[]string{"capability", "result"},
	)

	LintBlocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbops_copilot_lint_blocks_total",
			Help: "Total number of generated statements blocked by the hallucination lint",
		},
	)

	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_copilot_fallbacks_total",
			Help: "Total number of turns that ended in the fallback responder",
		},
		[]string{"reason"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbops_copilot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbops_copilot_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dbops_copilot_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
