package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ctxKey string

const (
	routeLabelKey   ctxKey = "metrics_route"
	requestIDCtxKey ctxKey = "metrics_request_id"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "route"})

	tierDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_tier_dispatch_total",
		Help: "Workspaces considered per tier run, by outcome (triggered, skipped, failed).",
	}, []string{"tier", "outcome"})

	jobsRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calsync_jobs_running",
		Help: "Sync jobs currently executing.",
	}, []string{"tier"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calsync_job_duration_seconds",
		Help:    "Wall time of sync jobs.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"tier", "status"})

	eventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_events_applied_total",
		Help: "Local event writes by reconciler outcome.",
	}, []string{"provider", "outcome"})

	providerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_provider_errors_total",
		Help: "Provider call failures by error kind.",
	}, []string{"provider", "kind"})

	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_token_refresh_total",
		Help: "OAuth token refresh attempts by result.",
	}, []string{"provider", "result"})
)

// Middleware records request metrics and enriches the context with labels for downstream instrumentation.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := routePattern(r)
			reqID := middleware.GetReqID(r.Context())

			ctx := context.WithValue(r.Context(), routeLabelKey, route)
			if reqID != "" {
				ctx = context.WithValue(ctx, requestIDCtxKey, reqID)
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route = routePattern(r)
			statusCode := strconv.Itoa(status)

			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(r.Method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// WithRoute labels ctx for DB latency when no HTTP route is involved, e.g. "sync/immediate".
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, routeLabelKey, route)
}

// ObserveDBLatency records database latency for a given operation, associating it with request labels when available.
func ObserveDBLatency(ctx context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation, routeFromContext(ctx)).Observe(time.Since(start).Seconds())
}

// RequestIDFromContext extracts the request ID stored by the metrics middleware.
func RequestIDFromContext(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDCtxKey).(string); ok {
		return reqID
	}
	return ""
}

// ObserveDispatch counts one workspace outcome of a tier run.
func ObserveDispatch(tier, outcome string) {
	tierDispatches.WithLabelValues(tier, outcome).Inc()
}

// JobStarted marks a job as running and returns a func that records its completion.
func JobStarted(tier string) func(status string) {
	start := time.Now()
	jobsRunning.WithLabelValues(tier).Inc()
	return func(status string) {
		jobsRunning.WithLabelValues(tier).Dec()
		jobDuration.WithLabelValues(tier, status).Observe(time.Since(start).Seconds())
	}
}

// ObserveApply records reconciler write counts.
func ObserveApply(provider string, upserted, softDeleted, unchanged int) {
	eventsApplied.WithLabelValues(provider, "upserted").Add(float64(upserted))
	eventsApplied.WithLabelValues(provider, "soft_deleted").Add(float64(softDeleted))
	eventsApplied.WithLabelValues(provider, "unchanged").Add(float64(unchanged))
}

func ObserveProviderError(provider, kind string) {
	providerErrors.WithLabelValues(provider, kind).Inc()
}

func ObserveTokenRefresh(provider, result string) {
	tokenRefreshes.WithLabelValues(provider, result).Inc()
}

func routeFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(routeLabelKey).(string); ok && route != "" {
		return route
	}
	return "unknown"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
