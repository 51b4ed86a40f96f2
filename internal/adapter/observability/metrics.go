package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of provider invocations by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider invocation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	ObsRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obs_backend_requests_total",
			Help: "Total number of observability backend requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	ObsRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "obs_backend_request_duration_seconds",
			Help:    "Observability backend request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 60},
		},
		[]string{"operation"},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits by tier and class",
		},
		[]string{"tier", "class"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses by class",
		},
		[]string{"class"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Total requests rejected by the per-route rate limiter",
		},
		[]string{"route"},
	)

	TracesProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcycle_traces_processed_total",
			Help: "Total traces drained from the ingest queue",
		},
	)
	TracesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcycle_traces_dropped_total",
			Help: "Total traces dropped on ingest buffer overflow",
		},
	)
	QualityChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcycle_quality_checks_total",
			Help: "Total quality monitor evaluations",
		},
	)
	OptimizationsTriggeredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcycle_optimizations_triggered_total",
			Help: "Total optimization cycles started",
		},
	)
	ImprovementsDeployedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vcycle_improvements_deployed_total",
			Help: "Total variants promoted to deployed",
		},
	)
	ExperimentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcycle_experiments_total",
			Help: "Total experiments by terminal status",
		},
		[]string{"status"},
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vcycle_alerts_total",
			Help: "Total alerts emitted by kind and severity",
		},
		[]string{"kind", "severity"},
	)
	LoopCadenceDrift = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vcycle_loop_cadence_drift_seconds",
			Help:    "Observed drift between scheduled and actual loop ticks",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"loop"},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(ObsRequestsTotal)
	prometheus.MustRegister(ObsRequestDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(TracesProcessedTotal)
	prometheus.MustRegister(TracesDroppedTotal)
	prometheus.MustRegister(QualityChecksTotal)
	prometheus.MustRegister(OptimizationsTriggeredTotal)
	prometheus.MustRegister(ImprovementsDeployedTotal)
	prometheus.MustRegister(ExperimentsTotal)
	prometheus.MustRegister(AlertsTotal)
	prometheus.MustRegister(LoopCadenceDrift)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
