// Package app wires configuration, middleware and handlers into the
// runnable gateway.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/httpserver"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/observability"
	"github.com/TheCreditPros/tilores-X-sub004/internal/config"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/ratelimiter"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// NewLimiter builds the per-route token buckets from configuration.
func NewLimiter(cfg config.Config) *ratelimiter.Limiter {
	return ratelimiter.New(map[string]ratelimiter.BucketConfig{
		"chat":    ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitChatPerMin),
		"models":  ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitModelsPerMin),
		"health":  ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitHealthPerMin),
		"metrics": ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitMetricsPerMin),
	})
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, limiter *ratelimiter.Limiter, mon *observability.Monitor) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Cache"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// The chat route streams; it must not sit behind the timeout handler.
	r.Group(func(cr chi.Router) {
		cr.Use(limiter.Middleware("chat", mon))
		cr.Post("/v1/chat/completions", srv.ChatCompletionsHandler())
	})

	r.Group(func(rr chi.Router) {
		rr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		rr.With(limiter.Middleware("models", mon)).Get("/v1/models", srv.ModelsHandler())

		rr.Group(func(hr chi.Router) {
			hr.Use(limiter.Middleware("health", mon))
			hr.Get("/health", srv.HealthHandler())
			hr.Get("/health/detailed", srv.DetailedHealthHandler())
		})

		rr.With(limiter.Middleware("metrics", mon)).
			Get("/metrics", promhttp.Handler().ServeHTTP)

		rr.Route("/v1/virtuous-cycle", func(vr chi.Router) {
			vr.Get("/status", srv.VCycleStatusHandler())
			vr.Get("/changes", srv.VCycleChangesHandler())
			// Mutating control endpoints carry a stricter per-IP guard.
			vr.Group(func(mr chi.Router) {
				mr.Use(httprate.LimitByIP(10, 1*time.Minute))
				mr.Post("/trigger", srv.VCycleTriggerHandler())
				mr.Post("/rollback", srv.VCycleRollbackHandler())
			})
		})
	})

	return httpserver.SecurityHeaders(r)
}
