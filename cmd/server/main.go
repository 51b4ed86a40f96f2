// Command server starts the quality-gateway HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/cache"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/httpserver"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/obsclient"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/observability"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/provider"
	"github.com/TheCreditPros/tilores-X-sub004/internal/app"
	"github.com/TheCreditPros/tilores-X-sub004/internal/config"
	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/collector"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/engine"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/vcycle"
)

// annotationQueueID is the backend queue fed by the annotation router.
const annotationQueueID = "ambiguous-interactions"

// openAIModels are the ids served through the OpenAI-compatible backend.
var openAIModels = []string{"gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo"}

// groqModels are the ids served through the Groq backend.
var groqModels = []string{"llama-3.3-70b-versatile", "mixtral-8x7b-32768"}

// cerebrasModels are the ids served through the Cerebras backend.
var cerebrasModels = []string{"llama3.1-8b", "llama3.1-70b"}

func buildProviders(cfg config.Config) *provider.Registry {
	reg := provider.NewRegistry()
	if cfg.ProviderOpenAIAPIKey != "" {
		reg.Register(provider.NewOpenAICompatible("openai", cfg.ProviderOpenAIBaseURL, cfg.ProviderOpenAIAPIKey, 60*time.Second), openAIModels...)
	}
	if cfg.ProviderGroqAPIKey != "" {
		reg.Register(provider.NewOpenAICompatible("groq", cfg.ProviderGroqBaseURL, cfg.ProviderGroqAPIKey, 60*time.Second), groqModels...)
	}
	if cfg.ProviderCerebrasAPIKey != "" {
		reg.Register(provider.NewOpenAICompatible("cerebras", cfg.ProviderCerebrasBaseURL, cfg.ProviderCerebrasAPIKey, 60*time.Second), cerebrasModels...)
	}
	if cfg.ProviderOpenAIAPIKey != "" && cfg.ProviderGroqAPIKey != "" {
		reg.SetFallbacks("openai", "groq")
	}
	if cfg.IsDev() {
		reg.Register(provider.NewMock(), "mock-model")
	}
	return reg
}

func seedVariants(reg *vcycle.Registry, providers *provider.Registry) {
	params := domain.VariantParameters{Temperature: 0.7, TopP: 1.0, MaxTokens: 1024}
	prompt := "You are a precise credit-data assistant. Answer using only the customer's records."
	for _, m := range providers.Models() {
		for _, sp := range domain.Spectrums {
			if _, err := reg.Seed(m.ID, sp, prompt, params); err != nil {
				slog.Warn("variant seed skipped", slog.String("model", m.ID), slog.String("spectrum", string(sp)), slog.Any("error", err))
			}
		}
	}
}

// verifyObsCredentials exercises the observability credentials with a live
// call before any port binds, so an invalid key fails boot instead of
// degrading after traffic starts. Transient backend trouble is logged and
// tolerated; only a definitive auth rejection is fatal.
func verifyObsCredentials(obs *obsclient.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := obs.WorkspaceStats(ctx); err != nil {
		if errors.Is(err, domain.ErrAuth) {
			return fmt.Errorf("%w: observability credentials rejected: %v", domain.ErrConfiguration, err)
		}
		slog.Warn("observability credential check inconclusive", slog.Any("error", err))
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// L2 cache tier. Absence of REDIS_URL degrades to L1-only.
	var rdb *redis.Client
	var redisCheck func(domain.Context) error
	if cfg.RedisURL != "" {
		opts, perr := redis.ParseURL(cfg.RedisURL)
		if perr != nil {
			slog.Error("invalid REDIS_URL", slog.Any("error", perr))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		redisCheck = func(ctx domain.Context) error { return rdb.Ping(ctx).Err() }
		defer func() { _ = rdb.Close() }()
	}
	tiered := cache.New(cfg.CacheL1Entries, cfg.CacheL1TTL, rdb)

	obs := obsclient.New(cfg)
	if err := verifyObsCredentials(obs); err != nil {
		slog.Error("configuration fatal", slog.Any("error", err))
		os.Exit(1)
	}
	providers := buildProviders(cfg)

	coll := collector.New(collector.ScoreConfig{
		WeightSuccess:    cfg.ScoreWeightSuccess,
		WeightLatency:    cfg.ScoreWeightLatency,
		WeightStructural: cfg.ScoreWeightStructural,
		LatencySLOMS:     float64(cfg.ScoreLatencySLO.Milliseconds()),
	})
	patterns := engine.NewPatternIndex(engine.HashEmbedder{})
	strategies := engine.NewStrategyBook(engine.DefaultStrategies())
	experiments := engine.NewExperiments(engine.ExperimentConfig{
		MinSamplesPerArm: cfg.ABMinSamples,
		Alpha:            cfg.ABAlpha,
		MaxDuration:      cfg.ABMaxDuration(),
		TreatmentShare:   50,
	})
	variants := vcycle.NewRegistry()
	seedVariants(variants, providers)

	mon := observability.NewMonitor()
	manager := vcycle.NewManager(vcycle.Deps{
		Cfg:         cfg,
		Collector:   coll,
		Patterns:    patterns,
		Strategies:  strategies,
		Experiments: experiments,
		Analyzer:    engine.NewDeltaAnalyzer(coll, cfg.RegressionDelta, cfg.ABAlpha),
		Forecaster:  engine.NewForecaster(cfg.ForecastMinSamples, cfg.ForecastHorizonHours),
		Feedback:    engine.NewFeedbackIntegrator(obs, patterns),
		Annotations: engine.NewAnnotationRouter(obs, annotationQueueID),
		Rollups:     engine.NewRollupScheduler(obs),
		Variants:    variants,
		Alerts:      vcycle.NewAlerter(cfg.AlertCooldown),
		Monitor:     mon,
	})
	manager.Start(context.Background())

	srv := httpserver.NewServer(cfg, providers, tiered, manager, redisCheck)
	handler := app.BuildRouter(cfg, srv, app.NewLimiter(cfg), mon)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	manager.Shutdown()
}
