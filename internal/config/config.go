// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	// Observability backend credentials. Both are required; a missing value
	// is a fatal configuration error surfaced before serving begins.
	ObsAPIKey  string `env:"OBS_API_KEY"`
	ObsOrgID   string `env:"OBS_ORG_ID"`
	ObsBaseURL string `env:"OBS_BASE_URL" envDefault:"https://api.observability.example.com"`

	// Provider API keys. A present key enables routing to that provider.
	ProviderOpenAIAPIKey    string `env:"PROVIDER_OPENAI_API_KEY"`
	ProviderOpenAIBaseURL   string `env:"PROVIDER_OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	ProviderGroqAPIKey      string `env:"PROVIDER_GROQ_API_KEY"`
	ProviderGroqBaseURL     string `env:"PROVIDER_GROQ_BASE_URL" envDefault:"https://api.groq.com/openai/v1"`
	ProviderCerebrasAPIKey  string `env:"PROVIDER_CEREBRAS_API_KEY"`
	ProviderCerebrasBaseURL string `env:"PROVIDER_CEREBRAS_BASE_URL" envDefault:"https://api.cerebras.ai/v1"`

	// RedisURL enables the L2 cache tier; absence degrades to L1-only.
	RedisURL string `env:"REDIS_URL"`

	RateLimitChatPerMin    int `env:"RATE_LIMIT_CHAT_PER_MIN" envDefault:"100"`
	RateLimitModelsPerMin  int `env:"RATE_LIMIT_MODELS_PER_MIN" envDefault:"500"`
	RateLimitHealthPerMin  int `env:"RATE_LIMIT_HEALTH_PER_MIN" envDefault:"1000"`
	RateLimitMetricsPerMin int `env:"RATE_LIMIT_METRICS_PER_MIN" envDefault:"100"`

	QualityThresholdTarget float64 `env:"QUALITY_THRESHOLD_TARGET" envDefault:"0.90"`
	RegressionDelta        float64 `env:"REGRESSION_DELTA" envDefault:"0.05"`
	ABMinSamples           int     `env:"AB_MIN_SAMPLES" envDefault:"30"`
	ABMaxDurationDays      int     `env:"AB_MAX_DURATION_DAYS" envDefault:"7"`
	ABAlpha                float64 `env:"AB_ALPHA" envDefault:"0.05"`

	OptimizationMaxConcurrent int `env:"OPTIMIZATION_MAX_CONCURRENT" envDefault:"3"`
	OptimizationCooldownMin   int `env:"OPTIMIZATION_COOLDOWN_MIN" envDefault:"60"`

	ForecastHorizonHours int `env:"FORECAST_HORIZON_HOURS" envDefault:"168"`
	ForecastMinSamples   int `env:"FORECAST_MIN_SAMPLES" envDefault:"200"`

	// Quality scoring fallback for traces without explicit feedback.
	ScoreWeightSuccess    float64       `env:"SCORE_WEIGHT_SUCCESS" envDefault:"0.5"`
	ScoreWeightLatency    float64       `env:"SCORE_WEIGHT_LATENCY" envDefault:"0.2"`
	ScoreWeightStructural float64       `env:"SCORE_WEIGHT_STRUCTURAL" envDefault:"0.3"`
	ScoreLatencySLO       time.Duration `env:"SCORE_LATENCY_SLO" envDefault:"3s"`

	// Observability client request budget and retry policy.
	ObsRequestsPerMin   int           `env:"OBS_REQUESTS_PER_MIN" envDefault:"1000"`
	ObsShortTimeout     time.Duration `env:"OBS_SHORT_TIMEOUT" envDefault:"15s"`
	ObsBulkTimeout      time.Duration `env:"OBS_BULK_TIMEOUT" envDefault:"60s"`
	ObsRetryInitial     time.Duration `env:"OBS_RETRY_INITIAL" envDefault:"500ms"`
	ObsRetryMax         time.Duration `env:"OBS_RETRY_MAX" envDefault:"4s"`
	ObsRetryMaxAttempts int           `env:"OBS_RETRY_MAX_ATTEMPTS" envDefault:"3"`

	// Cache tier sizing.
	CacheL1Entries int           `env:"CACHE_L1_ENTRIES" envDefault:"1000"`
	CacheL1TTL     time.Duration `env:"CACHE_L1_TTL" envDefault:"15m"`

	// Virtuous cycle loop cadences.
	QualityMonitorInterval time.Duration `env:"QUALITY_MONITOR_INTERVAL" envDefault:"30s"`
	ProcessorInterval      time.Duration `env:"PROCESSOR_INTERVAL" envDefault:"60s"`
	TraceBufferSize        int           `env:"TRACE_BUFFER_SIZE" envDefault:"10000"`
	ShutdownDrainTimeout   time.Duration `env:"SHUTDOWN_DRAIN_TIMEOUT" envDefault:"5s"`
	AlertCooldown          time.Duration `env:"ALERT_COOLDOWN" envDefault:"15m"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"quality-gateway"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config and validates required
// credentials. Missing observability credentials halt boot.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces startup invariants on the parsed configuration.
func (c Config) Validate() error {
	if c.ObsAPIKey == "" {
		return fmt.Errorf("%w: OBS_API_KEY missing", domain.ErrConfiguration)
	}
	if c.ObsOrgID == "" {
		return fmt.Errorf("%w: OBS_ORG_ID missing", domain.ErrConfiguration)
	}
	if c.ABAlpha <= 0 || c.ABAlpha >= 1 {
		return fmt.Errorf("%w: AB_ALPHA must be in (0,1), got %v", domain.ErrConfiguration, c.ABAlpha)
	}
	if c.OptimizationMaxConcurrent < 1 {
		return fmt.Errorf("%w: OPTIMIZATION_MAX_CONCURRENT must be >= 1", domain.ErrConfiguration)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// ABMaxDuration returns the experiment hard timeout as a duration.
func (c Config) ABMaxDuration() time.Duration {
	return time.Duration(c.ABMaxDurationDays) * 24 * time.Hour
}

// OptimizationCooldown returns the per-key cooldown as a duration.
func (c Config) OptimizationCooldown() time.Duration {
	return time.Duration(c.OptimizationCooldownMin) * time.Minute
}
