package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/cache"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/httpserver"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/provider"
	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/provider/tokencount"
	"github.com/TheCreditPros/tilores-X-sub004/internal/config"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/ratelimiter"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , , "))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
}

func testRouter(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(provider.NewMock(), "mock-model")
	srv := &httpserver.Server{
		Cfg:       cfg,
		Providers: reg,
		Cache:     cache.New(64, time.Minute, nil),
		Counter:   tokencount.DefaultCounter,
		StartedAt: time.Now(),
	}
	return BuildRouter(cfg, srv, NewLimiter(cfg), nil)
}

func TestBuildRouter_HealthAndHeaders(t *testing.T) {
	cfg := config.Config{RateLimitHealthPerMin: 100, CORSAllowOrigins: "*"}
	h := testRouter(t, cfg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestBuildRouter_UnknownRoute(t *testing.T) {
	h := testRouter(t, config.Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRouter_Metrics(t *testing.T) {
	cfg := config.Config{RateLimitMetricsPerMin: 100}
	h := testRouter(t, cfg)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestBuildRouter_ChatRateLimit(t *testing.T) {
	cfg := config.Config{RateLimitChatPerMin: 2}
	h := testRouter(t, cfg)

	hit := func() int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	// Two tokens, then the bucket runs dry.
	assert.NotEqual(t, http.StatusTooManyRequests, hit())
	assert.NotEqual(t, http.StatusTooManyRequests, hit())
	assert.Equal(t, http.StatusTooManyRequests, hit())
}

func TestBuildRouter_ModelsServed(t *testing.T) {
	cfg := config.Config{RateLimitModelsPerMin: 100}
	h := testRouter(t, cfg)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mock-model")
}

func TestBuildRouter_LimiterFallsOpenWithoutConfig(t *testing.T) {
	// A zero budget disables the bucket rather than blocking the route.
	lim := ratelimiter.New(nil)
	allowed, _ := lim.Allow("chat", "1.2.3.4")
	assert.True(t, allowed)
}
