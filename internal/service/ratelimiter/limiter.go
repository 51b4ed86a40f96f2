// Package ratelimiter provides per-route token buckets keyed by caller identity.
package ratelimiter

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/observability"
)

// BucketConfig describes one token bucket.
type BucketConfig struct {
	Capacity   int64
	RefillRate float64 // tokens per second
}

// NewBucketConfigFromPerMinute derives a bucket from a per-minute budget.
func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter holds per-route bucket configs and per-(route, caller) state.
// Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	configs map[string]BucketConfig
	state   map[string]*bucketState
	keyFn   func(r *http.Request) string
	now     func() time.Time
}

// New constructs a limiter with the given per-route configs. The caller key
// defaults to client IP; override with SetKeyFunc.
func New(configs map[string]BucketConfig) *Limiter {
	if configs == nil {
		configs = map[string]BucketConfig{}
	}
	return &Limiter{
		configs: configs,
		state:   make(map[string]*bucketState),
		keyFn:   ClientIP,
		now:     time.Now,
	}
}

// SetKeyFunc replaces the caller-identity extractor.
func (l *Limiter) SetKeyFunc(fn func(r *http.Request) string) {
	if fn != nil {
		l.keyFn = fn
	}
}

// ClientIP extracts the caller IP, preferring X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Allow consumes one token from the (route, caller) bucket. When denied,
// retryAfter reports how long until a token becomes available.
func (l *Limiter) Allow(route, caller string) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg, ok := l.configs[route]
	if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return true, 0
	}
	key := route + "|" + caller
	now := l.now()
	st, ok := l.state[key]
	if !ok {
		st = &bucketState{tokens: float64(cfg.Capacity), lastRefill: now}
		l.state[key] = st
	}
	delta := now.Sub(st.lastRefill).Seconds()
	if delta < 0 {
		delta = 0
	}
	st.tokens = math.Min(float64(cfg.Capacity), st.tokens+delta*cfg.RefillRate)
	st.lastRefill = now
	if st.tokens >= 1 {
		st.tokens--
		return true, 0
	}
	shortage := 1 - st.tokens
	return false, time.Duration(shortage / cfg.RefillRate * float64(time.Second))
}

// Middleware enforces the bucket for route, answering 429 with Retry-After
// on rejection and incrementing the rate-limited counters.
func (l *Limiter) Middleware(route string, mon *observability.Monitor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter := l.Allow(route, l.keyFn(r))
			if !allowed {
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				observability.RateLimitedTotal.WithLabelValues(route).Inc()
				if mon != nil {
					mon.Incr("rate_limited_total", 1)
				}
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
