package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/observability"
	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// classTTLs maps cache classes to their L2 retention.
var classTTLs = map[string]time.Duration{
	domain.CacheClassSearch:       time.Hour,
	domain.CacheClassLLMResponse:  24 * time.Hour,
	domain.CacheClassSchemaFields: time.Hour,
	domain.CacheClassCreditReport: 30 * time.Minute,
}

// Tiered is the two-tier cache. L2 is optional; on Redis outage the cache
// degrades to L1-only without surfacing errors.
type Tiered struct {
	l1  *LRU
	rdb *redis.Client
}

// New constructs the tiered cache. rdb may be nil for L1-only operation.
func New(l1Entries int, l1TTL time.Duration, rdb *redis.Client) *Tiered {
	return &Tiered{l1: NewLRU(l1Entries, l1TTL), rdb: rdb}
}

// Key builds the class-prefixed hash key for a canonical input.
func Key(class, canonical string) string {
	h := sha256.Sum256([]byte(canonical))
	return class + ":" + hex.EncodeToString(h[:])
}

// Get looks up key in L1 then L2, promoting L2 hits into L1.
func (t *Tiered) Get(ctx domain.Context, class, key string) ([]byte, bool) {
	if v, ok := t.l1.Get(key); ok {
		observability.CacheHitsTotal.WithLabelValues("l1", class).Inc()
		return v, true
	}
	if t.rdb != nil {
		v, err := t.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			observability.CacheHitsTotal.WithLabelValues("l2", class).Inc()
			t.l1.Set(key, v)
			return v, true
		case err != redis.Nil:
			// Fail open: an L2 outage must never surface as a cache error.
			slog.Warn("l2 cache get failed", slog.String("class", class), slog.Any("error", err))
		}
	}
	observability.CacheMissesTotal.WithLabelValues(class).Inc()
	return nil, false
}

// Set writes through to both tiers using the class TTL for L2.
func (t *Tiered) Set(ctx domain.Context, class, key string, value []byte) {
	t.l1.Set(key, value)
	if t.rdb == nil {
		return
	}
	ttl, ok := classTTLs[class]
	if !ok {
		ttl = time.Hour
	}
	if err := t.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Warn("l2 cache set failed", slog.String("class", class), slog.Any("error", err))
	}
}
