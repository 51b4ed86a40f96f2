package obsclient

import (
	"sync"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// budget is a local request-rate bucket. Callers exceeding it are suspended
// with backpressure rather than failed.
type budget struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

func newBudget(perMinute int) *budget {
	if perMinute <= 0 {
		perMinute = 1000
	}
	return &budget{
		capacity:   float64(perMinute),
		refillRate: float64(perMinute) / 60.0,
		tokens:     float64(perMinute),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// reserve consumes one token, reporting how long the caller must wait first.
func (b *budget) reserve() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	delta := now.Sub(b.lastRefill).Seconds()
	if delta > 0 {
		b.tokens += delta * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
	b.tokens--
	if b.tokens >= 0 {
		return 0
	}
	return time.Duration(-b.tokens / b.refillRate * float64(time.Second))
}

// wait blocks until the budget admits one request or the context is done.
func (b *budget) wait(ctx domain.Context) error {
	d := b.reserve()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
