package vcycle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/observability"
	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// alertHistoryCap bounds the retained alert log.
const alertHistoryCap = 256

// Alerter emits monitoring notifications with per-(kind, key) cooldown
// suppression.
type Alerter struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
	history  []domain.AlertEvent
	now      func() time.Time
}

// NewAlerter constructs an alerter with the given cooldown window.
func NewAlerter(cooldown time.Duration) *Alerter {
	return &Alerter{
		cooldown: cooldown,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Fire emits one alert unless a previous alert for the same (kind, key) is
// still inside the cooldown window. Returns whether the alert was emitted.
func (a *Alerter) Fire(severity domain.AlertSeverity, kind, key, detail string) bool {
	a.mu.Lock()
	ck := kind + "|" + key
	now := a.now()
	if until, ok := a.last[ck]; ok && now.Before(until) {
		a.mu.Unlock()
		return false
	}
	until := now.Add(a.cooldown)
	a.last[ck] = until
	ev := domain.AlertEvent{
		Severity:      severity,
		Kind:          kind,
		Key:           key,
		Detail:        detail,
		CreatedAt:     now.UTC(),
		CooldownUntil: until.UTC(),
	}
	a.history = append(a.history, ev)
	if len(a.history) > alertHistoryCap {
		a.history = a.history[len(a.history)-alertHistoryCap:]
	}
	a.mu.Unlock()

	observability.AlertsTotal.WithLabelValues(kind, string(severity)).Inc()
	slog.Warn("quality alert",
		slog.String("kind", kind),
		slog.String("key", key),
		slog.String("severity", string(severity)),
		slog.String("detail", detail))
	return true
}

// Recent returns up to n alerts, newest first.
func (a *Alerter) Recent(n int) []domain.AlertEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.history) {
		n = len(a.history)
	}
	out := make([]domain.AlertEvent, 0, n)
	for i := len(a.history) - 1; i >= len(a.history)-n; i-- {
		out = append(out, a.history[i])
	}
	return out
}
