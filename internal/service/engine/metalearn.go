package engine

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

const (
	// strategyDeltaWindow bounds the retained per-strategy delta history.
	strategyDeltaWindow = 32
	// strategyLCBZ is the one-sided 80% z score for lower-bound selection.
	strategyLCBZ = 1.28
)

// StrategyBook tracks optimization strategies and their observed quality
// deltas. Safe for concurrent use.
type StrategyBook struct {
	mu         sync.Mutex
	strategies map[string]*domain.OptimizationStrategy
	now        func() time.Time
}

// NewStrategyBook constructs a book pre-seeded with the given strategies.
func NewStrategyBook(seed []domain.OptimizationStrategy) *StrategyBook {
	b := &StrategyBook{strategies: make(map[string]*domain.OptimizationStrategy), now: time.Now}
	for i := range seed {
		s := seed[i]
		b.strategies[s.StrategyID] = &s
	}
	return b
}

// Record appends an observed delta to the strategy's bounded history and
// recomputes mean_delta and confidence.
func (b *StrategyBook) Record(strategyID string, delta float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.strategies[strategyID]
	if !ok {
		return fmt.Errorf("%w: strategy %s", domain.ErrNotFound, strategyID)
	}
	s.HistoricalDeltas = append(s.HistoricalDeltas, delta)
	if len(s.HistoricalDeltas) > strategyDeltaWindow {
		s.HistoricalDeltas = s.HistoricalDeltas[len(s.HistoricalDeltas)-strategyDeltaWindow:]
	}
	s.MeanDelta = Mean(s.HistoricalDeltas)
	positive := 0
	for _, d := range s.HistoricalDeltas {
		if d > 0 {
			positive++
		}
	}
	s.Confidence = float64(positive) / float64(len(s.HistoricalDeltas))
	s.LastAppliedAt = b.now()
	return nil
}

// Select returns the strategy with the highest lower-bound estimate
// mean_delta - z * stddev / sqrt(n); ties break toward freshness.
func (b *StrategyBook) Select() (domain.OptimizationStrategy, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.strategies) == 0 {
		return domain.OptimizationStrategy{}, fmt.Errorf("%w: no strategies registered", domain.ErrInsufficientData)
	}
	var best *domain.OptimizationStrategy
	bestLCB := math.Inf(-1)
	for _, s := range b.strategies {
		lcb := lowerBound(s)
		switch {
		case lcb > bestLCB:
			best, bestLCB = s, lcb
		case lcb == bestLCB && best != nil && s.LastAppliedAt.After(best.LastAppliedAt):
			best = s
		}
	}
	return *best, nil
}

// Get returns a strategy snapshot by id.
func (b *StrategyBook) Get(strategyID string) (domain.OptimizationStrategy, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.strategies[strategyID]
	if !ok {
		return domain.OptimizationStrategy{}, false
	}
	return *s, true
}

// All returns snapshots of every strategy.
func (b *StrategyBook) All() []domain.OptimizationStrategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.OptimizationStrategy, 0, len(b.strategies))
	for _, s := range b.strategies {
		out = append(out, *s)
	}
	return out
}

func lowerBound(s *domain.OptimizationStrategy) float64 {
	n := len(s.HistoricalDeltas)
	if n == 0 {
		// Untried strategies start at zero so proven ones are preferred
		// but a negative record loses to a fresh candidate.
		return 0
	}
	sd := math.Sqrt(Variance(s.HistoricalDeltas))
	return s.MeanDelta - strategyLCBZ*sd/math.Sqrt(float64(n))
}

// DefaultStrategies seeds the book with the built-in optimization playbook.
func DefaultStrategies() []domain.OptimizationStrategy {
	return []domain.OptimizationStrategy{
		{StrategyID: "tighten-system-prompt", Description: "Constrain the system prompt with explicit output structure"},
		{StrategyID: "add-exemplars", Description: "Inject nearest high-quality patterns as few-shot exemplars"},
		{StrategyID: "lower-temperature", Description: "Reduce sampling temperature for deterministic spectrums"},
		{StrategyID: "expand-context", Description: "Raise max_tokens and widen retrieval for context-heavy queries"},
	}
}
