package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

const (
	// feedbackDedupeSimilarity rejects exemplars too close to an indexed pattern.
	feedbackDedupeSimilarity = 0.98
	// feedbackBatchSize flushes the pending buffer when reached.
	feedbackBatchSize = 50
	// feedbackFlushInterval is the alternative time-based flush trigger.
	feedbackFlushInterval = 60 * time.Second
)

// DatasetWriter is the backend slice the feedback integrator needs.
type DatasetWriter interface {
	CreateDataset(ctx domain.Context, name, description string) (string, error)
	AddExamples(ctx domain.Context, datasetID string, examples []domain.DatasetExample) (int, error)
}

// FeedbackIntegrator maps explicit feedback and implicit corrections onto
// training exemplars and batch-commits them to a backend dataset.
type FeedbackIntegrator struct {
	mu        sync.Mutex
	backend   DatasetWriter
	index     *PatternIndex
	datasetID string
	pending   []domain.DatasetExample
	lastFlush time.Time
	now       func() time.Time
}

// NewFeedbackIntegrator constructs the integrator. The dataset is created
// lazily on the first flush.
func NewFeedbackIntegrator(backend DatasetWriter, index *PatternIndex) *FeedbackIntegrator {
	return &FeedbackIntegrator{backend: backend, index: index, lastFlush: time.Now(), now: time.Now}
}

// Offer considers one exemplar. Near-duplicates of indexed high-quality
// patterns (cosine >= 0.98) are dropped. Returns whether it was queued.
func (f *FeedbackIntegrator) Offer(ex domain.DatasetExample) bool {
	if f.index != nil && f.index.MaxSimilarity(ex.Spectrum, ex.Input) >= feedbackDedupeSimilarity {
		return false
	}
	f.mu.Lock()
	f.pending = append(f.pending, ex)
	f.mu.Unlock()
	return true
}

// MaybeFlush commits the pending batch when it holds 50 items or 60 seconds
// have elapsed since the last flush, whichever first.
func (f *FeedbackIntegrator) MaybeFlush(ctx domain.Context) (int, error) {
	f.mu.Lock()
	due := len(f.pending) >= feedbackBatchSize || f.now().Sub(f.lastFlush) >= feedbackFlushInterval
	if !due || len(f.pending) == 0 {
		f.mu.Unlock()
		return 0, nil
	}
	batch := f.pending
	f.pending = nil
	f.lastFlush = f.now()
	f.mu.Unlock()

	if f.datasetID == "" {
		id, err := f.backend.CreateDataset(ctx, "quality-exemplars", "high-quality interaction exemplars")
		if err != nil {
			f.requeue(batch)
			return 0, err
		}
		f.datasetID = id
	}
	n, err := f.backend.AddExamples(ctx, f.datasetID, batch)
	if err != nil {
		f.requeue(batch)
		return 0, err
	}
	slog.Debug("feedback batch committed", slog.Int("count", n), slog.String("dataset", f.datasetID))
	return n, nil
}

// Pending reports the queued exemplar count.
func (f *FeedbackIntegrator) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *FeedbackIntegrator) requeue(batch []domain.DatasetExample) {
	f.mu.Lock()
	f.pending = append(batch, f.pending...)
	f.mu.Unlock()
}
