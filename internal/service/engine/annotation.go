package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

const (
	// Ambiguous-score band routed to human annotation.
	annotationBandLow  = 0.70
	annotationBandHigh = 0.88
	// annotationMaxPending bounds the local queue; oldest items are shed.
	annotationMaxPending = 500
)

// Enqueuer is the backend slice the annotation router needs.
type Enqueuer interface {
	Enqueue(ctx domain.Context, queueID string, item domain.AnnotationItem) error
}

// AnnotationRouter selects ambiguous interactions for human review and
// forwards them to a backend annotation queue.
type AnnotationRouter struct {
	mu      sync.Mutex
	backend Enqueuer
	queueID string
	pending []domain.AnnotationItem
	seen    map[string]struct{}
	now     func() time.Time
}

// NewAnnotationRouter constructs a router bound to one backend queue.
func NewAnnotationRouter(backend Enqueuer, queueID string) *AnnotationRouter {
	return &AnnotationRouter{
		backend: backend,
		queueID: queueID,
		seen:    make(map[string]struct{}),
		now:     time.Now,
	}
}

// Admit considers one scored trace. Items qualify when the score falls in
// the ambiguous band or structural validation failed. Duplicates of an
// already-queued (model, spectrum, input) are dropped, and the queue keeps
// at most 500 pending items, shedding the oldest. Returns whether queued.
func (r *AnnotationRouter) Admit(t domain.TraceRecord, score float64) bool {
	ambiguous := score >= annotationBandLow && score <= annotationBandHigh
	if !ambiguous && t.StructuralOK {
		return false
	}
	reason := "ambiguous_score"
	if !t.StructuralOK {
		reason = "structural_failure"
	}

	key := dedupeKey(t.Model, t.Spectrum, t.Input)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[key]; dup {
		return false
	}
	r.seen[key] = struct{}{}
	r.pending = append(r.pending, domain.AnnotationItem{
		TraceID:   t.TraceID,
		Model:     t.Model,
		Spectrum:  t.Spectrum,
		Input:     t.Input,
		Score:     score,
		Reason:    reason,
		CreatedAt: r.now().UTC(),
	})
	if len(r.pending) > annotationMaxPending {
		shed := r.pending[0]
		delete(r.seen, dedupeKey(shed.Model, shed.Spectrum, shed.Input))
		r.pending = r.pending[1:]
	}
	return true
}

// Flush submits pending items newest first. Items the backend rejects stay
// queued for the next attempt.
func (r *AnnotationRouter) Flush(ctx domain.Context) (int, error) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	sent := 0
	for i := len(batch) - 1; i >= 0; i-- {
		if err := r.backend.Enqueue(ctx, r.queueID, batch[i]); err != nil {
			r.mu.Lock()
			r.pending = append(batch[:i+1], r.pending...)
			r.mu.Unlock()
			return sent, err
		}
		r.mu.Lock()
		delete(r.seen, dedupeKey(batch[i].Model, batch[i].Spectrum, batch[i].Input))
		r.mu.Unlock()
		sent++
	}
	return sent, nil
}

// Pending reports the queued item count.
func (r *AnnotationRouter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func dedupeKey(model string, spectrum domain.Spectrum, input string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + string(spectrum) + "\x00" + input))
	return hex.EncodeToString(sum[:16])
}
