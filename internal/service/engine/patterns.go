package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

const (
	// patternAdmitScore is the minimum originating quality score.
	patternAdmitScore = 0.95
	// patternsPerSpectrum caps each spectrum bucket.
	patternsPerSpectrum = 1000
	// patternQueryK is the default nearest-neighbor count.
	patternQueryK = 5
	// patternMinSimilarity gates query results.
	patternMinSimilarity = 0.85
)

// PatternIndex keeps successful interaction exemplars per spectrum with
// exact cosine search over bounded buckets. Reads run concurrently; admits
// take the write lock.
type PatternIndex struct {
	mu       sync.RWMutex
	embedder Embedder
	buckets  map[domain.Spectrum][]*domain.Pattern
}

// NewPatternIndex constructs an index over the given embedder.
func NewPatternIndex(e Embedder) *PatternIndex {
	if e == nil {
		e = HashEmbedder{}
	}
	return &PatternIndex{embedder: e, buckets: make(map[domain.Spectrum][]*domain.Pattern)}
}

// Admit indexes a successful trace. Traces below the admission score are
// rejected with an invariant error; the caller filters first.
func (ix *PatternIndex) Admit(rec domain.QualityRecord, text string) (domain.Pattern, error) {
	if rec.Score < patternAdmitScore {
		return domain.Pattern{}, fmt.Errorf("%w: pattern admit score %.3f < %.2f",
			domain.ErrInvariant, rec.Score, patternAdmitScore)
	}
	p := &domain.Pattern{
		PatternID:    ulid.Make().String(),
		Embedding:    ix.embedder.Embed(text),
		ExemplarRef:  rec.TraceID,
		Score:        rec.Score,
		Spectrum:     rec.Spectrum,
		SuccessCount: 1,
		CreatedAt:    time.Now().UTC(),
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	bucket := ix.buckets[rec.Spectrum]
	if len(bucket) >= patternsPerSpectrum {
		// Evict the least-applied pattern (LRU over applied_count).
		evict := 0
		for i, q := range bucket {
			if q.AppliedCount < bucket[evict].AppliedCount {
				evict = i
			}
		}
		bucket = append(bucket[:evict], bucket[evict+1:]...)
	}
	ix.buckets[rec.Spectrum] = append(bucket, p)
	return *p, nil
}

// PatternMatch is one nearest-neighbor result.
type PatternMatch struct {
	Pattern    domain.Pattern
	Similarity float64
}

// Query returns up to k nearest patterns with cosine similarity >= 0.85,
// best first. k <= 0 uses the default of 5.
func (ix *PatternIndex) Query(spectrum domain.Spectrum, text string, k int) []PatternMatch {
	if k <= 0 {
		k = patternQueryK
	}
	qv := ix.embedder.Embed(text)
	ix.mu.RLock()
	bucket := ix.buckets[spectrum]
	matches := make([]PatternMatch, 0, k)
	for _, p := range bucket {
		sim := Cosine(qv, p.Embedding)
		if sim < patternMinSimilarity {
			continue
		}
		matches = append(matches, PatternMatch{Pattern: *p, Similarity: sim})
	}
	ix.mu.RUnlock()
	// Insertion sort by similarity descending; buckets are small.
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Similarity > matches[j-1].Similarity; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// MarkApplied increments the applied counter for a pattern, feeding the
// eviction order.
func (ix *PatternIndex) MarkApplied(spectrum domain.Spectrum, patternID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, p := range ix.buckets[spectrum] {
		if p.PatternID == patternID {
			p.AppliedCount++
			return
		}
	}
}

// MaxSimilarity returns the highest cosine similarity of text against the
// spectrum bucket. Used for deduplication.
func (ix *PatternIndex) MaxSimilarity(spectrum domain.Spectrum, text string) float64 {
	qv := ix.embedder.Embed(text)
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var best float64
	for _, p := range ix.buckets[spectrum] {
		if sim := Cosine(qv, p.Embedding); sim > best {
			best = sim
		}
	}
	return best
}

// Len reports the bucket size for a spectrum.
func (ix *PatternIndex) Len(spectrum domain.Spectrum) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.buckets[spectrum])
}
