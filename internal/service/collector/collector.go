// Package collector normalizes raw traces into quality records and maintains
// rolling live and baseline aggregates over a bounded in-memory history.
package collector

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

const (
	// historyCapacity bounds the circular quality-record buffer.
	historyCapacity = 10000
	// reservoirSize is the fixed quantile sample per window.
	reservoirSize = 512
	// bucketAlign is the window bucket alignment and snapshot staleness bound.
	bucketAlign = 30 * time.Second

	// LiveWindow is the rolling real-time monitoring window.
	LiveWindow = time.Hour
	// BaselineWindow is the rolling reference window for regression detection.
	BaselineWindow = 7 * 24 * time.Hour
)

// Collector ingests traces and serves windowed quality aggregates.
// Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	cfg     ScoreConfig
	ring    []domain.QualityRecord
	start   int // index of oldest record
	count   int
	seen    map[string]struct{} // trace ids currently in the ring
	subs    []chan domain.QualityRecord
	closed  bool
	snaps   map[string]cachedSnapshot
	now     func() time.Time
	costPer float64 // cost estimate per 1k tokens
}

type cachedSnapshot struct {
	at  time.Time
	win domain.QualityWindow
}

// New constructs a Collector with the given scoring configuration.
func New(cfg ScoreConfig) *Collector {
	return &Collector{
		cfg:     cfg,
		ring:    make([]domain.QualityRecord, historyCapacity),
		seen:    make(map[string]struct{}, historyCapacity),
		snaps:   make(map[string]cachedSnapshot),
		now:     time.Now,
		costPer: 0.002,
	}
}

// Ingest validates and normalizes one trace into a quality record.
// Duplicate trace ids are rejected without side effects.
func (c *Collector) Ingest(t domain.TraceRecord) error {
	if t.TraceID == "" {
		return fmt.Errorf("%w: empty trace_id", domain.ErrInvalidArgument)
	}
	if !domain.ValidSpectrum(t.Spectrum) {
		return fmt.Errorf("%w: unknown spectrum %q", domain.ErrInvalidArgument, t.Spectrum)
	}
	if t.TotalTokens != t.InputTokens+t.OutputTokens {
		return fmt.Errorf("%w: total_tokens %d != input %d + output %d",
			domain.ErrInvalidArgument, t.TotalTokens, t.InputTokens, t.OutputTokens)
	}
	if t.FeedbackScore != nil && (*t.FeedbackScore < 0 || *t.FeedbackScore > 1) {
		return fmt.Errorf("%w: feedback_score %v out of [0,1]", domain.ErrInvalidArgument, *t.FeedbackScore)
	}

	rec := domain.QualityRecord{
		TraceID:      t.TraceID,
		Model:        t.Model,
		Spectrum:     t.Spectrum,
		Score:        Score(t, c.cfg),
		LatencyMS:    t.LatencyMS,
		CostEstimate: float64(t.TotalTokens) / 1000 * c.costPer,
		WindowBucket: t.CreatedAt.UTC().Truncate(bucketAlign),
		Timestamp:    t.CreatedAt.UTC(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: collector closed", domain.ErrInvariant)
	}
	if _, dup := c.seen[t.TraceID]; dup {
		c.mu.Unlock()
		return fmt.Errorf("%w: duplicate trace %s", domain.ErrInvalidArgument, t.TraceID)
	}
	if c.count == historyCapacity {
		old := c.ring[c.start]
		delete(c.seen, old.TraceID)
		c.start = (c.start + 1) % historyCapacity
		c.count--
	}
	c.ring[(c.start+c.count)%historyCapacity] = rec
	c.count++
	c.seen[t.TraceID] = struct{}{}
	subs := make([]chan domain.QualityRecord, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- rec:
		default: // slow subscriber: drop rather than block ingest
		}
	}
	return nil
}

// Subscribe returns a stream of quality records. The channel closes on
// shutdown and is not restartable.
func (c *Collector) Subscribe() <-chan domain.QualityRecord {
	ch := make(chan domain.QualityRecord, 256)
	c.mu.Lock()
	if c.closed {
		close(ch)
	} else {
		c.subs = append(c.subs, ch)
	}
	c.mu.Unlock()
	return ch
}

// Close terminates all subscriber streams.
func (c *Collector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}

// Snapshot returns the rolling aggregate for the given window duration,
// optionally filtered by spectrum and model. Snapshots are recomputed
// lazily and may be stale by at most one sample interval.
func (c *Collector) Snapshot(window time.Duration, spectrum domain.Spectrum, model string) domain.QualityWindow {
	key := fmt.Sprintf("%s|%s|%s", window, spectrum, model)
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.snaps[key]; ok && c.now().Sub(s.at) < bucketAlign {
		return s.win
	}
	win := c.computeLocked(window, spectrum, model)
	c.snaps[key] = cachedSnapshot{at: c.now(), win: win}
	return win
}

// computeLocked aggregates matching records with Welford's method and a
// fixed reservoir sample for quantiles.
func (c *Collector) computeLocked(window time.Duration, spectrum domain.Spectrum, model string) domain.QualityWindow {
	cutoff := c.now().Add(-window)
	out := domain.QualityWindow{
		BucketStart: cutoff.UTC().Truncate(bucketAlign),
		Duration:    window,
		ByModel:     map[string]float64{},
		BySpectrum:  map[domain.Spectrum]float64{},
	}

	var mean, m2 float64
	reservoir := make([]float64, 0, reservoirSize)
	rng := rand.New(rand.NewSource(cutoff.UnixNano())) //nolint:gosec // sampling only
	modelSums := map[string]*[2]float64{}
	spectrumSums := map[domain.Spectrum]*[2]float64{}

	for i := 0; i < c.count; i++ {
		rec := c.ring[(c.start+i)%historyCapacity]
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		if spectrum != "" && rec.Spectrum != spectrum {
			continue
		}
		if model != "" && rec.Model != model {
			continue
		}
		out.Count++
		// Welford update
		d := rec.Score - mean
		mean += d / float64(out.Count)
		m2 += d * (rec.Score - mean)
		// Reservoir sample
		if len(reservoir) < reservoirSize {
			reservoir = append(reservoir, rec.Score)
		} else if j := rng.Intn(out.Count); j < reservoirSize {
			reservoir[j] = rec.Score
		}
		ms, ok := modelSums[rec.Model]
		if !ok {
			ms = &[2]float64{}
			modelSums[rec.Model] = ms
		}
		ms[0] += rec.Score
		ms[1]++
		ss, ok := spectrumSums[rec.Spectrum]
		if !ok {
			ss = &[2]float64{}
			spectrumSums[rec.Spectrum] = ss
		}
		ss[0] += rec.Score
		ss[1]++
	}

	out.Mean = mean
	if out.Count > 1 {
		out.StdDev = math.Sqrt(m2 / float64(out.Count-1))
	}
	if len(reservoir) > 0 {
		sort.Float64s(reservoir)
		out.P50 = quantile(reservoir, 0.50)
		out.P95 = quantile(reservoir, 0.95)
	}
	for m, s := range modelSums {
		out.ByModel[m] = s[0] / s[1]
	}
	for sp, s := range spectrumSums {
		out.BySpectrum[sp] = s[0] / s[1]
	}
	return out
}

// Scores returns the raw scores of records inside the window, oldest first,
// optionally filtered. Used by the delta analysis t-test.
func (c *Collector) Scores(window time.Duration, spectrum domain.Spectrum, model string) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-window)
	var out []float64
	for i := 0; i < c.count; i++ {
		rec := c.ring[(c.start+i)%historyCapacity]
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		if spectrum != "" && rec.Spectrum != spectrum {
			continue
		}
		if model != "" && rec.Model != model {
			continue
		}
		out = append(out, rec.Score)
	}
	return out
}

// HourlySeries buckets baseline-window scores into hourly means, oldest
// first. Empty hours are skipped. Input for the forecaster.
func (c *Collector) HourlySeries() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-BaselineWindow)
	sums := map[int64]*[2]float64{}
	var hours []int64
	for i := 0; i < c.count; i++ {
		rec := c.ring[(c.start+i)%historyCapacity]
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		h := rec.Timestamp.Truncate(time.Hour).Unix()
		s, ok := sums[h]
		if !ok {
			s = &[2]float64{}
			sums[h] = s
			hours = append(hours, h)
		}
		s[0] += rec.Score
		s[1]++
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })
	out := make([]float64, 0, len(hours))
	for _, h := range hours {
		s := sums[h]
		out = append(out, s[0]/s[1])
	}
	return out
}

// Len reports the number of retained quality records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
