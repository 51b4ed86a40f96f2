package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// BulkExporter is the backend slice the rollup scheduler needs.
type BulkExporter interface {
	StartBulkExport(ctx domain.Context, query, format string) (string, error)
	PollBulkExport(ctx domain.Context, exportID string) (domain.ExportStatus, error)
}

// Rollup is one per-(model, spectrum, day) aggregate.
type Rollup struct {
	Model        string          `json:"model"`
	Spectrum     domain.Spectrum `json:"spectrum"`
	Day          string          `json:"day"` // YYYY-MM-DD UTC
	Count        int             `json:"count"`
	Mean         float64         `json:"mean"`
	P95          float64         `json:"p95"`
	ErrorRate    float64         `json:"error_rate"`
	CostEstimate float64         `json:"cost_estimate"`
}

// RollupScheduler computes daily rollups and tracks bulk exports.
// Re-running a completed day replaces its aggregates rather than
// double-counting.
type RollupScheduler struct {
	mu       sync.Mutex
	exporter BulkExporter
	byKey    map[string]Rollup
	exports  map[string]string // day -> export id
}

// NewRollupScheduler constructs the scheduler.
func NewRollupScheduler(exporter BulkExporter) *RollupScheduler {
	return &RollupScheduler{
		exporter: exporter,
		byKey:    make(map[string]Rollup),
		exports:  make(map[string]string),
	}
}

// RunDay recomputes all rollups for the given UTC day from the provided
// traces. Idempotent: the day's previous aggregates are discarded first.
func (r *RollupScheduler) RunDay(day time.Time, traces []domain.TraceRecord) []Rollup {
	dayStr := day.UTC().Format("2006-01-02")

	type acc struct {
		scores []float64
		errs   int
		cost   float64
	}
	accs := map[string]*acc{}
	order := []string{}
	for _, t := range traces {
		if t.CreatedAt.UTC().Format("2006-01-02") != dayStr {
			continue
		}
		key := t.Model + "|" + string(t.Spectrum)
		a, ok := accs[key]
		if !ok {
			a = &acc{}
			accs[key] = a
			order = append(order, key)
		}
		score := 0.0
		if t.FeedbackScore != nil {
			score = *t.FeedbackScore
		} else if t.Error == "" {
			score = 1
		}
		a.scores = append(a.scores, score)
		if t.Error != "" {
			a.errs++
		}
		a.cost += float64(t.TotalTokens) / 1000 * 0.002
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Idempotence: drop any previous aggregates for this day.
	for k, v := range r.byKey {
		if v.Day == dayStr {
			delete(r.byKey, k)
		}
	}
	sort.Strings(order)
	out := make([]Rollup, 0, len(order))
	for _, key := range order {
		a := accs[key]
		sorted := append([]float64(nil), a.scores...)
		sort.Float64s(sorted)
		var p95 float64
		if len(sorted) > 0 {
			p95 = sorted[(len(sorted)-1)*95/100]
		}
		ru := Rollup{
			Day:          dayStr,
			Count:        len(a.scores),
			Mean:         Mean(a.scores),
			P95:          p95,
			ErrorRate:    float64(a.errs) / float64(len(a.scores)),
			CostEstimate: a.cost,
		}
		if model, spectrum, ok := strings.Cut(key, "|"); ok {
			ru.Model = model
			ru.Spectrum = domain.Spectrum(spectrum)
		}
		r.byKey[dayStr+"|"+key] = ru
		out = append(out, ru)
	}
	return out
}

// ScheduleExport starts (once per day) a backend bulk export covering the
// day's runs and remembers its id for polling.
func (r *RollupScheduler) ScheduleExport(ctx domain.Context, day time.Time) (string, error) {
	dayStr := day.UTC().Format("2006-01-02")
	r.mu.Lock()
	if id, ok := r.exports[dayStr]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()
	query := fmt.Sprintf("day:%s", dayStr)
	id, err := r.exporter.StartBulkExport(ctx, query, "ndjson")
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.exports[dayStr] = id
	r.mu.Unlock()
	return id, nil
}

// PollExport reports the state of the day's export.
func (r *RollupScheduler) PollExport(ctx domain.Context, day time.Time) (domain.ExportStatus, error) {
	dayStr := day.UTC().Format("2006-01-02")
	r.mu.Lock()
	id, ok := r.exports[dayStr]
	r.mu.Unlock()
	if !ok {
		return domain.ExportStatus{}, fmt.Errorf("%w: no export for %s", domain.ErrNotFound, dayStr)
	}
	return r.exporter.PollBulkExport(ctx, id)
}

// Rollups returns the retained aggregates for a day, sorted by key.
func (r *RollupScheduler) Rollups(day time.Time) []Rollup {
	dayStr := day.UTC().Format("2006-01-02")
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0)
	for k, v := range r.byKey {
		if v.Day == dayStr {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]Rollup, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.byKey[k])
	}
	return out
}
