package vcycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/observability"
	"github.com/TheCreditPros/tilores-X-sub004/internal/config"
	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/collector"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/engine"
)

type dsWriter struct{ added int }

func (d *dsWriter) CreateDataset(domain.Context, string, string) (string, error) { return "ds", nil }
func (d *dsWriter) AddExamples(_ domain.Context, _ string, ex []domain.DatasetExample) (int, error) {
	d.added += len(ex)
	return len(ex), nil
}

type enqueuer struct{ items int }

func (e *enqueuer) Enqueue(domain.Context, string, domain.AnnotationItem) error {
	e.items++
	return nil
}

type exporter struct{}

func (exporter) StartBulkExport(domain.Context, string, string) (string, error) { return "e1", nil }
func (exporter) PollBulkExport(domain.Context, string) (domain.ExportStatus, error) {
	return domain.ExportStatus{State: domain.ExportReady}, nil
}

func testConfig(bufSize int) config.Config {
	return config.Config{
		QualityThresholdTarget:    0.90,
		RegressionDelta:           0.05,
		OptimizationMaxConcurrent: 3,
		OptimizationCooldownMin:   60,
		ScoreWeightSuccess:        0.5,
		ScoreWeightLatency:        0.2,
		ScoreWeightStructural:     0.3,
		ScoreLatencySLO:           3 * time.Second,
		QualityMonitorInterval:    time.Hour,
		ProcessorInterval:         time.Hour,
		TraceBufferSize:           bufSize,
		ShutdownDrainTimeout:      2 * time.Second,
		AlertCooldown:             15 * time.Minute,
	}
}

func newTestManager(bufSize int) *Manager {
	col := collector.New(collector.DefaultScoreConfig())
	ix := engine.NewPatternIndex(nil)
	deps := Deps{
		Cfg:         testConfig(bufSize),
		Collector:   col,
		Patterns:    ix,
		Strategies:  engine.NewStrategyBook(engine.DefaultStrategies()),
		Experiments: engine.NewExperiments(engine.DefaultExperimentConfig()),
		Analyzer:    engine.NewDeltaAnalyzer(col, 0.05, 0.05),
		Forecaster:  engine.NewForecaster(200, 24),
		Feedback:    engine.NewFeedbackIntegrator(&dsWriter{}, ix),
		Annotations: engine.NewAnnotationRouter(&enqueuer{}, "review"),
		Rollups:     engine.NewRollupScheduler(exporter{}),
		Variants:    NewRegistry(),
		Alerts:      NewAlerter(15 * time.Minute),
		Monitor:     observability.NewMonitor(),
	}
	return NewManager(deps)
}

func vcTrace(id string, feedback float64) domain.TraceRecord {
	var fs *float64
	if feedback >= 0 {
		fs = &feedback
	}
	return domain.TraceRecord{
		TraceID:       id,
		Session:       "s-" + id,
		Model:         "gpt-4o-mini",
		Spectrum:      domain.SpectrumFinancial,
		LatencyMS:     500,
		InputTokens:   10,
		OutputTokens:  5,
		TotalTokens:   15,
		FeedbackScore: fs,
		CreatedAt:     time.Now().UTC(),
		Input:         "question for trace " + id,
		Output:        "answer",
		StructuralOK:  true,
	}
}

func TestManager_OfferBeforeStart(t *testing.T) {
	m := newTestManager(8)
	assert.False(t, m.Offer(vcTrace("t1", 0.9)))
}

func TestManager_IngestAndShutdownDrain(t *testing.T) {
	m := newTestManager(64)
	m.Start(context.Background())
	for i := 0; i < 20; i++ {
		require.True(t, m.Offer(vcTrace(fmt.Sprintf("t%d", i), 0.9)))
	}
	m.Shutdown()

	st := m.Status()
	assert.False(t, st.Running)
	assert.Equal(t, uint64(20), st.TracesProcessed)
	assert.Equal(t, uint64(0), st.TracesDropped)
	assert.Equal(t, 20, m.deps.Collector.Len())
}

func TestManager_OverflowDropsOldest(t *testing.T) {
	m := newTestManager(2)
	m.started.Store(true) // queue only, no drain loop

	assert.True(t, m.Offer(vcTrace("t1", 0.9)))
	assert.True(t, m.Offer(vcTrace("t2", 0.9)))
	assert.True(t, m.Offer(vcTrace("t3", 0.9)))
	assert.Equal(t, uint64(1), m.Status().TracesDropped)

	// The oldest trace was shed; the newest two remain queued.
	first := <-m.traces
	assert.Equal(t, "t2", first.TraceID)
}

func TestManager_HandleTraceFeedsCapabilities(t *testing.T) {
	m := newTestManager(8)

	m.handleTrace(vcTrace("good", 0.97))
	assert.Equal(t, 1, m.deps.Patterns.Len(domain.SpectrumFinancial))
	assert.Equal(t, 1, m.deps.Feedback.Pending())

	m.handleTrace(vcTrace("ambiguous", 0.75))
	assert.Equal(t, 1, m.deps.Annotations.Pending())

	// Duplicates are rejected by the collector and feed nothing.
	m.handleTrace(vcTrace("good", 0.97))
	assert.Equal(t, 1, m.deps.Patterns.Len(domain.SpectrumFinancial))
	assert.Equal(t, uint64(2), m.Status().TracesProcessed)
}

func TestManager_TriggerOptimization(t *testing.T) {
	m := newTestManager(8)
	_, err := m.deps.Variants.Seed("gpt-4o-mini", domain.SpectrumFinancial, "base prompt",
		domain.VariantParameters{Temperature: 0.7, MaxTokens: 1024})
	require.NoError(t, err)

	require.NoError(t, m.TriggerOptimization("gpt-4o-mini", domain.SpectrumFinancial))
	st := m.Status()
	assert.Equal(t, uint64(1), st.OptimizationsTriggered)
	assert.Equal(t, 1, st.ActiveOptimizations)

	// The pair is busy until its experiment concludes.
	err = m.TriggerOptimization("gpt-4o-mini", domain.SpectrumFinancial)
	assert.True(t, errors.Is(err, domain.ErrInvariant))

	// Unknown spectrum is rejected outright.
	err = m.TriggerOptimization("gpt-4o-mini", domain.Spectrum("nope"))
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	// A pair with no deployed variant cannot be optimized.
	err = m.TriggerOptimization("gpt-4o-mini", domain.SpectrumEdge)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestManager_GlobalConcurrencyCap(t *testing.T) {
	m := newTestManager(8)
	m.deps.Cfg.OptimizationMaxConcurrent = 1
	for _, sp := range []domain.Spectrum{domain.SpectrumFinancial, domain.SpectrumIdentity} {
		_, err := m.deps.Variants.Seed("gpt-4o-mini", sp, "base", domain.VariantParameters{Temperature: 0.7})
		require.NoError(t, err)
	}

	require.NoError(t, m.TriggerOptimization("gpt-4o-mini", domain.SpectrumFinancial))
	err := m.TriggerOptimization("gpt-4o-mini", domain.SpectrumIdentity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
}

func TestManager_CooldownBlocksRetrigger(t *testing.T) {
	m := newTestManager(8)
	_, err := m.deps.Variants.Seed("gpt-4o-mini", domain.SpectrumFinancial, "base",
		domain.VariantParameters{Temperature: 0.7})
	require.NoError(t, err)
	m.mu.Lock()
	m.lastOptimized[pairKey("gpt-4o-mini", domain.SpectrumFinancial)] = time.Now()
	m.mu.Unlock()

	err = m.TriggerOptimization("gpt-4o-mini", domain.SpectrumFinancial)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
}

func TestManager_ExperimentLifecycleDeploysWinner(t *testing.T) {
	m := newTestManager(8)
	seed, err := m.deps.Variants.Seed("gpt-4o-mini", domain.SpectrumFinancial, "base prompt",
		domain.VariantParameters{Temperature: 0.7, MaxTokens: 1024})
	require.NoError(t, err)
	require.NoError(t, m.TriggerOptimization("gpt-4o-mini", domain.SpectrumFinancial))

	m.mu.Lock()
	opt := m.active[pairKey("gpt-4o-mini", domain.SpectrumFinancial)]
	m.mu.Unlock()
	require.NotEmpty(t, opt.ExperimentID)

	for i := 0; i < 40; i++ {
		noise := 0.005
		if i%2 == 1 {
			noise = -noise
		}
		require.NoError(t, m.deps.Experiments.Record(opt.ExperimentID, engine.ArmControl, 0.90+noise))
		require.NoError(t, m.deps.Experiments.Record(opt.ExperimentID, engine.ArmTreatment, 0.93+noise))
	}
	m.evaluateExperiments()

	st := m.Status()
	assert.Equal(t, uint64(1), st.ImprovementsDeployed)
	assert.Equal(t, 0, st.ActiveOptimizations)

	deployed, ok := m.deps.Variants.Deployed("gpt-4o-mini", domain.SpectrumFinancial)
	require.True(t, ok)
	assert.Equal(t, opt.CandidateID, deployed.VariantID)
	assert.NotEqual(t, seed.VariantID, deployed.VariantID)

	strat, ok := m.deps.Strategies.Get(opt.StrategyID)
	require.True(t, ok)
	require.Len(t, strat.HistoricalDeltas, 1)
	assert.InDelta(t, 0.03, strat.MeanDelta, 1e-6)

	changes := m.Changes(0)
	require.NotEmpty(t, changes)
	assert.Equal(t, "variant_deployed", changes[0].Kind)

	// The concluded pair enters cooldown.
	err = m.TriggerOptimization("gpt-4o-mini", domain.SpectrumFinancial)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))

	// Rollback restores the seed variant.
	restored, err := m.Rollback("gpt-4o-mini", domain.SpectrumFinancial)
	require.NoError(t, err)
	assert.Equal(t, seed.VariantID, restored.VariantID)
	assert.Equal(t, "variant_rolled_back", m.Changes(1)[0].Kind)
}

func TestManager_SmallWinIsNotDeployed(t *testing.T) {
	m := newTestManager(8)
	seed, err := m.deps.Variants.Seed("gpt-4o-mini", domain.SpectrumFinancial, "base prompt",
		domain.VariantParameters{Temperature: 0.7, MaxTokens: 1024})
	require.NoError(t, err)
	require.NoError(t, m.TriggerOptimization("gpt-4o-mini", domain.SpectrumFinancial))

	m.mu.Lock()
	opt := m.active[pairKey("gpt-4o-mini", domain.SpectrumFinancial)]
	m.mu.Unlock()

	// Highly significant but tiny: +0.005 mean gain is under the margin.
	for i := 0; i < 60; i++ {
		noise := 0.0005
		if i%2 == 1 {
			noise = -noise
		}
		require.NoError(t, m.deps.Experiments.Record(opt.ExperimentID, engine.ArmControl, 0.900+noise))
		require.NoError(t, m.deps.Experiments.Record(opt.ExperimentID, engine.ArmTreatment, 0.905+noise))
	}
	m.evaluateExperiments()

	st := m.Status()
	assert.Equal(t, uint64(0), st.ImprovementsDeployed)
	assert.Equal(t, 0, st.ActiveOptimizations)

	// The seed stays deployed and the candidate is archived.
	deployed, ok := m.deps.Variants.Deployed("gpt-4o-mini", domain.SpectrumFinancial)
	require.True(t, ok)
	assert.Equal(t, seed.VariantID, deployed.VariantID)
	candidate, ok := m.deps.Variants.Get(opt.CandidateID)
	require.True(t, ok)
	assert.Equal(t, domain.VariantArchived, candidate.Status)

	changes := m.Changes(1)
	require.Len(t, changes, 1)
	assert.Equal(t, "experiment_concluded", changes[0].Kind)

	// The outcome still teaches the strategy book.
	strat, ok := m.deps.Strategies.Get(opt.StrategyID)
	require.True(t, ok)
	require.Len(t, strat.HistoricalDeltas, 1)
	assert.InDelta(t, 0.005, strat.MeanDelta, 1e-6)
}

func TestManager_DispatchVariant(t *testing.T) {
	m := newTestManager(8)
	seed, err := m.deps.Variants.Seed("gpt-4o-mini", domain.SpectrumFinancial, "base prompt",
		domain.VariantParameters{Temperature: 0.7, MaxTokens: 1024})
	require.NoError(t, err)

	// No experiment: every caller gets the deployed variant.
	v, ok := m.DispatchVariant("gpt-4o-mini", domain.SpectrumFinancial, "caller-1")
	require.True(t, ok)
	assert.Equal(t, seed.VariantID, v.VariantID)

	// An unseeded pair has nothing to dispatch.
	_, ok = m.DispatchVariant("gpt-4o-mini", domain.SpectrumEdge, "caller-1")
	assert.False(t, ok)

	require.NoError(t, m.TriggerOptimization("gpt-4o-mini", domain.SpectrumFinancial))
	m.mu.Lock()
	opt := m.active[pairKey("gpt-4o-mini", domain.SpectrumFinancial)]
	m.mu.Unlock()

	// Allocation is deterministic per caller: treatment callers get the
	// candidate, control callers keep the deployed variant.
	var sawControl, sawTreatment bool
	for i := 0; i < 64 && !(sawControl && sawTreatment); i++ {
		fp := fmt.Sprintf("caller-%d", i)
		v, ok := m.DispatchVariant("gpt-4o-mini", domain.SpectrumFinancial, fp)
		require.True(t, ok)
		switch m.deps.Experiments.Allocate(fp) {
		case engine.ArmTreatment:
			assert.Equal(t, opt.CandidateID, v.VariantID)
			sawTreatment = true
		default:
			assert.Equal(t, seed.VariantID, v.VariantID)
			sawControl = true
		}
	}
	assert.True(t, sawControl)
	assert.True(t, sawTreatment)
}

func TestManager_WorstPair(t *testing.T) {
	m := newTestManager(8)
	_, _, ok := m.WorstPair()
	assert.False(t, ok)

	good := vcTrace("g1", 0.95)
	m.handleTrace(good)
	bad := vcTrace("b1", 0.60)
	bad.Spectrum = domain.SpectrumIdentity
	m.handleTrace(bad)

	model, spectrum, ok := m.WorstPair()
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", model)
	assert.Equal(t, domain.SpectrumIdentity, spectrum)
}

func TestManager_ChangesBounded(t *testing.T) {
	m := newTestManager(8)
	for i := 0; i < changeHistoryCap+10; i++ {
		m.recordChange("test", "m", domain.SpectrumEdge, fmt.Sprintf("c%d", i))
	}
	got := m.Changes(0)
	assert.Len(t, got, changeHistoryCap)
	assert.Equal(t, fmt.Sprintf("c%d", changeHistoryCap+9), got[0].Detail)
}

func TestManager_ProcessOnceFlushesAndRollsUp(t *testing.T) {
	m := newTestManager(8)
	for i := 0; i < 5; i++ {
		m.handleTrace(vcTrace(fmt.Sprintf("t%d", i), 0.97))
	}
	m.processOnce(context.Background())

	rollups := m.deps.Rollups.Rollups(time.Now().UTC())
	require.Len(t, rollups, 1)
	assert.Equal(t, 5, rollups[0].Count)
	// Forecast stays empty: the baseline is far below the sample guard.
	assert.Empty(t, m.Forecast())
}
