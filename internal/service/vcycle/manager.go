package vcycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/adapter/observability"
	"github.com/TheCreditPros/tilores-X-sub004/internal/config"
	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/collector"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/engine"
)

const (
	// consecutiveBelowTrigger fires an optimization after this many
	// monitor windows under the quality target for a pair.
	consecutiveBelowTrigger = 3
	// improvementMarginMin is the minimum treatment-over-control mean gain
	// required to promote a winner. Statistical significance alone is not
	// enough: a significant 0.005 gain is not worth a deployment.
	improvementMarginMin = 0.02
	// changeHistoryCap bounds the retained change log.
	changeHistoryCap = 256
	// optimizeQueueCap bounds pending monitor-initiated trigger requests.
	optimizeQueueCap = 16
)

// Deps wires the manager to the collector, engine and supporting services.
type Deps struct {
	Cfg         config.Config
	Collector   *collector.Collector
	Patterns    *engine.PatternIndex
	Strategies  *engine.StrategyBook
	Experiments *engine.Experiments
	Analyzer    *engine.DeltaAnalyzer
	Forecaster  *engine.Forecaster
	Feedback    *engine.FeedbackIntegrator
	Annotations *engine.AnnotationRouter
	Rollups     *engine.RollupScheduler
	Variants    *Registry
	Alerts      *Alerter
	Monitor     *observability.Monitor
}

// ChangeRecord is one entry in the bounded autonomous-change log.
type ChangeRecord struct {
	At       time.Time       `json:"at"`
	Kind     string          `json:"kind"`
	Model    string          `json:"model"`
	Spectrum domain.Spectrum `json:"spectrum"`
	Detail   string          `json:"detail"`
}

// Status is the manager's externally visible state.
type Status struct {
	Running                bool      `json:"running"`
	TracesProcessed        uint64    `json:"traces_processed"`
	TracesDropped          uint64    `json:"traces_dropped"`
	QualityChecks          uint64    `json:"quality_checks"`
	OptimizationsTriggered uint64    `json:"optimizations_triggered"`
	ImprovementsDeployed   uint64    `json:"improvements_deployed"`
	CurrentQuality         float64   `json:"current_quality"`
	ActiveOptimizations    int       `json:"active_optimizations"`
	PendingTraces          int       `json:"pending_traces"`
	LastUpdate             time.Time `json:"last_update"`
}

// activeOptimization tracks one in-flight experiment per pair.
type activeOptimization struct {
	ExperimentID string
	CandidateID  string
	StrategyID   string
	Reason       string
	StartedAt    time.Time
}

type optimizeRequest struct {
	model    string
	spectrum domain.Spectrum
	reason   string
}

// Manager runs the four autonomous loops: trace ingest, quality monitoring,
// optimization orchestration and background processing.
type Manager struct {
	deps     Deps
	scoreCfg collector.ScoreConfig

	traces     chan domain.TraceRecord
	optimizeCh chan optimizeRequest
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    atomic.Bool
	stopping   atomic.Bool

	tracesProcessed atomic.Uint64
	tracesDropped   atomic.Uint64
	qualityChecks   atomic.Uint64
	optimizations   atomic.Uint64
	improvements    atomic.Uint64
	qualityBits     atomic.Uint64 // float64 bits of the live mean
	lastUpdate      atomic.Int64  // unix nanos

	mu            sync.Mutex
	pairs         map[string]struct{}
	below         map[string]int
	active        map[string]activeOptimization
	lastOptimized map[string]time.Time
	changes       []ChangeRecord
	recent        []domain.TraceRecord // bounded raw-trace window for rollups
	recentStart   int
	forecast      []domain.ForecastPoint
}

// NewManager constructs the manager. Start must be called before Offer.
func NewManager(deps Deps) *Manager {
	if deps.Variants == nil {
		deps.Variants = NewRegistry()
	}
	if deps.Alerts == nil {
		deps.Alerts = NewAlerter(deps.Cfg.AlertCooldown)
	}
	size := deps.Cfg.TraceBufferSize
	if size <= 0 {
		size = 10000
	}
	return &Manager{
		deps: deps,
		scoreCfg: collector.ScoreConfig{
			WeightSuccess:    deps.Cfg.ScoreWeightSuccess,
			WeightLatency:    deps.Cfg.ScoreWeightLatency,
			WeightStructural: deps.Cfg.ScoreWeightStructural,
			LatencySLOMS:     float64(deps.Cfg.ScoreLatencySLO.Milliseconds()),
		},
		traces:        make(chan domain.TraceRecord, size),
		optimizeCh:    make(chan optimizeRequest, optimizeQueueCap),
		pairs:         make(map[string]struct{}),
		below:         make(map[string]int),
		active:        make(map[string]activeOptimization),
		lastOptimized: make(map[string]time.Time),
		recent:        make([]domain.TraceRecord, 0, size),
	}
}

// Start launches the loops. Idempotent; the second call is a no-op.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.wg.Add(4)
	go m.runIngest(ctx)
	go m.runQualityMonitor(ctx)
	go m.runOptimizer(ctx)
	go m.runProcessor(ctx)
	slog.Info("virtuous cycle started",
		slog.Int("trace_buffer", cap(m.traces)),
		slog.Duration("monitor_interval", m.deps.Cfg.QualityMonitorInterval),
		slog.Duration("processor_interval", m.deps.Cfg.ProcessorInterval))
}

// Shutdown drains the ingest queue within the configured window, then forces
// the loops to stop.
func (m *Manager) Shutdown() {
	if !m.started.Load() || !m.stopping.CompareAndSwap(false, true) {
		return
	}
	close(m.traces)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("virtuous cycle drained", slog.Uint64("traces_processed", m.tracesProcessed.Load()))
	case <-time.After(m.deps.Cfg.ShutdownDrainTimeout):
		slog.Warn("virtuous cycle drain timed out, forcing stop",
			slog.Int("pending", len(m.traces)))
		m.cancel()
		<-done
	}
	m.cancel()
	m.deps.Collector.Close()
}

// Offer hands one trace to the ingest loop. When the buffer is full the
// oldest queued trace is dropped so recent signal wins. Returns whether the
// trace was accepted.
func (m *Manager) Offer(t domain.TraceRecord) bool {
	if !m.started.Load() || m.stopping.Load() {
		return false
	}
	select {
	case m.traces <- t:
		return true
	default:
	}
	select {
	case <-m.traces:
		m.tracesDropped.Add(1)
		observability.TracesDroppedTotal.Inc()
	default:
	}
	select {
	case m.traces <- t:
		return true
	default:
		m.tracesDropped.Add(1)
		observability.TracesDroppedTotal.Inc()
		return false
	}
}

// runIngest drains the trace queue until it closes.
func (m *Manager) runIngest(ctx context.Context) {
	defer m.wg.Done()
	for t := range m.traces {
		if ctx.Err() != nil {
			m.tracesDropped.Add(1)
			observability.TracesDroppedTotal.Inc()
			continue
		}
		m.handleTrace(t)
	}
}

func (m *Manager) handleTrace(t domain.TraceRecord) {
	if err := m.deps.Collector.Ingest(t); err != nil {
		slog.Debug("trace rejected", slog.String("trace_id", t.TraceID), slog.Any("error", err))
		return
	}
	score := collector.Score(t, m.scoreCfg)
	pair := pairKey(t.Model, t.Spectrum)

	if score >= 0.95 && t.Input != "" {
		rec := domain.QualityRecord{
			TraceID:   t.TraceID,
			Model:     t.Model,
			Spectrum:  t.Spectrum,
			Score:     score,
			LatencyMS: t.LatencyMS,
			Timestamp: t.CreatedAt,
		}
		if _, err := m.deps.Patterns.Admit(rec, t.Input); err == nil {
			m.deps.Feedback.Offer(domain.DatasetExample{
				Input:    t.Input,
				Output:   t.Output,
				Score:    score,
				Spectrum: t.Spectrum,
			})
		}
	}
	if t.Input != "" {
		m.deps.Annotations.Admit(t, score)
	}

	m.mu.Lock()
	m.pairs[pair] = struct{}{}
	if len(m.recent) < cap(m.recent) {
		m.recent = append(m.recent, t)
	} else {
		m.recent[m.recentStart] = t
		m.recentStart = (m.recentStart + 1) % len(m.recent)
	}
	opt, inExperiment := m.active[pair]
	m.mu.Unlock()

	if inExperiment {
		fp := t.Session
		if fp == "" {
			fp = t.TraceID
		}
		arm := m.deps.Experiments.Allocate(fp)
		if err := m.deps.Experiments.Record(opt.ExperimentID, arm, score); err != nil {
			slog.Debug("experiment record skipped", slog.String("experiment", opt.ExperimentID), slog.Any("error", err))
		}
	}

	m.tracesProcessed.Add(1)
	observability.TracesProcessedTotal.Inc()
	m.deps.Monitor.Incr("traces_processed_total", 1)
	m.lastUpdate.Store(time.Now().UnixNano())
}

// runQualityMonitor evaluates live quality on a fixed cadence, fires alerts
// and requests optimizations.
func (m *Manager) runQualityMonitor(ctx context.Context) {
	defer m.wg.Done()
	interval := m.deps.Cfg.QualityMonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			drift := now.Sub(last) - interval
			if drift < 0 {
				drift = -drift
			}
			observability.LoopCadenceDrift.WithLabelValues("quality_monitor").Observe(drift.Seconds())
			last = now
			m.checkQuality()
		}
	}
}

func (m *Manager) checkQuality() {
	target := m.deps.Cfg.QualityThresholdTarget
	win := m.deps.Collector.Snapshot(collector.LiveWindow, "", "")
	m.qualityBits.Store(math.Float64bits(win.Mean))
	m.qualityChecks.Add(1)
	observability.QualityChecksTotal.Inc()
	m.lastUpdate.Store(time.Now().UnixNano())

	if win.Count > 0 && win.Mean < target {
		m.deps.Alerts.Fire(domain.SeverityHigh, "quality_below_target", "global",
			fmt.Sprintf("live mean %.3f under target %.2f over %d traces", win.Mean, target, win.Count))
	}

	m.mu.Lock()
	pairs := make([]string, 0, len(m.pairs))
	for p := range m.pairs {
		pairs = append(pairs, p)
	}
	m.mu.Unlock()

	for _, pair := range pairs {
		model, spectrum := splitPair(pair)
		snap := m.deps.Collector.Snapshot(collector.LiveWindow, spectrum, model)
		if snap.Count == 0 {
			continue
		}
		m.mu.Lock()
		if snap.Mean < target {
			m.below[pair]++
		} else {
			m.below[pair] = 0
		}
		sustained := m.below[pair] >= consecutiveBelowTrigger
		if sustained {
			m.below[pair] = 0
		}
		m.mu.Unlock()
		if sustained {
			m.enqueueOptimization(model, spectrum, "sustained_below_target")
		}

		rep, err := m.deps.Analyzer.Analyze(spectrum, model)
		if err != nil {
			continue
		}
		if rep.Regression {
			m.deps.Alerts.Fire(domain.SeverityCritical, "quality_regression", pair,
				fmt.Sprintf("baseline %.3f live %.3f p=%.4f", rep.BaselineMean, rep.LiveMean, rep.PValue))
			m.enqueueOptimization(model, spectrum, "regression")
		}
	}

	m.evaluateExperiments()
}

// evaluateExperiments attempts a decision on every in-flight experiment and
// applies the outcome.
func (m *Manager) evaluateExperiments() {
	m.mu.Lock()
	running := make(map[string]activeOptimization, len(m.active))
	for pair, opt := range m.active {
		running[pair] = opt
	}
	m.mu.Unlock()

	for pair, opt := range running {
		exp, err := m.deps.Experiments.Evaluate(opt.ExperimentID)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientData) || errors.Is(err, engine.ErrNoDecision) {
				continue
			}
			slog.Warn("experiment evaluation failed", slog.String("experiment", opt.ExperimentID), slog.Any("error", err))
			continue
		}
		if !exp.Status.Terminal() {
			continue
		}
		m.concludeOptimization(pair, opt, exp)
	}
}

func (m *Manager) concludeOptimization(pair string, opt activeOptimization, exp domain.Experiment) {
	model, spectrum := splitPair(pair)
	delta := engine.Mean(exp.ScoresTreatment) - engine.Mean(exp.ScoresControl)
	observability.ExperimentsTotal.WithLabelValues(string(exp.Status)).Inc()

	switch exp.Status {
	case domain.ExperimentWinnerTreatment:
		if delta < improvementMarginMin {
			// Significant but too small to act on.
			if err := m.deps.Variants.Archive(opt.CandidateID); err != nil {
				slog.Warn("variant archive failed", slog.String("variant", opt.CandidateID), slog.Any("error", err))
			}
			m.recordChange("experiment_concluded", model, spectrum,
				fmt.Sprintf("status=%s strategy=%s delta=%+.4f under margin %.2f", exp.Status, opt.StrategyID, delta, improvementMarginMin))
		} else if err := m.deps.Variants.Deploy(opt.CandidateID); err != nil {
			slog.Error("variant deploy failed", slog.String("variant", opt.CandidateID), slog.Any("error", err))
		} else {
			m.improvements.Add(1)
			observability.ImprovementsDeployedTotal.Inc()
			m.deps.Monitor.Incr("improvements_deployed_total", 1)
			m.recordChange("variant_deployed", model, spectrum,
				fmt.Sprintf("strategy=%s delta=%+.4f p=%.4f", opt.StrategyID, delta, exp.PValue))
		}
	case domain.ExperimentWinnerControl, domain.ExperimentInconclusive, domain.ExperimentAborted:
		if err := m.deps.Variants.Archive(opt.CandidateID); err != nil {
			slog.Warn("variant archive failed", slog.String("variant", opt.CandidateID), slog.Any("error", err))
		}
		m.recordChange("experiment_concluded", model, spectrum,
			fmt.Sprintf("status=%s strategy=%s delta=%+.4f", exp.Status, opt.StrategyID, delta))
	}
	if err := m.deps.Strategies.Record(opt.StrategyID, delta); err != nil {
		slog.Debug("strategy record skipped", slog.String("strategy", opt.StrategyID), slog.Any("error", err))
	}

	m.mu.Lock()
	delete(m.active, pair)
	m.lastOptimized[pair] = time.Now()
	m.mu.Unlock()
}

// runOptimizer serializes monitor-initiated optimization starts.
func (m *Manager) runOptimizer(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.optimizeCh:
			if err := m.startOptimization(req.model, req.spectrum, req.reason); err != nil {
				slog.Debug("optimization skipped",
					slog.String("model", req.model),
					slog.String("spectrum", string(req.spectrum)),
					slog.String("reason", req.reason),
					slog.Any("error", err))
			}
		}
	}
}

func (m *Manager) enqueueOptimization(model string, spectrum domain.Spectrum, reason string) {
	select {
	case m.optimizeCh <- optimizeRequest{model: model, spectrum: spectrum, reason: reason}:
	default: // queue full: the monitor will re-request next window
	}
}

// TriggerOptimization starts an optimization cycle for a pair on demand,
// honoring the per-pair cooldown and global concurrency cap.
func (m *Manager) TriggerOptimization(model string, spectrum domain.Spectrum) error {
	if !domain.ValidSpectrum(spectrum) {
		return fmt.Errorf("%w: unknown spectrum %q", domain.ErrInvalidArgument, spectrum)
	}
	return m.startOptimization(model, spectrum, "manual")
}

func (m *Manager) startOptimization(model string, spectrum domain.Spectrum, reason string) error {
	pair := pairKey(model, spectrum)
	cooldown := m.deps.Cfg.OptimizationCooldown()
	maxConcurrent := m.deps.Cfg.OptimizationMaxConcurrent

	m.mu.Lock()
	if _, busy := m.active[pair]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: optimization already running for %s", domain.ErrInvariant, pair)
	}
	if len(m.active) >= maxConcurrent {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d optimizations already in flight", domain.ErrRateLimited, maxConcurrent)
	}
	if last, ok := m.lastOptimized[pair]; ok && time.Since(last) < cooldown {
		m.mu.Unlock()
		return fmt.Errorf("%w: pair %s in cooldown for %s", domain.ErrRateLimited, pair,
			(cooldown - time.Since(last)).Round(time.Second))
	}
	m.mu.Unlock()

	strategy, err := m.deps.Strategies.Select()
	if err != nil {
		return err
	}
	candidate, err := m.deps.Variants.Propose(model, spectrum, strategy)
	if err != nil {
		return err
	}
	control, _ := m.deps.Variants.Deployed(model, spectrum)
	exp := m.deps.Experiments.Start(model, spectrum, control.VariantID, candidate.VariantID)

	m.mu.Lock()
	// Re-check: another caller may have won the pair while we built the
	// candidate.
	if _, busy := m.active[pair]; busy {
		m.mu.Unlock()
		_ = m.deps.Experiments.Abort(exp.ExperimentID)
		_ = m.deps.Variants.Archive(candidate.VariantID)
		return fmt.Errorf("%w: optimization already running for %s", domain.ErrInvariant, pair)
	}
	m.active[pair] = activeOptimization{
		ExperimentID: exp.ExperimentID,
		CandidateID:  candidate.VariantID,
		StrategyID:   strategy.StrategyID,
		Reason:       reason,
		StartedAt:    time.Now(),
	}
	m.mu.Unlock()

	m.optimizations.Add(1)
	observability.OptimizationsTriggeredTotal.Inc()
	m.deps.Monitor.Incr("optimizations_triggered_total", 1)
	m.recordChange("optimization_started", model, spectrum,
		fmt.Sprintf("reason=%s strategy=%s experiment=%s", reason, strategy.StrategyID, exp.ExperimentID))
	slog.Info("optimization started",
		slog.String("model", model),
		slog.String("spectrum", string(spectrum)),
		slog.String("strategy", strategy.StrategyID),
		slog.String("reason", reason),
		slog.String("experiment", exp.ExperimentID))
	return nil
}

// Rollback redeploys the parent variant for a pair and logs the change.
func (m *Manager) Rollback(model string, spectrum domain.Spectrum) (domain.PromptVariant, error) {
	v, err := m.deps.Variants.Rollback(model, spectrum)
	if err != nil {
		return domain.PromptVariant{}, err
	}
	m.recordChange("variant_rolled_back", model, spectrum, "restored "+v.VariantID)
	return v, nil
}

// runProcessor handles the slow background work: feedback flushes,
// annotation submission, forecast refresh and daily rollups.
func (m *Manager) runProcessor(ctx context.Context) {
	defer m.wg.Done()
	interval := m.deps.Cfg.ProcessorInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			drift := now.Sub(last) - interval
			if drift < 0 {
				drift = -drift
			}
			observability.LoopCadenceDrift.WithLabelValues("processor").Observe(drift.Seconds())
			last = now
			m.processOnce(ctx)
		}
	}
}

func (m *Manager) processOnce(ctx context.Context) {
	if _, err := m.deps.Feedback.MaybeFlush(ctx); err != nil {
		slog.Warn("feedback flush failed", slog.Any("error", err))
	}
	if _, err := m.deps.Annotations.Flush(ctx); err != nil {
		slog.Warn("annotation flush failed", slog.Any("error", err))
	}

	series := m.deps.Collector.HourlySeries()
	fc, err := m.deps.Forecaster.Forecast(series, m.deps.Collector.Len())
	switch {
	case err == nil:
		m.mu.Lock()
		m.forecast = fc
		m.mu.Unlock()
	case errors.Is(err, domain.ErrInsufficientData):
		// Expected until the baseline fills; keep the previous forecast.
	default:
		slog.Warn("forecast refresh failed", slog.Any("error", err))
	}

	m.mu.Lock()
	traces := make([]domain.TraceRecord, len(m.recent))
	copy(traces, m.recent)
	m.mu.Unlock()
	m.deps.Rollups.RunDay(time.Now().UTC(), traces)
	m.lastUpdate.Store(time.Now().UnixNano())
}

func (m *Manager) recordChange(kind, model string, spectrum domain.Spectrum, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, ChangeRecord{
		At:       time.Now().UTC(),
		Kind:     kind,
		Model:    model,
		Spectrum: spectrum,
		Detail:   detail,
	})
	if len(m.changes) > changeHistoryCap {
		m.changes = m.changes[len(m.changes)-changeHistoryCap:]
	}
}

// Status reports the manager's counters and live quality.
func (m *Manager) Status() Status {
	m.mu.Lock()
	activeCount := len(m.active)
	m.mu.Unlock()
	return Status{
		Running:                m.started.Load() && !m.stopping.Load(),
		TracesProcessed:        m.tracesProcessed.Load(),
		TracesDropped:          m.tracesDropped.Load(),
		QualityChecks:          m.qualityChecks.Load(),
		OptimizationsTriggered: m.optimizations.Load(),
		ImprovementsDeployed:   m.improvements.Load(),
		CurrentQuality:         math.Float64frombits(m.qualityBits.Load()),
		ActiveOptimizations:    activeCount,
		PendingTraces:          len(m.traces),
		LastUpdate:             time.Unix(0, m.lastUpdate.Load()).UTC(),
	}
}

// Changes returns up to n change records, newest first.
func (m *Manager) Changes(n int) []ChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.changes) {
		n = len(m.changes)
	}
	out := make([]ChangeRecord, 0, n)
	for i := len(m.changes) - 1; i >= len(m.changes)-n; i-- {
		out = append(out, m.changes[i])
	}
	return out
}

// Forecast returns the latest refreshed forecast, if any.
func (m *Manager) Forecast() []domain.ForecastPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ForecastPoint, len(m.forecast))
	copy(out, m.forecast)
	return out
}

// Alerts returns recent alert events, newest first.
func (m *Manager) Alerts(n int) []domain.AlertEvent {
	return m.deps.Alerts.Recent(n)
}

// Variants exposes the variant registry for read paths.
func (m *Manager) Variants() *Registry {
	return m.deps.Variants
}

// DispatchVariant resolves the provider-facing variant snapshot for one
// request: the deployed variant for the pair, or the experiment candidate
// when the caller hashes into the treatment arm of an in-flight experiment.
// The same fingerprint the ingest loop uses for arm recording must be
// passed here so dispatch and measurement agree on the arm.
func (m *Manager) DispatchVariant(model string, spectrum domain.Spectrum, fp string) (domain.PromptVariant, bool) {
	m.mu.Lock()
	opt, running := m.active[pairKey(model, spectrum)]
	m.mu.Unlock()
	if running && m.deps.Experiments.Allocate(fp) == engine.ArmTreatment {
		if v, ok := m.deps.Variants.Get(opt.CandidateID); ok {
			return v, true
		}
	}
	return m.deps.Variants.Deployed(model, spectrum)
}

// WorstPair returns the observed pair with the lowest live mean quality,
// or false when no pair has live traffic yet.
func (m *Manager) WorstPair() (string, domain.Spectrum, bool) {
	m.mu.Lock()
	pairs := make([]string, 0, len(m.pairs))
	for p := range m.pairs {
		pairs = append(pairs, p)
	}
	m.mu.Unlock()

	var worstModel string
	var worstSpectrum domain.Spectrum
	worst := math.MaxFloat64
	for _, pair := range pairs {
		model, spectrum := splitPair(pair)
		snap := m.deps.Collector.Snapshot(collector.LiveWindow, spectrum, model)
		if snap.Count == 0 || snap.Mean >= worst {
			continue
		}
		worst = snap.Mean
		worstModel, worstSpectrum = model, spectrum
	}
	return worstModel, worstSpectrum, worst < math.MaxFloat64
}

func splitPair(pair string) (string, domain.Spectrum) {
	for i := len(pair) - 1; i >= 0; i-- {
		if pair[i] == '|' {
			return pair[:i], domain.Spectrum(pair[i+1:])
		}
	}
	return pair, ""
}
