// Package domain holds the core entities and ports of the quality-management
// gateway. Adapters depend on this package, never the other way around.
package domain

import (
	"context"
	"time"
)

// Spectrum classifies the nature of a customer query. Seven fixed tags.
type Spectrum string

const (
	SpectrumIdentity      Spectrum = "identity"
	SpectrumFinancial     Spectrum = "financial"
	SpectrumMultiField    Spectrum = "multi-field"
	SpectrumContext       Spectrum = "context"
	SpectrumScaling       Spectrum = "scaling"
	SpectrumEdge          Spectrum = "edge"
	SpectrumCommunication Spectrum = "communication"
)

// Spectrums lists all valid spectrum tags.
var Spectrums = []Spectrum{
	SpectrumIdentity, SpectrumFinancial, SpectrumMultiField,
	SpectrumContext, SpectrumScaling, SpectrumEdge, SpectrumCommunication,
}

// ValidSpectrum reports whether s is one of the seven fixed tags.
func ValidSpectrum(s Spectrum) bool {
	for _, v := range Spectrums {
		if v == s {
			return true
		}
	}
	return false
}

// TraceRecord is one inference invocation.
// Invariants: TotalTokens == InputTokens + OutputTokens;
// FeedbackScore in [0,1] when present. Never mutated after ingest.
type TraceRecord struct {
	TraceID       string
	Session       string
	Model         string
	Spectrum      Spectrum
	LatencyMS     int64
	TotalTokens   int
	InputTokens   int
	OutputTokens  int
	Error         string
	FeedbackScore *float64
	CreatedAt     time.Time
	Tags          []string
	// Input and Output carry the prompt and completion text for pattern
	// indexing and annotation routing. Empty when capture is disabled.
	Input  string
	Output string
	// StructuralOK reports whether the output met the spectrum schema.
	StructuralOK bool
}

// QualityRecord is derived from exactly one TraceRecord.
type QualityRecord struct {
	TraceID      string
	Model        string
	Spectrum     Spectrum
	Score        float64
	LatencyMS    int64
	CostEstimate float64
	WindowBucket time.Time // 30-second-aligned UTC
	Timestamp    time.Time
}

// QualityWindow is a rolling aggregate over quality records.
type QualityWindow struct {
	BucketStart time.Time
	Duration    time.Duration
	Count       int
	Mean        float64
	P50         float64
	P95         float64
	StdDev      float64
	ByModel     map[string]float64
	BySpectrum  map[Spectrum]float64
}

// Pattern is a successful interaction exemplar admitted at score >= 0.95.
type Pattern struct {
	PatternID    string
	Embedding    []float64
	ExemplarRef  string // trace_id
	Score        float64
	Spectrum     Spectrum
	SuccessCount int
	AppliedCount int
	CreatedAt    time.Time
}

// OptimizationStrategy is a meta-learning entry tracking the last 32 quality
// deltas observed after applying the strategy.
type OptimizationStrategy struct {
	StrategyID       string
	Description      string
	HistoricalDeltas []float64
	MeanDelta        float64
	Confidence       float64 // fraction of positive deltas in the window
	LastAppliedAt    time.Time
}

// ExperimentStatus enumerates experiment lifecycle states. Terminal states
// are final: at most one terminal transition per experiment.
type ExperimentStatus string

const (
	ExperimentRunning         ExperimentStatus = "running"
	ExperimentWinnerControl   ExperimentStatus = "concluded_winner_control"
	ExperimentWinnerTreatment ExperimentStatus = "concluded_winner_treatment"
	ExperimentInconclusive    ExperimentStatus = "concluded_inconclusive"
	ExperimentAborted         ExperimentStatus = "aborted"
)

// Terminal reports whether the status is final.
func (s ExperimentStatus) Terminal() bool { return s != ExperimentRunning }

// Experiment is a single A/B comparison between two prompt variants.
type Experiment struct {
	ExperimentID       string
	Model              string
	Spectrum           Spectrum
	ControlVariantID   string
	TreatmentVariantID string
	StartedAt          time.Time
	EndedAt            *time.Time
	AllocTotal         int
	AllocControl       int
	AllocTreatment     int
	ScoresControl      []float64
	ScoresTreatment    []float64
	Status             ExperimentStatus
	PValue             float64
}

// VariantStatus enumerates prompt variant lifecycle states.
type VariantStatus string

const (
	VariantCandidate VariantStatus = "candidate"
	VariantDeployed  VariantStatus = "deployed"
	VariantArchived  VariantStatus = "archived"
)

// VariantParameters are the sampling parameters bundled with a prompt.
type VariantParameters struct {
	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// PromptVariant is a deployable configuration. Variants form a parent chain
// that doubles as a rollback log. At most one deployed variant per
// (model, spectrum) pair at any instant.
type PromptVariant struct {
	VariantID       string
	Model           string
	Spectrum        Spectrum
	CreatedAt       time.Time
	SystemPrompt    string
	Parameters      VariantParameters
	ParentVariantID string
	Status          VariantStatus
}

// AlertSeverity enumerates alert severities.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityMedium   AlertSeverity = "medium"
	SeverityLow      AlertSeverity = "low"
	SeverityInfo     AlertSeverity = "info"
)

// AlertEvent is a monitoring notification. For each (Kind, Key) no two
// alerts may fire within the cooldown window.
type AlertEvent struct {
	Severity      AlertSeverity
	Kind          string
	Key           string
	Detail        string
	CreatedAt     time.Time
	CooldownUntil time.Time
}

// ForecastPoint is one step of a predictive output with an 80% central interval.
type ForecastPoint struct {
	HorizonHours int
	Mean         float64
	Lower80      float64
	Upper80      float64
	GeneratedAt  time.Time
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
