package engine

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// Arm identifies an experiment arm.
type Arm string

const (
	ArmControl   Arm = "control"
	ArmTreatment Arm = "treatment"
)

// ErrNoDecision reports that an experiment cannot conclude yet.
var ErrNoDecision = errors.New("no decision yet")

// ExperimentConfig carries the statistical gates for A/B decisions.
type ExperimentConfig struct {
	MinSamplesPerArm int
	Alpha            float64
	MaxDuration      time.Duration
	// TreatmentShare is the treatment traffic percentage, clamped to [10, 50].
	TreatmentShare int
}

// DefaultExperimentConfig mirrors the documented defaults.
func DefaultExperimentConfig() ExperimentConfig {
	return ExperimentConfig{MinSamplesPerArm: 30, Alpha: 0.05, MaxDuration: 7 * 24 * time.Hour, TreatmentShare: 50}
}

// Experiments manages running A/B comparisons. Safe for concurrent use.
type Experiments struct {
	mu   sync.Mutex
	cfg  ExperimentConfig
	byID map[string]*domain.Experiment
	now  func() time.Time
}

// NewExperiments constructs an experiment manager.
func NewExperiments(cfg ExperimentConfig) *Experiments {
	if cfg.TreatmentShare < 10 {
		cfg.TreatmentShare = 10
	}
	if cfg.TreatmentShare > 50 {
		cfg.TreatmentShare = 50
	}
	return &Experiments{cfg: cfg, byID: make(map[string]*domain.Experiment), now: time.Now}
}

// Start opens a new experiment between two variants.
func (e *Experiments) Start(model string, spectrum domain.Spectrum, controlID, treatmentID string) domain.Experiment {
	exp := &domain.Experiment{
		ExperimentID:       ulid.Make().String(),
		Model:              model,
		Spectrum:           spectrum,
		ControlVariantID:   controlID,
		TreatmentVariantID: treatmentID,
		StartedAt:          e.now().UTC(),
		Status:             domain.ExperimentRunning,
	}
	e.mu.Lock()
	e.byID[exp.ExperimentID] = exp
	e.mu.Unlock()
	return *exp
}

// Allocate deterministically assigns a request fingerprint to an arm by
// stable hash mod 100.
func (e *Experiments) Allocate(fingerprint string) Arm {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	if int(h.Sum32()%100) < e.cfg.TreatmentShare {
		return ArmTreatment
	}
	return ArmControl
}

// Record appends an observed score to one arm of a running experiment.
func (e *Experiments) Record(experimentID string, arm Arm, score float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.byID[experimentID]
	if !ok {
		return fmt.Errorf("%w: experiment %s", domain.ErrNotFound, experimentID)
	}
	if exp.Status.Terminal() {
		return fmt.Errorf("%w: experiment %s already %s", domain.ErrInvariant, experimentID, exp.Status)
	}
	exp.AllocTotal++
	switch arm {
	case ArmControl:
		exp.AllocControl++
		exp.ScoresControl = append(exp.ScoresControl, score)
	case ArmTreatment:
		exp.AllocTreatment++
		exp.ScoresTreatment = append(exp.ScoresTreatment, score)
	default:
		exp.AllocTotal--
		return fmt.Errorf("%w: unknown arm %q", domain.ErrInvalidArgument, arm)
	}
	return nil
}

// Evaluate attempts a decision. With fewer than the minimum samples in
// either arm it returns ErrInsufficientData unless the experiment has timed
// out, in which case it concludes inconclusive. A terminal status is final.
func (e *Experiments) Evaluate(experimentID string) (domain.Experiment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.byID[experimentID]
	if !ok {
		return domain.Experiment{}, fmt.Errorf("%w: experiment %s", domain.ErrNotFound, experimentID)
	}
	if exp.Status.Terminal() {
		return *exp, nil
	}
	timedOut := e.now().Sub(exp.StartedAt) >= e.cfg.MaxDuration
	if len(exp.ScoresControl) < e.cfg.MinSamplesPerArm || len(exp.ScoresTreatment) < e.cfg.MinSamplesPerArm {
		if timedOut {
			e.concludeLocked(exp, domain.ExperimentInconclusive, 1)
			return *exp, nil
		}
		return *exp, fmt.Errorf("%w: need %d samples per arm (control %d, treatment %d)",
			domain.ErrInsufficientData, e.cfg.MinSamplesPerArm, len(exp.ScoresControl), len(exp.ScoresTreatment))
	}

	tStat, p, err := WelchTTest(exp.ScoresTreatment, exp.ScoresControl)
	if err != nil {
		return *exp, err
	}
	switch {
	case p <= e.cfg.Alpha && tStat > 0:
		e.concludeLocked(exp, domain.ExperimentWinnerTreatment, p)
	case p <= e.cfg.Alpha && tStat < 0:
		e.concludeLocked(exp, domain.ExperimentWinnerControl, p)
	case timedOut:
		e.concludeLocked(exp, domain.ExperimentInconclusive, p)
	default:
		exp.PValue = p
		return *exp, ErrNoDecision
	}
	return *exp, nil
}

// Abort terminates a running experiment without a winner.
func (e *Experiments) Abort(experimentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.byID[experimentID]
	if !ok {
		return fmt.Errorf("%w: experiment %s", domain.ErrNotFound, experimentID)
	}
	if exp.Status.Terminal() {
		return fmt.Errorf("%w: experiment %s already %s", domain.ErrInvariant, experimentID, exp.Status)
	}
	e.concludeLocked(exp, domain.ExperimentAborted, exp.PValue)
	return nil
}

// Get returns an experiment snapshot by id.
func (e *Experiments) Get(experimentID string) (domain.Experiment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exp, ok := e.byID[experimentID]
	if !ok {
		return domain.Experiment{}, false
	}
	return *exp, true
}

func (e *Experiments) concludeLocked(exp *domain.Experiment, status domain.ExperimentStatus, p float64) {
	ended := e.now().UTC()
	exp.EndedAt = &ended
	exp.Status = status
	exp.PValue = p
}
