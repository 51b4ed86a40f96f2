package engine

import (
	"errors"
	"fmt"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/collector"
)

// DeltaReport is the regression-analysis output.
type DeltaReport struct {
	Regression        bool              `json:"regression"`
	Magnitude         float64           `json:"magnitude"`
	PValue            float64           `json:"p_value"`
	BaselineMean      float64           `json:"baseline_mean"`
	LiveMean          float64           `json:"live_mean"`
	AffectedModels    []string          `json:"affected_models,omitempty"`
	AffectedSpectrums []domain.Spectrum `json:"affected_spectrums,omitempty"`
}

// DeltaAnalyzer compares the live window against the baseline window.
type DeltaAnalyzer struct {
	collector *collector.Collector
	// MinDelta is the regression magnitude threshold (baseline - live).
	MinDelta float64
	// Alpha is the significance threshold for the Welch test.
	Alpha float64
}

// NewDeltaAnalyzer constructs an analyzer over the collector.
func NewDeltaAnalyzer(c *collector.Collector, minDelta, alpha float64) *DeltaAnalyzer {
	return &DeltaAnalyzer{collector: c, MinDelta: minDelta, Alpha: alpha}
}

// Analyze signals a regression when baseline_mean - live_mean >= MinDelta
// and Welch's t-test yields p <= Alpha. Idempotent over the same windows.
func (a *DeltaAnalyzer) Analyze(spectrum domain.Spectrum, model string) (DeltaReport, error) {
	live := a.collector.Scores(collector.LiveWindow, spectrum, model)
	baseline := a.collector.Scores(collector.BaselineWindow, spectrum, model)

	_, p, err := WelchTTest(baseline, live)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientData) {
			return DeltaReport{}, fmt.Errorf("op=engine.Analyze: %w", err)
		}
		return DeltaReport{}, err
	}

	baseMean, liveMean := Mean(baseline), Mean(live)
	rep := DeltaReport{
		Magnitude:    baseMean - liveMean,
		PValue:       p,
		BaselineMean: baseMean,
		LiveMean:     liveMean,
	}
	if rep.Magnitude >= a.MinDelta && p <= a.Alpha {
		rep.Regression = true
		rep.AffectedModels, rep.AffectedSpectrums = a.affected()
	}
	return rep, nil
}

// affected lists models and spectrums whose live mean trails their baseline
// mean by at least the regression threshold.
func (a *DeltaAnalyzer) affected() ([]string, []domain.Spectrum) {
	live := a.collector.Snapshot(collector.LiveWindow, "", "")
	base := a.collector.Snapshot(collector.BaselineWindow, "", "")
	var models []string
	for m, lv := range live.ByModel {
		if bv, ok := base.ByModel[m]; ok && bv-lv >= a.MinDelta {
			models = append(models, m)
		}
	}
	var spectrums []domain.Spectrum
	for s, lv := range live.BySpectrum {
		if bv, ok := base.BySpectrum[s]; ok && bv-lv >= a.MinDelta {
			spectrums = append(spectrums, s)
		}
	}
	return models, spectrums
}
