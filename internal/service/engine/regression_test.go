package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
	"github.com/TheCreditPros/tilores-X-sub004/internal/service/collector"
)

// ingestScored feeds n traces with alternating feedback around center,
// stamped at the given age before now.
func ingestScored(t *testing.T, c *collector.Collector, prefix string, n int, center float64, age time.Duration) {
	t.Helper()
	at := time.Now().UTC().Add(-age)
	for i := 0; i < n; i++ {
		fs := center + 0.005
		if i%2 == 1 {
			fs = center - 0.005
		}
		tr := domain.TraceRecord{
			TraceID:       fmt.Sprintf("%s-%d", prefix, i),
			Model:         "gpt-4o-mini",
			Spectrum:      domain.SpectrumFinancial,
			LatencyMS:     800,
			InputTokens:   10,
			OutputTokens:  5,
			TotalTokens:   15,
			FeedbackScore: &fs,
			CreatedAt:     at,
			StructuralOK:  true,
		}
		require.NoError(t, c.Ingest(tr))
	}
}

func TestDeltaAnalyzer_DetectsRegression(t *testing.T) {
	c := collector.New(collector.DefaultScoreConfig())
	ingestScored(t, c, "base", 50, 0.95, 2*time.Hour)
	ingestScored(t, c, "live", 50, 0.80, time.Minute)

	a := NewDeltaAnalyzer(c, 0.05, 0.05)
	rep, err := a.Analyze(domain.SpectrumFinancial, "gpt-4o-mini")
	require.NoError(t, err)
	assert.True(t, rep.Regression)
	assert.GreaterOrEqual(t, rep.Magnitude, 0.05)
	assert.LessOrEqual(t, rep.PValue, 0.05)
	assert.Greater(t, rep.BaselineMean, rep.LiveMean)
	assert.Contains(t, rep.AffectedModels, "gpt-4o-mini")
	assert.Contains(t, rep.AffectedSpectrums, domain.SpectrumFinancial)
}

func TestDeltaAnalyzer_StableQuality(t *testing.T) {
	c := collector.New(collector.DefaultScoreConfig())
	ingestScored(t, c, "base", 50, 0.92, 2*time.Hour)
	ingestScored(t, c, "live", 50, 0.92, time.Minute)

	a := NewDeltaAnalyzer(c, 0.05, 0.05)
	rep, err := a.Analyze(domain.SpectrumFinancial, "gpt-4o-mini")
	require.NoError(t, err)
	assert.False(t, rep.Regression)
	assert.Empty(t, rep.AffectedModels)
}

func TestDeltaAnalyzer_ImprovementIsNotRegression(t *testing.T) {
	c := collector.New(collector.DefaultScoreConfig())
	ingestScored(t, c, "base", 50, 0.80, 2*time.Hour)
	ingestScored(t, c, "live", 50, 0.95, time.Minute)

	a := NewDeltaAnalyzer(c, 0.05, 0.05)
	rep, err := a.Analyze(domain.SpectrumFinancial, "gpt-4o-mini")
	require.NoError(t, err)
	assert.False(t, rep.Regression)
	assert.Less(t, rep.Magnitude, 0.0)
}

func TestDeltaAnalyzer_InsufficientData(t *testing.T) {
	c := collector.New(collector.DefaultScoreConfig())
	a := NewDeltaAnalyzer(c, 0.05, 0.05)
	_, err := a.Analyze(domain.SpectrumFinancial, "gpt-4o-mini")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
}
