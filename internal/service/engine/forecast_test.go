package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

func flatSeries(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestForecast_InsufficientSamples(t *testing.T) {
	f := NewForecaster(200, 24)
	_, err := f.Forecast(flatSeries(48, 0.9), 199)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
}

func TestForecast_SeriesTooShort(t *testing.T) {
	f := NewForecaster(200, 24)
	_, err := f.Forecast(flatSeries(5, 0.9), 500)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
}

func TestForecast_FlatSeries(t *testing.T) {
	f := NewForecaster(200, 24)
	got, err := f.Forecast(flatSeries(72, 0.9), 500)
	require.NoError(t, err)
	require.Len(t, got, 24)
	for i, p := range got {
		assert.Equal(t, i+1, p.HorizonHours)
		assert.InDelta(t, 0.9, p.Mean, 1e-6)
		assert.LessOrEqual(t, p.Lower80, p.Mean)
		assert.GreaterOrEqual(t, p.Upper80, p.Mean)
		assert.False(t, p.GeneratedAt.IsZero())
	}
}

func TestForecast_TrendSeries(t *testing.T) {
	series := make([]float64, 48)
	for i := range series {
		noise := 0.0005
		if i%2 == 1 {
			noise = -noise
		}
		series[i] = 0.5 + 0.002*float64(i) + noise
	}
	f := NewForecaster(200, 12)
	got, err := f.Forecast(series, 500)
	require.NoError(t, err)
	require.Len(t, got, 12)
	// An upward trend forecasts above the historical mean.
	assert.Greater(t, got[0].Mean, Mean(series))
	// Interval width grows with the horizon.
	assert.Greater(t, got[11].Upper80-got[11].Lower80, got[0].Upper80-got[0].Lower80)
}

func TestForecast_HorizonClamped(t *testing.T) {
	f := NewForecaster(200, 9999)
	assert.Equal(t, 168, f.HorizonHours)
	got, err := f.Forecast(flatSeries(48, 0.85), 500)
	require.NoError(t, err)
	assert.Len(t, got, 168)
}

func TestBacktest_FlatSeriesWithinGate(t *testing.T) {
	f := NewForecaster(200, 24)
	m, err := f.Backtest(flatSeries(96, 0.88), 24)
	require.NoError(t, err)
	assert.LessOrEqual(t, m, 0.15)
}

func TestBacktest_TooShort(t *testing.T) {
	f := NewForecaster(200, 24)
	_, err := f.Backtest(flatSeries(30, 0.88), 24)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
}

func TestMape(t *testing.T) {
	assert.InDelta(t, 0.1, mape([]float64{1, 1}, []float64{0.9, 1.1}), 1e-9)
	assert.True(t, mape(nil, nil) > 1e9)
}
