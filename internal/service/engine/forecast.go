package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

// z80 is the two-sided 80% central interval z score.
const z80 = 1.2816

// forecastModel is one ensemble member: a pure function over a numeric
// series returning point forecasts for the next h steps.
type forecastModel func(series []float64, h int) []float64

// Forecaster produces hourly quality forecasts from an ensemble of three
// members weighted by inverse back-test error.
type Forecaster struct {
	MinSamples   int
	HorizonHours int
	now          func() time.Time
}

// NewForecaster constructs a forecaster with the configured guards.
func NewForecaster(minSamples, horizonHours int) *Forecaster {
	if horizonHours <= 0 || horizonHours > 168 {
		horizonHours = 168
	}
	return &Forecaster{MinSamples: minSamples, HorizonHours: horizonHours, now: time.Now}
}

// Forecast returns hourly forecast points up to the configured horizon.
// With fewer than MinSamples observations it returns ErrInsufficientData
// and never panics.
func (f *Forecaster) Forecast(series []float64, sampleCount int) ([]domain.ForecastPoint, error) {
	if sampleCount < f.MinSamples {
		return nil, fmt.Errorf("%w: %d baseline samples < %d", domain.ErrInsufficientData, sampleCount, f.MinSamples)
	}
	if len(series) < 8 {
		return nil, fmt.Errorf("%w: series too short (%d points)", domain.ErrInsufficientData, len(series))
	}

	models := []forecastModel{linearTrend, holtWinters, autoregressive}
	weights := f.validationWeights(series, models)

	h := f.HorizonHours
	combined := make([]float64, h)
	var wsum float64
	for i, m := range models {
		fc := m(series, h)
		for s := 0; s < h; s++ {
			combined[s] += weights[i] * fc[s]
		}
		wsum += weights[i]
	}
	for s := 0; s < h; s++ {
		combined[s] /= wsum
	}

	sd := residualStdDev(series)
	gen := f.now().UTC()
	out := make([]domain.ForecastPoint, h)
	for s := 0; s < h; s++ {
		spread := z80 * sd * math.Sqrt(float64(s+1))
		out[s] = domain.ForecastPoint{
			HorizonHours: s + 1,
			Mean:         combined[s],
			Lower80:      combined[s] - spread,
			Upper80:      combined[s] + spread,
			GeneratedAt:  gen,
		}
	}
	return out, nil
}

// Backtest fits on the head of the series and reports MAPE over the held-out
// tail at the given horizon. The acceptance gate is MAPE <= 15% at 24h.
func (f *Forecaster) Backtest(series []float64, horizon int) (float64, error) {
	if len(series) < 2*horizon || len(series) < 16 {
		return 0, fmt.Errorf("%w: series too short for backtest", domain.ErrInsufficientData)
	}
	split := len(series) - horizon
	train, hold := series[:split], series[split:]
	models := []forecastModel{linearTrend, holtWinters, autoregressive}
	weights := f.validationWeights(train, models)
	combined := make([]float64, horizon)
	var wsum float64
	for i, m := range models {
		fc := m(train, horizon)
		for s := 0; s < horizon; s++ {
			combined[s] += weights[i] * fc[s]
		}
		wsum += weights[i]
	}
	for s := 0; s < horizon; s++ {
		combined[s] /= wsum
	}
	return mape(hold, combined), nil
}

// validationWeights scores each member on a trailing holdout and weights by
// inverse MAPE.
func (f *Forecaster) validationWeights(series []float64, models []forecastModel) []float64 {
	hold := len(series) / 5
	if hold < 4 {
		hold = 4
	}
	if hold >= len(series)-4 {
		hold = len(series) / 2
	}
	train, val := series[:len(series)-hold], series[len(series)-hold:]
	weights := make([]float64, len(models))
	for i, m := range models {
		fc := m(train, hold)
		e := mape(val, fc)
		weights[i] = 1 / (e + 0.01)
	}
	return weights
}

func mape(actual, predicted []float64) float64 {
	n := len(actual)
	if len(predicted) < n {
		n = len(predicted)
	}
	if n == 0 {
		return math.Inf(1)
	}
	var s float64
	for i := 0; i < n; i++ {
		denom := math.Abs(actual[i])
		if denom < 1e-9 {
			denom = 1e-9
		}
		s += math.Abs(actual[i]-predicted[i]) / denom
	}
	return s / float64(n)
}

// linearTrend fits an ordinary least-squares line on seasonality-removed
// residuals and extrapolates.
func linearTrend(series []float64, h int) []float64 {
	n := float64(len(series))
	deseason := removeDailySeasonality(series)
	var sx, sy, sxx, sxy float64
	for i, y := range deseason {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	denom := n*sxx - sx*sx
	var slope, intercept float64
	if denom != 0 {
		slope = (n*sxy - sx*sy) / denom
		intercept = (sy - slope*sx) / n
	} else {
		intercept = Mean(deseason)
	}
	out := make([]float64, h)
	for s := 0; s < h; s++ {
		out[s] = intercept + slope*float64(len(series)+s)
	}
	return out
}

// removeDailySeasonality subtracts per-hour-of-day offsets when at least two
// full daily cycles are present.
func removeDailySeasonality(series []float64) []float64 {
	const period = 24
	if len(series) < 2*period {
		return series
	}
	sums := make([]float64, period)
	counts := make([]float64, period)
	for i, y := range series {
		sums[i%period] += y
		counts[i%period]++
	}
	overall := Mean(series)
	out := make([]float64, len(series))
	for i, y := range series {
		seasonal := sums[i%period]/counts[i%period] - overall
		out[i] = y - seasonal
	}
	return out
}

// holtWinters is exponential smoothing with additive level and trend.
func holtWinters(series []float64, h int) []float64 {
	const alpha, beta = 0.3, 0.1
	level := series[0]
	trend := series[1] - series[0]
	for _, y := range series[1:] {
		prevLevel := level
		level = alpha*y + (1-alpha)*(level+trend)
		trend = beta*(level-prevLevel) + (1-beta)*trend
	}
	out := make([]float64, h)
	for s := 0; s < h; s++ {
		out[s] = level + float64(s+1)*trend
	}
	return out
}

// autoregressive fits an AR(p) model, p <= 4, by least squares and iterates
// the fitted recurrence forward.
func autoregressive(series []float64, h int) []float64 {
	p := 4
	if len(series) <= p+2 {
		p = len(series) - 2
	}
	if p < 1 {
		m := Mean(series)
		out := make([]float64, h)
		for s := range out {
			out[s] = m
		}
		return out
	}
	mean := Mean(series)
	centered := make([]float64, len(series))
	for i, y := range series {
		centered[i] = y - mean
	}
	coefs := fitAR(centered, p)
	hist := append([]float64(nil), centered...)
	out := make([]float64, h)
	for s := 0; s < h; s++ {
		var y float64
		for j := 0; j < p; j++ {
			y += coefs[j] * hist[len(hist)-1-j]
		}
		hist = append(hist, y)
		out[s] = y + mean
	}
	return out
}

// fitAR solves the least-squares normal equations for AR coefficients.
func fitAR(x []float64, p int) []float64 {
	n := len(x)
	// Build X'X and X'y over rows t = p..n-1.
	a := make([][]float64, p)
	for i := range a {
		a[i] = make([]float64, p+1)
	}
	for t := p; t < n; t++ {
		for i := 0; i < p; i++ {
			for j := 0; j < p; j++ {
				a[i][j] += x[t-1-i] * x[t-1-j]
			}
			a[i][p] += x[t-1-i] * x[t]
		}
	}
	return solveGaussian(a, p)
}

// solveGaussian solves the augmented system in place with partial pivoting.
func solveGaussian(a [][]float64, p int) []float64 {
	for col := 0; col < p; col++ {
		pivot := col
		for r := col + 1; r < p; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		a[col], a[pivot] = a[pivot], a[col]
		if math.Abs(a[col][col]) < 1e-12 {
			continue
		}
		for r := 0; r < p; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for k := col; k <= p; k++ {
				a[r][k] -= f * a[col][k]
			}
		}
	}
	out := make([]float64, p)
	for i := 0; i < p; i++ {
		if math.Abs(a[i][i]) > 1e-12 {
			out[i] = a[i][p] / a[i][i]
		}
	}
	return out
}

// residualStdDev measures one-step naive-forecast residual spread.
func residualStdDev(series []float64) float64 {
	if len(series) < 2 {
		return 0
	}
	res := make([]float64, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		res = append(res, series[i]-series[i-1])
	}
	return math.Sqrt(Variance(res))
}
