package collector

import "github.com/TheCreditPros/tilores-X-sub004/internal/domain"

// ScoreConfig holds the fallback scoring weights and latency SLO.
type ScoreConfig struct {
	WeightSuccess    float64
	WeightLatency    float64
	WeightStructural float64
	LatencySLOMS     float64
}

// DefaultScoreConfig mirrors the documented defaults.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{WeightSuccess: 0.5, WeightLatency: 0.2, WeightStructural: 0.3, LatencySLOMS: 3000}
}

// Score derives the quality score for a trace. Explicit feedback wins;
// otherwise a deterministic fallback is computed from structural signals.
func Score(t domain.TraceRecord, cfg ScoreConfig) float64 {
	if t.FeedbackScore != nil {
		return clip01(*t.FeedbackScore)
	}
	var s float64
	if t.Error == "" {
		s += cfg.WeightSuccess
	}
	lat := 1 - float64(t.LatencyMS)/cfg.LatencySLOMS
	s += cfg.WeightLatency * clip01(lat)
	if t.StructuralOK {
		s += cfg.WeightStructural
	}
	return clip01(s)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
