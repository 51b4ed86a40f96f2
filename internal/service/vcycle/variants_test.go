package vcycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

func seedPair(t *testing.T, r *Registry) domain.PromptVariant {
	t.Helper()
	v, err := r.Seed("gpt-4o-mini", domain.SpectrumFinancial,
		"You are a credit analysis assistant.",
		domain.VariantParameters{Temperature: 0.7, MaxTokens: 1024})
	require.NoError(t, err)
	return v
}

func TestRegistry_SeedOnce(t *testing.T) {
	r := NewRegistry()
	v := seedPair(t, r)
	assert.Equal(t, domain.VariantDeployed, v.Status)

	_, err := r.Seed("gpt-4o-mini", domain.SpectrumFinancial, "again", domain.VariantParameters{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvariant))
}

func TestRegistry_ProposeAppliesStrategy(t *testing.T) {
	r := NewRegistry()
	seedPair(t, r)

	c, err := r.Propose("gpt-4o-mini", domain.SpectrumFinancial,
		domain.OptimizationStrategy{StrategyID: "lower-temperature"})
	require.NoError(t, err)
	assert.Equal(t, domain.VariantCandidate, c.Status)
	assert.InDelta(t, 0.35, c.Parameters.Temperature, 1e-9)

	c2, err := r.Propose("gpt-4o-mini", domain.SpectrumFinancial,
		domain.OptimizationStrategy{StrategyID: "expand-context"})
	require.NoError(t, err)
	assert.Equal(t, 1536, c2.Parameters.MaxTokens)

	c3, err := r.Propose("gpt-4o-mini", domain.SpectrumFinancial,
		domain.OptimizationStrategy{StrategyID: "tighten-system-prompt"})
	require.NoError(t, err)
	assert.Contains(t, c3.SystemPrompt, "exact fields requested")

	_, err = r.Propose("unknown", domain.SpectrumEdge, domain.OptimizationStrategy{})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRegistry_DeployPromotesAndArchivesPrevious(t *testing.T) {
	r := NewRegistry()
	seed := seedPair(t, r)
	c, err := r.Propose("gpt-4o-mini", domain.SpectrumFinancial,
		domain.OptimizationStrategy{StrategyID: "lower-temperature"})
	require.NoError(t, err)

	require.NoError(t, r.Deploy(c.VariantID))
	got, ok := r.Deployed("gpt-4o-mini", domain.SpectrumFinancial)
	require.True(t, ok)
	assert.Equal(t, c.VariantID, got.VariantID)

	prev, ok := r.Get(seed.VariantID)
	require.True(t, ok)
	assert.Equal(t, domain.VariantArchived, prev.Status)

	// A deployed variant cannot be re-deployed.
	err = r.Deploy(c.VariantID)
	assert.True(t, errors.Is(err, domain.ErrInvariant))
}

func TestRegistry_ArchiveGuards(t *testing.T) {
	r := NewRegistry()
	seed := seedPair(t, r)
	err := r.Archive(seed.VariantID)
	assert.True(t, errors.Is(err, domain.ErrInvariant))
	assert.True(t, errors.Is(r.Archive("missing"), domain.ErrNotFound))
}

func TestRegistry_RollbackRestoresParent(t *testing.T) {
	r := NewRegistry()
	seed := seedPair(t, r)
	c, err := r.Propose("gpt-4o-mini", domain.SpectrumFinancial,
		domain.OptimizationStrategy{StrategyID: "lower-temperature"})
	require.NoError(t, err)
	require.NoError(t, r.Deploy(c.VariantID))

	restored, err := r.Rollback("gpt-4o-mini", domain.SpectrumFinancial)
	require.NoError(t, err)
	assert.Equal(t, seed.VariantID, restored.VariantID)

	got, ok := r.Deployed("gpt-4o-mini", domain.SpectrumFinancial)
	require.True(t, ok)
	assert.Equal(t, seed.VariantID, got.VariantID)

	// The seed has no parent: a second rollback fails.
	_, err = r.Rollback("gpt-4o-mini", domain.SpectrumFinancial)
	assert.True(t, errors.Is(err, domain.ErrInvariant))
}
