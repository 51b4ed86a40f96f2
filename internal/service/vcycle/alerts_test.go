package vcycle

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCreditPros/tilores-X-sub004/internal/domain"
)

func TestAlerter_CooldownSuppresses(t *testing.T) {
	a := NewAlerter(15 * time.Minute)
	base := time.Now()
	a.now = func() time.Time { return base }

	assert.True(t, a.Fire(domain.SeverityHigh, "quality_below_target", "global", "mean 0.85"))
	assert.False(t, a.Fire(domain.SeverityHigh, "quality_below_target", "global", "mean 0.84"))

	// A different key is independent.
	assert.True(t, a.Fire(domain.SeverityHigh, "quality_below_target", "gpt-4o-mini|edge", "mean 0.80"))

	// Past the cooldown the same key fires again.
	a.now = func() time.Time { return base.Add(15*time.Minute + time.Second) }
	assert.True(t, a.Fire(domain.SeverityHigh, "quality_below_target", "global", "mean 0.83"))
}

func TestAlerter_RecentNewestFirst(t *testing.T) {
	a := NewAlerter(time.Minute)
	for i := 0; i < 3; i++ {
		require.True(t, a.Fire(domain.SeverityInfo, "test", fmt.Sprintf("k%d", i), ""))
	}
	got := a.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "k2", got[0].Key)
	assert.Equal(t, "k1", got[1].Key)
	assert.Len(t, a.Recent(0), 3)
}

func TestAlerter_HistoryBounded(t *testing.T) {
	a := NewAlerter(time.Minute)
	for i := 0; i < alertHistoryCap+20; i++ {
		require.True(t, a.Fire(domain.SeverityLow, "test", fmt.Sprintf("k%d", i), ""))
	}
	assert.Len(t, a.Recent(0), alertHistoryCap)
}
