package scanner

import (
	"testing"

	"github.com/nexus-trading/autosnipe/internal/bus"
	"github.com/stretchr/testify/assert"
)

func TestLaunchScore(t *testing.T) {
	assert.Equal(t, 50.0, LaunchScore(nil))

	// Fresh, moderately deep: depth 65, timing 30+30+25 = 85.
	fresh := LaunchScore(&bus.LaunchPayload{LiquidityUSD: 20_000, AgeSeconds: 60})
	assert.InDelta(t, 75, fresh, 1e-9)

	// Stale dust pool: depth 10, timing 30+0+25 = 55.
	stale := LaunchScore(&bus.LaunchPayload{LiquidityUSD: 100, AgeSeconds: 3 * 60 * 60})
	assert.InDelta(t, 32.5, stale, 1e-9)
	assert.Less(t, stale, fresh)
}

func TestScoreBoundsHold(t *testing.T) {
	for _, liq := range []float64{0, 1, 499, 500, 2_001, 10_001, 50_001, 1e9} {
		for _, age := range []int64{0, 299, 1_799, 7_199, 1e6} {
			s := LaunchScore(&bus.LaunchPayload{LiquidityUSD: liq, AgeSeconds: age})
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 100.0)
		}
	}
}
