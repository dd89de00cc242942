package scanner

import (
	"github.com/nexus-trading/autosnipe/internal/bus"
)

// ---------------------------------------------------------------------------
// Launch scoring - the "ai" subscore of a freshly listed token
// On-chain depth + timing, each 0-100, averaged.
// ---------------------------------------------------------------------------

// LaunchScore rates a launch from its liquidity depth and freshness. The
// scorer uses it as the ai subscore when a LAUNCH signal is present.
func LaunchScore(p *bus.LaunchPayload) float64 {
	if p == nil {
		return 50
	}
	return clampScore((scoreDepth(p.LiquidityUSD) + scoreTiming(p.AgeSeconds, p.LiquidityUSD)) / 2)
}

// scoreDepth rewards pools deep enough to exit.
func scoreDepth(liqUSD float64) float64 {
	score := 30.0 // baseline
	switch {
	case liqUSD > 50_000:
		score += 50
	case liqUSD > 10_000:
		score += 35
	case liqUSD > 2_000:
		score += 15
	case liqUSD < 500:
		score -= 20
	}
	return clampScore(score)
}

// scoreTiming rewards early entries at a small market cap.
func scoreTiming(ageSeconds int64, liqUSD float64) float64 {
	score := 30.0

	switch {
	case ageSeconds < 5*60:
		score += 30
	case ageSeconds < 30*60:
		score += 20
	case ageSeconds < 2*60*60:
		score += 10
	}

	// Market cap estimate.
	mcap := liqUSD * 2
	switch {
	case mcap < 50_000:
		score += 25
	case mcap < 500_000:
		score += 15
	case mcap < 5_000_000:
		score += 5
	}
	return clampScore(score)
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
