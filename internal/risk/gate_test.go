package risk

import (
	"testing"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func settings() *domain.UserSettings {
	return &domain.UserSettings{
		UserID:             1,
		AutoTradingEnabled: true,
		MinConfidence:      0.65,
		MaxTradeSizeSOL:    d("1"),
		MaxDailyLossSOL:    d("2"),
		MaxDailyTrades:     10,
		BuyAmountSOL:       d("0.5"),
		DustFloorSOL:       d("0.01"),
		SafetyFloor:        60,
		SnipeEnabled:       true,
		SnipeMinConfidence: 0.7,
		SnipeMaxDaily:      5,
		SnipeAmountSOL:     d("0.2"),
	}
}

func candidate(u float64, sources ...domain.SignalSource) *domain.ScoredCandidate {
	if len(sources) == 0 {
		sources = []domain.SignalSource{domain.SourceLeader}
	}
	return &domain.ScoredCandidate{UserID: 1, Token: "T", UnifiedScore: u, Sources: sources}
}

func TestGate_AllowsAndSizes(t *testing.T) {
	g := New(DefaultConfig())
	dec := g.Check(Input{Candidate: candidate(0.9), Settings: settings(), SafetyScore: 80})
	assert.True(t, dec.Allowed)

	// 0.25 * ((1.35 - 0.1) / 1.5) = 0.208333...
	assert.InDelta(t, 0.25*(1.25/1.5), dec.KellyFactor, 1e-12)
	assert.True(t, dec.AmountSOL.Equal(d("0.5").Mul(decimal.NewFromFloat(dec.KellyFactor))))
}

func TestGate_OrderOfChecks(t *testing.T) {
	g := New(DefaultConfig())

	tests := []struct {
		name   string
		mutate func(*Input)
		reason string
	}{
		{"kill switch beats everything", func(in *Input) {
			in.Settings.AutoTradingEnabled = false
			in.SafetyScore = 0
		}, domain.SkipDisabled},
		{"sniping disabled", func(in *Input) {
			in.Candidate.Sources = []domain.SignalSource{domain.SourceLaunch}
			in.Settings.SnipeEnabled = false
		}, domain.SkipDisabled},
		{"unsafe before low confidence", func(in *Input) {
			in.SafetyScore = 59
			in.Candidate.UnifiedScore = 0.1
		}, domain.SkipUnsafe},
		{"user floor above hard floor", func(in *Input) {
			in.Settings.SafetyFloor = 85
			in.SafetyScore = 80
		}, domain.SkipUnsafe},
		{"user floor below hard floor is ignored", func(in *Input) {
			in.Settings.SafetyFloor = 10
			in.SafetyScore = 40
		}, domain.SkipUnsafe},
		{"low confidence", func(in *Input) { in.Candidate.UnifiedScore = 0.64 }, domain.SkipLowConf},
		{"snipe confidence is stricter", func(in *Input) {
			in.Candidate.Sources = []domain.SignalSource{domain.SourceLaunch}
			in.Candidate.UnifiedScore = 0.68
		}, domain.SkipLowConf},
		{"daily trades cap", func(in *Input) { in.Settings.DailyTrades = 10 }, domain.SkipCap},
		{"daily loss cap", func(in *Input) { in.Settings.DailyLossSOL = d("2") }, domain.SkipCap},
		{"daily snipes cap", func(in *Input) {
			in.Candidate.Sources = []domain.SignalSource{domain.SourceLaunch}
			in.Settings.DailySnipes = 5
		}, domain.SkipCap},
		{"pending buys fill the trade cap", func(in *Input) {
			in.Settings.DailyTrades = 8
			in.Pending = Pending{Trades: 2}
		}, domain.SkipCap},
		{"pending snipes fill the snipe cap", func(in *Input) {
			in.Candidate.Sources = []domain.SignalSource{domain.SourceLaunch}
			in.Settings.DailySnipes = 4
			in.Pending = Pending{Trades: 1, Snipes: 1}
		}, domain.SkipCap},
		{"dust after budget", func(in *Input) { in.Settings.DailyLossSOL = d("1.995") }, domain.SkipDust},
		{"caps before dedup", func(in *Input) {
			in.Settings.DailyTrades = 10
			in.RecentBuy = true
		}, domain.SkipCap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Input{Candidate: candidate(0.9), Settings: settings(), SafetyScore: 80}
			tt.mutate(&in)
			dec := g.Check(in)
			assert.False(t, dec.Allowed)
			assert.False(t, dec.Duplicate)
			assert.Equal(t, tt.reason, dec.Reason)
		})
	}
}

func TestGate_Dedup(t *testing.T) {
	g := New(DefaultConfig())

	dec := g.Check(Input{Candidate: candidate(0.9), Settings: settings(), SafetyScore: 80, RecentBuy: true})
	assert.True(t, dec.Duplicate)
	assert.Empty(t, dec.Reason)

	dec = g.Check(Input{Candidate: candidate(0.9), Settings: settings(), SafetyScore: 80, HasOpenPosition: true})
	assert.True(t, dec.Duplicate)

	s := settings()
	s.IncrementalAdd = true
	dec = g.Check(Input{Candidate: candidate(0.9), Settings: s, SafetyScore: 80, HasOpenPosition: true})
	assert.True(t, dec.Allowed)

	assert.Equal(t, int64(2), g.Stats().Duplicates)
}

func TestGate_KellyClampedToDustAndCap(t *testing.T) {
	g := New(DefaultConfig())

	// Kelly is zero below U=0.4; the stake is raised to dust.
	s := settings()
	s.MinConfidence = 0.2
	dec := g.Check(Input{Candidate: candidate(0.3), Settings: s, SafetyScore: 80})
	assert.True(t, dec.Allowed)
	assert.Zero(t, dec.KellyFactor)
	assert.True(t, dec.AmountSOL.Equal(d("0.01")))

	// Budget limits the base amount before sizing.
	s = settings()
	s.DailyLossSOL = d("1.9")
	dec = g.Check(Input{Candidate: candidate(1), Settings: s, SafetyScore: 80})
	assert.True(t, dec.Allowed)
	assert.True(t, dec.AmountSOL.Equal(d("0.025")), dec.AmountSOL.String())
}

func TestKellyFraction(t *testing.T) {
	assert.Equal(t, 0.0, KellyFraction(0))
	assert.InDelta(t, 0.0, KellyFraction(0.4), 1e-12)
	assert.InDelta(t, 0.25, KellyFraction(1), 1e-12)
	for u := 0.0; u <= 1; u += 0.05 {
		f := KellyFraction(u)
		assert.GreaterOrEqual(t, f, 0.0)
		assert.LessOrEqual(t, f, MaxKellyFraction)
	}
}

func TestTradeSize(t *testing.T) {
	s := settings()
	assert.True(t, TradeSize(s, d("5")).Equal(d("1")), "per-trade cap")
	s.DailyLossSOL = d("1.7")
	assert.True(t, TradeSize(s, d("5")).Equal(d("0.3")), "remaining budget")
	s.MaxDailyLossSOL = decimal.Zero
	assert.True(t, TradeSize(s, d("5")).Equal(d("1")), "no loss cap")
}

func TestGate_KillSwitch(t *testing.T) {
	g := New(DefaultConfig())
	g.Kill()
	assert.False(t, g.IsActive())
	dec := g.Check(Input{Candidate: candidate(0.95), Settings: settings(), SafetyScore: 100})
	assert.Equal(t, domain.SkipDisabled, dec.Reason)

	g.Resume()
	dec = g.Check(Input{Candidate: candidate(0.95), Settings: settings(), SafetyScore: 100})
	assert.True(t, dec.Allowed)
	assert.Equal(t, int64(1), g.Stats().Reasons[domain.SkipDisabled])
}
