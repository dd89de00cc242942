// Package risk holds the ordered per-user policy gate every candidate must
// pass before it becomes a trade intent.
package risk

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Gate is the policy gate.
// SAFETY > CAPS > SIZE
//
// Hardcoded minimums (not configurable below):
// - safety floor: 60
// - Kelly fraction: never above 0.25
type Gate struct {
	config Config

	// Process-wide kill switch - atomic for lock-free check
	killed atomic.Bool

	mu      sync.Mutex
	reasons map[string]int64

	allowed    atomic.Int64
	skipped    atomic.Int64
	duplicates atomic.Int64
}

// HardSafetyFloor is the lowest safety floor any user may configure.
const HardSafetyFloor = 60

// MaxKellyFraction caps the Kelly-lite multiplier.
const MaxKellyFraction = 0.25

// Config holds gate defaults applied when a user left a field unset.
type Config struct {
	SafetyFloor   int             `yaml:"safety_floor"`
	MinConfidence float64         `yaml:"min_confidence"`
	DustFloorSOL  decimal.Decimal `yaml:"dust_floor_sol"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SafetyFloor:   HardSafetyFloor,
		MinConfidence: 0.65,
		DustFloorSOL:  decimal.RequireFromString("0.01"),
	}
}

// Input is everything the gate needs to decide one candidate.
type Input struct {
	Candidate       *domain.ScoredCandidate
	Settings        *domain.UserSettings
	SafetyScore     int
	HasOpenPosition bool
	// Pending holds the user's approved BUYs that have not settled.
	Pending Pending
	// RecentBuy is true when a BUY intent for the same (user, token) was
	// emitted inside the dedup window.
	RecentBuy bool
}

// Pending counts approved BUYs that are queued or executing. Their fills
// have not reached the daily counters yet, so they hold cap slots until
// they complete or fail.
type Pending struct {
	Trades int
	Snipes int
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Duplicate decisions are suppressed silently: no run is recorded.
	Duplicate   bool            `json:"duplicate"`
	Reason      string          `json:"reason,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	AmountSOL   decimal.Decimal `json:"amount_sol"`
	KellyFactor float64         `json:"kelly_factor"`
}

// New creates a gate.
func New(cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.SafetyFloor < HardSafetyFloor {
		cfg.SafetyFloor = HardSafetyFloor
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if !cfg.DustFloorSOL.IsPositive() {
		cfg.DustFloorSOL = def.DustFloorSOL
	}
	return &Gate{config: cfg, reasons: make(map[string]int64)}
}

// Check applies the policy in order: kill-switch, safety floor, confidence
// floor, daily caps, per-trade size, dedup, Kelly-lite sizing. The first
// failing check decides.
func (g *Gate) Check(in Input) Decision {
	c, s := in.Candidate, in.Settings
	sniping := c.Context() == domain.ContextSniper

	// 1. Kill switch - ALWAYS first
	if g.killed.Load() || !s.AutoTradingEnabled {
		return g.skip(c, domain.SkipDisabled, "auto-trading disabled")
	}
	if sniping && !s.SnipeEnabled {
		return g.skip(c, domain.SkipDisabled, "sniping disabled")
	}

	// 2. Safety floor (HARDCODED MINIMUM)
	floor := g.SafetyFloor(s)
	if in.SafetyScore < floor {
		return g.skip(c, domain.SkipUnsafe, fmt.Sprintf("safety=%d,floor=%d", in.SafetyScore, floor))
	}

	// 3. Confidence floor
	minConf := s.MinConfidence
	if minConf <= 0 {
		minConf = g.config.MinConfidence
	}
	if sniping && s.SnipeMinConfidence > minConf {
		minConf = s.SnipeMinConfidence
	}
	if c.UnifiedScore < minConf {
		return g.skip(c, domain.SkipLowConf, fmt.Sprintf("unified=%.3f,min=%.3f", c.UnifiedScore, minConf))
	}

	// 4. Daily caps
	if reason, ok := CheckCaps(s, in.Pending, sniping); !ok {
		return g.skip(c, domain.SkipCap, reason)
	}

	// 5. Per-trade size
	buy := s.BuyAmountSOL
	if sniping && s.SnipeAmountSOL.IsPositive() {
		buy = s.SnipeAmountSOL
	}
	amount := TradeSize(s, buy)
	dust := g.DustFloor(s)
	if amount.LessThan(dust) {
		return g.skip(c, domain.SkipDust, fmt.Sprintf("amount=%s,dust=%s", amount, dust))
	}

	// 6. Dedup
	if in.HasOpenPosition && !s.IncrementalAdd {
		return g.duplicate(c, "position open")
	}
	if in.RecentBuy {
		return g.duplicate(c, "buy inside dedup window")
	}

	// 7. Kelly-lite
	f := KellyFraction(c.UnifiedScore)
	sized := amount.Mul(decimal.NewFromFloat(f))
	if sized.LessThan(dust) {
		sized = dust
	}
	if sized.GreaterThan(amount) {
		sized = amount
	}

	g.allowed.Add(1)
	log.Debug().
		Int64("user_id", c.UserID).
		Str("token", c.Token).
		Str("amount", sized.String()).
		Float64("kelly", f).
		Msg("risk: ALLOW")
	return Decision{Allowed: true, AmountSOL: sized, KellyFactor: f}
}

// CheckCaps reports whether the daily loss cap or a daily trade count has
// been reached, counting pending BUYs as trades already made. Manual trades
// go through this check too.
func CheckCaps(s *domain.UserSettings, p Pending, sniping bool) (string, bool) {
	if s.MaxDailyLossSOL.IsPositive() && s.DailyLossSOL.GreaterThanOrEqual(s.MaxDailyLossSOL) {
		return fmt.Sprintf("DAILY_LOSS_EXCEEDED:loss=%s,limit=%s", s.DailyLossSOL, s.MaxDailyLossSOL), false
	}
	if trades := s.DailyTrades + p.Trades; s.MaxDailyTrades > 0 && trades >= s.MaxDailyTrades {
		return fmt.Sprintf("DAILY_TRADES_EXCEEDED:trades=%d,pending=%d,limit=%d", s.DailyTrades, p.Trades, s.MaxDailyTrades), false
	}
	if snipes := s.DailySnipes + p.Snipes; sniping && s.SnipeMaxDaily > 0 && snipes >= s.SnipeMaxDaily {
		return fmt.Sprintf("DAILY_SNIPES_EXCEEDED:snipes=%d,pending=%d,limit=%d", s.DailySnipes, p.Snipes, s.SnipeMaxDaily), false
	}
	return "", true
}

// TradeSize is min(requested, max trade size, remaining daily loss budget).
// Unset limits do not constrain.
func TradeSize(s *domain.UserSettings, requested decimal.Decimal) decimal.Decimal {
	amount := requested
	if s.MaxTradeSizeSOL.IsPositive() && s.MaxTradeSizeSOL.LessThan(amount) {
		amount = s.MaxTradeSizeSOL
	}
	if s.MaxDailyLossSOL.IsPositive() {
		if rem := s.RemainingDailyBudget(); rem.LessThan(amount) {
			amount = rem
		}
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// KellyFraction is 0.25 x ((1.5U - (1-U)) / 1.5): the quarter-Kelly stake
// for a 1.5:1 payoff at win probability U, floored at 0.
func KellyFraction(u float64) float64 {
	f := MaxKellyFraction * ((1.5*u - (1 - u)) / 1.5)
	if f < 0 {
		return 0
	}
	if f > MaxKellyFraction {
		return MaxKellyFraction
	}
	return f
}

// SafetyFloor is the effective floor for s: never below the hard minimum.
func (g *Gate) SafetyFloor(s *domain.UserSettings) int {
	if s.SafetyFloor > g.config.SafetyFloor {
		return s.SafetyFloor
	}
	return g.config.SafetyFloor
}

// DustFloor is the user's dust floor or the default.
func (g *Gate) DustFloor(s *domain.UserSettings) decimal.Decimal {
	if s.DustFloorSOL.IsPositive() {
		return s.DustFloorSOL
	}
	return g.config.DustFloorSOL
}

func (g *Gate) skip(c *domain.ScoredCandidate, reason, detail string) Decision {
	g.skipped.Add(1)
	g.mu.Lock()
	g.reasons[reason]++
	g.mu.Unlock()
	log.Info().
		Int64("user_id", c.UserID).
		Str("token", c.Token).
		Str("reason", reason).
		Str("detail", detail).
		Msg("risk: SKIP")
	return Decision{Reason: reason, Detail: detail}
}

func (g *Gate) duplicate(c *domain.ScoredCandidate, detail string) Decision {
	g.duplicates.Add(1)
	log.Debug().Int64("user_id", c.UserID).Str("token", c.Token).Str("detail", detail).Msg("risk: duplicate suppressed")
	return Decision{Duplicate: true, Detail: detail}
}

// Kill activates the process-wide kill switch. Every later check skips
// with reason disabled until Resume.
func (g *Gate) Kill() {
	g.killed.Store(true)
	log.Error().Msg("risk: KILL SWITCH ACTIVATED - all automatic trading stopped")
}

// Resume clears the kill switch.
func (g *Gate) Resume() {
	g.killed.Store(false)
	log.Info().Msg("risk: trading resumed")
}

// IsActive returns true if the kill switch is off.
func (g *Gate) IsActive() bool {
	return !g.killed.Load()
}

// Stats returns gate statistics.
type Stats struct {
	Allowed    int64            `json:"allowed"`
	Skipped    int64            `json:"skipped"`
	Duplicates int64            `json:"duplicates"`
	Killed     bool             `json:"killed"`
	Reasons    map[string]int64 `json:"reasons"`
}

func (g *Gate) Stats() Stats {
	g.mu.Lock()
	reasons := make(map[string]int64, len(g.reasons))
	for k, v := range g.reasons {
		reasons[k] = v
	}
	g.mu.Unlock()
	return Stats{
		Allowed:    g.allowed.Load(),
		Skipped:    g.skipped.Load(),
		Duplicates: g.duplicates.Load(),
		Killed:     g.killed.Load(),
		Reasons:    reasons,
	}
}
