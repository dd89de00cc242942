package domain

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SignalSource identifies which intelligence source produced a signal.
type SignalSource string

const (
	SourceLeader    SignalSource = "LEADER"
	SourceLaunch    SignalSource = "LAUNCH"
	SourceSentiment SignalSource = "SENTIMENT"
	SourceCommunity SignalSource = "COMMUNITY"
)

// AllSources lists every signal source in a stable order.
var AllSources = []SignalSource{SourceLeader, SourceLaunch, SourceSentiment, SourceCommunity}

// Component names a scorer subscore. The learner keeps one weight per component.
type Component string

const (
	ComponentAI        Component = "ai"
	ComponentSentiment Component = "sentiment"
	ComponentWallets   Component = "wallets"
	ComponentCommunity Component = "community"
)

// AllComponents lists scorer components in a stable order.
var AllComponents = []Component{ComponentAI, ComponentSentiment, ComponentWallets, ComponentCommunity}

// ConfidenceLevel classifies a unified score.
type ConfidenceLevel string

const (
	ConfidenceUltra  ConfidenceLevel = "ULTRA"
	ConfidenceHigh   ConfidenceLevel = "HIGH"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceLow    ConfidenceLevel = "LOW"
)

// Direction is the expected price direction of a candidate.
type Direction string

const (
	DirectionUp      Direction = "UP"
	DirectionDown    Direction = "DOWN"
	DirectionNeutral Direction = "NEUTRAL"
)

// TradeContext records which pipeline produced a trade.
type TradeContext string

const (
	ContextSniper TradeContext = "sniper"
	ContextCopy   TradeContext = "copy"
	ContextManual TradeContext = "manual"
	ContextExit   TradeContext = "exit"
)

// Exit reasons emitted by the position manager and manual sells.
const (
	ReasonStopLoss     = "STOP_LOSS"
	ReasonTakeProfit   = "TAKE_PROFIT"
	ReasonTrailingStop = "TRAILING_STOP"
	ReasonManual       = "MANUAL"
)

// Skip reasons recorded on SnipeRun rows.
const (
	SkipDisabled = "disabled"
	SkipUnsafe   = "unsafe"
	SkipLowConf  = "low_conf"
	SkipCap      = "cap"
	SkipDust     = "dust"
)

// ---------------------------------------------------------------------------
// Persistent entities
// ---------------------------------------------------------------------------

// UserWallet is the custodial wallet of a user. EncryptedPrivateKey is an
// opaque blob produced by the wallet keystore.
type UserWallet struct {
	UserID              int64           `json:"user_id"`
	PublicKey           string          `json:"public_key"`
	EncryptedPrivateKey string          `json:"-"`
	CachedBalance       decimal.Decimal `json:"cached_balance"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// LeaderWallet is a public address whose swaps are copied.
type LeaderWallet struct {
	OwnerUserID   int64           `json:"owner_user_id"`
	Address       string          `json:"address"`
	Label         string          `json:"label"`
	Score         float64         `json:"score"` // 0-100
	WinRate       float64         `json:"win_rate"`
	TotalTrades   int             `json:"total_trades"`
	CopyEnabled   bool            `json:"copy_enabled"`
	CopyAmount    decimal.Decimal `json:"copy_amount"`
	LastSignature string          `json:"last_signature,omitempty"`
	LastCheckedAt time.Time       `json:"last_checked_at"`
}

// UserSettings holds per-user trading policy and the daily counters it is
// enforced against.
type UserSettings struct {
	UserID             int64           `json:"user_id"`
	AutoTradingEnabled bool            `json:"auto_trading_enabled"`
	MinConfidence      float64         `json:"min_confidence"`
	MaxTradeSizeSOL    decimal.Decimal `json:"max_trade_size_sol"`
	MaxDailyLossSOL    decimal.Decimal `json:"max_daily_loss_sol"`
	MaxDailyTrades     int             `json:"max_daily_trades"`
	BuyAmountSOL       decimal.Decimal `json:"buy_amount_sol"`
	DustFloorSOL       decimal.Decimal `json:"dust_floor_sol"`
	SlippageBps        int             `json:"slippage_bps"`
	MaxSlippageBps     int             `json:"max_slippage_bps"`
	StopLossPct        float64         `json:"stop_loss_pct"`
	TakeProfitPct      float64         `json:"take_profit_pct"`
	TakeProfitFraction float64         `json:"take_profit_fraction"` // 0 or 1 = sell all
	TrailingPct        float64         `json:"trailing_pct"`
	MinLiquidityUSD    float64         `json:"min_liquidity_usd"`
	SafetyFloor        int             `json:"safety_floor"`
	IncrementalAdd     bool            `json:"incremental_add"`
	UseJito            bool            `json:"use_jito"`

	SnipeEnabled       bool            `json:"snipe_enabled"`
	SnipeMinConfidence float64         `json:"snipe_min_confidence"`
	SnipeMaxDaily      int             `json:"snipe_max_daily"`
	SnipeAmountSOL     decimal.Decimal `json:"snipe_amount_sol"`

	DailyTrades    int             `json:"daily_trades"`
	DailySnipes    int             `json:"daily_snipes"`
	DailyLossSOL   decimal.Decimal `json:"daily_loss_sol"`
	SnipeLastReset time.Time       `json:"snipe_last_reset"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DefaultUserSettings returns the policy a user starts with. Auto-trading
// and sniping stay off until the user enables them. Percentages are in
// percent (20 = 20%).
func DefaultUserSettings(userID int64) *UserSettings {
	return &UserSettings{
		UserID:             userID,
		MinConfidence:      0.65,
		MaxTradeSizeSOL:    decimal.NewFromInt(1),
		MaxDailyLossSOL:    decimal.NewFromInt(2),
		MaxDailyTrades:     20,
		BuyAmountSOL:       decimal.RequireFromString("0.1"),
		DustFloorSOL:       decimal.RequireFromString("0.01"),
		SlippageBps:        50,
		MaxSlippageBps:     500,
		StopLossPct:        20,
		TakeProfitPct:      50,
		TrailingPct:        15,
		MinLiquidityUSD:    5_000,
		SafetyFloor:        60,
		SnipeMinConfidence: 0.75,
		SnipeMaxDaily:      5,
		SnipeAmountSOL:     decimal.RequireFromString("0.05"),
		DailyLossSOL:       decimal.Zero,
	}
}

// ResetIfNewDay zeroes the daily counters when now falls on a later UTC day
// than the last reset. Returns true if a reset happened.
func (s *UserSettings) ResetIfNewDay(now time.Time) bool {
	today := StartOfDay(now)
	if !s.SnipeLastReset.IsZero() && !StartOfDay(s.SnipeLastReset).Before(today) {
		return false
	}
	s.DailyTrades = 0
	s.DailySnipes = 0
	s.DailyLossSOL = decimal.Zero
	s.SnipeLastReset = today
	return true
}

// RemainingDailyBudget is the loss budget left for today, never negative.
func (s *UserSettings) RemainingDailyBudget() decimal.Decimal {
	rem := s.MaxDailyLossSOL.Sub(s.DailyLossSOL)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// StartOfDay truncates t to UTC midnight.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// ---------------------------------------------------------------------------
// Pipeline values
// ---------------------------------------------------------------------------

// ScoredCandidate is the Scorer's output for one (user, token) window.
type ScoredCandidate struct {
	UserID       int64                 `json:"user_id"`
	Token        string                `json:"token"`
	WindowStart  time.Time             `json:"window_start"`
	UnifiedScore float64               `json:"unified_score"`
	Confidence   ConfidenceLevel       `json:"confidence"`
	Direction    Direction             `json:"direction"`
	Subscores    map[Component]float64 `json:"subscores"`
	Sources      []SignalSource        `json:"sources"`
	Leaders      []string              `json:"leaders,omitempty"`
	SwapTxs      []string              `json:"swap_txs,omitempty"`
	Reasoning    []string              `json:"reasoning"`
	SafetyScore  int                   `json:"safety_score"`
	ScoredAt     time.Time             `json:"scored_at"`
}

// HasSource reports whether src contributed to the candidate.
func (c *ScoredCandidate) HasSource(src SignalSource) bool {
	for _, s := range c.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// Context derives the trade context: a candidate with leader activity is a
// copy trade, anything else is a snipe.
func (c *ScoredCandidate) Context() TradeContext {
	if c.HasSource(SourceLeader) {
		return ContextCopy
	}
	return ContextSniper
}

// TradeIntent is an approved decision to buy or sell.
type TradeIntent struct {
	IntentID   string           `json:"intent_id"`
	UserID     int64            `json:"user_id"`
	Token      string           `json:"token"`
	Side       Side             `json:"side"`
	AmountSOL  decimal.Decimal  `json:"amount_sol"`           // BUY input
	AmountRaw  uint64           `json:"amount_raw,omitempty"` // SELL input, raw token units
	SellAll    bool             `json:"sell_all,omitempty"`
	PriceRef   decimal.Decimal  `json:"price_ref"`
	Reason     string           `json:"reason"`
	Context    TradeContext     `json:"context"`
	SnipeID    string           `json:"snipe_id"`
	PositionID string           `json:"position_id,omitempty"`
	IsManual   bool             `json:"is_manual"`
	Candidate  *ScoredCandidate `json:"candidate,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Trade is one signed submission. Signature is the primary key.
type Trade struct {
	Signature      string           `json:"signature"`
	IntentID       string           `json:"intent_id"`
	UserID         int64            `json:"user_id"`
	Type           Side             `json:"type"`
	Context        TradeContext     `json:"context"`
	Token          string           `json:"token"`
	AmountSOL      decimal.Decimal  `json:"amount_sol"`
	AmountTokens   decimal.Decimal  `json:"amount_tokens"`
	AmountRaw      uint64           `json:"amount_raw"`
	Price          decimal.Decimal  `json:"price"`
	SlippageBps    int              `json:"slippage_bps"`
	PriceImpactPct float64          `json:"price_impact_pct"`
	Success        bool             `json:"success"`
	Error          string           `json:"error,omitempty"`
	PnL            *decimal.Decimal `json:"pnl,omitempty"`
	PositionID     string           `json:"position_id,omitempty"`
	IsPositionOpen bool             `json:"is_position_open"`
	Attempts       int              `json:"attempts"`
	Transport      string           `json:"transport"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Position is an open or closed holding of a token by a user. Raw amounts
// are integer token base units; display amounts are raw / 10^decimals.
type Position struct {
	PositionID            string          `json:"position_id"`
	UserID                int64           `json:"user_id"`
	Token                 string          `json:"token"`
	Decimals              uint8           `json:"decimals"`
	EntryPrice            decimal.Decimal `json:"entry_price"` // SOL per display token
	EntryAmountSOL        decimal.Decimal `json:"entry_amount_sol"`
	EntryAmountRaw        uint64          `json:"entry_amount_raw"`
	EntryAmountTokens     decimal.Decimal `json:"entry_amount_tokens"`
	RemainingAmountSOL    decimal.Decimal `json:"remaining_amount_sol"` // remaining cost basis
	RemainingAmountRaw    uint64          `json:"remaining_amount_raw"`
	RemainingAmountTokens decimal.Decimal `json:"remaining_amount_tokens"`
	ExitAmountRaw         uint64          `json:"exit_amount_raw"`
	ExitProceedsSOL       decimal.Decimal `json:"exit_proceeds_sol"`
	RealizedPnL           decimal.Decimal `json:"realized_pnl"`
	ExitPrice             decimal.Decimal `json:"exit_price"`
	ExitReason            string          `json:"exit_reason,omitempty"`
	HighWaterMark         decimal.Decimal `json:"high_water_mark"`
	PartialTaken          bool            `json:"partial_taken"`
	IsOpen                bool            `json:"is_open"`
	StopLossPct           float64         `json:"stop_loss_pct"`
	TakeProfitPct         float64         `json:"take_profit_pct"`
	TrailingPct           float64         `json:"trailing_pct"`
	Source                TradeContext    `json:"source"`
	Metadata              PositionMeta    `json:"metadata"`
	OpenedAt              time.Time       `json:"opened_at"`
	ClosedAt              *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// PositionMeta carries the scoring context of the entry so the learner can
// attribute the outcome.
type PositionMeta struct {
	Subscores map[Component]float64 `json:"subscores,omitempty"`
	Sources   []SignalSource        `json:"sources,omitempty"`
	Leaders   []string              `json:"leaders,omitempty"`
	Unified   float64               `json:"unified,omitempty"`
}

// RealizedPnLPct is realized P&L relative to the entry cost, in percent.
func (p *Position) RealizedPnLPct() float64 {
	if p.EntryAmountSOL.IsZero() {
		return 0
	}
	pct, _ := p.RealizedPnL.Div(p.EntryAmountSOL).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// RawToDisplay converts raw base units to display units.
func RawToDisplay(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}

// ---------------------------------------------------------------------------
// Events delivered to the chat bridge
// ---------------------------------------------------------------------------

// TradeResult is published for every completed intent.
type TradeResult struct {
	IntentID  string `json:"intent_id"`
	UserID    int64  `json:"user_id"`
	Token     string `json:"token"`
	Side      Side   `json:"side"`
	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// PositionClose is published when a position's remaining amount reaches zero.
type PositionClose struct {
	PositionID  string          `json:"position_id"`
	UserID      int64           `json:"user_id"`
	Token       string          `json:"token"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Reason      string          `json:"reason"`
}
