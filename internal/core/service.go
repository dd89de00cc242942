// Package core is the surface a chat bridge talks to: wallets, manual
// trades, positions, stats and a per-user event stream. It knows nothing
// about the chat protocol.
package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/nexus-trading/autosnipe/internal/copytrade"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Wallets creates or loads a user's custodial wallet.
type Wallets interface {
	CreateOrGet(ctx context.Context, userID int64) (*domain.UserWallet, bool, error)
}

// IntentSubmitter validates and queues manual intents. *decision.Engine
// implements it.
type IntentSubmitter interface {
	Submit(ctx context.Context, in *domain.TradeIntent) (*domain.TradeIntent, error)
}

// Rater records community ratings. *community.Ratings implements it.
type Rater interface {
	Rate(ctx context.Context, userID int64, mint string, stars int) error
}

// Store is the read side the service needs.
type Store interface {
	ListPositions(ctx context.Context, userID int64, openOnly bool) ([]domain.Position, error)
	ListTrades(ctx context.Context, userID int64, since time.Time) ([]domain.Trade, error)
	ListLeaders(ctx context.Context, enabledOnly bool) ([]domain.LeaderWallet, error)
	UpsertLeader(ctx context.Context, l *domain.LeaderWallet) error
	GetSettings(ctx context.Context, userID int64) (*domain.UserSettings, error)
	SaveSettings(ctx context.Context, s *domain.UserSettings) error
}

// Deps are the service's collaborators. Ratings and Hub may be nil;
// Defaults falls back to domain.DefaultUserSettings.
type Deps struct {
	Wallets  Wallets
	Intents  IntentSubmitter
	Ratings  Rater
	Store    Store
	Hub      *Hub
	Defaults func(userID int64) *domain.UserSettings
}

// MaxStatsDays bounds GetStats windows.
const MaxStatsDays = 365

// Service implements the chat-bridge API. It is also an execution
// observer: trade results and position closes are forwarded to the
// user's subscribers.
type Service struct {
	wallets  Wallets
	intents  IntentSubmitter
	ratings  Rater
	store    Store
	hub      *Hub
	defaults func(userID int64) *domain.UserSettings
	now      func() time.Time
}

// NewService wires the chat-bridge API.
func NewService(deps Deps) *Service {
	if deps.Hub == nil {
		deps.Hub = NewHub(0)
	}
	if deps.Defaults == nil {
		deps.Defaults = domain.DefaultUserSettings
	}
	return &Service{
		wallets:  deps.Wallets,
		intents:  deps.Intents,
		ratings:  deps.Ratings,
		store:    deps.Store,
		hub:      deps.Hub,
		defaults: deps.Defaults,
		now:      time.Now,
	}
}

// Hub returns the event hub.
func (s *Service) Hub() *Hub { return s.hub }

// CreateOrGetWallet returns the user's wallet address, creating the wallet
// on first use. A user without settings gets the configured defaults.
func (s *Service) CreateOrGetWallet(ctx context.Context, userID int64) (string, error) {
	w, _, err := s.wallets.CreateOrGet(ctx, userID)
	if err != nil {
		return "", err
	}
	_, err = s.store.GetSettings(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.store.SaveSettings(ctx, s.defaults(userID)); err != nil {
			return "", domain.E(domain.KindPersistence, "core.CreateOrGetWallet", err)
		}
		log.Info().Int64("user_id", userID).Msg("core: default settings saved")
	} else if err != nil {
		return "", domain.E(domain.KindPersistence, "core.CreateOrGetWallet", err)
	}
	return w.PublicKey, nil
}

// Buy queues a manual buy of amountSOL (zero uses the user's default buy
// amount) and returns the intent id. The result arrives as an event.
func (s *Service) Buy(ctx context.Context, userID int64, token string, amountSOL decimal.Decimal, reason string) (string, error) {
	const op = "core.Buy"
	if err := validateMint(op, token); err != nil {
		return "", err
	}
	if amountSOL.IsNegative() {
		return "", domain.Errorf(domain.KindPolicyViolation, op, "negative amount %s", amountSOL)
	}
	in, err := s.intents.Submit(ctx, &domain.TradeIntent{
		UserID:    userID,
		Token:     token,
		Side:      domain.SideBuy,
		AmountSOL: amountSOL,
		Reason:    reasonOr(reason),
		Context:   domain.ContextManual,
		IsManual:  true,
	})
	if err != nil {
		return "", err
	}
	return in.IntentID, nil
}

// Sell queues a manual sell of amountRaw token units; zero (or at least
// the remaining amount) sells the whole position.
func (s *Service) Sell(ctx context.Context, userID int64, token string, amountRaw uint64, reason string) (string, error) {
	const op = "core.Sell"
	if err := validateMint(op, token); err != nil {
		return "", err
	}
	in, err := s.intents.Submit(ctx, &domain.TradeIntent{
		UserID:    userID,
		Token:     token,
		Side:      domain.SideSell,
		AmountRaw: amountRaw,
		SellAll:   amountRaw == 0,
		Reason:    reasonOr(reason),
		Context:   domain.ContextManual,
		IsManual:  true,
	})
	if err != nil {
		return "", err
	}
	return in.IntentID, nil
}

// GetPositions returns the user's open positions, newest first.
func (s *Service) GetPositions(ctx context.Context, userID int64) ([]domain.Position, error) {
	ps, err := s.store.ListPositions(ctx, userID, true)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "core.GetPositions", err)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].OpenedAt.After(ps[j].OpenedAt) })
	return ps, nil
}

// UserStats summarises a user's activity over a window.
type UserStats struct {
	UserID int64     `json:"user_id"`
	Days   int       `json:"days"`
	Since  time.Time `json:"since"`

	Trades    int             `json:"trades"`
	Buys      int             `json:"buys"`
	Sells     int             `json:"sells"`
	Failed    int             `json:"failed"`
	VolumeSOL decimal.Decimal `json:"volume_sol"`

	Closed      int             `json:"closed"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	WinRate     float64         `json:"win_rate"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	BestPnL     decimal.Decimal `json:"best_pnl"`
	WorstPnL    decimal.Decimal `json:"worst_pnl"`

	OpenPositions int             `json:"open_positions"`
	OpenCostSOL   decimal.Decimal `json:"open_cost_sol"`
}

// GetStats summarises the last days days (clamped to 1..MaxStatsDays).
// Realized P&L counts positions closed inside the window.
func (s *Service) GetStats(ctx context.Context, userID int64, days int) (*UserStats, error) {
	const op = "core.GetStats"
	if days < 1 {
		days = 1
	}
	if days > MaxStatsDays {
		days = MaxStatsDays
	}
	since := s.now().UTC().AddDate(0, 0, -days)

	trades, err := s.store.ListTrades(ctx, userID, since)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, op, err)
	}
	positions, err := s.store.ListPositions(ctx, userID, false)
	if err != nil {
		return nil, domain.E(domain.KindPersistence, op, err)
	}

	st := &UserStats{
		UserID: userID, Days: days, Since: since,
		VolumeSOL: decimal.Zero, RealizedPnL: decimal.Zero,
		BestPnL: decimal.Zero, WorstPnL: decimal.Zero, OpenCostSOL: decimal.Zero,
	}
	for _, t := range trades {
		if !t.Success {
			st.Failed++
			continue
		}
		st.Trades++
		st.VolumeSOL = st.VolumeSOL.Add(t.AmountSOL)
		if t.Type == domain.SideBuy {
			st.Buys++
		} else {
			st.Sells++
		}
	}
	for _, p := range positions {
		if p.IsOpen {
			st.OpenPositions++
			st.OpenCostSOL = st.OpenCostSOL.Add(p.RemainingAmountSOL)
			continue
		}
		if p.ClosedAt == nil || p.ClosedAt.Before(since) {
			continue
		}
		if st.Closed == 0 || p.RealizedPnL.GreaterThan(st.BestPnL) {
			st.BestPnL = p.RealizedPnL
		}
		if st.Closed == 0 || p.RealizedPnL.LessThan(st.WorstPnL) {
			st.WorstPnL = p.RealizedPnL
		}
		st.Closed++
		st.RealizedPnL = st.RealizedPnL.Add(p.RealizedPnL)
		if p.RealizedPnL.IsPositive() {
			st.Wins++
		} else {
			st.Losses++
		}
	}
	if st.Closed > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Closed)
	}
	return st, nil
}

// SubscribeEvents streams the user's TradeResult and PositionClose events
// until ctx is done.
func (s *Service) SubscribeEvents(ctx context.Context, userID int64) <-chan Event {
	return s.hub.Subscribe(ctx, userID)
}

// Rate records a community star rating.
func (s *Service) Rate(ctx context.Context, userID int64, token string, stars int) error {
	if s.ratings == nil {
		return domain.Errorf(domain.KindPolicyViolation, "core.Rate", "community ratings disabled")
	}
	if err := validateMint("core.Rate", token); err != nil {
		return err
	}
	return s.ratings.Rate(ctx, userID, token, stars)
}

// FollowLeader adds or updates a leader wallet copied by userID. A new
// leader starts at score 50.
func (s *Service) FollowLeader(ctx context.Context, userID int64, address, label string, copyAmount decimal.Decimal, enabled bool) error {
	const op = "core.FollowLeader"
	if err := copytrade.ValidateLeaderAddress(address); err != nil {
		return domain.E(domain.KindPolicyViolation, op, err)
	}
	leader := &domain.LeaderWallet{
		OwnerUserID: userID,
		Address:     address,
		Label:       label,
		Score:       50,
		CopyEnabled: enabled,
		CopyAmount:  copyAmount,
	}
	existing, err := s.store.ListLeaders(ctx, false)
	if err != nil {
		return domain.E(domain.KindPersistence, op, err)
	}
	for _, l := range existing {
		if l.OwnerUserID == userID && l.Address == address {
			leader.Score = l.Score
			leader.WinRate = l.WinRate
			leader.TotalTrades = l.TotalTrades
			leader.LastSignature = l.LastSignature
			leader.LastCheckedAt = l.LastCheckedAt
			break
		}
	}
	if err := s.store.UpsertLeader(ctx, leader); err != nil {
		return domain.E(domain.KindPersistence, op, err)
	}
	log.Info().Int64("user_id", userID).Str("leader", address).Bool("enabled", enabled).Msg("core: leader saved")
	return nil
}

// OnTradeResult implements execution.Observer.
func (s *Service) OnTradeResult(res domain.TradeResult, _ *domain.Trade) {
	r := res
	s.hub.Publish(Event{Type: EventTradeResult, UserID: res.UserID, TradeResult: &r, At: s.now()})
}

// OnPositionClose implements execution.Observer.
func (s *Service) OnPositionClose(ev domain.PositionClose, _ *domain.Position) {
	c := ev
	s.hub.Publish(Event{Type: EventPositionClose, UserID: ev.UserID, PositionClose: &c, At: s.now()})
}

func validateMint(op, token string) error {
	if strings.TrimSpace(token) == "" {
		return domain.Errorf(domain.KindPolicyViolation, op, "missing token")
	}
	raw, err := base58.Decode(token)
	if err != nil {
		return domain.E(domain.KindPolicyViolation, op, fmt.Errorf("token %q is not base58: %w", token, err))
	}
	if len(raw) != 32 {
		return domain.Errorf(domain.KindPolicyViolation, op, "token %q decodes to %d bytes, want 32", token, len(raw))
	}
	return nil
}

func reasonOr(reason string) string {
	if reason == "" {
		return domain.ReasonManual
	}
	return reason
}

// IsUserError reports whether err is the caller's fault (bad input, caps,
// duplicate) rather than a system failure, so a bridge can word its reply.
func IsUserError(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindPolicyViolation, domain.KindDuplicate, domain.KindUnsafeToken, domain.KindInsufficientFunds:
		return true
	}
	return errors.Is(err, store.ErrNotFound)
}
