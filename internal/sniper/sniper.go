// Package sniper watches open positions and emits exit intents when a stop
// loss, take profit or trailing stop triggers.
package sniper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/adapters/jupiter"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ---------------------------------------------------------------------------
// Position Manager - periodic TP/SL/trailing evaluation of open positions
// ---------------------------------------------------------------------------

// Config configures the position manager.
type Config struct {
	// How often every open position is evaluated.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Upper bound of one price lookup.
	PriceTimeout time.Duration `yaml:"price_timeout"`

	// Positions evaluated in parallel within a tick.
	Concurrency int `yaml:"concurrency"`

	// Close positions held longer than this. 0 disables.
	MaxHold time.Duration `yaml:"max_hold"`

	CSM CSMConfig `yaml:"csm"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: 10 * time.Second,
		PriceTimeout: 10 * time.Second,
		Concurrency:  8,
		CSM:          DefaultCSMConfig(),
	}
}

// Store is the persistence the manager reads positions from.
type Store interface {
	ListOpenPositions(ctx context.Context) ([]domain.Position, error)
	UpdateHighWaterMark(ctx context.Context, positionID string, hwm decimal.Decimal) error
	CountInFlight(ctx context.Context, userID int64, token string) (int, error)
	GetSettings(ctx context.Context, userID int64) (*domain.UserSettings, error)
}

// IntentSubmitter queues exit intents. *decision.Engine satisfies it.
type IntentSubmitter interface {
	Submit(ctx context.Context, in *domain.TradeIntent) (*domain.TradeIntent, error)
}

// Manager evaluates open positions on a timer. Evaluation is stateless
// given the persisted high-water mark, so a missed tick loses nothing.
type Manager struct {
	config Config
	store  Store
	agg    jupiter.Aggregator
	submit IntentSubmitter
	csm    *CSM
	now    func() time.Time

	prices singleflight.Group

	mu      sync.Mutex
	reasons map[string]int64

	lastProgress atomic.Int64
	ticks        atomic.Int64
	evaluated    atomic.Int64
	exits        atomic.Int64
	suppressed   atomic.Int64
	priceErrors  atomic.Int64
	submitErrors atomic.Int64
}

// NewManager creates a position manager. checker may be nil, which
// disables safety re-checks of held tokens.
func NewManager(config Config, st Store, agg jupiter.Aggregator, submit IntentSubmitter, checker SafetyChecker) *Manager {
	def := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.PriceTimeout <= 0 {
		config.PriceTimeout = def.PriceTimeout
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	m := &Manager{
		config:  config,
		store:   st,
		agg:     agg,
		submit:  submit,
		now:     time.Now,
		reasons: make(map[string]int64),
	}
	if checker != nil {
		m.csm = NewCSM(config.CSM, checker)
	}
	return m
}

// Name implements the supervisor worker contract.
func (m *Manager) Name() string { return "positions" }

// LastProgress is when the last tick finished.
func (m *Manager) LastProgress() time.Time {
	if ns := m.lastProgress.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Run ticks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	log.Info().
		Dur("tick", m.config.TickInterval).
		Bool("csm", m.csm != nil).
		Msg("positions: started")

	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("positions: tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TickResult counts what one tick did.
type TickResult struct {
	Evaluated  int
	Exits      int
	Suppressed int
	Errors     int
}

// Tick evaluates every open position once.
func (m *Manager) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("positions: list open: %w", err)
	}
	m.ticks.Add(1)

	rules := m.rulesByUser(ctx, positions)
	held := make(map[string]bool, len(positions))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.config.Concurrency)
	for i := range positions {
		pos := &positions[i]
		held[pos.Token] = true
		g.Go(func() error {
			o := m.evaluate(ctx, pos, rules[pos.UserID])
			mu.Lock()
			defer mu.Unlock()
			res.Evaluated++
			switch o {
			case outcomeExit:
				res.Exits++
			case outcomeSuppressed:
				res.Suppressed++
			case outcomeError:
				res.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	if m.csm != nil {
		m.csm.Retain(held)
	}
	m.lastProgress.Store(m.now().UnixNano())
	if res.Exits+res.Errors > 0 {
		log.Info().
			Int("positions", len(positions)).
			Int("exits", res.Exits).
			Int("suppressed", res.Suppressed).
			Int("errors", res.Errors).
			Msg("positions: tick")
	}
	return res, nil
}

type outcome int

const (
	outcomeHold outcome = iota
	outcomeExit
	outcomeSuppressed
	outcomeError
)

func (m *Manager) evaluate(ctx context.Context, pos *domain.Position, rules ExitRules) outcome {
	m.evaluated.Add(1)

	price, err := m.price(ctx, pos.Token, pos.Decimals)
	if err != nil {
		m.priceErrors.Add(1)
		log.Warn().Err(err).Str("position_id", pos.PositionID).Str("token", pos.Token).
			Msg("positions: price lookup failed")
		return outcomeError
	}

	hwm := HighWaterMark(pos.HighWaterMark, price)
	if hwm.GreaterThan(pos.HighWaterMark) {
		if err := m.store.UpdateHighWaterMark(ctx, pos.PositionID, hwm); err != nil && !errors.Is(err, store.ErrPositionClosed) {
			log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("positions: persist high-water mark failed")
		}
	}

	d := Evaluate(pos, price, hwm, rules, m.now())
	if !d.ShouldSell && m.csm != nil {
		if alert, ok := m.csm.Check(ctx, pos.Token); ok {
			d = ExitDecision{ShouldSell: true, Reason: alert.Reason, SellAll: true, Detail: alert.Detail}
		}
	}
	if !d.ShouldSell {
		return outcomeHold
	}

	n, err := m.store.CountInFlight(ctx, pos.UserID, pos.Token)
	if err != nil {
		log.Warn().Err(err).Str("position_id", pos.PositionID).Msg("positions: in-flight lookup failed")
		return outcomeError
	}
	if n > 0 {
		m.suppressed.Add(1)
		return outcomeSuppressed
	}

	in := &domain.TradeIntent{
		UserID:     pos.UserID,
		Token:      pos.Token,
		Side:       domain.SideSell,
		AmountRaw:  d.AmountRaw,
		SellAll:    d.SellAll,
		PriceRef:   price,
		Reason:     d.Reason,
		Context:    domain.ContextExit,
		PositionID: pos.PositionID,
	}
	queued, err := m.submit.Submit(ctx, in)
	if err != nil {
		if domain.IsKind(err, domain.KindDuplicate) {
			m.suppressed.Add(1)
			return outcomeSuppressed
		}
		m.submitErrors.Add(1)
		log.Error().Err(err).Str("position_id", pos.PositionID).Str("reason", d.Reason).
			Msg("positions: exit submit failed")
		return outcomeError
	}

	m.exits.Add(1)
	m.mu.Lock()
	m.reasons[d.Reason]++
	m.mu.Unlock()
	log.Info().
		Str("position_id", pos.PositionID).
		Str("intent_id", queued.IntentID).
		Int64("user_id", pos.UserID).
		Str("token", pos.Token).
		Str("reason", d.Reason).
		Str("detail", d.Detail).
		Bool("sell_all", d.SellAll).
		Uint64("amount_raw", d.AmountRaw).
		Msg("positions: exit triggered")
	return outcomeExit
}

// price collapses concurrent lookups of the same mint into one quote.
func (m *Manager) price(ctx context.Context, token string, decimals uint8) (decimal.Decimal, error) {
	v, err, _ := m.prices.Do(token, func() (any, error) {
		pctx, cancel := context.WithTimeout(ctx, m.config.PriceTimeout)
		defer cancel()
		return jupiter.PriceInSOL(pctx, m.agg, solana.Pubkey(token), decimals)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (m *Manager) rulesByUser(ctx context.Context, positions []domain.Position) map[int64]ExitRules {
	rules := make(map[int64]ExitRules)
	for i := range positions {
		uid := positions[i].UserID
		if _, ok := rules[uid]; ok {
			continue
		}
		r := ExitRules{MaxHold: m.config.MaxHold}
		s, err := m.store.GetSettings(ctx, uid)
		if err == nil {
			r.TakeProfitFraction = s.TakeProfitFraction
		} else if !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Int64("user_id", uid).Msg("positions: settings lookup failed")
		}
		rules[uid] = r
	}
	return rules
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is a snapshot of manager counters.
type Stats struct {
	Ticks        int64            `json:"ticks"`
	Evaluated    int64            `json:"evaluated"`
	Exits        int64            `json:"exits"`
	Suppressed   int64            `json:"suppressed"`
	PriceErrors  int64            `json:"price_errors"`
	SubmitErrors int64            `json:"submit_errors"`
	Reasons      map[string]int64 `json:"reasons"`
	CSM          *CSMStats        `json:"csm,omitempty"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	reasons := make(map[string]int64, len(m.reasons))
	for k, v := range m.reasons {
		reasons[k] = v
	}
	m.mu.Unlock()
	st := Stats{
		Ticks:        m.ticks.Load(),
		Evaluated:    m.evaluated.Load(),
		Exits:        m.exits.Load(),
		Suppressed:   m.suppressed.Load(),
		PriceErrors:  m.priceErrors.Load(),
		SubmitErrors: m.submitErrors.Load(),
		Reasons:      reasons,
	}
	if m.csm != nil {
		cs := m.csm.Stats()
		st.CSM = &cs
	}
	return st
}
