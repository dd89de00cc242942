// Package decision turns scored candidates and manual requests into trade
// intents. It is the only writer of new snipe runs.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/autosnipe/internal/cache"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/risk"
	"github.com/nexus-trading/autosnipe/internal/safety"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/rs/zerolog/log"
)

// Skip reasons added by the decision loop on top of the gate's.
const (
	SkipInFlight    = "in_flight"
	FailQueueClosed = "queue_closed"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("decision: not accepting intents")

// CandidateSource feeds the loop. *scorer.Scorer satisfies it.
type CandidateSource interface {
	Candidates() <-chan domain.ScoredCandidate
}

// SafetyChecker scores a mint. *safety.Evaluator satisfies it.
type SafetyChecker interface {
	Evaluate(ctx context.Context, mint solana.Pubkey) (safety.Report, error)
}

// IntentQueue receives approved intents. *execution.Queue satisfies it.
type IntentQueue interface {
	Enqueue(ctx context.Context, in *domain.TradeIntent) error
}

// Recorder receives every recorded decision, allowed or skipped.
// *clickhouse.Writer satisfies it.
type Recorder interface {
	RecordDecision(c *domain.ScoredCandidate, d risk.Decision, snipeID string)
}

// Store is the persistence the decision loop needs.
type Store interface {
	store.SettingsStore
	store.SnipeRunStore
	GetOpenPosition(ctx context.Context, userID int64, token string) (*domain.Position, error)
	RecordFailure(ctx context.Context, trade *domain.Trade, snipeID, reason string) error
}

// Config tunes the decision loop.
type Config struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindow: 120 * time.Second,
		LockTTL:     30 * time.Second,
	}
}

// Deps are the engine's collaborators. Locker and Deduper default to
// in-process implementations.
type Deps struct {
	Store   Store
	Gate    *risk.Gate
	Safety  SafetyChecker
	Queue   IntentQueue
	Source  CandidateSource
	Locker  cache.Locker
	Deduper cache.Deduper

	Recorder Recorder
	Defaults func(userID int64) *domain.UserSettings
}

// Engine runs candidates through the policy gate and hands approved ones
// to the execution queue. Candidates are decided one at a time; manual and
// exit intents may arrive concurrently and serialize with the loop on the
// per-(user, token) lock. BUYs also take a per-user lock so the daily cap
// check and the approval that consumes a cap slot are one step.
type Engine struct {
	config Config
	deps   Deps
	now    func() time.Time
	newID  func() string

	stopped atomic.Bool

	lastProgress atomic.Int64
	decided      atomic.Int64
	approved     atomic.Int64
	skipped      atomic.Int64
	duplicates   atomic.Int64
	submitted    atomic.Int64
	failures     atomic.Int64
}

// New creates a decision engine.
func New(config Config, deps Deps) *Engine {
	def := DefaultConfig()
	if config.DedupWindow <= 0 {
		config.DedupWindow = def.DedupWindow
	}
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if deps.Locker == nil {
		deps.Locker = cache.NewKeyedMutex()
	}
	if deps.Deduper == nil {
		deps.Deduper = cache.NewMemoryDeduper()
	}
	if deps.Gate == nil {
		deps.Gate = risk.New(risk.DefaultConfig())
	}
	if deps.Defaults == nil {
		deps.Defaults = domain.DefaultUserSettings
	}
	return &Engine{
		config: config,
		deps:   deps,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Name implements the supervisor worker contract.
func (e *Engine) Name() string { return "decision" }

// Gate exposes the policy gate (kill switch, stats).
func (e *Engine) Gate() *risk.Gate { return e.deps.Gate }

// Stop makes the engine refuse new intents. Candidates still in the
// channel are dropped by Run.
func (e *Engine) Stop() {
	if e.stopped.CompareAndSwap(false, true) {
		log.Info().Msg("decision: stopped accepting intents")
	}
}

// LastProgress is when the loop last went idle or decided a candidate.
func (e *Engine) LastProgress() time.Time {
	if ns := e.lastProgress.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (e *Engine) progress() { e.lastProgress.Store(e.now().UnixNano()) }

// Run decides candidates until ctx is done or the source closes.
func (e *Engine) Run(ctx context.Context) error {
	e.progress()
	log.Info().Dur("dedup_window", e.config.DedupWindow).Msg("decision: started")

	candidates := e.deps.Source.Candidates()
	idle := time.NewTicker(30 * time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			e.progress()
		case c, ok := <-candidates:
			if !ok {
				return nil
			}
			if e.stopped.Load() {
				continue
			}
			if _, err := e.Decide(ctx, &c); err != nil && ctx.Err() == nil {
				e.failures.Add(1)
				log.Error().Err(err).
					Int64("user_id", c.UserID).
					Str("token", c.Token).
					Msg("decision: candidate failed")
			}
			e.progress()
		}
	}
}

// Outcome is what Decide did with one candidate.
type Outcome struct {
	Decision risk.Decision
	SnipeID  string // empty for silent duplicates
	IntentID string // set when an intent was queued
}

// Decide runs one candidate through safety, the gate, dedup and the
// snipe-run lifecycle.
func (e *Engine) Decide(ctx context.Context, c *domain.ScoredCandidate) (Outcome, error) {
	e.decided.Add(1)

	settings, err := e.settings(ctx, c.UserID)
	if err != nil {
		return Outcome{}, err
	}
	score := e.safetyScore(ctx, c, settings)

	unlock, err := e.lockBuy(ctx, c.UserID, c.Token)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	hasOpen, err := e.hasOpenPosition(ctx, c.UserID, c.Token)
	if err != nil {
		return Outcome{}, err
	}
	pending, err := e.pendingBuys(ctx, c.UserID)
	if err != nil {
		return Outcome{}, err
	}

	// Seen marks the key; the mark is dropped again unless an intent is
	// approved under it.
	dedup := dedupKey(c.UserID, c.Token)
	seen, err := e.deps.Deduper.Seen(ctx, dedup, e.config.DedupWindow)
	if err != nil {
		log.Warn().Err(err).Str("key", dedup).Msg("decision: dedup lookup failed")
		seen = false
	}

	d := e.deps.Gate.Check(risk.Input{
		Candidate:       c,
		Settings:        settings,
		SafetyScore:     score,
		HasOpenPosition: hasOpen,
		Pending:         pending,
		RecentBuy:       seen,
	})
	if !d.Allowed && !seen {
		_ = e.deps.Deduper.Forget(ctx, dedup)
	}
	if d.Duplicate {
		e.duplicates.Add(1)
		return Outcome{Decision: d}, nil
	}

	run := domain.NewSnipeRun(e.newID(), c.UserID, c.Token, domain.SideBuy, e.now())
	run.Context = c.Context()
	run.AIConfidence = c.UnifiedScore
	run.AIRecommendation = string(c.Confidence)
	run.Snapshot = snapshot(c, score, d)
	if err := e.deps.Store.CreateSnipeRun(ctx, run); err != nil {
		return Outcome{}, fmt.Errorf("decision: create run: %w", err)
	}
	out := Outcome{Decision: d, SnipeID: run.SnipeID}

	if !d.Allowed {
		e.skipped.Add(1)
		if _, err := e.deps.Store.TransitionSnipeRun(ctx, run.SnipeID, domain.EventSkip, d.Reason, nil); err != nil {
			return out, fmt.Errorf("decision: skip run: %w", err)
		}
		e.record(c, out)
		return out, nil
	}

	in := &domain.TradeIntent{
		IntentID:  e.newID(),
		UserID:    c.UserID,
		Token:     c.Token,
		Side:      domain.SideBuy,
		AmountSOL: d.AmountSOL,
		Reason:    fmt.Sprintf("%s confidence %.2f", c.Confidence, c.UnifiedScore),
		Context:   run.Context,
		SnipeID:   run.SnipeID,
		Candidate: c,
		CreatedAt: e.now(),
	}
	if err := e.approve(ctx, run, in); err != nil {
		_ = e.deps.Deduper.Forget(ctx, dedup)
		if errors.Is(err, store.ErrInFlight) {
			e.skipped.Add(1)
			out.Decision = risk.Decision{Reason: SkipInFlight, Detail: "another intent is in flight"}
			e.record(c, out)
			return out, nil
		}
		return out, err
	}
	out.IntentID = in.IntentID
	e.approved.Add(1)
	e.record(c, out)

	log.Info().
		Str("intent_id", in.IntentID).
		Str("snipe_id", run.SnipeID).
		Int64("user_id", in.UserID).
		Str("token", in.Token).
		Str("context", string(in.Context)).
		Str("amount_sol", in.AmountSOL.String()).
		Float64("unified", c.UnifiedScore).
		Int("safety", score).
		Msg("decision: intent approved")
	return out, nil
}

// Submit validates and queues a manual or exit intent. Manual BUYs bypass
// scoring and the kill switch but not the daily caps. The intent is
// returned with its ids filled in.
func (e *Engine) Submit(ctx context.Context, in *domain.TradeIntent) (*domain.TradeIntent, error) {
	const op = "decision: submit"
	if e.stopped.Load() {
		return nil, domain.E(domain.KindPolicyViolation, op, ErrStopped)
	}
	if in.Token == "" {
		return nil, domain.Errorf(domain.KindPolicyViolation, op, "missing token")
	}

	settings, err := e.settings(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	var unlock func()
	if in.Side == domain.SideBuy {
		unlock, err = e.lockBuy(ctx, in.UserID, in.Token)
	} else {
		unlock, err = e.lock(ctx, lockKey(in.UserID, in.Token))
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	switch in.Side {
	case domain.SideBuy:
		pending, err := e.pendingBuys(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		if reason, ok := risk.CheckCaps(settings, pending, false); !ok {
			return nil, domain.Errorf(domain.KindPolicyViolation, op, "%s", reason)
		}
		requested := in.AmountSOL
		if !requested.IsPositive() {
			requested = settings.BuyAmountSOL
		}
		amount := risk.TradeSize(settings, requested)
		if dust := e.deps.Gate.DustFloor(settings); amount.LessThan(dust) {
			return nil, domain.Errorf(domain.KindPolicyViolation, op, "amount %s below dust floor %s", amount, dust)
		}
		in.AmountSOL = amount
	case domain.SideSell:
		pos, err := e.deps.Store.GetOpenPosition(ctx, in.UserID, in.Token)
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.Errorf(domain.KindPolicyViolation, op, "no open position in %s", in.Token)
		}
		if err != nil {
			return nil, domain.E(domain.KindPersistence, op, err)
		}
		in.PositionID = pos.PositionID
		if in.AmountRaw == 0 || in.AmountRaw >= pos.RemainingAmountRaw {
			in.SellAll = true
			in.AmountRaw = 0
		}
	default:
		return nil, domain.Errorf(domain.KindPolicyViolation, op, "unknown side %q", in.Side)
	}

	if in.Context == "" {
		in.Context = domain.ContextManual
	}
	in.IntentID = e.newID()
	in.CreatedAt = e.now()

	run := domain.NewSnipeRun(e.newID(), in.UserID, in.Token, in.Side, e.now())
	run.Context = in.Context
	run.IsManual = in.IsManual
	run.PositionID = in.PositionID
	run.AIRecommendation = in.Reason
	if err := e.deps.Store.CreateSnipeRun(ctx, run); err != nil {
		return nil, domain.E(domain.KindPersistence, op, err)
	}
	in.SnipeID = run.SnipeID

	if err := e.approve(ctx, run, in); err != nil {
		if errors.Is(err, store.ErrInFlight) {
			return nil, domain.Errorf(domain.KindDuplicate, op, "an intent for %s is already in flight", in.Token)
		}
		return nil, err
	}
	e.submitted.Add(1)

	log.Info().
		Str("intent_id", in.IntentID).
		Int64("user_id", in.UserID).
		Str("token", in.Token).
		Str("side", string(in.Side)).
		Str("context", string(in.Context)).
		Str("reason", in.Reason).
		Msg("decision: intent submitted")
	return in, nil
}

// approve moves run to MONITORING and queues in. On ErrInFlight the run is
// skipped; if the queue refuses, the run is failed.
func (e *Engine) approve(ctx context.Context, run *domain.SnipeRun, in *domain.TradeIntent) error {
	_, err := e.deps.Store.TransitionSnipeRun(ctx, run.SnipeID, domain.EventApprove, "", func(r *domain.SnipeRun) {
		r.IntentID = in.IntentID
	})
	if errors.Is(err, store.ErrInFlight) {
		if _, serr := e.deps.Store.TransitionSnipeRun(ctx, run.SnipeID, domain.EventSkip, SkipInFlight, nil); serr != nil {
			log.Error().Err(serr).Str("snipe_id", run.SnipeID).Msg("decision: skip run failed")
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("decision: approve run: %w", err)
	}

	if err := e.deps.Queue.Enqueue(ctx, in); err != nil {
		trade := &domain.Trade{
			IntentID:  in.IntentID,
			UserID:    in.UserID,
			Type:      in.Side,
			Context:   in.Context,
			Token:     in.Token,
			AmountSOL: in.AmountSOL,
			Error:     err.Error(),
		}
		// The caller's ctx may be the one that ended.
		if ferr := e.deps.Store.RecordFailure(context.WithoutCancel(ctx), trade, run.SnipeID, FailQueueClosed); ferr != nil {
			log.Error().Err(ferr).Str("snipe_id", run.SnipeID).Msg("decision: fail run failed")
		}
		return domain.E(domain.KindPolicyViolation, "decision: enqueue", err)
	}
	return nil
}

func (e *Engine) record(c *domain.ScoredCandidate, out Outcome) {
	if e.deps.Recorder != nil {
		e.deps.Recorder.RecordDecision(c, out.Decision, out.SnipeID)
	}
}

func (e *Engine) settings(ctx context.Context, userID int64) (*domain.UserSettings, error) {
	s, err := e.deps.Store.GetSettings(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return e.deps.Defaults(userID), nil
	}
	if err != nil {
		return nil, domain.E(domain.KindPersistence, "decision: settings", err)
	}
	return s, nil
}

// safetyScore evaluates the mint only when the gate could allow the
// candidate. An evaluation error scores 0, which the gate vetoes.
func (e *Engine) safetyScore(ctx context.Context, c *domain.ScoredCandidate, s *domain.UserSettings) int {
	if !e.deps.Gate.IsActive() || !s.AutoTradingEnabled {
		return c.SafetyScore
	}
	if e.deps.Safety == nil {
		return c.SafetyScore
	}
	r, err := e.deps.Safety.Evaluate(ctx, solana.Pubkey(c.Token))
	if err != nil {
		log.Warn().Err(err).Str("token", c.Token).Msg("decision: safety evaluation failed")
		return 0
	}
	c.SafetyScore = r.Score
	return r.Score
}

func (e *Engine) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := e.deps.Locker.Acquire(ctx, key, e.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("decision: lock %s: %w", key, err)
	}
	return unlock, nil
}

// lockBuy takes the user's cap lock and then the (user, token) lock. SELLs
// take only the latter, so the order cannot deadlock.
func (e *Engine) lockBuy(ctx context.Context, userID int64, token string) (func(), error) {
	unlockUser, err := e.lock(ctx, capsKey(userID))
	if err != nil {
		return nil, err
	}
	unlockKey, err := e.lock(ctx, lockKey(userID, token))
	if err != nil {
		unlockUser()
		return nil, err
	}
	return func() {
		unlockKey()
		unlockUser()
	}, nil
}

func (e *Engine) pendingBuys(ctx context.Context, userID int64) (risk.Pending, error) {
	n, err := e.deps.Store.CountInFlightBuys(ctx, userID)
	if err != nil {
		return risk.Pending{}, domain.E(domain.KindPersistence, "decision: pending buys", err)
	}
	return risk.Pending{Trades: n.Trades, Snipes: n.Snipes}, nil
}

func (e *Engine) hasOpenPosition(ctx context.Context, userID int64, token string) (bool, error) {
	_, err := e.deps.Store.GetOpenPosition(ctx, userID, token)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.E(domain.KindPersistence, "decision: open position", err)
	}
	return true, nil
}

func lockKey(userID int64, token string) string {
	return fmt.Sprintf("lock:%d:%s", userID, token)
}

func capsKey(userID int64) string {
	return fmt.Sprintf("lock:caps:%d", userID)
}

func dedupKey(userID int64, token string) string {
	return fmt.Sprintf("dedup:%d:%s:%s", userID, token, domain.SideBuy)
}

func snapshot(c *domain.ScoredCandidate, safetyScore int, d risk.Decision) map[string]any {
	snap := map[string]any{
		"unified":    c.UnifiedScore,
		"confidence": string(c.Confidence),
		"direction":  string(c.Direction),
		"subscores":  c.Subscores,
		"sources":    c.Sources,
		"safety":     safetyScore,
		"reasoning":  c.Reasoning,
	}
	if len(c.Leaders) > 0 {
		snap["leaders"] = c.Leaders
	}
	if d.Allowed {
		snap["amount_sol"] = d.AmountSOL.String()
		snap["kelly"] = d.KellyFactor
	} else if d.Detail != "" {
		snap["detail"] = d.Detail
	}
	return snap
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is a snapshot of decision counters.
type Stats struct {
	Decided    int64      `json:"decided"`
	Approved   int64      `json:"approved"`
	Skipped    int64      `json:"skipped"`
	Duplicates int64      `json:"duplicates"`
	Submitted  int64      `json:"submitted"`
	Errors     int64      `json:"errors"`
	Stopped    bool       `json:"stopped"`
	Gate       risk.Stats `json:"gate"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Decided:    e.decided.Load(),
		Approved:   e.approved.Load(),
		Skipped:    e.skipped.Load(),
		Duplicates: e.duplicates.Load(),
		Submitted:  e.submitted.Load(),
		Errors:     e.failures.Load(),
		Stopped:    e.stopped.Load(),
		Gate:       e.deps.Gate.Stats(),
	}
}
