package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/observability"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/rs/zerolog/log"
)

// Reconcile reasons recorded on runs the reconciler fails.
const (
	ReasonNoSubmission = "no_submission"
	ReasonTxFailed     = "tx_failed"
	ReasonTxNotFound   = "tx_not_found"
	ReasonAbandoned    = "abandoned"
)

// AddressBook resolves a user's trading wallet. *wallet.Custody satisfies it.
type AddressBook interface {
	Address(ctx context.Context, userID int64) (solana.Pubkey, error)
}

// ReconcilerConfig tunes the sweep.
type ReconcilerConfig struct {
	// StaleAfter is how long a run may sit in MONITORING or EXECUTING
	// before the sweep settles it. It must exceed the engine's ExecTimeout
	// plus DrainTimeout, or a sweep can race a confirmation in progress.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DefaultReconcilerConfig returns defaults sized for DefaultConfig's
// execution timeouts.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{StaleAfter: StaleAfterFor(DefaultConfig())}
}

// StaleAfterFor is the shortest safe StaleAfter for an engine config:
// twice the longest execution plus a minute.
func StaleAfterFor(c Config) time.Duration {
	c.fill()
	return 2*(c.ExecTimeout+c.DrainTimeout) + time.Minute
}

// Owner reports runs a live engine is still executing. *Engine satisfies
// it.
type Owner interface {
	Owns(snipeID string) bool
}

// Reconciler settles runs left in flight by a crash, a lost confirmation or
// a fill that could not be recorded. It never submits anything: a run is
// settled from its checkpoint and what the chain reports for it.
type Reconciler struct {
	config    ReconcilerConfig
	store     Store
	chain     ChainClient
	addresses AddressBook
	observers []Observer
	owner     Owner
	metrics   *observability.Metrics
	now       func() time.Time

	completed atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64
	lastSweep atomic.Int64
}

// NewReconciler creates a reconciler. chain must be the engine's chain view
// (Engine.Chain) so paper fills reconcile in dry runs.
func NewReconciler(config ReconcilerConfig, st Store, chain ChainClient, addresses AddressBook, observers ...Observer) *Reconciler {
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultReconcilerConfig().StaleAfter
	}
	return &Reconciler{
		config:    config,
		store:     st,
		chain:     chain,
		addresses: addresses,
		observers: observers,
		now:       time.Now,
	}
}

// SetMetrics counts positions the sweep opens or closes. m may be nil.
func (r *Reconciler) SetMetrics(m *observability.Metrics) { r.metrics = m }

// SetOwner makes sweeps skip runs the live engine still owns.
func (r *Reconciler) SetOwner(o Owner) { r.owner = o }

func (r *Reconciler) owned(run *domain.SnipeRun) bool {
	if r.owner == nil || !r.owner.Owns(run.SnipeID) {
		return false
	}
	log.Debug().Str("snipe_id", run.SnipeID).Msg("reconcile: run still executing, skipped")
	return true
}

// SweepResult counts what one sweep settled.
type SweepResult struct {
	Completed int
	Failed    int
	Deferred  int
}

// Sweep settles every stale in-flight run once.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := r.now().Add(-r.config.StaleAfter)
	defer r.lastSweep.Store(r.now().UnixNano())

	executing, err := r.store.ListStale(ctx, domain.SnipeExecuting, cutoff)
	if err != nil {
		return res, err
	}
	for i := range executing {
		if r.owned(&executing[i]) {
			res.Deferred++
			continue
		}
		switch r.settleExecuting(ctx, &executing[i]) {
		case outcomeCompleted:
			res.Completed++
		case outcomeFailed:
			res.Failed++
		default:
			res.Deferred++
		}
	}

	monitoring, err := r.store.ListStale(ctx, domain.SnipeMonitoring, cutoff)
	if err != nil {
		return res, err
	}
	for i := range monitoring {
		run := &monitoring[i]
		if r.owned(run) {
			res.Deferred++
			continue
		}
		if r.failRun(ctx, run, ReasonAbandoned, "intent never executed") {
			res.Failed++
		}
	}

	r.completed.Add(int64(res.Completed))
	r.failed.Add(int64(res.Failed))
	r.deferred.Add(int64(res.Deferred))
	if res.Completed+res.Failed+res.Deferred > 0 {
		log.Info().
			Int("completed", res.Completed).
			Int("failed", res.Failed).
			Int("deferred", res.Deferred).
			Msg("reconcile: sweep settled runs")
	}
	return res, nil
}

type outcome int

const (
	outcomeDeferred outcome = iota
	outcomeCompleted
	outcomeFailed
)

func (r *Reconciler) settleExecuting(ctx context.Context, run *domain.SnipeRun) outcome {
	cp := run.Checkpoint
	if cp == nil || cp.Signature == "" {
		if r.failRun(ctx, run, ReasonNoSubmission, "no transaction was submitted") {
			return outcomeFailed
		}
		return outcomeDeferred
	}

	sig := solana.Signature(cp.Signature)
	st, err := r.chain.GetSignatureStatuses(ctx, []solana.Signature{sig})
	if err != nil || len(st) == 0 {
		log.Warn().Err(err).Str("snipe_id", run.SnipeID).Msg("reconcile: status lookup failed")
		return outcomeDeferred
	}

	switch {
	case st[0].Confirmed():
		return r.completeRun(ctx, run, cp)
	case st[0].Failed():
		if r.failRun(ctx, run, ReasonTxFailed, st[0].Err) {
			return outcomeFailed
		}
	case !st[0].Found:
		if r.failRun(ctx, run, ReasonTxNotFound, "signature "+cp.Signature+" not found") {
			return outcomeFailed
		}
	}
	// Found but not yet confirmed: look again next sweep.
	return outcomeDeferred
}

func (r *Reconciler) completeRun(ctx context.Context, run *domain.SnipeRun, cp *domain.SubmitCheckpoint) outcome {
	var owner solana.Pubkey
	if r.addresses != nil {
		owner, _ = r.addresses.Address(ctx, run.UserID)
	}
	landed := readLanded(ctx, r.chain, solana.Signature(cp.Signature), owner, solana.Pubkey(run.Token), run.Side)
	fill := buildFill(run, cp, landed)

	fr, err := r.store.RecordFill(ctx, fill)
	if err != nil {
		log.Error().Err(err).Str("snipe_id", run.SnipeID).Str("signature", cp.Signature).
			Msg("reconcile: record fill failed")
		return outcomeDeferred
	}
	log.Info().
		Str("snipe_id", run.SnipeID).
		Str("signature", cp.Signature).
		Bool("inserted", fr.Inserted).
		Msg("reconcile: completed landed swap")

	if fr.Inserted {
		res := domain.TradeResult{
			IntentID:  cp.IntentID,
			UserID:    run.UserID,
			Token:     run.Token,
			Side:      run.Side,
			Success:   true,
			Signature: cp.Signature,
		}
		publish(r.observers, r.metrics, res, &fill.Trade, fr)
	}
	return outcomeCompleted
}

func (r *Reconciler) failRun(ctx context.Context, run *domain.SnipeRun, reason, detail string) bool {
	trade := &domain.Trade{
		IntentID: run.IntentID,
		UserID:   run.UserID,
		Type:     run.Side,
		Context:  run.Context,
		Token:    run.Token,
		Error:    detail,
	}
	if cp := run.Checkpoint; cp != nil {
		trade.Signature = cp.Signature
		trade.Transport = cp.Transport
		trade.Attempts = cp.Attempt
		trade.AmountSOL = cp.AmountSOL
	}
	if err := r.store.RecordFailure(ctx, trade, run.SnipeID, reason); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			log.Error().Err(err).Str("snipe_id", run.SnipeID).Msg("reconcile: record failure failed")
		}
		return false
	}
	log.Warn().
		Str("snipe_id", run.SnipeID).
		Int64("user_id", run.UserID).
		Str("token", run.Token).
		Str("reason", reason).
		Msg("reconcile: failed stale run")

	// A run abandoned before execution produced no trade result yet.
	res := domain.TradeResult{
		IntentID: run.IntentID,
		UserID:   run.UserID,
		Token:    run.Token,
		Side:     run.Side,
		Reason:   reason,
	}
	publish(r.observers, r.metrics, res, trade, nil)
	return true
}

// Name implements the supervisor worker contract.
func (r *Reconciler) Name() string { return "reconciler" }

// LastSweep is when the last sweep finished.
func (r *Reconciler) LastSweep() time.Time {
	if ns := r.lastSweep.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// ReconcilerStats is a snapshot of sweep totals.
type ReconcilerStats struct {
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	Deferred  int64     `json:"deferred"`
	LastSweep time.Time `json:"last_sweep"`
}

func (r *Reconciler) Stats() ReconcilerStats {
	return ReconcilerStats{
		Completed: r.completed.Load(),
		Failed:    r.failed.Load(),
		Deferred:  r.deferred.Load(),
		LastSweep: r.LastSweep(),
	}
}
