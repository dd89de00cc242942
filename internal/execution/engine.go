package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/adapters/jupiter"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/observability"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/nexus-trading/autosnipe/internal/wallet"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Capabilities
// ---------------------------------------------------------------------------

// SwapAggregator quotes and builds swaps. *jupiter.Client satisfies it.
type SwapAggregator interface {
	Quote(ctx context.Context, p jupiter.QuoteParams) (*jupiter.Quote, error)
	SwapTx(ctx context.Context, quote *jupiter.Quote, opts jupiter.SwapOptions) (*jupiter.SwapTx, error)
}

// ChainClient is the read side of the chain used to settle swaps.
type ChainClient interface {
	GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]solana.SignatureStatus, error)
	GetTransaction(ctx context.Context, sig solana.Signature) (*solana.TransactionDetail, error)
	GetTokenInfo(ctx context.Context, mint solana.Pubkey) (*solana.TokenInfo, error)
}

// Custody lends a scoped signer for a user's wallet.
type Custody interface {
	WithSigner(ctx context.Context, userID int64, fn func(*wallet.Signer) error) error
}

// FeePolicy prices compute units. *solana.PriorityFeeEstimator satisfies it.
type FeePolicy interface {
	ComputeUnitPrice(congestion solana.CongestionLevel) uint64
}

// Store is the persistence the engine writes through.
type Store interface {
	store.SettingsStore
	store.SnipeRunStore
	store.TradeStore
}

// Observer receives execution outcomes. Implementations must not block.
type Observer interface {
	OnTradeResult(res domain.TradeResult, trade *domain.Trade)
	OnPositionClose(ev domain.PositionClose, pos *domain.Position)
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config tunes the execution engine.
type Config struct {
	Workers            int           `yaml:"workers"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BackoffBase        time.Duration `yaml:"backoff_base"`
	BackoffMax         time.Duration `yaml:"backoff_max"`
	MaxPriceImpact     float64       `yaml:"max_price_impact"` // fraction
	DefaultSlippageBps int           `yaml:"default_slippage_bps"`
	MaxSlippageBps     int           `yaml:"max_slippage_bps"`
	MaxAccounts        int           `yaml:"max_accounts"`
	ExecTimeout        time.Duration `yaml:"exec_timeout"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	DryRun             bool          `yaml:"dry_run"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		MaxAttempts:        3,
		BackoffBase:        500 * time.Millisecond,
		BackoffMax:         8 * time.Second,
		MaxPriceImpact:     0.05,
		DefaultSlippageBps: 50,
		MaxSlippageBps:     500,
		MaxAccounts:        jupiter.DefaultMaxAccounts,
		ExecTimeout:        90 * time.Second,
		DrainTimeout:       30 * time.Second,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.MaxPriceImpact <= 0 {
		c.MaxPriceImpact = d.MaxPriceImpact
	}
	if c.DefaultSlippageBps <= 0 {
		c.DefaultSlippageBps = d.DefaultSlippageBps
	}
	if c.MaxSlippageBps <= 0 {
		c.MaxSlippageBps = d.MaxSlippageBps
	}
	if c.MaxAccounts <= 0 {
		c.MaxAccounts = d.MaxAccounts
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
}

// Deps are the engine's collaborators. Protected and Fees may be nil.
type Deps struct {
	Store     Store
	Queue     *Queue
	Swaps     SwapAggregator
	Chain     ChainClient
	Custody   Custody
	Fees      FeePolicy
	Direct    Submitter
	Protected Submitter
	Paper     *PaperSubmitter
	Metrics   *observability.Metrics
	Observers []Observer

	// Defaults supplies settings for users that have none stored.
	Defaults func(userID int64) *domain.UserSettings
}

// ---------------------------------------------------------------------------
// Execution Engine
// ---------------------------------------------------------------------------

// Engine executes approved intents. Workers run concurrently; each intent is
// executed by exactly one worker.
//
// Invariants:
//   - The snipe run is EXECUTING before anything is signed.
//   - A signature is checkpointed before it is submitted.
//   - A retry first checks whether an earlier attempt landed.
//   - The decrypted key never outlives the swap attempt.
type Engine struct {
	config Config
	deps   Deps
	chain  ChainClient

	decMu    sync.RWMutex
	decimals map[solana.Pubkey]uint8

	// snipe IDs a worker is executing right now
	owned sync.Map

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	lastProgress atomic.Int64
	executed     atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	pending      atomic.Int64
	submits      atomic.Int64
	retries      atomic.Int64
	widened      atomic.Int64
}

// NewEngine creates an execution engine.
func NewEngine(config Config, deps Deps) *Engine {
	config.fill()
	if deps.Defaults == nil {
		deps.Defaults = domain.DefaultUserSettings
	}
	chain := deps.Chain
	if config.DryRun {
		if deps.Paper == nil {
			deps.Paper = NewPaperSubmitter(0)
		}
		chain = deps.Paper.Chain(deps.Chain)
	}
	return &Engine{
		config:   config,
		deps:     deps,
		chain:    chain,
		decimals: make(map[solana.Pubkey]uint8),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements the supervisor worker contract.
func (e *Engine) Name() string { return "execution" }

// Chain returns the chain view used for settlement (paper-aware in dry
// runs). The reconciler must use the same view.
func (e *Engine) Chain() ChainClient { return e.chain }

// Owns reports whether a worker is still executing the run. The reconciler
// leaves such runs alone however old their last update is.
func (e *Engine) Owns(snipeID string) bool {
	_, ok := e.owned.Load(snipeID)
	return ok
}

// LastProgress is when a worker last went idle or finished an intent.
func (e *Engine) LastProgress() time.Time {
	if ns := e.lastProgress.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (e *Engine) progress() { e.lastProgress.Store(e.now().UnixNano()) }

// Run consumes the queue with Workers goroutines until the queue is closed
// and drained or ctx is done. In-flight intents keep running for up to
// DrainTimeout after ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.progress()
	log.Info().Int("workers", e.config.Workers).Bool("dry_run", e.config.DryRun).Msg("execution: started")

	var wg sync.WaitGroup
	for i := 0; i < e.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx)
		}()
	}
	wg.Wait()

	log.Info().Int64("executed", e.executed.Load()).Msg("execution: stopped")
	return ctx.Err()
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-e.deps.Queue.Intents():
			if !ok {
				return
			}
			e.runOne(ctx, in)
		}
	}
}

func (e *Engine) runOne(parent context.Context, in *domain.TradeIntent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.config.ExecTimeout)
	defer cancel()
	stop := context.AfterFunc(parent, func() {
		t := time.AfterFunc(e.config.DrainTimeout, cancel)
		context.AfterFunc(ctx, func() { t.Stop() })
	})
	defer stop()

	e.Execute(ctx, in)
	e.progress()
}

// plan is everything fixed before the first quote.
type plan struct {
	run         *domain.SnipeRun
	settings    *domain.UserSettings
	input       solana.Pubkey
	output      solana.Pubkey
	amountIn    uint64
	decimals    uint8
	positionID  string
	slippageBps int
	maxSlippage int
	submitter   Submitter
	owner       solana.Pubkey
	submitted   bool
}

// attemptRecord is one submitted transaction.
type attemptRecord struct {
	sig solana.Signature
	cp  domain.SubmitCheckpoint
}

// errPending marks an intent whose transaction may still land.
var errPending = errors.New("execution: outcome pending")

// Execute runs one intent to a terminal state (or leaves it EXECUTING for
// the reconciler when the chain outcome is unknown) and returns the
// result that was published.
func (e *Engine) Execute(ctx context.Context, in *domain.TradeIntent) domain.TradeResult {
	start := e.now()
	e.executed.Add(1)
	res := domain.TradeResult{IntentID: in.IntentID, UserID: in.UserID, Token: in.Token, Side: in.Side}

	run, err := e.deps.Store.TransitionSnipeRun(ctx, in.SnipeID, domain.EventExecute, "", nil)
	if err != nil {
		// The run was settled elsewhere, e.g. reconciled as abandoned.
		log.Warn().Err(err).
			Str("intent_id", in.IntentID).
			Str("snipe_id", in.SnipeID).
			Msg("execution: intent no longer executable")
		res.Reason = "stale_intent"
		return res
	}
	e.owned.Store(in.SnipeID, struct{}{})
	defer e.owned.Delete(in.SnipeID)

	p, err := e.plan(ctx, run, in)
	var rec *attemptRecord
	if err == nil {
		err = e.deps.Custody.WithSigner(ctx, in.UserID, func(s *wallet.Signer) error {
			p.owner = s.PublicKey()
			var serr error
			rec, serr = e.swap(ctx, s, in, p)
			return serr
		})
	}

	if err != nil {
		if p != nil && p.submitted && domain.IsKind(err, domain.KindSignatureUnknown) {
			e.pending.Add(1)
			log.Warn().Err(err).
				Str("intent_id", in.IntentID).
				Str("snipe_id", in.SnipeID).
				Msg("execution: outcome unknown, left for reconciliation")
			res.Reason = errPending.Error()
			return res
		}
		return e.fail(ctx, run, in, p, err, start)
	}
	return e.complete(ctx, run, p, rec, start)
}

func (e *Engine) plan(ctx context.Context, run *domain.SnipeRun, in *domain.TradeIntent) (*plan, error) {
	const op = "execution: plan"

	settings, err := e.deps.Store.GetSettings(ctx, in.UserID)
	if errors.Is(err, store.ErrNotFound) {
		settings, err = e.deps.Defaults(in.UserID), nil
	}
	if err != nil {
		return nil, domain.E(domain.KindPersistence, op, err)
	}

	p := &plan{run: run, settings: settings}
	p.slippageBps = settings.SlippageBps
	if p.slippageBps <= 0 {
		p.slippageBps = e.config.DefaultSlippageBps
	}
	p.maxSlippage = e.config.MaxSlippageBps
	if settings.MaxSlippageBps > 0 && settings.MaxSlippageBps < p.maxSlippage {
		p.maxSlippage = settings.MaxSlippageBps
	}
	p.slippageBps = min(p.slippageBps, p.maxSlippage)

	token := solana.Pubkey(in.Token)
	switch in.Side {
	case domain.SideBuy:
		p.input, p.output = solana.SOLMint, token
		p.amountIn, err = solana.SOLToLamports(in.AmountSOL)
		if err != nil {
			return p, domain.E(domain.KindPolicyViolation, op, err)
		}
		if p.amountIn == 0 {
			return p, domain.Errorf(domain.KindPolicyViolation, op, "zero buy amount")
		}
		p.decimals, err = e.tokenDecimals(ctx, token)
		if err != nil {
			return p, err
		}
	case domain.SideSell:
		pos, err := e.sellPosition(ctx, in)
		if err != nil {
			return p, err
		}
		p.input, p.output = token, solana.SOLMint
		p.positionID = pos.PositionID
		p.decimals = pos.Decimals
		p.amountIn = in.AmountRaw
		if in.SellAll || p.amountIn == 0 || p.amountIn > pos.RemainingAmountRaw {
			p.amountIn = pos.RemainingAmountRaw
		}
	default:
		return p, domain.Errorf(domain.KindPolicyViolation, op, "unknown side %q", in.Side)
	}

	switch {
	case e.config.DryRun:
		p.submitter = e.deps.Paper
	case settings.UseJito && e.deps.Protected != nil:
		p.submitter = e.deps.Protected
	default:
		p.submitter = e.deps.Direct
	}
	if p.submitter == nil {
		return p, domain.Errorf(domain.KindFatalConfig, op, "no submitter configured")
	}
	return p, nil
}

func (e *Engine) sellPosition(ctx context.Context, in *domain.TradeIntent) (*domain.Position, error) {
	const op = "execution: sell position"
	var pos *domain.Position
	var err error
	if in.PositionID != "" {
		pos, err = e.deps.Store.GetPosition(ctx, in.PositionID)
	} else {
		pos, err = e.deps.Store.GetOpenPosition(ctx, in.UserID, in.Token)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.Errorf(domain.KindPolicyViolation, op, "no open position in %s", in.Token)
	}
	if err != nil {
		return nil, domain.E(domain.KindPersistence, op, err)
	}
	if !pos.IsOpen || pos.RemainingAmountRaw == 0 {
		return nil, domain.E(domain.KindPolicyViolation, op, store.ErrPositionClosed)
	}
	return pos, nil
}

func (e *Engine) tokenDecimals(ctx context.Context, mint solana.Pubkey) (uint8, error) {
	e.decMu.RLock()
	d, ok := e.decimals[mint]
	e.decMu.RUnlock()
	if ok {
		return d, nil
	}
	info, err := e.chain.GetTokenInfo(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("execution: token info %s: %w", mint, err)
	}
	e.decMu.Lock()
	e.decimals[mint] = info.Decimals
	e.decMu.Unlock()
	return info.Decimals, nil
}

// swap quotes, signs and submits until the swap lands or fails for good.
// Transient failures are retried up to MaxAttempts; a slippage failure is
// retried once at doubled slippage.
func (e *Engine) swap(ctx context.Context, signer *wallet.Signer, in *domain.TradeIntent, p *plan) (*attemptRecord, error) {
	var prior []attemptRecord
	slippage := p.slippageBps
	widened := false
	transient := 0

	for n := 1; ; n++ {
		if rec, ok := e.landed(ctx, prior); ok {
			log.Info().Str("intent_id", in.IntentID).Str("signature", string(rec.sig)).
				Msg("execution: earlier attempt landed")
			return rec, nil
		}

		rec, err := e.attempt(ctx, signer, in, p, slippage, n)
		if rec != nil {
			prior = append(prior, *rec)
		}
		if err == nil {
			return rec, nil
		}

		switch {
		case domain.IsKind(err, domain.KindSlippageExceeded) && !widened:
			widened = true
			next := min(slippage*2, p.maxSlippage)
			if next <= slippage {
				return nil, err
			}
			e.widened.Add(1)
			log.Info().Str("intent_id", in.IntentID).Int("from_bps", slippage).Int("to_bps", next).
				Msg("execution: slippage exceeded, widening")
			slippage = next

		case retryable(err):
			transient++
			if transient >= e.config.MaxAttempts {
				return e.lastChance(ctx, prior, err)
			}
			e.retries.Add(1)
			wait := e.backoff(transient)
			log.Warn().Err(err).Str("intent_id", in.IntentID).Int("attempt", n).Dur("backoff", wait).
				Msg("execution: transient failure, retrying")
			if serr := e.sleep(ctx, wait); serr != nil {
				return e.lastChance(ctx, prior, err)
			}

		default:
			return e.lastChance(ctx, prior, err)
		}
	}
}

// lastChance reports an earlier landed attempt instead of err.
func (e *Engine) lastChance(ctx context.Context, prior []attemptRecord, err error) (*attemptRecord, error) {
	if rec, ok := e.landed(ctx, prior); ok {
		return rec, nil
	}
	return nil, err
}

func retryable(err error) bool {
	return domain.Retryable(err) || domain.IsKind(err, domain.KindQuoteStale)
}

func (e *Engine) backoff(n int) time.Duration {
	if n > 16 {
		return e.config.BackoffMax
	}
	d := e.config.BackoffBase << (n - 1)
	if d <= 0 || d > e.config.BackoffMax {
		d = e.config.BackoffMax
	}
	return d
}

// landed returns the first prior attempt the chain reports confirmed.
func (e *Engine) landed(ctx context.Context, prior []attemptRecord) (*attemptRecord, bool) {
	if len(prior) == 0 {
		return nil, false
	}
	sigs := make([]solana.Signature, len(prior))
	for i, r := range prior {
		sigs[i] = r.sig
	}
	st, err := e.chain.GetSignatureStatuses(ctx, sigs)
	if err != nil {
		return nil, false
	}
	for i := range st {
		if i < len(prior) && st[i].Confirmed() {
			rec := prior[i]
			return &rec, true
		}
	}
	return nil, false
}

func (e *Engine) attempt(ctx context.Context, signer *wallet.Signer, in *domain.TradeIntent, p *plan, slippage, n int) (*attemptRecord, error) {
	const op = "execution: attempt"

	quote, err := e.deps.Swaps.Quote(ctx, jupiter.QuoteParams{
		InputMint:         p.input,
		OutputMint:        p.output,
		Amount:            p.amountIn,
		SlippageBps:       slippage,
		MaxAccounts:       e.config.MaxAccounts,
		UseSharedAccounts: true,
	})
	if err != nil {
		return nil, err
	}
	if quote.PriceImpactPct > e.config.MaxPriceImpact {
		return nil, domain.Errorf(domain.KindHighImpact, op, "price impact %.2f%% above %.2f%%",
			quote.PriceImpactPct*100, e.config.MaxPriceImpact*100)
	}
	if quote.OutAmount == 0 {
		return nil, domain.Errorf(domain.KindUnsafeToken, op, "empty route for %s", in.Token)
	}

	var cuPrice uint64
	if e.deps.Fees != nil {
		cuPrice = e.deps.Fees.ComputeUnitPrice(solana.CongestionNormal)
	}
	swapTx, err := e.deps.Swaps.SwapTx(ctx, quote, jupiter.SwapOptions{
		UserPublicKey:                 signer.PublicKey(),
		ComputeUnitPriceMicroLamports: cuPrice,
	})
	if err != nil {
		return nil, err
	}
	signed, sig, err := signer.SignEncoded(swapTx.Transaction)
	if err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}

	cp := domain.SubmitCheckpoint{
		Signature:      string(sig),
		IntentID:       in.IntentID,
		Transport:      p.submitter.Name(),
		Attempt:        n,
		InAmountRaw:    quote.InAmount,
		OutAmountRaw:   quote.OutAmount,
		Decimals:       p.decimals,
		SlippageBps:    slippage,
		PriceImpactPct: quote.PriceImpactPct,
		PositionID:     p.positionID,
		Reason:         in.Reason,
		SubmittedAt:    e.now(),
	}
	if in.Side == domain.SideBuy {
		cp.AmountSOL = solana.LamportsToSOL(quote.InAmount)
		cp.StopLossPct = p.settings.StopLossPct
		cp.TakeProfitPct = p.settings.TakeProfitPct
		cp.TrailingPct = p.settings.TrailingPct
		if c := in.Candidate; c != nil {
			cp.Meta = domain.PositionMeta{Subscores: c.Subscores, Sources: c.Sources, Leaders: c.Leaders, Unified: c.UnifiedScore}
		}
	} else {
		cp.AmountSOL = solana.LamportsToSOL(quote.OutAmount)
	}
	if err := e.deps.Store.CheckpointSubmission(ctx, in.SnipeID, cp); err != nil {
		return nil, domain.E(domain.KindPersistence, op, err)
	}
	p.submitted = true
	rec := &attemptRecord{sig: sig, cp: cp}

	e.submits.Add(1)
	if e.deps.Metrics != nil {
		e.deps.Metrics.SubmitAttempts.Inc()
	}
	log.Info().
		Str("intent_id", in.IntentID).
		Str("signature", string(sig)).
		Str("transport", cp.Transport).
		Int("attempt", n).
		Int("slippage_bps", slippage).
		Uint64("in", quote.InAmount).
		Uint64("out", quote.OutAmount).
		Msg("execution: submitting")

	return rec, p.submitter.Submit(ctx, signer, signed, sig)
}

func (e *Engine) complete(ctx context.Context, run *domain.SnipeRun, p *plan, rec *attemptRecord, start time.Time) domain.TradeResult {
	res := domain.TradeResult{IntentID: rec.cp.IntentID, UserID: run.UserID, Token: run.Token, Side: run.Side}
	landed := readLanded(ctx, e.chain, rec.sig, p.owner, solana.Pubkey(run.Token), run.Side)
	fill := buildFill(run, &rec.cp, landed)

	fr, err := e.deps.Store.RecordFill(ctx, fill)
	if err != nil {
		// Landed but unrecorded: the run stays EXECUTING with its
		// checkpoint and the reconciler records it.
		e.pending.Add(1)
		log.Error().Err(err).
			Str("intent_id", res.IntentID).
			Str("signature", string(rec.sig)).
			Msg("execution: record fill failed, left for reconciliation")
		res.Reason = errPending.Error()
		return res
	}

	res.Success = true
	res.Signature = string(rec.sig)
	e.succeeded.Add(1)
	if e.deps.Metrics != nil {
		e.deps.Metrics.TradeResult(true, e.now().Sub(start))
	}
	if fr.Superseded {
		e.deps.Metrics.FillSuperseded()
		log.Warn().
			Str("intent_id", res.IntentID).
			Str("signature", res.Signature).
			Msg("execution: swap landed after it was recorded as failed")
	}
	log.Info().
		Str("intent_id", res.IntentID).
		Int64("user_id", res.UserID).
		Str("token", res.Token).
		Str("side", string(res.Side)).
		Str("signature", res.Signature).
		Bool("inserted", fr.Inserted).
		Dur("latency", e.now().Sub(start)).
		Msg("execution: intent completed")

	if fr.Inserted {
		publish(e.deps.Observers, e.deps.Metrics, res, &fill.Trade, fr)
	}
	return res
}

func (e *Engine) fail(ctx context.Context, run *domain.SnipeRun, in *domain.TradeIntent, p *plan, cause error, start time.Time) domain.TradeResult {
	reason := domain.KindOf(cause).String()
	res := domain.TradeResult{IntentID: in.IntentID, UserID: in.UserID, Token: in.Token, Side: in.Side, Reason: reason}

	trade := &domain.Trade{
		IntentID:  in.IntentID,
		UserID:    in.UserID,
		Type:      in.Side,
		Context:   run.Context,
		Token:     in.Token,
		AmountSOL: in.AmountSOL,
		AmountRaw: in.AmountRaw,
		Error:     cause.Error(),
	}
	if p != nil && p.submitter != nil {
		trade.Transport = p.submitter.Name()
	}
	if err := e.deps.Store.RecordFailure(ctx, trade, in.SnipeID, reason); err != nil {
		log.Error().Err(err).Str("intent_id", in.IntentID).Msg("execution: record failure failed")
	}

	e.failed.Add(1)
	if e.deps.Metrics != nil {
		e.deps.Metrics.TradeResult(false, e.now().Sub(start))
	}
	log.Warn().Err(cause).
		Str("intent_id", in.IntentID).
		Int64("user_id", in.UserID).
		Str("token", in.Token).
		Str("side", string(in.Side)).
		Str("reason", reason).
		Msg("execution: intent failed")

	publish(e.deps.Observers, e.deps.Metrics, res, trade, nil)
	return res
}

func publish(observers []Observer, m *observability.Metrics, res domain.TradeResult, trade *domain.Trade, fr *store.FillResult) {
	if fr != nil {
		m.PositionFill(fr.Opened, fr.Closed)
	}
	for _, o := range observers {
		o.OnTradeResult(res, trade)
	}
	if fr == nil || !fr.Closed || fr.Position == nil {
		return
	}
	ev := closeEvent(fr.Position)
	for _, o := range observers {
		o.OnPositionClose(ev, fr.Position)
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is a snapshot of engine counters.
type Stats struct {
	Executed  int64 `json:"executed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Pending   int64 `json:"pending"`
	Submits   int64 `json:"submits"`
	Retries   int64 `json:"retries"`
	Widened   int64 `json:"widened"`
	Queued    int   `json:"queued"`
}

func (e *Engine) Stats() Stats {
	s := Stats{
		Executed:  e.executed.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Pending:   e.pending.Load(),
		Submits:   e.submits.Load(),
		Retries:   e.retries.Load(),
		Widened:   e.widened.Load(),
	}
	if e.deps.Queue != nil {
		s.Queued = e.deps.Queue.Len()
	}
	return s
}
