// Package safety scores tokens before any buy: authority flags, liquidity
// depth, holder concentration and a simulated sell.
package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/adapters/jupiter"
	"github.com/nexus-trading/autosnipe/internal/cache"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// ---------------------------------------------------------------------------
// Safety Evaluator - per-token static analysis, score 0-100
// ---------------------------------------------------------------------------

// Score weights. They sum to 100.
const (
	pointsMintRenounced   = 20
	pointsFreezeRenounced = 20
	pointsLiquidity       = 30
	pointsHolders         = 20
	pointsSellSim         = 10
)

// DefaultFloor is the minimum score a token needs to be bought.
const DefaultFloor = 60

// WarningOK is the single warning of a token that passed every check.
const WarningOK = "ok"

// Config configures the evaluator.
type Config struct {
	// Liquidity at or above this earns full liquidity points.
	MinLiquidityUSD float64 `yaml:"min_liquidity_usd"`

	// Top-10 holders above this share (%) earn no holder points.
	MaxTop10HolderPct float64 `yaml:"max_top10_holder_pct"`

	// Number of top holders to sum.
	TopHolders int `yaml:"top_holders"`

	// Round-trip loss above this fraction is treated as a honeypot.
	HoneypotLossFraction float64 `yaml:"honeypot_loss_fraction"`

	// SOL amount used for the simulated round trip, in lamports.
	SellSimLamports uint64 `yaml:"sell_sim_lamports"`

	// Upper bound of the simulated sell.
	SellSimTimeout time.Duration `yaml:"sell_sim_timeout"`

	// Upper bound of the RPC checks.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	// How long a report is reused for the same mint.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinLiquidityUSD:      10_000,
		MaxTop10HolderPct:    50,
		TopHolders:           10,
		HoneypotLossFraction: 0.5,
		SellSimLamports:      jupiter.ReferenceLamports,
		SellSimTimeout:       2 * time.Second,
		RPCTimeout:           5 * time.Second,
		CacheTTL:             60 * time.Second,
	}
}

// Flag is one finding of an evaluation.
type Flag struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Severity    string `json:"severity"` // critical|warning|positive
	Points      int    `json:"points"`
}

// Report is the result of evaluating one mint.
type Report struct {
	Mint            solana.Pubkey   `json:"mint"`
	Score           int             `json:"score"` // 0-100
	Warnings        []string        `json:"warnings"`
	Flags           []Flag          `json:"flags"`
	MintRenounced   bool            `json:"mint_renounced"`
	FreezeRenounced bool            `json:"freeze_renounced"`
	LiquidityUSD    decimal.Decimal `json:"liquidity_usd"`
	LiquidityKnown  bool            `json:"liquidity_known"`
	Top10Pct        float64         `json:"top10_pct"`
	SellLoss        float64         `json:"sell_loss"`
	Honeypot        bool            `json:"honeypot"`
	KnownScam       bool            `json:"known_scam"`
	EvaluatedAt     time.Time       `json:"evaluated_at"`
	LatencyMs       int64           `json:"latency_ms"`
}

// Passes reports whether the score clears floor.
func (r *Report) Passes(floor int) bool {
	return r.Score >= floor
}

func (r *Report) add(f Flag) {
	r.Flags = append(r.Flags, f)
	r.Score += f.Points
	if f.Severity != "positive" {
		r.Warnings = append(r.Warnings, strings.ToLower(f.Code))
	}
}

type cached struct {
	report Report
	at     time.Time
}

// Evaluator computes safety reports. Safe for concurrent use.
type Evaluator struct {
	config Config
	rpc    solana.RPCClient
	agg    jupiter.Aggregator
	liq    LiquiditySource
	scams  cache.ScamList

	mu    sync.Mutex
	cache map[solana.Pubkey]cached
	group singleflight.Group
	now   func() time.Time

	evaluations atomic.Int64
	cacheHits   atomic.Int64
	vetoes      atomic.Int64
	honeypots   atomic.Int64
}

// NewEvaluator creates an evaluator. liq and scams may be nil.
func NewEvaluator(config Config, rpc solana.RPCClient, agg jupiter.Aggregator, liq LiquiditySource, scams cache.ScamList) *Evaluator {
	def := DefaultConfig()
	if config.TopHolders <= 0 {
		config.TopHolders = def.TopHolders
	}
	if config.SellSimTimeout <= 0 {
		config.SellSimTimeout = def.SellSimTimeout
	}
	if config.RPCTimeout <= 0 {
		config.RPCTimeout = def.RPCTimeout
	}
	if config.SellSimLamports == 0 {
		config.SellSimLamports = def.SellSimLamports
	}
	if config.HoneypotLossFraction <= 0 {
		config.HoneypotLossFraction = def.HoneypotLossFraction
	}
	if scams == nil {
		scams = cache.NewMemoryScamList()
	}
	return &Evaluator{
		config: config,
		rpc:    rpc,
		agg:    agg,
		liq:    liq,
		scams:  scams,
		cache:  make(map[solana.Pubkey]cached),
		now:    time.Now,
	}
}

// SetClock overrides the clock used for report caching.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// Evaluate returns the safety report for mint. Concurrent calls for the same
// mint share one evaluation and results are reused for CacheTTL. Check
// failures lower the score but never return an error; only a cancelled ctx
// does.
func (e *Evaluator) Evaluate(ctx context.Context, mint solana.Pubkey) (Report, error) {
	if r, ok := e.lookup(mint); ok {
		e.cacheHits.Add(1)
		return r, nil
	}

	v, err, _ := e.group.Do(string(mint), func() (any, error) {
		if r, ok := e.lookup(mint); ok {
			return r, nil
		}
		r, err := e.evaluate(ctx, mint)
		if err != nil {
			return Report{}, err
		}
		e.mu.Lock()
		e.cache[mint] = cached{report: r, at: e.now()}
		e.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

// Invalidate drops the cached report of mint.
func (e *Evaluator) Invalidate(mint solana.Pubkey) {
	e.mu.Lock()
	delete(e.cache, mint)
	e.mu.Unlock()
}

// Sweep removes expired reports and returns how many were dropped.
func (e *Evaluator) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	n := 0
	for m, c := range e.cache {
		if now.Sub(c.at) >= e.config.CacheTTL {
			delete(e.cache, m)
			n++
		}
	}
	return n
}

func (e *Evaluator) lookup(mint solana.Pubkey) (Report, bool) {
	if e.config.CacheTTL <= 0 {
		return Report{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cache[mint]
	if !ok || e.now().Sub(c.at) >= e.config.CacheTTL {
		return Report{}, false
	}
	return c.report, true
}

func (e *Evaluator) evaluate(ctx context.Context, mint solana.Pubkey) (Report, error) {
	start := time.Now()
	e.evaluations.Add(1)
	r := Report{Mint: mint, EvaluatedAt: e.now()}

	scam, err := e.scams.IsScam(ctx, string(mint))
	if err != nil {
		log.Warn().Err(err).Str("mint", string(mint)).Msg("safety: scam list lookup failed")
	}
	if scam {
		r.KnownScam = true
		r.add(Flag{Code: "KNOWN_SCAM", Description: "Mint is on the scam list", Severity: "critical"})
		return e.finish(r, start), nil
	}

	rpcCtx, cancel := context.WithTimeout(ctx, e.config.RPCTimeout)
	e.checkAuthorities(rpcCtx, &r)
	e.checkLiquidity(rpcCtx, &r)
	e.checkHolders(rpcCtx, &r)
	cancel()

	e.checkSellSim(ctx, &r)
	if err := ctx.Err(); err != nil {
		return Report{}, domain.E(domain.KindTransientNetwork, "safety.evaluate", err)
	}

	if r.Honeypot {
		e.honeypots.Add(1)
		if err := e.scams.AddScam(ctx, string(mint)); err != nil {
			log.Warn().Err(err).Str("mint", string(mint)).Msg("safety: scam list add failed")
		}
	}
	return e.finish(r, start), nil
}

func (e *Evaluator) finish(r Report, start time.Time) Report {
	if r.KnownScam || r.Honeypot || r.Score < 0 {
		r.Score = 0
	}
	if r.Score > 100 {
		r.Score = 100
	}
	if len(r.Warnings) == 0 {
		r.Warnings = []string{WarningOK}
	}
	if r.Score < DefaultFloor {
		e.vetoes.Add(1)
	}
	r.LatencyMs = time.Since(start).Milliseconds()

	log.Info().
		Str("mint", string(r.Mint)).
		Int("score", r.Score).
		Strs("warnings", r.Warnings).
		Int64("latency_ms", r.LatencyMs).
		Msg("safety: evaluation complete")
	return r
}

// checkAuthorities scores the mint and freeze authorities.
func (e *Evaluator) checkAuthorities(ctx context.Context, r *Report) {
	info, err := e.rpc.GetTokenInfo(ctx, r.Mint)
	if err != nil {
		r.add(Flag{
			Code:        "NO_TOKEN_INFO",
			Description: fmt.Sprintf("Could not fetch mint account: %v", err),
			Severity:    "warning",
		})
		return
	}

	r.MintRenounced = info.IsMintRenounced()
	if r.MintRenounced {
		r.add(Flag{Code: "MINT_RENOUNCED", Description: "Mint authority is revoked", Severity: "positive", Points: pointsMintRenounced})
	} else {
		r.add(Flag{Code: "MINT_AUTHORITY_ACTIVE", Description: "Creator can mint more tokens", Severity: "warning"})
	}

	r.FreezeRenounced = info.IsFreezeRenounced()
	if r.FreezeRenounced {
		r.add(Flag{Code: "FREEZE_RENOUNCED", Description: "Freeze authority is revoked", Severity: "positive", Points: pointsFreezeRenounced})
	} else {
		r.add(Flag{Code: "FREEZE_AUTHORITY_ACTIVE", Description: "Creator can freeze holder accounts", Severity: "critical"})
	}
}

// checkLiquidity awards full points at the floor and scales linearly below it.
func (e *Evaluator) checkLiquidity(ctx context.Context, r *Report) {
	if e.liq == nil {
		r.add(Flag{Code: "LIQUIDITY_UNKNOWN", Description: "No liquidity source configured", Severity: "warning"})
		return
	}
	liq, ok, err := e.liq.LiquidityUSD(ctx, r.Mint)
	if err != nil || !ok {
		desc := "No pool found"
		if err != nil {
			desc = fmt.Sprintf("Liquidity lookup failed: %v", err)
		}
		r.add(Flag{Code: "LIQUIDITY_UNKNOWN", Description: desc, Severity: "warning"})
		return
	}
	r.LiquidityUSD = liq
	r.LiquidityKnown = true

	points := LiquidityPoints(liq, e.config.MinLiquidityUSD)
	if points == pointsLiquidity {
		r.add(Flag{Code: "LIQUIDITY_OK", Description: fmt.Sprintf("Liquidity $%s", liq.StringFixed(0)), Severity: "positive", Points: points})
		return
	}
	r.add(Flag{
		Code:        "LOW_LIQUIDITY",
		Description: fmt.Sprintf("Liquidity $%s under floor $%.0f", liq.StringFixed(0), e.config.MinLiquidityUSD),
		Severity:    "warning",
		Points:      points,
	})
}

// LiquidityPoints scales liquidity points linearly up to floor.
func LiquidityPoints(liq decimal.Decimal, floor float64) int {
	if floor <= 0 || liq.GreaterThanOrEqual(decimal.NewFromFloat(floor)) {
		return pointsLiquidity
	}
	if !liq.IsPositive() {
		return 0
	}
	return int(liq.Mul(decimal.NewFromInt(pointsLiquidity)).Div(decimal.NewFromFloat(floor)).IntPart())
}

// checkHolders scores top-N holder concentration.
func (e *Evaluator) checkHolders(ctx context.Context, r *Report) {
	holders, err := e.rpc.GetTopHolders(ctx, r.Mint, e.config.TopHolders)
	if err != nil {
		r.add(Flag{Code: "HOLDER_CHECK_FAILED", Description: "Could not fetch holder data", Severity: "warning"})
		return
	}
	for i, h := range holders {
		if i >= e.config.TopHolders {
			break
		}
		r.Top10Pct += h.Percentage
	}
	if r.Top10Pct <= e.config.MaxTop10HolderPct {
		r.add(Flag{Code: "HOLDERS_DISTRIBUTED", Description: fmt.Sprintf("Top holders own %.1f%%", r.Top10Pct), Severity: "positive", Points: pointsHolders})
		return
	}
	r.add(Flag{
		Code:        "HOLDER_CONCENTRATION",
		Description: fmt.Sprintf("Top holders own %.1f%% (max %.0f%%)", r.Top10Pct, e.config.MaxTop10HolderPct),
		Severity:    "warning",
	})
}

// checkSellSim quotes a buy and the immediate sell back. A missing sell
// route or a loss above HoneypotLossFraction marks a honeypot. Timeouts and
// transport errors only withhold the points.
func (e *Evaluator) checkSellSim(ctx context.Context, r *Report) {
	if e.agg == nil {
		r.add(Flag{Code: "SELL_SIM_UNAVAILABLE", Description: "No aggregator configured", Severity: "warning"})
		return
	}
	simCtx, cancel := context.WithTimeout(ctx, e.config.SellSimTimeout)
	defer cancel()

	rt, err := jupiter.SimulateRoundTrip(simCtx, e.agg, r.Mint, e.config.SellSimLamports)
	switch {
	case err == nil:
	case errors.Is(err, jupiter.ErrNoSellRoute):
		r.Honeypot = true
		r.add(Flag{Code: "HONEYPOT", Description: "Token can be bought but not sold", Severity: "critical"})
		return
	default:
		if errors.Is(simCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", e.config.SellSimTimeout)
		}
		r.add(Flag{Code: "SELL_SIM_FAILED", Description: fmt.Sprintf("Simulated sell failed: %v", err), Severity: "warning"})
		return
	}

	r.SellLoss = rt.LossFraction()
	if r.SellLoss > e.config.HoneypotLossFraction {
		r.Honeypot = true
		r.add(Flag{
			Code:        "HONEYPOT",
			Description: fmt.Sprintf("Round trip loses %.0f%%", r.SellLoss*100),
			Severity:    "critical",
		})
		return
	}
	r.add(Flag{Code: "SELL_SIM_OK", Description: fmt.Sprintf("Round trip loses %.1f%%", r.SellLoss*100), Severity: "positive", Points: pointsSellSim})
}

// Stats is a snapshot of evaluator counters.
type Stats struct {
	Evaluations int64 `json:"evaluations"`
	CacheHits   int64 `json:"cache_hits"`
	Vetoes      int64 `json:"vetoes"`
	Honeypots   int64 `json:"honeypots"`
	Cached      int   `json:"cached"`
}

// Stats returns evaluator counters.
func (e *Evaluator) Stats() Stats {
	e.mu.Lock()
	n := len(e.cache)
	e.mu.Unlock()
	return Stats{
		Evaluations: e.evaluations.Load(),
		CacheHits:   e.cacheHits.Load(),
		Vetoes:      e.vetoes.Load(),
		Honeypots:   e.honeypots.Load(),
		Cached:      n,
	}
}
