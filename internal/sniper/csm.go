package sniper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/safety"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Continuous Safety Monitor (CSM)
// Re-evaluates the safety of held mints and flags those that turned bad
// after entry: revoked sell route, honeypot round trip, scam listing.
// ---------------------------------------------------------------------------

// CSMConfig configures the Continuous Safety Monitor.
type CSMConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RecheckInterval time.Duration `yaml:"recheck_interval"` // per mint (default 60s)
	PanicScore      int           `yaml:"panic_score"`      // exit below this score (default 30)
}

// DefaultCSMConfig returns defaults.
func DefaultCSMConfig() CSMConfig {
	return CSMConfig{
		Enabled:         true,
		RecheckInterval: 60 * time.Second,
		PanicScore:      30,
	}
}

// SafetyChecker evaluates a mint. *safety.Evaluator satisfies it.
type SafetyChecker interface {
	Evaluate(ctx context.Context, mint solana.Pubkey) (safety.Report, error)
}

// Alert is a safety exit the CSM wants for a mint.
type Alert struct {
	Reason string
	Detail string
}

type mintCheck struct {
	at    time.Time
	alert *Alert
}

// CSM tracks the last evaluation per held mint. Safe for concurrent use.
type CSM struct {
	config  CSMConfig
	checker SafetyChecker
	now     func() time.Time

	mu     sync.Mutex
	checks map[string]mintCheck

	evaluations atomic.Int64
	alerts      atomic.Int64
	errors      atomic.Int64
}

// NewCSM creates a monitor.
func NewCSM(config CSMConfig, checker SafetyChecker) *CSM {
	def := DefaultCSMConfig()
	if config.RecheckInterval <= 0 {
		config.RecheckInterval = def.RecheckInterval
	}
	if config.PanicScore <= 0 {
		config.PanicScore = def.PanicScore
	}
	return &CSM{
		config:  config,
		checker: checker,
		now:     time.Now,
		checks:  make(map[string]mintCheck),
	}
}

// Check returns the current alert for mint, re-evaluating it at most once
// per RecheckInterval. An alert stays raised until a later evaluation
// clears it, so a suppressed or failed exit is retried next tick. An
// evaluation error never raises an alert.
func (c *CSM) Check(ctx context.Context, mint string) (Alert, bool) {
	if !c.config.Enabled || c.checker == nil {
		return Alert{}, false
	}
	now := c.now()

	c.mu.Lock()
	prev, seen := c.checks[mint]
	c.mu.Unlock()
	if seen && now.Sub(prev.at) < c.config.RecheckInterval {
		return alertOf(prev)
	}

	c.evaluations.Add(1)
	report, err := c.checker.Evaluate(ctx, solana.Pubkey(mint))
	if err != nil {
		c.errors.Add(1)
		log.Warn().Err(err).Str("token", mint).Msg("csm: re-check failed")
		return alertOf(prev)
	}

	check := mintCheck{at: now}
	switch {
	case report.KnownScam:
		check.alert = &Alert{Reason: ReasonSafetyExit, Detail: "listed as scam"}
	case report.Honeypot:
		check.alert = &Alert{Reason: ReasonSafetyExit, Detail: fmt.Sprintf("honeypot, sell loss %.2f", report.SellLoss)}
	case report.Score < c.config.PanicScore:
		check.alert = &Alert{Reason: ReasonSafetyExit, Detail: fmt.Sprintf("safety=%d,panic=%d", report.Score, c.config.PanicScore)}
	}

	c.mu.Lock()
	c.checks[mint] = check
	c.mu.Unlock()

	if check.alert != nil && (prev.alert == nil) {
		c.alerts.Add(1)
		log.Warn().
			Str("token", mint).
			Int("score", report.Score).
			Str("detail", check.alert.Detail).
			Msg("csm: held token turned unsafe")
	}
	return alertOf(check)
}

// Retain drops state for mints no longer held.
func (c *CSM) Retain(held map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for mint := range c.checks {
		if !held[mint] {
			delete(c.checks, mint)
		}
	}
}

func alertOf(c mintCheck) (Alert, bool) {
	if c.alert == nil {
		return Alert{}, false
	}
	return *c.alert, true
}

// CSMStats is a snapshot of monitor counters.
type CSMStats struct {
	Tracked     int   `json:"tracked"`
	Evaluations int64 `json:"evaluations"`
	Alerts      int64 `json:"alerts"`
	Errors      int64 `json:"errors"`
}

func (c *CSM) Stats() CSMStats {
	c.mu.Lock()
	n := len(c.checks)
	c.mu.Unlock()
	return CSMStats{
		Tracked:     n,
		Evaluations: c.evaluations.Load(),
		Alerts:      c.alerts.Load(),
		Errors:      c.errors.Load(),
	}
}
