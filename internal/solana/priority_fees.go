package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Priority Fees - fixed budget or p75 of recent slots
// normal = p75, high demand = 2x p75, ceiling = MaxComputeUnitPrice
// ---------------------------------------------------------------------------

const (
	// DefaultComputeUnits is the compute budget assumed when converting a
	// lamport fee budget into a per-CU price.
	DefaultComputeUnits = 200_000

	// MaxComputeUnitPrice caps the bid (micro-lamports per CU). At the
	// default budget this is 0.05 SOL.
	MaxComputeUnitPrice = 250_000_000

	// DefaultComputeUnitPrice is the fallback when no data is available.
	DefaultComputeUnitPrice = 50_000

	// FeeRefreshInterval is how often we refresh priority fee estimates.
	FeeRefreshInterval = 15 * time.Second
)

// Fee modes.
const (
	FeeModeFixed   = "fixed"
	FeeModeDynamic = "dynamic"
)

// CongestionLevel describes current network congestion.
type CongestionLevel int

const (
	CongestionNormal CongestionLevel = iota
	CongestionHigh                   // competitive bidding
)

// FeeSource returns recent per-slot prioritization fees in micro-lamports
// per compute unit.
type FeeSource interface {
	RecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

// PriorityFeeConfig selects how the swap's compute unit price is set.
type PriorityFeeConfig struct {
	Mode          string `yaml:"mode"`           // fixed | dynamic
	FixedLamports uint64 `yaml:"fixed_lamports"` // PRIORITY_FEE_LAMPORTS
	ComputeUnits  uint64 `yaml:"compute_units"`
}

// DefaultPriorityFeeConfig returns the fixed-fee default.
func DefaultPriorityFeeConfig() PriorityFeeConfig {
	return PriorityFeeConfig{
		Mode:          FeeModeFixed,
		FixedLamports: 10_000,
		ComputeUnits:  DefaultComputeUnits,
	}
}

// LamportsToComputeUnitPrice spreads a lamport budget over units compute
// units, in micro-lamports per CU.
func LamportsToComputeUnitPrice(lamports, units uint64) uint64 {
	if units == 0 {
		units = DefaultComputeUnits
	}
	return lamports * 1_000_000 / units
}

// PriorityFeeEstimator keeps percentiles of recent fees and turns them into
// a compute unit price.
type PriorityFeeEstimator struct {
	config PriorityFeeConfig
	source FeeSource

	mu        sync.RWMutex
	feeP50    uint64
	feeP75    uint64
	feeP90    uint64
	lastFetch time.Time
	samples   int

	lastRefresh atomic.Int64 // unix nanos, every attempt
}

// NewPriorityFeeEstimator creates an estimator. source may be nil in fixed
// mode.
func NewPriorityFeeEstimator(config PriorityFeeConfig, source FeeSource) *PriorityFeeEstimator {
	if config.ComputeUnits == 0 {
		config.ComputeUnits = DefaultComputeUnits
	}
	if config.Mode == "" {
		config.Mode = FeeModeFixed
	}
	return &PriorityFeeEstimator{config: config, source: source}
}

// Name identifies the worker.
func (e *PriorityFeeEstimator) Name() string { return "priority-fees" }

// Dynamic reports whether Run has anything to do.
func (e *PriorityFeeEstimator) Dynamic() bool {
	return e.config.Mode == FeeModeDynamic && e.source != nil
}

// LastProgress returns when a refresh was last attempted.
func (e *PriorityFeeEstimator) LastProgress() time.Time {
	if ns := e.lastRefresh.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Run refreshes estimates every FeeRefreshInterval until ctx is done. It is a
// no-op loop in fixed mode.
func (e *PriorityFeeEstimator) Run(ctx context.Context) error {
	if !e.Dynamic() {
		<-ctx.Done()
		return nil
	}

	e.refresh(ctx)

	ticker := time.NewTicker(FeeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.refresh(ctx)
		}
	}
}

// ComputeUnitPrice returns computeUnitPriceMicroLamports for a swap.
func (e *PriorityFeeEstimator) ComputeUnitPrice(congestion CongestionLevel) uint64 {
	if e.config.Mode != FeeModeDynamic {
		return LamportsToComputeUnitPrice(e.config.FixedLamports, e.config.ComputeUnits)
	}

	e.mu.RLock()
	p75 := e.feeP75
	e.mu.RUnlock()

	if p75 == 0 {
		return DefaultComputeUnitPrice
	}

	fee := p75
	if congestion == CongestionHigh {
		fee = p75 * 2
	}
	if fee > MaxComputeUnitPrice {
		fee = MaxComputeUnitPrice
	}
	return fee
}

// FeeStats returns current fee estimation stats.
type FeeStats struct {
	Mode      string    `json:"mode"`
	P50       uint64    `json:"p50_micro_lamports"`
	P75       uint64    `json:"p75_micro_lamports"`
	P90       uint64    `json:"p90_micro_lamports"`
	Samples   int       `json:"samples"`
	LastFetch time.Time `json:"last_fetch"`
}

func (e *PriorityFeeEstimator) Stats() FeeStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return FeeStats{
		Mode:      e.config.Mode,
		P50:       e.feeP50,
		P75:       e.feeP75,
		P90:       e.feeP90,
		Samples:   e.samples,
		LastFetch: e.lastFetch,
	}
}

func (e *PriorityFeeEstimator) refresh(ctx context.Context) {
	defer e.lastRefresh.Store(time.Now().UnixNano())
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fees, err := e.source.RecentPrioritizationFees(fetchCtx)
	if err != nil {
		log.Debug().Err(err).Msg("priority_fees: failed to fetch recent fees")
		return
	}

	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		if f > 0 {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	e.mu.Lock()
	e.feeP50 = percentile(values, 50)
	e.feeP75 = percentile(values, 75)
	e.feeP90 = percentile(values, 90)
	e.samples = len(values)
	e.lastFetch = time.Now()
	e.mu.Unlock()

	log.Debug().
		Uint64("p75", percentile(values, 75)).
		Int("samples", len(values)).
		Msg("priority_fees: updated estimates")
}

// percentile computes the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// RecentPrioritizationFees implements FeeSource.
func (c *LiveRPCClient) RecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	result, err := c.call(ctx, "getRecentPrioritizationFees", nil)
	if err != nil {
		return nil, fmt.Errorf("rpc: getRecentPrioritizationFees: %w", err)
	}

	var fees []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := json.Unmarshal(result, &fees); err != nil {
		return nil, fmt.Errorf("rpc: parse prioritization fees: %w", err)
	}
	out := make([]uint64, len(fees))
	for i, f := range fees {
		out[i] = f.PrioritizationFee
	}
	return out, nil
}
