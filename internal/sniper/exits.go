package sniper

import (
	"fmt"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Exit rules - stop loss, take profit (full or partial), trailing stop
// ---------------------------------------------------------------------------

// Exit reasons beyond the price triggers in domain.
const (
	ReasonMaxHold    = "TIMED_EXIT"
	ReasonSafetyExit = "SAFETY_EXIT"
)

// ExitRules are the per-user knobs that are not stored on the position.
type ExitRules struct {
	// Share of the remaining amount sold at take profit. 0 or >= 1 sells all.
	TakeProfitFraction float64

	// Close positions held longer than this. 0 disables.
	MaxHold time.Duration
}

// ExitDecision is what Evaluate wants done with a position.
type ExitDecision struct {
	ShouldSell bool
	Reason     string
	SellAll    bool
	AmountRaw  uint64 // set when !SellAll
	Detail     string
}

// Evaluate checks the exit triggers of pos at price, in order: stop loss,
// take profit, trailing stop, max hold. It keeps no state; hwm is the
// highest price seen including this one. Percentages on the position are
// in percent (20 = 20%).
func Evaluate(pos *domain.Position, price, hwm decimal.Decimal, rules ExitRules, now time.Time) ExitDecision {
	if !pos.IsOpen || pos.RemainingAmountRaw == 0 || !pos.EntryPrice.IsPositive() || !price.IsPositive() {
		return ExitDecision{}
	}
	entry := pos.EntryPrice

	if pos.StopLossPct > 0 {
		sl := entry.Mul(pctFactor(-pos.StopLossPct))
		if price.LessThanOrEqual(sl) {
			return fullExit(domain.ReasonStopLoss, "price %s <= stop %s", price, sl)
		}
	}

	if pos.TakeProfitPct > 0 && !pos.PartialTaken {
		tp := entry.Mul(pctFactor(pos.TakeProfitPct))
		if price.GreaterThanOrEqual(tp) {
			d := fullExit(domain.ReasonTakeProfit, "price %s >= target %s", price, tp)
			if f := rules.TakeProfitFraction; f > 0 && f < 1 {
				part := decimal.NewFromUint64(pos.RemainingAmountRaw).Mul(decimal.NewFromFloat(f)).Floor()
				if amt := part.BigInt().Uint64(); amt > 0 && amt < pos.RemainingAmountRaw {
					d.SellAll = false
					d.AmountRaw = amt
				}
			}
			return d
		}
	}

	if pos.TrailingPct > 0 {
		armAt := entry.Mul(pctFactor(pos.TrailingPct))
		if hwm.GreaterThan(armAt) {
			stop := hwm.Mul(pctFactor(-pos.TrailingPct))
			if price.LessThanOrEqual(stop) {
				return fullExit(domain.ReasonTrailingStop, "price %s <= trail %s (hwm %s)", price, stop, hwm)
			}
		}
	}

	if rules.MaxHold > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) >= rules.MaxHold {
		return fullExit(ReasonMaxHold, "held %s", now.Sub(pos.OpenedAt).Truncate(time.Second))
	}
	return ExitDecision{}
}

// HighWaterMark folds price into the stored mark.
func HighWaterMark(stored, price decimal.Decimal) decimal.Decimal {
	if price.GreaterThan(stored) {
		return price
	}
	return stored
}

func fullExit(reason, format string, args ...any) ExitDecision {
	return ExitDecision{ShouldSell: true, Reason: reason, SellAll: true, Detail: fmt.Sprintf(format, args...)}
}

// pctFactor is 1 + pct/100.
func pctFactor(pct float64) decimal.Decimal {
	return decimal.NewFromInt(1).Add(decimal.NewFromFloat(pct).Div(decimal.NewFromInt(100)))
}
