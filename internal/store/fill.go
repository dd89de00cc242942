package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/shopspring/decimal"
)

// Fill is a confirmed swap ready to be recorded. Exactly one of Entry and
// Exit is set, matching Trade.Type.
type Fill struct {
	Trade   domain.Trade
	SnipeID string
	Entry   *Entry
	Exit    *Exit
}

// Entry opens a position or merges into the open one.
type Entry struct {
	Decimals      uint8
	AmountSOL     decimal.Decimal
	AmountRaw     uint64
	StopLossPct   float64
	TakeProfitPct float64
	TrailingPct   float64
	Source        domain.TradeContext
	Meta          domain.PositionMeta
}

// Exit reduces a position by AmountRaw for ProceedsSOL.
type Exit struct {
	PositionID  string
	AmountRaw   uint64
	ProceedsSOL decimal.Decimal
	Reason      string
}

// FillResult reports what RecordFill changed.
type FillResult struct {
	Inserted    bool
	Position    *domain.Position
	Opened      bool // a BUY that started a new position
	Closed      bool
	RealizedPnL decimal.Decimal // this fill's contribution
	// Superseded is set when the signature had been recorded as a failure
	// (e.g. reconciled as not found) and the fill replaced that row.
	Superseded bool
}

// Validate checks the fill shape before any write.
func (f *Fill) Validate() error {
	if f.Trade.Signature == "" {
		return fmt.Errorf("store: fill without signature")
	}
	if !f.Trade.Success {
		return fmt.Errorf("store: fill for failed trade %s", f.Trade.Signature)
	}
	switch f.Trade.Type {
	case domain.SideBuy:
		if f.Entry == nil || f.Entry.AmountRaw == 0 {
			return fmt.Errorf("store: buy fill %s without entry", f.Trade.Signature)
		}
	case domain.SideSell:
		if f.Exit == nil || f.Exit.AmountRaw == 0 {
			return fmt.Errorf("store: sell fill %s without exit", f.Trade.Signature)
		}
	default:
		return fmt.Errorf("store: fill side %q", f.Trade.Type)
	}
	return nil
}

// MergeEntry opens a new position (open == nil) or merges e into open at
// the amount-weighted average entry price.
func MergeEntry(open *domain.Position, userID int64, token string, e *Entry, now time.Time) *domain.Position {
	tokens := domain.RawToDisplay(e.AmountRaw, e.Decimals)
	if open == nil {
		price := decimal.Zero
		if !tokens.IsZero() {
			price = e.AmountSOL.Div(tokens)
		}
		return &domain.Position{
			PositionID:            uuid.NewString(),
			UserID:                userID,
			Token:                 token,
			Decimals:              e.Decimals,
			EntryPrice:            price,
			EntryAmountSOL:        e.AmountSOL,
			EntryAmountRaw:        e.AmountRaw,
			EntryAmountTokens:     tokens,
			RemainingAmountSOL:    e.AmountSOL,
			RemainingAmountRaw:    e.AmountRaw,
			RemainingAmountTokens: tokens,
			ExitProceedsSOL:       decimal.Zero,
			RealizedPnL:           decimal.Zero,
			ExitPrice:             decimal.Zero,
			HighWaterMark:         price,
			IsOpen:                true,
			StopLossPct:           e.StopLossPct,
			TakeProfitPct:         e.TakeProfitPct,
			TrailingPct:           e.TrailingPct,
			Source:                e.Source,
			Metadata:              e.Meta,
			OpenedAt:              now,
			UpdatedAt:             now,
		}
	}

	p := *open
	p.EntryAmountSOL = p.EntryAmountSOL.Add(e.AmountSOL)
	p.EntryAmountRaw += e.AmountRaw
	p.EntryAmountTokens = domain.RawToDisplay(p.EntryAmountRaw, p.Decimals)
	p.RemainingAmountSOL = p.RemainingAmountSOL.Add(e.AmountSOL)
	p.RemainingAmountRaw += e.AmountRaw
	p.RemainingAmountTokens = domain.RawToDisplay(p.RemainingAmountRaw, p.Decimals)
	if !p.EntryAmountTokens.IsZero() {
		p.EntryPrice = p.EntryAmountSOL.Div(p.EntryAmountTokens)
	}
	if p.HighWaterMark.LessThan(p.EntryPrice) {
		p.HighWaterMark = p.EntryPrice
	}
	p.UpdatedAt = now
	return &p
}

// ApplyExit reduces open by x. The sold share of the remaining cost basis
// is charged against the proceeds; when the remainder reaches zero the
// position closes with realized_pnl = exit proceeds - entry cost. Returns
// the updated position and this exit's realized P&L.
func ApplyExit(open *domain.Position, x *Exit, now time.Time) (*domain.Position, decimal.Decimal, error) {
	if !open.IsOpen || open.RemainingAmountRaw == 0 {
		return nil, decimal.Zero, ErrPositionClosed
	}
	sold := x.AmountRaw
	if sold > open.RemainingAmountRaw {
		sold = open.RemainingAmountRaw
	}

	p := *open
	var cost decimal.Decimal
	if sold == p.RemainingAmountRaw {
		cost = p.RemainingAmountSOL
	} else {
		cost = p.RemainingAmountSOL.Mul(decimal.NewFromUint64(sold)).Div(decimal.NewFromUint64(p.RemainingAmountRaw))
	}
	delta := x.ProceedsSOL.Sub(cost)

	p.RemainingAmountRaw -= sold
	p.RemainingAmountSOL = p.RemainingAmountSOL.Sub(cost)
	p.RemainingAmountTokens = domain.RawToDisplay(p.RemainingAmountRaw, p.Decimals)
	p.ExitAmountRaw += sold
	p.ExitProceedsSOL = p.ExitProceedsSOL.Add(x.ProceedsSOL)
	p.RealizedPnL = p.RealizedPnL.Add(delta)
	if soldTokens := domain.RawToDisplay(sold, p.Decimals); !soldTokens.IsZero() {
		p.ExitPrice = x.ProceedsSOL.Div(soldTokens)
	}
	if x.Reason == domain.ReasonTakeProfit {
		p.PartialTaken = true
	}
	p.UpdatedAt = now

	if p.RemainingAmountRaw == 0 {
		p.IsOpen = false
		p.RemainingAmountSOL = decimal.Zero
		p.RealizedPnL = p.ExitProceedsSOL.Sub(p.EntryAmountSOL)
		p.ExitReason = x.Reason
		closedAt := now
		p.ClosedAt = &closedAt
	}
	return &p, delta, nil
}

// ApplyCounters bumps the daily counters for a recorded fill. Losses add to
// the daily loss; gains never reduce it.
func ApplyCounters(s *domain.UserSettings, trade *domain.Trade, pnl decimal.Decimal, now time.Time) {
	s.ResetIfNewDay(now)
	if trade.Type == domain.SideBuy {
		s.DailyTrades++
		if trade.Context == domain.ContextSniper {
			s.DailySnipes++
		}
	}
	if pnl.IsNegative() {
		s.DailyLossSOL = s.DailyLossSOL.Add(pnl.Neg())
	}
	s.UpdatedAt = now
}

// FailedTradeKey is the primary key of a failed trade without a signature.
func FailedTradeKey(intentID string) string {
	return "failed:" + intentID
}
