package execution

import (
	"context"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/shopspring/decimal"
)

// landedAmounts are what a confirmed swap actually moved, when the chain
// reports it. Zero means "use the quote".
type landedAmounts struct {
	tokensRaw uint64
	lamports  uint64
}

// readLanded reads owner's balance changes from the landed transaction.
// Lookup failures are not errors: the quote amounts are used instead.
func readLanded(ctx context.Context, chain ChainClient, sig solana.Signature, owner, mint solana.Pubkey, side domain.Side) landedAmounts {
	if chain == nil || owner == "" {
		return landedAmounts{}
	}
	tx, err := chain.GetTransaction(ctx, sig)
	if err != nil || tx == nil || tx.Failed {
		return landedAmounts{}
	}
	var out landedAmounts
	switch side {
	case domain.SideBuy:
		if d := tx.TokenDeltas(owner)[mint]; d > 0 {
			out.tokensRaw = uint64(d)
		}
	case domain.SideSell:
		if d := tx.SOLDelta(owner); d > 0 {
			out.lamports = uint64(d)
		}
	}
	return out
}

// buildFill turns a confirmed checkpoint into the fill to record. run
// supplies identity (user, token, side, context); cp the submitted swap.
func buildFill(run *domain.SnipeRun, cp *domain.SubmitCheckpoint, landed landedAmounts) store.Fill {
	trade := domain.Trade{
		Signature:      cp.Signature,
		IntentID:       cp.IntentID,
		UserID:         run.UserID,
		Type:           run.Side,
		Context:        run.Context,
		Token:          run.Token,
		SlippageBps:    cp.SlippageBps,
		PriceImpactPct: cp.PriceImpactPct,
		Success:        true,
		Attempts:       cp.Attempt,
		Transport:      cp.Transport,
	}
	fill := store.Fill{SnipeID: run.SnipeID}

	switch run.Side {
	case domain.SideBuy:
		raw := cp.OutAmountRaw
		if landed.tokensRaw > 0 {
			raw = landed.tokensRaw
		}
		cost := cp.AmountSOL
		if cost.IsZero() {
			cost = solana.LamportsToSOL(cp.InAmountRaw)
		}
		trade.AmountSOL = cost
		trade.AmountRaw = raw
		trade.AmountTokens = domain.RawToDisplay(raw, cp.Decimals)
		trade.Price = unitPrice(cost, trade.AmountTokens)
		fill.Entry = &store.Entry{
			Decimals:      cp.Decimals,
			AmountSOL:     cost,
			AmountRaw:     raw,
			StopLossPct:   cp.StopLossPct,
			TakeProfitPct: cp.TakeProfitPct,
			TrailingPct:   cp.TrailingPct,
			Source:        run.Context,
			Meta:          cp.Meta,
		}
	case domain.SideSell:
		proceeds := solana.LamportsToSOL(cp.OutAmountRaw)
		if landed.lamports > 0 {
			proceeds = solana.LamportsToSOL(landed.lamports)
		}
		reason := cp.Reason
		if reason == "" {
			reason = domain.ReasonManual
		}
		trade.AmountSOL = proceeds
		trade.AmountRaw = cp.InAmountRaw
		trade.AmountTokens = domain.RawToDisplay(cp.InAmountRaw, cp.Decimals)
		trade.Price = unitPrice(proceeds, trade.AmountTokens)
		fill.Exit = &store.Exit{
			PositionID:  cp.PositionID,
			AmountRaw:   cp.InAmountRaw,
			ProceedsSOL: proceeds,
			Reason:      reason,
		}
	}
	fill.Trade = trade
	return fill
}

func unitPrice(sol, tokens decimal.Decimal) decimal.Decimal {
	if tokens.IsZero() {
		return decimal.Zero
	}
	return sol.Div(tokens)
}

// closeEvent builds the PositionClose for a fill that closed its position.
func closeEvent(pos *domain.Position) domain.PositionClose {
	return domain.PositionClose{
		PositionID:  pos.PositionID,
		UserID:      pos.UserID,
		Token:       pos.Token,
		RealizedPnL: pos.RealizedPnL,
		Reason:      pos.ExitReason,
	}
}
