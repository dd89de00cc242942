package jupiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Aggregator helpers - pricing and round-trip simulation on top of quotes
// ---------------------------------------------------------------------------

// Aggregator is the quote/swap surface consumed by execution, safety and the
// position manager. *Client and *StubAggregator implement it.
type Aggregator interface {
	Quote(ctx context.Context, p QuoteParams) (*Quote, error)
	SwapTx(ctx context.Context, quote *Quote, opts SwapOptions) (*SwapTx, error)
}

// ReferenceLamports is the SOL amount quoted to price a token (0.01 SOL).
// Small enough that price impact stays negligible on thin pools.
const ReferenceLamports uint64 = 10_000_000

// PriceInSOL returns the price of one display unit of mint in SOL, from a
// SOL->mint quote of ReferenceLamports.
func PriceInSOL(ctx context.Context, agg Aggregator, mint solana.Pubkey, decimals uint8) (decimal.Decimal, error) {
	quote, err := agg.Quote(ctx, QuoteParams{
		InputMint:         solana.SOLMint,
		OutputMint:        mint,
		Amount:            ReferenceLamports,
		SlippageBps:       50,
		UseSharedAccounts: true,
	})
	if err != nil {
		return decimal.Zero, err
	}
	return PriceFromQuote(ReferenceLamports, quote.OutAmount, decimals)
}

// PriceFromQuote derives SOL per display token from a SOL->token fill.
func PriceFromQuote(lamportsIn, tokenRawOut uint64, decimals uint8) (decimal.Decimal, error) {
	if tokenRawOut == 0 {
		return decimal.Zero, domain.Errorf(domain.KindUnsafeToken, "jupiter: price", "quote returned zero output")
	}
	tokens := domain.RawToDisplay(tokenRawOut, decimals)
	return solana.LamportsToSOL(lamportsIn).Div(tokens), nil
}

// ErrNoSellRoute marks a round trip whose buy leg quoted but whose sell leg
// found no route.
var ErrNoSellRoute = errors.New("no sell route")

// RoundTrip is the outcome of a simulated buy followed by an immediate sell.
type RoundTrip struct {
	LamportsIn  uint64  `json:"lamports_in"`
	TokensRaw   uint64  `json:"tokens_raw"`
	LamportsOut uint64  `json:"lamports_out"`
	BuyImpact   float64 `json:"buy_impact"`
	SellImpact  float64 `json:"sell_impact"`
}

// LossFraction is the share of the input lost across the round trip.
func (r RoundTrip) LossFraction() float64 {
	if r.LamportsIn == 0 {
		return 1
	}
	if r.LamportsOut >= r.LamportsIn {
		return 0
	}
	return float64(r.LamportsIn-r.LamportsOut) / float64(r.LamportsIn)
}

// SimulateRoundTrip quotes lamports SOL->mint and then the resulting tokens
// back to SOL. A route that exists for the buy but not the sell is the
// classic honeypot shape and surfaces as an UnsafeToken error.
func SimulateRoundTrip(ctx context.Context, agg Aggregator, mint solana.Pubkey, lamports uint64) (RoundTrip, error) {
	const op = "jupiter: round trip"
	buy, err := agg.Quote(ctx, QuoteParams{
		InputMint:         solana.SOLMint,
		OutputMint:        mint,
		Amount:            lamports,
		SlippageBps:       100,
		UseSharedAccounts: true,
	})
	if err != nil {
		return RoundTrip{}, err
	}
	if buy.OutAmount == 0 {
		return RoundTrip{}, domain.Errorf(domain.KindUnsafeToken, op, "buy route returns nothing")
	}

	sell, err := agg.Quote(ctx, QuoteParams{
		InputMint:         mint,
		OutputMint:        solana.SOLMint,
		Amount:            buy.OutAmount,
		SlippageBps:       100,
		UseSharedAccounts: true,
	})
	if err != nil {
		if domain.IsKind(err, domain.KindUnsafeToken) {
			return RoundTrip{}, domain.E(domain.KindUnsafeToken, op, fmt.Errorf("%w: %v", ErrNoSellRoute, err))
		}
		return RoundTrip{}, fmt.Errorf("jupiter: sell leg: %w", err)
	}

	return RoundTrip{
		LamportsIn:  lamports,
		TokensRaw:   buy.OutAmount,
		LamportsOut: sell.OutAmount,
		BuyImpact:   buy.PriceImpactPct,
		SellImpact:  sell.PriceImpactPct,
	}, nil
}
