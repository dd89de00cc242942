package copytrade

import (
	"sort"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
)

// feeTolerance ignores lamport moves small enough to be only fees and rent.
const feeTolerance int64 = 10_000

// Swap is a leader's trade recognised from balance changes.
type Swap struct {
	Mint        solana.Pubkey `json:"mint"`
	Side        domain.Side   `json:"side"`
	TokenDelta  int64         `json:"token_delta"` // raw units, signed
	SOLDelta    int64         `json:"sol_delta"`   // lamports, signed
	QuoteMint   solana.Pubkey `json:"quote_mint"`  // SOL or the stable spent/received
	QuoteAmount int64         `json:"quote_amount"`
}

// DetectSwaps recognises swaps by owner in tx. A non-quote token balance
// that rose while SOL or a stable fell is a BUY of that token; the mirror
// image is a SELL. Transfers without a paying leg are ignored.
func DetectSwaps(tx *solana.TransactionDetail, owner solana.Pubkey) []Swap {
	if tx == nil || tx.Failed {
		return nil
	}
	deltas := tx.TokenDeltas(owner)
	sol := tx.SOLDelta(owner)
	// Wrapped SOL moves count as SOL.
	if w, ok := deltas[solana.SOLMint]; ok {
		sol += w
		delete(deltas, solana.SOLMint)
	}

	var spentQuote, gotQuote solana.Pubkey
	var spentAmt, gotAmt int64
	for m, d := range deltas {
		if !solana.IsQuoteMint(m) {
			continue
		}
		if d < 0 && -d > spentAmt {
			spentQuote, spentAmt = m, -d
		}
		if d > 0 && d > gotAmt {
			gotQuote, gotAmt = m, d
		}
	}
	if sol < -feeTolerance && -sol > spentAmt {
		spentQuote, spentAmt = solana.SOLMint, -sol
	}
	if sol > feeTolerance && sol > gotAmt {
		gotQuote, gotAmt = solana.SOLMint, sol
	}

	var swaps []Swap
	for m, d := range deltas {
		if solana.IsQuoteMint(m) {
			continue
		}
		switch {
		case d > 0 && spentQuote != "":
			swaps = append(swaps, Swap{Mint: m, Side: domain.SideBuy, TokenDelta: d, SOLDelta: sol, QuoteMint: spentQuote, QuoteAmount: spentAmt})
		case d < 0 && gotQuote != "":
			swaps = append(swaps, Swap{Mint: m, Side: domain.SideSell, TokenDelta: d, SOLDelta: sol, QuoteMint: gotQuote, QuoteAmount: gotAmt})
		}
	}
	sort.Slice(swaps, func(i, j int) bool { return swaps[i].Mint < swaps[j].Mint })
	return swaps
}
