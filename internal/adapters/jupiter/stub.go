package jupiter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/shopspring/decimal"
)

// stubBlockhash is the all-zero hash, valid base58 for building messages.
const stubBlockhash = "11111111111111111111111111111111"

// StubAggregator is an in-memory aggregator for tests and dry runs. Prices
// are SOL per display token. Swap transactions are real unsigned transfers
// paid by the user so that they can be signed and submitted to a stub chain.
type StubAggregator struct {
	mu         sync.Mutex
	prices     map[solana.Pubkey]decimal.Decimal
	decimals   map[solana.Pubkey]uint8
	impact     map[solana.Pubkey]float64
	sellLoss   map[solana.Pubkey]float64
	noSell     map[solana.Pubkey]bool
	quoteErrs  []error
	swapErrs   []error
	quotes     []QuoteParams
	quoteCount int
	swapCount  int
}

// NewStubAggregator creates an empty stub.
func NewStubAggregator() *StubAggregator {
	return &StubAggregator{
		prices:   make(map[solana.Pubkey]decimal.Decimal),
		decimals: make(map[solana.Pubkey]uint8),
		impact:   make(map[solana.Pubkey]float64),
		sellLoss: make(map[solana.Pubkey]float64),
		noSell:   make(map[solana.Pubkey]bool),
	}
}

// SetPrice sets the SOL price of one display unit of mint.
func (s *StubAggregator) SetPrice(mint solana.Pubkey, priceSOL decimal.Decimal, decimals uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[mint] = priceSOL
	s.decimals[mint] = decimals
}

// SetImpact sets the price impact fraction reported for mint.
func (s *StubAggregator) SetImpact(mint solana.Pubkey, impact float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impact[mint] = impact
}

// SetSellLoss makes token->SOL quotes of mint return (1-loss) of fair value.
func (s *StubAggregator) SetSellLoss(mint solana.Pubkey, loss float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sellLoss[mint] = loss
}

// BlockSells makes token->SOL quotes of mint fail with no route.
func (s *StubAggregator) BlockSells(mint solana.Pubkey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noSell[mint] = true
}

// QueueQuoteErrors makes the next quotes fail in order.
func (s *StubAggregator) QueueQuoteErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteErrs = append(s.quoteErrs, errs...)
}

// QueueSwapErrors makes the next SwapTx calls fail in order.
func (s *StubAggregator) QueueSwapErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapErrs = append(s.swapErrs, errs...)
}

// Quotes returns every quote request seen so far.
func (s *StubAggregator) Quotes() []QuoteParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]QuoteParams(nil), s.quotes...)
}

// SwapCount returns the number of successful SwapTx calls.
func (s *StubAggregator) SwapCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swapCount
}

// Quote prices a SOL<->token swap from the configured price.
func (s *StubAggregator) Quote(_ context.Context, p QuoteParams) (*Quote, error) {
	const op = "jupiter stub: quote"
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quoteCount++
	s.quotes = append(s.quotes, p)
	if len(s.quoteErrs) > 0 {
		err := s.quoteErrs[0]
		s.quoteErrs = s.quoteErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if p.Amount == 0 {
		return nil, domain.Errorf(domain.KindPolicyViolation, op, "zero amount")
	}

	var out uint64
	var mint solana.Pubkey
	switch {
	case p.InputMint == solana.SOLMint:
		mint = p.OutputMint
		price, ok := s.prices[mint]
		if !ok || price.IsZero() {
			return nil, domain.Errorf(domain.KindUnsafeToken, op, "no route for %s", mint)
		}
		tokens := solana.LamportsToSOL(p.Amount).Div(price)
		out = uint64(tokens.Shift(int32(s.decimals[mint])).IntPart())
	case p.OutputMint == solana.SOLMint:
		mint = p.InputMint
		price, ok := s.prices[mint]
		if !ok || s.noSell[mint] {
			return nil, domain.Errorf(domain.KindUnsafeToken, op, "no route for %s", mint)
		}
		sol := domain.RawToDisplay(p.Amount, s.decimals[mint]).Mul(price)
		if loss := s.sellLoss[mint]; loss > 0 {
			sol = sol.Mul(decimal.NewFromFloat(1 - loss))
		}
		lamports, err := solana.SOLToLamports(sol)
		if err != nil {
			return nil, domain.E(domain.KindUnknown, op, err)
		}
		out = lamports
	default:
		return nil, domain.Errorf(domain.KindUnsafeToken, op, "unsupported pair")
	}

	threshold := out - out*uint64(p.SlippageBps)/10_000
	q := &Quote{
		InputMint:            p.InputMint,
		OutputMint:           p.OutputMint,
		InAmount:             p.Amount,
		OutAmount:            out,
		OtherAmountThreshold: threshold,
		PriceImpactPct:       s.impact[mint],
		SlippageBps:          p.SlippageBps,
		ContextSlot:          uint64(s.quoteCount),
	}
	raw, _ := json.Marshal(q)
	q.Raw = raw
	return q, nil
}

// SwapTx returns an unsigned transaction paid by opts.UserPublicKey. Each
// call transfers a distinct lamport amount so signatures never collide.
func (s *StubAggregator) SwapTx(_ context.Context, quote *Quote, opts SwapOptions) (*SwapTx, error) {
	const op = "jupiter stub: swap"
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.swapErrs) > 0 {
		err := s.swapErrs[0]
		s.swapErrs = s.swapErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if quote == nil || len(quote.Raw) == 0 {
		return nil, domain.Errorf(domain.KindQuoteStale, op, "missing quote payload")
	}

	s.swapCount++
	tx, err := solana.BuildTransfer(opts.UserPublicKey, opts.UserPublicKey, uint64(s.swapCount), stubBlockhash)
	if err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}
	encoded, err := solana.EncodeTransaction(tx)
	if err != nil {
		return nil, domain.E(domain.KindUnknown, op, err)
	}
	return &SwapTx{Transaction: encoded, LastValidBlockHeight: 1150}, nil
}
