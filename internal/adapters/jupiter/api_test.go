package jupiter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMint = solana.Pubkey("Mint1111111111111111111111111111111111111111")

const quoteBody = `{
	"inputMint": "So11111111111111111111111111111111111111112",
	"outputMint": "Mint1111111111111111111111111111111111111111",
	"inAmount": "100000000",
	"outAmount": "2500000000",
	"otherAmountThreshold": "2487500000",
	"priceImpactPct": "0.012",
	"slippageBps": 50,
	"routePlan": [{"percent": 100, "swapInfo": {"ammKey": "amm", "label": "Raydium"}}],
	"contextSlot": 777
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := NewClient(Config{BaseURL: server.URL, Timeout: 2 * time.Second, MaxRetries: 2, RateLimitRPS: 1000})
	t.Cleanup(c.Close)
	return c
}

func TestQuote_SendsRoutingParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, string(solana.SOLMint), q.Get("inputMint"))
		assert.Equal(t, string(testMint), q.Get("outputMint"))
		assert.Equal(t, "100000000", q.Get("amount"))
		assert.Equal(t, "50", q.Get("slippageBps"))
		assert.Equal(t, "64", q.Get("maxAccounts"))
		assert.Equal(t, "true", q.Get("useSharedAccounts"))
		io.WriteString(w, quoteBody)
	})

	quote, err := c.Quote(context.Background(), QuoteParams{
		InputMint:         solana.SOLMint,
		OutputMint:        testMint,
		Amount:            100_000_000,
		SlippageBps:       50,
		UseSharedAccounts: true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), quote.InAmount)
	assert.Equal(t, uint64(2_500_000_000), quote.OutAmount)
	assert.Equal(t, uint64(2_487_500_000), quote.OtherAmountThreshold)
	assert.InDelta(t, 0.012, quote.PriceImpactPct, 1e-9)
	assert.Equal(t, uint64(777), quote.ContextSlot)
	require.Len(t, quote.RoutePlan, 1)
	assert.Equal(t, "Raydium", quote.RoutePlan[0].SwapInfo.Label)
	assert.JSONEq(t, quoteBody, string(quote.Raw))
	assert.Equal(t, int64(1), c.Stats().QuoteCount)
}

func TestQuote_ZeroAmountRejected(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	_, err := c.Quote(context.Background(), QuoteParams{InputMint: solana.SOLMint, OutputMint: testMint})
	assert.Equal(t, domain.KindPolicyViolation, domain.KindOf(err))
	assert.Zero(t, calls.Load())
}

func TestSwapTx_PassesQuoteBack(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/quote" {
			io.WriteString(w, quoteBody)
			return
		}
		assert.Equal(t, "/swap", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req SwapRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.JSONEq(t, quoteBody, string(req.QuoteResponse))
		assert.Equal(t, "User111", req.UserPublicKey)
		assert.True(t, req.WrapAndUnwrapSOL)
		assert.True(t, req.UseSharedAccounts)
		assert.True(t, req.DynamicComputeUnitLimit)
		assert.False(t, req.AsLegacyTransaction)
		assert.Equal(t, uint64(50_000), req.ComputeUnitPriceMicroLamports)

		io.WriteString(w, `{"swapTransaction":"AQID","lastValidBlockHeight":900}`)
	})

	quote, err := c.Quote(context.Background(), QuoteParams{InputMint: solana.SOLMint, OutputMint: testMint, Amount: 1, SlippageBps: 50})
	require.NoError(t, err)

	swap, err := c.SwapTx(context.Background(), quote, SwapOptions{UserPublicKey: "User111", ComputeUnitPriceMicroLamports: 50_000})
	require.NoError(t, err)
	assert.Equal(t, "AQID", swap.Transaction)
	assert.Equal(t, uint64(900), swap.LastValidBlockHeight)
}

func TestSwapTx_MissingQuoteIsStale(t *testing.T) {
	c := NewClient(DefaultConfig())
	defer c.Close()
	_, err := c.SwapTx(context.Background(), &Quote{}, SwapOptions{})
	assert.Equal(t, domain.KindQuoteStale, domain.KindOf(err))
}

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		body string
		want domain.Kind
	}{
		{"slippage code", `{"error":"Slippage tolerance exceeded","errorCode":"0x1771"}`, domain.KindSlippageExceeded},
		{"stale quote", `{"error":"Quote expired"}`, domain.KindQuoteStale},
		{"insufficient", `{"error":"Insufficient funds for swap"}`, domain.KindInsufficientFunds},
		{"no route", `{"error":"No routes found","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`, domain.KindUnsafeToken},
		{"not tradable", `{"error":"token is not tradable","errorCode":"TOKEN_NOT_TRADABLE"}`, domain.KindUnsafeToken},
		{"other", `{"error":"bad request"}`, domain.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyAPIError("op", http.StatusBadRequest, []byte(tc.body))
			assert.Equal(t, tc.want, domain.KindOf(err))
		})
	}
}

func TestQuote_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, quoteBody)
	})

	_, err := c.Quote(context.Background(), QuoteParams{InputMint: solana.SOLMint, OutputMint: testMint, Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQuote_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"No routes found","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`)
	})

	_, err := c.Quote(context.Background(), QuoteParams{InputMint: solana.SOLMint, OutputMint: testMint, Amount: 1})
	assert.Equal(t, domain.KindUnsafeToken, domain.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestQuote_ServerErrorsOpenBreaker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	c.config.MaxRetries = 0

	for i := 0; i < 5; i++ {
		_, err := c.Quote(context.Background(), QuoteParams{InputMint: solana.SOLMint, OutputMint: testMint, Amount: 1})
		assert.Equal(t, domain.KindTransientNetwork, domain.KindOf(err))
	}
	_, err := c.Quote(context.Background(), QuoteParams{InputMint: solana.SOLMint, OutputMint: testMint, Amount: 1})
	assert.ErrorIs(t, err, solana.ErrCircuitOpen)
}
