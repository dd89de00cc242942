package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Jupiter V6 API Client - quote + swap endpoints
// https://station.jup.ag/docs/apis/swap-api
// ---------------------------------------------------------------------------

const (
	defaultBaseURL = "https://quote-api.jup.ag/v6"

	// DefaultMaxAccounts keeps routes small enough to fit next to a tip or
	// compute budget instructions.
	DefaultMaxAccounts = 64

	retryBackoff = 500 * time.Millisecond
)

// Config configures the Jupiter client.
type Config struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:      defaultBaseURL,
		Timeout:      10 * time.Second,
		MaxRetries:   2,
		RateLimitRPS: 10,
	}
}

// Client is the Jupiter V6 API client.
type Client struct {
	config     Config
	httpClient *http.Client
	bucket     *solana.TokenBucket
	breaker    *solana.Breaker

	quoteCount   atomic.Int64
	swapCount    atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64
}

// NewClient creates a new Jupiter API client.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		bucket:     solana.NewTokenBucket(config.RateLimitRPS, 0),
		breaker:    solana.NewBreaker(5, 30*time.Second),
	}
}

// Close stops the rate limiter.
func (c *Client) Close() { c.bucket.Close() }

// ---------------------------------------------------------------------------
// Quote API - get best route for a swap
// ---------------------------------------------------------------------------

// QuoteParams are the /quote query parameters. Amount is in the input
// mint's raw units.
type QuoteParams struct {
	InputMint         solana.Pubkey
	OutputMint        solana.Pubkey
	Amount            uint64
	SlippageBps       int
	OnlyDirectRoutes  bool
	MaxAccounts       int
	UseSharedAccounts bool
}

// RoutePlanStep is one hop of a route.
type RoutePlanStep struct {
	Percent  int `json:"percent"`
	SwapInfo struct {
		AmmKey    string `json:"ammKey"`
		Label     string `json:"label"`
		FeeAmount string `json:"feeAmount"`
		FeeMint   string `json:"feeMint"`
	} `json:"swapInfo"`
}

// Quote is a parsed /quote response. Raw keeps the exact payload, which
// /swap expects back unchanged.
type Quote struct {
	InputMint            solana.Pubkey   `json:"input_mint"`
	OutputMint           solana.Pubkey   `json:"output_mint"`
	InAmount             uint64          `json:"in_amount"`
	OutAmount            uint64          `json:"out_amount"`
	OtherAmountThreshold uint64          `json:"other_amount_threshold"`
	PriceImpactPct       float64         `json:"price_impact_pct"` // fraction: 0.05 = 5%
	SlippageBps          int             `json:"slippage_bps"`
	RoutePlan            []RoutePlanStep `json:"route_plan"`
	ContextSlot          uint64          `json:"context_slot"`
	Raw                  json.RawMessage `json:"-"`
}

type quoteWire struct {
	InputMint            string          `json:"inputMint"`
	OutputMint           string          `json:"outputMint"`
	InAmount             string          `json:"inAmount"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	SlippageBps          int             `json:"slippageBps"`
	RoutePlan            []RoutePlanStep `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`
}

// Quote fetches the best swap route.
func (c *Client) Quote(ctx context.Context, p QuoteParams) (*Quote, error) {
	const op = "jupiter: quote"
	if p.Amount == 0 {
		return nil, domain.Errorf(domain.KindPolicyViolation, op, "zero amount")
	}
	if p.MaxAccounts == 0 {
		p.MaxAccounts = DefaultMaxAccounts
	}

	queryURL, err := url.Parse(c.config.BaseURL + "/quote")
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("inputMint", string(p.InputMint))
	q.Set("outputMint", string(p.OutputMint))
	q.Set("amount", strconv.FormatUint(p.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(p.SlippageBps))
	q.Set("onlyDirectRoutes", strconv.FormatBool(p.OnlyDirectRoutes))
	q.Set("maxAccounts", strconv.Itoa(p.MaxAccounts))
	q.Set("useSharedAccounts", strconv.FormatBool(p.UseSharedAccounts))
	queryURL.RawQuery = q.Encode()

	start := time.Now()
	body, err := c.doWithRetry(ctx, op, http.MethodGet, queryURL.String(), nil)
	if err != nil {
		return nil, err
	}

	var wire quoteWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("jupiter: parse quote: %w", err)
	}
	quote, err := parseQuote(wire, body)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start).Milliseconds()
	c.quoteCount.Add(1)
	c.avgLatencyMs.Store(latency)

	log.Debug().
		Str("in", shortMint(quote.InputMint)).
		Str("out", shortMint(quote.OutputMint)).
		Uint64("in_amount", quote.InAmount).
		Uint64("out_amount", quote.OutAmount).
		Float64("price_impact", quote.PriceImpactPct).
		Int64("latency_ms", latency).
		Msg("jupiter: quote received")

	return quote, nil
}

func parseQuote(w quoteWire, raw []byte) (*Quote, error) {
	in, err := strconv.ParseUint(w.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse inAmount %q: %w", w.InAmount, err)
	}
	out, err := strconv.ParseUint(w.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse outAmount %q: %w", w.OutAmount, err)
	}
	threshold, _ := strconv.ParseUint(w.OtherAmountThreshold, 10, 64)
	impact, _ := strconv.ParseFloat(w.PriceImpactPct, 64)

	return &Quote{
		InputMint:            solana.Pubkey(w.InputMint),
		OutputMint:           solana.Pubkey(w.OutputMint),
		InAmount:             in,
		OutAmount:            out,
		OtherAmountThreshold: threshold,
		PriceImpactPct:       impact,
		SlippageBps:          w.SlippageBps,
		RoutePlan:            w.RoutePlan,
		ContextSlot:          w.ContextSlot,
		Raw:                  append(json.RawMessage(nil), raw...),
	}, nil
}

// ---------------------------------------------------------------------------
// Swap API - build the swap transaction
// ---------------------------------------------------------------------------

// SwapOptions are the /swap request knobs beyond the quote.
type SwapOptions struct {
	UserPublicKey                 solana.Pubkey
	ComputeUnitPriceMicroLamports uint64
}

// SwapRequest is the request to Jupiter /swap endpoint.
type SwapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSOL              bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool            `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports uint64          `json:"computeUnitPriceMicroLamports,omitempty"`
	AsLegacyTransaction           bool            `json:"asLegacyTransaction"`
	DynamicComputeUnitLimit       bool            `json:"dynamicComputeUnitLimit"`
}

// SwapTx is the /swap response: an unsigned base64 transaction.
type SwapTx struct {
	Transaction          string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// SwapTx builds a swap transaction for quote.
func (c *Client) SwapTx(ctx context.Context, quote *Quote, opts SwapOptions) (*SwapTx, error) {
	const op = "jupiter: swap"
	if quote == nil || len(quote.Raw) == 0 {
		return nil, domain.Errorf(domain.KindQuoteStale, op, "missing quote payload")
	}

	body, err := json.Marshal(SwapRequest{
		QuoteResponse:                 quote.Raw,
		UserPublicKey:                 string(opts.UserPublicKey),
		WrapAndUnwrapSOL:              true,
		UseSharedAccounts:             true,
		ComputeUnitPriceMicroLamports: opts.ComputeUnitPriceMicroLamports,
		AsLegacyTransaction:           false,
		DynamicComputeUnitLimit:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	respBody, err := c.doWithRetry(ctx, op, http.MethodPost, c.config.BaseURL+"/swap", body)
	if err != nil {
		return nil, err
	}

	var swap SwapTx
	if err := json.Unmarshal(respBody, &swap); err != nil {
		return nil, fmt.Errorf("jupiter: parse swap response: %w", err)
	}
	if swap.Transaction == "" {
		return nil, domain.Errorf(domain.KindUnknown, op, "empty swapTransaction")
	}
	c.swapCount.Add(1)
	return &swap, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// doWithRetry retries transient and rate-limited failures with exponential
// backoff. Classified API errors are returned at once.
func (c *Client) doWithRetry(ctx context.Context, op, method, url string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return nil, domain.E(domain.KindTransientNetwork, op, ctx.Err())
			}
		}

		respBody, err := c.do(ctx, op, method, url, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("jupiter: failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) do(ctx context.Context, op, method, url string, body []byte) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, domain.E(domain.KindTransientNetwork, op, solana.ErrCircuitOpen)
	}
	if err := c.bucket.Wait(ctx); err != nil {
		c.breaker.Release()
		return nil, domain.E(domain.KindTransientNetwork, op, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		c.breaker.Release()
		return nil, fmt.Errorf("jupiter: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError()
		return nil, domain.E(domain.KindTransientNetwork, op, err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		c.recordError()
		return nil, domain.E(domain.KindTransientNetwork, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		c.breaker.Success()
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.errorCount.Add(1)
		c.breaker.Success()
		return nil, domain.Errorf(domain.KindRateLimited, op, "HTTP 429")
	case resp.StatusCode >= 500:
		c.recordError()
		return nil, domain.Errorf(domain.KindTransientNetwork, op, "HTTP %d: %s", resp.StatusCode, truncate(respBody))
	default:
		c.errorCount.Add(1)
		c.breaker.Success()
		return nil, classifyAPIError(op, resp.StatusCode, respBody)
	}
}

// classifyAPIError maps a 4xx body to an error kind.
func classifyAPIError(op string, status int, body []byte) error {
	var apiErr struct {
		Error     string `json:"error"`
		ErrorCode string `json:"errorCode"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = truncate(body)
	}
	text := strings.ToLower(apiErr.ErrorCode + " " + msg)

	kind := domain.KindUnknown
	switch {
	case strings.Contains(text, "slippage") || strings.Contains(text, "0x1771"):
		kind = domain.KindSlippageExceeded
	case strings.Contains(text, "stale") || strings.Contains(text, "expired") || strings.Contains(text, "quote_not_found"):
		kind = domain.KindQuoteStale
	case strings.Contains(text, "insufficient"):
		kind = domain.KindInsufficientFunds
	case strings.Contains(text, "not_tradable") || strings.Contains(text, "not tradable") || strings.Contains(text, "could_not_find_any_route"):
		kind = domain.KindUnsafeToken
	}
	return domain.Errorf(kind, op, "HTTP %d: %s", status, msg)
}

func (c *Client) recordError() {
	c.errorCount.Add(1)
	if c.breaker.Failure() {
		log.Error().Msg("jupiter: CIRCUIT BREAKER OPEN")
	}
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200])
	}
	return string(b)
}

func shortMint(m solana.Pubkey) string {
	if len(m) > 8 {
		return string(m[:8])
	}
	return string(m)
}

// APIStats returns Jupiter API client stats.
type APIStats struct {
	QuoteCount   int64               `json:"quote_count"`
	SwapCount    int64               `json:"swap_count"`
	ErrorCount   int64               `json:"error_count"`
	AvgLatencyMs int64               `json:"avg_latency_ms"`
	Breaker      solana.BreakerState `json:"breaker"`
}

func (c *Client) Stats() APIStats {
	return APIStats{
		QuoteCount:   c.quoteCount.Load(),
		SwapCount:    c.swapCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		Breaker:      c.breaker.State(),
	}
}
