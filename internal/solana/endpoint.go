package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Endpoint - one JSON-RPC URL with its own token bucket and circuit breaker
// ---------------------------------------------------------------------------

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	maxRateBackoff   = 60 * time.Second
)

var (
	// ErrCircuitOpen is returned while an endpoint's breaker rejects calls.
	ErrCircuitOpen = errors.New("rpc: circuit breaker open")
	// ErrBlockhashNotFound means the transaction referenced an expired blockhash.
	ErrBlockhashNotFound = errors.New("rpc: blockhash not found")
	// ErrNodeBehind means the RPC node lags the cluster.
	ErrNodeBehind = errors.New("rpc: node is behind")
	// ErrNotFound is returned when a transaction or account does not exist.
	ErrNotFound = errors.New("rpc: not found")
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// TokenBucket is a channel-backed token bucket refilled by a ticker.
type TokenBucket struct {
	tokens chan struct{}
	cancel context.CancelFunc
}

// NewTokenBucket creates a bucket holding burst tokens, refilled at rps.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	if rps <= 0 {
		rps = 10
	}
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	tokens := make(chan struct{}, burst)
	for i := 0; i < burst; i++ {
		tokens <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &TokenBucket{tokens: tokens, cancel: cancel}

	go func() {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / rps))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case b.tokens <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()
	return b
}

// Wait blocks until a token is available or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context) error {
	select {
	case <-b.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the refill goroutine.
func (b *TokenBucket) Close() { b.cancel() }

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker opens after threshold consecutive failures and lets a single probe
// through once cooldown has elapsed.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures int
	state    BreakerState
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = breakerThreshold
	}
	if cooldown <= 0 {
		cooldown = breakerCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now, state: BreakerClosed}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	default: // half-open: one probe at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.state = BreakerClosed
}

// Release returns an unused half-open probe slot.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Failure records a failed call. Returns true if the breaker just opened.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.now()
		return true
	}
	b.failures++
	if b.state == BreakerClosed && b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
		return true
	}
	return false
}

// State returns the current state without transitioning.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// EndpointConfig configures one RPC endpoint.
type EndpointConfig struct {
	URL          string        `yaml:"url"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	Burst        int           `yaml:"burst"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
}

// Endpoint is a single JSON-RPC URL guarded by a token bucket and breaker.
type Endpoint struct {
	cfg        EndpointConfig
	httpClient *http.Client
	bucket     *TokenBucket
	breaker    *Breaker
	nextID     atomic.Int64

	mu           sync.Mutex
	rateLimited  int
	backoffUntil time.Time

	requestCount atomic.Int64
	errorCount   atomic.Int64
	latencySum   atomic.Int64 // microseconds
}

// NewEndpoint creates an endpoint.
func NewEndpoint(cfg EndpointConfig) *Endpoint {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 10
	}
	return &Endpoint{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		bucket:     NewTokenBucket(cfg.RateLimitRPS, cfg.Burst),
		breaker:    NewBreaker(breakerThreshold, breakerCooldown),
	}
}

// URL returns the endpoint URL.
func (e *Endpoint) URL() string { return e.cfg.URL }

// Breaker exposes the endpoint breaker.
func (e *Endpoint) Breaker() *Breaker { return e.breaker }

// Close releases the bucket goroutine.
func (e *Endpoint) Close() { e.bucket.Close() }

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Call performs a rate-limited, breaker-guarded JSON-RPC call with retries on
// transport failures. JSON-RPC error objects are classified and returned
// without retry.
func (e *Endpoint) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: e.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, domain.E(domain.KindTransientNetwork, "rpc: "+method, ctx.Err())
			}
		}

		if err := e.waitRateBackoff(ctx); err != nil {
			return nil, domain.E(domain.KindTransientNetwork, "rpc: "+method, err)
		}
		if !e.breaker.Allow() {
			return nil, domain.E(domain.KindTransientNetwork, "rpc: "+method, fmt.Errorf("%w: %s", ErrCircuitOpen, e.cfg.URL))
		}
		if err := e.bucket.Wait(ctx); err != nil {
			e.breaker.Release()
			return nil, domain.E(domain.KindTransientNetwork, "rpc: "+method, err)
		}

		result, retry, err := e.do(ctx, method, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}
	return nil, fmt.Errorf("rpc: %s failed after %d attempts: %w", method, e.cfg.MaxRetries+1, lastErr)
}

// do executes one HTTP round trip. retry reports whether the failure was a
// transport-level one worth retrying.
func (e *Endpoint) do(ctx context.Context, method string, body []byte) (json.RawMessage, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	op := "rpc: " + method
	start := time.Now()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("rpc: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.recordFailure()
		return nil, true, domain.E(domain.KindTransientNetwork, op, err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		e.recordFailure()
		return nil, true, domain.E(domain.KindTransientNetwork, op, err)
	}

	e.requestCount.Add(1)
	e.latencySum.Add(time.Since(start).Microseconds())

	if resp.StatusCode == http.StatusTooManyRequests {
		e.errorCount.Add(1)
		e.breaker.Success() // the node is alive, just throttling
		delay := e.recordRateLimited()
		log.Warn().Str("endpoint", e.cfg.URL).Str("method", method).Dur("backoff", delay).Msg("rpc: rate limited")
		return nil, true, domain.Errorf(domain.KindRateLimited, op, "HTTP 429")
	}
	if resp.StatusCode != http.StatusOK {
		e.recordFailure()
		return nil, true, domain.Errorf(domain.KindTransientNetwork, op, "HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		e.recordFailure()
		return nil, true, domain.E(domain.KindTransientNetwork, op, fmt.Errorf("unmarshal response: %w", err))
	}

	e.breaker.Success()
	e.clearRateLimited()

	if rpcResp.Error != nil {
		return nil, false, classifyRPCError(op, rpcResp.Error)
	}
	return rpcResp.Result, false, nil
}

func (e *Endpoint) recordFailure() {
	e.errorCount.Add(1)
	if e.breaker.Failure() {
		log.Error().Str("endpoint", e.cfg.URL).Msg("rpc: CIRCUIT BREAKER OPEN - too many consecutive errors")
	}
}

// recordRateLimited doubles the endpoint backoff, capped at 60s.
func (e *Endpoint) recordRateLimited() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rateLimited++
	shift := e.rateLimited - 1
	if shift > 6 {
		shift = 6
	}
	delay := time.Duration(1<<uint(shift)) * time.Second
	if delay > maxRateBackoff {
		delay = maxRateBackoff
	}
	e.backoffUntil = time.Now().Add(delay)
	return delay
}

func (e *Endpoint) clearRateLimited() {
	e.mu.Lock()
	e.rateLimited = 0
	e.backoffUntil = time.Time{}
	e.mu.Unlock()
}

func (e *Endpoint) waitRateBackoff(ctx context.Context) error {
	e.mu.Lock()
	until := e.backoffUntil
	e.mu.Unlock()
	wait := time.Until(until)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyRPCError maps a JSON-RPC error to a pipeline error kind.
func classifyRPCError(op string, rerr *RPCError) error {
	msg := strings.ToLower(rerr.Message)
	switch {
	case strings.Contains(msg, "blockhash not found") || strings.Contains(msg, "blockhashnotfound"):
		return domain.E(domain.KindTransientNetwork, op, fmt.Errorf("%w: %v", ErrBlockhashNotFound, rerr))
	case rerr.Code == -32005 || strings.Contains(msg, "node is behind"):
		return domain.E(domain.KindTransientNetwork, op, fmt.Errorf("%w: %v", ErrNodeBehind, rerr))
	case rerr.Code == 429 || strings.Contains(msg, "too many requests"):
		return domain.E(domain.KindRateLimited, op, rerr)
	case strings.Contains(msg, "0x1771") || strings.Contains(msg, "slippage"):
		return domain.E(domain.KindSlippageExceeded, op, rerr)
	case strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient lamports") ||
		strings.Contains(msg, "custom program error: 0x1\""):
		return domain.E(domain.KindInsufficientFunds, op, rerr)
	default:
		return domain.E(domain.KindUnknown, op, rerr)
	}
}

// EndpointStats is a per-endpoint snapshot.
type EndpointStats struct {
	URL          string       `json:"url"`
	RequestCount int64        `json:"request_count"`
	ErrorCount   int64        `json:"error_count"`
	AvgLatencyUs int64        `json:"avg_latency_us"`
	Breaker      BreakerState `json:"breaker"`
}

// Stats returns endpoint statistics.
func (e *Endpoint) Stats() EndpointStats {
	req := e.requestCount.Load()
	avg := int64(0)
	if req > 0 {
		avg = e.latencySum.Load() / req
	}
	return EndpointStats{
		URL:          e.cfg.URL,
		RequestCount: req,
		ErrorCount:   e.errorCount.Load(),
		AvgLatencyUs: avg,
		Breaker:      e.breaker.State(),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
