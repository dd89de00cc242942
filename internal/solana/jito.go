package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Jito Bundle Client - MEV protection via bundles with tips
// https://jito-labs.gitbook.io/mev/
// ---------------------------------------------------------------------------

const (
	// Jito Block Engine endpoint (mainnet).
	jitoMainnetURL = "https://mainnet.block-engine.jito.wtf/api/v1"
	jitoBundlePath = "/bundles"
)

// Known Jito tip accounts (mainnet).
var jitoTipAccounts = []Pubkey{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4bVqkfRtQ7NmXwkiY8X9W5E",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSLuiv3Jhqzsg1dbE7B",
	"DfXygSm4jCyNCzbzYYR18MFJkvDVwVS7s3d7rZmLhRDd",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT",
}

// Bundle states reported by GET /bundles/{id}.
const (
	BundlePending  = "PENDING"
	BundleLanded   = "LANDED"
	BundleRejected = "REJECTED"
	BundleTimeout  = "TIMEOUT"
)

// JitoConfig configures the Jito bundle client.
type JitoConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BlockEngineURL string        `yaml:"block_engine_url"`
	TipLamports    uint64        `yaml:"tip_lamports"`
	Timeout        time.Duration `yaml:"timeout"`      // per HTTP call
	LandTimeout    time.Duration `yaml:"land_timeout"` // overall wait for a terminal state
	PollInterval   time.Duration `yaml:"poll_interval"`
}

// DefaultJitoConfig returns production defaults.
func DefaultJitoConfig() JitoConfig {
	return JitoConfig{
		Enabled:        false,
		BlockEngineURL: jitoMainnetURL,
		TipLamports:    1_000_000, // 0.001 SOL
		Timeout:        5 * time.Second,
		LandTimeout:    30 * time.Second,
		PollInterval:   time.Second,
	}
}

// JitoClient sends transaction bundles through Jito for MEV protection.
type JitoClient struct {
	config     JitoConfig
	httpClient *http.Client
	breaker    *Breaker
	tipAcctIdx atomic.Uint32 // round-robin tip account selection

	// Stats.
	bundlesSent      atomic.Int64
	bundlesLanded    atomic.Int64
	bundlesRejected  atomic.Int64
	bundlesTimedOut  atomic.Int64
	totalTipLamports atomic.Int64
}

// NewJitoClient creates a new Jito bundle client.
func NewJitoClient(config JitoConfig) *JitoClient {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.LandTimeout == 0 {
		config.LandTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}
	if config.BlockEngineURL == "" {
		config.BlockEngineURL = jitoMainnetURL
	}
	return &JitoClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		breaker:    NewBreaker(breakerThreshold, breakerCooldown),
	}
}

// Enabled reports whether bundles are enabled.
func (c *JitoClient) Enabled() bool { return c.config.Enabled }

// TipLamports returns the configured tip per bundle.
func (c *JitoClient) TipLamports() uint64 { return c.config.TipLamports }

// BundleStatus tracks the state of a submitted bundle.
type BundleStatus struct {
	BundleID     string      `json:"bundle_id"`
	Status       string      `json:"status"`
	Slot         uint64      `json:"slot,omitempty"`
	Signatures   []Signature `json:"signatures,omitempty"`
	RejectReason string      `json:"reject_reason,omitempty"`
}

// Terminal reports whether the bundle reached a final state.
func (s BundleStatus) Terminal() bool {
	return s.Status == BundleLanded || s.Status == BundleRejected || s.Status == BundleTimeout
}

// SendBundle submits base64-encoded signed transactions as one bundle and
// returns its id. The last transaction is expected to carry the tip transfer.
func (c *JitoClient) SendBundle(ctx context.Context, transactions []string) (string, error) {
	const op = "jito: send bundle"
	if !c.config.Enabled {
		return "", domain.Errorf(domain.KindFatalConfig, op, "bundles not enabled")
	}
	if len(transactions) == 0 {
		return "", fmt.Errorf("jito: empty bundle")
	}
	if len(transactions) > 5 {
		return "", fmt.Errorf("jito: bundle of %d transactions exceeds 5", len(transactions))
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "sendBundle",
		Params:  []any{transactions, map[string]any{"encoding": "base64"}},
	})
	if err != nil {
		return "", fmt.Errorf("jito: marshal request: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, c.config.BlockEngineURL+jitoBundlePath, body, op)
	if err != nil {
		return "", err
	}

	var resp struct {
		Result string    `json:"result"`
		Error  *RPCError `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("jito: parse response: %w", err)
	}
	if resp.Error != nil {
		return "", classifyRPCError(op, resp.Error)
	}
	if resp.Result == "" {
		return "", fmt.Errorf("jito: empty bundle id")
	}

	c.bundlesSent.Add(1)
	c.totalTipLamports.Add(int64(c.config.TipLamports))

	log.Info().
		Str("bundle_id", resp.Result).
		Uint64("tip_lamports", c.config.TipLamports).
		Int("tx_count", len(transactions)).
		Msg("jito: bundle submitted")
	return resp.Result, nil
}

// GetBundleStatus fetches GET /bundles/{id}.
func (c *JitoClient) GetBundleStatus(ctx context.Context, bundleID string) (BundleStatus, error) {
	const op = "jito: bundle status"
	respBody, err := c.do(ctx, http.MethodGet, c.config.BlockEngineURL+jitoBundlePath+"/"+bundleID, nil, op)
	if err != nil {
		return BundleStatus{}, err
	}

	var resp struct {
		BundleID     string   `json:"bundle_id"`
		Status       string   `json:"status"`
		Slot         uint64   `json:"slot"`
		Transactions []string `json:"transactions"`
		Reason       string   `json:"reason"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return BundleStatus{}, fmt.Errorf("jito: parse status: %w", err)
	}

	status := BundleStatus{
		BundleID:     bundleID,
		Status:       strings.ToUpper(resp.Status),
		Slot:         resp.Slot,
		RejectReason: resp.Reason,
	}
	if status.Status == "" {
		status.Status = BundlePending
	}
	for _, s := range resp.Transactions {
		status.Signatures = append(status.Signatures, Signature(s))
	}
	return status, nil
}

// WaitForBundle polls the bundle until it lands, is rejected, or LandTimeout
// elapses. A local timeout is reported as BundleTimeout, not an error.
func (c *JitoClient) WaitForBundle(ctx context.Context, bundleID string) (BundleStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.config.LandTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		st, err := c.GetBundleStatus(waitCtx, bundleID)
		if err == nil && st.Terminal() {
			c.recordOutcome(st.Status)
			return st, nil
		}
		if err != nil {
			log.Debug().Err(err).Str("bundle_id", bundleID).Msg("jito: status poll failed")
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return BundleStatus{BundleID: bundleID, Status: BundlePending}, ctx.Err()
			}
			c.recordOutcome(BundleTimeout)
			return BundleStatus{BundleID: bundleID, Status: BundleTimeout}, nil
		case <-ticker.C:
		}
	}
}

func (c *JitoClient) recordOutcome(status string) {
	switch status {
	case BundleLanded:
		c.bundlesLanded.Add(1)
	case BundleRejected:
		c.bundlesRejected.Add(1)
	case BundleTimeout:
		c.bundlesTimedOut.Add(1)
	}
}

func (c *JitoClient) do(ctx context.Context, method, url string, body []byte, op string) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, domain.E(domain.KindTransientNetwork, op, fmt.Errorf("%w: %s", ErrCircuitOpen, c.config.BlockEngineURL))
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		c.breaker.Release()
		return nil, fmt.Errorf("jito: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.Failure()
		return nil, domain.E(domain.KindTransientNetwork, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.Failure()
		return nil, domain.E(domain.KindTransientNetwork, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.breaker.Success()
		return nil, domain.Errorf(domain.KindRateLimited, op, "HTTP 429")
	case resp.StatusCode >= 500:
		c.breaker.Failure()
		return nil, domain.Errorf(domain.KindTransientNetwork, op, "HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	case resp.StatusCode != http.StatusOK:
		c.breaker.Success()
		return nil, domain.Errorf(domain.KindUnknown, op, "HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}
	c.breaker.Success()
	return respBody, nil
}

// NextTipAccount returns the next tip account (round-robin).
func (c *JitoClient) NextTipAccount() Pubkey {
	idx := c.tipAcctIdx.Add(1) - 1
	return jitoTipAccounts[idx%uint32(len(jitoTipAccounts))]
}

// JitoStats returns Jito client statistics.
type JitoStats struct {
	Enabled          bool    `json:"enabled"`
	BundlesSent      int64   `json:"bundles_sent"`
	BundlesLanded    int64   `json:"bundles_landed"`
	BundlesRejected  int64   `json:"bundles_rejected"`
	BundlesTimedOut  int64   `json:"bundles_timed_out"`
	LandRate         float64 `json:"land_rate_pct"`
	TotalTipLamports int64   `json:"total_tip_lamports"`
}

func (c *JitoClient) Stats() JitoStats {
	sent := c.bundlesSent.Load()
	landed := c.bundlesLanded.Load()
	landRate := 0.0
	if sent > 0 {
		landRate = float64(landed) / float64(sent) * 100.0
	}
	return JitoStats{
		Enabled:          c.config.Enabled,
		BundlesSent:      sent,
		BundlesLanded:    landed,
		BundlesRejected:  c.bundlesRejected.Load(),
		BundlesTimedOut:  c.bundlesTimedOut.Load(),
		LandRate:         landRate,
		TotalTipLamports: c.totalTipLamports.Load(),
	}
}
