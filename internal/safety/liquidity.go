package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/shopspring/decimal"
)

// LiquiditySource reports the pooled USD liquidity of a mint. ok is false
// when the source knows no pool for it.
type LiquiditySource interface {
	LiquidityUSD(ctx context.Context, mint solana.Pubkey) (liq decimal.Decimal, ok bool, err error)
}

// ---------------------------------------------------------------------------
// LiquidityBook - liquidity observed by the launch scanner
// ---------------------------------------------------------------------------

// LiquidityBook remembers the latest liquidity reported for each mint.
type LiquidityBook struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[solana.Pubkey]bookEntry
	now     func() time.Time
}

type bookEntry struct {
	liq decimal.Decimal
	at  time.Time
}

// NewLiquidityBook creates a book whose entries expire after ttl.
func NewLiquidityBook(ttl time.Duration) *LiquidityBook {
	return &LiquidityBook{ttl: ttl, entries: make(map[solana.Pubkey]bookEntry), now: time.Now}
}

// Record stores liquidity for mint.
func (b *LiquidityBook) Record(mint solana.Pubkey, liq decimal.Decimal) {
	b.mu.Lock()
	b.entries[mint] = bookEntry{liq: liq, at: b.now()}
	b.mu.Unlock()
}

// LiquidityUSD implements LiquiditySource.
func (b *LiquidityBook) LiquidityUSD(_ context.Context, mint solana.Pubkey) (decimal.Decimal, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[mint]
	if !ok || (b.ttl > 0 && b.now().Sub(e.at) > b.ttl) {
		return decimal.Zero, false, nil
	}
	return e.liq, true, nil
}

// Prune drops expired entries.
func (b *LiquidityBook) Prune() int {
	if b.ttl <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	n := 0
	for m, e := range b.entries {
		if now.Sub(e.at) > b.ttl {
			delete(b.entries, m)
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// DexScreener - pair liquidity over HTTP
// https://docs.dexscreener.com/api/reference
// ---------------------------------------------------------------------------

const defaultDexScreenerURL = "https://api.dexscreener.com"

// DexScreener reads pair liquidity from the public tokens endpoint. The
// deepest Solana pair wins.
type DexScreener struct {
	baseURL    string
	httpClient *http.Client
	bucket     *solana.TokenBucket
}

// NewDexScreener creates a client. An empty baseURL uses the public API.
func NewDexScreener(baseURL string, timeout time.Duration, rps float64) *DexScreener {
	if baseURL == "" {
		baseURL = defaultDexScreenerURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if rps <= 0 {
		rps = 5
	}
	return &DexScreener{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		bucket:     solana.NewTokenBucket(rps, 0),
	}
}

// Close stops the rate limiter.
func (d *DexScreener) Close() { d.bucket.Close() }

type dexPairsResponse struct {
	Pairs []struct {
		ChainID   string `json:"chainId"`
		PairAddr  string `json:"pairAddress"`
		Liquidity *struct {
			USD float64 `json:"usd"`
		} `json:"liquidity"`
	} `json:"pairs"`
}

// LiquidityUSD implements LiquiditySource.
func (d *DexScreener) LiquidityUSD(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, bool, error) {
	const op = "safety.dexscreener"
	if err := d.bucket.Wait(ctx); err != nil {
		return decimal.Zero, false, domain.E(domain.KindTransientNetwork, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/latest/dex/tokens/"+string(mint), nil)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%s: create request: %w", op, err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, false, domain.E(domain.KindTransientNetwork, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, false, domain.E(domain.KindTransientNetwork, op, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return decimal.Zero, false, domain.Errorf(domain.KindRateLimited, op, "HTTP 429")
	case resp.StatusCode != http.StatusOK:
		return decimal.Zero, false, domain.Errorf(domain.KindTransientNetwork, op, "HTTP %d", resp.StatusCode)
	}

	var parsed dexPairsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Zero, false, fmt.Errorf("%s: decode: %w", op, err)
	}
	best, found := 0.0, false
	for _, p := range parsed.Pairs {
		if p.ChainID != "solana" || p.Liquidity == nil {
			continue
		}
		if !found || p.Liquidity.USD > best {
			best, found = p.Liquidity.USD, true
		}
	}
	if !found {
		return decimal.Zero, false, nil
	}
	return decimal.NewFromFloat(best), true, nil
}

// ---------------------------------------------------------------------------
// Chain - first source that knows the mint wins
// ---------------------------------------------------------------------------

// Chain queries sources in order and returns the first known liquidity.
// Errors are returned only if no source answered.
type Chain []LiquiditySource

// LiquidityUSD implements LiquiditySource.
func (c Chain) LiquidityUSD(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, bool, error) {
	var firstErr error
	for _, src := range c {
		if src == nil {
			continue
		}
		liq, ok, err := src.LiquidityUSD(ctx, mint)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return liq, true, nil
		}
	}
	return decimal.Zero, false, firstErr
}
