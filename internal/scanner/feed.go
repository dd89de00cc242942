package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/shopspring/decimal"
)

// Launch is one token listed by a discovery feed.
type Launch struct {
	Mint         solana.Pubkey   `json:"mint"`
	Pool         solana.Pubkey   `json:"pool,omitempty"`
	DEX          string          `json:"dex,omitempty"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Feed lists recently launched tokens.
type Feed interface {
	Name() string
	Fetch(ctx context.Context) ([]Launch, error)
}

// Feed formats understood by HTTPFeed.
const (
	// FormatPairs is the DexScreener pairs schema.
	FormatPairs = "pairs"
	// FormatList is a flat array of {mint, liquidity_usd, created_at}.
	FormatList = "list"
)

// FeedConfig describes one HTTP discovery feed.
type FeedConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Format  string        `yaml:"format"` // pairs|list
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPFeed polls a JSON endpoint for new tokens.
type HTTPFeed struct {
	config     FeedConfig
	httpClient *http.Client
}

// NewHTTPFeed creates a feed.
func NewHTTPFeed(config FeedConfig) *HTTPFeed {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Format == "" {
		config.Format = FormatPairs
	}
	if config.Name == "" {
		config.Name = config.URL
	}
	return &HTTPFeed{config: config, httpClient: &http.Client{Timeout: config.Timeout}}
}

// Name implements Feed.
func (f *HTTPFeed) Name() string { return f.config.Name }

// Fetch implements Feed.
func (f *HTTPFeed) Fetch(ctx context.Context) ([]Launch, error) {
	op := "scanner.feed." + f.config.Name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, domain.E(domain.KindTransientNetwork, op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, domain.E(domain.KindTransientNetwork, op, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.Errorf(domain.KindRateLimited, op, "HTTP 429")
	case resp.StatusCode != http.StatusOK:
		return nil, domain.Errorf(domain.KindTransientNetwork, op, "HTTP %d", resp.StatusCode)
	}

	switch strings.ToLower(f.config.Format) {
	case FormatList:
		return decodeList(body)
	default:
		return decodePairs(body)
	}
}

func decodePairs(body []byte) ([]Launch, error) {
	var resp struct {
		Pairs []struct {
			ChainID     string `json:"chainId"`
			DexID       string `json:"dexId"`
			PairAddress string `json:"pairAddress"`
			BaseToken   struct {
				Address string `json:"address"`
			} `json:"baseToken"`
			QuoteToken struct {
				Address string `json:"address"`
			} `json:"quoteToken"`
			Liquidity *struct {
				USD float64 `json:"usd"`
			} `json:"liquidity"`
			PairCreatedAt int64 `json:"pairCreatedAt"` // unix ms
		} `json:"pairs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("scanner: decode pairs: %w", err)
	}
	out := make([]Launch, 0, len(resp.Pairs))
	for _, p := range resp.Pairs {
		if p.ChainID != "" && p.ChainID != "solana" {
			continue
		}
		mint := solana.Pubkey(p.BaseToken.Address)
		// Pairs quoted the other way round list the new token second.
		if solana.IsQuoteMint(mint) {
			mint = solana.Pubkey(p.QuoteToken.Address)
		}
		if mint == "" || solana.IsQuoteMint(mint) {
			continue
		}
		l := Launch{Mint: mint, Pool: solana.Pubkey(p.PairAddress), DEX: p.DexID}
		if p.Liquidity != nil {
			l.LiquidityUSD = decimal.NewFromFloat(p.Liquidity.USD)
		}
		if p.PairCreatedAt > 0 {
			l.CreatedAt = time.UnixMilli(p.PairCreatedAt)
		}
		out = append(out, l)
	}
	return out, nil
}

func decodeList(body []byte) ([]Launch, error) {
	var items []struct {
		Mint         string          `json:"mint"`
		Pool         string          `json:"pool"`
		DEX          string          `json:"dex"`
		LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
		CreatedAt    time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("scanner: decode list: %w", err)
	}
	out := make([]Launch, 0, len(items))
	for _, it := range items {
		if it.Mint == "" {
			continue
		}
		out = append(out, Launch{
			Mint:         solana.Pubkey(it.Mint),
			Pool:         solana.Pubkey(it.Pool),
			DEX:          it.DEX,
			LiquidityUSD: it.LiquidityUSD,
			CreatedAt:    it.CreatedAt,
		})
	}
	return out, nil
}
