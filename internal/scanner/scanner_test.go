package scanner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/bus"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Launch Scanner Tests
// ---------------------------------------------------------------------------

type recorder struct {
	mu   sync.Mutex
	sigs []bus.Signal
}

func (r *recorder) Publish(sig bus.Signal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, sig)
	return true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sigs)
}

type staticFeed struct {
	name     string
	mu       sync.Mutex
	launches []Launch
	err      error
	calls    int
}

func (f *staticFeed) Name() string { return f.name }

func (f *staticFeed) Fetch(context.Context) ([]Launch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]Launch(nil), f.launches...), nil
}

type sink struct {
	mu  sync.Mutex
	liq map[solana.Pubkey]decimal.Decimal
}

func (s *sink) Record(mint solana.Pubkey, liq decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liq == nil {
		s.liq = make(map[solana.Pubkey]decimal.Decimal)
	}
	s.liq[mint] = liq
}

func launch(mint string, liq int64, age time.Duration) Launch {
	return Launch{Mint: solana.Pubkey(mint), LiquidityUSD: decimal.NewFromInt(liq), CreatedAt: time.Now().Add(-age)}
}

func TestLaunchScanner_EmitsOncePerToken(t *testing.T) {
	rec := &recorder{}
	liq := &sink{}
	feed := &staticFeed{name: "dex", launches: []Launch{
		launch("MintA", 20_000, time.Minute),
		launch("MintA", 20_000, time.Minute),
		launch("MintB", 5_000, 10*time.Minute),
	}}
	s := NewLaunchScanner(DefaultConfig(), []Feed{feed}, rec, liq)

	n, err := s.PollFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.PollFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Zero(t, n, "already seen")

	require.Equal(t, 2, rec.count())
	first := rec.sigs[0]
	assert.Equal(t, domain.SourceLaunch, first.Source)
	assert.Equal(t, "MintA", first.Token)
	require.NotNil(t, first.Launch)
	assert.Equal(t, "dex", first.Launch.Feed)
	assert.InDelta(t, 20_000, first.Launch.LiquidityUSD, 1e-9)
	assert.InDelta(t, 60, first.Launch.AgeSeconds, 2)

	assert.True(t, liq.liq["MintB"].Equal(decimal.NewFromInt(5_000)))
}

func TestLaunchScanner_SeenIsPerFeed(t *testing.T) {
	rec := &recorder{}
	a := &staticFeed{name: "a", launches: []Launch{launch("Mint", 20_000, 0)}}
	b := &staticFeed{name: "b", launches: []Launch{launch("Mint", 20_000, 0)}}
	s := NewLaunchScanner(DefaultConfig(), []Feed{a, b}, rec, nil)

	_, _ = s.PollFeed(context.Background(), a)
	_, _ = s.PollFeed(context.Background(), b)
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, s.Stats().Seen)
}

func TestLaunchScanner_Filters(t *testing.T) {
	rec := &recorder{}
	feed := &staticFeed{name: "dex", launches: []Launch{
		launch("Dust", 100, time.Minute),
		launch("Old", 50_000, 2*time.Hour),
		{Mint: "NoAge", LiquidityUSD: decimal.NewFromInt(1_000)},
	}}
	s := NewLaunchScanner(DefaultConfig(), []Feed{feed}, rec, nil)

	n, err := s.PollFeed(context.Background(), feed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "NoAge", rec.sigs[0].Token)
	assert.Equal(t, int64(2), s.Stats().Rejected)
}

func TestLaunchScanner_LRUBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SeenCapacity = 2
	rec := &recorder{}
	feed := &staticFeed{name: "dex"}
	s := NewLaunchScanner(cfg, []Feed{feed}, rec, nil)
	ctx := context.Background()

	for _, m := range []string{"A", "B", "C"} {
		feed.launches = []Launch{launch(m, 20_000, 0)}
		_, err := s.PollFeed(ctx, feed)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, rec.count())

	// A was evicted by C and is treated as new again.
	feed.launches = []Launch{launch("A", 20_000, 0)}
	n, _ := s.PollFeed(ctx, feed)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, s.Stats().Seen["dex"])
}

func TestLaunchScanner_FeedErrorsAreIsolated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	rec := &recorder{}
	bad := &staticFeed{name: "bad", err: errors.New("boom")}
	good := &staticFeed{name: "good", launches: []Launch{launch("Mint", 20_000, 0)}}
	s := NewLaunchScanner(cfg, []Feed{bad, good}, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Stats().Failures >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestBackoff(t *testing.T) {
	base := 10 * time.Second
	assert.Equal(t, base, backoff(base, 1, time.Minute))
	assert.Equal(t, 20*time.Second, backoff(base, 2, time.Minute))
	assert.Equal(t, 40*time.Second, backoff(base, 3, time.Minute))
	assert.Equal(t, time.Minute, backoff(base, 9, time.Minute))
}

func TestHTTPFeed_Pairs(t *testing.T) {
	created := time.Now().Add(-3 * time.Minute).UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"pairs":[
			{"chainId":"solana","dexId":"raydium","pairAddress":"P1","baseToken":{"address":"New1"},"quoteToken":{"address":"%s"},"liquidity":{"usd":12000},"pairCreatedAt":%d},
			{"chainId":"solana","dexId":"orca","pairAddress":"P2","baseToken":{"address":"%s"},"quoteToken":{"address":"New2"}},
			{"chainId":"bsc","pairAddress":"P3","baseToken":{"address":"Other"}}
		]}`, solana.SOLMint, created, solana.SOLMint)
	}))
	defer srv.Close()

	f := NewHTTPFeed(FeedConfig{Name: "ds", URL: srv.URL})
	got, err := f.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, solana.Pubkey("New1"), got[0].Mint)
	assert.True(t, got[0].LiquidityUSD.Equal(decimal.NewFromInt(12000)))
	assert.Equal(t, created, got[0].CreatedAt.UnixMilli())
	assert.Equal(t, solana.Pubkey("New2"), got[1].Mint, "token on the quote side is still found")
}

func TestHTTPFeed_ListAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/list":
			_, _ = w.Write([]byte(`[{"mint":"M1","liquidity_usd":"750.5","created_at":"2026-01-02T03:04:05Z"},{"mint":""}]`))
		case "/slow-down":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	got, err := NewHTTPFeed(FeedConfig{URL: srv.URL + "/list", Format: FormatList}).Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].LiquidityUSD.Equal(decimal.RequireFromString("750.5")))

	_, err = NewHTTPFeed(FeedConfig{URL: srv.URL + "/slow-down"}).Fetch(ctx)
	assert.True(t, domain.IsKind(err, domain.KindRateLimited))

	_, err = NewHTTPFeed(FeedConfig{URL: srv.URL + "/down"}).Fetch(ctx)
	assert.True(t, domain.Retryable(err))
}

func TestSeenSet(t *testing.T) {
	s := NewSeenSet(2)
	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.False(t, s.Add("a"), "refreshes a")
	assert.True(t, s.Add("c"), "evicts b")
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("b"))
	assert.Equal(t, 2, s.Len())
}
