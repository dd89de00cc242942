// Package scanner discovers newly launched tokens from HTTP feeds and
// publishes them as LAUNCH signals.
package scanner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/bus"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Launch Scanner - polls discovery feeds and emits one signal per new token
// ---------------------------------------------------------------------------

// Config configures the launch scanner.
type Config struct {
	// Poll interval per feed.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Tokens remembered per feed to suppress repeats.
	SeenCapacity int `yaml:"seen_capacity"`

	// Minimum liquidity in USD to emit a launch. 0 disables the filter.
	MinLiquidityUSD float64 `yaml:"min_liquidity_usd"`

	// Maximum token age to consider. 0 disables the filter.
	MaxTokenAge time.Duration `yaml:"max_token_age"`

	// Max backoff after consecutive feed failures.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	Feeds []FeedConfig `yaml:"feeds"`
}

// DefaultConfig returns sensible defaults for memecoin hunting.
func DefaultConfig() Config {
	return Config{
		PollInterval:    10 * time.Second,
		SeenCapacity:    4096,
		MinLiquidityUSD: 500,
		MaxTokenAge:     30 * time.Minute,
		MaxBackoff:      60 * time.Second,
	}
}

// Publisher accepts signals. *bus.Bus implements it.
type Publisher interface {
	Publish(sig bus.Signal) bool
}

// LiquiditySink receives the liquidity each feed reports. The safety
// evaluator's liquidity book implements it.
type LiquiditySink interface {
	Record(mint solana.Pubkey, liq decimal.Decimal)
}

// LaunchScanner runs one poller per feed.
type LaunchScanner struct {
	config Config
	feeds  []Feed
	pub    Publisher
	sink   LiquiditySink
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]*SeenSet // feed name -> recently seen mints

	// Stats.
	polls    atomic.Int64
	scanned  atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	failures atomic.Int64
	lastPoll atomic.Int64 // unix nanos
}

// NewLaunchScanner creates a scanner over feeds. sink may be nil.
func NewLaunchScanner(config Config, feeds []Feed, pub Publisher, sink LiquiditySink) *LaunchScanner {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.SeenCapacity <= 0 {
		config.SeenCapacity = def.SeenCapacity
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	return &LaunchScanner{
		config: config,
		feeds:  feeds,
		pub:    pub,
		sink:   sink,
		now:    time.Now,
		seen:   make(map[string]*SeenSet),
	}
}

// Name identifies the worker.
func (s *LaunchScanner) Name() string { return "launch-scanner" }

// Run polls every feed until ctx is cancelled. Feeds are isolated: one
// failing feed backs off on its own.
func (s *LaunchScanner) Run(ctx context.Context) error {
	s.lastPoll.Store(s.now().UnixNano())
	if len(s.feeds) == 0 {
		log.Warn().Msg("scanner: no launch feeds configured, idle")
		return idle(ctx, s.config.PollInterval, &s.lastPoll, s.now)
	}

	log.Info().
		Int("feeds", len(s.feeds)).
		Dur("interval", s.config.PollInterval).
		Float64("min_liquidity_usd", s.config.MinLiquidityUSD).
		Dur("max_age", s.config.MaxTokenAge).
		Msg("scanner: starting launch feeds")

	var wg sync.WaitGroup
	for _, f := range s.feeds {
		f := f
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pollFeed(ctx, f)
		}()
	}
	wg.Wait()
	log.Info().Msg("scanner: stopped")
	return ctx.Err()
}

func (s *LaunchScanner) pollFeed(ctx context.Context, f Feed) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("feed", f.Name()).Msg("scanner: feed panic recovered")
		}
	}()

	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		_, err := s.PollFeed(ctx, f)
		s.lastPoll.Store(s.now().UnixNano())
		wait := s.config.PollInterval
		if err != nil {
			failures++
			wait = backoff(s.config.PollInterval, failures, s.config.MaxBackoff)
			log.Warn().Err(err).Str("feed", f.Name()).Dur("retry_in", wait).Msg("scanner: feed poll failed")
		} else {
			failures = 0
		}
		timer.Reset(wait)
	}
}

// LastProgress returns when a feed was last polled.
func (s *LaunchScanner) LastProgress() time.Time {
	if ns := s.lastPoll.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// idle keeps a feedless scanner visibly alive until ctx is done.
func idle(ctx context.Context, every time.Duration, beat *atomic.Int64, now func() time.Time) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			beat.Store(now().UnixNano())
		}
	}
}

func backoff(base time.Duration, failures int, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < failures && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// PollFeed fetches f once and publishes every new launch that passes the
// filters. Returns the number of signals emitted.
func (s *LaunchScanner) PollFeed(ctx context.Context, f Feed) (int, error) {
	s.polls.Add(1)
	launches, err := f.Fetch(ctx)
	if err != nil {
		s.failures.Add(1)
		return 0, fmt.Errorf("scanner: %s: %w", f.Name(), err)
	}
	seen := s.seenFor(f.Name())
	emitted := 0
	for _, l := range launches {
		if s.handleLaunch(l, f.Name(), seen) {
			emitted++
		}
	}
	return emitted, nil
}

func (s *LaunchScanner) seenFor(feed string) *SeenSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.seen[feed]
	if !ok {
		set = NewSeenSet(s.config.SeenCapacity)
		s.seen[feed] = set
	}
	return set
}

// handleLaunch processes one feed entry through filters.
func (s *LaunchScanner) handleLaunch(l Launch, feed string, seen *SeenSet) bool {
	s.scanned.Add(1)
	if s.sink != nil && l.LiquidityUSD.IsPositive() {
		s.sink.Record(l.Mint, l.LiquidityUSD)
	}

	// Dedup: one signal per token per feed while it stays in the LRU.
	if !seen.Add(string(l.Mint)) {
		return false
	}

	// Filter 1: Minimum liquidity.
	if s.config.MinLiquidityUSD > 0 && l.LiquidityUSD.LessThan(decimal.NewFromFloat(s.config.MinLiquidityUSD)) {
		s.rejected.Add(1)
		log.Debug().
			Str("token", string(l.Mint)).
			Str("liquidity", l.LiquidityUSD.String()).
			Msg("scanner: rejected - low liquidity")
		return false
	}

	// Filter 2: Token age.
	now := s.now()
	var age time.Duration
	if !l.CreatedAt.IsZero() {
		age = now.Sub(l.CreatedAt)
		if age < 0 {
			age = 0
		}
	}
	if s.config.MaxTokenAge > 0 && age > s.config.MaxTokenAge {
		s.rejected.Add(1)
		return false
	}

	liq, _ := l.LiquidityUSD.Float64()
	sig := bus.NewLaunchSignal(string(l.Mint), bus.LaunchPayload{
		Feed:         feed,
		LiquidityUSD: liq,
		AgeSeconds:   int64(age / time.Second),
	}, now)
	s.pub.Publish(sig)
	s.accepted.Add(1)

	log.Info().
		Str("feed", feed).
		Str("dex", l.DEX).
		Str("token", string(l.Mint)).
		Str("liquidity", l.LiquidityUSD.StringFixed(0)).
		Dur("age", age).
		Msg("scanner: new launch")
	return true
}

// Stats returns scanner statistics.
type Stats struct {
	Polls    int64          `json:"polls"`
	Scanned  int64          `json:"scanned"`
	Accepted int64          `json:"accepted"`
	Rejected int64          `json:"rejected"`
	Failures int64          `json:"failures"`
	Seen     map[string]int `json:"seen"`
}

func (s *LaunchScanner) Stats() Stats {
	s.mu.Lock()
	seen := make(map[string]int, len(s.seen))
	for k, v := range s.seen {
		seen[k] = v.Len()
	}
	s.mu.Unlock()

	return Stats{
		Polls:    s.polls.Load(),
		Scanned:  s.scanned.Load(),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Failures: s.failures.Load(),
		Seen:     seen,
	}
}
