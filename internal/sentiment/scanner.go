// Package sentiment scans social feeds for token mentions and publishes
// aggregated SENTIMENT signals.
package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/bus"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Sentiment Scanner - social mentions aggregated per mint per scan
// ---------------------------------------------------------------------------

// MinPollInterval is the floor on the scan interval.
const MinPollInterval = 5 * time.Minute

// Post is one piece of social text.
type Post struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Feed lists recent posts.
type Feed interface {
	Name() string
	Fetch(ctx context.Context) ([]Post, error)
}

// Config configures the sentiment scanner.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MinMentions  int           `yaml:"min_mentions"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	Lexicon      Lexicon       `yaml:"lexicon"`
	FeedURLs     []string      `yaml:"feed_urls"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: MinPollInterval,
		MinMentions:  3,
		MaxBackoff:   30 * time.Minute,
		Lexicon:      DefaultLexicon(),
	}
}

// Publisher accepts signals. *bus.Bus implements it.
type Publisher interface {
	Publish(sig bus.Signal) bool
}

// Scanner polls every feed, counts mint mentions and emits one signal per
// mint per scan once the mention count reaches MinMentions.
type Scanner struct {
	config Config
	feeds  []Feed
	pub    Publisher
	score  *scorer
	now    func() time.Time

	scans    atomic.Int64
	posts    atomic.Int64
	emitted  atomic.Int64
	failures atomic.Int64
	lastScan atomic.Int64 // unix ms
	lastBeat atomic.Int64 // unix nanos, every attempt
}

// NewScanner creates a scanner. The poll interval never drops below
// MinPollInterval.
func NewScanner(config Config, feeds []Feed, pub Publisher) *Scanner {
	def := DefaultConfig()
	if config.PollInterval < MinPollInterval {
		config.PollInterval = MinPollInterval
	}
	if config.MinMentions <= 0 {
		config.MinMentions = def.MinMentions
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if len(config.Lexicon.Positive)+len(config.Lexicon.Negative) == 0 {
		config.Lexicon = def.Lexicon
	}
	return &Scanner{
		config: config,
		feeds:  feeds,
		pub:    pub,
		score:  newScorer(config.Lexicon),
		now:    time.Now,
	}
}

// Name identifies the worker.
func (s *Scanner) Name() string { return "sentiment-scanner" }

// LastProgress returns when a scan was last attempted.
func (s *Scanner) LastProgress() time.Time {
	if ns := s.lastBeat.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Run scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.lastBeat.Store(s.now().UnixNano())
	if len(s.feeds) == 0 {
		log.Warn().Msg("sentiment: no social feeds configured, idle")
		t := time.NewTicker(s.config.PollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				s.lastBeat.Store(s.now().UnixNano())
			}
		}
	}
	log.Info().
		Int("feeds", len(s.feeds)).
		Dur("interval", s.config.PollInterval).
		Int("min_mentions", s.config.MinMentions).
		Msg("sentiment: scanner starting")

	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		wait := s.config.PollInterval
		_, err := s.ScanOnce(ctx)
		s.lastBeat.Store(s.now().UnixNano())
		if err != nil {
			failures++
			if extra := s.config.PollInterval << uint(min(failures-1, 8)); extra < s.config.MaxBackoff {
				wait = extra
			} else {
				wait = s.config.MaxBackoff
			}
			log.Warn().Err(err).Dur("retry_in", wait).Msg("sentiment: scan failed")
		} else {
			failures = 0
		}
		timer.Reset(wait)
	}
}

type tally struct {
	mentions int
	sumScore float64
	sources  map[string]struct{}
}

// ScanOnce fetches every feed once and publishes the qualifying mints.
// Feed errors are isolated; ScanOnce only fails when every feed failed.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	s.scans.Add(1)
	type result struct {
		feed  string
		posts []Post
		err   error
	}
	results := make([]result, len(s.feeds))
	var wg sync.WaitGroup
	for i, f := range s.feeds {
		wg.Add(1)
		go func(i int, f Feed) {
			defer wg.Done()
			posts, err := f.Fetch(ctx)
			results[i] = result{feed: f.Name(), posts: posts, err: err}
		}(i, f)
	}
	wg.Wait()

	tallies := make(map[string]*tally)
	failed := 0
	var lastErr error
	for _, r := range results {
		if r.err != nil {
			failed++
			lastErr = r.err
			s.failures.Add(1)
			log.Warn().Err(r.err).Str("feed", r.feed).Msg("sentiment: feed fetch failed")
			continue
		}
		s.posts.Add(int64(len(r.posts)))
		for _, p := range r.posts {
			mints := ExtractMints(p.Text)
			if len(mints) == 0 {
				continue
			}
			score := s.score.Score(p.Text)
			for _, m := range mints {
				t, ok := tallies[m]
				if !ok {
					t = &tally{sources: make(map[string]struct{})}
					tallies[m] = t
				}
				t.mentions++
				t.sumScore += score
				t.sources[r.feed] = struct{}{}
			}
		}
	}
	if failed == len(s.feeds) {
		return 0, fmt.Errorf("sentiment: all %d feeds failed: %w", failed, lastErr)
	}

	mints := make([]string, 0, len(tallies))
	for m := range tallies {
		mints = append(mints, m)
	}
	sort.Strings(mints)

	now := s.now()
	emitted := 0
	for _, m := range mints {
		t := tallies[m]
		if t.mentions < s.config.MinMentions {
			continue
		}
		s.pub.Publish(bus.NewSentimentSignal(m, bus.SentimentPayload{
			Mentions:    t.mentions,
			Sentiment:   t.sumScore / float64(t.mentions),
			SourcesUsed: sortedKeys(t.sources),
		}, now))
		emitted++
	}
	s.emitted.Add(int64(emitted))
	s.lastScan.Store(now.UnixMilli())

	if emitted > 0 {
		log.Info().Int("tokens", emitted).Int("candidates", len(tallies)).Msg("sentiment: scan emitted")
	}
	return emitted, nil
}

// Stats returns scanner statistics.
type Stats struct {
	Scans    int64 `json:"scans"`
	Posts    int64 `json:"posts"`
	Emitted  int64 `json:"emitted"`
	Failures int64 `json:"failures"`
	LastScan int64 `json:"last_scan_ms"`
}

func (s *Scanner) Stats() Stats {
	return Stats{
		Scans:    s.scans.Load(),
		Posts:    s.posts.Load(),
		Emitted:  s.emitted.Load(),
		Failures: s.failures.Load(),
		LastScan: s.lastScan.Load(),
	}
}

// ---------------------------------------------------------------------------
// HTTP feed
// ---------------------------------------------------------------------------

// HTTPFeed reads posts from a JSON endpoint returning either an array of
// posts or {"posts": [...]}.
type HTTPFeed struct {
	name       string
	url        string
	httpClient *http.Client
}

// NewHTTPFeed creates a feed. An empty name defaults to the URL.
func NewHTTPFeed(name, url string, timeout time.Duration) *HTTPFeed {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if name == "" {
		name = url
	}
	return &HTTPFeed{name: name, url: url, httpClient: &http.Client{Timeout: timeout}}
}

// Name implements Feed.
func (f *HTTPFeed) Name() string { return f.name }

// Fetch implements Feed.
func (f *HTTPFeed) Fetch(ctx context.Context) ([]Post, error) {
	op := "sentiment.feed." + f.name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
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

	var posts []Post
	if err := json.Unmarshal(body, &posts); err == nil {
		return posts, nil
	}
	var wrapped struct {
		Posts []Post `json:"posts"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return wrapped.Posts, nil
}
