// Package scorer fuses signals for the same (user, token) into a unified
// confidence score.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/bus"
	"github.com/nexus-trading/autosnipe/internal/community"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/scanner"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Unified Scorer - sliding-window fusion of LEADER / LAUNCH / SENTIMENT
// signals plus on-demand community ratings
// ---------------------------------------------------------------------------

// Classification thresholds.
const (
	UltraThreshold  = 0.90
	HighThreshold   = 0.80
	MediumThreshold = 0.65

	alignedSubscore = 70.0
	boostTwo        = 1.10
	boostThree      = 1.15

	directionUp   = 0.60
	directionDown = 0.40
)

// Config configures the scorer.
type Config struct {
	// Window is how long a signal keeps contributing to its token's score.
	Window time.Duration `yaml:"window"`
	// UsersRefresh bounds how stale the auto-trade user list may be.
	UsersRefresh time.Duration `yaml:"users_refresh"`
	// OutputBuffer sizes the candidate channel.
	OutputBuffer int `yaml:"output_buffer"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Window:       30 * time.Second,
		UsersRefresh: 10 * time.Second,
		OutputBuffer: 256,
	}
}

// SignalSource is drained by the scorer. *bus.Bus implements it.
type SignalSource interface {
	Next(ctx context.Context) (bus.Signal, error)
}

// CommunityLookup returns the community view of a token.
type CommunityLookup interface {
	Lookup(ctx context.Context, mint string) (community.Rating, error)
}

// UserLister lists users with auto-trading or sniping enabled.
type UserLister interface {
	ListAutoTradeUsers(ctx context.Context) ([]domain.UserSettings, error)
}

// Scorer is a single-threaded consumer of the signal bus.
type Scorer struct {
	config    Config
	src       SignalSource
	users     UserLister
	community CommunityLookup
	out       chan domain.ScoredCandidate
	now       func() time.Time

	weights atomic.Pointer[Weights]

	// Owned by the Run goroutine.
	window     map[string][]bus.Signal // token -> signals observed inside Window
	userCache  []int64
	usersAt    time.Time
	lastActive atomic.Int64
	lastBeat   atomic.Int64

	consumed atomic.Int64
	emitted  atomic.Int64
	dupes    atomic.Int64
}

// New creates a scorer. community may be nil.
func New(config Config, src SignalSource, users UserLister, community CommunityLookup) *Scorer {
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.UsersRefresh <= 0 {
		config.UsersRefresh = def.UsersRefresh
	}
	if config.OutputBuffer <= 0 {
		config.OutputBuffer = def.OutputBuffer
	}
	s := &Scorer{
		config:    config,
		src:       src,
		users:     users,
		community: community,
		out:       make(chan domain.ScoredCandidate, config.OutputBuffer),
		now:       time.Now,
		window:    make(map[string][]bus.Signal),
	}
	w := DefaultWeights()
	s.weights.Store(&w)
	return s
}

// Name identifies the worker.
func (s *Scorer) Name() string { return "scorer" }

// Candidates is the scorer's output, consumed by the decision engine.
func (s *Scorer) Candidates() <-chan domain.ScoredCandidate { return s.out }

// Weights returns the current weight snapshot. Callers must not mutate it.
func (s *Scorer) Weights() Weights { return *s.weights.Load() }

// SetWeights swaps in a normalized copy of w.
func (s *Scorer) SetWeights(w map[domain.Component]float64) {
	n := Weights(w).Normalize()
	s.weights.Store(&n)
}

// idleBeat bounds how long Run waits on an empty bus before it records
// progress anyway.
const idleBeat = 15 * time.Second

// Run drains the bus until ctx is cancelled or the bus is closed.
func (s *Scorer) Run(ctx context.Context) error {
	log.Info().Dur("window", s.config.Window).Msg("scorer: started")
	s.beat()
	for {
		next, cancel := context.WithTimeout(ctx, idleBeat)
		sig, err := s.src.Next(next)
		cancel()
		s.beat()
		if err != nil {
			if errors.Is(err, bus.ErrClosed) {
				log.Info().Msg("scorer: bus closed")
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			return err
		}
		cands, err := s.Observe(ctx, sig)
		if err != nil {
			log.Warn().Err(err).Str("token", sig.Token).Msg("scorer: observe failed")
			continue
		}
		for _, c := range cands {
			select {
			case s.out <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Observe adds sig to its token window and scores every affected user.
// Leader signals address their owner; other sources fan out to every user
// with auto-trading or sniping enabled.
func (s *Scorer) Observe(ctx context.Context, sig bus.Signal) ([]domain.ScoredCandidate, error) {
	s.consumed.Add(1)
	now := s.now()
	s.lastActive.Store(now.UnixMilli())
	s.prune(now)

	if s.isDuplicate(sig) {
		s.dupes.Add(1)
		return nil, nil
	}
	s.window[sig.Token] = append(s.window[sig.Token], sig)

	var targets []int64
	if sig.UserID != 0 {
		targets = []int64{sig.UserID}
	} else {
		users, err := s.autoTradeUsers(ctx, now)
		if err != nil {
			return nil, err
		}
		targets = users
	}
	if len(targets) == 0 {
		return nil, nil
	}

	var rating *community.Rating
	if s.community != nil {
		r, err := s.community.Lookup(ctx, sig.Token)
		if err != nil {
			log.Debug().Err(err).Str("token", sig.Token).Msg("scorer: community lookup failed")
		} else if r.Count > 0 {
			rating = &r
		}
	}

	weights := s.Weights()
	out := make([]domain.ScoredCandidate, 0, len(targets))
	for _, uid := range targets {
		sigs := s.signalsFor(sig.Token, uid)
		c := Score(uid, sig.Token, sigs, rating, weights, now)
		out = append(out, c)
	}
	s.emitted.Add(int64(len(out)))
	return out, nil
}

// isDuplicate reports a leader swap already inside the window.
func (s *Scorer) isDuplicate(sig bus.Signal) bool {
	key := sig.DedupKey()
	if key == "" {
		return false
	}
	for _, prev := range s.window[sig.Token] {
		if prev.UserID == sig.UserID && prev.DedupKey() == key {
			return true
		}
	}
	return false
}

func (s *Scorer) prune(now time.Time) {
	cutoff := now.Add(-s.config.Window)
	for token, sigs := range s.window {
		kept := sigs[:0]
		for _, sg := range sigs {
			if sg.ObservedAt.After(cutoff) {
				kept = append(kept, sg)
			}
		}
		if len(kept) == 0 {
			delete(s.window, token)
			continue
		}
		s.window[token] = kept
	}
}

func (s *Scorer) signalsFor(token string, userID int64) []bus.Signal {
	var out []bus.Signal
	for _, sg := range s.window[token] {
		if sg.UserID == 0 || sg.UserID == userID {
			out = append(out, sg)
		}
	}
	return out
}

func (s *Scorer) autoTradeUsers(ctx context.Context, now time.Time) ([]int64, error) {
	if s.userCache != nil && now.Sub(s.usersAt) < s.config.UsersRefresh {
		return s.userCache, nil
	}
	settings, err := s.users.ListAutoTradeUsers(ctx)
	if err != nil {
		if s.userCache != nil {
			log.Warn().Err(err).Msg("scorer: user refresh failed, using cached list")
			return s.userCache, nil
		}
		return nil, fmt.Errorf("scorer: list users: %w", err)
	}
	ids := make([]int64, 0, len(settings))
	for _, st := range settings {
		ids = append(ids, st.UserID)
	}
	s.userCache, s.usersAt = ids, now
	return ids, nil
}

// Score computes the candidate for one user from the signals in its window.
func Score(userID int64, token string, sigs []bus.Signal, rating *community.Rating, w Weights, now time.Time) domain.ScoredCandidate {
	c := domain.ScoredCandidate{
		UserID:    userID,
		Token:     token,
		Subscores: make(map[domain.Component]float64, len(domain.AllComponents)),
		ScoredAt:  now,
	}
	for _, comp := range domain.AllComponents {
		c.Subscores[comp] = 50
	}

	sources := make(map[domain.SignalSource]bool)
	var (
		launch         *bus.LaunchPayload
		launchAt       time.Time
		sentSum        float64
		sentMentions   int
		strengthSum    float64
		strengthScored float64
		leaders        = make(map[string]bool)
	)
	for i := range sigs {
		sg := &sigs[i]
		if c.WindowStart.IsZero() || sg.ObservedAt.Before(c.WindowStart) {
			c.WindowStart = sg.ObservedAt
		}
		switch {
		case sg.Leader != nil:
			sources[domain.SourceLeader] = true
			strengthSum += sg.Leader.Strength
			strengthScored += sg.Leader.Strength * sg.Leader.LeaderScore
			if !leaders[sg.Leader.LeaderAddress] {
				leaders[sg.Leader.LeaderAddress] = true
				c.Leaders = append(c.Leaders, sg.Leader.LeaderAddress)
			}
			c.SwapTxs = append(c.SwapTxs, sg.Leader.SwapTx)
		case sg.Launch != nil:
			sources[domain.SourceLaunch] = true
			if launch == nil || !sg.ObservedAt.Before(launchAt) {
				launch, launchAt = sg.Launch, sg.ObservedAt
			}
		case sg.Sentiment != nil:
			sources[domain.SourceSentiment] = true
			m := max(sg.Sentiment.Mentions, 1)
			sentSum += sg.Sentiment.Sentiment * float64(m)
			sentMentions += m
		}
	}

	if launch != nil {
		c.Subscores[domain.ComponentAI] = scanner.LaunchScore(launch)
		c.Reasoning = append(c.Reasoning, fmt.Sprintf("launch %s liq=$%.0f age=%ds", launch.Feed, launch.LiquidityUSD, launch.AgeSeconds))
	}
	if sentMentions > 0 {
		c.Subscores[domain.ComponentSentiment] = clamp(sentSum/float64(sentMentions), 0, 100)
		c.Reasoning = append(c.Reasoning, fmt.Sprintf("sentiment %.0f over %d mentions", c.Subscores[domain.ComponentSentiment], sentMentions))
	}
	if strengthSum > 0 {
		c.Subscores[domain.ComponentWallets] = clamp(strengthScored/strengthSum, 0, 100)
		c.Reasoning = append(c.Reasoning, fmt.Sprintf("%d leader(s) bought, wallets=%.0f", len(c.Leaders), c.Subscores[domain.ComponentWallets]))
	}
	if rating != nil {
		sources[domain.SourceCommunity] = true
		c.Subscores[domain.ComponentCommunity] = clamp(rating.Score, 0, 100)
		c.Reasoning = append(c.Reasoning, fmt.Sprintf("community %.0f from %d ratings", rating.Score, rating.Count))
	}
	for _, src := range domain.AllSources {
		if sources[src] {
			c.Sources = append(c.Sources, src)
		}
	}

	u := 0.0
	aligned := 0
	for _, comp := range domain.AllComponents {
		u += w[comp] * c.Subscores[comp] / 100
		if c.Subscores[comp] > alignedSubscore {
			aligned++
		}
	}
	switch {
	case aligned >= 3:
		u *= boostThree
		c.Reasoning = append(c.Reasoning, fmt.Sprintf("%d sources aligned x%.2f", aligned, boostThree))
	case aligned == 2:
		u *= boostTwo
		c.Reasoning = append(c.Reasoning, fmt.Sprintf("2 sources aligned x%.2f", boostTwo))
	}
	c.UnifiedScore = clamp(u, 0, 1)
	c.Confidence = Classify(c.UnifiedScore)
	if len(c.Sources) <= 1 && c.Confidence == domain.ConfidenceUltra {
		c.Confidence = domain.ConfidenceHigh
		c.Reasoning = append(c.Reasoning, "single source capped at HIGH")
	}
	c.Direction = direction(c.Subscores)
	sort.Strings(c.SwapTxs)
	return c
}

// Classify maps a unified score onto a confidence level.
func Classify(u float64) domain.ConfidenceLevel {
	switch {
	case u >= UltraThreshold:
		return domain.ConfidenceUltra
	case u >= HighThreshold:
		return domain.ConfidenceHigh
	case u >= MediumThreshold:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// direction uses fixed weights with wallets highest; it does not follow the
// learned weights.
func direction(sub map[domain.Component]float64) domain.Direction {
	combined := 0.0
	for comp, w := range DefaultWeights() {
		combined += w * sub[comp] / 100
	}
	switch {
	case combined > directionUp:
		return domain.DirectionUp
	case combined < directionDown:
		return domain.DirectionDown
	default:
		return domain.DirectionNeutral
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Scorer) beat() { s.lastBeat.Store(s.now().UnixNano()) }

// LastProgress returns when the Run loop last woke, idle or not.
func (s *Scorer) LastProgress() time.Time {
	if ns := s.lastBeat.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// LastActive returns when the scorer last consumed a signal.
func (s *Scorer) LastActive() time.Time {
	ms := s.lastActive.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Stats returns scorer statistics.
type Stats struct {
	Consumed int64              `json:"consumed"`
	Emitted  int64              `json:"emitted"`
	Dupes    int64              `json:"duplicates"`
	Weights  map[string]float64 `json:"weights"`
}

func (s *Scorer) Stats() Stats {
	w := s.Weights()
	ws := make(map[string]float64, len(w))
	for k, v := range w {
		ws[string(k)] = v
	}
	return Stats{
		Consumed: s.consumed.Load(),
		Emitted:  s.emitted.Load(),
		Dupes:    s.dupes.Load(),
		Weights:  ws,
	}
}

var _ UserLister = (store.SettingsStore)(nil)
