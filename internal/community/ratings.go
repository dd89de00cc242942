// Package community aggregates user star ratings into a per-token
// community score.
package community

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/rs/zerolog/log"
)

// Rating is the community view of a token.
type Rating struct {
	Mint       string  `json:"mint"`
	Score      float64 `json:"community_score"` // 0-100
	Count      int     `json:"rating_count"`
	Confidence float64 `json:"confidence"` // 0-1
}

// Config configures the Bayesian aggregation.
type Config struct {
	// PriorStars is the mean a token is assumed to have before any rating.
	PriorStars float64 `yaml:"prior_stars"`
	// PriorWeight is how many phantom ratings the prior counts as.
	PriorWeight float64 `yaml:"prior_weight"`
	// FullConfidenceAt is the rating count at which confidence reaches 1.
	FullConfidenceAt int `yaml:"full_confidence_at"`
	// CacheTTL bounds how stale a lookup may be.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PriorStars:       3,
		PriorWeight:      5,
		FullConfidenceAt: 20,
		CacheTTL:         30 * time.Second,
	}
}

type cached struct {
	rating Rating
	at     time.Time
}

// Ratings serves community lookups on demand. Safe for concurrent use.
type Ratings struct {
	config Config
	store  store.RatingStore
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cached

	lookups   atomic.Int64
	cacheHits atomic.Int64
	submitted atomic.Int64
}

// NewRatings creates the ratings service.
func NewRatings(config Config, st store.RatingStore) *Ratings {
	def := DefaultConfig()
	if config.PriorWeight <= 0 {
		config.PriorWeight = def.PriorWeight
	}
	if config.PriorStars < 1 || config.PriorStars > 5 {
		config.PriorStars = def.PriorStars
	}
	if config.FullConfidenceAt <= 0 {
		config.FullConfidenceAt = def.FullConfidenceAt
	}
	return &Ratings{
		config: config,
		store:  st,
		now:    time.Now,
		cache:  make(map[string]cached),
	}
}

// Rate records userID's 1-5 star rating of mint, replacing an earlier one.
func (r *Ratings) Rate(ctx context.Context, userID int64, mint string, stars int) error {
	if stars < 1 || stars > 5 {
		return domain.Errorf(domain.KindPolicyViolation, "community.Rate", "stars %d outside 1-5", stars)
	}
	if err := r.store.SaveRating(ctx, userID, mint, stars); err != nil {
		return fmt.Errorf("community: save rating: %w", err)
	}
	r.submitted.Add(1)
	r.mu.Lock()
	delete(r.cache, mint)
	r.mu.Unlock()

	log.Debug().Int64("user_id", userID).Str("token", mint).Int("stars", stars).Msg("community: rating saved")
	return nil
}

// Lookup returns the community rating of mint. A token nobody rated scores
// the neutral 50 with zero confidence.
func (r *Ratings) Lookup(ctx context.Context, mint string) (Rating, error) {
	r.lookups.Add(1)
	now := r.now()
	r.mu.Lock()
	if c, ok := r.cache[mint]; ok && r.config.CacheTTL > 0 && now.Sub(c.at) < r.config.CacheTTL {
		r.mu.Unlock()
		r.cacheHits.Add(1)
		return c.rating, nil
	}
	r.mu.Unlock()

	stars, err := r.store.ListRatings(ctx, mint)
	if err != nil {
		return Rating{Mint: mint, Score: 50}, fmt.Errorf("community: list ratings: %w", err)
	}
	rating := r.Aggregate(mint, stars)

	r.mu.Lock()
	r.cache[mint] = cached{rating: rating, at: now}
	r.mu.Unlock()
	return rating, nil
}

// Aggregate computes the Bayesian average of stars mapped onto 0-100.
func (r *Ratings) Aggregate(mint string, stars []int) Rating {
	if len(stars) == 0 {
		return Rating{Mint: mint, Score: 50}
	}
	sum := 0.0
	for _, s := range stars {
		sum += float64(s)
	}
	n := float64(len(stars))
	mean := (r.config.PriorWeight*r.config.PriorStars + sum) / (r.config.PriorWeight + n)
	return Rating{
		Mint:       mint,
		Score:      (mean - 1) / 4 * 100,
		Count:      len(stars),
		Confidence: min(1, n/float64(r.config.FullConfidenceAt)),
	}
}

// Stats returns ratings statistics.
type Stats struct {
	Lookups   int64 `json:"lookups"`
	CacheHits int64 `json:"cache_hits"`
	Submitted int64 `json:"submitted"`
}

func (r *Ratings) Stats() Stats {
	return Stats{
		Lookups:   r.lookups.Load(),
		CacheHits: r.cacheHits.Load(),
		Submitted: r.submitted.Load(),
	}
}
