package community

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	r := NewRatings(DefaultConfig(), memory.New())

	none := r.Aggregate("M", nil)
	assert.Equal(t, 50.0, none.Score)
	assert.Zero(t, none.Confidence)

	// One 5-star rating barely moves the prior: (5*3+5)/6 = 3.333 stars.
	one := r.Aggregate("M", []int{5})
	assert.InDelta(t, (20.0/6-1)/4*100, one.Score, 1e-9)
	assert.InDelta(t, 0.05, one.Confidence, 1e-9)

	many := make([]int, 40)
	for i := range many {
		many[i] = 5
	}
	full := r.Aggregate("M", many)
	assert.Greater(t, full.Score, 90.0)
	assert.Equal(t, 1.0, full.Confidence)

	low := r.Aggregate("M", []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1})
	assert.Less(t, low.Score, 50.0)
	assert.GreaterOrEqual(t, low.Score, 0.0)
}

func TestRateAndLookup(t *testing.T) {
	ctx := context.Background()
	r := NewRatings(DefaultConfig(), memory.New())
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	got, err := r.Lookup(ctx, "M")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Count)

	require.NoError(t, r.Rate(ctx, 1, "M", 5))
	require.NoError(t, r.Rate(ctx, 2, "M", 4))
	require.NoError(t, r.Rate(ctx, 1, "M", 2), "user 1 replaces their rating")

	got, err = r.Lookup(ctx, "M")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
	assert.InDelta(t, (21.0/7-1)/4*100, got.Score, 1e-9)

	_, _ = r.Lookup(ctx, "M")
	assert.Equal(t, int64(1), r.Stats().CacheHits)

	err = r.Rate(ctx, 3, "M", 6)
	assert.True(t, domain.IsKind(err, domain.KindPolicyViolation))
}
