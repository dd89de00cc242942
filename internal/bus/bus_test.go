package bus

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func launch(token string) Signal {
	return NewLaunchSignal(token, LaunchPayload{LiquidityUSD: 10_000}, time.Now())
}

func sentiment(token string) Signal {
	return NewSentimentSignal(token, SentimentPayload{Mentions: 3}, time.Now())
}

func TestBus_ArrivalOrderAcrossSources(t *testing.T) {
	b := New(Config{Burst: 4})
	b.Publish(launch("A"))
	b.Publish(sentiment("B"))
	b.Publish(launch("C"))
	b.Publish(NewLeaderSignal(7, "D", LeaderPayload{LeaderAddress: "L"}, time.Now()))

	var got []string
	for {
		s, ok := b.TryNext()
		if !ok {
			break
		}
		got = append(got, s.Token)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, got)
}

func TestBus_OverflowDropsOldestOfSameSourceOnly(t *testing.T) {
	b := New(Config{Burst: 1}) // 4 per source
	b.Publish(sentiment("S1"))
	for _, tok := range []string{"L1", "L2", "L3", "L4", "L5", "L6"} {
		b.Publish(launch(tok))
	}

	var got []string
	for {
		s, ok := b.TryNext()
		if !ok {
			break
		}
		got = append(got, s.Token)
	}
	assert.Equal(t, []string{"S1", "L3", "L4", "L5", "L6"}, got)
	assert.Equal(t, int64(2), b.Stats().Dropped)
}

func TestBus_NextBlocksUntilPublish(t *testing.T) {
	b := New(DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(launch("late"))
	}()

	s, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", s.Token)
	assert.Equal(t, domain.SourceLaunch, s.Source)
	assert.Equal(t, uint64(1), s.Seq)
}

func TestBus_CloseDrainsThenErrors(t *testing.T) {
	b := New(DefaultConfig())
	b.Publish(launch("A"))
	b.Close()
	assert.False(t, b.Publish(launch("B")))

	s, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", s.Token)

	_, err = b.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSignal_DedupKey(t *testing.T) {
	s := NewLeaderSignal(1, "T", LeaderPayload{LeaderAddress: "L", SwapTx: "sig"}, time.Now())
	assert.Equal(t, "T|L|sig", s.DedupKey())
	assert.Equal(t, "", launch("T").DedupKey())
}
