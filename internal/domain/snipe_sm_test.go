package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnipeRun_HappyPath(t *testing.T) {
	now := time.Now()
	r := NewSnipeRun("snipe-1", 42, "MintT", SideBuy, now)
	assert.Equal(t, SnipeAnalyzed, r.Status)

	require.NoError(t, r.Transition(EventApprove, "", now))
	assert.Equal(t, SnipeMonitoring, r.Status)
	assert.True(t, r.Status.IsInFlight())

	require.NoError(t, r.Transition(EventExecute, "", now))
	assert.Equal(t, SnipeExecuting, r.Status)
	require.NotNil(t, r.TriggeredTS)

	require.NoError(t, r.Transition(EventComplete, "", now))
	assert.Equal(t, SnipeCompleted, r.Status)
	assert.True(t, r.Status.IsTerminal())
	require.NotNil(t, r.CompletedTS)
}

func TestSnipeRun_Skip(t *testing.T) {
	r := NewSnipeRun("snipe-2", 42, "MintT", SideBuy, time.Now())
	require.NoError(t, r.Transition(EventSkip, SkipUnsafe, time.Now()))
	assert.Equal(t, SnipeSkipped, r.Status)
	assert.Equal(t, SkipUnsafe, r.Reason)
	assert.NotNil(t, r.CompletedTS)
}

// Every status reachable from a terminal or later state must be rejected.
func TestSnipeRun_NoBackEdges(t *testing.T) {
	all := []SnipeStatus{SnipeAnalyzed, SnipeMonitoring, SnipeExecuting, SnipeCompleted, SnipeSkipped, SnipeFailed}
	events := []SnipeEvent{EventApprove, EventSkip, EventExecute, EventComplete, EventFail}

	order := map[SnipeStatus]int{
		SnipeAnalyzed:   0,
		SnipeMonitoring: 1,
		SnipeSkipped:    1,
		SnipeExecuting:  2,
		SnipeCompleted:  3,
		SnipeFailed:     3,
	}

	for _, from := range all {
		for _, ev := range events {
			t.Run(fmt.Sprintf("%s_%s", from, ev), func(t *testing.T) {
				next, err := NextSnipeStatus(from, ev)
				if err != nil {
					assert.True(t, errors.Is(err, ErrInvalidTransition))
					return
				}
				assert.Greater(t, order[next], order[from], "transition must move forward")
			})
		}
	}
}

func TestSnipeRun_TerminalRejectsEverything(t *testing.T) {
	r := NewSnipeRun("snipe-3", 1, "MintT", SideBuy, time.Now())
	require.NoError(t, r.Transition(EventApprove, "", time.Now()))
	require.NoError(t, r.Transition(EventExecute, "", time.Now()))
	require.NoError(t, r.Transition(EventFail, "boom", time.Now()))

	for _, ev := range []SnipeEvent{EventApprove, EventSkip, EventExecute, EventComplete, EventFail} {
		err := r.Transition(ev, "", time.Now())
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Equal(t, SnipeFailed, r.Status)
	assert.Equal(t, "boom", r.Reason)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(SnipeAnalyzed, SnipeMonitoring))
	assert.True(t, CanTransition(SnipeAnalyzed, SnipeSkipped))
	assert.True(t, CanTransition(SnipeExecuting, SnipeFailed))
	assert.False(t, CanTransition(SnipeMonitoring, SnipeAnalyzed))
	assert.False(t, CanTransition(SnipeAnalyzed, SnipeExecuting))
	assert.False(t, CanTransition(SnipeSkipped, SnipeMonitoring))
}

func TestUserSettings_ResetIfNewDay(t *testing.T) {
	day1 := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	s := UserSettings{
		DailyTrades:    3,
		DailyLossSOL:   decimal.NewFromFloat(0.4),
		SnipeLastReset: StartOfDay(day1),
	}

	assert.False(t, s.ResetIfNewDay(day1))
	assert.Equal(t, 3, s.DailyTrades)

	day2 := day1.Add(2 * time.Minute)
	assert.True(t, s.ResetIfNewDay(day2))
	assert.Equal(t, 0, s.DailyTrades)
	assert.True(t, s.DailyLossSOL.IsZero())
	assert.Equal(t, StartOfDay(day2), s.SnipeLastReset)
}

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", E(KindSlippageExceeded, "swap", errors.New("0x1771")))
	assert.Equal(t, KindSlippageExceeded, KindOf(err))
	assert.True(t, IsKind(err, KindSlippageExceeded))
	assert.False(t, Retryable(err))

	assert.True(t, Retryable(E(KindRateLimited, "rpc", nil)))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestRawToDisplay(t *testing.T) {
	assert.True(t, RawToDisplay(1_500_000, 6).Equal(decimal.NewFromFloat(1.5)))
	assert.True(t, RawToDisplay(100_000_000_000, 9).Equal(decimal.NewFromInt(100)))
}
