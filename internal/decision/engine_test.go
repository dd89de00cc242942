package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/cache"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/execution"
	"github.com/nexus-trading/autosnipe/internal/risk"
	"github.com/nexus-trading/autosnipe/internal/safety"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/nexus-trading/autosnipe/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	user  int64 = 7
	token       = "PepeMint11111111111111111111111111111111111"
)

type fakeSafety struct {
	mu     sync.Mutex
	scores map[solana.Pubkey]int
	err    error
	calls  int
}

func (f *fakeSafety) Evaluate(_ context.Context, mint solana.Pubkey) (safety.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return safety.Report{}, f.err
	}
	score, ok := f.scores[mint]
	if !ok {
		score = 85
	}
	return safety.Report{Mint: mint, Score: score}, nil
}

type fixture struct {
	t      *testing.T
	st     *memory.Store
	queue  *execution.Queue
	safety *fakeSafety
	dedup  *cache.MemoryDeduper
	engine *Engine
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		st:     memory.New(),
		queue:  execution.NewQueue(16),
		safety: &fakeSafety{scores: map[solana.Pubkey]int{}},
		dedup:  cache.NewMemoryDeduper(),
		now:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.st.SetClock(clock)
	f.dedup.SetClock(clock)

	f.engine = New(DefaultConfig(), Deps{
		Store:   f.st,
		Gate:    risk.New(risk.DefaultConfig()),
		Safety:  f.safety,
		Queue:   f.queue,
		Deduper: f.dedup,
	})
	f.engine.now = clock

	s := domain.DefaultUserSettings(user)
	s.AutoTradingEnabled = true
	s.SnipeEnabled = true
	s.MinConfidence = 0.6
	s.SnipeLastReset = domain.StartOfDay(f.now)
	f.saveSettings(s)
	return f
}

func (f *fixture) saveSettings(s *domain.UserSettings) {
	f.t.Helper()
	require.NoError(f.t, f.st.SaveSettings(context.Background(), s))
}

func (f *fixture) settings() *domain.UserSettings {
	f.t.Helper()
	s, err := f.st.GetSettings(context.Background(), user)
	require.NoError(f.t, err)
	return s
}

func candidate(mint string, unified float64, sources ...domain.SignalSource) *domain.ScoredCandidate {
	if len(sources) == 0 {
		sources = []domain.SignalSource{domain.SourceLaunch}
	}
	return &domain.ScoredCandidate{
		UserID:       user,
		Token:        mint,
		UnifiedScore: unified,
		Confidence:   domain.ConfidenceHigh,
		Direction:    domain.DirectionUp,
		Subscores:    map[domain.Component]float64{domain.ComponentAI: 80},
		Sources:      sources,
		Reasoning:    []string{"launch detected"},
	}
}

func (f *fixture) run(id string) *domain.SnipeRun {
	f.t.Helper()
	r, err := f.st.GetSnipeRun(context.Background(), id)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) drain() []*domain.TradeIntent {
	var out []*domain.TradeIntent
	for {
		select {
		case in := <-f.queue.Intents():
			out = append(out, in)
		default:
			return out
		}
	}
}

// -----------------------------------------------------------------------
// Candidates
// -----------------------------------------------------------------------

func TestDecide_ApprovesAndQueues(t *testing.T) {
	f := newFixture(t)

	out, err := f.engine.Decide(context.Background(), candidate(token, 0.8))
	require.NoError(t, err)
	require.True(t, out.Decision.Allowed)
	require.NotEmpty(t, out.IntentID)

	run := f.run(out.SnipeID)
	assert.Equal(t, domain.SnipeMonitoring, run.Status)
	assert.Equal(t, out.IntentID, run.IntentID)
	assert.Equal(t, domain.ContextSniper, run.Context)
	assert.Equal(t, 0.8, run.AIConfidence)
	assert.Equal(t, "HIGH", run.AIRecommendation)
	assert.Equal(t, 85, run.Snapshot["safety"])

	intents := f.drain()
	require.Len(t, intents, 1)
	in := intents[0]
	assert.Equal(t, domain.SideBuy, in.Side)
	assert.Equal(t, out.SnipeID, in.SnipeID)
	// Kelly-lite at U=0.8 sizes below dust, so the dust floor applies.
	assert.True(t, in.AmountSOL.Equal(decimal.RequireFromString("0.01")), in.AmountSOL.String())
	require.NotNil(t, in.Candidate)
}

func TestDecide_LeaderCandidateIsCopyTrade(t *testing.T) {
	f := newFixture(t)
	c := candidate(token, 0.9, domain.SourceLeader)
	c.Leaders = []string{"LeaderAddr"}

	out, err := f.engine.Decide(context.Background(), c)
	require.NoError(t, err)
	require.True(t, out.Decision.Allowed)
	assert.Equal(t, domain.ContextCopy, f.run(out.SnipeID).Context)
}

func TestDecide_UnsafeTokenVetoed(t *testing.T) {
	f := newFixture(t)
	f.safety.scores[token] = 40

	out, err := f.engine.Decide(context.Background(), candidate(token, 0.95))
	require.NoError(t, err)
	assert.False(t, out.Decision.Allowed)

	run := f.run(out.SnipeID)
	assert.Equal(t, domain.SnipeSkipped, run.Status)
	assert.Equal(t, domain.SkipUnsafe, run.Reason)
	assert.Empty(t, f.drain())
}

func TestDecide_SafetyErrorVetoes(t *testing.T) {
	f := newFixture(t)
	f.safety.err = errors.New("rpc down")

	out, err := f.engine.Decide(context.Background(), candidate(token, 0.95))
	require.NoError(t, err)
	assert.Equal(t, domain.SkipUnsafe, f.run(out.SnipeID).Reason)
}

func TestDecide_KillSwitchSkipsWithoutSafety(t *testing.T) {
	f := newFixture(t)
	f.engine.Gate().Kill()

	out, err := f.engine.Decide(context.Background(), candidate(token, 0.95))
	require.NoError(t, err)
	assert.Equal(t, domain.SkipDisabled, f.run(out.SnipeID).Reason)
	assert.Zero(t, f.safety.calls)
}

func TestDecide_DailyCapSkips(t *testing.T) {
	f := newFixture(t)
	s := f.settings()
	s.MaxDailyTrades = 1
	s.DailyTrades = 1
	f.saveSettings(s)

	out, err := f.engine.Decide(context.Background(), candidate(token, 0.95))
	require.NoError(t, err)
	assert.Equal(t, domain.SkipCap, f.run(out.SnipeID).Reason)

	// Counters reset at UTC midnight.
	f.now = f.now.Add(13 * time.Hour)
	out, err = f.engine.Decide(context.Background(), candidate(token, 0.95))
	require.NoError(t, err)
	assert.True(t, out.Decision.Allowed)
}

func TestDecide_DedupWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Decide(ctx, candidate(token, 0.9))
	require.NoError(t, err)
	require.NotEmpty(t, first.IntentID)
	// The first intent fails quickly so the run no longer holds the key.
	require.NoError(t, f.st.RecordFailure(ctx, &domain.Trade{IntentID: first.IntentID, UserID: user, Token: token}, first.SnipeID, "test"))

	f.now = f.now.Add(119 * time.Second)
	second, err := f.engine.Decide(ctx, candidate(token, 0.9))
	require.NoError(t, err)
	assert.True(t, second.Decision.Duplicate)
	assert.Empty(t, second.SnipeID, "duplicates leave no audit row")

	f.now = f.now.Add(2 * time.Second)
	third, err := f.engine.Decide(ctx, candidate(token, 0.9))
	require.NoError(t, err)
	assert.NotEmpty(t, third.IntentID)

	assert.Len(t, f.drain(), 2)
	assert.Equal(t, int64(1), f.engine.Stats().Duplicates)
}

func TestDecide_OpenPositionSuppressed(t *testing.T) {
	f := newFixture(t)
	openPosition(t, f.st)

	out, err := f.engine.Decide(context.Background(), candidate(token, 0.9))
	require.NoError(t, err)
	assert.True(t, out.Decision.Duplicate)
	assert.Empty(t, f.drain())
}

func TestDecide_OneInFlightPerKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, &domain.TradeIntent{UserID: user, Token: token, Side: domain.SideBuy, IsManual: true})
	require.NoError(t, err)

	out, err := f.engine.Decide(ctx, candidate(token, 0.9))
	require.NoError(t, err)
	assert.Equal(t, SkipInFlight, out.Decision.Reason)
	assert.Equal(t, domain.SnipeSkipped, f.run(out.SnipeID).Status)

	n, err := f.st.CountInFlight(ctx, user, token)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The rejected candidate did not consume the dedup window.
	seen, _ := f.dedup.Seen(ctx, dedupKey(user, token), time.Minute)
	assert.False(t, seen)
}

func TestDecide_ConcurrentCandidatesOneIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Decide(ctx, candidate(token, 0.9))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.drain(), 1)
	n, err := f.st.CountInFlight(ctx, user, token)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func mint(i int) string {
	return fmt.Sprintf("Mint%02d111111111111111111111111111111111111", i)
}

func TestDecide_PendingBuysHoldCapSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.settings()
	s.MaxDailyTrades = 2
	f.saveSettings(s)

	a, err := f.engine.Decide(ctx, candidate(mint(1), 0.95))
	require.NoError(t, err)
	require.True(t, a.Decision.Allowed)
	b, err := f.engine.Decide(ctx, candidate(mint(2), 0.95))
	require.NoError(t, err)
	require.True(t, b.Decision.Allowed)

	// Nothing has executed, yet both slots are taken.
	c, err := f.engine.Decide(ctx, candidate(mint(3), 0.95))
	require.NoError(t, err)
	assert.False(t, c.Decision.Allowed)
	assert.Equal(t, domain.SkipCap, f.run(c.SnipeID).Reason)
	assert.Contains(t, c.Decision.Detail, "pending=2")
	assert.Zero(t, f.settings().DailyTrades)

	// A failed run gives its slot back.
	require.NoError(t, f.st.RecordFailure(ctx, &domain.Trade{IntentID: a.IntentID, UserID: user, Token: mint(1)}, a.SnipeID, "test"))
	c, err = f.engine.Decide(ctx, candidate(mint(3), 0.95))
	require.NoError(t, err)
	assert.True(t, c.Decision.Allowed)
	assert.Len(t, f.drain(), 3)
}

func TestDecide_PendingSnipesHoldSnipeCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.settings()
	s.SnipeMaxDaily = 1
	f.saveSettings(s)

	first, err := f.engine.Decide(ctx, candidate(mint(1), 0.95))
	require.NoError(t, err)
	require.True(t, first.Decision.Allowed)

	second, err := f.engine.Decide(ctx, candidate(mint(2), 0.95))
	require.NoError(t, err)
	assert.Equal(t, domain.SkipCap, second.Decision.Reason)
	assert.Contains(t, second.Decision.Detail, "DAILY_SNIPES_EXCEEDED")

	// Copy trades are not snipes.
	copyTrade, err := f.engine.Decide(ctx, candidate(mint(3), 0.95, domain.SourceLeader))
	require.NoError(t, err)
	assert.True(t, copyTrade.Decision.Allowed)
}

func TestDecide_ConcurrentCandidatesRespectTradeCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.settings()
	s.MaxDailyTrades = 3
	f.saveSettings(s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Decide(ctx, candidate(mint(i), 0.95))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.drain(), 3)
	n, err := f.st.CountInFlightBuys(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 3, n.Trades)
	assert.Equal(t, int64(7), f.engine.Stats().Gate.Reasons[domain.SkipCap])
}

func TestDecide_CapSkipDoesNotConsumeDedupWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.settings()
	s.MaxDailyTrades = 1
	s.DailyTrades = 1
	f.saveSettings(s)

	_, err := f.engine.Decide(ctx, candidate(token, 0.95))
	require.NoError(t, err)

	seen, _ := f.dedup.Seen(ctx, dedupKey(user, token), time.Minute)
	assert.False(t, seen)
}

// -----------------------------------------------------------------------
// Manual and exit intents
// -----------------------------------------------------------------------

func TestSubmit_ManualBuyDefaultsAmount(t *testing.T) {
	f := newFixture(t)
	f.engine.Gate().Kill()

	in, err := f.engine.Submit(context.Background(), &domain.TradeIntent{
		UserID: user, Token: token, Side: domain.SideBuy, IsManual: true, Reason: "manual buy",
	})
	require.NoError(t, err, "manual trades ignore the kill switch")
	assert.True(t, in.AmountSOL.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, domain.ContextManual, in.Context)

	run := f.run(in.SnipeID)
	assert.True(t, run.IsManual)
	assert.Equal(t, domain.SnipeMonitoring, run.Status)
}

func TestSubmit_ManualBuyHonoursCaps(t *testing.T) {
	f := newFixture(t)
	s := f.settings()
	s.DailyLossSOL = s.MaxDailyLossSOL
	f.saveSettings(s)

	_, err := f.engine.Submit(context.Background(), &domain.TradeIntent{UserID: user, Token: token, Side: domain.SideBuy})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindPolicyViolation))
	assert.Contains(t, err.Error(), "DAILY_LOSS_EXCEEDED")
}

func TestSubmit_ManualBuyCountsPendingBuys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.settings()
	s.MaxDailyTrades = 1
	f.saveSettings(s)

	out, err := f.engine.Decide(ctx, candidate(mint(1), 0.95))
	require.NoError(t, err)
	require.True(t, out.Decision.Allowed)

	_, err = f.engine.Submit(ctx, &domain.TradeIntent{UserID: user, Token: mint(2), Side: domain.SideBuy, IsManual: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DAILY_TRADES_EXCEEDED")
}

func TestSubmit_SellNeedsPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, &domain.TradeIntent{UserID: user, Token: token, Side: domain.SideSell})
	assert.True(t, domain.IsKind(err, domain.KindPolicyViolation))

	pos := openPosition(t, f.st)
	in, err := f.engine.Submit(ctx, &domain.TradeIntent{
		UserID: user, Token: token, Side: domain.SideSell, AmountRaw: pos.RemainingAmountRaw * 2,
		Context: domain.ContextExit, Reason: domain.ReasonStopLoss,
	})
	require.NoError(t, err)
	assert.Equal(t, pos.PositionID, in.PositionID)
	assert.True(t, in.SellAll)
	assert.Equal(t, pos.PositionID, f.run(in.SnipeID).PositionID)

	// A second exit while the first is in flight is refused.
	_, err = f.engine.Submit(ctx, &domain.TradeIntent{UserID: user, Token: token, Side: domain.SideSell, Context: domain.ContextExit})
	assert.True(t, domain.IsKind(err, domain.KindDuplicate))
}

func TestSubmit_QueueClosedFailsRun(t *testing.T) {
	f := newFixture(t)
	f.queue.Close()

	_, err := f.engine.Submit(context.Background(), &domain.TradeIntent{UserID: user, Token: token, Side: domain.SideBuy})
	require.Error(t, err)

	runs, err := f.st.ListSnipeRuns(context.Background(), user)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.SnipeFailed, runs[0].Status)
	assert.Equal(t, FailQueueClosed, runs[0].Reason)
}

func TestSubmit_RefusedAfterStop(t *testing.T) {
	f := newFixture(t)
	f.engine.Stop()
	_, err := f.engine.Submit(context.Background(), &domain.TradeIntent{UserID: user, Token: token, Side: domain.SideBuy})
	assert.ErrorIs(t, err, ErrStopped)
	assert.True(t, f.engine.Stats().Stopped)
}

// -----------------------------------------------------------------------
// Loop
// -----------------------------------------------------------------------

type chanSource chan domain.ScoredCandidate

func (c chanSource) Candidates() <-chan domain.ScoredCandidate { return c }

func TestRun_DecidesUntilSourceCloses(t *testing.T) {
	f := newFixture(t)
	src := make(chanSource, 2)
	f.engine.deps.Source = src
	src <- *candidate(token, 0.9)
	src <- *candidate("OtherMint1111111111111111111111111111111111", 0.3)
	close(src)

	require.NoError(t, f.engine.Run(context.Background()))
	st := f.engine.Stats()
	assert.Equal(t, int64(2), st.Decided)
	assert.Equal(t, int64(1), st.Approved)
	assert.Equal(t, int64(1), st.Skipped)
	assert.Equal(t, int64(1), st.Gate.Reasons[domain.SkipLowConf])
	assert.False(t, f.engine.LastProgress().IsZero())
}

func openPosition(t *testing.T, st *memory.Store) *domain.Position {
	t.Helper()
	fr, err := st.RecordFill(context.Background(), store.Fill{
		Trade: domain.Trade{
			Signature: "entry-sig",
			UserID:    user,
			Type:      domain.SideBuy,
			Context:   domain.ContextSniper,
			Token:     token,
			AmountSOL: decimal.RequireFromString("0.05"),
			AmountRaw: 100_000_000,
			Success:   true,
		},
		Entry: &store.Entry{Decimals: 6, AmountSOL: decimal.RequireFromString("0.05"), AmountRaw: 100_000_000},
	})
	require.NoError(t, err)
	return fr.Position
}
