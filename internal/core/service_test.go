package core

import (
	"context"
	"sync"
	"testing"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/nexus-trading/autosnipe/internal/community"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/nexus-trading/autosnipe/internal/store/memory"
	"github.com/nexus-trading/autosnipe/internal/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	usdc = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type recordingSubmitter struct {
	mu      sync.Mutex
	intents []domain.TradeIntent
	err     error
}

func (r *recordingSubmitter) Submit(_ context.Context, in *domain.TradeIntent) (*domain.TradeIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := *in
	out.IntentID = "intent-1"
	r.intents = append(r.intents, out)
	return &out, nil
}

type fixture struct {
	st  *memory.Store
	sub *recordingSubmitter
	svc *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mk, err := wallet.GenerateMasterKey()
	require.NoError(t, err)
	ks, err := wallet.NewKeystore(mk)
	require.NoError(t, err)

	st := memory.New()
	st.SetClock(func() time.Time { return t0 })
	sub := &recordingSubmitter{}
	ratings := community.NewRatings(community.DefaultConfig(), st)
	svc := NewService(Deps{
		Wallets: wallet.NewCustody(st, ks),
		Intents: sub,
		Ratings: ratings,
		Store:   st,
		Defaults: func(userID int64) *domain.UserSettings {
			s := domain.DefaultUserSettings(userID)
			s.StopLossPct = 30
			return s
		},
	})
	svc.now = func() time.Time { return t0.Add(time.Hour) }
	return &fixture{st: st, sub: sub, svc: svc}
}

func TestCreateOrGetWallet_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.CreateOrGetWallet(ctx, 42)
	require.NoError(t, err)
	b, err := f.svc.CreateOrGetWallet(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := f.svc.CreateOrGetWallet(ctx, 43)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	settings, err := f.st.GetSettings(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 30.0, settings.StopLossPct, "new users start from the configured defaults")
}

func TestBuy_SubmitsManualIntent(t *testing.T) {
	f := newFixture(t)
	id, err := f.svc.Buy(context.Background(), 7, bonk, decimal.RequireFromString("0.2"), "")
	require.NoError(t, err)
	assert.Equal(t, "intent-1", id)

	require.Len(t, f.sub.intents, 1)
	in := f.sub.intents[0]
	assert.Equal(t, domain.SideBuy, in.Side)
	assert.Equal(t, domain.ContextManual, in.Context)
	assert.Equal(t, domain.ReasonManual, in.Reason)
	assert.True(t, in.IsManual)
	assert.True(t, in.AmountSOL.Equal(decimal.RequireFromString("0.2")))
}

func TestBuy_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, token := range map[string]string{
		"empty":       "",
		"not base58":  "0OIl-not-a-mint",
		"wrong width": "abc",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Buy(ctx, 7, token, decimal.Zero, "")
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindPolicyViolation))
			assert.True(t, IsUserError(err))
		})
	}

	_, err := f.svc.Buy(ctx, 7, bonk, decimal.RequireFromString("-1"), "")
	assert.True(t, domain.IsKind(err, domain.KindPolicyViolation))
	assert.Empty(t, f.sub.intents)
}

func TestBuy_PropagatesSubmitError(t *testing.T) {
	f := newFixture(t)
	f.sub.err = domain.Errorf(domain.KindDuplicate, "decision: submit", "already in flight")

	_, err := f.svc.Buy(context.Background(), 7, bonk, decimal.Zero, "dip")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindDuplicate))
	assert.True(t, IsUserError(err))

	f.sub.err = domain.Errorf(domain.KindPersistence, "decision: submit", "db down")
	_, err = f.svc.Buy(context.Background(), 7, bonk, decimal.Zero, "dip")
	assert.False(t, IsUserError(err))
}

func TestSell_ZeroSellsAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Sell(ctx, 7, bonk, 0, "exit")
	require.NoError(t, err)
	_, err = f.svc.Sell(ctx, 7, bonk, 5_000, "trim")
	require.NoError(t, err)

	require.Len(t, f.sub.intents, 2)
	assert.True(t, f.sub.intents[0].SellAll)
	assert.Equal(t, "exit", f.sub.intents[0].Reason)
	assert.False(t, f.sub.intents[1].SellAll)
	assert.Equal(t, uint64(5_000), f.sub.intents[1].AmountRaw)
}

func fill(t *testing.T, st *memory.Store, sig string, userID int64, token string, side domain.Side, sol string, raw uint64, positionID string) *store.FillResult {
	t.Helper()
	f := store.Fill{Trade: domain.Trade{
		Signature: sig, UserID: userID, Type: side, Token: token,
		AmountSOL: decimal.RequireFromString(sol), AmountRaw: raw, Success: true,
	}}
	if side == domain.SideBuy {
		f.Trade.Context = domain.ContextManual
		f.Entry = &store.Entry{Decimals: 6, AmountSOL: decimal.RequireFromString(sol), AmountRaw: raw, StopLossPct: 20}
	} else {
		f.Trade.Context = domain.ContextExit
		f.Exit = &store.Exit{PositionID: positionID, AmountRaw: raw, ProceedsSOL: decimal.RequireFromString(sol), Reason: domain.ReasonTakeProfit}
	}
	res, err := st.RecordFill(context.Background(), f)
	require.NoError(t, err)
	return res
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SaveSettings(ctx, domain.DefaultUserSettings(7)))

	// Winner: 0.1 in, 0.15 out.
	win := fill(t, f.st, "b1", 7, bonk, domain.SideBuy, "0.1", 1_000_000, "")
	fill(t, f.st, "s1", 7, bonk, domain.SideSell, "0.15", 1_000_000, win.Position.PositionID)
	// Loser: 0.2 in, 0.12 out.
	loss := fill(t, f.st, "b2", 7, usdc, domain.SideBuy, "0.2", 2_000_000, "")
	fill(t, f.st, "s2", 7, usdc, domain.SideSell, "0.12", 2_000_000, loss.Position.PositionID)
	// Still open.
	fill(t, f.st, "b3", 7, bonk, domain.SideBuy, "0.05", 500_000, "")
	// Someone else's trade.
	fill(t, f.st, "b4", 8, bonk, domain.SideBuy, "1", 1_000_000, "")
	require.NoError(t, f.st.RecordFailure(ctx, &domain.Trade{UserID: 7, Type: domain.SideBuy, Token: bonk, Error: "slippage"}, "", "tx_failed"))

	st, err := f.svc.GetStats(ctx, 7, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, st.Days)
	assert.Equal(t, 5, st.Trades)
	assert.Equal(t, 3, st.Buys)
	assert.Equal(t, 2, st.Sells)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 2, st.Closed)
	assert.Equal(t, 1, st.Wins)
	assert.Equal(t, 1, st.Losses)
	assert.InDelta(t, 0.5, st.WinRate, 1e-12)
	assert.True(t, st.RealizedPnL.Equal(decimal.RequireFromString("-0.03")), st.RealizedPnL.String())
	assert.True(t, st.BestPnL.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, st.WorstPnL.Equal(decimal.RequireFromString("-0.08")))
	assert.Equal(t, 1, st.OpenPositions)
	assert.True(t, st.OpenCostSOL.Equal(decimal.RequireFromString("0.05")))
}

func TestGetStats_ClampsWindow(t *testing.T) {
	f := newFixture(t)
	st, err := f.svc.GetStats(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Days)
	assert.Zero(t, st.Closed)

	st, err = f.svc.GetStats(context.Background(), 7, 10_000)
	require.NoError(t, err)
	assert.Equal(t, MaxStatsDays, st.Days)
}

func TestGetPositions_OpenOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SaveSettings(ctx, domain.DefaultUserSettings(7)))
	closed := fill(t, f.st, "b1", 7, bonk, domain.SideBuy, "0.1", 1_000_000, "")
	fill(t, f.st, "s1", 7, bonk, domain.SideSell, "0.1", 1_000_000, closed.Position.PositionID)
	fill(t, f.st, "b2", 7, usdc, domain.SideBuy, "0.1", 1_000_000, "")

	ps, err := f.svc.GetPositions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, usdc, ps[0].Token)
}

func TestSubscribeEvents_RoutesPerUser(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine := f.svc.SubscribeEvents(ctx, 7)
	theirs := f.svc.SubscribeEvents(ctx, 8)

	f.svc.OnTradeResult(domain.TradeResult{IntentID: "i1", UserID: 7, Success: true, Signature: "sig"}, nil)
	f.svc.OnPositionClose(domain.PositionClose{PositionID: "p1", UserID: 7, RealizedPnL: decimal.RequireFromString("0.025"), Reason: domain.ReasonTakeProfit}, nil)

	ev := <-mine
	assert.Equal(t, EventTradeResult, ev.Type)
	require.NotNil(t, ev.TradeResult)
	assert.Equal(t, "sig", ev.TradeResult.Signature)

	ev = <-mine
	assert.Equal(t, EventPositionClose, ev.Type)
	require.NotNil(t, ev.PositionClose)
	assert.Equal(t, domain.ReasonTakeProfit, ev.PositionClose.Reason)

	select {
	case ev := <-theirs:
		t.Fatalf("user 8 received %v", ev)
	default:
	}
}

func TestHub_ClosesOnCancelAndDropsWhenFull(t *testing.T) {
	h := NewHub(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, 1)
	assert.Equal(t, 1, h.Subscribers())

	h.Publish(Event{UserID: 1, Type: EventTradeResult})
	h.Publish(Event{UserID: 1, Type: EventTradeResult})
	stats := h.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.Dropped)

	cancel()
	<-ch // buffered event
	_, open := <-ch
	assert.False(t, open)
	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.Rate(ctx, 7, bonk, 5))
	stars, err := f.st.ListRatings(ctx, bonk)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, stars)

	assert.Error(t, f.svc.Rate(ctx, 7, bonk, 6))
	assert.Error(t, f.svc.Rate(ctx, 7, "bad", 3))
}

func TestFollowLeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := solanago.NewWallet().PublicKey().String()

	require.NoError(t, f.svc.FollowLeader(ctx, 7, addr, "whale", decimal.RequireFromString("0.1"), true))
	require.NoError(t, f.st.UpdateLeaderScore(ctx, 7, addr, 81, 0.6, 10))

	// Re-following keeps the learned score.
	require.NoError(t, f.svc.FollowLeader(ctx, 7, addr, "whale-2", decimal.RequireFromString("0.2"), false))
	leaders, err := f.st.ListLeaders(ctx, false)
	require.NoError(t, err)
	require.Len(t, leaders, 1)
	assert.Equal(t, 81.0, leaders[0].Score)
	assert.Equal(t, "whale-2", leaders[0].Label)
	assert.False(t, leaders[0].CopyEnabled)

	// Program-derived addresses cannot be leaders.
	pda, _, err := solanago.FindProgramAddress([][]byte{[]byte("vault")}, solanago.TokenProgramID)
	require.NoError(t, err)
	err = f.svc.FollowLeader(ctx, 7, pda.String(), "", decimal.Zero, true)
	assert.True(t, domain.IsKind(err, domain.KindPolicyViolation))
}
