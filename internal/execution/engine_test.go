package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/autosnipe/internal/adapters/jupiter"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/observability"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store/memory"
	"github.com/nexus-trading/autosnipe/internal/wallet"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser  int64 = 1
	testToken       = "BonkMint1111111111111111111111111111111111"
)

// recorder is an Observer that keeps everything it is told.
type recorder struct {
	mu      sync.Mutex
	results []domain.TradeResult
	trades  []domain.Trade
	closes  []domain.PositionClose
}

func (r *recorder) OnTradeResult(res domain.TradeResult, trade *domain.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	if trade != nil {
		r.trades = append(r.trades, *trade)
	}
}

func (r *recorder) OnPositionClose(ev domain.PositionClose, _ *domain.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, ev)
}

func (r *recorder) snapshot() ([]domain.TradeResult, []domain.PositionClose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TradeResult(nil), r.results...), append([]domain.PositionClose(nil), r.closes...)
}

type harness struct {
	t       *testing.T
	st      *memory.Store
	rpc     *solana.StubRPCClient
	agg     *jupiter.StubAggregator
	custody *wallet.Custody
	queue   *Queue
	metrics *observability.Metrics
	obs     *recorder
	owner   solana.Pubkey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mk, err := wallet.GenerateMasterKey()
	require.NoError(t, err)
	ks, err := wallet.NewKeystore(mk)
	require.NoError(t, err)

	h := &harness{
		t:       t,
		st:      memory.New(),
		rpc:     solana.NewStubRPCClient(),
		agg:     jupiter.NewStubAggregator(),
		queue:   NewQueue(8),
		metrics: observability.NewMetrics(),
		obs:     &recorder{},
	}
	h.custody = wallet.NewCustody(h.st, ks)
	w, _, err := h.custody.CreateOrGet(context.Background(), testUser)
	require.NoError(t, err)
	h.owner = solana.Pubkey(w.PublicKey)

	h.rpc.AddToken(solana.TokenInfo{Mint: testToken, Decimals: 6})
	h.agg.SetPrice(testToken, decimal.RequireFromString("0.001"), 6)
	return h
}

func (h *harness) engine(mutate ...func(*Config, *Deps)) *Engine {
	config := DefaultConfig()
	deps := Deps{
		Store:     h.st,
		Queue:     h.queue,
		Swaps:     h.agg,
		Chain:     h.rpc,
		Custody:   h.custody,
		Direct:    NewDirectSubmitter(h.rpc, time.Second),
		Metrics:   h.metrics,
		Observers: []Observer{h.obs},
	}
	for _, m := range mutate {
		m(&config, &deps)
	}
	e := NewEngine(config, deps)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

// approve creates a MONITORING run and the intent that executes it.
func (h *harness) approve(side domain.Side, amountSOL string) *domain.TradeIntent {
	h.t.Helper()
	return h.approveToken(testToken, side, amountSOL)
}

func (h *harness) approveToken(token string, side domain.Side, amountSOL string) *domain.TradeIntent {
	h.t.Helper()
	ctx := context.Background()
	in := &domain.TradeIntent{
		IntentID:  uuid.NewString(),
		UserID:    testUser,
		Token:     token,
		Side:      side,
		Context:   domain.ContextSniper,
		SnipeID:   uuid.NewString(),
		CreatedAt: time.Now(),
	}
	if amountSOL != "" {
		in.AmountSOL = decimal.RequireFromString(amountSOL)
	}
	if side == domain.SideSell {
		in.Context = domain.ContextExit
		in.SellAll = true
	}

	run := domain.NewSnipeRun(in.SnipeID, in.UserID, in.Token, side, time.Now())
	run.Context = in.Context
	require.NoError(h.t, h.st.CreateSnipeRun(ctx, run))
	_, err := h.st.TransitionSnipeRun(ctx, in.SnipeID, domain.EventApprove, "", func(r *domain.SnipeRun) {
		r.IntentID = in.IntentID
	})
	require.NoError(h.t, err)
	return in
}

func (h *harness) run(id string) *domain.SnipeRun {
	h.t.Helper()
	r, err := h.st.GetSnipeRun(context.Background(), id)
	require.NoError(h.t, err)
	return r
}

func (h *harness) saveSettings(mutate func(*domain.UserSettings)) {
	h.t.Helper()
	s := domain.DefaultUserSettings(testUser)
	mutate(s)
	require.NoError(h.t, h.st.SaveSettings(context.Background(), s))
}

// -----------------------------------------------------------------------
// Happy paths
// -----------------------------------------------------------------------

func TestEngine_BuyOpensPosition(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	in := h.approve(domain.SideBuy, "0.1")

	res := e.Execute(context.Background(), in)
	require.True(t, res.Success, res.Reason)
	require.NotEmpty(t, res.Signature)

	run := h.run(in.SnipeID)
	assert.Equal(t, domain.SnipeCompleted, run.Status)
	require.NotNil(t, run.Checkpoint)
	assert.Equal(t, res.Signature, run.Checkpoint.Signature)
	assert.Equal(t, TransportDirect, run.Checkpoint.Transport)

	pos, err := h.st.GetOpenPosition(context.Background(), testUser, testToken)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), pos.EntryAmountRaw)
	assert.True(t, pos.EntryAmountSOL.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, 20.0, pos.StopLossPct)

	trade, err := h.st.GetTrade(context.Background(), res.Signature)
	require.NoError(t, err)
	assert.True(t, trade.Success)
	assert.Equal(t, domain.ContextSniper, trade.Context)

	q := h.agg.Quotes()
	require.Len(t, q, 1)
	assert.Equal(t, jupiter.DefaultMaxAccounts, q[0].MaxAccounts)
	assert.True(t, q[0].UseSharedAccounts)
	assert.Equal(t, 50, q[0].SlippageBps)

	results, _ := h.obs.snapshot()
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1.0, h.metrics.SubmitAttempts.Value())
	assert.Equal(t, 1.0, h.metrics.TradesSuccess.Value())
	assert.Equal(t, int64(1), e.Stats().Succeeded)
}

func TestEngine_SellAllClosesPosition(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	require.True(t, e.Execute(context.Background(), h.approve(domain.SideBuy, "0.1")).Success)
	assert.Equal(t, 1.0, h.metrics.OpenPositions.Value())

	h.agg.SetPrice(testToken, decimal.RequireFromString("0.002"), 6)
	sell := h.approve(domain.SideSell, "")
	sell.Reason = domain.ReasonTakeProfit

	res := e.Execute(context.Background(), sell)
	require.True(t, res.Success, res.Reason)

	positions, err := h.st.ListPositions(context.Background(), testUser, false)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.False(t, pos.IsOpen)
	assert.Zero(t, pos.RemainingAmountRaw)
	assert.True(t, pos.RealizedPnL.Equal(decimal.RequireFromString("0.1")), pos.RealizedPnL.String())

	_, closes := h.obs.snapshot()
	require.Len(t, closes, 1)
	assert.Equal(t, domain.ReasonTakeProfit, closes[0].Reason)
	assert.Equal(t, pos.PositionID, closes[0].PositionID)
	assert.Zero(t, h.metrics.OpenPositions.Value())
	assert.Equal(t, int64(2), h.metrics.ExecLatency.Count())
}

func TestEngine_BuyPastLamportRangeFails(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	in := h.approve(domain.SideBuy, "20000000000")

	res := e.Execute(context.Background(), in)
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindPolicyViolation.String(), res.Reason)
	assert.Empty(t, h.rpc.Sent())
	assert.Equal(t, domain.SnipeFailed, h.run(in.SnipeID).Status)
}

func TestEngine_SellWithoutPositionFails(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	in := h.approve(domain.SideSell, "")

	res := e.Execute(context.Background(), in)
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindPolicyViolation.String(), res.Reason)
	assert.Equal(t, domain.SnipeFailed, h.run(in.SnipeID).Status)
	assert.Empty(t, h.rpc.Sent())
}

// -----------------------------------------------------------------------
// Retries
// -----------------------------------------------------------------------

func TestEngine_SlippageWidensOnce(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	h.rpc.QueueSendErrors(domain.Errorf(domain.KindSlippageExceeded, "test", "custom program error: 0x1771"))
	in := h.approve(domain.SideBuy, "0.1")

	res := e.Execute(context.Background(), in)
	require.True(t, res.Success, res.Reason)

	q := h.agg.Quotes()
	require.Len(t, q, 2)
	assert.Equal(t, 50, q[0].SlippageBps)
	assert.Equal(t, 100, q[1].SlippageBps)
	assert.Equal(t, int64(1), e.Stats().Widened)
	assert.Equal(t, 100, h.run(in.SnipeID).Checkpoint.SlippageBps)
}

func TestEngine_SlippageTwiceFails(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	slip := domain.Errorf(domain.KindSlippageExceeded, "test", "slippage tolerance exceeded")
	h.rpc.QueueSendErrors(slip, slip)
	in := h.approve(domain.SideBuy, "0.1")

	res := e.Execute(context.Background(), in)
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindSlippageExceeded.String(), res.Reason)
	assert.Len(t, h.agg.Quotes(), 2)

	run := h.run(in.SnipeID)
	assert.Equal(t, domain.SnipeFailed, run.Status)
	assert.Equal(t, domain.KindSlippageExceeded.String(), run.Reason)
}

func TestEngine_SlippageCappedByUser(t *testing.T) {
	h := newHarness(t)
	h.saveSettings(func(s *domain.UserSettings) {
		s.SlippageBps = 80
		s.MaxSlippageBps = 100
	})
	e := h.engine()
	h.rpc.QueueSendErrors(domain.Errorf(domain.KindSlippageExceeded, "test", "0x1771"))

	require.True(t, e.Execute(context.Background(), h.approve(domain.SideBuy, "0.1")).Success)
	q := h.agg.Quotes()
	require.Len(t, q, 2)
	assert.Equal(t, 80, q[0].SlippageBps)
	assert.Equal(t, 100, q[1].SlippageBps)
}

func TestEngine_TransientRetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	var waits []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	h.agg.QueueQuoteErrors(domain.Errorf(domain.KindRateLimited, "test", "429"))
	h.rpc.QueueSendErrors(domain.Errorf(domain.KindTransientNetwork, "test", "blockhash not found"))

	res := e.Execute(context.Background(), h.approve(domain.SideBuy, "0.1"))
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, waits)
	assert.Equal(t, int64(2), e.Stats().Retries)
}

func TestEngine_TransientExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	transient := domain.Errorf(domain.KindTransientNetwork, "test", "connection reset")
	h.rpc.QueueSendErrors(transient, transient, transient, transient)
	in := h.approve(domain.SideBuy, "0.1")

	res := e.Execute(context.Background(), in)
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindTransientNetwork.String(), res.Reason)
	assert.Len(t, h.agg.Quotes(), 3)
	assert.Equal(t, domain.SnipeFailed, h.run(in.SnipeID).Status)
	assert.Equal(t, 1.0, h.metrics.TradesFailed.Value())

	results, _ := h.obs.snapshot()
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
}

// landedThenErr lands the swap on the stub chain but reports a transient
// failure, like a confirmation lost to a dropped connection.
type landedThenErr struct {
	rpc   *solana.StubRPCClient
	calls int
}

func (l *landedThenErr) Name() string { return "flaky" }

func (l *landedThenErr) Submit(_ context.Context, _ TxSigner, _ string, sig solana.Signature) error {
	l.calls++
	l.rpc.SetStatus(solana.SignatureStatus{Signature: sig, Found: true, ConfirmationStatus: solana.CommitmentConfirmed})
	return domain.Errorf(domain.KindTransientNetwork, "test", "connection reset after send")
}

func TestEngine_RetryDetectsEarlierLanding(t *testing.T) {
	h := newHarness(t)
	flaky := &landedThenErr{rpc: h.rpc}
	e := h.engine(func(_ *Config, d *Deps) { d.Direct = flaky })
	in := h.approve(domain.SideBuy, "0.1")

	res := e.Execute(context.Background(), in)
	require.True(t, res.Success, res.Reason)
	assert.Equal(t, 1, flaky.calls)
	assert.Equal(t, 1, h.agg.SwapCount(), "no second swap once the first landed")
	assert.Equal(t, domain.SnipeCompleted, h.run(in.SnipeID).Status)

	trades, err := h.st.ListTrades(context.Background(), testUser, time.Time{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

// -----------------------------------------------------------------------
// Guards
// -----------------------------------------------------------------------

func TestEngine_HighImpactRejected(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	h.agg.SetImpact(testToken, 0.08)
	in := h.approve(domain.SideBuy, "0.1")

	res := e.Execute(context.Background(), in)
	assert.False(t, res.Success)
	assert.Equal(t, "HIGH_IMPACT", res.Reason)
	assert.Empty(t, h.rpc.Sent())
	assert.Zero(t, h.agg.SwapCount())
	assert.Equal(t, "HIGH_IMPACT", h.run(in.SnipeID).Reason)
}

func TestEngine_NoWalletFails(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	in := h.approve(domain.SideBuy, "0.1")
	in.UserID = 99

	res := e.Execute(context.Background(), in)
	assert.False(t, res.Success)
	assert.Equal(t, domain.KindPolicyViolation.String(), res.Reason)
	assert.Zero(t, h.agg.SwapCount())
}

func TestEngine_StaleIntentIgnored(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	in := h.approve(domain.SideBuy, "0.1")
	require.NoError(t, h.st.RecordFailure(context.Background(), &domain.Trade{IntentID: in.IntentID, UserID: testUser}, in.SnipeID, ReasonAbandoned))

	res := e.Execute(context.Background(), in)
	assert.False(t, res.Success)
	assert.Equal(t, "stale_intent", res.Reason)
	assert.Zero(t, h.agg.SwapCount())

	results, _ := h.obs.snapshot()
	assert.Empty(t, results)
}

// -----------------------------------------------------------------------
// Transports
// -----------------------------------------------------------------------

func TestEngine_DryRunUsesPaper(t *testing.T) {
	h := newHarness(t)
	paper := NewPaperSubmitter(0)
	e := h.engine(func(c *Config, d *Deps) {
		c.DryRun = true
		d.Paper = paper
	})
	in := h.approve(domain.SideBuy, "0.1")

	res := e.Execute(context.Background(), in)
	require.True(t, res.Success, res.Reason)
	assert.Empty(t, h.rpc.Sent(), "dry runs never touch the chain")
	assert.Equal(t, int64(1), paper.Stats().Submitted)

	st, ok := paper.Status(solana.Signature(res.Signature))
	require.True(t, ok)
	assert.True(t, st.Confirmed())

	trade, err := h.st.GetTrade(context.Background(), res.Signature)
	require.NoError(t, err)
	assert.Equal(t, TransportPaper, trade.Transport)
}

type namedSubmitter struct {
	name  string
	calls int
}

func (n *namedSubmitter) Name() string { return n.name }

func (n *namedSubmitter) Submit(context.Context, TxSigner, string, solana.Signature) error {
	n.calls++
	return nil
}

func TestEngine_ProtectedTransportPerUser(t *testing.T) {
	h := newHarness(t)
	protected := &namedSubmitter{name: TransportProtected}
	e := h.engine(func(_ *Config, d *Deps) { d.Protected = protected })

	require.True(t, e.Execute(context.Background(), h.approve(domain.SideBuy, "0.05")).Success)
	assert.Zero(t, protected.calls)

	h.saveSettings(func(s *domain.UserSettings) { s.UseJito = true })
	res := e.Execute(context.Background(), h.approve(domain.SideBuy, "0.05"))
	require.True(t, res.Success)
	assert.Equal(t, 1, protected.calls)

	trade, err := h.st.GetTrade(context.Background(), res.Signature)
	require.NoError(t, err)
	assert.Equal(t, TransportProtected, trade.Transport)
}

// -----------------------------------------------------------------------
// Workers
// -----------------------------------------------------------------------

func TestEngine_RunDrainsQueue(t *testing.T) {
	h := newHarness(t)
	e := h.engine(func(c *Config, _ *Deps) { c.Workers = 2 })

	mints := []string{
		"WifMint11111111111111111111111111111111111",
		"PopcatMint111111111111111111111111111111111",
		"MewMint111111111111111111111111111111111111",
	}
	var ids []string
	for _, m := range mints {
		h.rpc.AddToken(solana.TokenInfo{Mint: solana.Pubkey(m), Decimals: 9})
		h.agg.SetPrice(solana.Pubkey(m), decimal.RequireFromString("0.5"), 9)
		in := h.approveToken(m, domain.SideBuy, "0.01")
		ids = append(ids, in.SnipeID)
		require.NoError(t, h.queue.Enqueue(context.Background(), in))
	}
	h.queue.Close()

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop after the queue closed")
	}

	for _, id := range ids {
		assert.Equal(t, domain.SnipeCompleted, h.run(id).Status)
	}
	assert.Equal(t, int64(3), e.Stats().Succeeded)
	assert.False(t, e.LastProgress().IsZero())
	assert.ErrorIs(t, h.queue.Enqueue(context.Background(), &domain.TradeIntent{}), ErrQueueClosed)
}

func TestQueue_EnqueueRespectsContext(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), &domain.TradeIntent{IntentID: "a"}))
	assert.Equal(t, 1, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, &domain.TradeIntent{IntentID: "b"}), context.DeadlineExceeded)

	q.Close()
	q.Close()
	in, ok := <-q.Intents()
	require.True(t, ok)
	assert.Equal(t, "a", in.IntentID)
	_, ok = <-q.Intents()
	assert.False(t, ok)
}

func TestBackoff(t *testing.T) {
	e := NewEngine(Config{BackoffBase: time.Second, BackoffMax: 3 * time.Second}, Deps{})
	assert.Equal(t, time.Second, e.backoff(1))
	assert.Equal(t, 2*time.Second, e.backoff(2))
	assert.Equal(t, 3*time.Second, e.backoff(3))
	assert.Equal(t, 3*time.Second, e.backoff(40))
}
