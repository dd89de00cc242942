package clickhouse

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type captured struct {
	mu   sync.Mutex
	rows map[string][][]any
}

func (c *captured) hook(_ context.Context, table string, rows [][]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows == nil {
		c.rows = make(map[string][][]any)
	}
	c.rows[table] = append(c.rows[table], rows...)
	return nil
}

func (c *captured) count(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows[table])
}

func makeTrade(i int) *domain.Trade {
	pnl := decimal.RequireFromString("0.025")
	return &domain.Trade{
		Signature: "sig", IntentID: "intent", UserID: int64(i), Type: domain.SideSell,
		Context: domain.ContextExit, Token: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263",
		AmountSOL: decimal.RequireFromString("0.125"), AmountRaw: 1_000_000,
		Price: decimal.RequireFromString("0.000125"), SlippageBps: 50,
		Success: true, PnL: &pnl, Attempts: 1, Transport: "rpc", CreatedAt: t0,
	}
}

func newTestWriter(batchSize int, interval time.Duration) (*Writer, *captured) {
	w := NewWriter(nil, "", batchSize, interval)
	w.now = func() time.Time { return t0 }
	c := &captured{}
	w.SetFlushHook(c.hook)
	return w, c
}

func TestWriter_TradeRow(t *testing.T) {
	w, c := newTestWriter(100, time.Hour)
	w.OnTradeResult(domain.TradeResult{IntentID: "intent", Success: true}, makeTrade(7))
	w.OnTradeResult(domain.TradeResult{IntentID: "no-trade"}, nil)

	require.NoError(t, w.Flush(context.Background()))
	require.Equal(t, 1, c.count(TableTrades))

	row := c.rows[TableTrades][0]
	assert.Equal(t, t0, row[0])
	assert.Equal(t, int64(7), row[3])
	assert.Equal(t, "SELL", row[4])
	assert.InDelta(t, 0.125, row[7], 1e-12)
	assert.Equal(t, uint64(1_000_000), row[8])
	assert.Equal(t, true, row[12])
	assert.InDelta(t, 0.025, row[14], 1e-12)
}

func TestWriter_PositionCloseRow(t *testing.T) {
	w, c := newTestWriter(100, time.Hour)
	closed := t0.Add(90 * time.Second)
	pos := &domain.Position{
		PositionID: "p1", UserID: 7, Source: domain.ContextCopy,
		EntryAmountSOL:  decimal.RequireFromString("0.1"),
		ExitProceedsSOL: decimal.RequireFromString("0.125"),
		OpenedAt:        t0, ClosedAt: &closed,
	}
	w.OnPositionClose(domain.PositionClose{
		PositionID: "p1", UserID: 7, Token: "mint",
		RealizedPnL: decimal.RequireFromString("0.025"), Reason: domain.ReasonTakeProfit,
	}, pos)

	require.NoError(t, w.Flush(context.Background()))
	row := c.rows[TablePositionCloses][0]
	assert.Equal(t, closed, row[0])
	assert.Equal(t, string(domain.ContextCopy), row[4])
	assert.InDelta(t, 25.0, row[8], 1e-9, "pnl percent of entry")
	assert.InDelta(t, 90.0, row[10], 1e-9, "hold seconds")
}

func TestWriter_DecisionRow(t *testing.T) {
	w, c := newTestWriter(100, time.Hour)
	cand := &domain.ScoredCandidate{
		UserID: 7, Token: "mint", UnifiedScore: 0.82, Confidence: domain.ConfidenceHigh,
		Sources: []domain.SignalSource{domain.SourceLaunch}, SafetyScore: 75,
	}
	w.RecordDecision(cand, risk.Decision{Reason: "low_conf", Detail: "0.82 < 0.9"}, "run-1")

	require.NoError(t, w.Flush(context.Background()))
	row := c.rows[TableDecisions][0]
	assert.Equal(t, int64(7), row[1])
	assert.Equal(t, false, row[7])
	assert.Equal(t, "low_conf", row[8])
	assert.Equal(t, "run-1", row[11])
}

func TestWriter_BatchSizeKicksFlush(t *testing.T) {
	const batchSize = 10
	w, c := newTestWriter(batchSize, time.Hour) // interval never fires

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < batchSize; i++ {
		w.OnTradeResult(domain.TradeResult{}, makeTrade(i))
	}
	require.Eventually(t, func() bool { return c.count(TableTrades) == batchSize }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWriter_IntervalFlushAndFinalFlush(t *testing.T) {
	w, c := newTestWriter(1000, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for i := 0; i < 5; i++ {
		w.OnTradeResult(domain.TradeResult{}, makeTrade(i))
	}
	require.Eventually(t, func() bool { return c.count(TableTrades) == 5 }, time.Second, 5*time.Millisecond)
	assert.False(t, w.LastProgress().IsZero())

	// Rows written just before shutdown still land.
	w.OnTradeResult(domain.TradeResult{}, makeTrade(99))
	cancel()
	<-done
	assert.Equal(t, 6, c.count(TableTrades))
}

func TestWriter_FlushEmpty(t *testing.T) {
	w := NewWriter(nil, "", 100, time.Hour)
	called := false
	w.SetFlushHook(func(context.Context, string, [][]any) error {
		called = true
		return nil
	})
	require.NoError(t, w.Flush(context.Background()))
	assert.False(t, called, "flush hook should not be called when buffers are empty")
}

func TestWriter_ConcurrentWrites(t *testing.T) {
	const (
		numGoroutines = 10
		writesPerGo   = 100
	)
	w := NewWriter(nil, "", 10_000, time.Hour)
	var total atomic.Int64
	w.SetFlushHook(func(_ context.Context, _ string, rows [][]any) error {
		total.Add(int64(len(rows)))
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < writesPerGo; i++ {
				if g%2 == 0 {
					w.OnTradeResult(domain.TradeResult{}, makeTrade(i))
				} else {
					w.OnPositionClose(domain.PositionClose{PositionID: "p", RealizedPnL: decimal.Zero}, nil)
				}
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, int64(numGoroutines*writesPerGo), total.Load())
	assert.Equal(t, int64(numGoroutines*writesPerGo), w.Stats().Written)
}

func TestWriter_ClosedDropsRows(t *testing.T) {
	w, c := newTestWriter(100, time.Hour)
	w.OnTradeResult(domain.TradeResult{}, makeTrade(1))
	require.NoError(t, w.Close())
	assert.Equal(t, 1, c.count(TableTrades), "close flushes what is buffered")

	w.OnTradeResult(domain.TradeResult{}, makeTrade(2))
	assert.Equal(t, int64(1), w.Stats().Dropped)
	assert.Zero(t, w.Stats().Pending)
}

func TestWriter_FailedBatchIsDropped(t *testing.T) {
	w := NewWriter(nil, "", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, table string, _ [][]any) error {
		if table == TableTrades {
			return errors.New("connection reset")
		}
		return nil
	})
	w.OnTradeResult(domain.TradeResult{}, makeTrade(1))
	w.OnPositionClose(domain.PositionClose{RealizedPnL: decimal.Zero}, nil)

	err := w.Flush(context.Background())
	require.Error(t, err)

	st := w.Stats()
	assert.Equal(t, int64(1), st.Errors)
	assert.Equal(t, int64(1), st.Dropped)
	assert.Equal(t, int64(1), st.Written)
	assert.Zero(t, st.Pending)
}

func TestWriter_BoundedWhileBehind(t *testing.T) {
	w, _ := newTestWriter(2, time.Hour) // maxPending 20, nobody flushing
	for i := 0; i < 25; i++ {
		w.OnTradeResult(domain.TradeResult{}, makeTrade(i))
	}
	st := w.Stats()
	assert.Equal(t, 20, st.Pending)
	assert.Equal(t, int64(5), st.Dropped)
}

func TestWriter_TableNamePrefix(t *testing.T) {
	var table string
	w := NewWriter(nil, "analytics", 100, time.Hour)
	w.SetFlushHook(func(_ context.Context, name string, _ [][]any) error {
		table = name
		return nil
	})
	w.OnTradeResult(domain.TradeResult{}, makeTrade(0))
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, "analytics.trades", table)
}
