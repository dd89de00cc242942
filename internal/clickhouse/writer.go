package clickhouse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/risk"
	"github.com/rs/zerolog/log"
)

// Analytics tables. Rows are appended in column order.
const (
	TableTrades         = "trades"
	TablePositionCloses = "position_closes"
	TableDecisions      = "decisions"
)

var columns = map[string]string{
	TableTrades: "ts, signature, intent_id, user_id, side, context, token, amount_sol, amount_raw, price, " +
		"slippage_bps, price_impact_pct, success, error, pnl, position_id, attempts, transport",
	TablePositionCloses: "ts, position_id, user_id, token, source, entry_sol, proceeds_sol, realized_pnl, " +
		"pnl_pct, reason, hold_seconds",
	TableDecisions: "ts, user_id, token, unified_score, confidence, context, safety_score, allowed, reason, " +
		"detail, amount_sol, snipe_id",
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS %strades (
		ts DateTime64(3), signature String, intent_id String, user_id Int64,
		side LowCardinality(String), context LowCardinality(String), token String,
		amount_sol Float64, amount_raw UInt64, price Float64, slippage_bps Int32,
		price_impact_pct Float64, success Bool, error String, pnl Float64,
		position_id String, attempts Int32, transport LowCardinality(String)
	) ENGINE = MergeTree ORDER BY (user_id, ts)`,
	`CREATE TABLE IF NOT EXISTS %sposition_closes (
		ts DateTime64(3), position_id String, user_id Int64, token String,
		source LowCardinality(String), entry_sol Float64, proceeds_sol Float64,
		realized_pnl Float64, pnl_pct Float64, reason LowCardinality(String),
		hold_seconds Float64
	) ENGINE = MergeTree ORDER BY (user_id, ts)`,
	`CREATE TABLE IF NOT EXISTS %sdecisions (
		ts DateTime64(3), user_id Int64, token String, unified_score Float64,
		confidence LowCardinality(String), context LowCardinality(String),
		safety_score Int32, allowed Bool, reason LowCardinality(String), detail String,
		amount_sol Float64, snipe_id String
	) ENGINE = MergeTree ORDER BY (ts, user_id)`,
}

// Writer batches trade, position-close and decision rows and flushes them
// to ClickHouse periodically or when the batch is full. It is an execution
// observer and a decision recorder; recording never blocks the caller.
type Writer struct {
	client        *Client
	dbPrefix      string
	batchSize     int
	flushInterval time.Duration
	maxPending    int

	mu      sync.Mutex
	pending map[string][][]any
	size    int
	closed  bool

	kick chan struct{}
	now  func() time.Time

	// flushHook replaces real writes during testing.
	flushHook func(ctx context.Context, table string, rows [][]any) error

	flushCount   atomic.Int64
	errorCount   atomic.Int64
	rowsWritten  atomic.Int64
	rowsDropped  atomic.Int64
	lastProgress atomic.Int64
}

// NewWriter creates a writer that flushes on size or interval. dbPrefix,
// when set, qualifies table names ("analytics" → analytics.trades).
func NewWriter(client *Client, dbPrefix string, batchSize int, flushInterval time.Duration) *Writer {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Writer{
		client:        client,
		dbPrefix:      dbPrefix,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxPending:    batchSize * 10,
		pending:       make(map[string][][]any),
		kick:          make(chan struct{}, 1),
		now:           time.Now,
	}
}

func (w *Writer) tableName(name string) string {
	if w.dbPrefix == "" {
		return name
	}
	return w.dbPrefix + "." + name
}

// EnsureSchema creates the analytics tables if they do not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	prefix := ""
	if w.dbPrefix != "" {
		prefix = w.dbPrefix + "."
	}
	for _, ddl := range schema {
		if err := w.client.Conn().Exec(ctx, fmt.Sprintf(ddl, prefix)); err != nil {
			return fmt.Errorf("clickhouse: create table: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Recording
// ---------------------------------------------------------------------------

// OnTradeResult records the trade row behind an execution result.
func (w *Writer) OnTradeResult(_ domain.TradeResult, t *domain.Trade) {
	if t == nil {
		return
	}
	pnl := 0.0
	if t.PnL != nil {
		pnl = t.PnL.InexactFloat64()
	}
	ts := t.CreatedAt
	if ts.IsZero() {
		ts = w.now()
	}
	w.append(TableTrades, []any{
		ts, t.Signature, t.IntentID, t.UserID, string(t.Type), string(t.Context), t.Token,
		t.AmountSOL.InexactFloat64(), t.AmountRaw, t.Price.InexactFloat64(),
		int32(t.SlippageBps), t.PriceImpactPct, t.Success, t.Error, pnl,
		t.PositionID, int32(t.Attempts), t.Transport,
	})
}

// OnPositionClose records a closed position with its realized outcome.
func (w *Writer) OnPositionClose(ev domain.PositionClose, p *domain.Position) {
	ts := w.now()
	row := []any{ts, ev.PositionID, ev.UserID, ev.Token, "", 0.0, 0.0,
		ev.RealizedPnL.InexactFloat64(), 0.0, ev.Reason, 0.0}
	if p != nil {
		if p.ClosedAt != nil {
			ts = *p.ClosedAt
			row[0] = ts
		}
		row[4] = string(p.Source)
		row[5] = p.EntryAmountSOL.InexactFloat64()
		row[6] = p.ExitProceedsSOL.InexactFloat64()
		if p.EntryAmountSOL.IsPositive() {
			row[8] = ev.RealizedPnL.Div(p.EntryAmountSOL).InexactFloat64() * 100
		}
		if !p.OpenedAt.IsZero() {
			row[10] = ts.Sub(p.OpenedAt).Seconds()
		}
	}
	w.append(TablePositionCloses, row)
}

// RecordDecision records the gate's verdict on a candidate.
func (w *Writer) RecordDecision(c *domain.ScoredCandidate, d risk.Decision, snipeID string) {
	w.append(TableDecisions, []any{
		w.now(), c.UserID, c.Token, c.UnifiedScore, string(c.Confidence), string(c.Context()),
		int32(c.SafetyScore), d.Allowed, d.Reason, d.Detail, d.AmountSOL.InexactFloat64(), snipeID,
	})
}

func (w *Writer) append(table string, row []any) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.rowsDropped.Add(1)
		return
	}
	if w.size >= w.maxPending {
		// Drop the oldest row of the same table while ClickHouse is behind.
		if rows := w.pending[table]; len(rows) > 0 {
			w.pending[table] = rows[1:]
			w.size--
		} else {
			w.mu.Unlock()
			w.rowsDropped.Add(1)
			return
		}
		w.rowsDropped.Add(1)
	}
	w.pending[table] = append(w.pending[table], row)
	w.size++
	full := w.size >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// ---------------------------------------------------------------------------
// Flushing
// ---------------------------------------------------------------------------

// Name implements the supervisor worker contract.
func (w *Writer) Name() string { return "clickhouse" }

// LastProgress reports the last loop iteration.
func (w *Writer) LastProgress() time.Time {
	if ns := w.lastProgress.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Run flushes on the interval and whenever a batch fills, until ctx is
// cancelled. A final flush runs on the way out.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	w.lastProgress.Store(w.now().UnixNano())

	log.Info().
		Int("batch_size", w.batchSize).
		Dur("flush_interval", w.flushInterval).
		Msg("clickhouse: writer started")

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.Flush(final); err != nil {
				log.Error().Err(err).Msg("clickhouse: final flush failed")
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
		case <-w.kick:
		}
		if err := w.Flush(ctx); err != nil {
			log.Error().Err(err).Msg("clickhouse: flush failed")
		}
		w.lastProgress.Store(w.now().UnixNano())
	}
}

// Flush writes all buffered rows. Rows of a failed table are dropped.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string][][]any)
	w.size = 0
	w.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	tables := make([]string, 0, len(pending))
	for t := range pending {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var firstErr error
	total := 0
	for _, table := range tables {
		rows := pending[table]
		if len(rows) == 0 {
			continue
		}
		if err := w.write(ctx, table, rows); err != nil {
			w.errorCount.Add(1)
			w.rowsDropped.Add(int64(len(rows)))
			log.Error().Err(err).Str("table", table).Int("count", len(rows)).Msg("clickhouse: batch failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.rowsWritten.Add(int64(len(rows)))
		total += len(rows)
	}

	n := w.flushCount.Add(1)
	log.Debug().Int("rows", total).Int64("total_flushes", n).Msg("clickhouse: batch flushed")
	return firstErr
}

func (w *Writer) write(ctx context.Context, table string, rows [][]any) error {
	name := w.tableName(table)
	if w.flushHook != nil {
		return w.flushHook(ctx, name, rows)
	}
	batch, err := w.client.Conn().PrepareBatch(ctx, "INSERT INTO "+name+" ("+columns[table]+")")
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}
	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			return fmt.Errorf("append %s row: %w", table, err)
		}
	}
	return batch.Send()
}

// Close stops accepting rows and flushes what is buffered.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := w.Flush(ctx)

	log.Info().
		Int64("total_flushes", w.flushCount.Load()).
		Int64("rows", w.rowsWritten.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("clickhouse: writer closed")
	return err
}

// WriterStats is a snapshot of writer counters.
type WriterStats struct {
	Flushes int64 `json:"flushes"`
	Errors  int64 `json:"errors"`
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	pending := w.size
	w.mu.Unlock()
	return WriterStats{
		Flushes: w.flushCount.Load(),
		Errors:  w.errorCount.Load(),
		Written: w.rowsWritten.Load(),
		Dropped: w.rowsDropped.Load(),
		Pending: pending,
	}
}

// SetFlushHook sets a test hook. Intended for testing only.
func (w *Writer) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}
