package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Trades
// ---------------------------------------------------------------------------

const tradeCols = `signature, intent_id, user_id, type, context, token, amount_sol, amount_tokens,
	amount_raw, price, slippage_bps, price_impact_pct, success, error, pnl, position_id,
	is_position_open, attempts, transport, created_at`

func scanTrade(row pgx.Row) (*domain.Trade, error) {
	var (
		t          domain.Trade
		side, tctx string
		raw        decimal.Decimal
		pnl        decimal.NullDecimal
	)
	err := row.Scan(
		&t.Signature, &t.IntentID, &t.UserID, &side, &tctx, &t.Token, &t.AmountSOL, &t.AmountTokens,
		&raw, &t.Price, &t.SlippageBps, &t.PriceImpactPct, &t.Success, &t.Error, &pnl, &t.PositionID,
		&t.IsPositionOpen, &t.Attempts, &t.Transport, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = domain.Side(side)
	t.Context = domain.TradeContext(tctx)
	t.AmountRaw = rawFrom(raw)
	if pnl.Valid {
		v := pnl.Decimal
		t.PnL = &v
	}
	return &t, nil
}

func collectTrades(rows pgx.Rows) ([]domain.Trade, error) {
	defer rows.Close()
	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// insertTrade returns false when the signature already exists.
func insertTrade(ctx context.Context, tx pgx.Tx, t *domain.Trade) (bool, error) {
	var pnl decimal.NullDecimal
	if t.PnL != nil {
		pnl = decimal.NewNullDecimal(*t.PnL)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO trades (`+tradeCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (signature) DO NOTHING`,
		t.Signature, t.IntentID, t.UserID, string(t.Type), string(t.Context), t.Token, t.AmountSOL, t.AmountTokens,
		rawArg(t.AmountRaw), t.Price, t.SlippageBps, t.PriceImpactPct, t.Success, t.Error, pnl, t.PositionID,
		t.IsPositionOpen, t.Attempts, t.Transport, t.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RecordFill(ctx context.Context, fill store.Fill) (*store.FillResult, error) {
	if err := fill.Validate(); err != nil {
		return nil, err
	}

	var res *store.FillResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Fast path. A concurrent recorder of the same signature is caught
		// by the ON CONFLICT insert below after it waits on the row locks.
		var (
			success    bool
			superseded bool
		)
		err := tx.QueryRow(ctx, `SELECT success FROM trades WHERE signature = $1 FOR UPDATE`,
			fill.Trade.Signature).Scan(&success)
		switch {
		case err == nil && success:
			res = &store.FillResult{Inserted: false}
			return nil
		case err == nil:
			if _, err := tx.Exec(ctx, `DELETE FROM trades WHERE signature = $1`, fill.Trade.Signature); err != nil {
				return fmt.Errorf("postgres: drop superseded failure: %w", err)
			}
			superseded = true
		case !isNotFoundError(err):
			return fmt.Errorf("postgres: check trade: %w", err)
		}

		now := s.now()
		trade := fill.Trade
		if trade.CreatedAt.IsZero() {
			trade.CreatedAt = now
		}

		var (
			pos   *domain.Position
			isNew bool
			pnl   = decimal.Zero
		)
		switch trade.Type {
		case domain.SideBuy:
			open, err := lockOpenPosition(ctx, tx, trade.UserID, trade.Token)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			isNew = open == nil
			pos = store.MergeEntry(open, trade.UserID, trade.Token, fill.Entry, now)
		case domain.SideSell:
			cur, err := lockPosition(ctx, tx, fill.Exit.PositionID)
			if err != nil {
				return fmt.Errorf("postgres: exit position %s: %w", fill.Exit.PositionID, err)
			}
			pos, pnl, err = store.ApplyExit(cur, fill.Exit, now)
			if err != nil {
				return err
			}
			p := pnl
			trade.PnL = &p
		}

		trade.PositionID = pos.PositionID
		trade.IsPositionOpen = pos.IsOpen
		inserted, err := insertTrade(ctx, tx, &trade)
		if err != nil {
			return err
		}
		if !inserted {
			res = &store.FillResult{Inserted: false}
			return nil
		}

		if isNew {
			err = insertPosition(ctx, tx, pos)
		} else {
			err = updatePosition(ctx, tx, pos)
		}
		if err != nil {
			return err
		}

		if fill.SnipeID != "" {
			r, err := lockRun(ctx, tx, fill.SnipeID)
			if err != nil {
				return fmt.Errorf("postgres: fill run %s: %w", fill.SnipeID, err)
			}
			if r.Status == domain.SnipeExecuting {
				if err := r.Transition(domain.EventComplete, "", now); err != nil {
					return err
				}
			}
			r.PositionID = pos.PositionID
			if r.Signature == "" {
				r.Signature = trade.Signature
			}
			if err := writeRun(ctx, tx, r); err != nil {
				return err
			}
		}

		st, err := scanSettings(tx.QueryRow(ctx,
			`SELECT `+settingsCols+` FROM user_settings WHERE user_id = $1 FOR UPDATE`, trade.UserID))
		switch {
		case err == nil:
			store.ApplyCounters(st, &trade, pnl, now)
			if err := writeCounters(ctx, tx, st); err != nil {
				return err
			}
		case !isNotFoundError(err):
			return fmt.Errorf("postgres: lock settings: %w", err)
		}

		res = &store.FillResult{Inserted: true, Position: pos, Opened: isNew, Closed: !pos.IsOpen, RealizedPnL: pnl, Superseded: superseded}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) RecordFailure(ctx context.Context, trade *domain.Trade, snipeID, reason string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.now()
		t := *trade
		if t.Signature == "" {
			t.Signature = store.FailedTradeKey(t.IntentID)
		}
		t.Success = false
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		inserted, err := insertTrade(ctx, tx, &t)
		if err != nil || !inserted {
			return err
		}

		if snipeID == "" {
			return nil
		}
		r, err := lockRun(ctx, tx, snipeID)
		if err != nil {
			return fmt.Errorf("postgres: failure run %s: %w", snipeID, err)
		}
		if r.Status == domain.SnipeMonitoring {
			if err := r.Transition(domain.EventExecute, "", now); err != nil {
				return err
			}
		}
		if r.Status == domain.SnipeExecuting {
			if err := r.Transition(domain.EventFail, reason, now); err != nil {
				return err
			}
		}
		return writeRun(ctx, tx, r)
	})
}

func (s *Store) GetTrade(ctx context.Context, signature string) (*domain.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeCols+` FROM trades WHERE signature = $1`, signature))
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get trade: %w", err)
	}
	return t, nil
}

func (s *Store) ListTrades(ctx context.Context, userID int64, since time.Time) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeCols+` FROM trades
		WHERE ($1 = 0 OR user_id = $1) AND created_at >= $2 ORDER BY created_at`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return collectTrades(rows)
}

func (s *Store) TradesForPosition(ctx context.Context, positionID string) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeCols+` FROM trades
		WHERE position_id = $1 ORDER BY created_at`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: trades for position: %w", err)
	}
	return collectTrades(rows)
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

const positionCols = `position_id, user_id, token, decimals, entry_price, entry_amount_sol,
	entry_amount_raw, entry_amount_tokens, remaining_amount_sol, remaining_amount_raw,
	remaining_amount_tokens, exit_amount_raw, exit_proceeds_sol, realized_pnl, exit_price,
	exit_reason, high_water_mark, partial_taken, is_open, stop_loss_pct, take_profit_pct,
	trailing_pct, source, metadata, opened_at, closed_at, updated_at`

func scanPosition(row pgx.Row) (*domain.Position, error) {
	var (
		p                      domain.Position
		decimals               int16
		entryRaw, remRaw, exit decimal.Decimal
		source                 string
		meta                   []byte
	)
	err := row.Scan(
		&p.PositionID, &p.UserID, &p.Token, &decimals, &p.EntryPrice, &p.EntryAmountSOL,
		&entryRaw, &p.EntryAmountTokens, &p.RemainingAmountSOL, &remRaw,
		&p.RemainingAmountTokens, &exit, &p.ExitProceedsSOL, &p.RealizedPnL, &p.ExitPrice,
		&p.ExitReason, &p.HighWaterMark, &p.PartialTaken, &p.IsOpen, &p.StopLossPct, &p.TakeProfitPct,
		&p.TrailingPct, &source, &meta, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Decimals = uint8(decimals)
	p.EntryAmountRaw = rawFrom(entryRaw)
	p.RemainingAmountRaw = rawFrom(remRaw)
	p.ExitAmountRaw = rawFrom(exit)
	p.Source = domain.TradeContext(source)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode position metadata: %w", err)
		}
	}
	return &p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func lockOpenPosition(ctx context.Context, tx pgx.Tx, userID int64, token string) (*domain.Position, error) {
	p, err := scanPosition(tx.QueryRow(ctx, `SELECT `+positionCols+` FROM positions
		WHERE user_id = $1 AND token = $2 AND is_open FOR UPDATE`, userID, token))
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: lock open position: %w", err)
	}
	return p, nil
}

func lockPosition(ctx context.Context, tx pgx.Tx, positionID string) (*domain.Position, error) {
	p, err := scanPosition(tx.QueryRow(ctx, `SELECT `+positionCols+` FROM positions
		WHERE position_id = $1 FOR UPDATE`, positionID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: lock position: %w", err)
	}
	return p, nil
}

func positionArgs(p *domain.Position) ([]any, error) {
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode position metadata: %w", err)
	}
	return []any{
		p.PositionID, p.UserID, p.Token, int16(p.Decimals), p.EntryPrice, p.EntryAmountSOL,
		rawArg(p.EntryAmountRaw), p.EntryAmountTokens, p.RemainingAmountSOL, rawArg(p.RemainingAmountRaw),
		p.RemainingAmountTokens, rawArg(p.ExitAmountRaw), p.ExitProceedsSOL, p.RealizedPnL, p.ExitPrice,
		p.ExitReason, p.HighWaterMark, p.PartialTaken, p.IsOpen, p.StopLossPct, p.TakeProfitPct,
		p.TrailingPct, string(p.Source), meta, p.OpenedAt, p.ClosedAt, p.UpdatedAt,
	}, nil
}

func insertPosition(ctx context.Context, tx pgx.Tx, p *domain.Position) error {
	args, err := positionArgs(p)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO positions (`+positionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`, args...)
	if err != nil {
		return fmt.Errorf("postgres: insert position: %w", err)
	}
	return nil
}

func updatePosition(ctx context.Context, tx pgx.Tx, p *domain.Position) error {
	args, err := positionArgs(p)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE positions SET
			user_id = $2, token = $3, decimals = $4, entry_price = $5, entry_amount_sol = $6,
			entry_amount_raw = $7, entry_amount_tokens = $8, remaining_amount_sol = $9, remaining_amount_raw = $10,
			remaining_amount_tokens = $11, exit_amount_raw = $12, exit_proceeds_sol = $13, realized_pnl = $14, exit_price = $15,
			exit_reason = $16, high_water_mark = $17, partial_taken = $18, is_open = $19, stop_loss_pct = $20,
			take_profit_pct = $21, trailing_pct = $22, source = $23, metadata = $24, opened_at = $25,
			closed_at = $26, updated_at = $27
		WHERE position_id = $1`, args...)
	if err != nil {
		return fmt.Errorf("postgres: update position: %w", err)
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE position_id = $1`, positionID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get position: %w", err)
	}
	return p, nil
}

func (s *Store) GetOpenPosition(ctx context.Context, userID int64, token string) (*domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions
		WHERE user_id = $1 AND token = $2 AND is_open`, userID, token))
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get open position: %w", err)
	}
	return p, nil
}

func (s *Store) ListOpenPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionCols+` FROM positions WHERE is_open ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return collectPositions(rows)
}

func (s *Store) ListPositions(ctx context.Context, userID int64, openOnly bool) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionCols+` FROM positions
		WHERE user_id = $1 AND (is_open OR NOT $2) ORDER BY opened_at`, userID, openOnly)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	return collectPositions(rows)
}

func (s *Store) ListClosedPositions(ctx context.Context, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `SELECT * FROM (
			SELECT `+positionCols+` FROM positions WHERE NOT is_open ORDER BY closed_at DESC LIMIT $1
		) recent ORDER BY closed_at`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	return collectPositions(rows)
}

func (s *Store) UpdateHighWaterMark(ctx context.Context, positionID string, hwm decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET high_water_mark = GREATEST(high_water_mark, $2), updated_at = $3
		WHERE position_id = $1`, positionID, hwm, s.now())
	if err != nil {
		return fmt.Errorf("postgres: update high water mark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
