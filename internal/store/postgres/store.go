package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/shopspring/decimal"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *Pool
	now  func() time.Time
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates a Store on an open pool. Call Migrate first.
func New(pool *Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s *Store) Close()                         { s.pool.Close() }

// inTx runs fn in a read-committed transaction and commits when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// rawArg encodes a raw token amount for a NUMERIC(20,0) column.
func rawArg(v uint64) decimal.Decimal { return decimal.NewFromUint64(v) }

func rawFrom(d decimal.Decimal) uint64 { return d.BigInt().Uint64() }

// ---------------------------------------------------------------------------
// Wallets
// ---------------------------------------------------------------------------

func (s *Store) GetWallet(ctx context.Context, userID int64) (*domain.UserWallet, error) {
	var w domain.UserWallet
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, public_key, encrypted_private_key, cached_balance, created_at, updated_at
		FROM user_wallets WHERE user_id = $1`, userID).
		Scan(&w.UserID, &w.PublicKey, &w.EncryptedPrivateKey, &w.CachedBalance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get wallet: %w", err)
	}
	return &w, nil
}

func (s *Store) CreateWallet(ctx context.Context, w *domain.UserWallet) error {
	now := s.now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_wallets (user_id, public_key, encrypted_private_key, cached_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		w.UserID, w.PublicKey, w.EncryptedPrivateKey, w.CachedBalance, now)
	if err != nil {
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("postgres: create wallet: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Leaders
// ---------------------------------------------------------------------------

func (s *Store) ListLeaders(ctx context.Context, enabledOnly bool) ([]domain.LeaderWallet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner_user_id, address, label, score, win_rate, total_trades,
		       copy_enabled, copy_amount, last_signature, last_checked_at
		FROM leader_wallets
		WHERE copy_enabled OR NOT $1
		ORDER BY owner_user_id, address`, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("postgres: list leaders: %w", err)
	}
	defer rows.Close()

	var out []domain.LeaderWallet
	for rows.Next() {
		var l domain.LeaderWallet
		if err := rows.Scan(&l.OwnerUserID, &l.Address, &l.Label, &l.Score, &l.WinRate, &l.TotalTrades,
			&l.CopyEnabled, &l.CopyAmount, &l.LastSignature, &l.LastCheckedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan leader: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) UpsertLeader(ctx context.Context, l *domain.LeaderWallet) error {
	checked := l.LastCheckedAt
	if checked.IsZero() {
		checked = time.Unix(0, 0).UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO leader_wallets (owner_user_id, address, label, score, win_rate, total_trades,
		                            copy_enabled, copy_amount, last_signature, last_checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_user_id, address) DO UPDATE SET
			label = EXCLUDED.label,
			copy_enabled = EXCLUDED.copy_enabled,
			copy_amount = EXCLUDED.copy_amount`,
		l.OwnerUserID, l.Address, l.Label, l.Score, l.WinRate, l.TotalTrades,
		l.CopyEnabled, l.CopyAmount, l.LastSignature, checked)
	if err != nil {
		return fmt.Errorf("postgres: upsert leader: %w", err)
	}
	return nil
}

func (s *Store) UpdateLeaderCursor(ctx context.Context, owner int64, address, lastSignature string, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leader_wallets
		SET last_signature = CASE WHEN $3 = '' THEN last_signature ELSE $3 END,
		    last_checked_at = $4
		WHERE owner_user_id = $1 AND address = $2`,
		owner, address, lastSignature, checkedAt)
	if err != nil {
		return fmt.Errorf("postgres: update leader cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateLeaderScore(ctx context.Context, owner int64, address string, score, winRate float64, totalTrades int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE leader_wallets SET score = $3, win_rate = $4, total_trades = $5
		WHERE owner_user_id = $1 AND address = $2`,
		owner, address, score, winRate, totalTrades)
	if err != nil {
		return fmt.Errorf("postgres: update leader score: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

const settingsCols = `user_id, auto_trading_enabled, min_confidence, max_trade_size_sol, max_daily_loss_sol,
	max_daily_trades, buy_amount_sol, dust_floor_sol, slippage_bps, max_slippage_bps,
	stop_loss_pct, take_profit_pct, take_profit_fraction, trailing_pct, min_liquidity_usd,
	safety_floor, incremental_add, use_jito, snipe_enabled, snipe_min_confidence,
	snipe_max_daily, snipe_amount_sol, daily_trades, daily_snipes, daily_loss_sol,
	snipe_last_reset, updated_at`

func scanSettings(row pgx.Row) (*domain.UserSettings, error) {
	var st domain.UserSettings
	err := row.Scan(
		&st.UserID, &st.AutoTradingEnabled, &st.MinConfidence, &st.MaxTradeSizeSOL, &st.MaxDailyLossSOL,
		&st.MaxDailyTrades, &st.BuyAmountSOL, &st.DustFloorSOL, &st.SlippageBps, &st.MaxSlippageBps,
		&st.StopLossPct, &st.TakeProfitPct, &st.TakeProfitFraction, &st.TrailingPct, &st.MinLiquidityUSD,
		&st.SafetyFloor, &st.IncrementalAdd, &st.UseJito, &st.SnipeEnabled, &st.SnipeMinConfidence,
		&st.SnipeMaxDaily, &st.SnipeAmountSOL, &st.DailyTrades, &st.DailySnipes, &st.DailyLossSOL,
		&st.SnipeLastReset, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) GetSettings(ctx context.Context, userID int64) (*domain.UserSettings, error) {
	var out *domain.UserSettings
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		st, err := scanSettings(tx.QueryRow(ctx,
			`SELECT `+settingsCols+` FROM user_settings WHERE user_id = $1 FOR UPDATE`, userID))
		if err != nil {
			if isNotFoundError(err) {
				return store.ErrNotFound
			}
			return fmt.Errorf("postgres: get settings: %w", err)
		}
		if st.ResetIfNewDay(s.now()) {
			if err := writeCounters(ctx, tx, st); err != nil {
				return err
			}
		}
		out = st
		return nil
	})
	return out, err
}

func writeCounters(ctx context.Context, tx pgx.Tx, st *domain.UserSettings) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_settings
		SET daily_trades = $2, daily_snipes = $3, daily_loss_sol = $4, snipe_last_reset = $5, updated_at = $6
		WHERE user_id = $1`,
		st.UserID, st.DailyTrades, st.DailySnipes, st.DailyLossSOL, st.SnipeLastReset, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: write counters: %w", err)
	}
	return nil
}

func (s *Store) SaveSettings(ctx context.Context, st *domain.UserSettings) error {
	reset := st.SnipeLastReset
	if reset.IsZero() {
		reset = time.Unix(0, 0).UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_settings (`+settingsCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)
		ON CONFLICT (user_id) DO UPDATE SET
			auto_trading_enabled = EXCLUDED.auto_trading_enabled,
			min_confidence = EXCLUDED.min_confidence,
			max_trade_size_sol = EXCLUDED.max_trade_size_sol,
			max_daily_loss_sol = EXCLUDED.max_daily_loss_sol,
			max_daily_trades = EXCLUDED.max_daily_trades,
			buy_amount_sol = EXCLUDED.buy_amount_sol,
			dust_floor_sol = EXCLUDED.dust_floor_sol,
			slippage_bps = EXCLUDED.slippage_bps,
			max_slippage_bps = EXCLUDED.max_slippage_bps,
			stop_loss_pct = EXCLUDED.stop_loss_pct,
			take_profit_pct = EXCLUDED.take_profit_pct,
			take_profit_fraction = EXCLUDED.take_profit_fraction,
			trailing_pct = EXCLUDED.trailing_pct,
			min_liquidity_usd = EXCLUDED.min_liquidity_usd,
			safety_floor = EXCLUDED.safety_floor,
			incremental_add = EXCLUDED.incremental_add,
			use_jito = EXCLUDED.use_jito,
			snipe_enabled = EXCLUDED.snipe_enabled,
			snipe_min_confidence = EXCLUDED.snipe_min_confidence,
			snipe_max_daily = EXCLUDED.snipe_max_daily,
			snipe_amount_sol = EXCLUDED.snipe_amount_sol,
			daily_trades = EXCLUDED.daily_trades,
			daily_snipes = EXCLUDED.daily_snipes,
			daily_loss_sol = EXCLUDED.daily_loss_sol,
			snipe_last_reset = EXCLUDED.snipe_last_reset,
			updated_at = EXCLUDED.updated_at`,
		st.UserID, st.AutoTradingEnabled, st.MinConfidence, st.MaxTradeSizeSOL, st.MaxDailyLossSOL,
		st.MaxDailyTrades, st.BuyAmountSOL, st.DustFloorSOL, st.SlippageBps, st.MaxSlippageBps,
		st.StopLossPct, st.TakeProfitPct, st.TakeProfitFraction, st.TrailingPct, st.MinLiquidityUSD,
		st.SafetyFloor, st.IncrementalAdd, st.UseJito, st.SnipeEnabled, st.SnipeMinConfidence,
		st.SnipeMaxDaily, st.SnipeAmountSOL, st.DailyTrades, st.DailySnipes, st.DailyLossSOL,
		reset, s.now(),
	)
	if err != nil {
		return fmt.Errorf("postgres: save settings: %w", err)
	}
	return nil
}

func (s *Store) ListAutoTradeUsers(ctx context.Context) ([]domain.UserSettings, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+settingsCols+` FROM user_settings
		WHERE auto_trading_enabled OR snipe_enabled ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list auto-trade users: %w", err)
	}
	defer rows.Close()

	now := s.now()
	var out []domain.UserSettings
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settings: %w", err)
		}
		// Counters are reset lazily on the next GetSettings; the listing
		// only reflects what today's view would be.
		st.ResetIfNewDay(now)
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Learner and ratings
// ---------------------------------------------------------------------------

func (s *Store) LoadLearnerState(ctx context.Context) (*store.LearnerState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM learner_state WHERE id = 1`).Scan(&raw)
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: load learner state: %w", err)
	}
	var st store.LearnerState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("postgres: decode learner state: %w", err)
	}
	return &st, nil
}

func (s *Store) SaveLearnerState(ctx context.Context, st *store.LearnerState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres: encode learner state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO learner_state (id, state, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		raw, s.now())
	if err != nil {
		return fmt.Errorf("postgres: save learner state: %w", err)
	}
	return nil
}

func (s *Store) SaveRating(ctx context.Context, userID int64, mint string, stars int) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("postgres: rating %d out of range", stars)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_ratings (user_id, mint, stars, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, mint) DO UPDATE SET stars = EXCLUDED.stars, updated_at = EXCLUDED.updated_at`,
		userID, mint, stars, s.now())
	if err != nil {
		return fmt.Errorf("postgres: save rating: %w", err)
	}
	return nil
}

func (s *Store) ListRatings(ctx context.Context, mint string) ([]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT stars FROM token_ratings WHERE mint = $1 ORDER BY stars`, mint)
	if err != nil {
		return nil, fmt.Errorf("postgres: list ratings: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int])
}
