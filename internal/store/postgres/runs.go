package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/store"
)

const runCols = `snipe_id, intent_id, user_id, token, side, context, status, reason,
	ai_confidence, ai_recommendation, snapshot, signature, checkpoint, position_id,
	is_manual, decision_ts, triggered_ts, completed_ts, updated_at`

func scanRun(row pgx.Row) (*domain.SnipeRun, error) {
	var (
		r                       domain.SnipeRun
		side, rctx, status      string
		snapshot, checkpointRaw []byte
	)
	err := row.Scan(
		&r.SnipeID, &r.IntentID, &r.UserID, &r.Token, &side, &rctx, &status, &r.Reason,
		&r.AIConfidence, &r.AIRecommendation, &snapshot, &r.Signature, &checkpointRaw, &r.PositionID,
		&r.IsManual, &r.DecisionTS, &r.TriggeredTS, &r.CompletedTS, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Side = domain.Side(side)
	r.Context = domain.TradeContext(rctx)
	r.Status = domain.SnipeStatus(status)
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &r.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	if len(checkpointRaw) > 0 {
		var cp domain.SubmitCheckpoint
		if err := json.Unmarshal(checkpointRaw, &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		r.Checkpoint = &cp
	}
	return &r, nil
}

func collectRuns(rows pgx.Rows) ([]domain.SnipeRun, error) {
	defer rows.Close()
	var out []domain.SnipeRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan snipe run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func jsonArg(v any) ([]byte, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case *domain.SubmitCheckpoint:
		if x == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func (s *Store) CreateSnipeRun(ctx context.Context, run *domain.SnipeRun) error {
	snapshot, err := jsonArg(run.Snapshot)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot: %w", err)
	}
	checkpoint, err := jsonArg(run.Checkpoint)
	if err != nil {
		return fmt.Errorf("postgres: encode checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snipe_runs (`+runCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		run.SnipeID, run.IntentID, run.UserID, run.Token, string(run.Side), string(run.Context), string(run.Status), run.Reason,
		run.AIConfidence, run.AIRecommendation, snapshot, run.Signature, checkpoint, run.PositionID,
		run.IsManual, run.DecisionTS, run.TriggeredTS, run.CompletedTS, run.UpdatedAt,
	)
	if err != nil {
		if isInFlightViolation(err) {
			return store.ErrInFlight
		}
		if isDuplicateKeyError(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("postgres: create snipe run: %w", err)
	}
	return nil
}

func (s *Store) GetSnipeRun(ctx context.Context, snipeID string) (*domain.SnipeRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runCols+` FROM snipe_runs WHERE snipe_id = $1`, snipeID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get snipe run: %w", err)
	}
	return r, nil
}

func lockRun(ctx context.Context, tx pgx.Tx, snipeID string) (*domain.SnipeRun, error) {
	r, err := scanRun(tx.QueryRow(ctx, `SELECT `+runCols+` FROM snipe_runs WHERE snipe_id = $1 FOR UPDATE`, snipeID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: lock snipe run: %w", err)
	}
	return r, nil
}

// writeRun persists every mutable column of r. An in-flight index
// violation surfaces as store.ErrInFlight.
func writeRun(ctx context.Context, tx pgx.Tx, r *domain.SnipeRun) error {
	snapshot, err := jsonArg(r.Snapshot)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot: %w", err)
	}
	checkpoint, err := jsonArg(r.Checkpoint)
	if err != nil {
		return fmt.Errorf("postgres: encode checkpoint: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE snipe_runs SET
			intent_id = $2, context = $3, status = $4, reason = $5,
			ai_confidence = $6, ai_recommendation = $7, snapshot = $8, signature = $9,
			checkpoint = $10, position_id = $11, triggered_ts = $12, completed_ts = $13, updated_at = $14
		WHERE snipe_id = $1`,
		r.SnipeID, r.IntentID, string(r.Context), string(r.Status), r.Reason,
		r.AIConfidence, r.AIRecommendation, snapshot, r.Signature,
		checkpoint, r.PositionID, r.TriggeredTS, r.CompletedTS, r.UpdatedAt,
	)
	if err != nil {
		if isInFlightViolation(err) {
			return store.ErrInFlight
		}
		return fmt.Errorf("postgres: update snipe run: %w", err)
	}
	return nil
}

func (s *Store) TransitionSnipeRun(ctx context.Context, snipeID string, event domain.SnipeEvent, reason string, mutate func(*domain.SnipeRun)) (*domain.SnipeRun, error) {
	var out *domain.SnipeRun
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		r, err := lockRun(ctx, tx, snipeID)
		if err != nil {
			return err
		}
		if err := r.Transition(event, reason, s.now()); err != nil {
			return err
		}
		if mutate != nil {
			mutate(r)
		}
		if err := writeRun(ctx, tx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Store) CheckpointSubmission(ctx context.Context, snipeID string, cp domain.SubmitCheckpoint) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		r, err := lockRun(ctx, tx, snipeID)
		if err != nil {
			return err
		}
		if r.Status != domain.SnipeExecuting {
			return fmt.Errorf("postgres: checkpoint run %s in %s: %w", snipeID, r.Status, domain.ErrInvalidTransition)
		}
		r.Signature = cp.Signature
		r.Checkpoint = &cp
		r.UpdatedAt = s.now()
		return writeRun(ctx, tx, r)
	})
}

func (s *Store) ListSnipeRuns(ctx context.Context, userID int64) ([]domain.SnipeRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runCols+` FROM snipe_runs
		WHERE $1 = 0 OR user_id = $1 ORDER BY decision_ts`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snipe runs: %w", err)
	}
	return collectRuns(rows)
}

func (s *Store) ListStale(ctx context.Context, status domain.SnipeStatus, olderThan time.Time) ([]domain.SnipeRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runCols+` FROM snipe_runs
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`, string(status), olderThan)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale runs: %w", err)
	}
	return collectRuns(rows)
}

func (s *Store) CountInFlightBuys(ctx context.Context, userID int64) (store.InFlightBuys, error) {
	var n store.InFlightBuys
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*), COUNT(*) FILTER (WHERE context = 'sniper')
		FROM snipe_runs
		WHERE user_id = $1 AND side = 'BUY' AND status IN ('MONITORING', 'EXECUTING')`, userID).
		Scan(&n.Trades, &n.Snipes)
	if err != nil {
		return n, fmt.Errorf("postgres: count in-flight buys: %w", err)
	}
	return n, nil
}

func (s *Store) CountInFlight(ctx context.Context, userID int64, token string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM snipe_runs
		WHERE user_id = $1 AND token = $2 AND status IN ('MONITORING', 'EXECUTING')`, userID, token).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count in-flight: %w", err)
	}
	return n, nil
}
