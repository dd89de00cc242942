// Package store is the persistence layer: wallets, leaders, settings,
// snipe runs, trades, positions and learner state. The memory and postgres
// subpackages implement Store with the same transactional semantics.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateKey is returned when inserting a record whose key exists.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrInFlight is returned when approving a snipe run while another run
	// for the same (user, token) is MONITORING or EXECUTING.
	ErrInFlight = errors.New("store: intent already in flight")

	// ErrPositionClosed is returned when an exit targets a closed position.
	ErrPositionClosed = errors.New("store: position closed")
)

// Store is the full persistence surface.
type Store interface {
	WalletStore
	LeaderStore
	SettingsStore
	SnipeRunStore
	TradeStore
	LearnerStore
	RatingStore

	Ping(ctx context.Context) error
	Close()
}

// WalletStore persists custodial wallets.
type WalletStore interface {
	GetWallet(ctx context.Context, userID int64) (*domain.UserWallet, error)
	// CreateWallet returns ErrDuplicateKey if the user already has one.
	CreateWallet(ctx context.Context, w *domain.UserWallet) error
}

// LeaderStore persists copied wallets.
type LeaderStore interface {
	ListLeaders(ctx context.Context, enabledOnly bool) ([]domain.LeaderWallet, error)
	UpsertLeader(ctx context.Context, l *domain.LeaderWallet) error
	UpdateLeaderCursor(ctx context.Context, ownerUserID int64, address, lastSignature string, checkedAt time.Time) error
	UpdateLeaderScore(ctx context.Context, ownerUserID int64, address string, score, winRate float64, totalTrades int) error
}

// SettingsStore persists per-user policy and daily counters.
type SettingsStore interface {
	// GetSettings resets the daily counters first when the UTC day changed
	// since the last reset.
	GetSettings(ctx context.Context, userID int64) (*domain.UserSettings, error)
	SaveSettings(ctx context.Context, s *domain.UserSettings) error
	// ListAutoTradeUsers returns users with auto-trading or sniping on.
	ListAutoTradeUsers(ctx context.Context) ([]domain.UserSettings, error)
}

// SnipeRunStore persists the decision audit trail.
type SnipeRunStore interface {
	CreateSnipeRun(ctx context.Context, run *domain.SnipeRun) error
	GetSnipeRun(ctx context.Context, snipeID string) (*domain.SnipeRun, error)
	// TransitionSnipeRun locks the row, applies event and then mutate (may
	// be nil) and writes it back. APPROVE fails with ErrInFlight when another
	// run holds the (user, token) slot.
	TransitionSnipeRun(ctx context.Context, snipeID string, event domain.SnipeEvent, reason string, mutate func(*domain.SnipeRun)) (*domain.SnipeRun, error)
	// CheckpointSubmission records the signature about to be submitted.
	CheckpointSubmission(ctx context.Context, snipeID string, cp domain.SubmitCheckpoint) error
	ListSnipeRuns(ctx context.Context, userID int64) ([]domain.SnipeRun, error)
	// ListStale returns in-flight runs in status whose last update is
	// older than olderThan.
	ListStale(ctx context.Context, status domain.SnipeStatus, olderThan time.Time) ([]domain.SnipeRun, error)
	CountInFlight(ctx context.Context, userID int64, token string) (int, error)
	// CountInFlightBuys counts the user's approved BUY runs that have not
	// settled yet. They hold daily cap slots until they complete or fail.
	CountInFlightBuys(ctx context.Context, userID int64) (InFlightBuys, error)
}

// InFlightBuys is the number of unsettled BUY runs of one user.
type InFlightBuys struct {
	Trades int
	Snipes int // subset of Trades opened by the sniper
}

// TradeStore persists trades and the positions they move.
type TradeStore interface {
	// RecordFill inserts a successful trade, applies its entry or exit to
	// the position, completes the snipe run and bumps daily counters in one
	// transaction. A signature already recorded as a success is a no-op with
	// Inserted=false; one recorded as a failure is replaced. A run that was
	// already FAILED keeps its status and gains the position.
	RecordFill(ctx context.Context, fill Fill) (*FillResult, error)
	// RecordFailure inserts a failed trade and fails the snipe run.
	RecordFailure(ctx context.Context, trade *domain.Trade, snipeID, reason string) error

	GetTrade(ctx context.Context, signature string) (*domain.Trade, error)
	ListTrades(ctx context.Context, userID int64, since time.Time) ([]domain.Trade, error)
	TradesForPosition(ctx context.Context, positionID string) ([]domain.Trade, error)

	GetPosition(ctx context.Context, positionID string) (*domain.Position, error)
	GetOpenPosition(ctx context.Context, userID int64, token string) (*domain.Position, error)
	ListOpenPositions(ctx context.Context) ([]domain.Position, error)
	ListPositions(ctx context.Context, userID int64, openOnly bool) ([]domain.Position, error)
	ListClosedPositions(ctx context.Context, limit int) ([]domain.Position, error)
	UpdateHighWaterMark(ctx context.Context, positionID string, hwm decimal.Decimal) error
}

// LearnerStore persists scorer weights and source accuracies.
type LearnerStore interface {
	// LoadLearnerState returns ErrNotFound before the first save.
	LoadLearnerState(ctx context.Context) (*LearnerState, error)
	SaveLearnerState(ctx context.Context, st *LearnerState) error
}

// RatingStore persists community star ratings, one per (user, mint).
type RatingStore interface {
	SaveRating(ctx context.Context, userID int64, mint string, stars int) error
	ListRatings(ctx context.Context, mint string) ([]int, error)
}

// LearnerState is the outcome learner's persisted model.
type LearnerState struct {
	Accuracy  map[domain.Component]float64 `json:"accuracy"`
	Weights   map[domain.Component]float64 `json:"weights"`
	Samples   int                          `json:"samples"`
	UpdatedAt time.Time                    `json:"updated_at"`
}
