// Package memory is an in-process Store used by tests and dry runs. One
// mutex serializes every write, which gives the same linearizability the
// postgres store gets from row locks.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/shopspring/decimal"
)

type leaderKey struct {
	owner   int64
	address string
}

type ratingKey struct {
	user int64
	mint string
}

// Store implements store.Store in memory.
type Store struct {
	mu        sync.RWMutex
	wallets   map[int64]domain.UserWallet
	leaders   map[leaderKey]domain.LeaderWallet
	settings  map[int64]domain.UserSettings
	runs      map[string]domain.SnipeRun
	trades    map[string]domain.Trade
	tradeSeq  []string
	positions map[string]domain.Position
	learner   *store.LearnerState
	ratings   map[ratingKey]int

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		wallets:   make(map[int64]domain.UserWallet),
		leaders:   make(map[leaderKey]domain.LeaderWallet),
		settings:  make(map[int64]domain.UserSettings),
		runs:      make(map[string]domain.SnipeRun),
		trades:    make(map[string]domain.Trade),
		positions: make(map[string]domain.Position),
		ratings:   make(map[ratingKey]int),
		now:       time.Now,
	}
}

// SetClock overrides the time source. Used by tests that cross UTC midnight.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close()                     {}

// ---------------------------------------------------------------------------
// Wallets
// ---------------------------------------------------------------------------

func (s *Store) GetWallet(_ context.Context, userID int64) (*domain.UserWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (s *Store) CreateWallet(_ context.Context, w *domain.UserWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.UserID]; ok {
		return store.ErrDuplicateKey
	}
	s.wallets[w.UserID] = *w
	return nil
}

// ---------------------------------------------------------------------------
// Leaders
// ---------------------------------------------------------------------------

func (s *Store) ListLeaders(_ context.Context, enabledOnly bool) ([]domain.LeaderWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LeaderWallet, 0, len(s.leaders))
	for _, l := range s.leaders {
		if enabledOnly && !l.CopyEnabled {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerUserID != out[j].OwnerUserID {
			return out[i].OwnerUserID < out[j].OwnerUserID
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

func (s *Store) UpsertLeader(_ context.Context, l *domain.LeaderWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaders[leaderKey{l.OwnerUserID, l.Address}] = *l
	return nil
}

func (s *Store) UpdateLeaderCursor(_ context.Context, owner int64, address, lastSignature string, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := leaderKey{owner, address}
	l, ok := s.leaders[key]
	if !ok {
		return store.ErrNotFound
	}
	if lastSignature != "" {
		l.LastSignature = lastSignature
	}
	l.LastCheckedAt = checkedAt
	s.leaders[key] = l
	return nil
}

func (s *Store) UpdateLeaderScore(_ context.Context, owner int64, address string, score, winRate float64, totalTrades int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := leaderKey{owner, address}
	l, ok := s.leaders[key]
	if !ok {
		return store.ErrNotFound
	}
	l.Score = score
	l.WinRate = winRate
	l.TotalTrades = totalTrades
	s.leaders[key] = l
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func (s *Store) GetSettings(_ context.Context, userID int64) (*domain.UserSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if st.ResetIfNewDay(s.now()) {
		s.settings[userID] = st
	}
	return &st, nil
}

func (s *Store) SaveSettings(_ context.Context, st *domain.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	cp.UpdatedAt = s.now()
	s.settings[st.UserID] = cp
	return nil
}

func (s *Store) ListAutoTradeUsers(_ context.Context) ([]domain.UserSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.UserSettings
	for id, st := range s.settings {
		if !st.AutoTradingEnabled && !st.SnipeEnabled {
			continue
		}
		if st.ResetIfNewDay(s.now()) {
			s.settings[id] = st
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ---------------------------------------------------------------------------
// Snipe runs
// ---------------------------------------------------------------------------

func (s *Store) CreateSnipeRun(_ context.Context, run *domain.SnipeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.SnipeID]; ok {
		return store.ErrDuplicateKey
	}
	if run.Status.IsInFlight() && s.inFlightLocked(run.UserID, run.Token, "") > 0 {
		return store.ErrInFlight
	}
	s.runs[run.SnipeID] = cloneRun(*run)
	return nil
}

func (s *Store) GetSnipeRun(_ context.Context, snipeID string) (*domain.SnipeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[snipeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := cloneRun(r)
	return &cp, nil
}

func (s *Store) TransitionSnipeRun(_ context.Context, snipeID string, event domain.SnipeEvent, reason string, mutate func(*domain.SnipeRun)) (*domain.SnipeRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[snipeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := s.transitionLocked(&r, event, reason); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&r)
	}
	s.runs[snipeID] = r
	cp := cloneRun(r)
	return &cp, nil
}

func (s *Store) transitionLocked(r *domain.SnipeRun, event domain.SnipeEvent, reason string) error {
	if event == domain.EventApprove && s.inFlightLocked(r.UserID, r.Token, r.SnipeID) > 0 {
		return store.ErrInFlight
	}
	return r.Transition(event, reason, s.now())
}

func (s *Store) CheckpointSubmission(_ context.Context, snipeID string, cp domain.SubmitCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[snipeID]
	if !ok {
		return store.ErrNotFound
	}
	if r.Status != domain.SnipeExecuting {
		return fmt.Errorf("memory: checkpoint run %s in %s: %w", snipeID, r.Status, domain.ErrInvalidTransition)
	}
	r.Signature = cp.Signature
	r.Checkpoint = &cp
	r.UpdatedAt = s.now()
	s.runs[snipeID] = r
	return nil
}

func (s *Store) ListSnipeRuns(_ context.Context, userID int64) ([]domain.SnipeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SnipeRun
	for _, r := range s.runs {
		if userID == 0 || r.UserID == userID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionTS.Before(out[j].DecisionTS) })
	return out, nil
}

func (s *Store) ListStale(_ context.Context, status domain.SnipeStatus, olderThan time.Time) ([]domain.SnipeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.SnipeRun
	for _, r := range s.runs {
		if r.Status == status && r.UpdatedAt.Before(olderThan) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) CountInFlight(_ context.Context, userID int64, token string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlightLocked(userID, token, ""), nil
}

func (s *Store) CountInFlightBuys(_ context.Context, userID int64) (store.InFlightBuys, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n store.InFlightBuys
	for _, r := range s.runs {
		if r.UserID != userID || r.Side != domain.SideBuy || !r.Status.IsInFlight() {
			continue
		}
		n.Trades++
		if r.Context == domain.ContextSniper {
			n.Snipes++
		}
	}
	return n, nil
}

func (s *Store) inFlightLocked(userID int64, token, exclude string) int {
	n := 0
	for id, r := range s.runs {
		if id != exclude && r.UserID == userID && r.Token == token && r.Status.IsInFlight() {
			n++
		}
	}
	return n
}

func cloneRun(r domain.SnipeRun) domain.SnipeRun {
	if r.Checkpoint != nil {
		cp := *r.Checkpoint
		r.Checkpoint = &cp
	}
	return r
}

// ---------------------------------------------------------------------------
// Trades and positions
// ---------------------------------------------------------------------------

func (s *Store) RecordFill(_ context.Context, fill store.Fill) (*store.FillResult, error) {
	if err := fill.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, superseded := s.trades[fill.Trade.Signature]
	if superseded && prev.Success {
		return &store.FillResult{Inserted: false}, nil
	}
	now := s.now()
	trade := fill.Trade
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = now
	}

	var pos *domain.Position
	pnl := decimal.Zero
	opened := false
	switch trade.Type {
	case domain.SideBuy:
		open := s.openPositionLocked(trade.UserID, trade.Token)
		opened = open == nil
		pos = store.MergeEntry(open, trade.UserID, trade.Token, fill.Entry, now)
	case domain.SideSell:
		cur, ok := s.positions[fill.Exit.PositionID]
		if !ok {
			return nil, fmt.Errorf("memory: exit position %s: %w", fill.Exit.PositionID, store.ErrNotFound)
		}
		var err error
		pos, pnl, err = store.ApplyExit(&cur, fill.Exit, now)
		if err != nil {
			return nil, err
		}
		p := pnl
		trade.PnL = &p
	}

	var run *domain.SnipeRun
	if fill.SnipeID != "" {
		r, ok := s.runs[fill.SnipeID]
		if !ok {
			return nil, fmt.Errorf("memory: fill run %s: %w", fill.SnipeID, store.ErrNotFound)
		}
		if r.Status == domain.SnipeExecuting {
			if err := r.Transition(domain.EventComplete, "", now); err != nil {
				return nil, err
			}
		}
		r.PositionID = pos.PositionID
		if r.Signature == "" {
			r.Signature = trade.Signature
		}
		run = &r
	}

	trade.PositionID = pos.PositionID
	trade.IsPositionOpen = pos.IsOpen

	s.trades[trade.Signature] = trade
	if !superseded {
		s.tradeSeq = append(s.tradeSeq, trade.Signature)
	}
	s.positions[pos.PositionID] = *pos
	if run != nil {
		s.runs[run.SnipeID] = *run
	}
	if st, ok := s.settings[trade.UserID]; ok {
		store.ApplyCounters(&st, &trade, pnl, now)
		s.settings[trade.UserID] = st
	}

	out := *pos
	return &store.FillResult{Inserted: true, Position: &out, Opened: opened, Closed: !pos.IsOpen, RealizedPnL: pnl, Superseded: superseded}, nil
}

func (s *Store) RecordFailure(_ context.Context, trade *domain.Trade, snipeID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	t := *trade
	if t.Signature == "" {
		t.Signature = store.FailedTradeKey(t.IntentID)
	}
	if _, ok := s.trades[t.Signature]; ok {
		return nil
	}
	t.Success = false
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	if snipeID != "" {
		r, ok := s.runs[snipeID]
		if !ok {
			return fmt.Errorf("memory: failure run %s: %w", snipeID, store.ErrNotFound)
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
		s.runs[snipeID] = r
	}
	s.trades[t.Signature] = t
	s.tradeSeq = append(s.tradeSeq, t.Signature)
	return nil
}

func (s *Store) GetTrade(_ context.Context, signature string) (*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[signature]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) ListTrades(_ context.Context, userID int64, since time.Time) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Trade
	for _, sig := range s.tradeSeq {
		t := s.trades[sig]
		if (userID == 0 || t.UserID == userID) && !t.CreatedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) TradesForPosition(_ context.Context, positionID string) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Trade
	for _, sig := range s.tradeSeq {
		if t := s.trades[sig]; t.PositionID == positionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) GetPosition(_ context.Context, positionID string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetOpenPosition(_ context.Context, userID int64, token string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.openPositionLocked(userID, token)
	if p == nil {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) openPositionLocked(userID int64, token string) *domain.Position {
	for _, p := range s.positions {
		if p.UserID == userID && p.Token == token && p.IsOpen {
			cp := p
			return &cp
		}
	}
	return nil
}

func (s *Store) ListOpenPositions(_ context.Context) ([]domain.Position, error) {
	return s.filterPositions(func(p domain.Position) bool { return p.IsOpen }), nil
}

func (s *Store) ListPositions(_ context.Context, userID int64, openOnly bool) ([]domain.Position, error) {
	return s.filterPositions(func(p domain.Position) bool {
		return p.UserID == userID && (!openOnly || p.IsOpen)
	}), nil
}

func (s *Store) ListClosedPositions(_ context.Context, limit int) ([]domain.Position, error) {
	out := s.filterPositions(func(p domain.Position) bool { return !p.IsOpen })
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) filterPositions(keep func(domain.Position) bool) []domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

func (s *Store) UpdateHighWaterMark(_ context.Context, positionID string, hwm decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok {
		return store.ErrNotFound
	}
	if hwm.GreaterThan(p.HighWaterMark) {
		p.HighWaterMark = hwm
		p.UpdatedAt = s.now()
		s.positions[positionID] = p
	}
	return nil
}

// ---------------------------------------------------------------------------
// Learner and ratings
// ---------------------------------------------------------------------------

func (s *Store) LoadLearnerState(_ context.Context) (*store.LearnerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.learner == nil {
		return nil, store.ErrNotFound
	}
	return cloneLearner(s.learner), nil
}

func (s *Store) SaveLearnerState(_ context.Context, st *store.LearnerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learner = cloneLearner(st)
	return nil
}

func cloneLearner(st *store.LearnerState) *store.LearnerState {
	cp := *st
	cp.Accuracy = make(map[domain.Component]float64, len(st.Accuracy))
	for k, v := range st.Accuracy {
		cp.Accuracy[k] = v
	}
	cp.Weights = make(map[domain.Component]float64, len(st.Weights))
	for k, v := range st.Weights {
		cp.Weights[k] = v
	}
	return &cp
}

func (s *Store) SaveRating(_ context.Context, userID int64, mint string, stars int) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("memory: rating %d out of range", stars)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[ratingKey{userID, mint}] = stars
	return nil
}

func (s *Store) ListRatings(_ context.Context, mint string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for k, v := range s.ratings {
		if k.mint == mint {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out, nil
}
