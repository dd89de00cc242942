// Package learner attributes closed-position outcomes to the intelligence
// sources that scored them and feeds the result back into scorer weights and
// leader scores.
package learner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/scorer"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Outcome Learner - EWMA source accuracy, renormalized scorer weights
// ---------------------------------------------------------------------------

// Config configures the learner.
type Config struct {
	// EWMA smoothing of per-component accuracy.
	Alpha float64 `yaml:"alpha"`

	// Realized P&L (percent) beyond which an outcome counts as a success or
	// failure. Anything inside the band is neutral.
	LabelThresholdPct float64 `yaml:"label_threshold_pct"`

	// Only components that scored above this contributed to the entry.
	SubscoreThreshold float64 `yaml:"subscore_threshold"`

	// Closed positions seen before any weight is changed.
	MinSamples int `yaml:"min_samples"`

	// EWMA smoothing of leader scores (0-100).
	LeaderAlpha float64 `yaml:"leader_alpha"`

	// Pending closes held for Run.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:             0.05,
		LabelThresholdPct: 5,
		SubscoreThreshold: 65,
		MinSamples:        10,
		LeaderAlpha:       0.1,
		QueueSize:         256,
	}
}

// initialAccuracy is the prior of every component: no better than a coin.
const initialAccuracy = 0.5

// Label classifies a closed position.
type Label int

const (
	LabelNeutral Label = iota
	LabelSuccess
	LabelFailure
)

func (l Label) String() string {
	switch l {
	case LabelSuccess:
		return "success"
	case LabelFailure:
		return "failure"
	default:
		return "neutral"
	}
}

// Value is the EWMA target of the label.
func (l Label) Value() float64 {
	switch l {
	case LabelSuccess:
		return 1
	case LabelFailure:
		return 0
	default:
		return 0.5
	}
}

// LabelOf labels a realized P&L percentage against a symmetric band.
func LabelOf(pnlPct, thresholdPct float64) Label {
	switch {
	case pnlPct > thresholdPct:
		return LabelSuccess
	case pnlPct < -thresholdPct:
		return LabelFailure
	default:
		return LabelNeutral
	}
}

// WeightSink receives renormalized weights. *scorer.Scorer satisfies it.
type WeightSink interface {
	SetWeights(w map[domain.Component]float64)
}

// Store is the persistence the learner reads and writes.
type Store interface {
	store.LearnerStore
	ListClosedPositions(ctx context.Context, limit int) ([]domain.Position, error)
	ListLeaders(ctx context.Context, enabledOnly bool) ([]domain.LeaderWallet, error)
	UpdateLeaderScore(ctx context.Context, ownerUserID int64, address string, score, winRate float64, totalTrades int) error
}

// Learner consumes position closes. Observe is serialized internally; Run
// feeds it from the close events published by execution.
type Learner struct {
	config Config
	store  Store
	sink   WeightSink
	now    func() time.Time
	events chan domain.Position

	mu       sync.Mutex
	accuracy map[domain.Component]float64
	samples  int
	pending  []domain.Position
	seen     map[string]struct{}

	lastProgress  atomic.Int64
	dropped       atomic.Int64
	leaderUpdates atomic.Int64
	saveErrors    atomic.Int64
}

// New creates a learner. sink may be nil.
func New(config Config, st Store, sink WeightSink) *Learner {
	def := DefaultConfig()
	if config.Alpha <= 0 || config.Alpha > 1 {
		config.Alpha = def.Alpha
	}
	if config.LabelThresholdPct <= 0 {
		config.LabelThresholdPct = def.LabelThresholdPct
	}
	if config.SubscoreThreshold <= 0 {
		config.SubscoreThreshold = def.SubscoreThreshold
	}
	if config.MinSamples <= 0 {
		config.MinSamples = def.MinSamples
	}
	if config.LeaderAlpha <= 0 || config.LeaderAlpha > 1 {
		config.LeaderAlpha = def.LeaderAlpha
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	l := &Learner{
		config:   config,
		store:    st,
		sink:     sink,
		now:      time.Now,
		events:   make(chan domain.Position, config.QueueSize),
		accuracy: make(map[domain.Component]float64, len(domain.AllComponents)),
		seen:     make(map[string]struct{}),
	}
	for _, c := range domain.AllComponents {
		l.accuracy[c] = initialAccuracy
	}
	return l
}

// Name implements the supervisor worker contract.
func (l *Learner) Name() string { return "learner" }

// LastProgress is when the learner last went idle or observed a close.
func (l *Learner) LastProgress() time.Time {
	if ns := l.lastProgress.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (l *Learner) progress() { l.lastProgress.Store(l.now().UnixNano()) }

// Load restores the persisted model. Before the learner is active it also
// re-buffers the closes already on record, so a restart does not reset the
// warm-up count.
func (l *Learner) Load(ctx context.Context) error {
	st, err := l.store.LoadLearnerState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("learner: load state: %w", err)
	default:
		l.mu.Lock()
		for c, v := range st.Accuracy {
			l.accuracy[c] = v
		}
		l.samples = st.Samples
		l.mu.Unlock()
	}

	l.mu.Lock()
	samples := l.samples
	weights := l.weightsLocked()
	l.mu.Unlock()

	if samples >= l.config.MinSamples {
		if l.sink != nil {
			l.sink.SetWeights(weights)
		}
		log.Info().Int("samples", samples).Interface("weights", weights).Msg("learner: restored weights")
		return nil
	}

	closed, err := l.store.ListClosedPositions(ctx, l.config.MinSamples)
	if err != nil {
		return fmt.Errorf("learner: list closed: %w", err)
	}
	for i := range closed {
		if err := l.Observe(ctx, &closed[i]); err != nil {
			return err
		}
	}
	log.Info().Int("buffered", len(closed)).Int("min_samples", l.config.MinSamples).Msg("learner: warming up")
	return nil
}

// Run loads state and observes closes until ctx is done.
func (l *Learner) Run(ctx context.Context) error {
	if err := l.Load(ctx); err != nil {
		return err
	}
	l.progress()

	idle := time.NewTicker(30 * time.Second)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			l.progress()
		case pos := <-l.events:
			if err := l.Observe(ctx, &pos); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("position_id", pos.PositionID).Msg("learner: observe failed")
			}
			l.progress()
		}
	}
}

// OnTradeResult implements execution.Observer.
func (l *Learner) OnTradeResult(domain.TradeResult, *domain.Trade) {}

// OnPositionClose implements execution.Observer. It never blocks; closes
// beyond the queue are dropped and counted.
func (l *Learner) OnPositionClose(_ domain.PositionClose, pos *domain.Position) {
	if pos == nil {
		return
	}
	select {
	case l.events <- *pos:
	default:
		l.dropped.Add(1)
		log.Warn().Str("position_id", pos.PositionID).Msg("learner: queue full, close dropped")
	}
}

// Observe learns from one closed position. Until MinSamples closes have
// been seen they are buffered; the MinSamples-th close replays the buffer.
func (l *Learner) Observe(ctx context.Context, pos *domain.Position) error {
	if pos.IsOpen {
		return nil
	}

	l.mu.Lock()
	if _, dup := l.seen[pos.PositionID]; dup {
		l.mu.Unlock()
		return nil
	}
	var batch []domain.Position
	if l.samples < l.config.MinSamples {
		l.seen[pos.PositionID] = struct{}{}
		l.pending = append(l.pending, *pos)
		if l.samples+len(l.pending) < l.config.MinSamples {
			l.mu.Unlock()
			return nil
		}
		batch, l.pending = l.pending, nil
		l.seen = make(map[string]struct{})
	} else {
		batch = []domain.Position{*pos}
	}

	labels := make([]Label, len(batch))
	for i := range batch {
		labels[i] = LabelOf(batch[i].RealizedPnLPct(), l.config.LabelThresholdPct)
		l.updateAccuracyLocked(&batch[i], labels[i])
	}
	l.samples += len(batch)
	weights := l.weightsLocked()
	state := &store.LearnerState{
		Accuracy:  cloneMap(l.accuracy),
		Weights:   weights,
		Samples:   l.samples,
		UpdatedAt: l.now(),
	}
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.SetWeights(weights)
	}
	l.updateLeaders(ctx, batch, labels)
	if err := l.store.SaveLearnerState(ctx, state); err != nil {
		l.saveErrors.Add(1)
		return fmt.Errorf("learner: save state: %w", err)
	}

	ev := log.Info().Int("samples", state.Samples).Interface("weights", weights)
	if len(batch) > 1 {
		ev = ev.Int("replayed", len(batch))
	} else {
		ev = ev.Str("position_id", pos.PositionID).Str("label", labels[0].String())
	}
	ev.Msg("learner: weights updated")
	return nil
}

func (l *Learner) updateAccuracyLocked(pos *domain.Position, label Label) {
	target := label.Value()
	for c, score := range pos.Metadata.Subscores {
		if score <= l.config.SubscoreThreshold {
			continue
		}
		acc, ok := l.accuracy[c]
		if !ok {
			continue
		}
		l.accuracy[c] = acc + l.config.Alpha*(target-acc)
	}
}

// weightsLocked is accuracy / Σ accuracy, uniform when every accuracy is 0.
func (l *Learner) weightsLocked() scorer.Weights {
	return scorer.Weights(cloneMap(l.accuracy)).Normalize()
}

// updateLeaders moves the score of every leader whose signal opened a
// position toward 100 on success, 0 on failure and 50 when neutral.
func (l *Learner) updateLeaders(ctx context.Context, batch []domain.Position, labels []Label) {
	type key struct {
		owner   int64
		address string
	}
	var leaders map[key]domain.LeaderWallet
	for i := range batch {
		pos := &batch[i]
		if !hasSource(pos.Metadata.Sources, domain.SourceLeader) || len(pos.Metadata.Leaders) == 0 {
			continue
		}
		if leaders == nil {
			all, err := l.store.ListLeaders(ctx, false)
			if err != nil {
				log.Warn().Err(err).Msg("learner: list leaders failed")
				return
			}
			leaders = make(map[key]domain.LeaderWallet, len(all))
			for _, lw := range all {
				leaders[key{lw.OwnerUserID, lw.Address}] = lw
			}
		}
		for _, addr := range pos.Metadata.Leaders {
			k := key{pos.UserID, addr}
			lw, ok := leaders[k]
			if !ok {
				continue
			}
			label := labels[i]
			win := 0.0
			if label == LabelSuccess {
				win = 1
			}
			lw.WinRate = (lw.WinRate*float64(lw.TotalTrades) + win) / float64(lw.TotalTrades+1)
			lw.TotalTrades++
			lw.Score = clamp(lw.Score+l.config.LeaderAlpha*(100*label.Value()-lw.Score), 0, 100)
			leaders[k] = lw

			if err := l.store.UpdateLeaderScore(ctx, lw.OwnerUserID, lw.Address, lw.Score, lw.WinRate, lw.TotalTrades); err != nil {
				log.Warn().Err(err).Str("leader", addr).Msg("learner: update leader score failed")
				continue
			}
			l.leaderUpdates.Add(1)
			log.Debug().
				Str("leader", addr).
				Float64("score", lw.Score).
				Float64("win_rate", lw.WinRate).
				Str("label", label.String()).
				Msg("learner: leader score updated")
		}
	}
}

func hasSource(sources []domain.SignalSource, want domain.SignalSource) bool {
	for _, s := range sources {
		if s == want {
			return true
		}
	}
	return false
}

func cloneMap(m map[domain.Component]float64) map[domain.Component]float64 {
	out := make(map[domain.Component]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is a snapshot of the learner model.
type Stats struct {
	Active        bool                         `json:"active"`
	Samples       int                          `json:"samples"`
	Pending       int                          `json:"pending"`
	Accuracy      map[domain.Component]float64 `json:"accuracy"`
	Weights       map[domain.Component]float64 `json:"weights"`
	Dropped       int64                        `json:"dropped"`
	LeaderUpdates int64                        `json:"leader_updates"`
	SaveErrors    int64                        `json:"save_errors"`
}

func (l *Learner) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Active:        l.samples >= l.config.MinSamples,
		Samples:       l.samples,
		Pending:       len(l.pending),
		Accuracy:      cloneMap(l.accuracy),
		Weights:       l.weightsLocked(),
		Dropped:       l.dropped.Load(),
		LeaderUpdates: l.leaderUpdates.Load(),
		SaveErrors:    l.saveErrors.Load(),
	}
}

// Weights returns the current normalized weights.
func (l *Learner) Weights() scorer.Weights {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.weightsLocked()
}
