package domain

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SnipeStatus is the lifecycle state of a SnipeRun.
type SnipeStatus string

const (
	SnipeAnalyzed   SnipeStatus = "ANALYZED"
	SnipeMonitoring SnipeStatus = "MONITORING"
	SnipeExecuting  SnipeStatus = "EXECUTING"
	SnipeCompleted  SnipeStatus = "COMPLETED"
	SnipeSkipped    SnipeStatus = "SKIPPED"
	SnipeFailed     SnipeStatus = "FAILED"
)

// SnipeEvent triggers a SnipeRun transition.
type SnipeEvent string

const (
	EventApprove  SnipeEvent = "APPROVE"
	EventSkip     SnipeEvent = "SKIP"
	EventExecute  SnipeEvent = "EXECUTE"
	EventComplete SnipeEvent = "COMPLETE"
	EventFail     SnipeEvent = "FAIL"
)

// SnipeRun is the persisted audit of one candidate's path through the
// decision and execution stages.
type SnipeRun struct {
	SnipeID          string            `json:"snipe_id"`
	IntentID         string            `json:"intent_id,omitempty"`
	UserID           int64             `json:"user_id"`
	Token            string            `json:"token"`
	Side             Side              `json:"side"`
	Context          TradeContext      `json:"context"`
	Status           SnipeStatus       `json:"status"`
	Reason           string            `json:"reason,omitempty"`
	AIConfidence     float64           `json:"ai_confidence"`
	AIRecommendation string            `json:"ai_recommendation"`
	Snapshot         map[string]any    `json:"snapshot,omitempty"`
	Signature        string            `json:"signature,omitempty"`
	Checkpoint       *SubmitCheckpoint `json:"checkpoint,omitempty"`
	PositionID       string            `json:"position_id,omitempty"`
	IsManual         bool              `json:"is_manual"`
	DecisionTS       time.Time         `json:"decision_ts"`
	TriggeredTS      *time.Time        `json:"triggered_ts,omitempty"`
	CompletedTS      *time.Time        `json:"completed_ts,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SubmitCheckpoint is written to the run right before a signed transaction
// leaves the process. It carries enough of the quote to rebuild the Trade
// and Position if the process dies before confirmation.
type SubmitCheckpoint struct {
	Signature      string          `json:"signature"`
	IntentID       string          `json:"intent_id"`
	Transport      string          `json:"transport"`
	Attempt        int             `json:"attempt"`
	AmountSOL      decimal.Decimal `json:"amount_sol"`
	InAmountRaw    uint64          `json:"in_amount_raw"`
	OutAmountRaw   uint64          `json:"out_amount_raw"`
	Decimals       uint8           `json:"decimals"`
	SlippageBps    int             `json:"slippage_bps"`
	PriceImpactPct float64         `json:"price_impact_pct"`
	PositionID     string          `json:"position_id,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	StopLossPct    float64         `json:"stop_loss_pct,omitempty"`
	TakeProfitPct  float64         `json:"take_profit_pct,omitempty"`
	TrailingPct    float64         `json:"trailing_pct,omitempty"`
	Meta           PositionMeta    `json:"meta"`
	SubmittedAt    time.Time       `json:"submitted_at"`
}

type snipeTransition struct {
	from  SnipeStatus
	event SnipeEvent
}

// snipeTransitions is the authoritative transition table. There are no
// back-edges.
var snipeTransitions = map[snipeTransition]SnipeStatus{
	{SnipeAnalyzed, EventApprove}:   SnipeMonitoring,
	{SnipeAnalyzed, EventSkip}:      SnipeSkipped,
	{SnipeMonitoring, EventExecute}: SnipeExecuting,
	{SnipeExecuting, EventComplete}: SnipeCompleted,
	{SnipeExecuting, EventFail}:     SnipeFailed,
}

// NextSnipeStatus returns the target of (from, event) or ErrInvalidTransition.
func NextSnipeStatus(from SnipeStatus, event SnipeEvent) (SnipeStatus, error) {
	next, ok := snipeTransitions[snipeTransition{from: from, event: event}]
	if !ok {
		return "", fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, from, event)
	}
	return next, nil
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to SnipeStatus) bool {
	for k, v := range snipeTransitions {
		if k.from == from && v == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s SnipeStatus) IsTerminal() bool {
	switch s {
	case SnipeCompleted, SnipeSkipped, SnipeFailed:
		return true
	}
	return false
}

// IsInFlight reports whether the run holds the (user, token) slot.
func (s SnipeStatus) IsInFlight() bool {
	return s == SnipeMonitoring || s == SnipeExecuting
}

// NewSnipeRun creates a run in the ANALYZED state.
func NewSnipeRun(id string, userID int64, token string, side Side, now time.Time) *SnipeRun {
	return &SnipeRun{
		SnipeID:    id,
		UserID:     userID,
		Token:      token,
		Side:       side,
		Status:     SnipeAnalyzed,
		DecisionTS: now,
		UpdatedAt:  now,
	}
}

// Transition advances the run. reason is recorded for SKIP and FAIL.
func (r *SnipeRun) Transition(event SnipeEvent, reason string, now time.Time) error {
	prev := r.Status
	next, err := NextSnipeStatus(r.Status, event)
	if err != nil {
		return err
	}

	switch event {
	case EventExecute:
		ts := now
		r.TriggeredTS = &ts
	case EventSkip, EventFail:
		r.Reason = reason
	}

	r.Status = next
	r.UpdatedAt = now
	if next.IsTerminal() {
		ts := now
		r.CompletedTS = &ts
	}

	log.Debug().
		Str("snipe_id", r.SnipeID).
		Int64("user_id", r.UserID).
		Str("token", r.Token).
		Str("prev_state", string(prev)).
		Str("event", string(event)).
		Str("new_state", string(next)).
		Msg("snipe run transition")

	return nil
}
