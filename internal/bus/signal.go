package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/autosnipe/internal/domain"
)

// Signal is a typed, ephemeral observation from one intelligence source.
// Exactly one payload is set and it matches Source.
type Signal struct {
	ID         string              `json:"id"`
	Seq        uint64              `json:"seq"`
	Source     domain.SignalSource `json:"source"`
	Token      string              `json:"token"`
	UserID     int64               `json:"user_id,omitempty"` // 0 = every user
	ObservedAt time.Time           `json:"observed_at"`

	Leader    *LeaderPayload    `json:"leader,omitempty"`
	Launch    *LaunchPayload    `json:"launch,omitempty"`
	Sentiment *SentimentPayload `json:"sentiment,omitempty"`
}

// LeaderPayload is a copied wallet's swap into Token.
type LeaderPayload struct {
	LeaderAddress string  `json:"leader_address"`
	SwapTx        string  `json:"swap_tx"`
	Strength      float64 `json:"signal_strength"` // 0-1
	LeaderScore   float64 `json:"leader_score"`    // 0-100
}

// LaunchPayload is a newly discovered token.
type LaunchPayload struct {
	Feed         string  `json:"feed"`
	LiquidityUSD float64 `json:"launch_liquidity_usd"`
	AgeSeconds   int64   `json:"age_seconds"`
}

// SentimentPayload aggregates social mentions of Token.
type SentimentPayload struct {
	Mentions    int      `json:"mentions"`
	Sentiment   float64  `json:"sentiment"` // 0-100
	SourcesUsed []string `json:"sources_used"`
}

// DedupKey identifies repeated observations of the same leader swap.
func (s Signal) DedupKey() string {
	if s.Leader == nil {
		return ""
	}
	return s.Token + "|" + s.Leader.LeaderAddress + "|" + s.Leader.SwapTx
}

// NewLeaderSignal builds a LEADER signal addressed to the leader's owner.
func NewLeaderSignal(userID int64, token string, p LeaderPayload, at time.Time) Signal {
	return Signal{ID: uuid.NewString(), Source: domain.SourceLeader, Token: token, UserID: userID, ObservedAt: at, Leader: &p}
}

// NewLaunchSignal builds a LAUNCH signal for every user.
func NewLaunchSignal(token string, p LaunchPayload, at time.Time) Signal {
	return Signal{ID: uuid.NewString(), Source: domain.SourceLaunch, Token: token, ObservedAt: at, Launch: &p}
}

// NewSentimentSignal builds a SENTIMENT signal for every user.
func NewSentimentSignal(token string, p SentimentPayload, at time.Time) Signal {
	return Signal{ID: uuid.NewString(), Source: domain.SourceSentiment, Token: token, ObservedAt: at, Sentiment: &p}
}
