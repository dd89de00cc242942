package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/rs/zerolog/log"
)

// EventType tags an Event.
type EventType string

const (
	EventTradeResult   EventType = "trade_result"
	EventPositionClose EventType = "position_close"
)

// Event is what a chat bridge receives for one user. Exactly one of
// TradeResult and PositionClose is set, matching Type.
type Event struct {
	Type          EventType             `json:"type"`
	UserID        int64                 `json:"user_id"`
	TradeResult   *domain.TradeResult   `json:"trade_result,omitempty"`
	PositionClose *domain.PositionClose `json:"position_close,omitempty"`
	At            time.Time             `json:"at"`
}

type subscriber struct {
	ch chan Event
}

// Hub fans events out to per-user subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]map[*subscriber]struct{}
	buffer int

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int64]map[*subscriber]struct{}), buffer: buffer}
}

// Subscribe returns a channel of the user's events. It is closed when ctx
// is done.
func (h *Hub) Subscribe(ctx context.Context, userID int64) <-chan Event {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[userID], sub)
		if len(h.subs[userID]) == 0 {
			delete(h.subs, userID)
		}
		close(sub.ch)
		h.mu.Unlock()
	}()
	return sub.ch
}

// Publish delivers ev to the user's subscribers.
func (h *Hub) Publish(ev Event) {
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.UserID] {
		select {
		case sub.ch <- ev:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			log.Warn().Int64("user_id", ev.UserID).Str("type", string(ev.Type)).Msg("core: subscriber slow, event dropped")
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		n += len(s)
	}
	return n
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Subscribers: h.Subscribers(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
	}
}
