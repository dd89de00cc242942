package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// WebSocket Leader Monitor - wake-ups on leader activity via logsSubscribe
// Each watched leader gets a logsSubscribe(mentions=[leader]) subscription.
// Polling stays the source of truth; a notification only shortens the wait.
// ---------------------------------------------------------------------------

// WSMonitorConfig configures the WebSocket leader monitor.
type WSMonitorConfig struct {
	WSEndpoint       string `yaml:"ws_endpoint"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	PingIntervalS    int    `yaml:"ping_interval_s"`
	MaxReconnects    int    `yaml:"max_reconnects"`
}

// DefaultWSMonitorConfig returns defaults for mainnet monitoring.
func DefaultWSMonitorConfig() WSMonitorConfig {
	return WSMonitorConfig{
		WSEndpoint:       "wss://api.mainnet-beta.solana.com",
		ReconnectDelayMs: 1000,
		PingIntervalS:    30,
		MaxReconnects:    0, // 0 = unlimited reconnects
	}
}

// LeaderActivity is emitted when a watched leader appears in a confirmed
// transaction's logs.
type LeaderActivity struct {
	Leader     Pubkey    `json:"leader"`
	Signature  Signature `json:"signature"`
	Slot       uint64    `json:"slot"`
	Failed     bool      `json:"failed"`
	DetectedAt time.Time `json:"detected_at"`
}

// WSMonitor watches leader wallets over the RPC WebSocket.
type WSMonitor struct {
	config WSMonitorConfig

	mu      sync.RWMutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	leaders map[Pubkey]struct{}
	pending map[int64]Pubkey // request ID -> leader, until confirmed
	subs    map[int64]Pubkey // subscription ID -> leader

	events chan LeaderActivity
	closed atomic.Bool

	nextReqID atomic.Int64

	// Stats.
	messagesRecv   atomic.Int64
	activitiesSeen atomic.Int64
	reconnects     atomic.Int64
	connected      atomic.Bool
}

// NewWSMonitor creates a new WebSocket leader monitor.
func NewWSMonitor(config WSMonitorConfig) *WSMonitor {
	return &WSMonitor{
		config:  config,
		leaders: make(map[Pubkey]struct{}),
		pending: make(map[int64]Pubkey),
		subs:    make(map[int64]Pubkey),
		events:  make(chan LeaderActivity, 256),
	}
}

// Start connects in the background and returns the activity channel. The
// channel is closed when ctx is cancelled.
func (m *WSMonitor) Start(ctx context.Context) <-chan LeaderActivity {
	go m.runLoop(ctx)
	return m.events
}

// SetLeaders replaces the watched set. New leaders are subscribed on the live
// connection; notifications for removed ones are ignored.
func (m *WSMonitor) SetLeaders(leaders []Pubkey) {
	m.mu.Lock()
	added := make([]Pubkey, 0)
	next := make(map[Pubkey]struct{}, len(leaders))
	for _, l := range leaders {
		next[l] = struct{}{}
		if _, ok := m.leaders[l]; !ok {
			added = append(added, l)
		}
	}
	m.leaders = next
	for id, l := range m.subs {
		if _, ok := next[l]; !ok {
			delete(m.subs, id)
		}
	}
	connected := m.conn != nil
	m.mu.Unlock()

	if !connected {
		return
	}
	for _, l := range added {
		if err := m.subscribe(l); err != nil {
			log.Warn().Err(err).Str("leader", shortKey(l)).Msg("ws: subscribe failed")
		}
	}
}

func (m *WSMonitor) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: runLoop panic recovered")
		}
		m.disconnect()
		// Write lock synchronizes with handleMessage's channel send.
		m.mu.Lock()
		if m.closed.CompareAndSwap(false, true) {
			close(m.events)
		}
		m.mu.Unlock()
	}()

	baseDelay := time.Duration(m.config.ReconnectDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	reconnectDelay := baseDelay
	reconnectCount := 0
	const maxDelay = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		if m.config.MaxReconnects > 0 && reconnectCount >= m.config.MaxReconnects {
			log.Error().Int("max", m.config.MaxReconnects).Msg("ws: max reconnects reached, restarting counter after cooldown")
			select {
			case <-time.After(60 * time.Second):
				reconnectCount = 0
				continue
			case <-ctx.Done():
				return
			}
		}

		if err := m.connect(ctx); err != nil {
			log.Warn().Err(err).Int("attempt", reconnectCount).Msg("ws: connection failed")
			reconnectCount++
			m.reconnects.Add(1)
			select {
			case <-time.After(reconnectDelay):
				reconnectDelay *= 2
				if reconnectDelay > maxDelay {
					reconnectDelay = maxDelay
				}
			case <-ctx.Done():
				return
			}
			continue
		}

		reconnectCount = 0
		reconnectDelay = baseDelay

		m.mu.RLock()
		leaders := make([]Pubkey, 0, len(m.leaders))
		for l := range m.leaders {
			leaders = append(leaders, l)
		}
		m.mu.RUnlock()
		for _, l := range leaders {
			if err := m.subscribe(l); err != nil {
				log.Warn().Err(err).Str("leader", shortKey(l)).Msg("ws: subscribe failed")
			}
		}

		m.readLoop(ctx)
		m.disconnect()
	}
}

func (m *WSMonitor) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.config.WSEndpoint, http.Header{})
	if err != nil {
		return fmt.Errorf("ws: dial: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.pending = make(map[int64]Pubkey)
	m.subs = make(map[int64]Pubkey)
	m.mu.Unlock()
	m.connected.Store(true)

	log.Info().Str("endpoint", m.config.WSEndpoint).Msg("ws: connected")
	return nil
}

func (m *WSMonitor) disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.connected.Store(false)
}

func (m *WSMonitor) write(v any) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("ws: not connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// subscribe sends logsSubscribe for one leader address.
func (m *WSMonitor) subscribe(leader Pubkey) error {
	reqID := m.nextReqID.Add(1)
	m.mu.Lock()
	m.pending[reqID] = leader
	m.mu.Unlock()

	err := m.write(map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  "logsSubscribe",
		"params": []any{
			map[string]any{"mentions": []string{string(leader)}},
			map[string]any{"commitment": "confirmed"},
		},
	})
	if err != nil {
		m.mu.Lock()
		delete(m.pending, reqID)
		m.mu.Unlock()
		return fmt.Errorf("ws: write subscribe: %w", err)
	}
	log.Debug().Str("leader", shortKey(leader)).Msg("ws: subscribed to leader logs")
	return nil
}

func (m *WSMonitor) readLoop(ctx context.Context) {
	pingInterval := time.Duration(m.config.PingIntervalS) * time.Second
	if pingInterval == 0 {
		pingInterval = 30 * time.Second
	}

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close() // unblocks ReadMessage
				return
			case <-done:
				return
			case <-ticker.C:
				m.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				m.writeMu.Unlock()
				if err != nil {
					log.Debug().Err(err).Msg("ws: ping failed")
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Info().Msg("ws: connection closed normally")
				} else {
					log.Warn().Err(err).Msg("ws: read error, reconnecting")
				}
			}
			m.connected.Store(false)
			return
		}
		m.messagesRecv.Add(1)
		m.handleMessage(message)
	}
}

func (m *WSMonitor) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: handleMessage panic recovered")
		}
	}()

	var msg struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Method string          `json:"method"`
		Params struct {
			Result struct {
				Value struct {
					Signature string `json:"signature"`
					Err       any    `json:"err"`
				} `json:"value"`
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
			} `json:"result"`
			Subscription int64 `json:"subscription"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	if msg.Method != "logsNotification" {
		// Subscription confirmation: {"id": reqID, "result": subID}.
		var subID int64
		if msg.ID == 0 || json.Unmarshal(msg.Result, &subID) != nil {
			return
		}
		m.mu.Lock()
		if leader, ok := m.pending[msg.ID]; ok {
			delete(m.pending, msg.ID)
			if _, watched := m.leaders[leader]; watched {
				m.subs[subID] = leader
			}
		}
		m.mu.Unlock()
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	leader, ok := m.subs[msg.Params.Subscription]
	if !ok || m.closed.Load() {
		return
	}

	event := LeaderActivity{
		Leader:     leader,
		Signature:  Signature(msg.Params.Result.Value.Signature),
		Slot:       msg.Params.Result.Context.Slot,
		Failed:     msg.Params.Result.Value.Err != nil,
		DetectedAt: time.Now(),
	}
	m.activitiesSeen.Add(1)

	select {
	case m.events <- event:
		log.Debug().
			Str("leader", shortKey(leader)).
			Str("sig", shortKey(Pubkey(event.Signature))).
			Uint64("slot", event.Slot).
			Msg("ws: leader activity")
	default:
		log.Warn().Msg("ws: activity channel full, dropping event")
	}
}

func shortKey(k Pubkey) string {
	if len(k) > 8 {
		return string(k[:8])
	}
	return string(k)
}

// WSStats returns monitor statistics.
type WSStats struct {
	Connected      bool  `json:"connected"`
	Leaders        int   `json:"leaders"`
	Subscriptions  int   `json:"subscriptions"`
	MessagesRecv   int64 `json:"messages_recv"`
	ActivitiesSeen int64 `json:"activities_seen"`
	Reconnects     int64 `json:"reconnects"`
}

func (m *WSMonitor) Stats() WSStats {
	m.mu.RLock()
	leaders, subs := len(m.leaders), len(m.subs)
	m.mu.RUnlock()
	return WSStats{
		Connected:      m.connected.Load(),
		Leaders:        leaders,
		Subscriptions:  subs,
		MessagesRecv:   m.messagesRecv.Load(),
		ActivitiesSeen: m.activitiesSeen.Load(),
		Reconnects:     m.reconnects.Load(),
	}
}
