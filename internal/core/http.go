package core

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxBodyBytes = 16 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Bridges are server-side processes; browsers never connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// API exposes the service over JSON HTTP for a chat bridge, plus a
// websocket per user for events. Every route is scoped to /api/users/{id}.
type API struct {
	svc    *Service
	apiKey string
}

// NewAPI creates the bridge API. An empty apiKey disables authentication.
func NewAPI(svc *Service, apiKey string) *API {
	return &API{svc: svc, apiKey: apiKey}
}

// Handler returns the routed handler. Mount it at /api/.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/users/{id}/wallet", a.wallet)
	mux.HandleFunc("POST /api/users/{id}/buy", a.buy)
	mux.HandleFunc("POST /api/users/{id}/sell", a.sell)
	mux.HandleFunc("GET /api/users/{id}/positions", a.positions)
	mux.HandleFunc("GET /api/users/{id}/stats", a.stats)
	mux.HandleFunc("POST /api/users/{id}/ratings", a.rate)
	mux.HandleFunc("PUT /api/users/{id}/leaders", a.follow)
	mux.HandleFunc("GET /api/users/{id}/events", a.events)
	return a.auth(mux)
}

func (a *API) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := ""
		if h := r.Header.Get("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				token = strings.TrimSpace(parts[1])
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid authentication token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type buyRequest struct {
	Token     string          `json:"token"`
	AmountSOL decimal.Decimal `json:"amount_sol"`
	Reason    string          `json:"reason"`
}

type sellRequest struct {
	Token     string `json:"token"`
	AmountRaw uint64 `json:"amount_raw"`
	Reason    string `json:"reason"`
}

type rateRequest struct {
	Token string `json:"token"`
	Stars int    `json:"stars"`
}

type followRequest struct {
	Address       string          `json:"address"`
	Label         string          `json:"label"`
	CopyAmountSOL decimal.Decimal `json:"copy_amount_sol"`
	Enabled       bool            `json:"enabled"`
}

func (a *API) wallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	addr, err := a.svc.CreateOrGetWallet(r.Context(), userID)
	if err != nil {
		a.fail(w, r, "wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr})
}

func (a *API) buy(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := a.svc.Buy(r.Context(), userID, req.Token, req.AmountSOL, req.Reason)
	if err != nil {
		a.fail(w, r, "buy", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"intent_id": id})
}

func (a *API) sell(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req sellRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := a.svc.Sell(r.Context(), userID, req.Token, req.AmountRaw, req.Reason)
	if err != nil {
		a.fail(w, r, "sell", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"intent_id": id})
}

func (a *API) positions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	ps, err := a.svc.GetPositions(r.Context(), userID)
	if err != nil {
		a.fail(w, r, "positions", err)
		return
	}
	if ps == nil {
		ps = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": ps})
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	days := 1
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = n
	}
	st, err := a.svc.GetStats(r.Context(), userID, days)
	if err != nil {
		a.fail(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) rate(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.svc.Rate(r.Context(), userID, req.Token, req.Stars); err != nil {
		a.fail(w, r, "rate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) follow(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	var req followRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.svc.FollowLeader(r.Context(), userID, req.Address, req.Label, req.CopyAmountSOL, req.Enabled); err != nil {
		a.fail(w, r, "follow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams the user's events as JSON text frames until the bridge
// disconnects.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	userID, ok := userParam(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("core: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := a.svc.SubscribeEvents(ctx, userID)

	// Reader: only control frames are expected; any read error ends the
	// stream.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Debug().Int64("user_id", userID).Msg("core: event stream opened")
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Int64("user_id", userID).Msg("core: event stream closed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (a *API) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Str("path", r.URL.Path).Msg("core: request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "kind": domain.KindOf(err).String()})
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	switch domain.KindOf(err) {
	case domain.KindPolicyViolation:
		return http.StatusBadRequest
	case domain.KindDuplicate:
		return http.StatusConflict
	case domain.KindUnsafeToken, domain.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func userParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "user id must be a positive integer")
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
