// Package copytrade watches leader wallets and turns their swaps into
// LEADER signals.
package copytrade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/bus"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Leader Scanner - poll leader signatures, detect swaps, emit signals
// ---------------------------------------------------------------------------

// Config configures the leader scanner.
type Config struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	SignatureLimit int           `yaml:"signature_limit"`
	// Signal strength decays linearly to MinRecency over this window.
	RecencyWindow time.Duration `yaml:"recency_window"`
	MinRecency    float64       `yaml:"min_recency"`
	// Backoff after a rate-limited poll doubles up to MaxBackoff.
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   15 * time.Second,
		SignatureLimit: 20,
		RecencyWindow:  60 * time.Second,
		MinRecency:     0.25,
		BaseBackoff:    time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// Publisher accepts signals. *bus.Bus implements it.
type Publisher interface {
	Publish(sig bus.Signal) bool
}

// Scanner polls every enabled leader and publishes a LEADER signal for each
// new BUY it makes. Delivery is at-least-once: the cursor only advances past
// transactions that were fully processed.
type Scanner struct {
	config Config
	rpc    solana.RPCClient
	store  store.LeaderStore
	pub    Publisher
	ws     *solana.WSMonitor
	now    func() time.Time

	backoff time.Duration
	wake    chan solana.Pubkey

	mu      sync.Mutex
	invalid map[string]bool // addresses already warned about

	polls       atomic.Int64
	txsScanned  atomic.Int64
	buys        atomic.Int64
	sells       atomic.Int64
	signalsSent atomic.Int64
	errors      atomic.Int64
	rateLimited atomic.Int64
	lastPoll    atomic.Int64 // unix nanos
}

// NewScanner creates a leader scanner. ws may be nil.
func NewScanner(config Config, rpc solana.RPCClient, st store.LeaderStore, pub Publisher, ws *solana.WSMonitor) *Scanner {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.SignatureLimit <= 0 {
		config.SignatureLimit = def.SignatureLimit
	}
	if config.RecencyWindow <= 0 {
		config.RecencyWindow = def.RecencyWindow
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = def.BaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	return &Scanner{
		config:  config,
		rpc:     rpc,
		store:   st,
		pub:     pub,
		ws:      ws,
		now:     time.Now,
		wake:    make(chan solana.Pubkey, 64),
		invalid: make(map[string]bool),
	}
}

// Name identifies the worker.
func (s *Scanner) Name() string { return "leader-scanner" }

// LastProgress returns when the scheduled sweep last ran.
func (s *Scanner) LastProgress() time.Time {
	if ns := s.lastPoll.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Run polls until ctx is cancelled. Errors are logged and retried after a
// backoff; Run only returns ctx.Err().
func (s *Scanner) Run(ctx context.Context) error {
	if s.ws != nil {
		activity := s.ws.Start(ctx)
		go s.forwardActivity(ctx, activity)
	}

	log.Info().
		Dur("interval", s.config.PollInterval).
		Bool("websocket", s.ws != nil).
		Msg("copytrade: leader scanner started")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case leader := <-s.wake:
			if err := s.PollOnce(ctx, leader); err != nil {
				s.onError(err)
			}
		case <-timer.C:
			err := s.PollOnce(ctx, "")
			s.lastPoll.Store(s.now().UnixNano())
			wait := s.config.PollInterval
			if err != nil {
				wait = s.onError(err)
			}
			timer.Reset(wait)
		}
	}
}

func (s *Scanner) forwardActivity(ctx context.Context, activity <-chan solana.LeaderActivity) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-activity:
			if !ok {
				return
			}
			if a.Failed {
				continue
			}
			select {
			case s.wake <- a.Leader:
			default:
			}
		}
	}
}

// onError records err and returns how long to wait before the next poll.
func (s *Scanner) onError(err error) time.Duration {
	s.errors.Add(1)
	if !domain.IsKind(err, domain.KindRateLimited) {
		s.backoff = 0
		log.Warn().Err(err).Msg("copytrade: poll failed")
		return s.config.PollInterval
	}
	s.rateLimited.Add(1)
	if s.backoff == 0 {
		s.backoff = s.config.BaseBackoff
	} else {
		s.backoff *= 2
	}
	if s.backoff > s.config.MaxBackoff {
		s.backoff = s.config.MaxBackoff
	}
	log.Warn().Dur("backoff", s.backoff).Msg("copytrade: rate limited, backing off")
	return s.backoff
}

// PollOnce scans every enabled leader, or only rows for address when it is
// set. The first error is returned after all leaders were attempted.
func (s *Scanner) PollOnce(ctx context.Context, address solana.Pubkey) error {
	s.polls.Add(1)
	leaders, err := s.store.ListLeaders(ctx, true)
	if err != nil {
		return domain.E(domain.KindPersistence, "copytrade.list_leaders", err)
	}

	valid := leaders[:0]
	for _, l := range leaders {
		if err := ValidateLeaderAddress(l.Address); err != nil {
			s.warnInvalid(l.Address, err)
			continue
		}
		valid = append(valid, l)
	}
	if s.ws != nil && address == "" {
		s.ws.SetLeaders(uniqueAddresses(valid))
	}

	// Several users may follow the same leader; fetch each transaction once.
	txs := make(map[solana.Signature]*solana.TransactionDetail)
	var firstErr error
	for i := range valid {
		l := &valid[i]
		if address != "" && solana.Pubkey(l.Address) != address {
			continue
		}
		if err := s.pollLeader(ctx, l, txs); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
	return firstErr
}

func (s *Scanner) warnInvalid(addr string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid[addr] {
		return
	}
	s.invalid[addr] = true
	log.Warn().Err(err).Str("leader", addr).Msg("copytrade: skipping invalid leader")
}

// pollLeader processes signatures newer than the leader's cursor, oldest
// first, and advances the cursor past each processed one.
func (s *Scanner) pollLeader(ctx context.Context, l *domain.LeaderWallet, txs map[solana.Signature]*solana.TransactionDetail) error {
	addr := solana.Pubkey(l.Address)
	sigs, err := s.rpc.GetSignaturesForAddress(ctx, addr, s.config.SignatureLimit, "")
	if err != nil {
		return err
	}

	now := s.now()
	var fresh []solana.SignatureInfo
	for _, si := range sigs {
		if string(si.Signature) == l.LastSignature {
			break
		}
		// Without a cursor only recent history is replayed.
		if l.LastSignature == "" && !si.BlockTime.IsZero() && now.Sub(si.BlockTime) > s.config.RecencyWindow {
			continue
		}
		fresh = append(fresh, si)
	}
	if len(fresh) == 0 {
		if l.LastSignature == "" && len(sigs) > 0 {
			return s.advance(ctx, l, sigs[0].Signature)
		}
		return nil
	}

	for i := len(fresh) - 1; i >= 0; i-- {
		si := fresh[i]
		if !si.Failed {
			tx, ok := txs[si.Signature]
			if !ok {
				tx, err = s.rpc.GetTransaction(ctx, si.Signature)
				if errors.Is(err, solana.ErrNotFound) {
					// Not yet visible at this commitment; retry next poll.
					return nil
				}
				if err != nil {
					return err
				}
				txs[si.Signature] = tx
				s.txsScanned.Add(1)
			}
			s.emit(l, tx, now)
		}
		if err := s.advance(ctx, l, si.Signature); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) advance(ctx context.Context, l *domain.LeaderWallet, sig solana.Signature) error {
	if err := s.store.UpdateLeaderCursor(ctx, l.OwnerUserID, l.Address, string(sig), s.now()); err != nil {
		return domain.E(domain.KindPersistence, "copytrade.cursor", err)
	}
	l.LastSignature = string(sig)
	return nil
}

func (s *Scanner) emit(l *domain.LeaderWallet, tx *solana.TransactionDetail, now time.Time) {
	for _, sw := range DetectSwaps(tx, solana.Pubkey(l.Address)) {
		if sw.Side == domain.SideSell {
			s.sells.Add(1)
			continue
		}
		s.buys.Add(1)

		at := tx.BlockTime
		if at.IsZero() {
			at = now
		}
		strength := l.Score / 100 * s.recency(now.Sub(at))
		sig := bus.NewLeaderSignal(l.OwnerUserID, string(sw.Mint), bus.LeaderPayload{
			LeaderAddress: l.Address,
			SwapTx:        string(tx.Signature),
			Strength:      strength,
			LeaderScore:   l.Score,
		}, now)
		s.pub.Publish(sig)
		s.signalsSent.Add(1)

		log.Info().
			Str("leader", l.Address).
			Int64("owner", l.OwnerUserID).
			Str("token", string(sw.Mint)).
			Str("tx", string(tx.Signature)).
			Float64("strength", strength).
			Msg("copytrade: leader buy detected")
	}
}

// recency is 1 for a fresh swap and decays linearly to MinRecency at the end
// of the recency window.
func (s *Scanner) recency(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	r := 1 - float64(age)/float64(s.config.RecencyWindow)
	if r < s.config.MinRecency {
		return s.config.MinRecency
	}
	return r
}

func uniqueAddresses(leaders []domain.LeaderWallet) []solana.Pubkey {
	seen := make(map[string]bool, len(leaders))
	out := make([]solana.Pubkey, 0, len(leaders))
	for _, l := range leaders {
		if !seen[l.Address] {
			seen[l.Address] = true
			out = append(out, solana.Pubkey(l.Address))
		}
	}
	return out
}

// Stats is a snapshot of scanner counters.
type Stats struct {
	Polls       int64 `json:"polls"`
	TxsScanned  int64 `json:"txs_scanned"`
	Buys        int64 `json:"buys"`
	Sells       int64 `json:"sells"`
	SignalsSent int64 `json:"signals_sent"`
	Errors      int64 `json:"errors"`
	RateLimited int64 `json:"rate_limited"`
}

// Stats returns scanner counters.
func (s *Scanner) Stats() Stats {
	return Stats{
		Polls:       s.polls.Load(),
		TxsScanned:  s.txsScanned.Load(),
		Buys:        s.buys.Load(),
		Sells:       s.sells.Load(),
		SignalsSent: s.signalsSent.Load(),
		Errors:      s.errors.Load(),
		RateLimited: s.rateLimited.Load(),
	}
}
