package solana

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
)

// ---------------------------------------------------------------------------
// RPC Client Interface
// ---------------------------------------------------------------------------

// RPCClient is the interface for Solana RPC interactions.
// Implementations: LiveRPCClient (real Solana), StubRPCClient (testing).
type RPCClient interface {
	// GetBalance returns the lamport balance of an account.
	GetBalance(ctx context.Context, account Pubkey) (uint64, error)

	// GetSignaturesForAddress lists recent signatures, newest first.
	// before may be empty.
	GetSignaturesForAddress(ctx context.Context, address Pubkey, limit int, before Signature) ([]SignatureInfo, error)

	// GetTransaction fetches a confirmed transaction. Returns ErrNotFound if
	// the node does not know it.
	GetTransaction(ctx context.Context, sig Signature) (*TransactionDetail, error)

	// GetLatestBlockhash returns a recent blockhash.
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)

	// GetTokenInfo fetches mint metadata (authorities, decimals, supply).
	GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error)

	// GetTopHolders returns the top N holders of a token.
	GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error)

	// SendTransaction submits a signed transaction to the primary endpoint.
	SendTransaction(ctx context.Context, txBase64 string) (Signature, error)

	// Broadcast submits a signed transaction to the primary endpoint and, in
	// parallel, to up to K fallback endpoints. Returns the first signature.
	Broadcast(ctx context.Context, txBase64 string) (Signature, error)

	// GetSignatureStatuses returns one status per input signature.
	GetSignatureStatuses(ctx context.Context, sigs []Signature) ([]SignatureStatus, error)

	// ConfirmTransaction polls every endpoint and returns as soon as one
	// reports the signature confirmed or failed, or when timeout elapses.
	ConfirmTransaction(ctx context.Context, sig Signature, timeout time.Duration) (SignatureStatus, error)

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// RPCConfig configures the Solana RPC client.
type RPCConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Fallbacks       []string      `yaml:"fallbacks"`
	WSEndpoint      string        `yaml:"ws_endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	FanOut          int           `yaml:"fan_out"` // max fallbacks used by Broadcast
	ConfirmInterval time.Duration `yaml:"confirm_interval"`
}

// DefaultRPCConfig returns development defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoint:        "https://api.mainnet-beta.solana.com",
		WSEndpoint:      "wss://api.mainnet-beta.solana.com",
		Timeout:         10 * time.Second,
		MaxRetries:      2,
		RateLimitRPS:    10,
		FanOut:          5,
		ConfirmInterval: 500 * time.Millisecond,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is an in-memory chain for tests. Sent transactions are
// assigned signatures by SigFunc (the signed transaction's own signature when
// it decodes) and confirmed while AutoConfirm is set.
type StubRPCClient struct {
	mu        sync.RWMutex
	balances  map[Pubkey]uint64
	tokens    map[Pubkey]*TokenInfo
	holders   map[Pubkey][]HolderInfo
	sigs      map[Pubkey][]SignatureInfo
	txs       map[Signature]*TransactionDetail
	statuses  map[Signature]SignatureStatus
	sent      []string
	sendErrs  []error
	failNext  error
	slot      uint64
	sendCount int

	// SigFunc derives a signature from a submitted transaction.
	SigFunc func(txBase64 string, n int) Signature
	// AutoConfirm marks every sent signature as confirmed.
	AutoConfirm bool
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		balances:    make(map[Pubkey]uint64),
		tokens:      make(map[Pubkey]*TokenInfo),
		holders:     make(map[Pubkey][]HolderInfo),
		sigs:        make(map[Pubkey][]SignatureInfo),
		txs:         make(map[Signature]*TransactionDetail),
		statuses:    make(map[Signature]SignatureStatus),
		slot:        1000,
		AutoConfirm: true,
		SigFunc: func(txBase64 string, n int) Signature {
			if sig, err := SignatureOf(txBase64); err == nil {
				return sig
			}
			return Signature(fmt.Sprintf("stub-sig-%d", n))
		},
	}
}

// SetBalance sets the lamport balance of an account.
func (s *StubRPCClient) SetBalance(account Pubkey, lamports uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = lamports
}

// AddToken registers a token for the stub to return.
func (s *StubRPCClient) AddToken(info TokenInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[info.Mint] = &info
}

// AddHolders registers holders for a token mint.
func (s *StubRPCClient) AddHolders(mint Pubkey, holders []HolderInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[mint] = holders
}

// AddTransaction records a landed transaction touching address. The newest
// transaction is listed first by GetSignaturesForAddress.
func (s *StubRPCClient) AddTransaction(address Pubkey, tx TransactionDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot++
	if tx.Slot == 0 {
		tx.Slot = s.slot
	}
	if tx.BlockTime.IsZero() {
		tx.BlockTime = time.Now()
	}
	info := SignatureInfo{Signature: tx.Signature, Slot: tx.Slot, BlockTime: tx.BlockTime, Failed: tx.Failed}
	s.sigs[address] = append([]SignatureInfo{info}, s.sigs[address]...)
	s.txs[tx.Signature] = &tx
	s.statuses[tx.Signature] = SignatureStatus{Signature: tx.Signature, Found: true, Slot: tx.Slot, ConfirmationStatus: CommitmentConfirmed}
}

// SetStatus overrides the status reported for sig.
func (s *StubRPCClient) SetStatus(st SignatureStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.Signature] = st
}

// QueueSendErrors makes the next sends fail with errs, in order.
func (s *StubRPCClient) QueueSendErrors(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErrs = append(s.sendErrs, errs...)
}

// SetFailNext makes the next call of any method fail with err.
func (s *StubRPCClient) SetFailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = domain.Errorf(domain.KindTransientNetwork, "stub", "simulated RPC failure")
	}
	s.failNext = err
}

// Sent returns the transactions submitted so far.
func (s *StubRPCClient) Sent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.sent...)
}

func (s *StubRPCClient) shouldFail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	return nil
}

// --- Interface implementation ---

func (s *StubRPCClient) GetBalance(_ context.Context, account Pubkey) (uint64, error) {
	if err := s.shouldFail(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

func (s *StubRPCClient) GetSignaturesForAddress(_ context.Context, address Pubkey, limit int, before Signature) ([]SignatureInfo, error) {
	if err := s.shouldFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.sigs[address]
	start := 0
	if before != "" {
		for i, si := range all {
			if si.Signature == before {
				start = i + 1
				break
			}
		}
	}
	out := make([]SignatureInfo, 0, limit)
	for _, si := range all[start:] {
		if len(out) >= limit {
			break
		}
		out = append(out, si)
	}
	return out, nil
}

func (s *StubRPCClient) GetTransaction(_ context.Context, sig Signature) (*TransactionDetail, error) {
	if err := s.shouldFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[sig]
	if !ok {
		return nil, fmt.Errorf("stub: %w: %s", ErrNotFound, sig)
	}
	cp := *tx
	return &cp, nil
}

func (s *StubRPCClient) GetLatestBlockhash(_ context.Context) (*Blockhash, error) {
	if err := s.shouldFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Blockhash{Hash: "11111111111111111111111111111111", LastValidBlockHeight: s.slot + 150}, nil
}

func (s *StubRPCClient) GetTokenInfo(_ context.Context, mint Pubkey) (*TokenInfo, error) {
	if err := s.shouldFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.tokens[mint]; ok {
		cp := *info
		return &cp, nil
	}
	return nil, fmt.Errorf("stub: token %s: %w", mint, ErrNotFound)
}

func (s *StubRPCClient) GetTopHolders(_ context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	if err := s.shouldFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	holders := s.holders[mint]
	if len(holders) > limit {
		holders = holders[:limit]
	}
	return append([]HolderInfo(nil), holders...), nil
}

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string) (Signature, error) {
	if err := s.shouldFail(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCount++
	s.sent = append(s.sent, txBase64)
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	sig := s.SigFunc(txBase64, s.sendCount)
	if s.AutoConfirm {
		s.slot++
		if _, exists := s.statuses[sig]; !exists {
			s.statuses[sig] = SignatureStatus{Signature: sig, Found: true, Slot: s.slot, ConfirmationStatus: CommitmentConfirmed}
		}
	}
	return sig, nil
}

func (s *StubRPCClient) Broadcast(ctx context.Context, txBase64 string) (Signature, error) {
	return s.SendTransaction(ctx, txBase64)
}

func (s *StubRPCClient) GetSignatureStatuses(_ context.Context, sigs []Signature) ([]SignatureStatus, error) {
	if err := s.shouldFail(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SignatureStatus, len(sigs))
	for i, sig := range sigs {
		if st, ok := s.statuses[sig]; ok {
			out[i] = st
			continue
		}
		out[i] = SignatureStatus{Signature: sig}
	}
	return out, nil
}

func (s *StubRPCClient) ConfirmTransaction(ctx context.Context, sig Signature, _ time.Duration) (SignatureStatus, error) {
	st, err := s.GetSignatureStatuses(ctx, []Signature{sig})
	if err != nil {
		return SignatureStatus{}, err
	}
	if st[0].Failed() {
		return st[0], domain.Errorf(domain.KindUnknown, "stub: confirm", "transaction %s failed: %s", sig, st[0].Err)
	}
	if !st[0].Found {
		return st[0], domain.Errorf(domain.KindSignatureUnknown, "stub: confirm", "signature %s not confirmed", sig)
	}
	return st[0], nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	return s.shouldFail()
}
