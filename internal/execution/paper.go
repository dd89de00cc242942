package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/rs/zerolog/log"
)

// PaperSubmitter simulates landing for dry runs. Nothing is sent to the
// chain: the signed transaction's own signature is recorded and reported as
// confirmed from then on. Fills are priced from the quote.
//
// Thread-safe: all shared state is guarded by mu.
type PaperSubmitter struct {
	mu        sync.Mutex
	confirmed map[solana.Signature]uint64 // signature -> simulated slot
	slot      uint64
	fillDelay time.Duration

	submitted atomic.Int64
	duplicate atomic.Int64
}

// NewPaperSubmitter creates a paper submitter. fillDelay simulates landing
// latency; use 0 in tests.
func NewPaperSubmitter(fillDelay time.Duration) *PaperSubmitter {
	log.Info().Dur("fill_delay", fillDelay).Msg("execution: paper submitter initialized")
	return &PaperSubmitter{
		confirmed: make(map[solana.Signature]uint64),
		slot:      1,
		fillDelay: fillDelay,
	}
}

func (p *PaperSubmitter) Name() string { return TransportPaper }

// Submit confirms sig. Resubmitting a known signature is accepted and not
// counted twice.
func (p *PaperSubmitter) Submit(ctx context.Context, _ TxSigner, txBase64 string, sig solana.Signature) error {
	if sig == "" {
		return fmt.Errorf("paper: unsigned transaction")
	}
	if p.fillDelay > 0 {
		select {
		case <-time.After(p.fillDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.confirmed[sig]; seen {
		p.duplicate.Add(1)
		return nil
	}
	p.slot++
	p.confirmed[sig] = p.slot
	p.submitted.Add(1)

	log.Info().
		Str("signature", string(sig)).
		Int("tx_bytes", len(txBase64)).
		Msg("paper: transaction confirmed")
	return nil
}

// Status reports a paper signature's simulated status.
func (p *PaperSubmitter) Status(sig solana.Signature) (solana.SignatureStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.confirmed[sig]
	if !ok {
		return solana.SignatureStatus{Signature: sig}, false
	}
	return solana.SignatureStatus{
		Signature:          sig,
		Found:              true,
		Slot:               slot,
		ConfirmationStatus: solana.CommitmentConfirmed,
	}, true
}

// Chain overlays paper signatures on base so that status lookups (retry
// checks, reconciliation) see simulated fills.
func (p *PaperSubmitter) Chain(base ChainClient) ChainClient {
	return &paperChain{ChainClient: base, paper: p}
}

// PaperStats is a snapshot of paper activity.
type PaperStats struct {
	Submitted  int64 `json:"submitted"`
	Duplicates int64 `json:"duplicates"`
}

func (p *PaperSubmitter) Stats() PaperStats {
	return PaperStats{Submitted: p.submitted.Load(), Duplicates: p.duplicate.Load()}
}

type paperChain struct {
	ChainClient
	paper *PaperSubmitter
}

func (c *paperChain) GetSignatureStatuses(ctx context.Context, sigs []solana.Signature) ([]solana.SignatureStatus, error) {
	out := make([]solana.SignatureStatus, len(sigs))
	var rest []solana.Signature
	var restIdx []int
	for i, sig := range sigs {
		if st, ok := c.paper.Status(sig); ok {
			out[i] = st
			continue
		}
		rest = append(rest, sig)
		restIdx = append(restIdx, i)
	}
	if len(rest) == 0 || c.ChainClient == nil {
		for _, i := range restIdx {
			out[i] = solana.SignatureStatus{Signature: sigs[i]}
		}
		return out, nil
	}
	st, err := c.ChainClient.GetSignatureStatuses(ctx, rest)
	if err != nil {
		return nil, err
	}
	for j, i := range restIdx {
		if j < len(st) {
			out[i] = st[j]
		}
	}
	return out, nil
}

func (c *paperChain) GetTransaction(ctx context.Context, sig solana.Signature) (*solana.TransactionDetail, error) {
	if _, ok := c.paper.Status(sig); ok || c.ChainClient == nil {
		return nil, fmt.Errorf("paper: %w: %s", solana.ErrNotFound, sig)
	}
	return c.ChainClient.GetTransaction(ctx, sig)
}
