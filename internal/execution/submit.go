package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/rs/zerolog/log"
)

// Transport names recorded on trades and checkpoints.
const (
	TransportDirect    = "direct"
	TransportProtected = "jito"
	TransportPaper     = "paper"
)

// TxSigner signs extra transactions (bundle tips) with the trading wallet.
// *wallet.Signer satisfies it.
type TxSigner interface {
	PublicKey() solana.Pubkey
	SignTransaction(tx *solanago.Transaction) (solana.Signature, error)
}

// Submitter lands a signed swap transaction. Submit returns nil once sig is
// confirmed. A KindSignatureUnknown error means the outcome is not known
// yet and the transaction may still land.
type Submitter interface {
	Name() string
	Submit(ctx context.Context, signer TxSigner, txBase64 string, sig solana.Signature) error
}

// ---------------------------------------------------------------------------
// Direct: primary + fan-out broadcast, first confirmation wins
// ---------------------------------------------------------------------------

// Broadcaster is the chain surface DirectSubmitter needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, txBase64 string) (solana.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solana.Signature, timeout time.Duration) (solana.SignatureStatus, error)
}

// DirectSubmitter sends through the RPC client's broadcast path.
type DirectSubmitter struct {
	rpc            Broadcaster
	confirmTimeout time.Duration
}

// NewDirectSubmitter creates a direct submitter.
func NewDirectSubmitter(rpc Broadcaster, confirmTimeout time.Duration) *DirectSubmitter {
	if confirmTimeout <= 0 {
		confirmTimeout = 30 * time.Second
	}
	return &DirectSubmitter{rpc: rpc, confirmTimeout: confirmTimeout}
}

func (d *DirectSubmitter) Name() string { return TransportDirect }

func (d *DirectSubmitter) Submit(ctx context.Context, _ TxSigner, txBase64 string, sig solana.Signature) error {
	got, err := d.rpc.Broadcast(ctx, txBase64)
	if err != nil {
		return err
	}
	if got != "" && got != sig {
		log.Warn().Str("expected", string(sig)).Str("got", string(got)).Msg("execution: rpc returned unexpected signature")
	}
	st, err := d.rpc.ConfirmTransaction(ctx, sig, d.confirmTimeout)
	if err != nil {
		if st.Failed() {
			return classifyOnChainError("execution: confirm", st.Err)
		}
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Protected: swap + tip transfer as one bundle
// ---------------------------------------------------------------------------

// BundleRelay is the relay surface JitoSubmitter needs. *solana.JitoClient
// satisfies it.
type BundleRelay interface {
	SendBundle(ctx context.Context, transactions []string) (string, error)
	WaitForBundle(ctx context.Context, bundleID string) (solana.BundleStatus, error)
	NextTipAccount() solana.Pubkey
	TipLamports() uint64
}

// BlockhashSource supplies the blockhash for the tip transfer.
type BlockhashSource interface {
	GetLatestBlockhash(ctx context.Context) (*solana.Blockhash, error)
}

// JitoSubmitter bundles the swap with a tip transfer paid by the same
// wallet, so the tip is only spent if the swap lands.
type JitoSubmitter struct {
	relay BundleRelay
	chain BlockhashSource
}

// NewJitoSubmitter creates a protected submitter.
func NewJitoSubmitter(relay BundleRelay, chain BlockhashSource) *JitoSubmitter {
	return &JitoSubmitter{relay: relay, chain: chain}
}

func (j *JitoSubmitter) Name() string { return TransportProtected }

func (j *JitoSubmitter) Submit(ctx context.Context, signer TxSigner, txBase64 string, sig solana.Signature) error {
	const op = "execution: bundle"

	bh, err := j.chain.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}
	tip, err := solana.BuildTransfer(signer.PublicKey(), j.relay.NextTipAccount(), j.relay.TipLamports(), bh.Hash)
	if err != nil {
		return domain.E(domain.KindUnknown, op, err)
	}
	if _, err := signer.SignTransaction(tip); err != nil {
		return domain.E(domain.KindUnknown, op, err)
	}
	tipB64, err := solana.EncodeTransaction(tip)
	if err != nil {
		return domain.E(domain.KindUnknown, op, err)
	}

	id, err := j.relay.SendBundle(ctx, []string{txBase64, tipB64})
	if err != nil {
		return err
	}
	st, err := j.relay.WaitForBundle(ctx, id)
	if err != nil {
		return err
	}

	switch st.Status {
	case solana.BundleLanded:
		return nil
	case solana.BundleRejected:
		return classifyOnChainError(op, st.RejectReason)
	default:
		return domain.Errorf(domain.KindSignatureUnknown, op, "bundle %s for %s: %s", id, sig, st.Status)
	}
}

// classifyOnChainError maps an execution failure message to an error kind.
func classifyOnChainError(op, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "0x1771") || strings.Contains(lower, "slippage"):
		return domain.Errorf(domain.KindSlippageExceeded, op, "%s", msg)
	case strings.Contains(lower, "insufficient"):
		return domain.Errorf(domain.KindInsufficientFunds, op, "%s", msg)
	case strings.Contains(lower, "blockhash"):
		return domain.Errorf(domain.KindTransientNetwork, op, "%s", msg)
	default:
		return domain.E(domain.KindUnknown, op, fmt.Errorf("%s", msg))
	}
}
