package solana

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// Well-known mints.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint Pubkey = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// IsQuoteMint reports whether mint is SOL or a dollar stable: the assets a
// buyer spends to acquire a new token.
func IsQuoteMint(mint Pubkey) bool {
	return mint == SOLMint || mint == USDCMint || mint == USDTMint
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Shift(-9)
}

// ErrAmountOverflow is returned for SOL amounts past the u64 lamport range.
var ErrAmountOverflow = errors.New("solana: amount exceeds u64 lamports")

// SOLToLamports converts SOL to lamports, truncating sub-lamport dust.
// Negative amounts convert to zero.
func SOLToLamports(sol decimal.Decimal) (uint64, error) {
	l := sol.Shift(9).Truncate(0)
	if l.IsNegative() {
		return 0, nil
	}
	b := l.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("%w: %s SOL", ErrAmountOverflow, sol)
	}
	return b.Uint64(), nil
}

// ---------------------------------------------------------------------------
// Token types
// ---------------------------------------------------------------------------

// TokenInfo describes a Solana SPL token.
type TokenInfo struct {
	Mint            Pubkey          `json:"mint"`
	Decimals        uint8           `json:"decimals"`
	Supply          decimal.Decimal `json:"supply"`           // raw units
	MintAuthority   Pubkey          `json:"mint_authority"`   // empty = renounced
	FreezeAuthority Pubkey          `json:"freeze_authority"` // empty = renounced
}

// IsMintRenounced returns true if the mint authority is empty (good sign).
func (t TokenInfo) IsMintRenounced() bool {
	return t.MintAuthority == ""
}

// IsFreezeRenounced returns true if the freeze authority is empty (good sign).
func (t TokenInfo) IsFreezeRenounced() bool {
	return t.FreezeAuthority == ""
}

// HolderInfo describes a token holder.
type HolderInfo struct {
	Address    Pubkey          `json:"address"`
	Balance    decimal.Decimal `json:"balance"`
	Percentage float64         `json:"percentage"` // % of total supply
}

// ---------------------------------------------------------------------------
// Transaction types
// ---------------------------------------------------------------------------

// SignatureInfo is one entry from getSignaturesForAddress.
type SignatureInfo struct {
	Signature Signature `json:"signature"`
	Slot      uint64    `json:"slot"`
	BlockTime time.Time `json:"block_time"`
	Failed    bool      `json:"failed"`
}

// TokenBalance is a pre/post token balance entry of a transaction.
type TokenBalance struct {
	AccountIndex int    `json:"account_index"`
	Mint         Pubkey `json:"mint"`
	Owner        Pubkey `json:"owner"`
	Amount       uint64 `json:"amount"` // raw units
	Decimals     uint8  `json:"decimals"`
}

// TransactionDetail is the subset of getTransaction used by the pipeline.
type TransactionDetail struct {
	Signature         Signature      `json:"signature"`
	Slot              uint64         `json:"slot"`
	BlockTime         time.Time      `json:"block_time"`
	Failed            bool           `json:"failed"`
	AccountKeys       []Pubkey       `json:"account_keys"`
	PreBalances       []uint64       `json:"pre_balances"`
	PostBalances      []uint64       `json:"post_balances"`
	PreTokenBalances  []TokenBalance `json:"pre_token_balances"`
	PostTokenBalances []TokenBalance `json:"post_token_balances"`
}

// SOLDelta returns the lamport change of account, or 0 if it is absent.
func (t *TransactionDetail) SOLDelta(account Pubkey) int64 {
	for i, k := range t.AccountKeys {
		if k != account {
			continue
		}
		if i < len(t.PreBalances) && i < len(t.PostBalances) {
			return int64(t.PostBalances[i]) - int64(t.PreBalances[i])
		}
	}
	return 0
}

// TokenDeltas returns owner's raw balance change per mint.
func (t *TransactionDetail) TokenDeltas(owner Pubkey) map[Pubkey]int64 {
	deltas := make(map[Pubkey]int64)
	for _, b := range t.PreTokenBalances {
		if b.Owner == owner {
			deltas[b.Mint] -= int64(b.Amount)
		}
	}
	for _, b := range t.PostTokenBalances {
		if b.Owner == owner {
			deltas[b.Mint] += int64(b.Amount)
		}
	}
	for m, d := range deltas {
		if d == 0 {
			delete(deltas, m)
		}
	}
	return deltas
}

// Blockhash is a recent blockhash with its expiry height.
type Blockhash struct {
	Hash                 string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
}

// Confirmation levels reported by getSignatureStatuses.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Signature          Signature `json:"signature"`
	Found              bool      `json:"found"`
	Slot               uint64    `json:"slot"`
	ConfirmationStatus string    `json:"confirmation_status"`
	Err                string    `json:"err,omitempty"`
}

// Confirmed reports a successful, at-least-confirmed transaction.
func (s SignatureStatus) Confirmed() bool {
	return s.Found && s.Err == "" &&
		(s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized)
}

// Failed reports a landed transaction whose execution errored.
func (s SignatureStatus) Failed() bool {
	return s.Found && s.Err != ""
}

func parseRawAmount(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
