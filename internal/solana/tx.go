package solana

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// ---------------------------------------------------------------------------
// Wire transactions (legacy and v0) via solana-go
// ---------------------------------------------------------------------------

// DecodeTransaction parses a base64 wire transaction.
func DecodeTransaction(txBase64 string) (*solanago.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return nil, fmt.Errorf("tx: decode base64: %w", err)
	}
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("tx: decode transaction: %w", err)
	}
	return tx, nil
}

// EncodeTransaction serializes a transaction to base64. Unsigned
// transactions get zero placeholder signatures, the form aggregators return.
func EncodeTransaction(tx *solanago.Transaction) (string, error) {
	if len(tx.Signatures) == 0 {
		tx.Signatures = make([]solanago.Signature, tx.Message.Header.NumRequiredSignatures)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("tx: marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// FirstSignature returns the fee payer's signature, which is the
// transaction id. Zero placeholder signatures are reported as empty.
func FirstSignature(tx *solanago.Transaction) Signature {
	if len(tx.Signatures) == 0 || tx.Signatures[0] == (solanago.Signature{}) {
		return ""
	}
	return Signature(tx.Signatures[0].String())
}

// SignatureOf decodes txBase64 and returns its first signature.
func SignatureOf(txBase64 string) (Signature, error) {
	tx, err := DecodeTransaction(txBase64)
	if err != nil {
		return "", err
	}
	sig := FirstSignature(tx)
	if sig == "" {
		return "", fmt.Errorf("tx: transaction is not signed")
	}
	return sig, nil
}

// BuildTransfer builds an unsigned SOL transfer paid by from. Used for bundle
// tips.
func BuildTransfer(from, to Pubkey, lamports uint64, blockhash string) (*solanago.Transaction, error) {
	fromKey, err := solanago.PublicKeyFromBase58(string(from))
	if err != nil {
		return nil, fmt.Errorf("tx: from key: %w", err)
	}
	toKey, err := solanago.PublicKeyFromBase58(string(to))
	if err != nil {
		return nil, fmt.Errorf("tx: to key: %w", err)
	}
	hash, err := solanago.HashFromBase58(blockhash)
	if err != nil {
		return nil, fmt.Errorf("tx: blockhash: %w", err)
	}

	ix := system.NewTransferInstruction(lamports, fromKey, toKey).Build()
	tx, err := solanago.NewTransaction([]solanago.Instruction{ix}, hash, solanago.TransactionPayer(fromKey))
	if err != nil {
		return nil, fmt.Errorf("tx: build transfer: %w", err)
	}
	return tx, nil
}
