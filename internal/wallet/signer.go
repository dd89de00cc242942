package wallet

import (
	"fmt"
	"sync"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/nexus-trading/autosnipe/internal/solana"
)

// Signer signs transactions for one wallet. It is only valid inside the
// Custody.WithSigner callback that produced it.
type Signer struct {
	mu  sync.Mutex
	pub solanago.PublicKey
	key solanago.PrivateKey
}

func newSigner(secret []byte) (*Signer, error) {
	if len(secret) != 64 {
		return nil, fmt.Errorf("wallet: private key must be 64 bytes, got %d", len(secret))
	}
	key := make(solanago.PrivateKey, len(secret))
	copy(key, secret)
	return &Signer{pub: key.PublicKey(), key: key}, nil
}

// PublicKey returns the signer's address.
func (s *Signer) PublicKey() solana.Pubkey {
	return solana.Pubkey(s.pub.String())
}

// SignTransaction replaces any placeholder signatures on tx with the
// wallet's signature and returns the transaction id.
func (s *Signer) SignTransaction(tx *solanago.Transaction) (solana.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return "", ErrSignerClosed
	}

	tx.Signatures = nil
	_, err := tx.Sign(func(k solanago.PublicKey) *solanago.PrivateKey {
		if k.Equals(s.pub) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("wallet: sign: %w", err)
	}
	return solana.FirstSignature(tx), nil
}

// SignEncoded signs a base64 wire transaction as returned by the swap
// aggregator and re-encodes it.
func (s *Signer) SignEncoded(txBase64 string) (string, solana.Signature, error) {
	tx, err := solana.DecodeTransaction(txBase64)
	if err != nil {
		return "", "", err
	}
	sig, err := s.SignTransaction(tx)
	if err != nil {
		return "", "", err
	}
	out, err := solana.EncodeTransaction(tx)
	if err != nil {
		return "", "", err
	}
	return out, sig, nil
}

func (s *Signer) wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.key)
	s.key = nil
}
