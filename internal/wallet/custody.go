package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrSignerClosed is returned when a Signer is used after its scope ended.
var ErrSignerClosed = errors.New("wallet: signer used outside its scope")

// Custody creates wallets and hands out scoped signers.
type Custody struct {
	store store.WalletStore
	ks    *Keystore
}

// NewCustody creates a Custody over a wallet store.
func NewCustody(st store.WalletStore, ks *Keystore) *Custody {
	return &Custody{store: st, ks: ks}
}

// CreateOrGet returns the user's wallet, generating and persisting a new
// keypair on first call. created reports whether a wallet was generated.
func (c *Custody) CreateOrGet(ctx context.Context, userID int64) (w *domain.UserWallet, created bool, err error) {
	w, err = c.store.GetWallet(ctx, userID)
	if err == nil {
		return w, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, domain.E(domain.KindPersistence, "wallet.get", err)
	}

	key, err := solanago.NewRandomPrivateKey()
	if err != nil {
		return nil, false, fmt.Errorf("wallet: generate keypair: %w", err)
	}
	defer zero(key)

	pub := key.PublicKey().String()
	blob, err := c.ks.Seal(key, pub)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	w = &domain.UserWallet{
		UserID:              userID,
		PublicKey:           pub,
		EncryptedPrivateKey: blob,
		CachedBalance:       decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := c.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a creation race; the winner's wallet is authoritative.
			existing, gerr := c.store.GetWallet(ctx, userID)
			if gerr != nil {
				return nil, false, domain.E(domain.KindPersistence, "wallet.get", gerr)
			}
			return existing, false, nil
		}
		return nil, false, domain.E(domain.KindPersistence, "wallet.create", err)
	}

	log.Info().Int64("user_id", userID).Str("address", pub).Msg("wallet: created")
	return w, true, nil
}

// Address returns the public key of the user's wallet.
func (c *Custody) Address(ctx context.Context, userID int64) (solana.Pubkey, error) {
	w, err := c.store.GetWallet(ctx, userID)
	if err != nil {
		return "", err
	}
	return solana.Pubkey(w.PublicKey), nil
}

// WithSigner decrypts the user's key, passes a Signer to fn and zeroes the
// key when fn returns or panics. The Signer must not escape fn.
func (c *Custody) WithSigner(ctx context.Context, userID int64, fn func(*Signer) error) error {
	w, err := c.store.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Errorf(domain.KindPolicyViolation, "wallet.signer", "user %d has no wallet", userID)
		}
		return domain.E(domain.KindPersistence, "wallet.get", err)
	}

	secret, err := c.ks.Open(w.EncryptedPrivateKey, w.PublicKey)
	if err != nil {
		return domain.E(domain.KindFatalConfig, "wallet.open", err)
	}
	s, err := newSigner(secret)
	zero(secret)
	if err != nil {
		return err
	}
	defer s.wipe()

	if s.PublicKey() != solana.Pubkey(w.PublicKey) {
		return domain.Errorf(domain.KindFatalConfig, "wallet.signer", "decrypted key does not match %s", w.PublicKey)
	}
	return fn(s)
}
