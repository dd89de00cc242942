package wallet

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCustody(t *testing.T) (*Custody, *memory.Store) {
	t.Helper()
	mk, err := GenerateMasterKey()
	require.NoError(t, err)
	ks, err := NewKeystore(mk)
	require.NoError(t, err)
	st := memory.New()
	return NewCustody(st, ks), st
}

func TestKeystore_RejectsBadMasterKey(t *testing.T) {
	for name, key := range map[string]string{
		"empty":     "",
		"not b64":   "!!!",
		"too short": base64.StdEncoding.EncodeToString(make([]byte, 16)),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewKeystore(key)
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindFatalConfig))
		})
	}
}

func TestKeystore_BindsPublicKey(t *testing.T) {
	mk, _ := GenerateMasterKey()
	ks, err := NewKeystore(mk)
	require.NoError(t, err)

	blob, err := ks.Seal([]byte("secret-bytes"), "PUB-A")
	require.NoError(t, err)

	plain, err := ks.Open(blob, "PUB-A")
	require.NoError(t, err)
	assert.Equal(t, "secret-bytes", string(plain))

	_, err = ks.Open(blob, "PUB-B")
	assert.ErrorIs(t, err, ErrDecrypt)

	other, _ := GenerateMasterKey()
	ks2, _ := NewKeystore(other)
	_, err = ks2.Open(blob, "PUB-A")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCustody_CreateOrGetIsStable(t *testing.T) {
	c, st := newCustody(t)
	ctx := context.Background()

	w1, created, err := c.CreateOrGet(ctx, 42)
	require.NoError(t, err)
	assert.True(t, created)
	_, err = solanago.PublicKeyFromBase58(w1.PublicKey)
	require.NoError(t, err)
	assert.NotContains(t, w1.EncryptedPrivateKey, w1.PublicKey)

	w2, created, err := c.CreateOrGet(ctx, 42)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, w1.PublicKey, w2.PublicKey)

	stored, err := st.GetWallet(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, w1.EncryptedPrivateKey, stored.EncryptedPrivateKey)
}

func TestCustody_WithSignerSignsAndZeroes(t *testing.T) {
	c, _ := newCustody(t)
	ctx := context.Background()
	w, _, err := c.CreateOrGet(ctx, 1)
	require.NoError(t, err)

	tx, err := solana.BuildTransfer(solana.Pubkey(w.PublicKey), solana.Pubkey(w.PublicKey), 5000, "11111111111111111111111111111111")
	require.NoError(t, err)
	unsigned, err := solana.EncodeTransaction(tx)
	require.NoError(t, err)

	var held solanago.PrivateKey
	var signer *Signer
	err = c.WithSigner(ctx, 1, func(s *Signer) error {
		held = s.key
		signer = s
		assert.Equal(t, solana.Pubkey(w.PublicKey), s.PublicKey())

		signed, sig, err := s.SignEncoded(unsigned)
		require.NoError(t, err)
		got, err := solana.SignatureOf(signed)
		require.NoError(t, err)
		assert.Equal(t, sig, got)

		decoded, err := solana.DecodeTransaction(signed)
		require.NoError(t, err)
		require.NoError(t, decoded.VerifySignatures())
		return nil
	})
	require.NoError(t, err)

	for _, b := range held {
		require.Zero(t, b, "key bytes must be zeroed after scope")
	}
	_, err = signer.SignTransaction(tx)
	assert.ErrorIs(t, err, ErrSignerClosed)
}

func TestCustody_WithSignerZeroesOnErrorAndPanic(t *testing.T) {
	c, _ := newCustody(t)
	ctx := context.Background()
	_, _, err := c.CreateOrGet(ctx, 1)
	require.NoError(t, err)

	var held solanago.PrivateKey
	boom := errors.New("boom")
	err = c.WithSigner(ctx, 1, func(s *Signer) error {
		held = s.key
		return boom
	})
	assert.ErrorIs(t, err, boom)
	for _, b := range held {
		require.Zero(t, b)
	}

	assert.Panics(t, func() {
		_ = c.WithSigner(ctx, 1, func(s *Signer) error {
			held = s.key
			panic("mid-sign")
		})
	})
	for _, b := range held {
		require.Zero(t, b)
	}
}

func TestCustody_WithSignerUnknownUser(t *testing.T) {
	c, _ := newCustody(t)
	err := c.WithSigner(context.Background(), 404, func(*Signer) error { return nil })
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindPolicyViolation))
}
