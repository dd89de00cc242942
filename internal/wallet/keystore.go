// Package wallet manages custodial user wallets: keypair generation,
// encryption at rest and scoped signing.
package wallet

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// currentVersion is the encrypted-key JSON schema version.
	currentVersion = 1
	// masterKeyLen is the XChaCha20-Poly1305 key length.
	masterKeyLen = chacha20poly1305.KeySize
)

// ErrDecrypt is returned when a blob cannot be opened with the master key.
var ErrDecrypt = errors.New("wallet: decryption failed")

// encryptedKeyJSON is the stored format of an encrypted private key.
type encryptedKeyJSON struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// Keystore seals private keys with a process-wide master key using
// XChaCha20-Poly1305. The public key is bound as associated data, so a blob
// copied onto another wallet row fails to open.
type Keystore struct {
	key []byte
}

// NewKeystore parses the base64 master key (WALLET_ENCRYPTION_KEY).
func NewKeystore(masterKeyB64 string) (*Keystore, error) {
	if masterKeyB64 == "" {
		return nil, domain.E(domain.KindFatalConfig, "wallet.keystore", errors.New("WALLET_ENCRYPTION_KEY is empty"))
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, domain.E(domain.KindFatalConfig, "wallet.keystore", fmt.Errorf("decode master key: %w", err))
	}
	if len(key) != masterKeyLen {
		return nil, domain.E(domain.KindFatalConfig, "wallet.keystore",
			fmt.Errorf("master key must be %d bytes, got %d", masterKeyLen, len(key)))
	}
	return &Keystore{key: key}, nil
}

// GenerateMasterKey returns a fresh base64 master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("wallet: generating master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts secret for the wallet identified by publicKey.
func (k *Keystore) Seal(secret []byte, publicKey string) (string, error) {
	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return "", fmt.Errorf("wallet: creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("wallet: generating nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, secret, []byte(publicKey))

	out, err := json.Marshal(encryptedKeyJSON{
		Version:    currentVersion,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return "", fmt.Errorf("wallet: encoding blob: %w", err)
	}
	return string(out), nil
}

// Open decrypts a blob produced by Seal. The caller owns the returned slice
// and must zero it.
func (k *Keystore) Open(blob, publicKey string) ([]byte, error) {
	var stored encryptedKeyJSON
	if err := json.Unmarshal([]byte(blob), &stored); err != nil {
		return nil, fmt.Errorf("wallet: parsing blob: %w", err)
	}
	if stored.Version != currentVersion {
		return nil, fmt.Errorf("wallet: unsupported blob version %d", stored.Version)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return nil, fmt.Errorf("wallet: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("wallet: decoding ciphertext: %w", err)
	}

	aead, err := chacha20poly1305.NewX(k.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: creating cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("wallet: nonce length %d", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(publicKey))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// zero overwrites b in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
