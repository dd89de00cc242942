package copytrade

import (
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// ValidateLeaderAddress checks that addr is a base58 ed25519 public key that
// lies on the curve. Program-derived addresses are off-curve and cannot sign,
// so they can never be a leader.
func ValidateLeaderAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("copytrade: empty leader address")
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("copytrade: leader %q is not base58: %w", addr, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("copytrade: leader %q decodes to %d bytes, want 32", addr, len(raw))
	}
	if !isOnCurve(raw) {
		return fmt.Errorf("copytrade: leader %q is off-curve (program-derived)", addr)
	}
	return nil
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
