package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Fan-out submission and confirmation
// ---------------------------------------------------------------------------

// Broadcast sends txBase64 to the primary and up to FanOut fallbacks in
// parallel. The first endpoint to return a signature wins. All endpoints
// derive the same signature from the same signed bytes, so duplicates are
// harmless.
func (c *LiveRPCClient) Broadcast(ctx context.Context, txBase64 string) (Signature, error) {
	targets := []*Endpoint{c.primary}
	k := c.config.FanOut
	if k > len(c.fallbacks) {
		k = len(c.fallbacks)
	}
	targets = append(targets, c.fallbacks[:k]...)

	type result struct {
		sig Signature
		err error
		url string
	}
	results := make(chan result, len(targets))
	for _, e := range targets {
		go func(e *Endpoint) {
			sig, err := sendVia(ctx, e, txBase64)
			results <- result{sig: sig, err: err, url: e.URL()}
		}(e)
	}

	var errs []error
	for range targets {
		r := <-results
		if r.err == nil {
			log.Debug().Str("endpoint", r.url).Str("signature", string(r.sig)).Msg("rpc: broadcast accepted")
			return r.sig, nil
		}
		errs = append(errs, r.err)
	}
	return "", preferredError(errs)
}

// preferredError picks the most informative error from a fan-out. Execution
// failures (slippage, funds) outrank transport noise from other endpoints.
func preferredError(errs []error) error {
	if len(errs) == 0 {
		return errors.New("rpc: broadcast: no endpoints")
	}
	for _, k := range []domain.Kind{domain.KindSlippageExceeded, domain.KindInsufficientFunds} {
		for _, err := range errs {
			if domain.KindOf(err) == k {
				return err
			}
		}
	}
	for _, err := range errs {
		if errors.Is(err, ErrBlockhashNotFound) {
			return err
		}
	}
	return errs[0]
}

// ConfirmTransaction polls getSignatureStatuses on every endpoint and returns
// as soon as any of them reports the signature confirmed or failed. A
// signature still unseen at timeout yields a KindSignatureUnknown error.
func (c *LiveRPCClient) ConfirmTransaction(ctx context.Context, sig Signature, timeout time.Duration) (SignatureStatus, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	confirmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoints := c.Endpoints()
	found := make(chan SignatureStatus, len(endpoints))

	for _, e := range endpoints {
		go func(e *Endpoint) {
			ticker := time.NewTicker(c.config.ConfirmInterval)
			defer ticker.Stop()
			for {
				st, err := statusesVia(confirmCtx, e.Call, []Signature{sig})
				if err == nil && len(st) == 1 && (st[0].Confirmed() || st[0].Failed()) {
					select {
					case found <- st[0]:
					default:
					}
					return
				}
				select {
				case <-confirmCtx.Done():
					return
				case <-ticker.C:
				}
			}
		}(e)
	}

	select {
	case st := <-found:
		if st.Failed() {
			return st, domain.Errorf(domain.KindUnknown, "rpc: confirm", "transaction %s failed: %s", sig, st.Err)
		}
		return st, nil
	case <-confirmCtx.Done():
		if ctx.Err() != nil {
			return SignatureStatus{Signature: sig}, ctx.Err()
		}
		return SignatureStatus{Signature: sig}, domain.E(domain.KindSignatureUnknown, "rpc: confirm",
			fmt.Errorf("signature %s not confirmed within %s", sig, timeout))
	}
}
