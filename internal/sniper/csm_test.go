package sniper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/safety"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu      sync.Mutex
	reports map[solana.Pubkey]safety.Report
	err     error
	calls   int
}

func newFakeChecker() *fakeChecker {
	return &fakeChecker{reports: make(map[solana.Pubkey]safety.Report)}
}

func (f *fakeChecker) set(mint string, r safety.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[solana.Pubkey(mint)] = r
}

func (f *fakeChecker) Evaluate(_ context.Context, mint solana.Pubkey) (safety.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return safety.Report{}, f.err
	}
	r, ok := f.reports[mint]
	if !ok {
		return safety.Report{Mint: mint, Score: 90}, nil
	}
	return r, nil
}

func newTestCSM(checker SafetyChecker) (*CSM, *time.Time) {
	now := t0
	c := NewCSM(DefaultCSMConfig(), checker)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCSM_HealthyTokenNoAlert(t *testing.T) {
	c, _ := newTestCSM(newFakeChecker())
	_, ok := c.Check(context.Background(), "mint-a")
	assert.False(t, ok)
}

func TestCSM_Alerts(t *testing.T) {
	tests := []struct {
		name   string
		report safety.Report
		want   string
	}{
		{"scam listed", safety.Report{Score: 90, KnownScam: true}, "listed as scam"},
		{"honeypot", safety.Report{Score: 0, Honeypot: true, SellLoss: 0.9}, "honeypot, sell loss 0.90"},
		{"score collapse", safety.Report{Score: 20}, "safety=20,panic=30"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeChecker()
			fc.set("mint-a", tt.report)
			c, _ := newTestCSM(fc)

			alert, ok := c.Check(context.Background(), "mint-a")
			require.True(t, ok)
			assert.Equal(t, ReasonSafetyExit, alert.Reason)
			assert.Equal(t, tt.want, alert.Detail)
		})
	}
}

func TestCSM_RechecksOncePerInterval(t *testing.T) {
	fc := newFakeChecker()
	fc.set("mint-a", safety.Report{Score: 10})
	c, now := newTestCSM(fc)
	ctx := context.Background()

	_, ok := c.Check(ctx, "mint-a")
	require.True(t, ok)

	// Alert stays raised between re-checks.
	*now = now.Add(30 * time.Second)
	_, ok = c.Check(ctx, "mint-a")
	assert.True(t, ok)
	assert.Equal(t, 1, fc.calls)

	// Recovered token clears at the next re-check.
	fc.set("mint-a", safety.Report{Score: 80})
	*now = now.Add(31 * time.Second)
	_, ok = c.Check(ctx, "mint-a")
	assert.False(t, ok)
	assert.Equal(t, 2, fc.calls)
	assert.Equal(t, int64(1), c.Stats().Alerts)
}

func TestCSM_ErrorKeepsPreviousState(t *testing.T) {
	fc := newFakeChecker()
	c, now := newTestCSM(fc)
	fc.err = errors.New("rpc down")

	_, ok := c.Check(context.Background(), "mint-a")
	assert.False(t, ok, "errors never raise alerts")
	assert.Equal(t, int64(1), c.Stats().Errors)

	// Nothing was cached, so the next call evaluates again.
	fc.err = nil
	fc.set("mint-a", safety.Report{Score: 5})
	*now = now.Add(time.Second)
	_, ok = c.Check(context.Background(), "mint-a")
	assert.True(t, ok)
}

func TestCSM_Disabled(t *testing.T) {
	fc := newFakeChecker()
	fc.set("mint-a", safety.Report{Score: 0})
	c := NewCSM(CSMConfig{Enabled: false}, fc)
	_, ok := c.Check(context.Background(), "mint-a")
	assert.False(t, ok)
	assert.Zero(t, fc.calls)
}

func TestCSM_Retain(t *testing.T) {
	c, _ := newTestCSM(newFakeChecker())
	ctx := context.Background()
	c.Check(ctx, "mint-a")
	c.Check(ctx, "mint-b")
	require.Equal(t, 2, c.Stats().Tracked)

	c.Retain(map[string]bool{"mint-b": true})
	assert.Equal(t, 1, c.Stats().Tracked)
}
