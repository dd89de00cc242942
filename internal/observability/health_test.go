package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressCheck(t *testing.T) {
	var last time.Time
	check := ProgressCheck(func() time.Time { return last }, time.Minute)

	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)

	last = time.Now()
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	last = time.Now().Add(-2 * time.Minute)
	h := check(context.Background())
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Contains(t, h.Message, "stalled")
}

func TestPingCheck_Timeout(t *testing.T) {
	check := PingCheck(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond)

	h := check(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Contains(t, h.Message, "deadline")
}

func TestHealthMonitor_WorstStatusWins(t *testing.T) {
	m := NewHealthMonitor(time.Hour)
	m.Register("store", PingCheck(func(context.Context) error { return nil }, 0))
	m.Register("rpc", PingCheck(func(context.Context) error { return errors.New("connection refused") }, 0))

	ok, h := m.Ready(context.Background())
	assert.False(t, ok)
	assert.Equal(t, StatusUnhealthy, h.Status)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "connection refused", h.Components["rpc"].Message)
	assert.Equal(t, "rpc", h.Components["rpc"].Name)
}

func TestHealthMonitor_DegradedStaysReady(t *testing.T) {
	m := NewHealthMonitor(time.Minute)
	stale := time.Now().Add(-time.Hour)
	m.Register("store", PingCheck(func(context.Context) error { return nil }, time.Second))
	m.Register("scorer", ProgressCheck(func() time.Time { return stale }, time.Minute))

	ok, h := m.Ready(context.Background())
	assert.True(t, ok, "a stalled worker degrades but stays ready")
	assert.Equal(t, StatusDegraded, h.Status)
}

func TestHealthMonitor_HungCheckIsBounded(t *testing.T) {
	m := NewHealthMonitor(time.Hour)
	m.timeout = 20 * time.Millisecond
	m.Register("stuck", func(ctx context.Context) ComponentHealth {
		<-ctx.Done()
		return ComponentHealth{Status: StatusUnhealthy, Message: ctx.Err().Error()}
	})
	m.Register("fine", func(context.Context) ComponentHealth { return ComponentHealth{Status: StatusHealthy} })

	start := time.Now()
	h := m.Check(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusHealthy, h.Components["fine"].Status)
	assert.Equal(t, StatusUnhealthy, h.Components["stuck"].Status)
}

func TestHealthMonitor_AlertsOnTransitionsOnly(t *testing.T) {
	m := NewHealthMonitor(time.Hour)
	failing := false
	m.Register("redis", PingCheck(func(context.Context) error {
		if failing {
			return errors.New("i/o timeout")
		}
		return nil
	}, 0))

	m.Check(context.Background())
	assert.Empty(t, m.Alerts(), "a healthy first result is not news")

	failing = true
	m.Check(context.Background())
	m.Check(context.Background())
	require.Len(t, m.Alerts(), 1)
	a := <-m.Alerts()
	assert.Equal(t, "critical", a.Level)
	assert.Equal(t, "redis", a.Component)
	assert.Equal(t, "healthy -> unhealthy: i/o timeout", a.Message)

	failing = false
	m.Check(context.Background())
	a = <-m.Alerts()
	assert.Equal(t, "info", a.Level)
	assert.Equal(t, "unhealthy -> healthy", a.Message)
}

func TestHealthMonitor_StopEndsLoop(t *testing.T) {
	m := NewHealthMonitor(5 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		m.Start(context.Background())
		close(done)
	}()
	m.Stop()
	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
