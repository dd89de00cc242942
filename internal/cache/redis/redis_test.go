package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nexus-trading/autosnipe/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container tests skipped in -short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	c, err := New(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()), "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedis_LockExcludesSecondHolder(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	l := NewLocker(c)

	unlock, err := l.Acquire(ctx, "1|MINT", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(short, "1|MINT", 5*time.Second)
	assert.ErrorIs(t, err, cache.ErrLockHeld)

	unlock()
	unlock2, err := l.Acquire(ctx, "1|MINT", 5*time.Second)
	require.NoError(t, err)
	unlock2()
}

func TestRedis_DedupAndScamList(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()

	d := NewDeduper(c)
	seen, err := d.Seen(ctx, "1|MINT", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = d.Seen(ctx, "1|MINT", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)
	require.NoError(t, d.Forget(ctx, "1|MINT"))
	seen, _ = d.Seen(ctx, "1|MINT", time.Minute)
	assert.False(t, seen)

	s := NewScamList(c, "scam-mints")
	bad, err := s.IsScam(ctx, "RUG")
	require.NoError(t, err)
	assert.False(t, bad)
	require.NoError(t, s.AddScam(ctx, "RUG"))
	bad, _ = s.IsScam(ctx, "RUG")
	assert.True(t, bad)
}
