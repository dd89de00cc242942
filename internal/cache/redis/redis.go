// Package redis implements the cache interfaces on go-redis/v9 so the
// per-key lock, dedup window and scam list hold across replicas.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/autosnipe/internal/cache"
	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis Client.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New parses a redis:// URL, pings the server and returns the wrapper.
// prefix namespaces every key (e.g. "autosnipe:").
func New(ctx context.Context, url, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) key(parts ...string) string {
	k := c.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// ---------------------------------------------------------------------------
// Locker
// ---------------------------------------------------------------------------

// unlockLua deletes a lock key only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// lockPoll is how often a blocked Acquire retries SET NX.
const lockPoll = 25 * time.Millisecond

// Locker implements cache.Locker with SET NX PX and a conditional unlock.
type Locker struct {
	c        *Client
	unlockSc *redis.Script
}

var _ cache.Locker = (*Locker)(nil)

// NewLocker creates a Locker.
func NewLocker(c *Client) *Locker {
	return &Locker{c: c, unlockSc: redis.NewScript(unlockLua)}
}

// Acquire implements cache.Locker.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := l.c.key("lock", key)

	ticker := time.NewTicker(lockPoll)
	defer ticker.Stop()
	for {
		ok, err := l.c.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, cache.ErrLockHeld
			}
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, cache.ErrLockHeld
		case <-ticker.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// Background context so unlock succeeds after the caller's ctx ends.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.c.rdb, []string{lk}, token).Err()
	}, nil
}

// ---------------------------------------------------------------------------
// Deduper
// ---------------------------------------------------------------------------

// Deduper implements cache.Deduper with SET NX PX; the key expiry is the
// window.
type Deduper struct {
	c *Client
}

var _ cache.Deduper = (*Deduper)(nil)

// NewDeduper creates a Deduper.
func NewDeduper(c *Client) *Deduper { return &Deduper{c: c} }

// Seen implements cache.Deduper.
func (d *Deduper) Seen(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := d.c.rdb.SetNX(ctx, d.c.key("dedup", key), 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup %s: %w", key, err)
	}
	return !ok, nil
}

// Forget implements cache.Deduper.
func (d *Deduper) Forget(ctx context.Context, key string) error {
	if err := d.c.rdb.Del(ctx, d.c.key("dedup", key)).Err(); err != nil {
		return fmt.Errorf("redis: forget %s: %w", key, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ScamList
// ---------------------------------------------------------------------------

// ScamList implements cache.ScamList on a Redis set.
type ScamList struct {
	c   *Client
	set string
}

var _ cache.ScamList = (*ScamList)(nil)

// NewScamList creates a ScamList on the set named setKey (SCAM_LIST_KEY).
func NewScamList(c *Client, setKey string) *ScamList {
	return &ScamList{c: c, set: setKey}
}

// IsScam implements cache.ScamList.
func (s *ScamList) IsScam(ctx context.Context, mint string) (bool, error) {
	ok, err := s.c.rdb.SIsMember(ctx, s.set, mint).Result()
	if err != nil {
		return false, fmt.Errorf("redis: scam lookup: %w", err)
	}
	return ok, nil
}

// AddScam implements cache.ScamList.
func (s *ScamList) AddScam(ctx context.Context, mint string) error {
	if err := s.c.rdb.SAdd(ctx, s.set, mint).Err(); err != nil {
		return fmt.Errorf("redis: scam add: %w", err)
	}
	return nil
}
