// Package cache holds the coordination primitives the decision path uses:
// per-key locks, a dedup window and the scam list. The in-process versions
// here serve a single replica; internal/cache/redis makes them hold across
// replicas.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockHeld is returned when a lock could not be obtained before the
// context ended.
var ErrLockHeld = errors.New("cache: lock held")

// Locker serializes work per key.
type Locker interface {
	// Acquire blocks until the lock for key is held or ctx ends. ttl bounds
	// how long a crashed holder can keep a distributed lock. The returned
	// unlock is safe to call more than once.
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Deduper answers "was this key seen within window" and records it.
type Deduper interface {
	// Seen reports whether key was marked within window. A false result
	// marks it.
	Seen(ctx context.Context, key string, window time.Duration) (bool, error)
	// Forget removes a mark, e.g. when the intent it guarded was rejected.
	Forget(ctx context.Context, key string) error
}

// ScamList is the set of mints that are always vetoed.
type ScamList interface {
	IsScam(ctx context.Context, mint string) (bool, error)
	AddScam(ctx context.Context, mint string) error
}

// ---------------------------------------------------------------------------
// KeyedMutex
// ---------------------------------------------------------------------------

// KeyedMutex is an in-process Locker with one channel-based mutex per key.
// Entries are dropped when their last waiter releases.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Acquire implements Locker. ttl is ignored in process.
func (k *KeyedMutex) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l, false)
		return nil, ErrLockHeld
	}

	var once sync.Once
	return func() { once.Do(func() { k.release(key, l, true) }) }, nil
}

func (k *KeyedMutex) release(key string, l *keyLock, held bool) {
	if held {
		<-l.ch
	}
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys with holders or waiters.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// ---------------------------------------------------------------------------
// MemoryDeduper
// ---------------------------------------------------------------------------

// MemoryDeduper is an in-process Deduper.
type MemoryDeduper struct {
	mu    sync.Mutex
	marks map[string]time.Time // key -> expiry
	now   func() time.Time
}

// NewMemoryDeduper creates an empty MemoryDeduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{marks: make(map[string]time.Time), now: time.Now}
}

// SetClock overrides the time source for tests.
func (d *MemoryDeduper) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Seen implements Deduper.
func (d *MemoryDeduper) Seen(_ context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if exp, ok := d.marks[key]; ok && now.Before(exp) {
		return true, nil
	}
	d.marks[key] = now.Add(window)
	return false, nil
}

// Forget implements Deduper.
func (d *MemoryDeduper) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.marks, key)
	return nil
}

// Sweep drops expired marks and returns how many were removed.
func (d *MemoryDeduper) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := 0
	for k, exp := range d.marks {
		if !now.Before(exp) {
			delete(d.marks, k)
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// MemoryScamList
// ---------------------------------------------------------------------------

// MemoryScamList is an in-process ScamList.
type MemoryScamList struct {
	mu    sync.RWMutex
	mints map[string]struct{}
}

// NewMemoryScamList creates a list seeded with mints.
func NewMemoryScamList(mints ...string) *MemoryScamList {
	l := &MemoryScamList{mints: make(map[string]struct{}, len(mints))}
	for _, m := range mints {
		l.mints[m] = struct{}{}
	}
	return l
}

// IsScam implements ScamList.
func (l *MemoryScamList) IsScam(_ context.Context, mint string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.mints[mint]
	return ok, nil
}

// AddScam implements ScamList.
func (l *MemoryScamList) AddScam(_ context.Context, mint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mints[mint] = struct{}{}
	return nil
}
