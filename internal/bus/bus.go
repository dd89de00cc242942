package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nexus-trading/autosnipe/internal/domain"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Signal Bus - bounded per-source rings drained in global arrival order
// ---------------------------------------------------------------------------

// ErrClosed is returned by Next once the bus is closed and drained.
var ErrClosed = errors.New("bus: closed")

// Config sizes the bus.
type Config struct {
	// Burst is the expected burst per source. Each source ring holds
	// 4 x Burst signals, so total capacity is 4 x sources x burst.
	Burst int `yaml:"burst"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Burst: 64}
}

type ring struct {
	buf  []Signal
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Signal, capacity)}
}

func (r *ring) push(s Signal) (dropped bool) {
	if r.size == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		dropped = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = s
	r.size++
	return dropped
}

func (r *ring) peek() (Signal, bool) {
	if r.size == 0 {
		return Signal{}, false
	}
	return r.buf[r.head], true
}

func (r *ring) pop() Signal {
	s := r.buf[r.head]
	r.buf[r.head] = Signal{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return s
}

// Bus is a single-process signal queue. Publish never blocks: when a
// source's ring is full its oldest signal is dropped, and other sources are
// never affected. A single consumer drains signals in arrival order.
type Bus struct {
	mu       sync.Mutex
	rings    map[domain.SignalSource]*ring
	capacity int
	seq      uint64
	closed   bool
	notify   chan struct{}

	published atomic.Int64
	consumed  atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus with one ring per known source.
func New(config Config) *Bus {
	if config.Burst <= 0 {
		config.Burst = DefaultConfig().Burst
	}
	b := &Bus{
		rings:    make(map[domain.SignalSource]*ring),
		capacity: 4 * config.Burst,
		notify:   make(chan struct{}, 1),
	}
	for _, src := range domain.AllSources {
		b.rings[src] = newRing(b.capacity)
	}
	return b
}

// Publish enqueues sig and stamps its sequence number. Returns false if the
// bus is closed.
func (b *Bus) Publish(sig Signal) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	r, ok := b.rings[sig.Source]
	if !ok {
		r = newRing(b.capacity)
		b.rings[sig.Source] = r
	}
	b.seq++
	sig.Seq = b.seq
	dropped := r.push(sig)
	b.mu.Unlock()

	b.published.Add(1)
	if dropped {
		b.dropped.Add(1)
		log.Warn().Str("source", string(sig.Source)).Msg("bus: ring full, dropped oldest signal")
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return true
}

// TryNext pops the signal with the lowest sequence number across sources.
func (b *Bus) TryNext() (Signal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *ring
	var bestSeq uint64
	for _, r := range b.rings {
		s, ok := r.peek()
		if !ok {
			continue
		}
		if best == nil || s.Seq < bestSeq {
			best, bestSeq = r, s.Seq
		}
	}
	if best == nil {
		return Signal{}, false
	}
	b.consumed.Add(1)
	return best.pop(), true
}

// Next blocks until a signal is available, ctx is done or the bus is closed
// and empty.
func (b *Bus) Next(ctx context.Context) (Signal, error) {
	for {
		if s, ok := b.TryNext(); ok {
			return s, nil
		}
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Signal{}, ErrClosed
		}
		select {
		case <-b.notify:
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		}
	}
}

// Close stops accepting signals. Pending signals can still be drained.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of pending signals.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.rings {
		n += r.size
	}
	return n
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published int64 `json:"published"`
	Consumed  int64 `json:"consumed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
	Capacity  int   `json:"capacity_per_source"`
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Consumed:  b.consumed.Load(),
		Dropped:   b.dropped.Load(),
		Pending:   b.Len(),
		Capacity:  b.capacity,
	}
}
