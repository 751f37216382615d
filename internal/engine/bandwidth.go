package engine

import (
	"context"
	"sync"
	"time"

	"github.com/playdeck/fetchd/internal/domain"
	"github.com/playdeck/fetchd/internal/infra/config"
)

const refillInterval = 20 * time.Millisecond

// Bucket is the shared bandwidth allocator. Active transfers draw tokens
// (bytes) before each chunk; when the bucket is saturated, waiters are served
// by weighted round-robin over priority classes so low-priority leases keep
// a proportional share instead of starving.
type Bucket struct {
	mu      sync.Mutex
	rate    float64 // bytes/sec; <= 0 means unlimited
	burst   float64
	tokens  float64
	last    time.Time
	weights [3]int
	credits [3]int
	waiters [3][]*waiter

	quit chan struct{}
}

type waiter struct {
	n       int64
	ch      chan struct{}
	granted bool
}

func NewBucket(cfg config.BandwidthConfig) *Bucket {
	b := &Bucket{
		rate:   float64(cfg.Rate),
		burst:  float64(cfg.Burst),
		tokens: float64(cfg.Burst),
		last:   time.Now(),
		weights: [3]int{
			domain.PriorityLow:    cfg.WeightLow,
			domain.PriorityNormal: cfg.WeightNormal,
			domain.PriorityHigh:   cfg.WeightHigh,
		},
		quit: make(chan struct{}),
	}
	b.credits = b.weights

	if b.rate > 0 {
		go b.refillLoop()
	}
	return b
}

func (b *Bucket) Stop() {
	close(b.quit)
}

// Wait blocks until n bytes of bandwidth are granted or ctx is cancelled.
// Grants never exceed the burst size, so a single huge chunk cannot wedge
// the bucket.
func (b *Bucket) Wait(ctx context.Context, n int64, prio domain.Priority) error {
	if b.rate <= 0 || n <= 0 {
		return nil
	}
	if float64(n) > b.burst {
		n = int64(b.burst)
	}

	b.mu.Lock()
	b.refillLocked()
	if b.totalWaitingLocked() == 0 && b.tokens >= float64(n) {
		b.tokens -= float64(n)
		b.mu.Unlock()
		return nil
	}

	w := &waiter{n: n, ch: make(chan struct{})}
	b.waiters[prio] = append(b.waiters[prio], w)
	b.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		defer b.mu.Unlock()
		if w.granted {
			// Grant raced the cancellation; the tokens are ours.
			return nil
		}
		b.removeWaiterLocked(w, prio)
		return ctx.Err()
	}
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			b.mu.Lock()
			b.refillLocked()
			b.grantLocked()
			b.mu.Unlock()
		}
	}
}

func (b *Bucket) refillLocked() {
	now := time.Now()
	b.tokens += b.rate * now.Sub(b.last).Seconds()
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
}

// grantLocked serves queued waiters: highest priority class with remaining
// credit goes first; when every class with waiters has spent its credit the
// credits reset, which is what yields the weighted shares over time.
func (b *Bucket) grantLocked() {
	for {
		w, prio := b.nextGrantableLocked()
		if w == nil {
			if !b.anyGrantableLocked() {
				return
			}
			b.credits = b.weights
			w, prio = b.nextGrantableLocked()
			if w == nil {
				return
			}
		}
		b.waiters[prio] = b.waiters[prio][1:]
		b.tokens -= float64(w.n)
		b.credits[prio]--
		w.granted = true
		close(w.ch)
	}
}

func (b *Bucket) nextGrantableLocked() (*waiter, domain.Priority) {
	for _, p := range []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		q := b.waiters[p]
		if len(q) == 0 || b.credits[p] <= 0 {
			continue
		}
		if b.tokens >= float64(q[0].n) {
			return q[0], p
		}
	}
	return nil, 0
}

// anyGrantableLocked ignores credits: is there any head waiter the current
// token balance could satisfy?
func (b *Bucket) anyGrantableLocked() bool {
	for p := range b.waiters {
		q := b.waiters[p]
		if len(q) > 0 && b.tokens >= float64(q[0].n) {
			return true
		}
	}
	return false
}

func (b *Bucket) totalWaitingLocked() int {
	total := 0
	for p := range b.waiters {
		total += len(b.waiters[p])
	}
	return total
}

func (b *Bucket) removeWaiterLocked(w *waiter, prio domain.Priority) {
	q := b.waiters[prio]
	for i, other := range q {
		if other == w {
			b.waiters[prio] = append(q[:i], q[i+1:]...)
			return
		}
	}
}
