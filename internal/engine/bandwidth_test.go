package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playdeck/fetchd/internal/domain"
	"github.com/playdeck/fetchd/internal/infra/config"
)

func testBandwidthConfig(rate, burst int64) config.BandwidthConfig {
	return config.BandwidthConfig{
		Rate: rate, Burst: burst,
		WeightHigh: 4, WeightNormal: 2, WeightLow: 1,
	}
}

func TestBucketUnlimitedNeverBlocks(t *testing.T) {
	b := NewBucket(testBandwidthConfig(0, 1<<20))
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for range 100 {
		require.NoError(t, b.Wait(ctx, 1<<30, domain.PriorityLow))
	}
}

func TestBucketClampsToBurst(t *testing.T) {
	b := NewBucket(testBandwidthConfig(1<<20, 64))
	defer b.Stop()

	// A request larger than the burst must not wedge the bucket forever.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx, 1<<30, domain.PriorityNormal))
}

func TestBucketWaitCancellation(t *testing.T) {
	b := NewBucket(testBandwidthConfig(1, 1<<20))
	defer b.Stop()
	b.mu.Lock()
	b.tokens = 0
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.Wait(ctx, 1<<19, domain.PriorityHigh)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Zero(t, b.totalWaitingLocked(), "cancelled waiter must leave the queue")
}

// Grants follow weighted round-robin over priority classes: with weights
// 4/2/1 a saturated bucket serves four high, two normal, one low per credit
// round, then resets.
func TestBucketWeightedGrantOrder(t *testing.T) {
	b := &Bucket{
		rate:    1, // negligible refill during the test
		burst:   1 << 20,
		last:    time.Now(),
		weights: [3]int{domain.PriorityLow: 1, domain.PriorityNormal: 2, domain.PriorityHigh: 4},
		quit:    make(chan struct{}),
	}
	b.credits = b.weights

	enqueue := func(prio domain.Priority, count int) {
		for range count {
			b.waiters[prio] = append(b.waiters[prio], &waiter{n: 10, ch: make(chan struct{})})
		}
	}
	b.mu.Lock()
	enqueue(domain.PriorityHigh, 6)
	enqueue(domain.PriorityNormal, 3)
	enqueue(domain.PriorityLow, 2)

	// Hand out tokens for exactly one grant at a time and watch which class
	// queue shrinks.
	var order []domain.Priority
	for range 11 {
		before := [3]int{len(b.waiters[0]), len(b.waiters[1]), len(b.waiters[2])}
		b.tokens = 10
		b.grantLocked()
		for p := range before {
			if len(b.waiters[p]) < before[p] {
				order = append(order, domain.Priority(p))
			}
		}
	}
	b.mu.Unlock()

	H, N, L := domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow
	assert.Equal(t, []domain.Priority{H, H, H, H, N, N, L, H, H, N, L}, order)
}

func TestBucketRefillUnblocksWaiter(t *testing.T) {
	// 100 KiB/s with an empty bucket: a 1 KiB request should be granted by
	// the refill loop well within the deadline.
	b := NewBucket(testBandwidthConfig(100<<10, 8<<10))
	defer b.Stop()
	b.mu.Lock()
	b.tokens = 0
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, b.Wait(ctx, 1<<10, domain.PriorityNormal))
	assert.Less(t, time.Since(start), 2*time.Second)
}
