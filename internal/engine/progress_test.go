package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playdeck/fetchd/internal/domain"
	"github.com/playdeck/fetchd/internal/infra/config"
)

func progressEvent(id string, status domain.JobStatus, done, total int64, at time.Time) domain.ProgressEvent {
	return domain.ProgressEvent{
		JobID:           id,
		Status:          status,
		DownloadedBytes: done,
		TotalBytes:      total,
		Timestamp:       at,
	}
}

func receiveEvent(t *testing.T, ch <-chan domain.ProgressEvent) domain.ProgressEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("expected event never arrived")
		return domain.ProgressEvent{}
	}
}

func expectQuiet(t *testing.T, ch <-chan domain.ProgressEvent) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReporterThrottlesNonTerminal(t *testing.T) {
	r := NewReporter(config.ProgressConfig{Interval: time.Hour, PercentStep: 50})
	events, cancel := r.Subscribe(16)
	defer cancel()

	base := time.Now()
	// First sample always emits; the next ones are inside both the interval
	// and the percent step, so they are suppressed.
	for i := range 5 {
		r.Publish(progressEvent("j1", domain.StatusDownloading, int64(i)*100, 10000, base.Add(time.Duration(i)*time.Millisecond)))
	}
	ev := receiveEvent(t, events)
	assert.Equal(t, int64(0), ev.DownloadedBytes)
	expectQuiet(t, events)

	// Crossing the percent step re-emits even though the interval hasn't passed.
	r.Publish(progressEvent("j1", domain.StatusDownloading, 6000, 10000, base.Add(10*time.Millisecond)))
	ev = receiveEvent(t, events)
	assert.Equal(t, int64(6000), ev.DownloadedBytes)
}

func TestReporterTerminalAlwaysDelivered(t *testing.T) {
	r := NewReporter(config.ProgressConfig{Interval: time.Hour, PercentStep: 1000})
	events, cancel := r.Subscribe(16)
	defer cancel()

	base := time.Now()
	r.Publish(progressEvent("j1", domain.StatusDownloading, 100, 1000, base))
	r.Publish(progressEvent("j1", domain.StatusDownloading, 200, 1000, base.Add(time.Millisecond)))
	r.Publish(progressEvent("j1", domain.StatusFailed, 200, 1000, base.Add(2*time.Millisecond)))
	r.Publish(progressEvent("j2", domain.StatusCompleted, 500, 500, base.Add(3*time.Millisecond)))

	var statuses []domain.JobStatus
	for range 3 {
		statuses = append(statuses, receiveEvent(t, events).Status)
	}
	// The first downloading sample plus both terminal transitions; the second
	// downloading sample was throttled away.
	assert.Equal(t, []domain.JobStatus{domain.StatusDownloading, domain.StatusFailed, domain.StatusCompleted}, statuses)
	expectQuiet(t, events)
}

func TestReporterCoalescesForSlowConsumers(t *testing.T) {
	r := NewReporter(config.ProgressConfig{Interval: 0, PercentStep: 0})
	events, cancel := r.Subscribe(1)
	defer cancel()

	base := time.Now()
	for i := range 5 {
		r.Publish(progressEvent("j1", domain.StatusDownloading, int64(i), 100, base.Add(time.Duration(i)*time.Millisecond)))
	}

	// A consumer that starts reading late sees the latest sample; stale
	// intermediate ones were coalesced away, in order, without blocking the
	// publisher.
	var got []int64
	for {
		ev := receiveEvent(t, events)
		if len(got) > 0 {
			assert.Greater(t, ev.DownloadedBytes, got[len(got)-1])
		}
		got = append(got, ev.DownloadedBytes)
		if ev.DownloadedBytes == 4 {
			break
		}
	}
	assert.LessOrEqual(t, len(got), 3)
}

func TestReporterTerminalSurvivesStalledConsumer(t *testing.T) {
	r := NewReporter(config.ProgressConfig{Interval: 0, PercentStep: 0})
	events, cancel := r.Subscribe(1)
	defer cancel()

	// Fill the consumer channel, then publish terminal transitions for many
	// jobs without anyone reading. Publish must never block.
	base := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Publish(progressEvent("j0", domain.StatusDownloading, 1, 100, base))
		for i := range 64 {
			id := string(rune('a' + i%26))
			r.Publish(progressEvent(id, domain.StatusCompleted, 100, 100, base.Add(time.Duration(i)*time.Millisecond)))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	// Draining afterwards yields every terminal event.
	terminals := 0
	for range 65 {
		if receiveEvent(t, events).Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 64, terminals)
}

func TestReporterPublishAfterUnsubscribe(t *testing.T) {
	r := NewReporter(config.ProgressConfig{Interval: 0, PercentStep: 0})
	_, cancel := r.Subscribe(1)

	base := time.Now()
	r.Publish(progressEvent("j1", domain.StatusDownloading, 1, 100, base))
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Publish(progressEvent("j1", domain.StatusCompleted, 100, 100, base.Add(time.Millisecond)))
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("terminal publish blocked on a cancelled subscriber")
	}
}

func TestReporterSpeedEstimate(t *testing.T) {
	r := NewReporter(config.ProgressConfig{Interval: 0, PercentStep: 0})

	base := time.Now()
	r.Publish(progressEvent("j1", domain.StatusDownloading, 0, 1<<20, base))
	r.Publish(progressEvent("j1", domain.StatusDownloading, 4096, 1<<20, base.Add(2*time.Second)))

	speed := r.SpeedBps("j1")
	assert.InDelta(t, 2048, speed, 1)

	// Terminal events retire the job's speed tracking.
	r.Publish(progressEvent("j1", domain.StatusCompleted, 1<<20, 1<<20, base.Add(3*time.Second)))
	assert.Zero(t, r.SpeedBps("j1"))
}

func TestReporterSpeedWindowTrims(t *testing.T) {
	r := NewReporter(config.ProgressConfig{Interval: 0, PercentStep: 0})

	base := time.Now()
	// An old burst followed by a quiet period: only samples inside the window
	// count toward the estimate.
	r.Publish(progressEvent("j1", domain.StatusDownloading, 1<<30, 1<<31, base))
	r.Publish(progressEvent("j1", domain.StatusDownloading, 1<<30|1024, 1<<31, base.Add(10*time.Second)))
	r.Publish(progressEvent("j1", domain.StatusDownloading, 1<<30|2048, 1<<31, base.Add(11*time.Second)))

	speed := r.SpeedBps("j1")
	require.Positive(t, speed)
	assert.InDelta(t, 1024, speed, 1)
}
