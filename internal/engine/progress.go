package engine

import (
	"sync"
	"time"

	"github.com/playdeck/fetchd/internal/domain"
	"github.com/playdeck/fetchd/internal/infra/config"
)

const speedWindow = 5 * time.Second

// Reporter bridges per-chunk progress to external consumers. Non-terminal
// events for a job are republished at most once per interval or per
// percent-step, whichever fires first; terminal events always go out.
type Reporter struct {
	mu          sync.Mutex
	interval    time.Duration
	percentStep float64

	subs   map[int]*subscriber
	nextID int

	jobs map[string]*progressState
}

// subscriber decouples publishers from its consumer: events land in an
// internal queue and a pump goroutine moves them to the channel, so a stalled
// consumer never blocks a transfer worker. Non-terminal events for a job are
// coalesced to the latest sample while they wait; terminal events are never
// coalesced or dropped.
type subscriber struct {
	mu     sync.Mutex
	queue  []domain.ProgressEvent
	notify chan struct{}
	ch     chan domain.ProgressEvent
	done   chan struct{}
}

func (s *subscriber) enqueue(ev domain.ProgressEvent) {
	s.mu.Lock()
	replaced := false
	if !ev.Terminal() {
		for i, queued := range s.queue {
			if queued.JobID == ev.JobID && !queued.Terminal() {
				s.queue[i] = ev
				replaced = true
				break
			}
		}
	}
	if !replaced {
		s.queue = append(s.queue, ev)
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
		}
	}
}

type progressState struct {
	lastEmit time.Time
	lastPct  float64
	samples  []speedSample
}

type speedSample struct {
	at    time.Time
	bytes int64
}

func NewReporter(cfg config.ProgressConfig) *Reporter {
	return &Reporter{
		interval:    cfg.Interval,
		percentStep: cfg.PercentStep,
		subs:        make(map[int]*subscriber),
		jobs:        make(map[string]*progressState),
	}
}

// Subscribe returns a stream of progress events and a cancel function.
// Slow consumers see coalesced intermediate events, never lost terminal ones.
func (r *Reporter) Subscribe(buffer int) (<-chan domain.ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{
		notify: make(chan struct{}, 1),
		ch:     make(chan domain.ProgressEvent, buffer),
		done:   make(chan struct{}),
	}
	go sub.pump()

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = sub
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub.done)
		}
		r.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish records the sample for speed estimation and forwards the event to
// subscribers if the per-job rate limit allows it.
func (r *Reporter) Publish(ev domain.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	r.mu.Lock()

	st, ok := r.jobs[ev.JobID]
	if !ok {
		st = &progressState{}
		r.jobs[ev.JobID] = st
	}
	st.observe(ev.Timestamp, ev.DownloadedBytes)
	ev.SpeedBps = st.speedBps()

	emit := ev.Terminal()
	if !emit {
		pct := percentOf(ev.DownloadedBytes, ev.TotalBytes)
		if ev.Timestamp.Sub(st.lastEmit) >= r.interval || pct-st.lastPct >= r.percentStep {
			emit = true
			st.lastEmit = ev.Timestamp
			st.lastPct = pct
		}
	}

	if ev.Terminal() {
		delete(r.jobs, ev.JobID)
	}

	if !emit {
		r.mu.Unlock()
		return
	}

	subs := make([]*subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(ev)
	}
}

// SpeedBps reports the sliding-window transfer rate for a job, 0 when idle.
func (r *Reporter) SpeedBps(jobID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.jobs[jobID]; ok {
		return st.speedBps()
	}
	return 0
}

func (st *progressState) observe(at time.Time, bytes int64) {
	st.samples = append(st.samples, speedSample{at: at, bytes: bytes})
	cutoff := at.Add(-speedWindow)
	trim := 0
	for trim < len(st.samples)-1 && st.samples[trim].at.Before(cutoff) {
		trim++
	}
	st.samples = st.samples[trim:]
}

func (st *progressState) speedBps() int64 {
	if len(st.samples) < 2 {
		return 0
	}
	first := st.samples[0]
	last := st.samples[len(st.samples)-1]
	secs := last.at.Sub(first.at).Seconds()
	if secs <= 0 {
		return 0
	}
	delta := last.bytes - first.bytes
	if delta < 0 {
		return 0
	}
	return int64(float64(delta) / secs)
}

func percentOf(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}
