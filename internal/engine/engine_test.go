package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/playdeck/fetchd/internal/app"
	"github.com/playdeck/fetchd/internal/domain"
	"github.com/playdeck/fetchd/internal/infra/config"
	"github.com/playdeck/fetchd/internal/infra/logger"
	"github.com/playdeck/fetchd/internal/store"
)

// fakeResolver serves in-memory sources keyed by ref and records the order
// in which transfers resolved them.
type fakeResolver struct {
	mu      sync.Mutex
	sources map[string]*fakeSource
	order   []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{sources: make(map[string]*fakeSource)}
}

func (r *fakeResolver) add(ref string, src *fakeSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[ref] = src
}

func (r *fakeResolver) resolveOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *fakeResolver) Validate(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[ref]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSourceRef, ref)
	}
	return nil
}

func (r *fakeResolver) Title(ref string) string {
	return filepath.Base(ref)
}

func (r *fakeResolver) Resolve(ctx context.Context, ref string) (app.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[ref]
	if !ok {
		return nil, domain.ErrInvalidSourceRef
	}
	r.order = append(r.order, ref)
	return src, nil
}

// fakeSource is deterministic test content with optional read gating (to
// hold a transfer mid-flight) and injected transient failures.
type fakeSource struct {
	mu   sync.Mutex
	data []byte
	sha  string

	// Reads at or past gateAt block until gate is closed. -1 disables.
	gateAt int64
	gate   chan struct{}

	// Reads at or past failAt error failRemaining times, then succeed.
	failAt        int64
	failRemaining int
}

func newFakeSource(data []byte) *fakeSource {
	sum := sha256.Sum256(data)
	return &fakeSource{
		data:   data,
		sha:    hex.EncodeToString(sum[:]),
		gateAt: -1,
		failAt: -1,
	}
}

func (s *fakeSource) gateFrom(offset int64) {
	s.gateAt = offset
	s.gate = make(chan struct{})
}

func (s *fakeSource) openGate() {
	close(s.gate)
}

func (s *fakeSource) Size() int64      { return int64(len(s.data)) }
func (s *fakeSource) Checksum() string { return s.sha }

func (s *fakeSource) Open(ctx context.Context, offset int64) (io.ReadCloser, error) {
	return &fakeReader{src: s, ctx: ctx, off: offset}, nil
}

type fakeReader struct {
	src *fakeSource
	ctx context.Context
	off int64
}

func (r *fakeReader) Read(p []byte) (int, error) {
	s := r.src
	s.mu.Lock()
	gateAt, gate := s.gateAt, s.gate
	s.mu.Unlock()

	if gateAt >= 0 && r.off >= gateAt {
		select {
		case <-gate:
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}

	s.mu.Lock()
	if s.failAt >= 0 && s.failRemaining > 0 && r.off >= s.failAt {
		s.failRemaining--
		s.mu.Unlock()
		return 0, errors.New("connection reset")
	}
	data := s.data
	s.mu.Unlock()

	if r.off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[r.off:])
	r.off += int64(n)
	return n, nil
}

func (r *fakeReader) Close() error { return nil }

func testConfig(t *testing.T, concurrency int) *config.Config {
	t.Helper()
	return &config.Config{
		Port: "0",
		Download: config.DownloadConfig{
			Dir:            t.TempDir(),
			Concurrency:    concurrency,
			ChunkSize:      64,
			MaxAttempts:    3,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  5 * time.Millisecond,
		},
		Bandwidth: config.BandwidthConfig{
			Rate: 0, Burst: 1 << 20,
			WeightHigh: 4, WeightNormal: 2, WeightLow: 1,
		},
		Progress: config.ProgressConfig{
			Interval:    time.Millisecond,
			PercentStep: 0.5,
		},
		Store: config.StoreConfig{
			SQLitePath: filepath.Join(t.TempDir(), "ledger.db"),
		},
	}
}

func testApp(t *testing.T, cfg *config.Config, resolver app.Resolver) *app.Context {
	t.Helper()
	st, err := store.NewPersistentStore(cfg.Store.SQLitePath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return app.NewContext(cfg, logger.Nop(), st, resolver)
}

// startManager builds a manager, runs it, and stops it on test cleanup.
func startManager(t *testing.T, appCtx *app.Context) *QueueManager {
	t.Helper()
	m, err := NewQueueManager(appCtx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func waitStatus(t *testing.T, m *QueueManager, id string, want domain.JobStatus) domain.Snapshot {
	t.Helper()
	var snap domain.Snapshot
	require.Eventually(t, func() bool {
		s, err := m.Get(id)
		if err != nil {
			return false
		}
		snap = s
		return s.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s (last: %+v)", id, want, snap)
	return snap
}
