package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/playdeck/fetchd/internal/app"
	"github.com/playdeck/fetchd/internal/domain"
	"github.com/segmentio/ksuid"
)

// QueueManager owns the job arena and is the only writer of job state.
// Control operations from any goroutine serialize through its lock; transfer
// units report back through finishTransfer.
type QueueManager struct {
	mu  sync.RWMutex
	app *app.Context

	jobs   map[string]*domain.Job
	active int
	limit  int

	bucket   *Bucket
	writer   *FileWriter
	reporter *Reporter

	leases chan lease
	wake   chan struct{}
}

type lease struct {
	job *domain.Job
	ctx context.Context
}

// NewQueueManager loads the ledger and recovers interrupted jobs: anything
// recorded as downloading is demoted to paused after its part file's prefix
// is re-verified (or discarded).
func NewQueueManager(appCtx *app.Context) (*QueueManager, error) {
	cfg := appCtx.Config

	if err := os.MkdirAll(cfg.Download.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}

	m := &QueueManager{
		app:      appCtx,
		jobs:     make(map[string]*domain.Job),
		limit:    cfg.Download.Concurrency,
		bucket:   NewBucket(cfg.Bandwidth),
		writer:   NewFileWriter(),
		reporter: NewReporter(cfg.Progress),
		leases:   make(chan lease, cfg.Download.Concurrency),
		wake:     make(chan struct{}, 1),
	}

	loaded, err := appCtx.Store.GetJobs()
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	for _, job := range loaded {
		if job.Status == domain.StatusDownloading {
			m.recoverJob(job)
		}
		m.jobs[job.ID] = job
	}

	return m, nil
}

// recoverJob handles a job the previous process died while transferring.
// It never resumes silently: the committed prefix is re-validated, and on
// mismatch the partial data is discarded.
func (m *QueueManager) recoverJob(job *domain.Job) {
	part := job.DestPath + ".part"
	offset := job.DownloadedBytes.Load()

	if offset > 0 {
		crc, err := m.writer.PrefixCRC(part, offset)
		if err != nil || crc != job.PrefixCRC.Load() {
			m.app.Logger.Warn("job %s: recovery found an untrusted part file, restarting from zero", job.ID)
			job.DownloadedBytes.Store(0)
			job.PrefixCRC.Store(0)
			_ = m.writer.Remove(part)
		}
	}

	job.Status = domain.StatusPaused
	job.UpdatedAt = time.Now()
	if err := m.app.Store.SaveJob(job); err != nil {
		m.app.Logger.Error("job %s: failed to persist recovery: %v", job.ID, err)
	}
	m.app.Logger.Info("job %s: recovered as paused at offset %d", job.ID, job.DownloadedBytes.Load())
}

// Reporter exposes the progress stream for subscribers.
func (m *QueueManager) Reporter() *Reporter {
	return m.reporter
}

// Run drives admission until ctx is cancelled. It owns the worker pool:
// one slot per unit of configured concurrency.
func (m *QueueManager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for range m.limit {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx)
		}()
	}

	for {
		m.dispatch(ctx)
		select {
		case <-m.wake:
		case <-ctx.Done():
			wg.Wait()
			m.writer.CloseAll()
			m.bucket.Stop()
			return
		}
	}
}

// dispatch promotes queued jobs into free slots. Promotion never preempts a
// running job: a high-priority arrival waits for the next free slot.
func (m *QueueManager) dispatch(ctx context.Context) {
	for {
		m.mu.Lock()
		if m.active >= m.limit {
			m.mu.Unlock()
			return
		}
		job := m.nextQueuedLocked()
		if job == nil {
			m.mu.Unlock()
			return
		}

		jobCtx, cancel := context.WithCancel(ctx)
		job.CancelFunc = cancel
		job.PauseWant.Store(false)
		job.CancelWant.Store(false)
		m.setStatusLocked(job, domain.StatusDownloading, "")
		m.active++
		ev := m.eventLocked(job)
		m.mu.Unlock()

		m.reporter.Publish(ev)
		m.leases <- lease{job: job, ctx: jobCtx}
	}
}

// nextQueuedLocked returns the admission-queue head: strict priority with
// FIFO tie-break on (createdAt, id). KSUIDs sort chronologically, so the id
// comparison keeps ordering stable for same-instant submissions.
func (m *QueueManager) nextQueuedLocked() *domain.Job {
	var best *domain.Job
	for _, job := range m.jobs {
		if job.Status != domain.StatusQueued {
			continue
		}
		if best == nil || admitBefore(job, best) {
			best = job
		}
	}
	return best
}

func admitBefore(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *QueueManager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-m.leases:
			t := &transfer{
				app:      m.app,
				job:      l.job,
				bucket:   m.bucket,
				writer:   m.writer,
				reporter: m.reporter,
				meta: func(totalBytes int64, checksum string) error {
					return m.commitMetadata(l.job, totalBytes, checksum)
				},
			}
			err := t.run(l.ctx)
			l.job.CancelFunc()
			m.finishTransfer(ctx, l.job, err)
		}
	}
}

// commitMetadata records the size and checksum a transfer learned from its
// source. Job fields other than the atomic counters are written only under
// m.mu, so snapshot readers never observe a torn update.
func (m *QueueManager) commitMetadata(job *domain.Job, totalBytes int64, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if totalBytes > 0 && job.TotalBytes.Load() == 0 {
		job.TotalBytes.Store(totalBytes)
	}
	if checksum != "" && job.Checksum == "" {
		job.Checksum = checksum
	}
	if err := m.app.Store.SaveJob(job); err != nil {
		return fmt.Errorf("persisting job metadata: %w", err)
	}
	return nil
}

// finishTransfer retires a lease and decides the job's next state from the
// transfer outcome plus any pause/cancel request that stopped it.
func (m *QueueManager) finishTransfer(runCtx context.Context, job *domain.Job, err error) {
	part := job.DestPath + ".part"

	m.mu.Lock()
	m.active--
	job.CancelFunc = nil

	switch {
	case err == nil:
		m.setStatusLocked(job, domain.StatusCompleted, "")
		m.app.Logger.Info("job %s: completed (%d bytes)", job.ID, job.TotalBytes.Load())

	case errors.Is(err, errStopped) || errors.Is(err, context.Canceled):
		switch {
		case job.CancelWant.Load():
			_ = m.writer.Remove(part)
			job.DownloadedBytes.Store(0)
			job.PrefixCRC.Store(0)
			m.setStatusLocked(job, domain.StatusCancelled, "")
			m.app.Logger.Info("job %s: cancelled", job.ID)
		case job.PauseWant.Load():
			_ = m.writer.CloseFile(part, 0)
			m.setStatusLocked(job, domain.StatusPaused, "")
			m.app.Logger.Info("job %s: paused at offset %d", job.ID, job.DownloadedBytes.Load())
		default:
			// Shutdown. The ledger still says downloading; recovery will
			// demote it to paused on the next start.
			_ = m.writer.CloseFile(part, 0)
			m.mu.Unlock()
			return
		}

	default:
		_ = m.writer.CloseFile(part, 0)
		if errors.Is(err, domain.ErrChecksumMismatch) {
			// Corrupt transfer: nothing on disk is trustworthy anymore. The
			// reset lands in the same transition as the failed status.
			_ = m.writer.Remove(part)
			job.DownloadedBytes.Store(0)
			job.PrefixCRC.Store(0)
		}
		m.setStatusLocked(job, domain.StatusFailed, err.Error())
		m.app.Logger.Error("job %s: failed: %v", job.ID, err)
	}
	ev := m.eventLocked(job)
	m.mu.Unlock()

	m.reporter.Publish(ev)
	m.wakeup()
}

// Submit validates the ref, persists a queued job and returns its id.
// The transfer itself happens asynchronously.
func (m *QueueManager) Submit(ref string, prio domain.Priority) (string, error) {
	if err := m.app.Resolver.Validate(ref); err != nil {
		return "", err
	}

	title := m.app.Resolver.Title(ref)
	now := time.Now()
	job := &domain.Job{
		ID:        ksuid.New().String(),
		SourceRef: ref,
		Title:     title,
		Status:    domain.StatusQueued,
		Priority:  prio,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	job.DestPath = m.uniqueDestPathLocked(title)
	if err := m.app.Store.SaveJob(job); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("failed to persist job: %w", err)
	}
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.app.Logger.Info("job %s: submitted %s (priority %s)", job.ID, ref, prio)
	m.wakeup()
	return job.ID, nil
}

// uniqueDestPathLocked picks a destination no other known job writes to.
// Refs are opaque, so two of them can share a basename; handing both the
// same part file would interleave their writes.
func (m *QueueManager) uniqueDestPathLocked(title string) string {
	taken := func(p string) bool {
		for _, job := range m.jobs {
			if job.DestPath == p {
				return true
			}
		}
		return false
	}

	path := filepath.Join(m.app.Config.Download.Dir, title)
	if !taken(path) {
		return path
	}

	ext := filepath.Ext(title)
	stem := strings.TrimSuffix(title, ext)
	for i := 1; ; i++ {
		path = filepath.Join(m.app.Config.Download.Dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if !taken(path) {
			return path
		}
	}
}

// Pause requests a stop at the next chunk boundary. Idempotent; pausing a
// job that isn't pausable succeeds as a no-op.
func (m *QueueManager) Pause(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrNotFound
	}

	switch job.Status {
	case domain.StatusQueued:
		m.setStatusLocked(job, domain.StatusPaused, "")
		ev := m.eventLocked(job)
		m.mu.Unlock()
		m.reporter.Publish(ev)
		return nil
	case domain.StatusDownloading:
		job.PauseWant.Store(true)
		if job.CancelFunc != nil {
			// Interrupt token and source waits promptly; committed bytes
			// stay at the last chunk boundary.
			job.CancelFunc()
		}
		m.mu.Unlock()
		return nil
	default:
		m.mu.Unlock()
		return nil
	}
}

// Resume re-enters a paused job into admission at its original priority and
// submission time, not at the back of the queue.
func (m *QueueManager) Resume(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrNotFound
	}

	if job.Status != domain.StatusPaused {
		m.mu.Unlock()
		return nil
	}
	m.setStatusLocked(job, domain.StatusQueued, "")
	ev := m.eventLocked(job)
	m.mu.Unlock()

	m.reporter.Publish(ev)
	m.wakeup()
	return nil
}

// Retry re-queues a failed job, counting the restart and keeping the
// verified byte offset.
func (m *QueueManager) Retry(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrNotFound
	}

	if job.Status != domain.StatusFailed {
		m.mu.Unlock()
		return nil
	}
	job.Attempt++
	m.setStatusLocked(job, domain.StatusQueued, "")
	ev := m.eventLocked(job)
	m.mu.Unlock()

	m.reporter.Publish(ev)
	m.wakeup()
	return nil
}

// Cancel retires a job from any non-terminal state, deleting its partial
// file. The ledger record is retained with the terminal status.
func (m *QueueManager) Cancel(id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return domain.ErrNotFound
	}

	switch job.Status {
	case domain.StatusCompleted, domain.StatusCancelled:
		m.mu.Unlock()
		return nil
	case domain.StatusDownloading:
		job.CancelWant.Store(true)
		if job.CancelFunc != nil {
			job.CancelFunc()
		}
		m.mu.Unlock()
		return nil
	default:
		_ = m.writer.Remove(job.DestPath + ".part")
		job.DownloadedBytes.Store(0)
		job.PrefixCRC.Store(0)
		m.setStatusLocked(job, domain.StatusCancelled, "")
		ev := m.eventLocked(job)
		m.mu.Unlock()
		m.reporter.Publish(ev)
		m.wakeup()
		return nil
	}
}

// PauseAll pauses every pausable job. Jobs finishing mid-call are tolerated.
func (m *QueueManager) PauseAll() {
	for _, id := range m.idsWithStatus(domain.StatusQueued, domain.StatusDownloading) {
		_ = m.Pause(id)
	}
}

// ResumeAll resumes every paused job.
func (m *QueueManager) ResumeAll() {
	for _, id := range m.idsWithStatus(domain.StatusPaused) {
		_ = m.Resume(id)
	}
}

func (m *QueueManager) idsWithStatus(statuses ...domain.JobStatus) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, job := range m.jobs {
		for _, s := range statuses {
			if job.Status == s {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids
}

// List returns a point-in-time copy of every job, terminal records included,
// ordered by submission time.
func (m *QueueManager) List() []domain.Snapshot {
	m.mu.RLock()
	out := make([]domain.Snapshot, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Snapshot(m.reporter.SpeedBps(job.ID)))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a snapshot of one job.
func (m *QueueManager) Get(id string) (domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Snapshot{}, domain.ErrNotFound
	}
	return job.Snapshot(m.reporter.SpeedBps(id)), nil
}

// ActiveCount reports how many jobs currently hold a transfer slot.
func (m *QueueManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// setStatusLocked changes the status and saves to the ledger immediately.
// The transition is committed once the save succeeds.
func (m *QueueManager) setStatusLocked(job *domain.Job, status domain.JobStatus, lastErr string) {
	job.Status = status
	job.LastError = lastErr
	job.UpdatedAt = time.Now()
	if err := m.app.Store.SaveJob(job); err != nil {
		m.app.Logger.Error("job %s: failed to persist status %s: %v", job.ID, status, err)
	}
}

// eventLocked snapshots a job into a progress event while m.mu is held.
func (m *QueueManager) eventLocked(job *domain.Job) domain.ProgressEvent {
	return domain.ProgressEvent{
		JobID:           job.ID,
		Status:          job.Status,
		DownloadedBytes: job.DownloadedBytes.Load(),
		TotalBytes:      job.TotalBytes.Load(),
		Error:           job.LastError,
	}
}

func (m *QueueManager) wakeup() {
	select {
	case m.wake <- struct{}{}:
	default:
		// Signal already pending, no need to block
	}
}
