package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/playdeck/fetchd/internal/app"
	"github.com/playdeck/fetchd/internal/domain"
)

// errStopped signals a clean cooperative stop: pause, cancel or shutdown
// observed at a chunk boundary. The manager decides the resulting status.
var errStopped = errors.New("transfer stopped")

// transfer moves the bytes for one leased job. It is the only writer of the
// job's part file and of its DownloadedBytes/PrefixCRC counters.
type transfer struct {
	app      *app.Context
	job      *domain.Job
	bucket   *Bucket
	writer   *FileWriter
	reporter *Reporter

	// meta records size/checksum learned at transfer start through the
	// manager, which serializes the update against snapshot readers.
	meta func(totalBytes int64, checksum string) error
}

func (t *transfer) partPath() string {
	return t.job.DestPath + ".part"
}

func (t *transfer) stopRequested(ctx context.Context) bool {
	return ctx.Err() != nil || t.job.PauseWant.Load() || t.job.CancelWant.Load()
}

// run drives the whole transfer: resolve, resume-verify, chunk loop, final
// checksum, rename. It returns errStopped for cooperative stops, nil on
// completion, and a terminal error otherwise.
func (t *transfer) run(ctx context.Context) error {
	job := t.job
	cfg := t.app.Config.Download

	src, err := t.app.Resolver.Resolve(ctx, job.SourceRef)
	if err != nil {
		if t.stopRequested(ctx) {
			return errStopped
		}
		return fmt.Errorf("resolving source: %w", err)
	}

	if err := t.meta(src.Size(), strings.ToLower(src.Checksum())); err != nil {
		return err
	}

	part := t.partPath()
	offset := job.DownloadedBytes.Load()

	// Never trust a part file we didn't just write: re-verify the committed
	// prefix before resuming into it.
	if offset > 0 {
		crc, err := t.writer.PrefixCRC(part, offset)
		if err != nil || crc != job.PrefixCRC.Load() {
			t.app.Logger.Warn("job %s: part file failed prefix verification, restarting from zero", job.ID)
			offset = 0
			job.DownloadedBytes.Store(0)
			job.PrefixCRC.Store(0)
			if err := t.writer.Remove(part); err != nil {
				return fmt.Errorf("removing stale part file: %w", err)
			}
			if err := t.commitProgress(); err != nil {
				return err
			}
		}
	}

	if offset == 0 && job.TotalBytes.Load() > 0 {
		if err := t.writer.PreAllocate(part, job.TotalBytes.Load()); err != nil {
			return t.classifyWriteErr(err)
		}
	}

	var (
		reader   io.ReadCloser
		crc      = job.PrefixCRC.Load()
		attempts = 0
		buf      = make([]byte, cfg.ChunkSize)
	)
	closeReader := func() {
		if reader != nil {
			reader.Close()
			reader = nil
		}
	}
	defer closeReader()

	retry := func(cause error) error {
		closeReader()
		attempts++
		if attempts >= cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", domain.ErrTooManyAttempts, attempts, cause)
		}
		delay := cfg.RetryBaseDelay << (attempts - 1)
		if delay > cfg.RetryMaxDelay {
			delay = cfg.RetryMaxDelay
		}
		t.app.Logger.Warn("job %s: transient error at offset %d (attempt %d/%d): %v",
			job.ID, offset, attempts, cfg.MaxAttempts, cause)
		select {
		case <-time.After(delay):
			return nil
		case <-ctx.Done():
			return errStopped
		}
	}

	for {
		total := job.TotalBytes.Load()
		if total > 0 && offset >= total {
			break
		}

		// Cooperative checkpoint: pause/cancel are honored here, at the
		// chunk boundary, never mid-chunk.
		if t.stopRequested(ctx) {
			return errStopped
		}

		want := int64(len(buf))
		if total > 0 && total-offset < want {
			want = total - offset
		}

		if err := t.bucket.Wait(ctx, want, job.Priority); err != nil {
			if t.stopRequested(ctx) {
				return errStopped
			}
			return fmt.Errorf("waiting for bandwidth: %w", err)
		}

		if reader == nil {
			reader, err = src.Open(ctx, offset)
			if err != nil {
				if t.stopRequested(ctx) {
					return errStopped
				}
				if err := retry(err); err != nil {
					return err
				}
				continue
			}
		}

		n, err := io.ReadFull(reader, buf[:want])
		final := false
		switch {
		case err == nil:
			// full chunk
		case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
			if total == 0 {
				final = true // size unknown: EOF defines the end
			} else if offset+int64(n) == total {
				final = true
			} else {
				// The stream ended early. Discard the partial chunk and
				// retry the whole chunk from the committed offset.
				if err := retry(fmt.Errorf("source closed at offset %d: %w", offset+int64(n), err)); err != nil {
					return err
				}
				continue
			}
		default:
			if t.stopRequested(ctx) {
				return errStopped
			}
			if err := retry(err); err != nil {
				return err
			}
			continue
		}

		if n > 0 {
			if err := t.writer.WriteAt(part, buf[:n], offset); err != nil {
				if werr := t.classifyWriteErr(err); errors.Is(werr, domain.ErrDiskExhausted) {
					return werr
				}
				if err := retry(err); err != nil {
					return err
				}
				continue
			}

			crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
			offset += int64(n)
			job.DownloadedBytes.Store(offset)
			job.PrefixCRC.Store(crc)

			// Ledger first, then the progress stream.
			if err := t.commitProgress(); err != nil {
				return err
			}
			t.publish(domain.StatusDownloading, "")
			attempts = 0
		}

		if final {
			if total == 0 {
				job.TotalBytes.Store(offset)
			}
			break
		}
	}

	closeReader()
	return t.finalize(part)
}

// finalize verifies the whole-file checksum and promotes the part file to
// its final name.
func (t *transfer) finalize(part string) error {
	job := t.job

	if job.Checksum != "" {
		sum, err := t.writer.FileSHA256(part)
		if err != nil {
			return fmt.Errorf("hashing completed file: %w", err)
		}
		if sum != job.Checksum {
			// The manager discards the corrupt data in the same step as the
			// failed transition, so pollers never see the counters regress
			// on a job still marked downloading.
			return fmt.Errorf("%w: got %s, want %s", domain.ErrChecksumMismatch, sum, job.Checksum)
		}
	}

	if err := t.writer.CloseFile(part, job.TotalBytes.Load()); err != nil {
		return fmt.Errorf("closing part file: %w", err)
	}
	if err := os.Rename(part, job.DestPath); err != nil {
		return fmt.Errorf("finalizing %s: %w", job.DestPath, err)
	}
	return nil
}

func (t *transfer) commitProgress() error {
	if err := t.app.Store.UpdateJobProgress(t.job.ID, t.job.DownloadedBytes.Load(), t.job.PrefixCRC.Load()); err != nil {
		return fmt.Errorf("persisting progress: %w", err)
	}
	return nil
}

func (t *transfer) publish(status domain.JobStatus, errStr string) {
	t.reporter.Publish(domain.ProgressEvent{
		JobID:           t.job.ID,
		Status:          status,
		DownloadedBytes: t.job.DownloadedBytes.Load(),
		TotalBytes:      t.job.TotalBytes.Load(),
		Error:           errStr,
	})
}

// classifyWriteErr maps out-of-space conditions to the non-retryable
// ErrDiskExhausted; everything else passes through.
func (t *transfer) classifyWriteErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", domain.ErrDiskExhausted, err)
	}
	return err
}
