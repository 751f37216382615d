package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/playdeck/fetchd/internal/domain"
)

const jobColumns = `id, source_ref, title, dest_path, checksum, status, priority,
	total_bytes, downloaded_bytes, prefix_crc, attempt, last_error, created_at, updated_at`

// SaveJob upserts the full ledger record for a job. Callers treat the state
// transition as committed only after this returns nil.
func (s *PersistentStore) SaveJob(job *domain.Job) error {
	var d jobDBO
	d.FromDomain(job)

	query := `INSERT OR REPLACE INTO jobs (` + jobColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query,
		d.ID, d.SourceRef, d.Title, d.DestPath, d.Checksum, d.Status, d.Priority,
		d.TotalBytes, d.DownloadedBytes, d.PrefixCRC, d.Attempt, d.LastError,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJobProgress advances only the byte offset and prefix CRC. Called once
// per committed chunk, so it deliberately touches no other columns.
func (s *PersistentStore) UpdateJobProgress(id string, downloaded int64, prefixCRC uint32) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET downloaded_bytes = ?, prefix_crc = ?, updated_at = ? WHERE id = ?`,
		downloaded, int64(prefixCRC), time.Now().UnixNano(), id,
	)
	return err
}

func (s *PersistentStore) GetJob(id string) (*domain.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ? LIMIT 1`, id)

	var d jobDBO
	err := row.Scan(
		&d.ID, &d.SourceRef, &d.Title, &d.DestPath, &d.Checksum, &d.Status, &d.Priority,
		&d.TotalBytes, &d.DownloadedBytes, &d.PrefixCRC, &d.Attempt, &d.LastError,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Return nil, nil to indicate "Not found"
		}
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}

	return d.ToDomain(), nil
}

func (s *PersistentStore) GetJobs() ([]*domain.Job, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at ASC, id ASC`)
}

// GetActiveJobs returns every job that is not in a terminal state. Used on
// startup to rebuild the in-memory queue.
func (s *PersistentStore) GetActiveJobs() ([]*domain.Job, error) {
	return s.queryJobs(`SELECT ` + jobColumns + ` FROM jobs
		WHERE status NOT IN ('completed', 'cancelled')
		ORDER BY created_at ASC, id ASC`)
}

func (s *PersistentStore) queryJobs(query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var d jobDBO
		err := rows.Scan(
			&d.ID, &d.SourceRef, &d.Title, &d.DestPath, &d.Checksum, &d.Status, &d.Priority,
			&d.TotalBytes, &d.DownloadedBytes, &d.PrefixCRC, &d.Attempt, &d.LastError,
			&d.CreatedAt, &d.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, d.ToDomain())
	}

	return jobs, rows.Err()
}
