package store

import (
	"database/sql"
	"time"

	"github.com/playdeck/fetchd/internal/domain"
)

// jobDBO maps to the jobs table
type jobDBO struct {
	ID              string
	SourceRef       string
	Title           string
	DestPath        string
	Checksum        string
	Status          string
	Priority        int
	TotalBytes      int64
	DownloadedBytes int64
	PrefixCRC       int64
	Attempt         int
	LastError       sql.NullString
	CreatedAt       int64
	UpdatedAt       int64
}

// Mapper: DBO to Domain Job
func (d *jobDBO) ToDomain() *domain.Job {
	// Priority indexes arrays elsewhere, so an out-of-range value from a
	// corrupted row is clamped rather than trusted.
	prio := domain.Priority(d.Priority)
	if prio < domain.PriorityLow || prio > domain.PriorityHigh {
		prio = domain.PriorityNormal
	}

	job := &domain.Job{
		ID:        d.ID,
		SourceRef: d.SourceRef,
		Title:     d.Title,
		DestPath:  d.DestPath,
		Checksum:  d.Checksum,
		Status:    domain.JobStatus(d.Status),
		Priority:  prio,
		Attempt:   d.Attempt,
		CreatedAt: time.Unix(0, d.CreatedAt),
		UpdatedAt: time.Unix(0, d.UpdatedAt),
	}
	job.TotalBytes.Store(d.TotalBytes)
	job.DownloadedBytes.Store(d.DownloadedBytes)
	job.PrefixCRC.Store(uint32(d.PrefixCRC))
	if d.LastError.Valid {
		job.LastError = d.LastError.String
	}
	return job
}

// Mapper: Domain Job to DBO
func (d *jobDBO) FromDomain(job *domain.Job) {
	d.ID = job.ID
	d.SourceRef = job.SourceRef
	d.Title = job.Title
	d.DestPath = job.DestPath
	d.Checksum = job.Checksum
	d.Status = string(job.Status)
	d.Priority = int(job.Priority)
	d.TotalBytes = job.TotalBytes.Load()
	d.DownloadedBytes = job.DownloadedBytes.Load()
	d.PrefixCRC = int64(job.PrefixCRC.Load())
	d.Attempt = job.Attempt
	d.LastError = sql.NullString{String: job.LastError, Valid: job.LastError != ""}
	d.CreatedAt = job.CreatedAt.UnixNano()
	d.UpdatedAt = job.UpdatedAt.UnixNano()
}
