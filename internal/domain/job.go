package domain

import (
	"context"
	"sync/atomic"
	"time"
)

type JobStatus string

const (
	StatusQueued      JobStatus = "queued"
	StatusDownloading JobStatus = "downloading"
	StatusPaused      JobStatus = "paused"
	StatusCompleted   JobStatus = "completed"
	StatusCancelled   JobStatus = "cancelled"
	StatusFailed      JobStatus = "failed"
)

// Terminal reports whether a status accepts no further transitions.
// Failed jobs are not terminal: they can be retried or cancelled.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps the wire representation back to a Priority.
// Unknown values fall back to normal so a bad API call degrades instead of failing.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Job is one requested file transfer tracked through its lifecycle.
// Status and priority are mutated only by the queue manager; DownloadedBytes
// and PrefixCRC are advanced by the single transfer unit holding the job's slot.
type Job struct {
	ID        string    `json:"id"`
	SourceRef string    `json:"source_ref"`
	Title     string    `json:"title"`
	DestPath  string    `json:"dest_path"`
	Checksum  string    `json:"checksum,omitempty"` // expected whole-file SHA-256, hex; empty if the source declares none
	Status    JobStatus `json:"status"`
	Priority  Priority  `json:"priority"`

	TotalBytes      atomic.Int64  `json:"-"` // may be learned after the transfer starts
	DownloadedBytes atomic.Int64  `json:"-"`
	PrefixCRC       atomic.Uint32 `json:"-"` // CRC32 (IEEE) of the committed prefix

	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Lease control, owned by the queue manager while the job is downloading.
	CancelFunc context.CancelFunc `json:"-"`
	PauseWant  atomic.Bool        `json:"-"`
	CancelWant atomic.Bool        `json:"-"`
}

// Snapshot is the immutable view handed to pollers and the progress stream.
type Snapshot struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	SourceRef       string    `json:"source_ref"`
	Status          JobStatus `json:"status"`
	Priority        string    `json:"priority"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	SpeedBps        int64     `json:"speed_bps"`
	Attempt         int       `json:"attempt"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (j *Job) Snapshot(speedBps int64) Snapshot {
	return Snapshot{
		ID:              j.ID,
		Title:           j.Title,
		SourceRef:       j.SourceRef,
		Status:          j.Status,
		Priority:        j.Priority.String(),
		DownloadedBytes: j.DownloadedBytes.Load(),
		TotalBytes:      j.TotalBytes.Load(),
		SpeedBps:        speedBps,
		Attempt:         j.Attempt,
		LastError:       j.LastError,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}
