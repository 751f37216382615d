package domain

import "time"

// ProgressEvent is one update on the progress stream. Non-terminal events are
// rate-limited per job; terminal events are always delivered.
type ProgressEvent struct {
	JobID           string    `json:"job_id"`
	Status          JobStatus `json:"status"`
	DownloadedBytes int64     `json:"downloaded_bytes"`
	TotalBytes      int64     `json:"total_bytes"`
	SpeedBps        int64     `json:"speed_bps"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Terminal reports whether this event closes out the job on the stream.
func (e ProgressEvent) Terminal() bool {
	return e.Status.Terminal() || e.Status == StatusFailed
}
