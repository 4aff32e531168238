// Package queue provides the Redis work queue of message ids drained by the
// service's worker pool.
package queue

import (
	"time"
)

// Priority levels for queued jobs.
type Priority int

const (
	PriorityLow    Priority = 0 // Backfill, review retries
	PriorityNormal Priority = 1 // Batch ingest
	PriorityHigh   Priority = 2 // Real-time ingest, operator requests
)

// priorities lists levels in dequeue order.
var priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a flag value to a Priority. Unknown values are normal.
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

// Job asks a worker to run one message through the pipeline.
type Job struct {
	MessageID string   `json:"message_id"`
	Priority  Priority `json:"priority"`
	BatchID   string   `json:"batch_id,omitempty"`
}

// QueuedJob is a Job as stored in the queue.
type QueuedJob struct {
	ID           string    `json:"id"`
	Job          Job       `json:"job"`
	RetryCount   int       `json:"retry_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAfter time.Time `json:"visible_after,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// DeadLetter is a job that will not be retried.
type DeadLetter struct {
	JobID      string    `json:"job_id"`
	MessageID  string    `json:"message_id"`
	Queue      string    `json:"queue"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	MovedAt    time.Time `json:"moved_at"`
}
