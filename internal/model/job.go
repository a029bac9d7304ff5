package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a collection job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job is one scheduled collection task: ask one source for one product.
// All state transitions are owned by the scheduler and persisted
// synchronously so the queue survives restarts.
type Job struct {
	ID          string          `json:"id"`
	SourceID    SourceID        `json:"source_id"`
	ProductKey  string          `json:"product_key"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      JobStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Retryable reports whether a failed job still has attempts left.
func (j Job) Retryable() bool {
	return j.Attempts < j.MaxAttempts
}

// QueueStats counts jobs by status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Total returns the total number of jobs across all states.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.Cancelled
}
