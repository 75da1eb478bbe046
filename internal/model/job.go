package model

import (
	"time"
)

// JobStatus represents the current state of an intelligence job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusLeased     JobStatus = "leased"
	JobStatusProcessing JobStatus = "processing"
	JobStatusMerging    JobStatus = "merging"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// validTransitions is the job state machine. A status missing from the map
// is terminal. "pending" reappears as a target because a nack returns the
// job to the queue for another attempt.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusLeased, JobStatusCancelled, JobStatusFailed},
	JobStatusLeased:     {JobStatusProcessing, JobStatusPending, JobStatusCancelled, JobStatusFailed},
	JobStatusProcessing: {JobStatusMerging, JobStatusPending, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusMerging:    {JobStatusCompleted, JobStatusPending, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether moving from to next is a legal status change.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ErrorCategory classifies a job failure for callers.
type ErrorCategory string

const (
	ErrorCategoryValidation       ErrorCategory = "validation"
	ErrorCategoryAllSourcesFailed ErrorCategory = "all_sources_failed"
	ErrorCategoryRetriesExhausted ErrorCategory = "retries_exhausted"
	ErrorCategoryCancelled        ErrorCategory = "cancelled_by_caller"
)

// JobError carries the human-readable reason for a terminal failed status.
type JobError struct {
	Message     string        `json:"message"`
	Category    ErrorCategory `json:"category"`
	FailedStage string        `json:"failed_stage,omitempty"`
}

// Job is the durable descriptor for one intelligence request.
type Job struct {
	ID           string    `json:"id"`
	EntityRef    string    `json:"entity_ref"`
	RequesterID  string    `json:"requester_id"`
	CallbackURL  string    `json:"callback_url,omitempty"`
	Status       JobStatus `json:"status"`
	Stage        string    `json:"stage,omitempty"`
	Progress     int       `json:"progress_percent"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	ResultRef    string    `json:"result_ref,omitempty"`
	Error        *JobError `json:"error,omitempty"`
	Fingerprint  string    `json:"dedup_fingerprint"`
}
