package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/krawlr/intel-engine/internal/model"
)

// ErrJobNotFound is returned when a job ID does not exist.
var ErrJobNotFound = eris.New("store: job not found")

// ErrFinalized is returned when an operation touches a job already in a
// terminal state. Workers treat it as a signal to ack and walk away: the
// job was finalized by an earlier delivery.
var ErrFinalized = eris.New("store: job already finalized")

// ErrDuplicateJob is returned by CreateJob when another non-terminal job
// already carries the same fingerprint. Uniqueness is enforced by the
// database, so concurrent submissions of the same entity cannot both
// start a pipeline.
var ErrDuplicateJob = eris.New("store: duplicate active job for fingerprint")

// NotReadyError is returned by GetResult while a job is still in flight.
// The API layer maps it to 409.
type NotReadyError struct {
	JobID  string
	Status model.JobStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("result for job %s not ready: status is %s", e.JobID, e.Status)
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status      model.JobStatus `json:"status,omitempty"`
	RequesterID string          `json:"requester_id,omitempty"`
	Limit       int             `json:"limit,omitempty"`
	Offset      int             `json:"offset,omitempty"`
}

// Store is the source of truth for job records, results and routing
// audit. The queue holds delivery state only; every status transition
// lives here and is validated against the job state machine.
type Store interface {
	// CreateJob persists a new pending job. Returns ErrDuplicateJob when
	// a non-terminal job with the same fingerprint already exists.
	CreateJob(ctx context.Context, job *model.Job) error

	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// UpdateStatus applies a state transition. Invalid transitions are
	// rejected; transitions out of a terminal state return ErrFinalized.
	UpdateStatus(ctx context.Context, jobID string, status model.JobStatus) error

	// UpdateProgress records the current stage and percentage. Progress
	// is monotonic within an attempt: a lower value than the stored one
	// is ignored, not an error.
	UpdateProgress(ctx context.Context, jobID string, stage string, progress int) error

	// StartAttempt moves a job to processing and records the delivery
	// attempt. Returns ErrFinalized when the job already reached a
	// terminal state, so redeliveries of finished jobs are dropped.
	StartAttempt(ctx context.Context, jobID string, attempt int) error

	// SetResult stores the unified record and completes the job in one
	// step. Returns applied=false without error when the job was already
	// terminal: only the first finalizer wins, every later delivery is a
	// no-op.
	SetResult(ctx context.Context, jobID string, record *model.UnifiedRecord) (applied bool, err error)

	// FailJob marks a job permanently failed. Same first-wins contract
	// as SetResult.
	FailJob(ctx context.Context, jobID string, jobErr *model.JobError) (applied bool, err error)

	// ResetForRetry returns a job to pending with a clean error and
	// progress, bypassing the terminal-state guard. Operator requeue of
	// a dead-lettered job is the only legitimate caller.
	ResetForRetry(ctx context.Context, jobID string) error

	// RequestCancel flags a job for cooperative cancellation. In-flight
	// attempts observe the flag at stage boundaries.
	RequestCancel(ctx context.Context, jobID string) error
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)

	// FindByFingerprint returns the most recent non-failed job with the
	// given fingerprint created inside the window, or nil.
	FindByFingerprint(ctx context.Context, fingerprint string, window time.Duration) (*model.Job, error)

	// GetResult returns the unified record of a completed job, or
	// NotReadyError while the job is still in flight.
	GetResult(ctx context.Context, jobID string) (*model.UnifiedRecord, error)

	// SaveRoutingDecision persists the financial-source routing audit
	// for a job attempt.
	SaveRoutingDecision(ctx context.Context, jobID string, decision model.RoutingDecision) error
	GetRoutingDecision(ctx context.Context, jobID string) (*model.RoutingDecision, error)

	Migrate(ctx context.Context) error
	Close() error
}
