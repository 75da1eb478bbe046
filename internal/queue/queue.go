package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/krawlr/intel-engine/internal/resilience"
)

// ErrNoJobs is returned by Dequeue when nothing is ready for delivery.
var ErrNoJobs = eris.New("queue: no jobs available")

// ErrLeaseExpired is returned when a worker touches a delivery whose lease
// has already lapsed. The job may be running elsewhere; the worker must
// abandon its attempt without finalizing.
var ErrLeaseExpired = eris.New("queue: lease expired")

// ReasonLeaseExpired is the dead-letter reason recorded when a lease
// lapses with no delivery attempts left.
const ReasonLeaseExpired = "lease expired after final attempt"

// Config bounds delivery semantics.
type Config struct {
	// VisibilityTimeout is how long a dequeued job stays invisible to
	// other workers before it is considered abandoned.
	VisibilityTimeout time.Duration

	// MaxAttempts is the delivery ceiling before a job is dead-lettered.
	MaxAttempts int

	// BackoffBase and BackoffCap drive the redelivery delay after a nack:
	// base × 2^(attempt-1), capped, with jitter.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	return c
}

// redeliveryDelay computes the nack backoff for a one-based attempt count.
func (c Config) redeliveryDelay(attempt int) time.Duration {
	return resilience.Delay(attempt-1, resilience.RetryConfig{
		BaseDelay:  c.BackoffBase,
		MaxDelay:   c.BackoffCap,
		Multiplier: 2.0,
		Jitter:     0.25,
	})
}

// Delivery is one lease handed to a worker. Attempt is one-based and
// counts every delivery of the job, including redeliveries after lease
// expiry.
type Delivery struct {
	JobID          string    `json:"job_id"`
	Attempt        int       `json:"attempt"`
	WorkerID       string    `json:"worker_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// DeadLetter is a job parked after exhausting its delivery attempts.
// Dead letters are never redelivered automatically; Requeue is the only
// way back.
type DeadLetter struct {
	JobID      string    `json:"job_id"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	ParkedAt   time.Time `json:"parked_at"`
}

// Stats summarizes queue depth by state.
type Stats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}

// Queue is a durable at-least-once delivery queue over jobs persisted in
// the store. The queue holds delivery state only; the store remains the
// source of truth for job records.
type Queue interface {
	// Enqueue makes a job available at availableAt. Enqueueing an
	// already-queued job is a no-op.
	Enqueue(ctx context.Context, jobID string, availableAt time.Time) error

	// Dequeue leases the oldest ready job for the configured visibility
	// timeout. Returns ErrNoJobs when none is ready. Expired leases with
	// attempts remaining are returned to ready before selection.
	Dequeue(ctx context.Context, workerID string) (*Delivery, error)

	// ReclaimExpired sweeps lapsed leases: jobs with attempts remaining go
	// back to ready, jobs on their final attempt are dead-lettered. The
	// dead-lettered job ids are returned so the caller can finalize their
	// records; a dead letter alone does not mark the job failed.
	ReclaimExpired(ctx context.Context) ([]string, error)

	// Ack removes a job from the queue after successful processing.
	Ack(ctx context.Context, jobID string) error

	// Nack releases a failed job for redelivery after a backoff delay.
	// When the job has exhausted its attempts it is dead-lettered instead
	// and deadLettered is true.
	Nack(ctx context.Context, jobID string, reason string) (deadLettered bool, err error)

	// ExtendLease pushes out the visibility timeout of a leased job.
	// Returns ErrLeaseExpired when the lease has already lapsed.
	ExtendLease(ctx context.Context, jobID string) error

	// DeadLetters lists parked jobs, newest first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// Requeue moves a dead-lettered job back to ready with a fresh
	// attempt budget.
	Requeue(ctx context.Context, jobID string) error

	Stats(ctx context.Context) (Stats, error)
	Migrate(ctx context.Context) error
	Close() error
}
