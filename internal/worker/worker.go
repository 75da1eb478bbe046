// Package worker runs the lease loop: dequeue a job, execute one
// pipeline attempt, and finalize or release it depending on the outcome.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/krawlr/intel-engine/internal/model"
	"github.com/krawlr/intel-engine/internal/notify"
	"github.com/krawlr/intel-engine/internal/pipeline"
	"github.com/krawlr/intel-engine/internal/queue"
	"github.com/krawlr/intel-engine/internal/store"
)

// Executor runs one pipeline attempt for a job.
type Executor interface {
	Execute(ctx context.Context, job *model.Job) (*model.UnifiedRecord, error)
}

// Config tunes a single worker.
type Config struct {
	// ID identifies this worker in leases and logs.
	ID string

	// PollInterval is the sleep between empty dequeue attempts.
	PollInterval time.Duration

	// HeartbeatInterval is how often a running attempt extends its lease.
	// Keep it well under the queue's visibility timeout.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "worker-1"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	return c
}

// Worker consumes deliveries from the queue and drives them to a
// terminal state. Safe to run many workers against the same queue.
type Worker struct {
	queue    queue.Queue
	store    store.Store
	executor Executor
	notifier notify.Notifier
	cfg      Config
}

// New creates a Worker. notifier may be nil when callbacks are disabled.
func New(q queue.Queue, st store.Store, executor Executor, notifier notify.Notifier, cfg Config) *Worker {
	return &Worker{
		queue:    q,
		store:    st,
		executor: executor,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
	}
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("worker_id", w.cfg.ID))
	log.Info("worker started")

	for {
		if ctx.Err() != nil {
			log.Info("worker stopping")
			return ctx.Err()
		}

		w.reapExpiredLeases(ctx, log)

		delivery, err := w.queue.Dequeue(ctx, w.cfg.ID)
		if err != nil {
			if !eris.Is(err, queue.ErrNoJobs) {
				log.Warn("dequeue failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		w.Process(ctx, delivery)
	}
}

// reapExpiredLeases dead-letters jobs whose lease lapsed on the final
// attempt and marks their records permanently failed. Without this sweep
// a crashed worker's last delivery would park in the dead letters while
// the record stayed processing forever.
func (w *Worker) reapExpiredLeases(ctx context.Context, log *zap.Logger) {
	expired, err := w.queue.ReclaimExpired(ctx)
	if err != nil {
		log.Warn("reclaiming expired leases failed", zap.Error(err))
		return
	}
	for _, jobID := range expired {
		job, err := w.store.GetJob(ctx, jobID)
		if err != nil {
			if !eris.Is(err, store.ErrJobNotFound) {
				log.Warn("loading expired job failed", zap.String("job_id", jobID), zap.Error(err))
			}
			continue
		}
		w.finalizeFailure(ctx, job, &model.JobError{
			Message:  queue.ReasonLeaseExpired,
			Category: model.ErrorCategoryRetriesExhausted,
		}, log.With(zap.String("job_id", jobID)))
	}
}

// Process drives one delivery to ack, nack or abandonment. Exported so a
// one-shot runner can execute a single job without the poll loop.
func (w *Worker) Process(ctx context.Context, delivery *queue.Delivery) {
	log := zap.L().With(
		zap.String("worker_id", w.cfg.ID),
		zap.String("job_id", delivery.JobID),
		zap.Int("attempt", delivery.Attempt),
	)

	job, err := w.store.GetJob(ctx, delivery.JobID)
	if err != nil {
		if eris.Is(err, store.ErrJobNotFound) {
			// A queue entry without a job record is an orphan; drop it.
			log.Warn("dropping delivery for unknown job")
			w.ack(ctx, delivery.JobID, log)
			return
		}
		log.Error("loading job failed", zap.Error(err))
		w.nack(ctx, delivery.JobID, "loading job record failed", log)
		return
	}

	// Leased is cosmetic for the status API; a redelivery of a job stuck
	// in processing cannot legally transition back, and that is fine.
	if err := w.store.UpdateStatus(ctx, job.ID, model.JobStatusLeased); err != nil && eris.Is(err, store.ErrFinalized) {
		log.Info("job already finalized, acking redelivery")
		w.ack(ctx, job.ID, log)
		return
	}

	if err := w.store.StartAttempt(ctx, job.ID, delivery.Attempt); err != nil {
		if eris.Is(err, store.ErrFinalized) {
			log.Info("job already finalized, acking redelivery")
			w.ack(ctx, job.ID, log)
			return
		}
		log.Error("starting attempt failed", zap.Error(err))
		w.nack(ctx, job.ID, "starting attempt failed", log)
		return
	}
	job.AttemptCount = delivery.Attempt

	// Heartbeat for the duration of the attempt. Losing the lease cancels
	// the attempt: the job is presumed redelivered to another worker, so
	// this one must not finalize.
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	leaseLost := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				if err := w.queue.ExtendLease(attemptCtx, job.ID); err != nil {
					if eris.Is(err, queue.ErrLeaseExpired) {
						log.Warn("lease lost mid-attempt, abandoning")
						close(leaseLost)
						cancelAttempt()
						return
					}
					log.Warn("lease heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	record, execErr := w.executor.Execute(attemptCtx, job)
	cancelAttempt()
	<-heartbeatDone

	select {
	case <-leaseLost:
		// Another worker owns the job now; no ack, no nack, no finalize.
		return
	default:
	}

	switch {
	case execErr == nil:
		w.finalizeSuccess(ctx, job, record, log)

	case eris.Is(execErr, pipeline.ErrCancelled):
		w.finalizeFailure(ctx, job, &model.JobError{
			Message:  "cancelled by caller",
			Category: model.ErrorCategoryCancelled,
		}, log)
		w.ack(ctx, job.ID, log)

	default:
		w.handleFailedAttempt(ctx, job, execErr, log)
	}
}

func (w *Worker) finalizeSuccess(ctx context.Context, job *model.Job, record *model.UnifiedRecord, log *zap.Logger) {
	applied, err := w.store.SetResult(ctx, job.ID, record)
	if err != nil {
		log.Error("persisting result failed", zap.Error(err))
		w.nack(ctx, job.ID, "persisting result failed", log)
		return
	}
	if applied {
		log.Info("job completed", zap.Float64("quality_score", record.QualityScore))
		w.sendWebhook(ctx, job, model.JobStatusCompleted, &record.QualityScore, nil)
	} else {
		log.Info("job was finalized by an earlier delivery")
	}
	w.ack(ctx, job.ID, log)
}

func (w *Worker) handleFailedAttempt(ctx context.Context, job *model.Job, execErr error, log *zap.Logger) {
	log.Warn("attempt failed", zap.Error(execErr))

	deadLettered, err := w.queue.Nack(ctx, job.ID, execErr.Error())
	if err != nil {
		log.Error("nack failed", zap.Error(err))
		return
	}
	if !deadLettered {
		// Back to the queue; the status API shows it pending again.
		if err := w.store.UpdateStatus(ctx, job.ID, model.JobStatusPending); err != nil {
			log.Warn("resetting status for redelivery failed", zap.Error(err))
		}
		return
	}

	category := model.ErrorCategoryRetriesExhausted
	if eris.Is(execErr, pipeline.ErrAllSourcesFailed) {
		category = model.ErrorCategoryAllSourcesFailed
	}
	w.finalizeFailure(ctx, job, &model.JobError{
		Message:  execErr.Error(),
		Category: category,
	}, log)
}

func (w *Worker) finalizeFailure(ctx context.Context, job *model.Job, jobErr *model.JobError, log *zap.Logger) {
	applied, err := w.store.FailJob(ctx, job.ID, jobErr)
	if err != nil {
		log.Error("finalizing failure failed", zap.Error(err))
		return
	}
	if !applied {
		return
	}
	status := model.JobStatusFailed
	if jobErr.Category == model.ErrorCategoryCancelled {
		status = model.JobStatusCancelled
	}
	log.Info("job finalized", zap.String("status", string(status)), zap.String("category", string(jobErr.Category)))
	w.sendWebhook(ctx, job, status, nil, jobErr)
}

func (w *Worker) sendWebhook(ctx context.Context, job *model.Job, status model.JobStatus, score *float64, jobErr *model.JobError) {
	if w.notifier == nil || job.CallbackURL == "" {
		return
	}
	payload := notify.Payload{
		Event:        notify.EventForStatus(status),
		JobID:        job.ID,
		EntityRef:    job.EntityRef,
		Status:       status,
		QualityScore: score,
		Error:        jobErr,
	}
	if status == model.JobStatusCompleted {
		payload.ResultURL = fmt.Sprintf("/v1/jobs/%s/result", job.ID)
	}
	// Webhook failures never change the job outcome.
	if err := w.notifier.Notify(ctx, job.CallbackURL, payload); err != nil {
		zap.L().Warn("webhook delivery failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

func (w *Worker) ack(ctx context.Context, jobID string, log *zap.Logger) {
	if err := w.queue.Ack(ctx, jobID); err != nil && !eris.Is(err, queue.ErrLeaseExpired) {
		log.Warn("ack failed", zap.Error(err))
	}
}

func (w *Worker) nack(ctx context.Context, jobID string, reason string, log *zap.Logger) {
	deadLettered, err := w.queue.Nack(ctx, jobID, reason)
	if err != nil {
		if !eris.Is(err, queue.ErrLeaseExpired) {
			log.Warn("nack failed", zap.Error(err))
		}
		return
	}
	if deadLettered {
		w.finalizeFailure(ctx, &model.Job{ID: jobID}, &model.JobError{
			Message:  reason,
			Category: model.ErrorCategoryRetriesExhausted,
		}, log)
	}
}
