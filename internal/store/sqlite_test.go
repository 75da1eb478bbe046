package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krawlr/intel-engine/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestJob(t *testing.T, s *SQLiteStore, ref string) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:          uuid.New().String(),
		EntityRef:   ref,
		RequesterID: "req-1",
		Fingerprint: model.Fingerprint(ref),
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

func TestSQLiteStoreJobLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "https://stripe.com")

	t.Run("create sets pending", func(t *testing.T) {
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Equal(t, "https://stripe.com", got.EntityRef)
		assert.Equal(t, 0, got.AttemptCount)
	})

	t.Run("valid transition chain", func(t *testing.T) {
		require.NoError(t, s.UpdateStatus(ctx, job.ID, model.JobStatusLeased))
		require.NoError(t, s.StartAttempt(ctx, job.ID, 1))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
	})

	t.Run("invalid transition rejected", func(t *testing.T) {
		err := s.UpdateStatus(ctx, job.ID, model.JobStatusLeased)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid transition")
	})

	t.Run("set result completes the job", func(t *testing.T) {
		applied, err := s.SetResult(ctx, job.ID, &model.UnifiedRecord{QualityScore: 72})
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
	})

	t.Run("second finalizer is a no-op", func(t *testing.T) {
		applied, err := s.SetResult(ctx, job.ID, &model.UnifiedRecord{QualityScore: 10})
		require.NoError(t, err)
		assert.False(t, applied)

		record, err := s.GetResult(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, float64(72), record.QualityScore)
	})

	t.Run("terminal job refuses transitions", func(t *testing.T) {
		assert.ErrorIs(t, s.UpdateStatus(ctx, job.ID, model.JobStatusFailed), ErrFinalized)
		assert.ErrorIs(t, s.StartAttempt(ctx, job.ID, 2), ErrFinalized)
	})
}

func TestSQLiteStoreGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestSQLiteStoreMonotonicProgress(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "acme.com")

	require.NoError(t, s.UpdateProgress(ctx, job.ID, "identity", 30))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, "people", 55))

	// A stale lower write is ignored.
	require.NoError(t, s.UpdateProgress(ctx, job.ID, "identity", 20))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 55, got.Progress)
	assert.Equal(t, "people", got.Stage)
}

func TestSQLiteStoreAttemptResetsProgress(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "acme.com")

	require.NoError(t, s.UpdateStatus(ctx, job.ID, model.JobStatusLeased))
	require.NoError(t, s.StartAttempt(ctx, job.ID, 1))
	require.NoError(t, s.UpdateProgress(ctx, job.ID, "news", 70))

	// Redelivery: back to pending, then a fresh attempt.
	require.NoError(t, s.UpdateStatus(ctx, job.ID, model.JobStatusPending))
	require.NoError(t, s.UpdateStatus(ctx, job.ID, model.JobStatusLeased))
	require.NoError(t, s.StartAttempt(ctx, job.ID, 2))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
	assert.Empty(t, got.Stage)
	assert.Equal(t, 2, got.AttemptCount)
}

func TestSQLiteStoreFailJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "acme.com")

	applied, err := s.FailJob(ctx, job.ID, &model.JobError{
		Message:     "every source errored",
		Category:    model.ErrorCategoryAllSourcesFailed,
		FailedStage: "identity",
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorCategoryAllSourcesFailed, got.Error.Category)
	assert.Equal(t, "identity", got.Error.FailedStage)
}

func TestSQLiteStoreFailJobCancelledCategory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "acme.com")

	applied, err := s.FailJob(ctx, job.ID, &model.JobError{
		Message:  "cancelled by caller",
		Category: model.ErrorCategoryCancelled,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestSQLiteStoreResetForRetry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "acme.com")

	_, err := s.FailJob(ctx, job.ID, &model.JobError{
		Message:  "every source errored",
		Category: model.ErrorCategoryRetriesExhausted,
	})
	require.NoError(t, err)

	require.NoError(t, s.ResetForRetry(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Zero(t, got.Progress)
	assert.Nil(t, got.Error)

	// The revived job runs a normal attempt again.
	require.NoError(t, s.UpdateStatus(ctx, job.ID, model.JobStatusLeased))
	require.NoError(t, s.StartAttempt(ctx, job.ID, 1))

	assert.ErrorIs(t, s.ResetForRetry(ctx, "missing"), ErrJobNotFound)
}

func TestSQLiteStoreCancelFlag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "acme.com")

	requested, err := s.IsCancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, s.RequestCancel(ctx, job.ID))

	requested, err = s.IsCancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, requested)

	// Cancelling a finished job is rejected.
	_, err = s.SetResult(ctx, job.ID, &model.UnifiedRecord{})
	require.NoError(t, err)
	assert.ErrorIs(t, s.RequestCancel(ctx, job.ID), ErrFinalized)
	assert.ErrorIs(t, s.RequestCancel(ctx, "missing"), ErrJobNotFound)
}

func TestSQLiteStoreGetResultNotReady(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "acme.com")

	_, err := s.GetResult(ctx, job.ID)
	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, model.JobStatusPending, notReady.Status)
}

func TestSQLiteStoreFindByFingerprint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "https://stripe.com")

	t.Run("match inside window", func(t *testing.T) {
		found, err := s.FindByFingerprint(ctx, model.Fingerprint("https://stripe.com"), 24*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, job.ID, found.ID)
	})

	t.Run("equivalent references share a fingerprint", func(t *testing.T) {
		found, err := s.FindByFingerprint(ctx, model.Fingerprint("STRIPE.COM/"), 24*time.Hour)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, job.ID, found.ID)
	})

	t.Run("no match outside window", func(t *testing.T) {
		found, err := s.FindByFingerprint(ctx, model.Fingerprint("https://stripe.com"), time.Nanosecond)
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("failed jobs do not dedup", func(t *testing.T) {
		_, err := s.FailJob(ctx, job.ID, &model.JobError{Message: "boom", Category: model.ErrorCategoryRetriesExhausted})
		require.NoError(t, err)

		found, err := s.FindByFingerprint(ctx, model.Fingerprint("https://stripe.com"), 24*time.Hour)
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestSQLiteStoreDuplicateFingerprintRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first := newTestJob(t, s, "https://stripe.com")

	dup := &model.Job{
		ID:          uuid.New().String(),
		EntityRef:   "STRIPE.COM/",
		RequesterID: "req-2",
		Fingerprint: model.Fingerprint("STRIPE.COM/"),
	}
	assert.ErrorIs(t, s.CreateJob(ctx, dup), ErrDuplicateJob,
		"equivalent refs share a fingerprint, so only one active job may exist")

	// A terminal job releases the fingerprint for fresh submissions.
	_, err := s.FailJob(ctx, first.ID, &model.JobError{Message: "boom", Category: model.ErrorCategoryRetriesExhausted})
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, dup))
}

func TestSQLiteStoreListJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	newTestJob(t, s, "a.com")
	newTestJob(t, s, "b.com")
	third := newTestJob(t, s, "c.com")
	_, err := s.FailJob(ctx, third.ID, &model.JobError{Message: "x", Category: model.ErrorCategoryValidation})
	require.NoError(t, err)

	all, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := s.ListJobs(ctx, JobFilter{Status: model.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, third.ID, failed[0].ID)

	limited, err := s.ListJobs(ctx, JobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestSQLiteStoreRoutingDecision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := newTestJob(t, s, "apple.com")

	missing, err := s.GetRoutingDecision(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	decision := model.RoutingDecision{
		EntityRef:    "apple.com",
		ChosenSource: model.SourcePublicFilings,
		Reason:       model.RoutingReasonTickerResolved,
		Ticker:       "AAPL",
		Timestamp:    time.Now().UTC(),
	}
	require.NoError(t, s.SaveRoutingDecision(ctx, job.ID, decision))

	got, err := s.GetRoutingDecision(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SourcePublicFilings, got.ChosenSource)
	assert.Equal(t, "AAPL", got.Ticker)

	// Saving again overwrites the audit for the latest attempt.
	decision.ChosenSource = model.SourcePrivateFunding
	decision.Reason = model.RoutingReasonDomainGuard
	require.NoError(t, s.SaveRoutingDecision(ctx, job.ID, decision))

	got, err = s.GetRoutingDecision(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourcePrivateFunding, got.ChosenSource)
}
