package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, cfg Config) *SQLiteQueue {
	t.Helper()
	q, err := NewSQLite(filepath.Join(t.TempDir(), "queue.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	require.NoError(t, q.Migrate(context.Background()))
	return q
}

func TestSQLiteQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{VisibilityTimeout: time.Minute, MaxAttempts: 5})

	t.Run("dequeue empty returns ErrNoJobs", func(t *testing.T) {
		_, err := q.Dequeue(ctx, "w1")
		assert.ErrorIs(t, err, ErrNoJobs)
	})

	t.Run("enqueue then dequeue leases the job", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))

		d, err := q.Dequeue(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "job-1", d.JobID)
		assert.Equal(t, 1, d.Attempt)
		assert.Equal(t, "w1", d.WorkerID)
		assert.True(t, d.LeaseExpiresAt.After(time.Now()))

		// Leased job is invisible to other workers.
		_, err = q.Dequeue(ctx, "w2")
		assert.ErrorIs(t, err, ErrNoJobs)
	})

	t.Run("duplicate enqueue is a no-op", func(t *testing.T) {
		require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Ready)
		assert.Equal(t, 1, stats.Leased)
	})

	t.Run("ack removes the job", func(t *testing.T) {
		require.NoError(t, q.Ack(ctx, "job-1"))
		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Leased)

		// Second ack has nothing to remove.
		assert.ErrorIs(t, q.Ack(ctx, "job-1"), ErrLeaseExpired)
	})
}

func TestSQLiteQueueFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{VisibilityTimeout: time.Minute, MaxAttempts: 5})

	require.NoError(t, q.Enqueue(ctx, "first", time.Now().Add(-2*time.Second)))
	require.NoError(t, q.Enqueue(ctx, "second", time.Now().Add(-time.Second)))

	d1, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	d2, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "first", d1.JobID)
	assert.Equal(t, "second", d2.JobID)
}

func TestSQLiteQueueFutureAvailability(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{VisibilityTimeout: time.Minute, MaxAttempts: 5})

	require.NoError(t, q.Enqueue(ctx, "later", time.Now().Add(time.Hour)))
	_, err := q.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestSQLiteQueueNackBackoff(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       5,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        20 * time.Millisecond,
	})

	require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))
	_, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	dead, err := q.Nack(ctx, "job-1", "upstream unavailable")
	require.NoError(t, err)
	assert.False(t, dead)

	// Redelivery is delayed by backoff.
	_, err = q.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoJobs)

	time.Sleep(100 * time.Millisecond)
	d, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", d.JobID)
	assert.Equal(t, 2, d.Attempt)
}

func TestSQLiteQueueDeadLetterAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffCap:        time.Millisecond,
	})

	require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))

	_, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	dead, err := q.Nack(ctx, "job-1", "first failure")
	require.NoError(t, err)
	assert.False(t, dead)

	time.Sleep(20 * time.Millisecond)
	_, err = q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	dead, err = q.Nack(ctx, "job-1", "second failure")
	require.NoError(t, err)
	assert.True(t, dead)

	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "job-1", letters[0].JobID)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Equal(t, "second failure", letters[0].LastError)

	// Dead-lettered jobs are never redelivered.
	_, err = q.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoJobs)
}

func TestSQLiteQueueRequeueDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       1,
		BackoffBase:       time.Millisecond,
	})

	require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))
	_, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	dead, err := q.Nack(ctx, "job-1", "boom")
	require.NoError(t, err)
	require.True(t, dead)

	require.NoError(t, q.Requeue(ctx, "job-1"))

	d, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", d.JobID)
	assert.Equal(t, 1, d.Attempt, "requeue resets the attempt budget")

	assert.Error(t, q.Requeue(ctx, "missing"))
}

func TestSQLiteQueueLeaseExpiryRedelivers(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{VisibilityTimeout: 30 * time.Millisecond, MaxAttempts: 5})

	require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))
	d1, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, d1.Attempt)

	time.Sleep(60 * time.Millisecond)

	d2, err := q.Dequeue(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, "job-1", d2.JobID)
	assert.Equal(t, 2, d2.Attempt, "redelivery counts as a new attempt")

	// The job is leased again, so extension succeeds for the new holder.
	assert.NoError(t, q.ExtendLease(ctx, d2.JobID))
}

func TestSQLiteQueueExpiredFinalAttemptDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{VisibilityTimeout: 20 * time.Millisecond, MaxAttempts: 1})

	require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))
	_, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	// Dequeue alone never dead-letters; the expired final attempt waits
	// for the sweep so its record can be finalized by the caller.
	_, err = q.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoJobs)
	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)

	expired, err := q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, expired)

	letters, err = q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, ReasonLeaseExpired, letters[0].LastError)

	// A second sweep has nothing left to report.
	expired, err = q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestSQLiteQueueExtendLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{VisibilityTimeout: 50 * time.Millisecond, MaxAttempts: 5})

	require.NoError(t, q.Enqueue(ctx, "job-1", time.Now()))
	_, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	// Heartbeats keep the lease alive past the original timeout.
	for i := 0; i < 3; i++ {
		time.Sleep(25 * time.Millisecond)
		require.NoError(t, q.ExtendLease(ctx, "job-1"))
	}

	_, err = q.Dequeue(ctx, "w2")
	assert.ErrorIs(t, err, ErrNoJobs, "lease still held")

	time.Sleep(80 * time.Millisecond)
	assert.ErrorIs(t, q.ExtendLease(ctx, "job-1"), ErrLeaseExpired)
}

func TestSQLiteQueueStats(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, Config{VisibilityTimeout: time.Minute, MaxAttempts: 1})

	require.NoError(t, q.Enqueue(ctx, "a", time.Now()))
	require.NoError(t, q.Enqueue(ctx, "b", time.Now()))
	require.NoError(t, q.Enqueue(ctx, "c", time.Now()))

	_, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 2, Leased: 1, Dead: 0}, stats)
}
