package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/krawlr/intel-engine/internal/db"
)

// PostgresQueue implements Queue using pgxpool. Dequeue relies on
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on the same
// row.
type PostgresQueue struct {
	pool    db.Pool
	cfg     Config
	closeFn func()
}

// NewPostgres creates a PostgresQueue backed by a shared connection pool.
func NewPostgres(pool db.Pool, cfg Config) *PostgresQueue {
	return &PostgresQueue{pool: pool, cfg: cfg.withDefaults()}
}

const postgresQueueMigration = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	job_id           TEXT PRIMARY KEY,
	state            TEXT NOT NULL DEFAULT 'ready',
	attempts         INTEGER NOT NULL DEFAULT 0,
	worker_id        TEXT,
	available_at     TIMESTAMPTZ NOT NULL,
	lease_expires_at TIMESTAMPTZ,
	enqueued_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	job_id      TEXT PRIMARY KEY,
	attempts    INTEGER NOT NULL,
	last_error  TEXT NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	parked_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_state ON queue_jobs(state, available_at);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_lease ON queue_jobs(lease_expires_at);
`

func (q *PostgresQueue) Migrate(ctx context.Context) error {
	_, err := q.pool.Exec(ctx, postgresQueueMigration)
	return eris.Wrap(err, "queue: migrate postgres")
}

func (q *PostgresQueue) Close() error {
	if q.closeFn != nil {
		q.closeFn()
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, jobID string, availableAt time.Time) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO queue_jobs (job_id, state, attempts, available_at, enqueued_at)
		 VALUES ($1, 'ready', 0, $2, now())
		 ON CONFLICT (job_id) DO NOTHING`,
		jobID, availableAt.UTC(),
	)
	return eris.Wrapf(err, "queue: enqueue %s", jobID)
}

func (q *PostgresQueue) Dequeue(ctx context.Context, workerID string) (*Delivery, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin dequeue")
	}
	defer tx.Rollback(ctx)

	if err := q.releaseExpiredTx(ctx, tx); err != nil {
		return nil, err
	}

	var d Delivery
	err = tx.QueryRow(ctx,
		`UPDATE queue_jobs
		 SET state = 'leased', attempts = attempts + 1, worker_id = $1,
		     lease_expires_at = now() + $2::interval
		 WHERE job_id = (
			SELECT job_id FROM queue_jobs
			WHERE state = 'ready' AND available_at <= now()
			ORDER BY enqueued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING job_id, attempts, worker_id, lease_expires_at`,
		workerID, q.cfg.VisibilityTimeout.String(),
	).Scan(&d.JobID, &d.Attempt, &d.WorkerID, &d.LeaseExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "queue: commit reclaim")
		}
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: lease job")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: commit dequeue")
	}
	return &d, nil
}

// releaseExpiredTx returns abandoned leases with attempts remaining to
// ready; final-attempt expiries are handled by ReclaimExpired.
func (q *PostgresQueue) releaseExpiredTx(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx,
		`UPDATE queue_jobs
		 SET state = 'ready', worker_id = NULL, lease_expires_at = NULL, available_at = now()
		 WHERE state = 'leased' AND lease_expires_at <= now() AND attempts < $1`,
		q.cfg.MaxAttempts,
	)
	return eris.Wrap(err, "queue: reclaim expired leases")
}

func (q *PostgresQueue) ReclaimExpired(ctx context.Context) ([]string, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin reclaim")
	}
	defer tx.Rollback(ctx)

	if err := q.releaseExpiredTx(ctx, tx); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT job_id FROM queue_jobs
		 WHERE state = 'leased' AND lease_expires_at <= now() AND attempts >= $1
		 FOR UPDATE SKIP LOCKED`,
		q.cfg.MaxAttempts,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: select expired final leases")
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "queue: scan expired lease")
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "queue: iterate expired leases")
	}
	if len(expired) == 0 {
		return nil, eris.Wrap(tx.Commit(ctx), "queue: commit reclaim")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO dead_letters (job_id, attempts, last_error, enqueued_at, parked_at)
		 SELECT job_id, attempts, $1, enqueued_at, now()
		 FROM queue_jobs
		 WHERE job_id = ANY($2)
		 ON CONFLICT (job_id) DO NOTHING`,
		ReasonLeaseExpired, expired,
	); err != nil {
		return nil, eris.Wrap(err, "queue: dead-letter expired leases")
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM queue_jobs WHERE job_id = ANY($1)`,
		expired,
	); err != nil {
		return nil, eris.Wrap(err, "queue: remove dead-lettered jobs")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: commit reclaim")
	}
	return expired, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM queue_jobs WHERE job_id = $1 AND state = 'leased'`,
		jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (q *PostgresQueue) Nack(ctx context.Context, jobID string, reason string) (bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "queue: begin nack")
	}
	defer tx.Rollback(ctx)

	var attempts int
	var enqueuedAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT attempts, enqueued_at FROM queue_jobs
		 WHERE job_id = $1 AND state = 'leased' FOR UPDATE`,
		jobID,
	).Scan(&attempts, &enqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrLeaseExpired
	}
	if err != nil {
		return false, eris.Wrapf(err, "queue: select nack %s", jobID)
	}

	if attempts >= q.cfg.MaxAttempts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO dead_letters (job_id, attempts, last_error, enqueued_at, parked_at)
			 VALUES ($1, $2, $3, $4, now())
			 ON CONFLICT (job_id) DO NOTHING`,
			jobID, attempts, reason, enqueuedAt,
		); err != nil {
			return false, eris.Wrapf(err, "queue: dead-letter %s", jobID)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM queue_jobs WHERE job_id = $1`, jobID,
		); err != nil {
			return false, eris.Wrapf(err, "queue: remove dead-lettered %s", jobID)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, eris.Wrap(err, "queue: commit dead-letter")
		}
		return true, nil
	}

	delay := q.cfg.redeliveryDelay(attempts)
	if _, err := tx.Exec(ctx,
		`UPDATE queue_jobs
		 SET state = 'ready', worker_id = NULL, lease_expires_at = NULL,
		     available_at = now() + $1::interval
		 WHERE job_id = $2`,
		delay.String(), jobID,
	); err != nil {
		return false, eris.Wrapf(err, "queue: release %s", jobID)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "queue: commit nack")
	}
	return false, nil
}

func (q *PostgresQueue) ExtendLease(ctx context.Context, jobID string) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue_jobs SET lease_expires_at = now() + $1::interval
		 WHERE job_id = $2 AND state = 'leased' AND lease_expires_at > now()`,
		q.cfg.VisibilityTimeout.String(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: extend lease %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (q *PostgresQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx,
		`SELECT job_id, attempts, last_error, enqueued_at, parked_at
		 FROM dead_letters ORDER BY parked_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list dead letters")
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.JobID, &dl.Attempts, &dl.LastError, &dl.EnqueuedAt, &dl.ParkedAt); err != nil {
			return nil, eris.Wrap(err, "queue: scan dead letter")
		}
		letters = append(letters, dl)
	}
	return letters, eris.Wrap(rows.Err(), "queue: iterate dead letters")
}

func (q *PostgresQueue) Requeue(ctx context.Context, jobID string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "queue: begin requeue")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM dead_letters WHERE job_id = $1`, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: remove dead letter %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("queue: dead letter not found: %s", jobID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO queue_jobs (job_id, state, attempts, available_at, enqueued_at)
		 VALUES ($1, 'ready', 0, now(), now())
		 ON CONFLICT (job_id) DO NOTHING`,
		jobID,
	); err != nil {
		return eris.Wrapf(err, "queue: requeue %s", jobID)
	}
	return eris.Wrap(tx.Commit(ctx), "queue: commit requeue")
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM queue_jobs WHERE state = 'ready'),
			(SELECT COUNT(*) FROM queue_jobs WHERE state = 'leased'),
			(SELECT COUNT(*) FROM dead_letters)`,
	).Scan(&s.Ready, &s.Leased, &s.Dead)
	return s, eris.Wrap(err, "queue: stats")
}
