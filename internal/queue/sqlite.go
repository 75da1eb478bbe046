package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteQueue implements Queue using modernc.org/sqlite.
type SQLiteQueue struct {
	db  *sql.DB
	cfg Config
}

// NewSQLite opens a SQLite queue at the given path and configures WAL mode.
// Passing an existing path shared with the store is supported; the queue
// only touches its own tables.
func NewSQLite(dsn string, cfg Config) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "queue: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "queue: exec %s", pragma)
		}
	}
	return &SQLiteQueue{db: db, cfg: cfg.withDefaults()}, nil
}

const sqliteQueueMigration = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	job_id           TEXT PRIMARY KEY,
	state            TEXT NOT NULL DEFAULT 'ready',
	attempts         INTEGER NOT NULL DEFAULT 0,
	worker_id        TEXT,
	available_at     DATETIME NOT NULL,
	lease_expires_at DATETIME,
	enqueued_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	job_id      TEXT PRIMARY KEY,
	attempts    INTEGER NOT NULL,
	last_error  TEXT NOT NULL,
	enqueued_at DATETIME NOT NULL,
	parked_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_state ON queue_jobs(state, available_at);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_lease ON queue_jobs(lease_expires_at);
`

func (q *SQLiteQueue) Migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, sqliteQueueMigration)
	return eris.Wrap(err, "queue: migrate sqlite")
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, jobID string, availableAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (job_id, state, attempts, available_at, enqueued_at)
		 VALUES (?, 'ready', 0, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		jobID, availableAt.UTC(), time.Now().UTC(),
	)
	return eris.Wrapf(err, "queue: enqueue %s", jobID)
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, workerID string) (*Delivery, error) {
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin dequeue")
	}
	defer tx.Rollback()

	if err := q.releaseExpiredTx(ctx, tx, now); err != nil {
		return nil, err
	}

	var jobID string
	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT job_id, attempts FROM queue_jobs
		 WHERE state = 'ready' AND available_at <= ?
		 ORDER BY enqueued_at ASC LIMIT 1`,
		now,
	).Scan(&jobID, &attempts)
	if err == sql.ErrNoRows {
		if err := tx.Commit(); err != nil {
			return nil, eris.Wrap(err, "queue: commit reclaim")
		}
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: select ready job")
	}

	leaseExpires := now.Add(q.cfg.VisibilityTimeout)
	_, err = tx.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET state = 'leased', attempts = attempts + 1, worker_id = ?, lease_expires_at = ?
		 WHERE job_id = ?`,
		workerID, leaseExpires, jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: lease %s", jobID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "queue: commit dequeue")
	}

	return &Delivery{
		JobID:          jobID,
		Attempt:        attempts + 1,
		WorkerID:       workerID,
		LeaseExpiresAt: leaseExpires,
	}, nil
}

// releaseExpiredTx returns abandoned leases with attempts remaining to
// ready. Leases that expired on the final attempt are left for
// ReclaimExpired, which dead-letters them and reports their ids.
func (q *SQLiteQueue) releaseExpiredTx(ctx context.Context, tx *sql.Tx, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET state = 'ready', worker_id = NULL, lease_expires_at = NULL, available_at = ?
		 WHERE state = 'leased' AND lease_expires_at <= ? AND attempts < ?`,
		now, now, q.cfg.MaxAttempts,
	)
	return eris.Wrap(err, "queue: reclaim expired leases")
}

func (q *SQLiteQueue) ReclaimExpired(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin reclaim")
	}
	defer tx.Rollback()

	if err := q.releaseExpiredTx(ctx, tx, now); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT job_id FROM queue_jobs
		 WHERE state = 'leased' AND lease_expires_at <= ? AND attempts >= ?`,
		now, q.cfg.MaxAttempts,
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
		return nil, eris.Wrap(tx.Commit(), "queue: commit reclaim")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (job_id, attempts, last_error, enqueued_at, parked_at)
		 SELECT job_id, attempts, ?, enqueued_at, ?
		 FROM queue_jobs
		 WHERE state = 'leased' AND lease_expires_at <= ? AND attempts >= ?
		 ON CONFLICT(job_id) DO NOTHING`,
		ReasonLeaseExpired, now, now, q.cfg.MaxAttempts,
	); err != nil {
		return nil, eris.Wrap(err, "queue: dead-letter expired leases")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_jobs
		 WHERE state = 'leased' AND lease_expires_at <= ? AND attempts >= ?`,
		now, q.cfg.MaxAttempts,
	); err != nil {
		return nil, eris.Wrap(err, "queue: remove dead-lettered jobs")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "queue: commit reclaim")
	}
	return expired, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE job_id = ? AND state = 'leased'`,
		jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "queue: ack rows affected")
	}
	if n == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (q *SQLiteQueue) Nack(ctx context.Context, jobID string, reason string) (bool, error) {
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "queue: begin nack")
	}
	defer tx.Rollback()

	var attempts int
	var enqueuedAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, enqueued_at FROM queue_jobs WHERE job_id = ? AND state = 'leased'`,
		jobID,
	).Scan(&attempts, &enqueuedAt)
	if err == sql.ErrNoRows {
		return false, ErrLeaseExpired
	}
	if err != nil {
		return false, eris.Wrapf(err, "queue: select nack %s", jobID)
	}

	if attempts >= q.cfg.MaxAttempts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letters (job_id, attempts, last_error, enqueued_at, parked_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(job_id) DO NOTHING`,
			jobID, attempts, reason, enqueuedAt, now,
		); err != nil {
			return false, eris.Wrapf(err, "queue: dead-letter %s", jobID)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_jobs WHERE job_id = ?`, jobID,
		); err != nil {
			return false, eris.Wrapf(err, "queue: remove dead-lettered %s", jobID)
		}
		if err := tx.Commit(); err != nil {
			return false, eris.Wrap(err, "queue: commit dead-letter")
		}
		return true, nil
	}

	availableAt := now.Add(q.cfg.redeliveryDelay(attempts))
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET state = 'ready', worker_id = NULL, lease_expires_at = NULL, available_at = ?
		 WHERE job_id = ?`,
		availableAt, jobID,
	); err != nil {
		return false, eris.Wrapf(err, "queue: release %s", jobID)
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "queue: commit nack")
	}
	return false, nil
}

func (q *SQLiteQueue) ExtendLease(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET lease_expires_at = ?
		 WHERE job_id = ? AND state = 'leased' AND lease_expires_at > ?`,
		now.Add(q.cfg.VisibilityTimeout), jobID, now,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: extend lease %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "queue: extend lease rows affected")
	}
	if n == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (q *SQLiteQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT job_id, attempts, last_error, enqueued_at, parked_at
		 FROM dead_letters ORDER BY parked_at DESC LIMIT ?`,
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

func (q *SQLiteQueue) Requeue(ctx context.Context, jobID string) error {
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "queue: begin requeue")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE job_id = ?`, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: remove dead letter %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "queue: requeue rows affected")
	}
	if n == 0 {
		return eris.Errorf("queue: dead letter not found: %s", jobID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_jobs (job_id, state, attempts, available_at, enqueued_at)
		 VALUES (?, 'ready', 0, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		jobID, now, now,
	); err != nil {
		return eris.Wrapf(err, "queue: requeue %s", jobID)
	}
	return eris.Wrap(tx.Commit(), "queue: commit requeue")
}

func (q *SQLiteQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM queue_jobs WHERE state = 'ready'),
			(SELECT COUNT(*) FROM queue_jobs WHERE state = 'leased'),
			(SELECT COUNT(*) FROM dead_letters)`,
	).Scan(&s.Ready, &s.Leased, &s.Dead)
	return s, eris.Wrap(err, "queue: stats")
}
