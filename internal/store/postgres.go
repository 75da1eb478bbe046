package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/krawlr/intel-engine/internal/db"
	"github.com/krawlr/intel-engine/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore backed by a shared connection pool.
func NewPostgres(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	entity_ref       TEXT NOT NULL,
	requester_id     TEXT NOT NULL,
	callback_url     TEXT,
	status           TEXT NOT NULL DEFAULT 'pending',
	stage            TEXT,
	progress         INTEGER NOT NULL DEFAULT 0,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	fingerprint      TEXT NOT NULL,
	result           JSONB,
	error            JSONB,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS routing_decisions (
	job_id     TEXT PRIMARY KEY REFERENCES jobs(id),
	decision   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(fingerprint, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_requester ON jobs(requester_id);

-- At most one non-terminal job per fingerprint, so concurrent duplicate
-- submissions collapse onto one pipeline run.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_fingerprint_active ON jobs(fingerprint)
	WHERE fingerprint <> '' AND status NOT IN ('completed', 'failed', 'cancelled');
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, entity_ref, requester_id, callback_url, status, fingerprint, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.EntityRef, job.RequesterID, job.CallbackURL,
		string(job.Status), job.Fingerprint, now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "idx_jobs_fingerprint_active" {
			return ErrDuplicateJob
		}
		return eris.Wrapf(err, "postgres: insert job %s", job.ID)
	}
	return nil
}

const pgJobSelect = `SELECT id, entity_ref, requester_id, callback_url, status, stage, progress,
	attempt_count, fingerprint, error, created_at, updated_at FROM jobs`

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, pgJobSelect+` WHERE id = $1`, jobID)
	return scanPgJob(row)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := pgJobSelect + ` WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $1`
	}
	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		query += ` AND requester_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin status update")
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: select status %s", jobID)
	}

	cur := model.JobStatus(current)
	if cur.Terminal() {
		return ErrFinalized
	}
	if !cur.CanTransition(status) {
		return eris.Errorf("postgres: invalid transition %s -> %s for job %s", cur, status, jobID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), jobID,
	); err != nil {
		return eris.Wrapf(err, "postgres: update status %s", jobID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit status update")
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, jobID string, stage string, progress int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET stage = $1, progress = $2, updated_at = now()
		 WHERE id = $3 AND progress <= $2 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		stage, progress, jobID,
	)
	return eris.Wrapf(err, "postgres: update progress %s", jobID)
}

func (s *PostgresStore) StartAttempt(ctx context.Context, jobID string, attempt int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin attempt")
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: select status %s", jobID)
	}
	if model.JobStatus(current).Terminal() {
		return ErrFinalized
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $1, attempt_count = $2, stage = NULL, progress = 0, updated_at = now()
		 WHERE id = $3`,
		string(model.JobStatusProcessing), attempt, jobID,
	); err != nil {
		return eris.Wrapf(err, "postgres: start attempt %s", jobID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit attempt")
}

func (s *PostgresStore) SetResult(ctx context.Context, jobID string, record *model.UnifiedRecord) (bool, error) {
	resultJSON, err := json.Marshal(record)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, result = $2, stage = 'done', progress = 100, updated_at = now()
		 WHERE id = $3 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(model.JobStatusCompleted), resultJSON, jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set result %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, jobErr *model.JobError) (bool, error) {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal job error")
	}

	status := model.JobStatusFailed
	if jobErr != nil && jobErr.Category == model.ErrorCategoryCancelled {
		status = model.JobStatusCancelled
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, updated_at = now()
		 WHERE id = $3 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), errJSON, jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetForRetry backs the operator requeue command: it is the only write
// allowed to leave a terminal state.
func (s *PostgresStore) ResetForRetry(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, stage = NULL, progress = 0, error = NULL,
		 cancel_requested = FALSE, updated_at = now() WHERE id = $2`,
		string(model.JobStatusPending), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: request cancel %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := s.pool.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id = $1`, jobID).Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		return ErrFinalized
	}
	return nil
}

func (s *PostgresStore) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, jobID,
	).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel flag %s", jobID)
	}
	return flag, nil
}

func (s *PostgresStore) FindByFingerprint(ctx context.Context, fingerprint string, window time.Duration) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		pgJobSelect+` WHERE fingerprint = $1 AND created_at > now() - $2::interval
		 AND status NOT IN ('failed', 'cancelled')
		 ORDER BY created_at DESC LIMIT 1`,
		fingerprint, window.String(),
	)
	j, err := scanPgJob(row)
	if eris.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	return j, err
}

func (s *PostgresStore) GetResult(ctx context.Context, jobID string) (*model.UnifiedRecord, error) {
	var status string
	var resultJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT status, result FROM jobs WHERE id = $1`, jobID,
	).Scan(&status, &resultJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get result %s", jobID)
	}

	if model.JobStatus(status) != model.JobStatusCompleted || resultJSON == nil {
		return nil, &NotReadyError{JobID: jobID, Status: model.JobStatus(status)}
	}

	var record model.UnifiedRecord
	if err := json.Unmarshal(resultJSON, &record); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &record, nil
}

func (s *PostgresStore) SaveRoutingDecision(ctx context.Context, jobID string, decision model.RoutingDecision) error {
	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal routing decision")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO routing_decisions (job_id, decision, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (job_id) DO UPDATE SET decision = EXCLUDED.decision, created_at = EXCLUDED.created_at`,
		jobID, decisionJSON,
	)
	return eris.Wrapf(err, "postgres: save routing decision %s", jobID)
}

func (s *PostgresStore) GetRoutingDecision(ctx context.Context, jobID string) (*model.RoutingDecision, error) {
	var decisionJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT decision FROM routing_decisions WHERE job_id = $1`, jobID,
	).Scan(&decisionJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get routing decision %s", jobID)
	}
	var decision model.RoutingDecision
	if err := json.Unmarshal(decisionJSON, &decision); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal routing decision")
	}
	return &decision, nil
}

// helpers

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var callbackURL, stage sql.NullString
	var errJSON []byte

	err := row.Scan(&j.ID, &j.EntityRef, &j.RequesterID, &callbackURL, &j.Status, &stage,
		&j.Progress, &j.AttemptCount, &j.Fingerprint, &errJSON, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	j.CallbackURL = callbackURL.String
	j.Stage = stage.String
	if errJSON != nil {
		j.Error = &model.JobError{}
		if err := json.Unmarshal(errJSON, j.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job error")
		}
	}
	return &j, nil
}
