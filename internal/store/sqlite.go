package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/krawlr/intel-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	result           TEXT,
	error            TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS routing_decisions (
	job_id     TEXT PRIMARY KEY REFERENCES jobs(id),
	decision   TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_fingerprint ON jobs(fingerprint, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_requester ON jobs(requester_id);

-- At most one non-terminal job per fingerprint, so concurrent duplicate
-- submissions collapse onto one pipeline run.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_fingerprint_active ON jobs(fingerprint)
	WHERE fingerprint <> '' AND status NOT IN ('completed', 'failed', 'cancelled');
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, entity_ref, requester_id, callback_url, status, fingerprint, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.EntityRef, job.RequesterID, job.CallbackURL,
		string(job.Status), job.Fingerprint, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: jobs.fingerprint") {
			return ErrDuplicateJob
		}
		return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, jobID)
	return scanJob(row)
}

const jobSelect = `SELECT id, entity_ref, requester_id, callback_url, status, stage, progress,
	attempt_count, fingerprint, error, created_at, updated_at FROM jobs`

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := jobSelect + ` WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RequesterID != "" {
		query += ` AND requester_id = ?`
		args = append(args, filter.RequesterID)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin status update")
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: select status %s", jobID)
	}

	cur := model.JobStatus(current)
	if cur.Terminal() {
		return ErrFinalized
	}
	if !cur.CanTransition(status) {
		return eris.Errorf("sqlite: invalid transition %s -> %s for job %s", cur, status, jobID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), jobID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update status %s", jobID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit status update")
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, jobID string, stage string, progress int) error {
	// Progress only moves forward; a stale writer loses silently.
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stage = ?, progress = ?, updated_at = ?
		 WHERE id = ? AND progress <= ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		stage, progress, time.Now().UTC(), jobID, progress,
	)
	return eris.Wrapf(err, "sqlite: update progress %s", jobID)
}

func (s *SQLiteStore) StartAttempt(ctx context.Context, jobID string, attempt int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin attempt")
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: select status %s", jobID)
	}
	if model.JobStatus(current).Terminal() {
		return ErrFinalized
	}

	// Each attempt starts from a clean slate: stage and progress reset.
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempt_count = ?, stage = NULL, progress = 0, updated_at = ?
		 WHERE id = ?`,
		string(model.JobStatusProcessing), attempt, time.Now().UTC(), jobID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: start attempt %s", jobID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit attempt")
}

func (s *SQLiteStore) SetResult(ctx context.Context, jobID string, record *model.UnifiedRecord) (bool, error) {
	resultJSON, err := json.Marshal(record)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, stage = 'done', progress = 100, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(model.JobStatusCompleted), string(resultJSON), time.Now().UTC(), jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: set result %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: set result rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, jobErr *model.JobError) (bool, error) {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal job error")
	}

	status := model.JobStatusFailed
	if jobErr != nil && jobErr.Category == model.ErrorCategoryCancelled {
		status = model.JobStatusCancelled
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), string(errJSON), time.Now().UTC(), jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: fail job rows affected")
	}
	return n > 0, nil
}

// ResetForRetry backs the operator requeue command: it is the only write
// allowed to leave a terminal state.
func (s *SQLiteStore) ResetForRetry(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, stage = NULL, progress = 0, error = NULL,
		 cancel_requested = 0, updated_at = ? WHERE id = ?`,
		string(model.JobStatusPending), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: reset rows affected")
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: request cancel %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: cancel rows affected")
	}
	if n == 0 {
		// Either missing or already terminal; distinguish for callers.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&exists); err == sql.ErrNoRows {
			return ErrJobNotFound
		}
		return ErrFinalized
	}
	return nil
}

func (s *SQLiteStore) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, jobID,
	).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel flag %s", jobID)
	}
	return flag == 1, nil
}

func (s *SQLiteStore) FindByFingerprint(ctx context.Context, fingerprint string, window time.Duration) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		jobSelect+` WHERE fingerprint = ? AND created_at > ?
		 AND status NOT IN ('failed', 'cancelled')
		 ORDER BY created_at DESC LIMIT 1`,
		fingerprint, time.Now().UTC().Add(-window),
	)
	j, err := scanJob(row)
	if eris.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	return j, err
}

func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (*model.UnifiedRecord, error) {
	var status string
	var resultJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT status, result FROM jobs WHERE id = ?`, jobID,
	).Scan(&status, &resultJSON)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get result %s", jobID)
	}

	if model.JobStatus(status) != model.JobStatusCompleted || !resultJSON.Valid {
		return nil, &NotReadyError{JobID: jobID, Status: model.JobStatus(status)}
	}

	var record model.UnifiedRecord
	if err := json.Unmarshal([]byte(resultJSON.String), &record); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &record, nil
}

func (s *SQLiteStore) SaveRoutingDecision(ctx context.Context, jobID string, decision model.RoutingDecision) error {
	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal routing decision")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO routing_decisions (job_id, decision, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET decision = excluded.decision, created_at = excluded.created_at`,
		jobID, string(decisionJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save routing decision %s", jobID)
}

func (s *SQLiteStore) GetRoutingDecision(ctx context.Context, jobID string) (*model.RoutingDecision, error) {
	var decisionJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT decision FROM routing_decisions WHERE job_id = ?`, jobID,
	).Scan(&decisionJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get routing decision %s", jobID)
	}
	var decision model.RoutingDecision
	if err := json.Unmarshal([]byte(decisionJSON), &decision); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal routing decision")
	}
	return &decision, nil
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var callbackURL, stage, errJSON sql.NullString

	err := row.Scan(&j.ID, &j.EntityRef, &j.RequesterID, &callbackURL, &j.Status, &stage,
		&j.Progress, &j.AttemptCount, &j.Fingerprint, &errJSON, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	j.CallbackURL = callbackURL.String
	j.Stage = stage.String
	if errJSON.Valid {
		j.Error = &model.JobError{}
		if err := json.Unmarshal([]byte(errJSON.String), j.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job error")
		}
	}
	return &j, nil
}
