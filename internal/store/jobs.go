package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// JobStatus is the state of a queued job.
type JobStatus string

const (
	JobWaiting JobStatus = "waiting"
	JobActive  JobStatus = "active"
	JobFailed  JobStatus = "failed"
)

// Job represents a row in the jobs table.
type Job struct {
	ID          string
	Kind        string
	Key         string // empty means no de-duplication
	Payload     []byte
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RepeatEvery time.Duration
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
}

// InsertJob adds a waiting job. When another job already holds j.Key the
// insert is skipped and the id of the existing job is returned with
// inserted=false.
func (db *DB) InsertJob(ctx context.Context, j *Job) (id string, inserted bool, err error) {
	now := time.Now()
	var key sql.NullString
	if j.Key != "" {
		key = sql.NullString{String: j.Key, Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, job_key, payload, status, attempts, max_attempts, repeat_every_ms, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'waiting', 0, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		j.ID, j.Kind, key, string(j.Payload), j.MaxAttempts, j.RepeatEvery.Milliseconds(),
		toMillis(j.RunAt), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return j.ID, true, nil
	}
	if !key.Valid {
		return j.ID, false, nil
	}
	err = db.QueryRowContext(ctx, `SELECT id FROM jobs WHERE job_key = ?`, key).Scan(&id)
	return id, false, err
}

// ClaimJob atomically takes the oldest due waiting job of kind and marks it
// active. Returns nil when nothing is due.
func (db *DB) ClaimJob(ctx context.Context, kind string, now time.Time) (*Job, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'active', attempts = attempts + 1, locked_at = ?, updated_at = ?
		WHERE seq = (
			SELECT seq FROM jobs
			WHERE kind = ? AND status = 'waiting' AND run_at <= ?
			ORDER BY run_at, seq LIMIT 1
		)
		RETURNING `+jobColumns,
		now.UnixMilli(), now.UnixMilli(), kind, now.UnixMilli())
	return scanJob(row)
}

// CompleteJob removes a finished job.
func (db *DB) CompleteJob(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// RescheduleJob puts a repeating job back to waiting with a fresh attempt budget.
func (db *DB) RescheduleJob(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return db.execOne(ctx, `
		UPDATE jobs SET status = 'waiting', attempts = 0, run_at = ?, locked_at = 0, last_error = ?, updated_at = ?
		WHERE id = ?`, toMillis(runAt), lastErr, time.Now().UnixMilli(), id)
}

// RetryJob puts a failed attempt back to waiting until runAt.
func (db *DB) RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return db.execOne(ctx, `
		UPDATE jobs SET status = 'waiting', run_at = ?, locked_at = 0, last_error = ?, updated_at = ?
		WHERE id = ?`, toMillis(runAt), lastErr, time.Now().UnixMilli(), id)
}

// FailJob marks a job as permanently failed. Its key is released so the same
// work can be enqueued again.
func (db *DB) FailJob(ctx context.Context, id string, lastErr string) error {
	return db.execOne(ctx, `
		UPDATE jobs SET status = 'failed', job_key = NULL, locked_at = 0, last_error = ?, updated_at = ?
		WHERE id = ?`, lastErr, time.Now().UnixMilli(), id)
}

// ReleaseJob returns a claimed job that never ran to waiting without
// charging the attempt.
func (db *DB) ReleaseJob(ctx context.Context, id string) error {
	return db.execOne(ctx, `
		UPDATE jobs SET status = 'waiting', attempts = MAX(attempts - 1, 0), locked_at = 0, updated_at = ?
		WHERE id = ? AND status = 'active'`, time.Now().UnixMilli(), id)
}

// RequeueActiveJobs returns jobs left active by a dead process to waiting.
func (db *DB) RequeueActiveJobs(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = 'waiting', locked_at = 0, updated_at = ?
		WHERE status = 'active'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteWaitingJobs drops every waiting job of kind.
func (db *DB) DeleteWaitingJobs(ctx context.Context, kind string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM jobs WHERE kind = ? AND status = 'waiting'`, kind)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetJob returns a job by id, or nil if it does not exist.
func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// CountJobs returns the number of jobs per kind and status.
func (db *DB) CountJobs(ctx context.Context) (map[string]map[JobStatus]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT kind, status, COUNT(*) FROM jobs GROUP BY kind, status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]map[JobStatus]int64{}
	for rows.Next() {
		var (
			kind, status string
			n            int64
		)
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, err
		}
		if counts[kind] == nil {
			counts[kind] = map[JobStatus]int64{}
		}
		counts[kind][JobStatus(status)] = n
	}
	return counts, rows.Err()
}

const jobColumns = `id, kind, job_key, payload, status, attempts, max_attempts, repeat_every_ms, run_at, last_error, created_at`

func scanJob(row *sql.Row) (*Job, error) {
	var (
		j                      Job
		key                    sql.NullString
		payload, status        string
		repeatMs, runAt, since int64
	)
	err := row.Scan(&j.ID, &j.Kind, &key, &payload, &status, &j.Attempts, &j.MaxAttempts, &repeatMs, &runAt, &j.LastError, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Key = key.String
	j.Payload = []byte(payload)
	j.Status = JobStatus(status)
	j.RepeatEvery = time.Duration(repeatMs) * time.Millisecond
	j.RunAt = fromMillis(runAt)
	j.CreatedAt = fromMillis(since)
	return &j, nil
}
