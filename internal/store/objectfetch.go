package store

import (
	"context"

	"github.com/fedi3/node/internal/models"
)

// EnqueueObjectFetch schedules an object URL for fetching if not already queued.
func (db *DB) EnqueueObjectFetch(ctx context.Context, objectURL string, nowMs int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO object_fetch_jobs (object_url, created_at_ms, next_attempt_at_ms, attempt, status)
		VALUES ($1, $2, $2, 0, 'pending')
		ON CONFLICT (object_url) DO NOTHING
	`, objectURL, nowMs)
	return err
}

// DueObjectFetchJobs returns up to limit fetch jobs due for processing.
func (db *DB) DueObjectFetchJobs(ctx context.Context, nowMs int64, limit int) ([]ObjectFetchJob, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT object_url, created_at_ms, next_attempt_at_ms, attempt, status, last_error
		FROM object_fetch_jobs WHERE status = 'pending' AND next_attempt_at_ms <= $1
		ORDER BY next_attempt_at_ms ASC LIMIT $2
	`, nowMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []ObjectFetchJob
	for rows.Next() {
		var j ObjectFetchJob
		if err := rows.Scan(&j.ObjectURL, &j.CreatedAtMs, &j.NextAttemptMs, &j.Attempt, &j.Status, &j.LastError); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ObjectFetchJob mirrors one row of object_fetch_jobs.
type ObjectFetchJob struct {
	ObjectURL     string
	CreatedAtMs   int64
	NextAttemptMs int64
	Attempt       int
	Status        models.JobStatus
	LastError     *string
}

// MarkObjectFetchDone marks a job delivered (successfully fetched and stored).
func (db *DB) MarkObjectFetchDone(ctx context.Context, objectURL string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE object_fetch_jobs SET status = 'delivered' WHERE object_url = $1`, objectURL)
	return err
}

// RescheduleObjectFetch bumps attempt and next_attempt_at_ms, or marks Dead
// once attempt reaches maxAttempts.
func (db *DB) RescheduleObjectFetch(ctx context.Context, objectURL string, nextAttemptMs int64, lastError string, attempt, maxAttempts int) error {
	status := "pending"
	if attempt+1 >= maxAttempts {
		status = "dead"
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE object_fetch_jobs SET attempt = attempt + 1, next_attempt_at_ms = $2, last_error = $3, status = $4
		WHERE object_url = $1
	`, objectURL, nextAttemptMs, lastError, status)
	return err
}
