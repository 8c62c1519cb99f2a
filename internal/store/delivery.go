package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fedi3/node/internal/models"
)

// ActivityIDOf extracts the activity's "id" field, falling back to a stable
// urn:sha256 digest of the canonical bytes when absent.
func ActivityIDOf(activity json.RawMessage) string {
	var withID struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(activity, &withID); err == nil && withID.ID != "" {
		return withID.ID
	}
	sum := sha256.Sum256(activity)
	return "urn:sha256:" + hex.EncodeToString(sum[:])
}

// EnqueueDelivery inserts one pending job per target, deriving the activity
// id when absent. It is idempotent on (activity_id, target): a conflicting
// insert is a silent no-op.
func (db *DB) EnqueueDelivery(ctx context.Context, jobIDFunc func() string, activity json.RawMessage, targets []string, keyID *string, nowMs int64) error {
	activityID := ActivityIDOf(activity)
	for _, target := range targets {
		_, err := db.Pool.Exec(ctx, `
			INSERT INTO delivery_jobs (id, created_at_ms, next_attempt_at_ms, attempt, status, target, activity_json, key_id, activity_id)
			VALUES ($1, $2, $2, 0, 'pending', $3, $4, $5, $6)
			ON CONFLICT (activity_id, target) DO NOTHING
		`, jobIDFunc(), nowMs, target, activity, keyID, activityID)
		if err != nil {
			return fmt.Errorf("enqueueing delivery for target %s: %w", target, err)
		}
	}
	return nil
}

// DueDeliveryJobs fetches up to limit jobs whose status is Pending or
// AwaitingAck and whose next_attempt_at_ms has passed.
func (db *DB) DueDeliveryJobs(ctx context.Context, nowMs int64, limit int) ([]models.DeliveryJob, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, created_at_ms, next_attempt_at_ms, attempt, status, target, activity_json, key_id, activity_id, last_error, await_ack_since_ms
		FROM delivery_jobs
		WHERE status IN ('pending', 'awaiting_ack') AND next_attempt_at_ms <= $1
		ORDER BY next_attempt_at_ms ASC
		LIMIT $2
	`, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due delivery jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.DeliveryJob
	for rows.Next() {
		var j models.DeliveryJob
		if err := rows.Scan(&j.ID, &j.CreatedAtMs, &j.NextAttemptMs, &j.Attempt, &j.Status, &j.Target,
			&j.ActivityJSON, &j.KeyID, &j.ActivityID, &j.LastError, &j.AwaitAckSince); err != nil {
			return nil, fmt.Errorf("scanning delivery job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkDeliveryDelivered transitions a job to Delivered.
func (db *DB) MarkDeliveryDelivered(ctx context.Context, id string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE delivery_jobs SET status = 'delivered' WHERE id = $1`, id)
	return err
}

// MarkDeliveryAwaitingAck transitions a job to AwaitingAck, recording when it
// entered that state.
func (db *DB) MarkDeliveryAwaitingAck(ctx context.Context, id string, nowMs int64) error {
	_, err := db.Pool.Exec(ctx, `UPDATE delivery_jobs SET status = 'awaiting_ack', await_ack_since_ms = $2 WHERE id = $1`, id, nowMs)
	return err
}

// MarkDeliveryDead transitions a job to the terminal Dead state.
func (db *DB) MarkDeliveryDead(ctx context.Context, id string, lastError string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE delivery_jobs SET status = 'dead', last_error = $2 WHERE id = $1`, id, lastError)
	return err
}

// RescheduleDelivery bumps attempt and sets the next retry time, recording
// the error that caused the retry.
func (db *DB) RescheduleDelivery(ctx context.Context, id string, nextAttemptMs int64, lastError string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE delivery_jobs
		SET attempt = attempt + 1, next_attempt_at_ms = $2, last_error = $3
		WHERE id = $1
	`, id, nextAttemptMs, lastError)
	return err
}

// MarkAwaitingAckDeliveredByActivity resolves the open AwaitingAck job whose
// activity id and target match, used by receipt reconciliation.
func (db *DB) MarkAwaitingAckDeliveredByActivity(ctx context.Context, activityID, target string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE delivery_jobs SET status = 'delivered'
		WHERE activity_id = $1 AND target = $2 AND status = 'awaiting_ack'
	`, activityID, target)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListDeadDeliveryJobs returns up to limit jobs in the Dead state, newest first.
func (db *DB) ListDeadDeliveryJobs(ctx context.Context, limit int) ([]models.DeliveryJob, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, created_at_ms, next_attempt_at_ms, attempt, status, target, activity_json, key_id, activity_id, last_error, await_ack_since_ms
		FROM delivery_jobs WHERE status = 'dead' ORDER BY created_at_ms DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.DeliveryJob
	for rows.Next() {
		var j models.DeliveryJob
		if err := rows.Scan(&j.ID, &j.CreatedAtMs, &j.NextAttemptMs, &j.Attempt, &j.Status, &j.Target,
			&j.ActivityJSON, &j.KeyID, &j.ActivityID, &j.LastError, &j.AwaitAckSince); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RequeueDeadJob resets a Dead job back to Pending for immediate retry.
func (db *DB) RequeueDeadJob(ctx context.Context, id string, nowMs int64) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE delivery_jobs SET status = 'pending', attempt = 0, next_attempt_at_ms = $2, last_error = NULL
		WHERE id = $1 AND status = 'dead'
	`, id, nowMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
