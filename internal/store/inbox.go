package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fedi3/node/internal/models"
)

// MarkInboxSeen performs a transactional compare-and-set insert into
// inbox_seen. It returns (true, nil) the first time dedupID is seen and
// (false, nil) on a duplicate.
func (db *DB) MarkInboxSeen(ctx context.Context, dedupID string, nowMs int64) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO inbox_seen (activity_id, seen_at_ms) VALUES ($1, $2)
		ON CONFLICT (activity_id) DO NOTHING
	`, dedupID, nowMs)
	if err != nil {
		return false, fmt.Errorf("marking inbox seen: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertInboxItem persists the raw inbound activity alongside its dedup id.
func (db *DB) InsertInboxItem(ctx context.Context, rec models.InboxRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO inbox_items (activity_id, created_at_ms, actor_id, type, activity_json)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (activity_id) DO NOTHING
	`, rec.ActivityID, rec.CreatedAtMs, rec.ActorID, rec.Type, rec.ActivityJSON)
	return err
}

// InsertInboxFollow records the Follow activity id -> follower actor mapping
// so a later Accept can be correlated.
func (db *DB) InsertInboxFollow(ctx context.Context, activityID, actorID string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO inbox_follows (activity_id, actor_id) VALUES ($1, $2)
		ON CONFLICT (activity_id) DO UPDATE SET actor_id = EXCLUDED.actor_id
	`, activityID, actorID)
	return err
}

// LookupInboxFollowActor resolves the follower actor that issued a Follow
// with the given activity id.
func (db *DB) LookupInboxFollowActor(ctx context.Context, activityID string) (string, error) {
	var actorID string
	err := db.Pool.QueryRow(ctx, `SELECT actor_id FROM inbox_follows WHERE activity_id = $1`, activityID).Scan(&actorID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return actorID, nil
}

// UpsertFollowing inserts or updates an outbound follow relation's state.
func (db *DB) UpsertFollowing(ctx context.Context, actorID string, state models.FollowState, nowMs int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO following (actor_id, state, created_at_ms) VALUES ($1, $2, $3)
		ON CONFLICT (actor_id) DO UPDATE SET state = EXCLUDED.state
	`, actorID, state, nowMs)
	return err
}

// PromoteFollowing moves a pending following relation to Accepted.
func (db *DB) PromoteFollowing(ctx context.Context, actorID string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE following SET state = 'accepted' WHERE actor_id = $1`, actorID)
	return err
}

// AddFollower inserts a follower relation.
func (db *DB) AddFollower(ctx context.Context, actorID string, nowMs int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO followers (actor_id, created_at_ms) VALUES ($1, $2)
		ON CONFLICT (actor_id) DO NOTHING
	`, actorID, nowMs)
	return err
}

// RemoveFollower deletes a follower relation (Undo Follow from the remote side).
func (db *DB) RemoveFollower(ctx context.Context, actorID string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM followers WHERE actor_id = $1`, actorID)
	return err
}

// RemoveFollowing cancels a pending or accepted outbound follow.
func (db *DB) RemoveFollowing(ctx context.Context, actorID string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM following WHERE actor_id = $1`, actorID)
	return err
}

// ListFollowers returns all follower actor URLs.
func (db *DB) ListFollowers(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT actor_id FROM followers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// IsFollowing reports whether actorID is an accepted outbound follow.
func (db *DB) IsFollowing(ctx context.Context, actorID string) (bool, error) {
	var state string
	err := db.Pool.QueryRow(ctx, `SELECT state FROM following WHERE actor_id = $1`, actorID).Scan(&state)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return state == string(models.FollowAccepted), nil
}

// InsertOutboxItem appends a locally authored activity.
func (db *DB) InsertOutboxItem(ctx context.Context, id string, activity json.RawMessage, nowMs int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO outbox_items (id, created_at_ms, activity_json) VALUES ($1, $2, $3)
	`, id, nowMs, activity)
	return err
}

// InsertFeedItem inserts into either global_feed or federated_feed.
func (db *DB) InsertFeedItem(ctx context.Context, table string, item models.FeedItem) error {
	if table != "global_feed" && table != "federated_feed" {
		return fmt.Errorf("invalid feed table %q", table)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (activity_id, created_at_ms, actor_id, size_bytes, last_access_ms, activity_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (activity_id) DO NOTHING
	`, table)
	_, err := db.Pool.Exec(ctx, query, item.ActivityID, item.CreatedAtMs, item.ActorID, item.SizeBytes, item.LastAccessMs, item.ActivityJSON)
	return err
}

// ListOutboxItems returns up to limit locally authored activities, most
// recent first, for GET /users/{u}/outbox.
func (db *DB) ListOutboxItems(ctx context.Context, limit int) ([]models.OutboxRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, created_at_ms, activity_json FROM outbox_items
		ORDER BY created_at_ms DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OutboxRecord
	for rows.Next() {
		var rec models.OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.CreatedAtMs, &rec.ActivityJSON); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListFeedItems returns up to limit items from global_feed or
// federated_feed, most recent first.
func (db *DB) ListFeedItems(ctx context.Context, table string, limit int) ([]models.FeedItem, error) {
	if table != "global_feed" && table != "federated_feed" {
		return nil, fmt.Errorf("invalid feed table %q", table)
	}
	query := fmt.Sprintf(`
		SELECT activity_id, created_at_ms, actor_id, size_bytes, last_access_ms, activity_json
		FROM %s ORDER BY created_at_ms DESC LIMIT $1
	`, table)
	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FeedItem
	for rows.Next() {
		var item models.FeedItem
		if err := rows.Scan(&item.ActivityID, &item.CreatedAtMs, &item.ActorID, &item.SizeBytes, &item.LastAccessMs, &item.ActivityJSON); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListOutboxItemsSince returns up to limit locally authored activities
// created after sinceMs, oldest first, for a sync worker's cursor-based
// pull (device sync, native sync outbox).
func (db *DB) ListOutboxItemsSince(ctx context.Context, sinceMs int64, limit int) ([]models.OutboxRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, created_at_ms, activity_json FROM outbox_items
		WHERE created_at_ms > $1 ORDER BY created_at_ms ASC LIMIT $2
	`, sinceMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OutboxRecord
	for rows.Next() {
		var rec models.OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.CreatedAtMs, &rec.ActivityJSON); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListFeedItemsSince returns up to limit items from global_feed or
// federated_feed created after sinceMs, oldest first.
func (db *DB) ListFeedItemsSince(ctx context.Context, table string, sinceMs int64, limit int) ([]models.FeedItem, error) {
	if table != "global_feed" && table != "federated_feed" {
		return nil, fmt.Errorf("invalid feed table %q", table)
	}
	query := fmt.Sprintf(`
		SELECT activity_id, created_at_ms, actor_id, size_bytes, last_access_ms, activity_json
		FROM %s WHERE created_at_ms > $1 ORDER BY created_at_ms ASC LIMIT $2
	`, table)
	rows, err := db.Pool.Query(ctx, query, sinceMs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FeedItem
	for rows.Next() {
		var item models.FeedItem
		if err := rows.Scan(&item.ActivityID, &item.CreatedAtMs, &item.ActorID, &item.SizeBytes, &item.LastAccessMs, &item.ActivityJSON); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ListFollowing returns all outbound follow relations, in either state.
func (db *DB) ListFollowing(ctx context.Context) ([]models.Following, error) {
	rows, err := db.Pool.Query(ctx, `SELECT actor_id, state, created_at_ms FROM following`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Following
	for rows.Next() {
		var f models.Following
		if err := rows.Scan(&f.ActorID, &f.State, &f.CreatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
