package store

import "context"

// TruncateInboxItems deletes the oldest inbox_items rows beyond maxItems.
func (db *DB) TruncateInboxItems(ctx context.Context, maxItems int) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM inbox_items WHERE activity_id IN (
			SELECT activity_id FROM inbox_items ORDER BY created_at_ms DESC OFFSET $1
		)
	`, maxItems)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneInboxSeen deletes inbox_seen rows older than cutoffMs.
func (db *DB) PruneInboxSeen(ctx context.Context, cutoffMs int64) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM inbox_seen WHERE seen_at_ms < $1`, cutoffMs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PruneFeedTable deletes rows in the named feed table older than cutoffMs,
// then caps the remaining count to maxItems by oldest created_at_ms.
func (db *DB) PruneFeedTable(ctx context.Context, table string, cutoffMs int64, maxItems int) (int64, error) {
	var total int64
	tag, err := db.Pool.Exec(ctx, `DELETE FROM `+table+` WHERE created_at_ms < $1`, cutoffMs)
	if err != nil {
		return 0, err
	}
	total += tag.RowsAffected()

	tag2, err := db.Pool.Exec(ctx, `
		DELETE FROM `+table+` WHERE activity_id IN (
			SELECT activity_id FROM `+table+` ORDER BY created_at_ms DESC OFFSET $1
		)
	`, maxItems)
	if err != nil {
		return total, err
	}
	total += tag2.RowsAffected()
	return total, nil
}

// ObjectQuotaCandidate is an object considered for LRU eviction under a
// per-actor quota.
type ObjectQuotaCandidate struct {
	ObjectID     string
	SizeBytes    int64
	LastAccessMs int64
	UpdatedAtMs  int64
}

// ObjectsForActorOrderedForEviction returns all non-pinned objects for
// actorID ordered oldest-first by (last_access_ms, updated_at_ms), the LRU
// order the GC worker evicts from.
func (db *DB) ObjectsForActorOrderedForEviction(ctx context.Context, actorID string) ([]ObjectQuotaCandidate, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT object_id, size_bytes, last_access_ms, updated_at_ms FROM objects
		WHERE actor_id = $1 AND deleted = FALSE AND pinned = FALSE
		ORDER BY last_access_ms ASC, updated_at_ms ASC
	`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ObjectQuotaCandidate
	for rows.Next() {
		var c ObjectQuotaCandidate
		if err := rows.Scan(&c.ObjectID, &c.SizeBytes, &c.LastAccessMs, &c.UpdatedAtMs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListActorsWithObjects returns distinct non-null actor_ids owning at least
// one non-deleted object (pinned or not), for per-actor quota enforcement.
func (db *DB) ListActorsWithObjects(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `SELECT DISTINCT actor_id FROM objects WHERE actor_id IS NOT NULL AND deleted = FALSE`)
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
