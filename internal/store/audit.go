package store

import (
	"context"

	"github.com/fedi3/node/internal/models"
)

// InsertAuditEvent appends an audit_events row.
func (db *DB) InsertAuditEvent(ctx context.Context, ev models.AuditEvent) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audit_events (kind, ts_ms, actor_id, key_id, activity_id, ok, status, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.Kind, ev.TsMs, ev.ActorID, ev.KeyID, ev.ActivityID, ev.OK, ev.Status, ev.Detail)
	return err
}

// PruneAuditEvents deletes audit rows older than cutoffMs.
func (db *DB) PruneAuditEvents(ctx context.Context, cutoffMs int64) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM audit_events WHERE ts_ms < $1`, cutoffMs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertActorMeta records whether a remote actor exposes native P2P endpoints.
func (db *DB) UpsertActorMeta(ctx context.Context, m models.ActorMeta) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO actor_meta (actor_id, is_fedi3, last_seen_ms) VALUES ($1, $2, $3)
		ON CONFLICT (actor_id) DO UPDATE SET is_fedi3 = EXCLUDED.is_fedi3, last_seen_ms = EXCLUDED.last_seen_ms
	`, m.ActorID, m.IsFedi3, m.LastSeenMs)
	return err
}

// IsActorFedi3Peer reports whether actor_meta marks actorID as a native peer.
func (db *DB) IsActorFedi3Peer(ctx context.Context, actorID string) (bool, error) {
	var isFedi3 bool
	err := db.Pool.QueryRow(ctx, `SELECT is_fedi3 FROM actor_meta WHERE actor_id = $1`, actorID).Scan(&isFedi3)
	if err != nil {
		return false, err
	}
	return isFedi3, nil
}

// BlockActor adds actorID to the persistent actor blocklist.
func (db *DB) BlockActor(ctx context.Context, actorID string, reason *string, nowMs int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO actor_blocklist (actor_id, created_at_ms, reason) VALUES ($1, $2, $3)
		ON CONFLICT (actor_id) DO UPDATE SET reason = EXCLUDED.reason
	`, actorID, nowMs, reason)
	return err
}

// UnblockActor removes actorID from the actor blocklist.
func (db *DB) UnblockActor(ctx context.Context, actorID string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM actor_blocklist WHERE actor_id = $1`, actorID)
	return err
}

// IsActorBlocked reports whether actorID is on the persistent blocklist.
func (db *DB) IsActorBlocked(ctx context.Context, actorID string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM actor_blocklist WHERE actor_id = $1)`, actorID).Scan(&exists)
	return exists, err
}
