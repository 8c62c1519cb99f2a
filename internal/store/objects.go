package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/fedi3/node/internal/models"
)

// Attachment describes one attachment row for an object.
type Attachment struct {
	URL       string
	MediaType string
	SizeBytes int64
}

// UpsertObjectWithActor creates or updates a stored object. actor_id is
// taken from obj.ActorID as given on insert and left unchanged on update.
// A non-empty attachments or tags list replaces the stored one; an empty
// list leaves the stored rows as they are.
func (db *DB) UpsertObjectWithActor(ctx context.Context, obj models.Object, attachments []Attachment, tags []string, nowMs int64) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO objects (object_id, created_at_ms, updated_at_ms, deleted, object_json, actor_id, pinned, size_bytes, last_access_ms)
		VALUES ($1, $2, $2, FALSE, $3, $4, FALSE, $5, $2)
		ON CONFLICT (object_id) DO UPDATE SET
			updated_at_ms = EXCLUDED.updated_at_ms,
			object_json = EXCLUDED.object_json,
			size_bytes = EXCLUDED.size_bytes
	`, obj.ObjectID, nowMs, obj.ObjectJSON, obj.ActorID, obj.SizeBytes)
	if err != nil {
		return err
	}

	if len(attachments) > 0 {
		_, err = tx.Exec(ctx, `DELETE FROM object_attachments WHERE object_id = $1`, obj.ObjectID)
		if err != nil {
			return err
		}
		for _, a := range attachments {
			_, err = tx.Exec(ctx, `
				INSERT INTO object_attachments (object_id, url, media_type, size_bytes) VALUES ($1, $2, $3, $4)
			`, obj.ObjectID, a.URL, a.MediaType, a.SizeBytes)
			if err != nil {
				return err
			}
		}
	}

	if len(tags) > 0 {
		_, err = tx.Exec(ctx, `DELETE FROM object_tags WHERE object_id = $1`, obj.ObjectID)
		if err != nil {
			return err
		}
		for _, tg := range tags {
			_, err = tx.Exec(ctx, `INSERT INTO object_tags (object_id, tag) VALUES ($1, $2)`, obj.ObjectID, tg)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

// GetObject fetches an object by id, or pgx.ErrNoRows if absent.
func (db *DB) GetObject(ctx context.Context, objectID string) (models.Object, error) {
	var o models.Object
	err := db.Pool.QueryRow(ctx, `
		SELECT object_id, created_at_ms, updated_at_ms, deleted, object_json, actor_id, pinned, size_bytes, last_access_ms
		FROM objects WHERE object_id = $1
	`, objectID).Scan(&o.ObjectID, &o.CreatedAtMs, &o.UpdatedAtMs, &o.Deleted, &o.ObjectJSON, &o.ActorID, &o.Pinned, &o.SizeBytes, &o.LastAccessMs)
	return o, err
}

// TouchObjectAccess bumps last_access_ms, used by the GC worker's LRU policy.
func (db *DB) TouchObjectAccess(ctx context.Context, objectID string, nowMs int64) error {
	_, err := db.Pool.Exec(ctx, `UPDATE objects SET last_access_ms = $2 WHERE object_id = $1`, objectID, nowMs)
	return err
}

// DeleteObjectCascade marks an object deleted and removes its attachments
// and tags, leaving a tombstone row behind.
func (db *DB) DeleteObjectCascade(ctx context.Context, objectID string, nowMs int64) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM object_attachments WHERE object_id = $1`, objectID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM object_tags WHERE object_id = $1`, objectID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE objects SET deleted = TRUE, updated_at_ms = $2, object_json = $3 WHERE object_id = $1
	`, objectID, nowMs, json.RawMessage(`{"type":"Tombstone"}`)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertReaction records a Like/EmojiReact keyed by (actor, object, type, content).
func (db *DB) UpsertReaction(ctx context.Context, actorID, objectID, typ string, content *string, nowMs int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO reactions (actor_id, object_id, type, content, created_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id, object_id, type, content) DO NOTHING
	`, actorID, objectID, typ, content, nowMs)
	return err
}

// InsertNoteReply records a reply-to edge for thread assembly.
func (db *DB) InsertNoteReply(ctx context.Context, objectID, inReplyTo string) error {
	_, err := db.Pool.Exec(ctx, `INSERT INTO note_replies (object_id, in_reply_to) VALUES ($1, $2)`, objectID, inReplyTo)
	return err
}

// SetObjectSensitivity upserts sensitivity metadata for an object.
func (db *DB) SetObjectSensitivity(ctx context.Context, objectID string, sensitive bool, summary *string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO object_sensitivity (object_id, sensitive, summary) VALUES ($1, $2, $3)
		ON CONFLICT (object_id) DO UPDATE SET sensitive = EXCLUDED.sensitive, summary = EXCLUDED.summary
	`, objectID, sensitive, summary)
	return err
}

// ErrNoRows re-exports pgx.ErrNoRows so callers don't need to import pgx
// directly just to compare sentinel errors.
var ErrNoRows = pgx.ErrNoRows
