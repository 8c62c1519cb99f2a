package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/fedi3/node/internal/models"
)

// SetLocalMeta persists a durable key/value flag (node DID, last DHT
// republish timestamp, mailbox-ack cursor).
func (db *DB) SetLocalMeta(ctx context.Context, key, value string, nowMs int64) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO local_meta (key, value, updated_at_ms) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at_ms = EXCLUDED.updated_at_ms
	`, key, value, nowMs)
	return err
}

// GetLocalMeta reads a durable key/value flag, returning ("", false, nil) if absent.
func (db *DB) GetLocalMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.Pool.QueryRow(ctx, `SELECT value FROM local_meta WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// UpsertMailboxTarget adds or updates a relay peer used for store-and-forward.
func (db *DB) UpsertMailboxTarget(ctx context.Context, t models.MailboxTarget) error {
	addrsJSON, err := json.Marshal(t.Addrs)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO mailbox_targets (peer_id, addrs, base) VALUES ($1, $2, $3)
		ON CONFLICT (peer_id) DO UPDATE SET addrs = EXCLUDED.addrs, base = EXCLUDED.base
	`, t.PeerID, addrsJSON, t.Base)
	return err
}

// ListMailboxTargets returns all configured relay mailbox targets.
func (db *DB) ListMailboxTargets(ctx context.Context) ([]models.MailboxTarget, error) {
	rows, err := db.Pool.Query(ctx, `SELECT peer_id, addrs, base FROM mailbox_targets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.MailboxTarget
	for rows.Next() {
		var t models.MailboxTarget
		var addrsJSON []byte
		if err := rows.Scan(&t.PeerID, &addrsJSON, &t.Base); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(addrsJSON, &t.Addrs); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
