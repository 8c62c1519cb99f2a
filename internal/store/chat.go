package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/fedi3/node/internal/models"
)

// UpsertChatBundle stores or replaces the published bundle for (actor, device).
func (db *DB) UpsertChatBundle(ctx context.Context, b models.ChatBundle) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO chat_bundle (actor, device_id, v, peer_id, did, kem_public, created_at_ms, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (actor, device_id) DO UPDATE SET
			v = EXCLUDED.v, peer_id = EXCLUDED.peer_id, did = EXCLUDED.did,
			kem_public = EXCLUDED.kem_public, created_at_ms = EXCLUDED.created_at_ms, signature = EXCLUDED.signature
	`, b.Actor, b.DeviceID, b.V, b.PeerID, b.DID, b.KEMPublic, b.CreatedAtMs, b.Signature)
	return err
}

// GetChatBundle fetches the identity half of a bundle (without prekeys).
func (db *DB) GetChatBundle(ctx context.Context, actor, deviceID string) (models.ChatBundle, error) {
	var b models.ChatBundle
	err := db.Pool.QueryRow(ctx, `
		SELECT actor, device_id, v, peer_id, did, kem_public, created_at_ms, signature
		FROM chat_bundle WHERE actor = $1 AND device_id = $2
	`, actor, deviceID).Scan(&b.Actor, &b.DeviceID, &b.V, &b.PeerID, &b.DID, &b.KEMPublic, &b.CreatedAtMs, &b.Signature)
	return b, err
}

// InsertChatPrekeys adds fresh one-time prekeys for (actor, device), storing
// the KEM secret server-side for later decapsulation.
func (db *DB) InsertChatPrekeys(ctx context.Context, actor, deviceID string, prekeys []ChatPrekeyInsert) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, pk := range prekeys {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_prekey (id, actor, device_id, kem_public, kem_secret, consumed)
			VALUES ($1, $2, $3, $4, $5, FALSE)
		`, pk.ID, actor, deviceID, pk.KEMPublic, pk.KEMSecret); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ChatPrekeyInsert is the input row for InsertChatPrekeys.
type ChatPrekeyInsert struct {
	ID        string
	KEMPublic string
	KEMSecret []byte
}

// CountUnusedChatPrekeys returns the number of unconsumed prekeys for a device.
func (db *DB) CountUnusedChatPrekeys(ctx context.Context, actor, deviceID string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM chat_prekey WHERE actor = $1 AND device_id = $2 AND NOT consumed
	`, actor, deviceID).Scan(&n)
	return n, err
}

// ListUnusedChatPrekeyPublics returns public keys of unconsumed prekeys, for
// publishing a bundle.
func (db *DB) ListUnusedChatPrekeyPublics(ctx context.Context, actor, deviceID string) ([]models.ChatPrekey, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, kem_public FROM chat_prekey WHERE actor = $1 AND device_id = $2 AND NOT consumed ORDER BY id
	`, actor, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ChatPrekey
	for rows.Next() {
		var pk models.ChatPrekey
		if err := rows.Scan(&pk.ID, &pk.KEMPublic); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

// ConsumeChatPrekey marks a prekey consumed and returns its secret, or
// pgx.ErrNoRows if it was already consumed or does not exist.
func (db *DB) ConsumeChatPrekey(ctx context.Context, prekeyID string) ([]byte, error) {
	var secret []byte
	err := db.Pool.QueryRow(ctx, `
		UPDATE chat_prekey SET consumed = TRUE WHERE id = $1 AND NOT consumed
		RETURNING kem_secret
	`, prekeyID).Scan(&secret)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, pgx.ErrNoRows
		}
		return nil, err
	}
	return secret, nil
}

// GetIdentityChatSecret returns the long-term identity KEM secret used when
// no prekey id is specified. Stored as a single row keyed by (actor, device).
func (db *DB) GetIdentityChatSecret(ctx context.Context, actor, deviceID string) ([]byte, error) {
	var secret []byte
	err := db.Pool.QueryRow(ctx, `
		SELECT kem_secret FROM chat_prekey WHERE actor = $1 AND device_id = $2 AND id = 'identity'
	`, actor, deviceID).Scan(&secret)
	return secret, err
}

// InsertChatEnvelope persists a chat envelope for thread history / audit.
func (db *DB) InsertChatEnvelope(ctx context.Context, env models.ChatEnvelope, op models.ChatOp) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO chat_envelope (message_id, thread_id, sender_actor, sender_device, sender_peer_id,
			created_at_ms, kem_alg, kem_ciphertext, kem_key_id, nonce, ciphertext, signature, op)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (message_id) DO NOTHING
	`, env.MessageID, env.ThreadID, env.SenderActor, env.SenderDevice, env.SenderPeerID,
		env.CreatedAtMs, env.KEMAlg, env.KEMCiphertext, env.KEMKeyID, env.Nonce, env.Ciphertext, env.Signature, op)
	return err
}
