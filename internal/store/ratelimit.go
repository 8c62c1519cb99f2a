package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// BumpQuotaWindow increments the persistent (daily) quota window for
// quotaKey/windowStartMs, creating it if absent.
func (db *DB) BumpQuotaWindow(ctx context.Context, quotaKey string, windowStartMs int64, reqs, bytes int64, nowMs int64) (int64, int64, error) {
	var totalReqs, totalBytes int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO inbox_quota (quota_key, window_start_ms, reqs, bytes, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (quota_key, window_start_ms) DO UPDATE SET
			reqs = inbox_quota.reqs + EXCLUDED.reqs,
			bytes = inbox_quota.bytes + EXCLUDED.bytes,
			updated_at_ms = EXCLUDED.updated_at_ms
		RETURNING reqs, bytes
	`, quotaKey, windowStartMs, reqs, bytes, nowMs).Scan(&totalReqs, &totalBytes)
	return totalReqs, totalBytes, err
}

// PruneQuotaWindows deletes inbox_quota rows older than cutoffMs.
func (db *DB) PruneQuotaWindows(ctx context.Context, cutoffMs int64) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM inbox_quota WHERE window_start_ms < $1`, cutoffMs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// BumpAbuseStrike increments strikes for key, resetting the count first if
// the last strike is older than decayMs. Returns the resulting strike count.
func (db *DB) BumpAbuseStrike(ctx context.Context, key string, nowMs, decayMs int64) (int, error) {
	var strikes int
	var lastStrike int64
	err := db.Pool.QueryRow(ctx, `SELECT strikes, last_strike_ms FROM abuse_strikes WHERE key = $1`, key).Scan(&strikes, &lastStrike)
	if err != nil && err != pgx.ErrNoRows {
		return 0, err
	}
	if err == pgx.ErrNoRows {
		strikes = 0
	} else if nowMs-lastStrike > decayMs {
		strikes = 0
	}
	strikes++

	var blockUntil int64
	if strikes >= 10 {
		blockUntil = nowMs + 3600_000
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO abuse_strikes (key, strikes, last_strike_ms, block_until_ms) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET strikes = EXCLUDED.strikes, last_strike_ms = EXCLUDED.last_strike_ms, block_until_ms = EXCLUDED.block_until_ms
	`, key, strikes, nowMs, blockUntil)
	return strikes, err
}

// IsAbuseBlocked reports whether key is currently under an abuse-strike block.
func (db *DB) IsAbuseBlocked(ctx context.Context, key string, nowMs int64) (bool, error) {
	var blockUntil int64
	err := db.Pool.QueryRow(ctx, `SELECT block_until_ms FROM abuse_strikes WHERE key = $1`, key).Scan(&blockUntil)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return blockUntil > nowMs, nil
}
