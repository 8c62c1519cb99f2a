package store

import "context"

// MediaFile mirrors one row of media_files.
type MediaFile struct {
	Filename     string
	ActorID      *string
	SizeBytes    int64
	CreatedAtMs  int64
	LastAccessMs int64
}

// RecordMediaFile registers a newly stored media file for quota accounting.
func (db *DB) RecordMediaFile(ctx context.Context, f MediaFile) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO media_files (filename, actor_id, size_bytes, created_at_ms, last_access_ms)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (filename) DO NOTHING
	`, f.Filename, f.ActorID, f.SizeBytes, f.CreatedAtMs)
	return err
}

// MediaFilesForActor returns a non-followed actor's media ordered oldest
// last-access first, for per-actor quota eviction.
func (db *DB) MediaFilesForActor(ctx context.Context, actorID string) ([]MediaFile, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT filename, actor_id, size_bytes, created_at_ms, last_access_ms FROM media_files
		WHERE actor_id = $1 ORDER BY last_access_ms ASC
	`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MediaFile
	for rows.Next() {
		var f MediaFile
		if err := rows.Scan(&f.Filename, &f.ActorID, &f.SizeBytes, &f.CreatedAtMs, &f.LastAccessMs); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MediaOldestFirst returns every media file ordered by last_access_ms
// ascending, for global cache-size eviction.
func (db *DB) MediaOldestFirst(ctx context.Context) ([]MediaFile, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT filename, actor_id, size_bytes, created_at_ms, last_access_ms FROM media_files ORDER BY last_access_ms ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MediaFile
	for rows.Next() {
		var f MediaFile
		if err := rows.Scan(&f.Filename, &f.ActorID, &f.SizeBytes, &f.CreatedAtMs, &f.LastAccessMs); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// TotalMediaBytes sums size_bytes across all media_files.
func (db *DB) TotalMediaBytes(ctx context.Context) (int64, error) {
	var total int64
	err := db.Pool.QueryRow(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM media_files`).Scan(&total)
	return total, err
}

// DeleteMediaFile removes a media_files row.
func (db *DB) DeleteMediaFile(ctx context.Context, filename string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM media_files WHERE filename = $1`, filename)
	return err
}
