package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Chunk locates one uploaded chunk of a file in the blob store.
type Chunk struct {
	UniqueID    string
	Number      int
	TotalChunks int
	BlobKey     string
	FlowID      string
	CreatedAt   time.Time
}

// RecordChunk indexes a stored chunk. A re-sent chunk replaces the earlier
// entry and the previous blob key is returned so the caller can delete it.
func (db *DB) RecordChunk(ctx context.Context, c Chunk) (string, error) {
	var previous string
	err := db.pool.QueryRow(ctx,
		`WITH old AS (
		     SELECT blob_key FROM transfer_chunks WHERE unique_id = $1 AND chunk = $2
		 ), upsert AS (
		     INSERT INTO transfer_chunks (unique_id, chunk, total_chunks, blob_key, flow_id)
		     VALUES ($1, $2, $3, $4, $5)
		     ON CONFLICT (unique_id, chunk) DO UPDATE
		         SET total_chunks = EXCLUDED.total_chunks, blob_key = EXCLUDED.blob_key,
		             flow_id = EXCLUDED.flow_id, created_at = now()
		 )
		 SELECT COALESCE((SELECT blob_key FROM old), '')`,
		c.UniqueID, c.Number, c.TotalChunks, c.BlobKey, c.FlowID,
	).Scan(&previous)
	if err != nil {
		return "", fmt.Errorf("storage: record chunk: %w", err)
	}
	return previous, nil
}

// ListChunks returns the chunks of uniqueID in chunk order.
func (db *DB) ListChunks(ctx context.Context, uniqueID string) ([]Chunk, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT unique_id, chunk, total_chunks, blob_key, flow_id, created_at
		 FROM transfer_chunks WHERE unique_id = $1 ORDER BY chunk`,
		uniqueID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list chunks: %w", err)
	}
	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Chunk, error) {
		var c Chunk
		err := row.Scan(&c.UniqueID, &c.Number, &c.TotalChunks, &c.BlobKey, &c.FlowID, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list chunks: %w", err)
	}
	return chunks, nil
}

// DeleteChunks drops the index rows of uniqueID. Blob bytes are untouched.
func (db *DB) DeleteChunks(ctx context.Context, uniqueID string) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM transfer_chunks WHERE unique_id = $1`, uniqueID); err != nil {
		return fmt.Errorf("storage: delete chunks: %w", err)
	}
	return nil
}
