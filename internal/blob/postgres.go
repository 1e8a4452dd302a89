package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps blobs in the blobs table of the control plane
// database. It shares the storage pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. The blobs table comes from the
// embedded migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Backend() string { return "postgres" }

func (s *PostgresStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("blob: encode metadata: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO blobs (key, content_type, size, metadata, data) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET size = EXCLUDED.size, metadata = EXCLUDED.metadata, data = EXCLUDED.data`,
		key, ContentTypeBinary, int64(len(data)), metaJSON, data,
	)
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Open(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	var (
		info     = Info{Key: key}
		metaJSON []byte
		data     []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT content_type, size, metadata, data, created_at FROM blobs WHERE key = $1`, key,
	).Scan(&info.ContentType, &info.Size, &metaJSON, &data, &info.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("blob: get %s: %w", key, err)
	}
	if err := json.Unmarshal(metaJSON, &info.Metadata); err != nil {
		return nil, Info{}, fmt.Errorf("blob: decode metadata: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM blobs WHERE key = $1`, key); err != nil {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close is a no-op; the pool belongs to storage.DB.
func (s *PostgresStore) Close() error { return nil }
