package blob

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteStore keeps blobs in a local SQLite file. Suited to single-node
// installs and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("blob: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS blobs (
		key        TEXT PRIMARY KEY,
		size       INTEGER NOT NULL,
		metadata   TEXT NOT NULL,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blob: init sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) Put(ctx context.Context, key string, data []byte, meta map[string]string) error {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blobs (key, size, metadata, data, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET size = excluded.size, metadata = excluded.metadata, data = excluded.data`,
		key, len(data), string(metaJSON), data, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("blob: put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Open(ctx context.Context, key string) (io.ReadCloser, Info, error) {
	var (
		info     = Info{Key: key, ContentType: ContentTypeBinary}
		metaJSON string
		data     []byte
		created  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT size, metadata, data, created_at FROM blobs WHERE key = ?`, key,
	).Scan(&info.Size, &metaJSON, &data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, fmt.Errorf("blob: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &info.Metadata); err != nil {
		return nil, Info{}, fmt.Errorf("blob: decode metadata: %w", err)
	}
	info.CreatedAt = time.UnixMilli(created).UTC()
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("blob: delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }
