package blob

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options selects and configures a backend.
type Options struct {
	Backend string // postgres, sqlite, s3, azure, sftp

	Pool *pgxpool.Pool

	SQLitePath string

	S3Bucket string
	S3Prefix string

	AzureAccount   string
	AzureKey       string
	AzureContainer string
	AzurePrefix    string

	SFTP SFTPConfig
}

// New builds the configured backend. An empty Backend means postgres.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "postgres":
		if opts.Pool == nil {
			return nil, fmt.Errorf("blob: postgres backend requires a pool")
		}
		return NewPostgresStore(opts.Pool), nil
	case "sqlite":
		if opts.SQLitePath == "" {
			return nil, fmt.Errorf("blob: CM_SQLITE_BLOB_PATH required for the sqlite backend")
		}
		return NewSQLiteStore(opts.SQLitePath)
	case "s3":
		return NewS3Store(ctx, opts.S3Bucket, opts.S3Prefix)
	case "azure":
		return NewAzureStore(opts.AzureAccount, opts.AzureKey, opts.AzureContainer, opts.AzurePrefix)
	case "sftp":
		return NewSFTPStore(opts.SFTP)
	default:
		return nil, fmt.Errorf("blob: unknown backend %q", opts.Backend)
	}
}
