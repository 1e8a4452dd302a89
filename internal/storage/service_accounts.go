package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ServiceAccount is a machine identity that exchanges an API key for a
// control-plane JWT.
type ServiceAccount struct {
	ID         string
	APIKeyHash string
	SuperAdmin bool
	Apps       []string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// UpsertServiceAccount creates the account or replaces its key and grants.
func (db *DB) UpsertServiceAccount(ctx context.Context, sa ServiceAccount) error {
	if sa.Apps == nil {
		sa.Apps = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO service_accounts (id, api_key_hash, super_admin, apps)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET api_key_hash = EXCLUDED.api_key_hash,
		     super_admin = EXCLUDED.super_admin, apps = EXCLUDED.apps`,
		sa.ID, sa.APIKeyHash, sa.SuperAdmin, sa.Apps,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert service account: %w", err)
	}
	return nil
}

// ServiceAccountExists reports whether id has been provisioned.
func (db *DB) ServiceAccountExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM service_accounts WHERE id = $1)`, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("storage: service account exists: %w", err)
	}
	return ok, nil
}

// GetServiceAccount loads an account by id.
func (db *DB) GetServiceAccount(ctx context.Context, id string) (ServiceAccount, error) {
	var sa ServiceAccount
	err := db.pool.QueryRow(ctx,
		`SELECT id, api_key_hash, super_admin, apps, created_at, last_used_at
		 FROM service_accounts WHERE id = $1`, id,
	).Scan(&sa.ID, &sa.APIKeyHash, &sa.SuperAdmin, &sa.Apps, &sa.CreatedAt, &sa.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ServiceAccount{}, ErrNotFound
	}
	if err != nil {
		return ServiceAccount{}, fmt.Errorf("storage: get service account: %w", err)
	}
	return sa, nil
}

// TouchServiceAccount records a successful token exchange.
func (db *DB) TouchServiceAccount(ctx context.Context, id string) error {
	if _, err := db.pool.Exec(ctx,
		`UPDATE service_accounts SET last_used_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("storage: touch service account: %w", err)
	}
	return nil
}
