package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

const sessionColumns = `key, agent_id, app, name, token_suffix, status, last_logged_in, expires_at`

func scanSession(row pgx.Row) (model.Session, error) {
	var (
		s      model.Session
		status string
	)
	if err := row.Scan(&s.Key, &s.AgentID, &s.App, &s.Name, &s.TokenSuffix, &status,
		&s.LastLoggedIn, &s.ExpiresAt); err != nil {
		return model.Session{}, err
	}
	s.Status = model.SessionStatus(status)
	return s, nil
}

// InsertSession records an issued agent token.
func (db *DB) InsertSession(ctx context.Context, s model.Session) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_sessions (key, agent_id, app, name, token_suffix, status, last_logged_in, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (key) DO UPDATE SET status = EXCLUDED.status, expires_at = EXCLUDED.expires_at`,
		s.Key, s.AgentID, s.App, s.Name, s.TokenSuffix, string(s.Status), s.LastLoggedIn, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert session: %w", err)
	}
	return nil
}

// GetSession returns the session for a token hash.
func (db *DB) GetSession(ctx context.Context, key string) (model.Session, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, ErrNotFound
	}
	if err != nil {
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// ListSessions returns an agent's unexpired sessions, newest first.
func (db *DB) ListSessions(ctx context.Context, agentID string) ([]model.Session, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions
		 WHERE agent_id = $1 AND expires_at > now()
		 ORDER BY last_logged_in DESC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()
	out := []model.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSessionStatus enables or disables one session of an agent.
func (db *DB) SetSessionStatus(ctx context.Context, agentID, key string, status model.SessionStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = $3 WHERE agent_id = $1 AND key = $2`,
		agentID, key, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: set session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EndAgentSessions disables every session of an agent. Tokens bound to
// those sessions stop authenticating immediately.
func (db *DB) EndAgentSessions(ctx context.Context, agentID string) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = 'Disabled' WHERE agent_id = $1 AND status = 'Enabled'`,
		agentID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: end sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeExpiredSessions deletes sessions past their expiry.
func (db *DB) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agent_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
