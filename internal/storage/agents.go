package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

const agentColumns = `id, agent_id, app, name, type, status, active, password, secret,
	ip_address, mac_address, release, encrypt_file, retain_file_on_success, retain_file_on_error,
	last_logged_in, last_invoked_at, version, created_by, updated_by, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var (
		a         model.Agent
		agentType string
		status    string
	)
	err := row.Scan(&a.ID, &a.AgentID, &a.App, &a.Name, &agentType, &status, &a.Active,
		&a.Password, &a.Secret, &a.IPAddress, &a.MACAddress, &a.Release,
		&a.EncryptFile, &a.RetainFileOnSuccess, &a.RetainFileOnError,
		&a.LastLoggedIn, &a.LastInvokedAt, &a.Version,
		&a.Metadata.CreatedBy, &a.Metadata.LastUpdatedBy, &a.Metadata.CreatedAt, &a.Metadata.LastUpdated)
	if err != nil {
		return model.Agent{}, err
	}
	a.Type = model.AgentType(agentType)
	a.Status = model.AgentStatus(status)
	return a, nil
}

// CreateAgent inserts a new agent. ID and AgentID must already be assigned.
func (db *DB) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	now := time.Now().UTC()
	a.Metadata.CreatedAt = now
	a.Metadata.LastUpdated = now
	if a.Version == 0 {
		a.Version = 1
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, agent_id, app, name, type, status, active, password, secret,
		     encrypt_file, retain_file_on_success, retain_file_on_error, version, created_by, updated_by,
		     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14, $15, $15)`,
		a.ID, a.AgentID, a.App, a.Name, string(a.Type), string(a.Status), a.Active, a.Password, a.Secret,
		a.EncryptFile, a.RetainFileOnSuccess, a.RetainFileOnError, a.Version, a.Metadata.CreatedBy, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, ErrDuplicate
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return a, nil
}

// GetAgent looks an agent up by its sequential id within app.
func (db *DB) GetAgent(ctx context.Context, app, id string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE app = $1 AND id = $2`, app, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// GetAgentByAgentID looks an agent up by the uuid it authenticates with.
func (db *DB) GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent by agent id: %w", err)
	}
	return a, nil
}

// ListAgents returns an app's agents ordered by name.
func (db *DB) ListAgents(ctx context.Context, app string, limit, offset int) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE app = $1 ORDER BY lower(name) LIMIT $2 OFFSET $3`,
		app, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()
	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentNameTaken reports whether another agent of app already uses name.
func (db *DB) AgentNameTaken(ctx context.Context, app, name, excludeID string) (bool, error) {
	var taken bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE lower(app) = lower($1) AND lower(name) = lower($2) AND id <> $3)`,
		app, name, excludeID,
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("storage: agent name check: %w", err)
	}
	return taken, nil
}

// UpdateAgent rewrites the mutable columns of an agent.
func (db *DB) UpdateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	a.Metadata.LastUpdated = time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET name = $2, type = $3, status = $4, active = $5, password = $6, secret = $7,
		     ip_address = $8, mac_address = $9, release = $10, encrypt_file = $11,
		     retain_file_on_success = $12, retain_file_on_error = $13, last_logged_in = $14,
		     version = $15, updated_by = $16, updated_at = $17
		 WHERE id = $1`,
		a.ID, a.Name, string(a.Type), string(a.Status), a.Active, a.Password, a.Secret,
		a.IPAddress, a.MACAddress, a.Release, a.EncryptFile,
		a.RetainFileOnSuccess, a.RetainFileOnError, a.LastLoggedIn,
		a.Version, a.Metadata.LastUpdatedBy, a.Metadata.LastUpdated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, ErrDuplicate
		}
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Agent{}, ErrNotFound
	}
	return a, nil
}

// DeleteAgent removes an agent and its sessions. Queued actions stay so a
// final DELETE_AGENT instruction can still be delivered.
func (db *DB) DeleteAgent(ctx context.Context, app, id string) (model.Agent, error) {
	var deleted model.Agent
	err := db.inTx(ctx, "delete agent", func(tx pgx.Tx) error {
		a, err := scanAgent(tx.QueryRow(ctx,
			`DELETE FROM agents WHERE app = $1 AND id = $2 RETURNING `+agentColumns, app, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("storage: delete agent: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM agent_sessions WHERE agent_id = $1`, a.AgentID); err != nil {
			return fmt.Errorf("storage: delete agent sessions: %w", err)
		}
		deleted = a
		return nil
	})
	return deleted, err
}

// RecordHeartbeat stamps last_invoked_at and marks the agent RUNNING. It
// returns the agent as stored after the update.
func (db *DB) RecordHeartbeat(ctx context.Context, agentID string, at time.Time) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents SET last_invoked_at = $2, status = 'RUNNING'
		 WHERE agent_id = $1
		 RETURNING `+agentColumns,
		agentID, at,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: record heartbeat: %w", err)
	}
	return a, nil
}

// StopSilentAgents marks RUNNING agents whose last heartbeat (or login,
// before the first heartbeat) is before cutoff as STOPPED and returns their agent ids.
func (db *DB) StopSilentAgents(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE agents SET status = 'STOPPED', updated_at = now()
		 WHERE status = 'RUNNING' AND COALESCE(last_invoked_at, last_logged_in, updated_at) < $1
		 RETURNING agent_id`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stop silent agents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: stop silent agents: %w", err)
	}
	return ids, nil
}
