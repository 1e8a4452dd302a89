package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

const actionColumns = `id, agent_id, agent_name, app, flow_id, flow_name, deployment_name,
	action, meta_data, sent_or_read, timestamp, expires_at`

func scanAction(row pgx.Row) (model.AgentAction, error) {
	var (
		a    model.AgentAction
		kind string
		meta []byte
	)
	if err := row.Scan(&a.ID, &a.AgentID, &a.AgentName, &a.App, &a.FlowID, &a.FlowName,
		&a.DeploymentName, &kind, &meta, &a.SentOrRead, &a.Timestamp, &a.ExpiresAt); err != nil {
		return model.AgentAction{}, err
	}
	a.Action = model.ActionKind(kind)
	if len(meta) > 0 {
		a.MetaData = meta
	}
	return a, nil
}

func collectActions(rows pgx.Rows) ([]model.AgentAction, error) {
	defer rows.Close()
	out := []model.AgentAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendActions assigns ids to the batch and inserts it in one round trip.
// Timestamp defaults to now and ExpiresAt to Timestamp+ttl.
func (db *DB) AppendActions(ctx context.Context, actions []model.AgentAction, ttl time.Duration) ([]model.AgentAction, error) {
	if len(actions) == 0 {
		return nil, nil
	}
	ids, err := db.nextIDs(ctx, CounterActions, "ACTION", ActionIDOffset, len(actions))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for i := range actions {
		a := &actions[i]
		a.ID = ids[i]
		a.SentOrRead = false
		if a.Timestamp.IsZero() {
			a.Timestamp = now
		}
		if a.ExpiresAt.IsZero() {
			a.ExpiresAt = a.Timestamp.Add(ttl)
		}
		var meta any
		if len(a.MetaData) > 0 {
			meta = []byte(a.MetaData)
		}
		batch.Queue(
			`INSERT INTO agent_actions (id, agent_id, agent_name, app, flow_id, flow_name, deployment_name,
			     action, meta_data, sent_or_read, timestamp, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, false, $10, $11)`,
			a.ID, a.AgentID, a.AgentName, a.App, a.FlowID, a.FlowName, a.DeploymentName,
			string(a.Action), meta, a.Timestamp, a.ExpiresAt,
		)
	}
	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("storage: append actions: %w", err)
	}
	return actions, nil
}

// FetchAndMarkActions marks every unsent, unexpired action of agentID as
// sent and returns exactly the rows it marked, oldest first. Concurrent
// polls never receive the same row.
func (db *DB) FetchAndMarkActions(ctx context.Context, agentID string) ([]model.AgentAction, error) {
	var out []model.AgentAction
	err := WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		rows, err := db.pool.Query(ctx,
			`UPDATE agent_actions SET sent_or_read = true
			 WHERE id IN (
			     SELECT id FROM agent_actions
			     WHERE agent_id = $1 AND sent_or_read = false AND expires_at > now()
			     ORDER BY timestamp, id
			     FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+actionColumns,
			agentID,
		)
		if err != nil {
			return err
		}
		out, err = collectActions(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: fetch and mark actions: %w", err)
	}
	// RETURNING order is unspecified.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return actionSeq(out[i].ID) < actionSeq(out[j].ID)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// actionSeq orders ids like ACTION1002 < ACTION1010 numerically.
func actionSeq(id string) int {
	n := 0
	for _, r := range id {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
		}
	}
	return n
}

// ListActions returns an agent's actions, newest first, sent or not.
func (db *DB) ListActions(ctx context.Context, agentID string, limit int) ([]model.AgentAction, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+actionColumns+` FROM agent_actions WHERE agent_id = $1
		 ORDER BY timestamp DESC, id DESC LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list actions: %w", err)
	}
	out, err := collectActions(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list actions: %w", err)
	}
	return out, nil
}

// PurgeExpiredActions deletes actions past their retention window.
func (db *DB) PurgeExpiredActions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM agent_actions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: purge actions: %w", err)
	}
	return tag.RowsAffected(), nil
}
