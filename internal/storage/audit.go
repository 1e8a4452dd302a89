package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

// InsertAudit appends one lifecycle audit row. Before and After are
// marshalled as they are; nil becomes SQL NULL.
func (db *DB) InsertAudit(ctx context.Context, kind model.Kind, pipelineID, app, action, user string, before, after *model.Pipeline) error {
	var beforeJSON, afterJSON []byte
	var err error
	if before != nil {
		if beforeJSON, err = json.Marshal(before); err != nil {
			return fmt.Errorf("storage: marshal audit before: %w", err)
		}
	}
	if after != nil {
		if afterJSON, err = json.Marshal(after); err != nil {
			return fmt.Errorf("storage: marshal audit after: %w", err)
		}
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO pipeline_audit (kind, pipeline_id, app, action, user_id, before_doc, after_doc)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)`,
		string(kind), pipelineID, app, action, user, beforeJSON, afterJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// ListAudit returns a pipeline's audit trail, newest first.
func (db *DB) ListAudit(ctx context.Context, kind model.Kind, pipelineID string, limit int) ([]model.AuditEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, kind, pipeline_id, app, action, user_id, before_doc, after_doc, created_at
		 FROM pipeline_audit WHERE kind = $1 AND pipeline_id = $2
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		string(kind), pipelineID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()
	out := []model.AuditEntry{}
	for rows.Next() {
		var (
			e    model.AuditEntry
			kind string
		)
		if err := rows.Scan(&e.ID, &kind, &e.PipelineID, &e.App, &e.Action, &e.User,
			&e.Before, &e.After, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit: %w", err)
		}
		e.Kind = model.Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
