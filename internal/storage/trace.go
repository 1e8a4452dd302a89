package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

// traceTable maps a trace kind to its table. Table names never come from
// request input.
func traceTable(kind model.TraceKind) (table, counter, prefix string, err error) {
	switch kind {
	case model.TraceInteraction:
		return "interactions", CounterInteractions, "INTR", nil
	case model.TraceActivity:
		return "activities", CounterActivities, "ACTV", nil
	}
	return "", "", "", fmt.Errorf("storage: no trace table for %q", kind)
}

func scanTrace(row pgx.Row) (model.TraceRecord, error) {
	var (
		r       model.TraceRecord
		headers []byte
	)
	if err := row.Scan(&r.ID, &r.App, &r.FlowID, &headers, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.TraceRecord{}, err
	}
	if err := json.Unmarshal(headers, &r.Headers); err != nil {
		return model.TraceRecord{}, fmt.Errorf("decode trace headers: %w", err)
	}
	return r, nil
}

// CreateTraceRecord assigns an id and inserts an Interaction or Activity
// with status PENDING.
func (db *DB) CreateTraceRecord(ctx context.Context, kind model.TraceKind, r model.TraceRecord) (model.TraceRecord, error) {
	table, counter, prefix, err := traceTable(kind)
	if err != nil {
		return model.TraceRecord{}, err
	}
	r.ID, err = db.NextID(ctx, counter, prefix, TraceIDOffset)
	if err != nil {
		return model.TraceRecord{}, err
	}
	if r.Status == "" {
		r.Status = model.TraceStatusPending
	}
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now

	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return model.TraceRecord{}, fmt.Errorf("storage: encode trace headers: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO `+table+` (id, app, flow_id, headers, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		r.ID, r.App, r.FlowID, headers, r.Status, now,
	)
	if err != nil {
		return model.TraceRecord{}, fmt.Errorf("storage: create %s: %w", table, err)
	}
	return r, nil
}

// GetTraceRecord returns one record of an app.
func (db *DB) GetTraceRecord(ctx context.Context, kind model.TraceKind, app, id string) (model.TraceRecord, error) {
	table, _, _, err := traceTable(kind)
	if err != nil {
		return model.TraceRecord{}, err
	}
	r, err := scanTrace(db.pool.QueryRow(ctx,
		`SELECT id, app, flow_id, headers, status, created_at, updated_at FROM `+table+`
		 WHERE app = $1 AND id = $2`, app, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TraceRecord{}, ErrNotFound
	}
	if err != nil {
		return model.TraceRecord{}, fmt.Errorf("storage: get %s: %w", table, err)
	}
	return r, nil
}

// ListTraceRecords returns an app's records, newest first, optionally for
// one pipeline only.
func (db *DB) ListTraceRecords(ctx context.Context, kind model.TraceKind, app, flowID string, limit, offset int) ([]model.TraceRecord, error) {
	table, _, _, err := traceTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, app, flow_id, headers, status, created_at, updated_at FROM `+table+`
		 WHERE app = $1 AND ($2::text = '' OR flow_id = $2::text)
		 ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		app, flowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", table, err)
	}
	defer rows.Close()
	out := []model.TraceRecord{}
	for rows.Next() {
		r, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan %s: %w", table, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PatchTraceStatus applies a runtime status update to a record.
func (db *DB) PatchTraceStatus(ctx context.Context, kind model.TraceKind, app, id, status string) (model.TraceRecord, error) {
	table, _, _, err := traceTable(kind)
	if err != nil {
		return model.TraceRecord{}, err
	}
	r, err := scanTrace(db.pool.QueryRow(ctx,
		`UPDATE `+table+` SET status = $3, updated_at = now() WHERE app = $1 AND id = $2
		 RETURNING id, app, flow_id, headers, status, created_at, updated_at`,
		app, id, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TraceRecord{}, ErrNotFound
	}
	if err != nil {
		return model.TraceRecord{}, fmt.Errorf("storage: patch %s: %w", table, err)
	}
	return r, nil
}
