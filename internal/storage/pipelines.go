package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

// PipelineFilter narrows list and count queries.
type PipelineFilter struct {
	Kind     model.Kind
	App      string
	Status   model.Status
	Statuses []model.Status
	Name     string
	Limit    int
	Offset   int
}

const pipelineColumns = `doc, status, version, draft_version, last_invoked, created_at, updated_at`

// scanPipeline decodes the document and overlays the promoted columns,
// which are authoritative.
func scanPipeline(row pgx.Row) (model.Pipeline, error) {
	var (
		doc          []byte
		p            model.Pipeline
		status       string
		version      int
		draftVersion *int
		lastInvoked  *time.Time
		createdAt    time.Time
		updatedAt    time.Time
	)
	if err := row.Scan(&doc, &status, &version, &draftVersion, &lastInvoked, &createdAt, &updatedAt); err != nil {
		return model.Pipeline{}, err
	}
	if err := json.Unmarshal(doc, &p); err != nil {
		return model.Pipeline{}, fmt.Errorf("decode pipeline doc: %w", err)
	}
	p.Status = model.Status(status)
	p.Version = version
	p.DraftVersion = draftVersion
	p.LastInvoked = lastInvoked
	p.Metadata.CreatedAt = createdAt
	p.Metadata.LastUpdated = updatedAt
	return p, nil
}

func collectPipelines(rows pgx.Rows) ([]model.Pipeline, error) {
	defer rows.Close()
	var out []model.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func marshalDoc(p model.Pipeline) ([]byte, error) {
	p.LastInvoked = nil
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("storage: encode pipeline doc: %w", err)
	}
	return b, nil
}

// CreatePipeline inserts a new live document. p.ID must already be assigned.
func (db *DB) CreatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error) {
	now := time.Now().UTC()
	p.Metadata.CreatedAt = now
	p.Metadata.LastUpdated = now
	doc, err := marshalDoc(p)
	if err != nil {
		return model.Pipeline{}, err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO pipelines (id, kind, app, name, endpoint, status, version, draft_version,
		     port, is_binary, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		p.ID, string(p.Kind), p.App, p.Name, p.Endpoint(), string(p.Status), p.Version, p.DraftVersion,
		p.Port, p.IsBinary, doc, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Pipeline{}, ErrDuplicate
		}
		return model.Pipeline{}, fmt.Errorf("storage: create pipeline: %w", err)
	}
	return p, nil
}

// GetPipeline returns the live document of kind with id inside app.
func (db *DB) GetPipeline(ctx context.Context, kind model.Kind, app, id string) (model.Pipeline, error) {
	p, err := scanPipeline(db.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE kind = $1 AND app = $2 AND id = $3`,
		string(kind), app, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pipeline{}, ErrNotFound
	}
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("storage: get pipeline: %w", err)
	}
	return p, nil
}

// UpdatePipeline rewrites a live document in full except last_invoked,
// which only TouchLastInvoked changes.
func (db *DB) UpdatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error) {
	return updatePipeline(ctx, db.pool, p)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func updatePipeline(ctx context.Context, q querier, p model.Pipeline) (model.Pipeline, error) {
	p.Metadata.LastUpdated = time.Now().UTC()
	doc, err := marshalDoc(p)
	if err != nil {
		return model.Pipeline{}, err
	}
	tag, err := q.Exec(ctx,
		`UPDATE pipelines SET name = $3, endpoint = $4, status = $5, version = $6, draft_version = $7,
		     port = $8, is_binary = $9, doc = $10, updated_at = $11
		 WHERE kind = $1 AND id = $2`,
		string(p.Kind), p.ID, p.Name, p.Endpoint(), string(p.Status), p.Version, p.DraftVersion,
		p.Port, p.IsBinary, doc, p.Metadata.LastUpdated,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Pipeline{}, ErrDuplicate
		}
		return model.Pipeline{}, fmt.Errorf("storage: update pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Pipeline{}, ErrNotFound
	}
	return p, nil
}

// SetPipelineStatus changes only the status column and the doc's copy of it.
func (db *DB) SetPipelineStatus(ctx context.Context, kind model.Kind, id string, status model.Status) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE pipelines SET status = $3, doc = jsonb_set(doc, '{status}', to_jsonb($3::text)), updated_at = now()
		 WHERE kind = $1 AND id = $2`,
		string(kind), id, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: set pipeline status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastInvoked records that live traffic reached the pipeline.
func (db *DB) TouchLastInvoked(ctx context.Context, kind model.Kind, id string, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE pipelines SET last_invoked = $3 WHERE kind = $1 AND id = $2`,
		string(kind), id, at,
	)
	if err != nil {
		return fmt.Errorf("storage: touch last invoked: %w", err)
	}
	return nil
}

func buildPipelineWhere(f PipelineFilter) (string, []any) {
	conds := []string{"kind = $1"}
	args := []any{string(f.Kind)}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.App != "" {
		add("app = $%d", f.App)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}
		add("status = ANY($%d)", ss)
	}
	if f.Name != "" {
		add("name ILIKE '%%' || $%d || '%%'", f.Name)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListPipelines returns live documents matching f, newest first.
func (db *DB) ListPipelines(ctx context.Context, f PipelineFilter) ([]model.Pipeline, error) {
	where, args := buildPipelineWhere(f)
	query := `SELECT ` + pipelineColumns + ` FROM pipelines` + where + ` ORDER BY updated_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list pipelines: %w", err)
	}
	out, err := collectPipelines(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list pipelines: %w", err)
	}
	return out, nil
}

// CountPipelines counts live documents matching f, ignoring paging.
func (db *DB) CountPipelines(ctx context.Context, f PipelineFilter) (int, error) {
	where, args := buildPipelineWhere(f)
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM pipelines`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count pipelines: %w", err)
	}
	return n, nil
}

// StatusCounts groups an app's live documents of kind by status.
func (db *DB) StatusCounts(ctx context.Context, kind model.Kind, app string) (map[model.Status]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT status, count(*) FROM pipelines WHERE kind = $1 AND app = $2 GROUP BY status`,
		string(kind), app,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: status counts: %w", err)
	}
	defer rows.Close()
	out := make(map[model.Status]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("storage: status counts: %w", err)
		}
		out[model.Status(s)] = n
	}
	return out, rows.Err()
}

// ListActivePipelines returns every Active live document of kind across all
// apps. The route table is built from this.
func (db *DB) ListActivePipelines(ctx context.Context, kind model.Kind) ([]model.Pipeline, error) {
	return db.ListPipelines(ctx, PipelineFilter{Kind: kind, Status: model.StatusActive})
}

// ListPipelinesReferencingAgent returns an app's live documents of kind whose
// input node or any processing node is bound to agentID.
func (db *DB) ListPipelinesReferencingAgent(ctx context.Context, kind model.Kind, app, agentID string) ([]model.Pipeline, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines
		 WHERE kind = $1 AND app = $2 AND (
		     doc @> jsonb_build_object('inputNode', jsonb_build_object('options',
		         jsonb_build_object('agents', jsonb_build_array(jsonb_build_object('agentId', $3::text)))))
		     OR doc->'nodes' @> jsonb_build_array(jsonb_build_object('options',
		         jsonb_build_object('agents', jsonb_build_array(jsonb_build_object('agentId', $3::text)))))
		 )
		 ORDER BY id`,
		string(kind), app, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pipelines by agent: %w", err)
	}
	out, err := collectPipelines(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: list pipelines by agent: %w", err)
	}
	return out, nil
}

// UsedPorts returns the ports allocated to an app's pipelines of kind,
// drafts included.
func (db *DB) UsedPorts(ctx context.Context, kind model.Kind, app string) ([]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT port FROM pipelines WHERE kind = $1 AND app = $2 AND port > 0
		 UNION
		 SELECT (doc->>'port')::int FROM pipeline_drafts WHERE kind = $1 AND app = $2 AND (doc->>'port')::int > 0`,
		string(kind), app,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: used ports: %w", err)
	}
	ports, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("storage: used ports: %w", err)
	}
	return ports, nil
}

// Conflicts reports which uniqueness rules a candidate document would break.
type Conflicts struct {
	Name            bool
	NameInDraft     bool
	Endpoint        bool
	EndpointInDraft bool
}

// FindConflicts checks name and endpoint uniqueness, case-insensitively and
// within one app, against live documents and draft shadows other than id.
func (db *DB) FindConflicts(ctx context.Context, kind model.Kind, app, id, name, endpoint string) (Conflicts, error) {
	var c Conflicts
	err := db.pool.QueryRow(ctx,
		`SELECT
		     EXISTS (SELECT 1 FROM pipelines WHERE kind = $1 AND lower(app) = lower($2) AND id <> $3 AND lower(name) = lower($4)),
		     EXISTS (SELECT 1 FROM pipeline_drafts WHERE kind = $1 AND lower(app) = lower($2) AND id <> $3 AND lower(name) = lower($4)),
		     $5::text <> '' AND EXISTS (SELECT 1 FROM pipelines WHERE kind = $1 AND lower(app) = lower($2) AND id <> $3 AND lower(endpoint) = lower($5::text)),
		     $5::text <> '' AND EXISTS (SELECT 1 FROM pipeline_drafts WHERE kind = $1 AND lower(app) = lower($2) AND id <> $3 AND lower(endpoint) = lower($5::text))`,
		string(kind), app, id, name, endpoint,
	).Scan(&c.Name, &c.NameInDraft, &c.Endpoint, &c.EndpointInDraft)
	if err != nil {
		return Conflicts{}, fmt.Errorf("storage: find conflicts: %w", err)
	}
	return c, nil
}

// DeletePipeline removes a live document and its draft shadow.
func (db *DB) DeletePipeline(ctx context.Context, kind model.Kind, id string) error {
	return db.inTx(ctx, "delete pipeline", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM pipeline_drafts WHERE kind = $1 AND id = $2`, string(kind), id); err != nil {
			return fmt.Errorf("storage: delete draft: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM pipelines WHERE kind = $1 AND id = $2`, string(kind), id)
		if err != nil {
			return fmt.Errorf("storage: delete pipeline: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}
