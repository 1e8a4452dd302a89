package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

// Draft shadows live in pipeline_drafts and share the id of their live
// document. The invariant "live.draft_version is non-null iff a shadow
// exists" is maintained by doing every shadow insert and delete in the same
// transaction as the matching live update.

const draftColumns = `doc, 'Draft', version, NULL::int, NULL::timestamptz, created_at, updated_at`

// GetDraft returns the shadow of the live document id.
func (db *DB) GetDraft(ctx context.Context, kind model.Kind, app, id string) (model.Pipeline, error) {
	p, err := scanPipeline(db.pool.QueryRow(ctx,
		`SELECT `+draftColumns+` FROM pipeline_drafts WHERE kind = $1 AND app = $2 AND id = $3`,
		string(kind), app, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pipeline{}, ErrNotFound
	}
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("storage: get draft: %w", err)
	}
	return p, nil
}

// CreateDraft inserts the shadow and points live.draft_version at it.
func (db *DB) CreateDraft(ctx context.Context, live, draft model.Pipeline) (model.Pipeline, error) {
	now := time.Now().UTC()
	draft.Status = model.StatusDraft
	draft.DraftVersion = nil
	draft.Metadata.CreatedAt = now
	draft.Metadata.LastUpdated = now
	doc, err := marshalDoc(draft)
	if err != nil {
		return model.Pipeline{}, err
	}

	err = db.inTx(ctx, "create draft", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pipeline_drafts (id, kind, app, name, endpoint, version, doc, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			draft.ID, string(draft.Kind), draft.App, draft.Name, draft.Endpoint(), draft.Version, doc, now,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("storage: insert draft: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE pipelines SET draft_version = $3,
			     doc = jsonb_set(doc, '{draftVersion}', to_jsonb($3::int)), updated_at = $4
			 WHERE kind = $1 AND id = $2`,
			string(live.Kind), live.ID, draft.Version, now,
		)
		if err != nil {
			return fmt.Errorf("storage: link draft: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return model.Pipeline{}, err
	}
	return draft, nil
}

// UpdateDraft rewrites an existing shadow.
func (db *DB) UpdateDraft(ctx context.Context, draft model.Pipeline) (model.Pipeline, error) {
	draft.Status = model.StatusDraft
	draft.DraftVersion = nil
	draft.Metadata.LastUpdated = time.Now().UTC()
	doc, err := marshalDoc(draft)
	if err != nil {
		return model.Pipeline{}, err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE pipeline_drafts SET name = $3, endpoint = $4, version = $5, doc = $6, updated_at = $7
		 WHERE kind = $1 AND id = $2`,
		string(draft.Kind), draft.ID, draft.Name, draft.Endpoint(), draft.Version, doc, draft.Metadata.LastUpdated,
	)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("storage: update draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Pipeline{}, ErrNotFound
	}
	return draft, nil
}

// DeleteDraft removes the shadow and clears live.draft_version. It returns
// ErrNotFound when no shadow exists.
func (db *DB) DeleteDraft(ctx context.Context, kind model.Kind, id string) error {
	return db.inTx(ctx, "delete draft", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM pipeline_drafts WHERE kind = $1 AND id = $2`, string(kind), id)
		if err != nil {
			return fmt.Errorf("storage: delete draft: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx,
			`UPDATE pipelines SET draft_version = NULL,
			     doc = jsonb_set(doc, '{draftVersion}', 'null'::jsonb), updated_at = now()
			 WHERE kind = $1 AND id = $2`,
			string(kind), id,
		); err != nil {
			return fmt.Errorf("storage: unlink draft: %w", err)
		}
		return nil
	})
}

// PromoteDraft saves live (already merged from the shadow by the caller,
// with DraftVersion cleared) and deletes the shadow atomically.
func (db *DB) PromoteDraft(ctx context.Context, live model.Pipeline) (model.Pipeline, error) {
	live.DraftVersion = nil
	var saved model.Pipeline
	err := db.inTx(ctx, "promote draft", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM pipeline_drafts WHERE kind = $1 AND id = $2`,
			string(live.Kind), live.ID); err != nil {
			return fmt.Errorf("storage: delete promoted draft: %w", err)
		}
		var err error
		saved, err = updatePipeline(ctx, tx, live)
		return err
	})
	if err != nil {
		return model.Pipeline{}, err
	}
	return saved, nil
}
