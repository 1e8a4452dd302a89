package lifecycle

import (
	"context"
	"errors"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/orchestrator"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// Create stores a new Draft document at version 1.
func (s *Service) Create(ctx context.Context, kind model.Kind, app string, patch model.PipelinePatch, actor Actor) (model.Pipeline, error) {
	prof := model.Profile(kind)
	p := model.NewPipeline(kind, app, patch)
	p.Metadata.CreatedBy = actor.ID
	p.Metadata.LastUpdatedBy = actor.ID

	err := s.run(ctx, "create", kind, "",
		s.normalizeStep(&p),
		validateStep(&p),
		s.uniqueStep(&p),
		required(stepAssignID, func(ctx context.Context) error {
			id, err := s.db.NextID(ctx, prof.Counter, prof.IDPrefix, prof.IDOffset)
			p.ID = id
			return err
		}),
		required(stepPersist, func(ctx context.Context) error {
			saved, err := s.db.CreatePipeline(ctx, p)
			if err != nil {
				return duplicate(kind, err)
			}
			p = saved
			return nil
		}),
		s.auditStep("create", actor, nil, &p),
		s.publishStep("create", actor, nil, &p),
	)
	if err != nil {
		return model.Pipeline{}, err
	}
	s.logger.Info("pipeline created", "kind", kind, "app", app, "id", p.ID, "name", p.Name)
	return p, nil
}

// Update edits a document copy-on-write. A Draft document is merged in
// place; any other status edits the draft shadow, creating it at
// live.version+1 on first edit. It returns the document that was written.
func (s *Service) Update(ctx context.Context, kind model.Kind, app, id string, patch model.PipelinePatch, actor Actor) (model.Pipeline, error) {
	live, err := s.live(ctx, kind, app, id)
	if err != nil {
		return model.Pipeline{}, err
	}
	before, err := clone(live)
	if err != nil {
		return model.Pipeline{}, err
	}

	if live.Status == model.StatusDraft {
		patch.ApplyTo(&live)
		live.Metadata.LastUpdatedBy = actor.ID
		err := s.run(ctx, "update", kind, id,
			s.normalizeStep(&live),
			validateStep(&live),
			s.uniqueStep(&live),
			required(stepPersist, func(ctx context.Context) error {
				saved, err := s.db.UpdatePipeline(ctx, live)
				if err != nil {
					return duplicate(kind, err)
				}
				live = saved
				return nil
			}),
			s.auditStep("update", actor, &before, &live),
			s.publishStep("update", actor, &before, &live),
		)
		if err != nil {
			return model.Pipeline{}, err
		}
		return live, nil
	}

	draft, existing, err := s.shadowFor(ctx, live)
	if err != nil {
		return model.Pipeline{}, err
	}
	patch.ApplyTo(&draft)
	draft.Metadata.LastUpdatedBy = actor.ID

	err = s.run(ctx, "update", kind, id,
		s.normalizeStep(&draft),
		validateStep(&draft),
		s.uniqueStep(&draft),
		required(stepPersist, func(ctx context.Context) error {
			var (
				saved model.Pipeline
				err   error
			)
			if existing {
				saved, err = s.db.UpdateDraft(ctx, draft)
			} else {
				saved, err = s.db.CreateDraft(ctx, live, draft)
			}
			if err != nil {
				return duplicate(kind, err)
			}
			draft = saved
			return nil
		}),
		s.auditStep("update", actor, &before, &draft),
		s.publishStep("update", actor, &before, &draft),
	)
	if err != nil {
		return model.Pipeline{}, err
	}
	return draft, nil
}

// shadowFor returns the existing shadow of live, or a fresh one one version
// ahead. existing reports which.
func (s *Service) shadowFor(ctx context.Context, live model.Pipeline) (draft model.Pipeline, existing bool, err error) {
	if live.HasDraft() {
		draft, err = s.db.GetDraft(ctx, live.Kind, live.App, live.ID)
		if err == nil {
			return draft, true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return model.Pipeline{}, false, err
		}
		// A dangling draftVersion is repaired by writing a new shadow.
	}
	draft, err = clone(live)
	if err != nil {
		return model.Pipeline{}, false, err
	}
	draft.Version = live.Version + 1
	draft.Status = model.StatusDraft
	draft.DraftVersion = nil
	draft.LastInvoked = nil
	return draft, false, nil
}

// Delete removes a Stopped or Draft document and its shadow. Flows notify
// their FILE agents; the deployment is torn down best-effort.
func (s *Service) Delete(ctx context.Context, kind model.Kind, app, id string, actor Actor) (string, error) {
	prof := model.Profile(kind)
	p, err := s.live(ctx, kind, app, id)
	if err != nil {
		return "", err
	}
	if p.Status != model.StatusStopped && p.Status != model.StatusDraft {
		return "", model.Conflict("Running %ss cannot be deleted", prof.LowerNoun)
	}

	err = s.run(ctx, "delete", kind, id,
		bestEffort(stepOrchestrate, func(ctx context.Context) error {
			if !s.runsContainer(&p) || p.Status == model.StatusDraft {
				return nil
			}
			w := s.cfg.Workload(&p)
			if err := s.orchestrated(ctx, "Unable to undeploy "+prof.Noun, func(ctx context.Context) (orchestrator.Response, error) {
				return s.orch.DeleteDeployment(ctx, w)
			}); err != nil && !notFoundUpstream(err) {
				return err
			}
			if err := s.orchestrated(ctx, "Unable to undeploy "+prof.Noun, func(ctx context.Context) (orchestrator.Response, error) {
				return s.orch.DeleteService(ctx, w)
			}); err != nil && !notFoundUpstream(err) {
				return err
			}
			return nil
		}),
		required(stepPersist, func(ctx context.Context) error {
			err := s.db.DeletePipeline(ctx, kind, id)
			if errors.Is(err, storage.ErrNotFound) {
				return model.NotFound("%s Not Found", prof.Noun)
			}
			return err
		}),
		s.auditStep("delete", actor, &p, nil),
		s.publishStep("delete", actor, &p, nil),
		s.actionsStep(&p, ledger.OpDelete),
	)
	if err != nil {
		return "", err
	}
	s.logger.Info("pipeline deleted", "kind", kind, "app", app, "id", id)
	return prof.Noun + " Deleted", nil
}
