package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/orchestrator"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// checkSelfDeploy enforces four-eyes deployment when enabled.
func (s *Service) checkSelfDeploy(actor Actor, lastEditor string) error {
	if !s.cfg.VerifyDeploymentUser || actor.SuperAdmin {
		return nil
	}
	if lastEditor != "" && lastEditor == actor.ID {
		return model.Forbidden("You cannot deploy your own changes")
	}
	return nil
}

// Deploy promotes pending changes and (re)deploys the pipeline. A Draft
// document is deployed as is; any other status requires a draft shadow,
// which is copied onto the live document and removed.
func (s *Service) Deploy(ctx context.Context, kind model.Kind, app, id string, actor Actor) (string, error) {
	prof := model.Profile(kind)
	live, err := s.forTransition(ctx, kind, app, id)
	if err != nil {
		return "", err
	}
	if live.Status != model.StatusDraft && !live.HasDraft() {
		return "", model.Conflict("No changes to redeploy")
	}
	before, err := clone(live)
	if err != nil {
		return "", err
	}
	wasActive := live.Status == model.StatusActive

	promoted := false
	if live.Status == model.StatusDraft {
		if err := s.checkSelfDeploy(actor, live.Metadata.LastUpdatedBy); err != nil {
			return "", err
		}
	} else {
		draft, err := s.db.GetDraft(ctx, kind, app, id)
		if errors.Is(err, storage.ErrNotFound) {
			return "", model.Conflict("No changes to redeploy")
		}
		if err != nil {
			return "", err
		}
		if err := s.checkSelfDeploy(actor, draft.Metadata.LastUpdatedBy); err != nil {
			return "", err
		}
		if draft.App != live.App {
			return "", model.Conflict("App change not permitted")
		}
		model.PromoteDraft(&live, draft)
		promoted = true
	}
	live.Normalize(s.cfg.PlatformNamespace)
	live.DraftVersion = nil
	live.Status = model.StatusPending
	if live.IsBinary {
		live.Status = model.StatusActive
	}
	live.Metadata.LastUpdatedBy = actor.ID

	op := ledger.OpCreate
	if wasActive {
		op = ledger.OpUpdate
	}
	msg := "Unable to deploy " + prof.Noun
	err = s.run(ctx, "deploy", kind, id,
		required(stepPersist, func(ctx context.Context) error {
			var (
				saved model.Pipeline
				err   error
			)
			if promoted {
				saved, err = s.db.PromoteDraft(ctx, live)
			} else {
				saved, err = s.db.UpdatePipeline(ctx, live)
			}
			if err != nil {
				return duplicate(kind, err)
			}
			live = saved
			return nil
		}),
		required(stepOrchestrate, func(ctx context.Context) error {
			if !s.runsContainer(&live) {
				return nil
			}
			w := s.cfg.Workload(&live)
			if err := s.orchestrated(ctx, msg, func(ctx context.Context) (orchestrator.Response, error) {
				return s.orch.UpsertService(ctx, w)
			}); err != nil {
				return err
			}
			return s.orchestrated(ctx, msg, func(ctx context.Context) (orchestrator.Response, error) {
				return s.orch.UpsertDeployment(ctx, w)
			})
		}),
		s.auditStep("deploy", actor, &before, &live),
		s.publishStep("deploy", actor, &before, &live),
		s.actionsStep(&live, op),
		s.routesStep(kind),
	)
	if err != nil {
		s.logger.Error("deploy failed", "kind", kind, "app", app, "id", id, "error", err)
		return "", err
	}
	s.logger.Info("pipeline deployed", "kind", kind, "app", app, "id", id, "status", live.Status, "version", live.Version)
	return prof.Noun + " Deployed", nil
}

// Repair deletes and recreates the service and deployment regardless of the
// current status, then marks the pipeline Pending.
func (s *Service) Repair(ctx context.Context, kind model.Kind, app, id string, actor Actor) (string, error) {
	prof := model.Profile(kind)
	p, err := s.forTransition(ctx, kind, app, id)
	if err != nil {
		return "", err
	}
	before := p
	next := model.StatusPending
	if p.IsBinary {
		next = model.StatusActive
	}
	msg := "Unable to repair " + prof.Noun

	err = s.run(ctx, "repair", kind, id,
		required(stepOrchestrate, func(ctx context.Context) error {
			if !s.runsContainer(&p) {
				return nil
			}
			w := s.cfg.Workload(&p)
			for _, call := range []func(context.Context) (orchestrator.Response, error){
				func(ctx context.Context) (orchestrator.Response, error) { return s.orch.DeleteDeployment(ctx, w) },
				func(ctx context.Context) (orchestrator.Response, error) { return s.orch.DeleteService(ctx, w) },
			} {
				if err := s.orchestrated(ctx, msg, call); err != nil && !notFoundUpstream(err) {
					return err
				}
			}
			if err := s.orchestrated(ctx, msg, func(ctx context.Context) (orchestrator.Response, error) {
				return s.orch.UpsertService(ctx, w)
			}); err != nil {
				return err
			}
			return s.orchestrated(ctx, msg, func(ctx context.Context) (orchestrator.Response, error) {
				return s.orch.UpsertDeployment(ctx, w)
			})
		}),
		s.statusStep(&p, next),
		s.auditStep("repair", actor, &before, &p),
		s.publishStep("repair", actor, &before, &p),
		s.routesStep(kind),
	)
	if err != nil {
		s.logger.Error("repair failed", "kind", kind, "app", app, "id", id, "error", err)
		return "", err
	}
	return prof.Noun + " Repaired", nil
}

// Start scales a stopped pipeline back up.
func (s *Service) Start(ctx context.Context, kind model.Kind, app, id string, actor Actor) (string, error) {
	prof := model.Profile(kind)
	p, err := s.forTransition(ctx, kind, app, id)
	if err != nil {
		return "", err
	}
	if p.Status == model.StatusActive {
		return "", model.Conflict("Can't restart a running %s", prof.LowerNoun)
	}
	before := p
	next := model.StatusPending
	if p.IsBinary {
		next = model.StatusActive
	}

	err = s.run(ctx, "start", kind, id,
		s.scaleStep(&p, 1, "Unable to start "+prof.Noun),
		s.statusStep(&p, next),
		s.auditStep("start", actor, &before, &p),
		s.publishStep("start", actor, &before, &p),
		s.actionsStep(&p, ledger.OpStart),
		s.routesStep(kind),
	)
	if err != nil {
		return "", err
	}
	s.logger.Info("pipeline started", "kind", kind, "app", app, "id", id, "status", next)
	return prof.Noun + " Started", nil
}

// Stop scales an Active pipeline to zero.
func (s *Service) Stop(ctx context.Context, kind model.Kind, app, id string, actor Actor) (string, error) {
	prof := model.Profile(kind)
	p, err := s.forTransition(ctx, kind, app, id)
	if err != nil {
		return "", err
	}
	if p.Status != model.StatusActive {
		return "", model.Conflict("Can't stop an inactive %s", prof.LowerNoun)
	}
	before := p

	err = s.run(ctx, "stop", kind, id,
		s.scaleStep(&p, 0, "Unable to stop "+prof.Noun),
		s.statusStep(&p, model.StatusStopped),
		s.auditStep("stop", actor, &before, &p),
		s.publishStep("stop", actor, &before, &p),
		s.actionsStep(&p, ledger.OpStop),
		s.routesStep(kind),
	)
	if err != nil {
		return "", err
	}
	s.logger.Info("pipeline stopped", "kind", kind, "app", app, "id", id)
	return prof.Noun + " Stopped", nil
}

// Init is the readiness callback a pipeline runtime makes once it serves
// traffic.
func (s *Service) Init(ctx context.Context, kind model.Kind, app, id string) (string, error) {
	prof := model.Profile(kind)
	p, err := s.forTransition(ctx, kind, app, id)
	if err != nil {
		return "", err
	}
	before := p
	err = s.run(ctx, "init", kind, id,
		s.statusStep(&p, model.StatusActive),
		s.publishStep("init", Actor{}, &before, &p),
		s.routesStep(kind),
	)
	if err != nil {
		return "", err
	}
	return prof.Noun + " Status Updated", nil
}

// DraftDelete discards the draft shadow of a deployed document.
func (s *Service) DraftDelete(ctx context.Context, kind model.Kind, app, id string, actor Actor) (string, error) {
	prof := model.Profile(kind)
	p, err := s.db.GetPipeline(ctx, kind, app, id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", model.NotFound("Invalid %s", prof.Noun)
	}
	if err != nil {
		return "", err
	}
	if !p.HasDraft() {
		return "", model.NotFound("Draft not found for %s", id)
	}
	before := p
	err = s.run(ctx, "draftDelete", kind, id,
		required(stepPersist, func(ctx context.Context) error {
			err := s.db.DeleteDraft(ctx, kind, id)
			if errors.Is(err, storage.ErrNotFound) {
				return model.NotFound("Draft not found for %s", id)
			}
			p.DraftVersion = nil
			return err
		}),
		s.auditStep("discard_draft", actor, &before, &p),
		s.publishStep("discard_draft", actor, &before, &p),
	)
	if err != nil {
		return "", err
	}
	return "Draft deleted for " + id, nil
}

// BulkResult is the immediate answer to StartAll and StopAll.
type BulkResult struct {
	Status  int
	Message string
	Count   int
}

// StartAll starts every Stopped pipeline of app in the background.
func (s *Service) StartAll(ctx context.Context, kind model.Kind, app string, actor Actor) (BulkResult, error) {
	prof := model.Profile(kind)
	return s.bulk(ctx, kind, app, model.StatusStopped, "startAll",
		"No "+prof.Plural()+" to Start",
		"Request to start all "+prof.LowerNoun+"s has been received",
		func(ctx context.Context, id string) (string, error) { return s.Start(ctx, kind, app, id, actor) })
}

// StopAll stops every Active pipeline of app in the background.
func (s *Service) StopAll(ctx context.Context, kind model.Kind, app string, actor Actor) (BulkResult, error) {
	prof := model.Profile(kind)
	return s.bulk(ctx, kind, app, model.StatusActive, "stopAll",
		"No "+prof.Plural()+" to Stop",
		"Request to stop all "+prof.LowerNoun+"s has been received",
		func(ctx context.Context, id string) (string, error) { return s.Stop(ctx, kind, app, id, actor) })
}

func (s *Service) bulk(ctx context.Context, kind model.Kind, app string, from model.Status, op, none, accepted string,
	apply func(ctx context.Context, id string) (string, error)) (BulkResult, error) {
	items, err := s.db.ListPipelines(ctx, storage.PipelineFilter{Kind: kind, App: app, Status: from})
	if err != nil {
		return BulkResult{}, err
	}
	if len(items) == 0 {
		return BulkResult{Status: http.StatusOK, Message: none}, nil
	}

	// The request returns before the work is done, so the run must not
	// inherit its cancellation.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BulkTimeout)
	s.bulkRuns.Add(1)
	go func() {
		defer s.bulkRuns.Done()
		defer cancel()
		start := time.Now()
		g, gctx := errgroup.WithContext(bg)
		g.SetLimit(s.cfg.BulkConcurrency)
		for _, p := range items {
			g.Go(func() error {
				if _, err := apply(gctx, p.ID); err != nil {
					s.logger.Error("bulk item failed", "op", op, "kind", kind, "app", app, "id", p.ID, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
		s.logger.Info("bulk run finished", "op", op, "kind", kind, "app", app,
			"items", len(items), "duration_ms", time.Since(start).Milliseconds())
	}()
	return BulkResult{Status: http.StatusAccepted, Message: accepted, Count: len(items)}, nil
}

func (s *Service) scaleStep(p *model.Pipeline, replicas int, msg string) step {
	return required(stepOrchestrate, func(ctx context.Context) error {
		if !s.runsContainer(p) {
			return nil
		}
		w := s.cfg.Workload(p)
		return s.orchestrated(ctx, msg, func(ctx context.Context) (orchestrator.Response, error) {
			return s.orch.ScaleDeployment(ctx, w, replicas)
		})
	})
}

func (s *Service) statusStep(p *model.Pipeline, status model.Status) step {
	return required(stepPersist, func(ctx context.Context) error {
		if err := s.db.SetPipelineStatus(ctx, p.Kind, p.ID, status); err != nil {
			return err
		}
		p.Status = status
		return nil
	})
}
