package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/orchestrator"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// Step names, in the order they may appear.
const (
	stepNormalize   = "normalize"
	stepValidate    = "validate"
	stepCheckUnique = "checkUnique"
	stepAssignID    = "assignID"
	stepOrchestrate = "orchestrate"
	stepPersist     = "persist"
	stepAudit       = "audit"
	stepPublish     = "publish"
	stepActions     = "agentActions"
	stepRoutes      = "rebuildRoutes"
)

type step struct {
	name string
	fn   func(ctx context.Context) error
	// optional failures are logged and the run continues.
	optional bool
}

func required(name string, fn func(ctx context.Context) error) step {
	return step{name: name, fn: fn}
}

func bestEffort(name string, fn func(ctx context.Context) error) step {
	return step{name: name, fn: fn, optional: true}
}

// run executes steps in order and stops at the first required failure.
func (s *Service) run(ctx context.Context, op string, kind model.Kind, id string, steps ...step) error {
	for _, st := range steps {
		s.logger.Debug("lifecycle step", "op", op, "kind", kind, "id", id, "step", st.name)
		if err := st.fn(ctx); err != nil {
			if st.optional {
				s.logger.Warn("lifecycle step failed", "op", op, "kind", kind, "id", id, "step", st.name, "error", err)
				continue
			}
			return err
		}
	}
	s.transitions.Add(ctx, 1)
	return nil
}

func (s *Service) normalizeStep(p *model.Pipeline) step {
	return required(stepNormalize, func(ctx context.Context) error {
		p.Normalize(s.cfg.PlatformNamespace)
		prof := model.Profile(p.Kind)
		if prof.FixedPort == 0 && prof.PortBase > 0 && p.Port == 0 {
			used, err := s.db.UsedPorts(ctx, p.Kind, p.App)
			if err != nil {
				return err
			}
			p.Port = nextPort(prof.PortBase, used)
		}
		return nil
	})
}

func validateStep(p *model.Pipeline) step {
	return required(stepValidate, func(context.Context) error { return p.Validate() })
}

func (s *Service) uniqueStep(p *model.Pipeline) step {
	return required(stepCheckUnique, func(ctx context.Context) error {
		c, err := s.db.FindConflicts(ctx, p.Kind, p.App, p.ID, p.Name, p.Endpoint())
		if err != nil {
			return err
		}
		noun := model.Profile(p.Kind).Noun
		switch {
		case c.Name:
			return model.Invalid("%s name is already in use", noun)
		case c.NameInDraft:
			return model.Invalid("%s name is already in use in draft", noun)
		case c.Endpoint:
			return model.Invalid("API endpoint is already in use")
		case c.EndpointInDraft:
			return model.Invalid("API endpoint is already in use in draft")
		}
		return nil
	})
}

// duplicate maps a unique index violation that slipped past checkUnique
// (two concurrent creates) to the same validation error.
func duplicate(kind model.Kind, err error) error {
	if errors.Is(err, storage.ErrDuplicate) {
		return model.Invalid("%s name is already in use", model.Profile(kind).Noun)
	}
	return err
}

func (s *Service) auditStep(action string, actor Actor, before, after *model.Pipeline) step {
	return bestEffort(stepAudit, func(ctx context.Context) error {
		p := after
		if p == nil {
			p = before
		}
		return s.db.InsertAudit(ctx, p.Kind, p.ID, p.App, action, actor.ID, before, after)
	})
}

func (s *Service) publishStep(action string, actor Actor, before, after *model.Pipeline) step {
	return bestEffort(stepPublish, func(ctx context.Context) error {
		if s.events == nil {
			return nil
		}
		p := after
		if p == nil {
			p = before
		}
		s.events.Publish(ctx, model.LifecycleEvent{
			Event:     model.Profile(p.Kind).EventName(action),
			Kind:      p.Kind,
			App:       p.App,
			ID:        p.ID,
			Action:    action,
			User:      actor.ID,
			Before:    before,
			After:     after,
			Timestamp: time.Now().UTC(),
		})
		return nil
	})
}

func (s *Service) actionsStep(p *model.Pipeline, op ledger.Op) step {
	return bestEffort(stepActions, func(ctx context.Context) error {
		if s.ledger == nil || !p.UsesFileAgents() {
			return nil
		}
		_, err := s.ledger.EmitForFlow(ctx, p, op)
		return err
	})
}

func (s *Service) routesStep(kind model.Kind) step {
	return bestEffort(stepRoutes, func(ctx context.Context) error {
		return s.RebuildRoutes(ctx, kind)
	})
}

// orchestrated wraps an orchestrator call, recording its latency and
// turning transport failures and non-2xx replies into UpstreamErrors.
func (s *Service) orchestrated(ctx context.Context, msg string, call func(ctx context.Context) (orchestrator.Response, error)) error {
	start := time.Now()
	resp, err := call(ctx)
	s.orchDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return &model.UpstreamError{Message: msg, Err: err}
	}
	if !resp.OK() {
		return &model.UpstreamError{Status: resp.StatusCode, Message: msg, Body: resp.Body}
	}
	return nil
}

// notFoundUpstream reports an orchestrator 404, which teardown treats as
// already done.
func notFoundUpstream(err error) bool {
	var ue *model.UpstreamError
	return errors.As(err, &ue) && ue.Status == http.StatusNotFound
}

// runsContainer reports whether p is deployed through the orchestrator.
func (s *Service) runsContainer(p *model.Pipeline) bool {
	return s.cfg.Clustered && !p.IsBinary
}
