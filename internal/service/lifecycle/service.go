// Package lifecycle implements draft/live editing and the deployment state
// machine shared by flows, functions and process flows.
//
// Every operation is written once against a model.KindProfile; the HTTP
// handlers and the MCP tools both delegate here. Mutations run as a named
// step list (see steps.go) so the order of side effects is explicit:
// persistence first, then audit, events, agent actions and route rebuilds,
// which are best-effort.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/datanimbus/dnio-configuration-manager/internal/events"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/orchestrator"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
	"github.com/datanimbus/dnio-configuration-manager/internal/telemetry"
)

// Config carries the deployment settings the lifecycle needs.
type Config struct {
	PlatformNamespace string
	Clustered         bool
	ImageTag          string
	RegistryServer    string
	RegistryType      string

	// VerifyDeploymentUser rejects deploys by the last editor.
	VerifyDeploymentUser bool

	// ForwardEnv lists the variables copied into deployments. nil means
	// DefaultForwardEnv.
	ForwardEnv []string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string

	// BulkTimeout bounds one startAll/stopAll run.
	BulkTimeout time.Duration
	// BulkConcurrency bounds parallel items in a bulk run.
	BulkConcurrency int
}

func (c Config) getenv(k string) string {
	if c.Getenv != nil {
		return c.Getenv(k)
	}
	return os.Getenv(k)
}

// Actor is the authenticated caller of a mutation.
type Actor struct {
	ID         string
	SuperAdmin bool
}

// RouteRebuilder recomputes a route table. routing.Table implements it.
type RouteRebuilder interface {
	Rebuild(ctx context.Context) error
}

// Service is the VersionedDocumentStore workflow plus the LifecycleController.
type Service struct {
	db     *storage.DB
	orch   orchestrator.Client
	ledger *ledger.Ledger
	events *events.Publisher
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	routes map[model.Kind]RouteRebuilder

	bulkRuns sync.WaitGroup

	transitions  metric.Int64Counter
	orchDuration metric.Float64Histogram
}

// New creates a lifecycle Service. orch may be nil, in which case every
// orchestrator call succeeds.
func New(db *storage.DB, orch orchestrator.Client, ldg *ledger.Ledger, pub *events.Publisher, cfg Config, logger *slog.Logger) *Service {
	if orch == nil {
		orch = orchestrator.LocalClient{}
	}
	if cfg.BulkTimeout <= 0 {
		cfg.BulkTimeout = 10 * time.Minute
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 4
	}
	return &Service{
		db:     db,
		orch:   orch,
		ledger: ldg,
		events: pub,
		cfg:    cfg,
		logger: logger,
		routes: make(map[model.Kind]RouteRebuilder),
		transitions: telemetry.Int64Counter("configmanager/lifecycle",
			"cm.lifecycle.transitions", "Lifecycle transitions applied"),
		orchDuration: telemetry.Float64Histogram("configmanager/lifecycle",
			"cm.orchestrator.call.duration", "Orchestrator call latency", "ms"),
	}
}

// SetRoutes registers the route table rebuilt after transitions of kind.
func (s *Service) SetRoutes(kind model.Kind, r RouteRebuilder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[kind] = r
}

// RebuildRoutes recomputes the route table of kind, if one is registered.
func (s *Service) RebuildRoutes(ctx context.Context, kind model.Kind) error {
	s.mu.RLock()
	r := s.routes[kind]
	s.mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.Rebuild(ctx)
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// Wait blocks until every background bulk run has finished.
func (s *Service) Wait() { s.bulkRuns.Wait() }

// Get returns the live document, or its draft shadow when draft is true and
// one exists.
func (s *Service) Get(ctx context.Context, kind model.Kind, app, id string, draft bool) (model.Pipeline, error) {
	live, err := s.live(ctx, kind, app, id)
	if err != nil {
		return model.Pipeline{}, err
	}
	if !draft || !live.HasDraft() {
		return live, nil
	}
	shadow, err := s.db.GetDraft(ctx, kind, app, id)
	if errors.Is(err, storage.ErrNotFound) {
		return live, nil
	}
	if err != nil {
		return model.Pipeline{}, err
	}
	return shadow, nil
}

// List returns one page of an app's live documents and the unpaged total.
func (s *Service) List(ctx context.Context, kind model.Kind, app string, params model.ListParams) ([]model.Pipeline, int, error) {
	params.Normalize()
	f := storage.PipelineFilter{
		Kind:   kind,
		App:    app,
		Status: params.Status,
		Name:   params.Name,
		Limit:  params.Limit,
		Offset: params.Offset,
	}
	items, err := s.db.ListPipelines(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.db.CountPipelines(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []model.Pipeline{}
	}
	return items, total, nil
}

// Count counts an app's live documents matching params, ignoring paging.
func (s *Service) Count(ctx context.Context, kind model.Kind, app string, params model.ListParams) (int, error) {
	return s.db.CountPipelines(ctx, storage.PipelineFilter{
		Kind:   kind,
		App:    app,
		Status: params.Status,
		Name:   params.Name,
	})
}

// StatusCounts maps each status to its count and adds a Total entry.
func (s *Service) StatusCounts(ctx context.Context, kind model.Kind, app string) (map[string]int, error) {
	counts, err := s.db.StatusCounts(ctx, kind, app)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts)+1)
	total := 0
	for st, n := range counts {
		out[string(st)] = n
		total += n
	}
	out["Total"] = total
	return out, nil
}

// History returns the audit trail of one document, newest first.
func (s *Service) History(ctx context.Context, kind model.Kind, app, id string, limit int) ([]model.AuditEntry, error) {
	if _, err := s.live(ctx, kind, app, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListAudit(ctx, kind, id, limit)
}

func (s *Service) live(ctx context.Context, kind model.Kind, app, id string) (model.Pipeline, error) {
	p, err := s.db.GetPipeline(ctx, kind, app, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Pipeline{}, model.NotFound("%s Not Found", model.Profile(kind).Noun)
	}
	if err != nil {
		return model.Pipeline{}, err
	}
	return p, nil
}

// forTransition loads the live document for a state transition, where a
// missing document is a bad request rather than a 404.
func (s *Service) forTransition(ctx context.Context, kind model.Kind, app, id string) (model.Pipeline, error) {
	p, err := s.db.GetPipeline(ctx, kind, app, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Pipeline{}, model.Conflict("Invalid %s", model.Profile(kind).Noun)
	}
	if err != nil {
		return model.Pipeline{}, err
	}
	return p, nil
}

// clone deep-copies a document so edits to nested nodes never alias.
func clone(p model.Pipeline) (model.Pipeline, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("lifecycle: clone: %w", err)
	}
	var out model.Pipeline
	if err := json.Unmarshal(b, &out); err != nil {
		return model.Pipeline{}, fmt.Errorf("lifecycle: clone: %w", err)
	}
	out.LastInvoked = p.LastInvoked
	return out, nil
}
