// Package routing maps public data-plane paths to deployed pipelines and
// forwards business traffic to them.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

// Route is one entry of the table, keyed by "/{app}{inputPath}".
type Route struct {
	Key          string     `json:"key"`
	Kind         model.Kind `json:"kind"`
	App          string     `json:"app"`
	PipelineID   string     `json:"pipelineId"`
	PipelineName string     `json:"pipelineName"`
	Host         string     `json:"host"`
	TargetPath   string     `json:"targetPath"`
	SkipAuth     bool       `json:"skipAuth"`
}

// Source lists the pipelines a table is derived from.
type Source interface {
	ListActivePipelines(ctx context.Context, kind model.Kind) ([]model.Pipeline, error)
}

// Table is an in-memory cache over the Active pipelines of one kind. It is
// never the source of truth: Rebuild recomputes it wholesale and swaps it
// in atomically.
type Table struct {
	kind      model.Kind
	source    Source
	clustered bool
	logger    *slog.Logger

	routes atomic.Pointer[map[string]Route]
	group  singleflight.Group
	dirty  atomic.Bool
}

// NewTable returns an empty table. Call Rebuild to populate it.
func NewTable(kind model.Kind, source Source, clustered bool, logger *slog.Logger) *Table {
	t := &Table{kind: kind, source: source, clustered: clustered, logger: logger}
	empty := map[string]Route{}
	t.routes.Store(&empty)
	return t
}

// Kind returns the pipeline kind this table routes.
func (t *Table) Kind() model.Kind { return t.kind }

// Rebuild reloads the table. Concurrent callers share one query, but a
// caller never returns before a load that started after its call.
func (t *Table) Rebuild(ctx context.Context) error {
	t.dirty.Store(true)
	for {
		_, err, _ := t.group.Do("rebuild", func() (any, error) {
			for t.dirty.Swap(false) {
				if err := t.load(ctx); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		if err != nil || !t.dirty.Load() {
			return err
		}
	}
}

func (t *Table) load(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	pipelines, err := t.source.ListActivePipelines(ctx, t.kind)
	if err != nil {
		return fmt.Errorf("routing: load %s routes: %w", t.kind, err)
	}
	next := make(map[string]Route, len(pipelines))
	for i := range pipelines {
		r := t.routeFor(&pipelines[i])
		next[r.Key] = r
	}
	t.routes.Store(&next)
	t.logger.Info("routing: table rebuilt", "kind", t.kind, "routes", len(next))
	return nil
}

func (t *Table) routeFor(p *model.Pipeline) Route {
	prof := model.Profile(t.kind)
	path := p.InputPath()
	r := Route{
		Key:          "/" + p.App + path,
		Kind:         t.kind,
		App:          p.App,
		PipelineID:   p.ID,
		PipelineName: p.Name,
		TargetPath:   prof.ProxyBase + p.App + path,
		SkipAuth:     p.SkipAuth,
	}
	switch {
	case t.clustered:
		r.Host = "http://" + p.DeploymentName + "." + p.Namespace
	case t.kind == model.KindProcessFlow && p.Port > 0:
		r.Host = "http://localhost:" + strconv.Itoa(p.Port)
	default:
		r.Host = "http://localhost:" + strconv.Itoa(prof.LocalPort)
	}
	return r
}

// Lookup returns the route for key.
func (t *Table) Lookup(key string) (Route, bool) {
	r, ok := (*t.routes.Load())[key]
	return r, ok
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(*t.routes.Load()) }

// Routes returns a snapshot sorted by key.
func (t *Table) Routes() []Route {
	m := *t.routes.Load()
	out := make([]Route, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
