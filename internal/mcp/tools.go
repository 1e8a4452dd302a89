package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
	"github.com/datanimbus/dnio-configuration-manager/internal/authz"
	"github.com/datanimbus/dnio-configuration-manager/internal/ctxutil"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/routing"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/lifecycle"
)

func kindArg() mcplib.ToolOption {
	return mcplib.WithString("kind",
		mcplib.Description("Pipeline kind: flow, faas (functions) or processflow"),
		mcplib.Enum(string(model.KindFlow), string(model.KindFunction), string(model.KindProcessFlow)),
		mcplib.Required(),
	)
}

func appArg() mcplib.ToolOption {
	return mcplib.WithString("app",
		mcplib.Description("The app (tenant) the pipeline belongs to"),
		mcplib.Required(),
	)
}

func idArg() mcplib.ToolOption {
	return mcplib.WithString("id",
		mcplib.Description("Pipeline id, e.g. FLOW2001, FS2001 or PF2001"),
		mcplib.Required(),
	)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("cm_list_pipelines",
			mcplib.WithDescription(`List the pipelines of one kind in an app, newest first.

Results are compact: id, name, status, versions and deployment name.
Use cm_get_pipeline for the full document.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			kindArg(),
			appArg(),
			mcplib.WithString("status",
				mcplib.Description("Optional status filter"),
				mcplib.Enum(string(model.StatusDraft), string(model.StatusPending), string(model.StatusActive),
					string(model.StatusStopped), string(model.StatusError)),
			),
			mcplib.WithString("name", mcplib.Description("Optional case-insensitive name filter")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithNumber("offset", mcplib.Description("Results to skip"), mcplib.Min(0)),
		),
		s.handleListPipelines,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cm_get_pipeline",
			mcplib.WithDescription(`Fetch one pipeline document.

With draft=true the pending draft is returned when one exists, otherwise
the live document.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			kindArg(),
			appArg(),
			idArg(),
			mcplib.WithBoolean("draft", mcplib.Description("Prefer the draft over the live document")),
		),
		s.handleGetPipeline,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cm_status_counts",
			mcplib.WithDescription("Count the pipelines of one kind in an app, per status plus a Total."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			kindArg(),
			appArg(),
		),
		s.handleStatusCounts,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cm_deploy_pipeline",
			mcplib.WithDescription(`Deploy a pipeline: promote its draft to live and (re)create its container.

Fails with "No changes to redeploy" when an Active pipeline has no draft.
Some installations refuse a deploy by the last editor of the pipeline.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			kindArg(),
			appArg(),
			idArg(),
		),
		s.transition("deploy", s.pipelines.Deploy),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cm_start_pipeline",
			mcplib.WithDescription("Start a Stopped pipeline by scaling its deployment back up."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			kindArg(),
			appArg(),
			idArg(),
		),
		s.transition("start", s.pipelines.Start),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cm_stop_pipeline",
			mcplib.WithDescription("Stop a running pipeline by scaling its deployment to zero. Live traffic to it will fail with \"not running\"."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			kindArg(),
			appArg(),
			idArg(),
		),
		s.transition("stop", s.pipelines.Stop),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("cm_list_routes",
			mcplib.WithDescription(`List the live proxy routes: which public path reaches which pipeline.

Without app, every route visible to your token is returned.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("app", mcplib.Description("Optional app filter")),
		),
		s.handleListRoutes,
	)
}

// scope resolves the kind and app arguments and checks the caller may use
// the app.
func scope(ctx context.Context, request mcplib.CallToolRequest) (model.Kind, string, *auth.Claims, *mcplib.CallToolResult) {
	kind, ok := model.ParseKind(request.GetString("kind", ""))
	if !ok {
		return "", "", nil, errorResult("kind must be one of flow, faas, processflow")
	}
	app := request.GetString("app", "")
	if app == "" {
		return "", "", nil, errorResult("app is required")
	}
	claims := ctxutil.ClaimsFromContext(ctx)
	if err := authz.CheckApp(claims, app); err != nil {
		return "", "", nil, errorResult(err.Error())
	}
	return kind, app, claims, nil
}

// toolError surfaces domain errors verbatim and hides internal ones.
func (s *Server) toolError(op string, err error) *mcplib.CallToolResult {
	var (
		ve *model.ValidationError
		ne *model.NotFoundError
		ce *model.ConflictError
		ue *model.UpstreamError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ne), errors.As(err, &ce):
		return errorResult(err.Error())
	case errors.As(err, &ue):
		return errorResult(ue.Message)
	}
	s.logger.Error("mcp: tool failed", "op", op, "error", err)
	return errorResult(op + " failed")
}

func (s *Server) handleListPipelines(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kind, app, _, denied := scope(ctx, request)
	if denied != nil {
		return denied, nil
	}
	params := model.ListParams{
		Status: model.Status(request.GetString("status", "")),
		Name:   request.GetString("name", ""),
		Limit:  request.GetInt("limit", 20),
		Offset: request.GetInt("offset", 0),
	}
	params.Normalize()
	if params.Status != "" && !model.ValidStatus(params.Status) {
		return errorResult(fmt.Sprintf("unknown status %q", params.Status)), nil
	}
	items, total, err := s.pipelines.List(ctx, kind, app, params)
	if err != nil {
		return s.toolError("list", err), nil
	}
	out := make([]map[string]any, len(items))
	for i := range items {
		out[i] = compactPipeline(&items[i])
	}
	return jsonResult(map[string]any{
		"pipelines": out,
		"total":     total,
		"has_more":  params.Offset+len(items) < total,
	}), nil
}

func (s *Server) handleGetPipeline(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kind, app, _, denied := scope(ctx, request)
	if denied != nil {
		return denied, nil
	}
	id := request.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}
	p, err := s.pipelines.Get(ctx, kind, app, id, request.GetBool("draft", false))
	if err != nil {
		return s.toolError("get", err), nil
	}
	return jsonResult(p), nil
}

func (s *Server) handleStatusCounts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kind, app, _, denied := scope(ctx, request)
	if denied != nil {
		return denied, nil
	}
	counts, err := s.pipelines.StatusCounts(ctx, kind, app)
	if err != nil {
		return s.toolError("status counts", err), nil
	}
	return jsonResult(counts), nil
}

type transitionFunc func(ctx context.Context, kind model.Kind, app, id string, actor lifecycle.Actor) (string, error)

func (s *Server) transition(op string, fn transitionFunc) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		kind, app, claims, denied := scope(ctx, request)
		if denied != nil {
			return denied, nil
		}
		id := request.GetString("id", "")
		if id == "" {
			return errorResult("id is required"), nil
		}
		msg, err := fn(ctx, kind, app, id, lifecycle.Actor{ID: claims.Subject, SuperAdmin: claims.SuperAdmin})
		if err != nil {
			return s.toolError(op, err), nil
		}
		s.logger.Info("mcp: pipeline transition", "op", op, "kind", kind, "app", app, "id", id, "actor", claims.Subject)
		return jsonResult(map[string]string{"id": id, "message": msg}), nil
	}
}

func (s *Server) handleListRoutes(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if err := authz.CheckUser(claims); err != nil {
		return errorResult(err.Error()), nil
	}
	app := request.GetString("app", "")
	if app != "" {
		if err := authz.CheckApp(claims, app); err != nil {
			return errorResult(err.Error()), nil
		}
	}
	var routes []routing.Route
	for _, kind := range model.Kinds {
		t, ok := s.tables[kind]
		if !ok {
			continue
		}
		for _, r := range authz.FilterRoutes(claims, t.Routes()) {
			if app == "" || r.App == app {
				routes = append(routes, r)
			}
		}
	}
	return jsonResult(map[string]any{"routes": routes, "total": len(routes)}), nil
}
