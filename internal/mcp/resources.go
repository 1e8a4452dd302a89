package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/datanimbus/dnio-configuration-manager/internal/authz"
	"github.com/datanimbus/dnio-configuration-manager/internal/ctxutil"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

const summaryPrefix = "cm://apps/"

func (s *Server) registerResources() {
	// cm://kinds: the pipeline kinds and how each is deployed and routed.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"cm://kinds",
			"Pipeline Kinds",
			mcplib.WithResourceDescription("The pipeline kinds and how each is deployed and routed"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleKinds,
	)

	// cm://apps/{app}/summary: status counts of every kind in one app.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			summaryPrefix+"{app}/summary",
			"App Summary",
			mcplib.WithTemplateDescription("Pipeline status counts per kind for one app"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAppSummary,
	)
}

type kindInfo struct {
	Kind      model.Kind `json:"kind"`
	Noun      string     `json:"noun"`
	IDPrefix  string     `json:"id_prefix"`
	Routed    bool       `json:"routed"`
	ProxyBase string     `json:"proxy_base,omitempty"`
	Image     string     `json:"image"`
}

func (s *Server) handleKinds(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	out := make([]kindInfo, 0, len(model.Kinds))
	for _, k := range model.Kinds {
		prof := model.Profile(k)
		out = append(out, kindInfo{
			Kind:      k,
			Noun:      prof.Noun,
			IDPrefix:  prof.IDPrefix,
			Routed:    prof.Routed,
			ProxyBase: prof.ProxyBase,
			Image:     prof.ImageName,
		})
	}
	return textResource(request.Params.URI, out)
}

// appFromSummaryURI parses cm://apps/{app}/summary.
func appFromSummaryURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, summaryPrefix)
	if !ok {
		return "", false
	}
	app, ok := strings.CutSuffix(rest, "/summary")
	if !ok || app == "" || strings.Contains(app, "/") {
		return "", false
	}
	return app, true
}

func (s *Server) handleAppSummary(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	app, ok := appFromSummaryURI(uri)
	if !ok {
		return nil, fmt.Errorf("mcp: invalid app summary URI: %s", uri)
	}
	if err := authz.CheckApp(ctxutil.ClaimsFromContext(ctx), app); err != nil {
		return nil, fmt.Errorf("mcp: %w", err)
	}
	summary := make(map[model.Kind]map[string]int, len(model.Kinds))
	for _, k := range model.Kinds {
		counts, err := s.pipelines.StatusCounts(ctx, k, app)
		if err != nil {
			return nil, fmt.Errorf("mcp: %s status counts: %w", k, err)
		}
		summary[k] = counts
	}
	return textResource(uri, map[string]any{"app": app, "kinds": summary})
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
