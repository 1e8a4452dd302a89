// Package mcp implements the Model Context Protocol operator surface of the
// configuration manager.
//
// Operators and their assistants can inspect pipelines and routes and drive
// the deploy/start/stop transitions through MCP tools. Every call is scoped
// by the caller's JWT claims exactly like the HTTP control API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/routing"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/lifecycle"
)

// Pipelines is the slice of the lifecycle service the tools drive.
// *lifecycle.Service implements it.
type Pipelines interface {
	List(ctx context.Context, kind model.Kind, app string, params model.ListParams) ([]model.Pipeline, int, error)
	Get(ctx context.Context, kind model.Kind, app, id string, draft bool) (model.Pipeline, error)
	StatusCounts(ctx context.Context, kind model.Kind, app string) (map[string]int, error)
	Deploy(ctx context.Context, kind model.Kind, app, id string, actor lifecycle.Actor) (string, error)
	Start(ctx context.Context, kind model.Kind, app, id string, actor lifecycle.Actor) (string, error)
	Stop(ctx context.Context, kind model.Kind, app, id string, actor lifecycle.Actor) (string, error)
}

// Server wraps the MCP server with the lifecycle service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	pipelines Pipelines
	tables    map[model.Kind]*routing.Table
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(pipelines Pipelines, tables map[model.Kind]*routing.Table, version string, logger *slog.Logger) *Server {
	s := &Server{
		pipelines: pipelines,
		tables:    tables,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"dnio-configuration-manager",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(instructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

const instructions = `This server manages the data flows (flow), functions (faas) and process flows (processflow) of a B2B integration platform.
Read before you write: inspect a pipeline with cm_get_pipeline before deploying, starting or stopping it.
Every tool takes the app the pipeline belongs to; you can only reach apps your token grants.`

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
