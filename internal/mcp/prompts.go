package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// diagnose-pipeline walks through why a pipeline is not serving traffic.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("diagnose-pipeline",
			mcplib.WithPromptDescription("Find out why a pipeline is not serving traffic"),
			mcplib.WithArgument("kind",
				mcplib.ArgumentDescription("flow, faas or processflow"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("app",
				mcplib.ArgumentDescription("The app the pipeline belongs to"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("id",
				mcplib.ArgumentDescription("The pipeline id"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleDiagnosePrompt,
	)

	// safe-redeploy: inspect, deploy, then confirm the route.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("safe-redeploy",
			mcplib.WithPromptDescription("Redeploy a pipeline after checking it has changes to ship"),
			mcplib.WithArgument("kind", mcplib.ArgumentDescription("flow, faas or processflow"), mcplib.RequiredArgument()),
			mcplib.WithArgument("app", mcplib.ArgumentDescription("The app the pipeline belongs to"), mcplib.RequiredArgument()),
			mcplib.WithArgument("id", mcplib.ArgumentDescription("The pipeline id"), mcplib.RequiredArgument()),
		),
		s.handleRedeployPrompt,
	)
}

func promptArgs(request mcplib.GetPromptRequest) (kind, app, id string, err error) {
	args := request.Params.Arguments
	kind, app, id = args["kind"], args["app"], args["id"]
	if kind == "" || app == "" || id == "" {
		return "", "", "", fmt.Errorf("kind, app and id arguments are required")
	}
	return kind, app, id, nil
}

func userPrompt(description, text string) *mcplib.GetPromptResult {
	return &mcplib.GetPromptResult{
		Description: description,
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}
}

func (s *Server) handleDiagnosePrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	kind, app, id, err := promptArgs(request)
	if err != nil {
		return nil, err
	}
	return userPrompt(
		fmt.Sprintf("Diagnose %s %s in %s", kind, id, app),
		fmt.Sprintf(`Work out why %s %s in app %s is not serving traffic:

1. CALL cm_get_pipeline with kind="%s", app="%s", id="%s".
   - Draft: it was never deployed. Deploy it.
   - Pending: the container has not reported ready yet. Wait, or check the orchestrator.
   - Stopped: it was stopped on purpose. Start it only if that is intended.
   - Error: the last deployment failed. Fix the cause before redeploying.

2. If it is Active, CALL cm_list_routes with app="%s" and confirm a route points at %s.
   A missing route means the route table has not caught up; it refreshes on its own.

3. Summarise the status, the route and the next action for the operator.`,
			kind, id, app, kind, app, id, app, id),
	), nil
}

func (s *Server) handleRedeployPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	kind, app, id, err := promptArgs(request)
	if err != nil {
		return nil, err
	}
	return userPrompt(
		fmt.Sprintf("Redeploy %s %s in %s", kind, id, app),
		fmt.Sprintf(`Redeploy %s %s in app %s safely:

1. CALL cm_get_pipeline with kind="%s", app="%s", id="%s" and draft=true.
   If draftVersion is null and the pipeline is Active, there is nothing to ship. Stop here.

2. CALL cm_deploy_pipeline with the same arguments.

3. CALL cm_get_pipeline again. Expect Pending until the runtime reports ready, then Active.`,
			kind, id, app, kind, app, id),
	), nil
}
