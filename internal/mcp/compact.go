package mcp

import (
	"time"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

// staleAfter is how long an Active pipeline may go without traffic before
// the compact view flags it.
const staleAfter = 30 * 24 * time.Hour

// compactPipeline returns a minimal representation of a pipeline for MCP
// responses. Topology, data structures and code are dropped.
func compactPipeline(p *model.Pipeline) map[string]any {
	m := map[string]any{
		"id":              p.ID,
		"name":            p.Name,
		"status":          p.Status,
		"version":         p.Version,
		"deployment_name": p.DeploymentName,
		"last_updated":    p.Metadata.LastUpdated,
	}
	if p.DraftVersion != nil {
		m["draft_version"] = *p.DraftVersion
	}
	if path := p.InputPath(); path != "" {
		m["input_path"] = path
	}
	if p.URL != "" {
		m["url"] = p.URL
	}
	if p.LastInvoked != nil {
		m["last_invoked"] = *p.LastInvoked
	}
	if note := contextNote(p, time.Now()); note != "" {
		m["context_note"] = note
	}
	return m
}

// contextNote produces a short operator hint. First match wins; "" when
// no rule fires.
func contextNote(p *model.Pipeline, now time.Time) string {
	switch {
	case p.Status == model.StatusError:
		return "Deployment failed. Check the orchestrator before redeploying."
	case p.Status == model.StatusPending:
		return "Waiting for the runtime to report ready."
	case p.HasDraft():
		return "Has undeployed draft changes."
	case p.Status == model.StatusActive && p.LastInvoked != nil && now.Sub(*p.LastInvoked) > staleAfter:
		return "Active but no traffic for over 30 days."
	}
	return ""
}
