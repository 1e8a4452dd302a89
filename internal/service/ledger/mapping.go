package ledger

import (
	"strings"
	"time"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

// Op is a flow lifecycle operation that agents bound to the flow must hear
// about.
type Op string

const (
	OpCreate Op = "create"
	OpDeploy Op = "deploy"
	OpStart  Op = "start"
	OpStop   Op = "stop"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpKill   Op = "kill"
)

var opActions = map[Op]model.ActionKind{
	OpCreate: model.ActionFlowCreate,
	OpDeploy: model.ActionFlowCreate,
	OpStart:  model.ActionFlowStart,
	OpStop:   model.ActionFlowStop,
	OpUpdate: model.ActionFlowUpdate,
	OpDelete: model.ActionFlowDelete,
	OpKill:   model.ActionStopAgent,
}

// Content types whose files carry no meaningful extension.
var anySuffix = map[string]bool{"BINARY": true, "DELIMITER": true, "FLATFILE": true}

// FileMeta is the metaData of a flow action.
type FileMeta struct {
	FileSuffix  string `json:"fileSuffix"`
	FileMaxSize int64  `json:"fileMaxSize,omitempty"`
}

type boundAgent struct {
	ref   model.AgentRef
	input bool
}

// FlowActions maps a lifecycle operation on a flow to one action per
// FILE-bound agent: every agent of a FILE input node, and every agent of
// the first FILE node in the topology. maxFileSize is sent to input agents.
func FlowActions(p *model.Pipeline, op Op, maxFileSize int64, now time.Time) []model.AgentAction {
	kind, ok := opActions[op]
	if !ok || p.InputNode == nil {
		return nil
	}
	input := p.InputNode
	var output *model.Node
	for i := range p.Nodes {
		if p.Nodes[i].Type == model.NodeTypeFile {
			output = &p.Nodes[i]
			break
		}
	}

	var agents []boundAgent
	if input.Type == model.NodeTypeFile {
		for _, a := range input.Options.Agents {
			agents = append(agents, boundAgent{ref: a, input: true})
		}
	}
	if output != nil {
		for _, a := range output.Options.Agents {
			agents = append(agents, boundAgent{ref: a})
		}
	}
	if len(agents) == 0 {
		return nil
	}

	inputSuffix := fileSuffix(p, input, inputContentType(p, input))
	var outputSuffix string
	if output != nil {
		outputSuffix = fileSuffix(p, output, nodeContentType(p, output, "BINARY"))
	}

	out := make([]model.AgentAction, 0, len(agents))
	for _, a := range agents {
		act := model.AgentAction{
			AgentID:        a.ref.AgentID,
			AgentName:      a.ref.Name,
			App:            p.App,
			FlowID:         p.ID,
			FlowName:       p.Name,
			DeploymentName: p.DeploymentName,
			Action:         kind,
			Timestamp:      now,
		}
		switch {
		case op == OpKill:
			act.MetaData = model.MustMeta(struct{}{})
		case a.input:
			act.MetaData = model.MustMeta(FileMeta{FileSuffix: inputSuffix, FileMaxSize: maxFileSize})
		default:
			act.MetaData = model.MustMeta(FileMeta{FileSuffix: outputSuffix})
		}
		out = append(out, act)
	}
	return out
}

func inputContentType(p *model.Pipeline, n *model.Node) string {
	def := "BINARY"
	if n.Options.ContentType == "application/json" {
		def = "JSON"
	}
	return nodeContentType(p, n, def)
}

// nodeContentType prefers the format type of the node's outgoing data
// structure, defaulting to JSON when one is bound without a type.
func nodeContentType(p *model.Pipeline, n *model.Node, def string) string {
	if n.DataStructure == nil || n.DataStructure.Outgoing == nil || n.DataStructure.Outgoing.ID == "" {
		return def
	}
	ds, ok := p.DataStructures[n.DataStructure.Outgoing.ID]
	if !ok || ds.FormatType == "" {
		return "JSON"
	}
	return ds.FormatType
}

func fileSuffix(p *model.Pipeline, n *model.Node, contentType string) string {
	if anySuffix[contentType] {
		return "."
	}
	if contentType == "EXCEL" {
		ds := p.DataStructures[n.DataStructure.Outgoing.ID]
		return strings.ToLower(ds.ExcelType)
	}
	return strings.ToLower(contentType)
}

// AgentEvent builds an action addressed to one agent outside any flow
// topology: administrative instructions and transfer results.
func AgentEvent(agentID, app, agentName string, kind model.ActionKind, meta any) model.AgentAction {
	return model.AgentAction{
		AgentID:   agentID,
		AgentName: agentName,
		App:       app,
		Action:    kind,
		MetaData:  model.MustMeta(meta),
	}
}
