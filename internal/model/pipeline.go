package model

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Status is the lifecycle state of a pipeline.
type Status string

const (
	StatusDraft   Status = "Draft"
	StatusPending Status = "Pending"
	StatusActive  Status = "Active"
	StatusStopped Status = "Stopped"
	StatusError   Status = "Error"
)

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusPending, StatusActive, StatusStopped, StatusError:
		return true
	}
	return false
}

// Node types referenced by the lifecycle and transfer code.
const (
	NodeTypeFile = "FILE"
	NodeTypeAPI  = "API"
)

const (
	MaxNameLen        = 40
	MaxDescriptionLen = 250
	MaxPathLen        = 40
)

var (
	namePattern     = regexp.MustCompile(`^[a-zA-Z]+[a-zA-Z0-9_ -]*$`)
	pathPattern     = regexp.MustCompile(`^/[a-zA-Z]+[a-zA-Z0-9]*$`)
	urlSegmentRegex = regexp.MustCompile(`^[a-zA-Z]+[a-zA-Z0-9]*$`)
)

// Pipeline is a Flow, Function or ProcessFlow definition. The same struct
// represents both the live document and its draft shadow.
type Pipeline struct {
	ID             string                   `json:"_id"`
	Kind           Kind                     `json:"kind"`
	App            string                   `json:"app"`
	Name           string                   `json:"name"`
	Description    string                   `json:"description,omitempty"`
	Direction      string                   `json:"direction,omitempty"`
	Version        int                      `json:"version"`
	DraftVersion   *int                     `json:"draftVersion"`
	Status         Status                   `json:"status"`
	SkipAuth       bool                     `json:"skipAuth"`
	InputNode      *Node                    `json:"inputNode,omitempty"`
	Nodes          []Node                   `json:"nodes"`
	ErrorNode      *Node                    `json:"errorNode,omitempty"`
	DataStructures map[string]DataStructure `json:"dataStructures,omitempty"`
	URL            string                   `json:"url,omitempty"`
	Code           string                   `json:"code,omitempty"`
	DeploymentName string                   `json:"deploymentName"`
	Namespace      string                   `json:"namespace"`
	Port           int                      `json:"port"`
	IsBinary       bool                     `json:"isBinary"`
	LastInvoked    *time.Time               `json:"lastInvoked,omitempty"`
	Metadata       Metadata                 `json:"_metadata"`
}

// Metadata records who touched a document and when.
type Metadata struct {
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdated   time.Time `json:"lastUpdated"`
	CreatedBy     string    `json:"createdBy,omitempty"`
	LastUpdatedBy string    `json:"lastUpdatedBy,omitempty"`
}

// Node is one step of a pipeline topology.
type Node struct {
	ID            string             `json:"_id,omitempty"`
	Name          string             `json:"name,omitempty"`
	Type          string             `json:"type"`
	DataStructure *NodeDataStructure `json:"dataStructure,omitempty"`
	Options       NodeOptions        `json:"options"`
}

// NodeDataStructure binds a node to a content format.
type NodeDataStructure struct {
	Outgoing *DataStructureRef `json:"outgoing,omitempty"`
}

// DataStructureRef points at an entry in Pipeline.DataStructures.
type DataStructureRef struct {
	ID string `json:"_id"`
}

// DataStructure describes a content format used by a node.
type DataStructure struct {
	ID         string          `json:"_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	FormatType string          `json:"formatType,omitempty"`
	ExcelType  string          `json:"excelType,omitempty"`
	Definition json.RawMessage `json:"definition,omitempty"`
}

// AgentRef binds a FILE node to an Agent.
type AgentRef struct {
	ID      string `json:"_id,omitempty"`
	AgentID string `json:"agentId"`
	Name    string `json:"name,omitempty"`
}

// NodeOptions holds the options the control plane reads. Options it does
// not interpret are kept in Extra and round-trip unchanged.
type NodeOptions struct {
	Path        string         `json:"path,omitempty"`
	Method      string         `json:"method,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
	Agents      []AgentRef     `json:"agents,omitempty"`
	Extra       map[string]any `json:"-"`
}

var knownNodeOptions = []string{"path", "method", "contentType", "agents"}

// MarshalJSON merges Extra with the typed fields.
func (o NodeOptions) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Extra)+len(knownNodeOptions))
	for k, v := range o.Extra {
		out[k] = v
	}
	if o.Path != "" {
		out["path"] = o.Path
	}
	if o.Method != "" {
		out["method"] = o.Method
	}
	if o.ContentType != "" {
		out["contentType"] = o.ContentType
	}
	if len(o.Agents) > 0 {
		out["agents"] = o.Agents
	}
	return json.Marshal(out)
}

// UnmarshalJSON fills the typed fields and collects everything else in Extra.
func (o *NodeOptions) UnmarshalJSON(b []byte) error {
	type plain NodeOptions
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for _, k := range knownNodeOptions {
		delete(raw, k)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	*o = NodeOptions(p)
	return nil
}

// InputPath returns the input node's path, or "" when there is no input node.
func (p *Pipeline) InputPath() string {
	if p.InputNode == nil {
		return ""
	}
	return p.InputNode.Options.Path
}

// Endpoint is the value that must be unique per app: the input path for
// routed kinds, the URL for functions.
func (p *Pipeline) Endpoint() string {
	if p.Kind == KindFunction {
		return p.URL
	}
	return p.InputPath()
}

// HasDraft reports whether a draft shadow is linked to this live document.
func (p *Pipeline) HasDraft() bool {
	return p.DraftVersion != nil
}

// UsesFileAgents reports whether any node of the topology is FILE-typed.
func (p *Pipeline) UsesFileAgents() bool {
	if p.InputNode != nil && p.InputNode.Type == NodeTypeFile {
		return true
	}
	for _, n := range p.Nodes {
		if n.Type == NodeTypeFile {
			return true
		}
	}
	return false
}

// ReferencesAgent reports whether agentID is bound to any node.
func (p *Pipeline) ReferencesAgent(agentID string) bool {
	check := func(n *Node) bool {
		for _, a := range n.Options.Agents {
			if a.AgentID == agentID {
				return true
			}
		}
		return false
	}
	if p.InputNode != nil && check(p.InputNode) {
		return true
	}
	for i := range p.Nodes {
		if check(&p.Nodes[i]) {
			return true
		}
	}
	return false
}

// IsBinaryTopology reports whether the topology is a single FILE input
// feeding a single FILE output node.
func IsBinaryTopology(kind Kind, input *Node, nodes []Node) bool {
	if kind != KindFlow || input == nil {
		return false
	}
	return input.Type == NodeTypeFile && len(nodes) == 1 && nodes[0].Type == NodeTypeFile
}

// Normalize computes the derived fields. Derived identity fields
// (deploymentName, namespace, url) are only filled when empty so they stay
// stable across renames.
func (p *Pipeline) Normalize(platformNamespace string) {
	prof := Profile(p.Kind)
	p.Name = strings.TrimSpace(p.Name)
	camel := CamelCase(p.Name)

	switch p.Kind {
	case KindFunction:
		p.URL = strings.TrimSpace(p.URL)
		if p.URL == "" {
			p.URL = "/api/a/faas/" + p.App + "/" + camel
		}
	default:
		if p.InputNode != nil {
			path := strings.TrimSpace(p.InputNode.Options.Path)
			if path != "" && !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			if path == "" {
				path = "/" + camel
			}
			p.InputNode.Options.Path = path
		}
	}

	if p.DeploymentName == "" {
		p.DeploymentName = prof.DeployPfx + strings.ToLower(camel)
	}
	if p.Namespace == "" {
		p.Namespace = AppNamespace(platformNamespace, p.App)
	}
	if prof.FixedPort != 0 {
		p.Port = prof.FixedPort
	}
	if p.Nodes == nil {
		p.Nodes = []Node{}
	}
	p.IsBinary = IsBinaryTopology(p.Kind, p.InputNode, p.Nodes)
}

// AppNamespace is the orchestrator namespace that hosts an app's pipelines.
func AppNamespace(platformNamespace, app string) string {
	return strings.ToLower(platformNamespace + "-" + strings.ReplaceAll(app, " ", ""))
}

// Validate checks the field-level rules. Uniqueness is checked separately
// against the store.
func (p *Pipeline) Validate() error {
	prof := Profile(p.Kind)
	if p.Name == "" {
		return Invalid("Name is mandatory")
	}
	if len(p.Name) > MaxNameLen {
		return Invalid("%s name must be less than %d characters.", prof.Noun, MaxNameLen)
	}
	if len(p.Description) > MaxDescriptionLen {
		return Invalid("%s description should not be more than %d character.", prof.Noun, MaxDescriptionLen)
	}

	if p.Kind == KindFunction {
		segments := strings.Split(p.URL, "/")
		if !urlSegmentRegex.MatchString(segments[len(segments)-1]) {
			return Invalid("%s :: API Endpoint must consist of alphanumeric characters and must start with '/' and followed by an alphabet.", prof.ErrorTag)
		}
	} else {
		if p.InputNode == nil || p.InputNode.Type == "" {
			return Invalid("Input Node is Mandatory")
		}
		path := p.InputNode.Options.Path
		if len(path) > MaxPathLen {
			return Invalid("API endpoint length cannot be greater than %d", MaxPathLen)
		}
		if !pathPattern.MatchString(path) {
			return Invalid("%s :: API Endpoint must consist of alphanumeric characters and must start with '/' and followed by an alphabet.", prof.ErrorTag)
		}
	}

	if !namePattern.MatchString(p.Name) {
		return Invalid("%s :: Name must consist of alphanumeric characters and/or underscore and space and must start with an alphabet.", prof.ErrorTag)
	}
	return nil
}

// PipelinePatch is the allow-list of caller-mutable fields. Internal fields
// (id, app, version, draftVersion, status, deploymentName, namespace, port,
// isBinary, lastInvoked, _metadata) have no counterpart here, so they can
// never be taken from a request body. Slices and maps replace wholesale.
type PipelinePatch struct {
	Name           *string                  `json:"name,omitempty"`
	Description    *string                  `json:"description,omitempty"`
	Direction      *string                  `json:"direction,omitempty"`
	SkipAuth       *bool                    `json:"skipAuth,omitempty"`
	InputNode      *Node                    `json:"inputNode,omitempty"`
	Nodes          []Node                   `json:"nodes,omitempty"`
	ErrorNode      *Node                    `json:"errorNode,omitempty"`
	DataStructures map[string]DataStructure `json:"dataStructures,omitempty"`
	URL            *string                  `json:"url,omitempty"`
	Code           *string                  `json:"code,omitempty"`
}

// ApplyTo copies every present field of the patch onto dst.
func (pp PipelinePatch) ApplyTo(dst *Pipeline) {
	if pp.Name != nil {
		dst.Name = *pp.Name
	}
	if pp.Description != nil {
		dst.Description = *pp.Description
	}
	if pp.Direction != nil {
		dst.Direction = *pp.Direction
	}
	if pp.SkipAuth != nil {
		dst.SkipAuth = *pp.SkipAuth
	}
	if pp.InputNode != nil {
		n := *pp.InputNode
		dst.InputNode = &n
	}
	if pp.Nodes != nil {
		dst.Nodes = append([]Node(nil), pp.Nodes...)
	}
	if pp.ErrorNode != nil {
		n := *pp.ErrorNode
		dst.ErrorNode = &n
	}
	if pp.DataStructures != nil {
		ds := make(map[string]DataStructure, len(pp.DataStructures))
		for k, v := range pp.DataStructures {
			ds[k] = v
		}
		dst.DataStructures = ds
	}
	if dst.Kind == KindFunction {
		if pp.URL != nil {
			dst.URL = *pp.URL
		}
		if pp.Code != nil {
			dst.Code = *pp.Code
		}
	}
}

// NewPipeline builds a fresh Draft document of the given kind from a patch.
func NewPipeline(kind Kind, app string, pp PipelinePatch) Pipeline {
	p := Pipeline{
		Kind:    kind,
		App:     app,
		Version: 1,
		Status:  StatusDraft,
		Nodes:   []Node{},
	}
	pp.ApplyTo(&p)
	return p
}

// PromoteDraft copies the editable content of a draft shadow onto the live
// document and advances live to the shadow's version. Identity, status and
// metadata stay with live.
func PromoteDraft(live *Pipeline, draft Pipeline) {
	if draft.Version > live.Version {
		live.Version = draft.Version
	}
	live.Name = draft.Name
	live.Description = draft.Description
	live.Direction = draft.Direction
	live.SkipAuth = draft.SkipAuth
	live.InputNode = draft.InputNode
	live.Nodes = draft.Nodes
	live.ErrorNode = draft.ErrorNode
	live.DataStructures = draft.DataStructures
	live.URL = draft.URL
	live.Code = draft.Code
	live.DeploymentName = draft.DeploymentName
	live.Namespace = draft.Namespace
	live.Port = draft.Port
	live.IsBinary = draft.IsBinary
}

// CamelCase converts a display name into a lower camel case identifier:
// "My Orders_feed" becomes "myOrdersFeed".
func CamelCase(s string) string {
	words := splitWords(s)
	var b strings.Builder
	for i, w := range words {
		lw := strings.ToLower(w)
		if i == 0 {
			b.WriteString(lw)
			continue
		}
		r := []rune(lw)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

// splitWords breaks s at separators, lower-to-upper transitions, the end of
// an acronym ("HTTPServer" -> HTTP, Server) and letter/digit boundaries.
func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	rs := []rune(s)
	for i, r := range rs {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			switch {
			case unicode.IsLower(prev) && unicode.IsUpper(r):
				flush()
			case unicode.IsUpper(prev) && unicode.IsUpper(r) && i+1 < len(rs) && unicode.IsLower(rs[i+1]):
				flush()
			case unicode.IsDigit(prev) != unicode.IsDigit(r):
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}
