package model

import "strings"

// Kind identifies one of the three deployable pipeline kinds.
type Kind string

const (
	KindFlow        Kind = "flow"
	KindFunction    Kind = "faas"
	KindProcessFlow Kind = "processflow"
)

// Kinds lists every pipeline kind in registration order.
var Kinds = []Kind{KindFlow, KindFunction, KindProcessFlow}

// ParseKind accepts the path segment used by the control API.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(s)) {
	case KindFlow:
		return KindFlow, true
	case KindFunction:
		return KindFunction, true
	case KindProcessFlow:
		return KindProcessFlow, true
	}
	return "", false
}

// TraceKind selects which trace record a routed request produces.
type TraceKind string

const (
	TraceNone        TraceKind = ""
	TraceInteraction TraceKind = "interaction"
	TraceActivity    TraceKind = "activity"
)

// KindProfile holds everything that differs between pipeline kinds. The
// lifecycle code is written once against a profile.
type KindProfile struct {
	Kind Kind

	// Noun is used in user-facing messages ("Flow Deployed").
	Noun string
	// LowerNoun is used mid-sentence ("Can't stop an inactive flow").
	LowerNoun string
	// ErrorTag prefixes name and endpoint validation messages.
	ErrorTag string

	IDPrefix  string
	Counter   string
	IDOffset  int
	DeployPfx string
	ImageName string
	ProbePath string
	IDEnvVar  string

	// FixedPort is used when non-zero; otherwise the next free port at or
	// above PortBase is allocated per app.
	FixedPort int
	PortBase  int

	Routed     bool
	ProxyBase  string
	LocalPort  int
	TraceKind  TraceKind
	TraceParam string

	EventPrefix string
}

var profiles = map[Kind]KindProfile{
	KindFlow: {
		Kind:        KindFlow,
		Noun:        "Flow",
		LowerNoun:   "flow",
		ErrorTag:    "FLOW_NAME_ERROR",
		IDPrefix:    "FLOW",
		Counter:     "b2b.flow",
		IDOffset:    2000,
		DeployPfx:   "b2b-",
		ImageName:   "data.stack.b2b.base",
		ProbePath:   "/api/b2b/internal/health/ready",
		IDEnvVar:    "DATA_STACK_FLOW_ID",
		FixedPort:   8080,
		Routed:      true,
		ProxyBase:   "/api/b2b/",
		LocalPort:   8080,
		TraceKind:   TraceInteraction,
		TraceParam:  "interactionId",
		EventPrefix: "EVENT_FLOW_",
	},
	KindFunction: {
		Kind:        KindFunction,
		Noun:        "Function",
		LowerNoun:   "function",
		ErrorTag:    "FAAS_NAME_ERROR",
		IDPrefix:    "FS",
		Counter:     "faas",
		IDOffset:    2000,
		DeployPfx:   "faas-",
		ImageName:   "data.stack.faas.base",
		ProbePath:   "/api/faas/utils/health/ready",
		IDEnvVar:    "FAAS_ID",
		PortBase:    30010,
		EventPrefix: "EVENT_FAAS_",
	},
	KindProcessFlow: {
		Kind:        KindProcessFlow,
		Noun:        "Process Flow",
		LowerNoun:   "process flow",
		ErrorTag:    "PROCESS_FLOW_NAME_ERROR",
		IDPrefix:    "PF",
		Counter:     "process.flows",
		IDOffset:    2000,
		DeployPfx:   "pf-",
		ImageName:   "data.stack.pf.base",
		ProbePath:   "/api/b2b/internal/health/ready",
		IDEnvVar:    "DATA_STACK_FLOW_ID",
		PortBase:    31000,
		Routed:      true,
		ProxyBase:   "/api/flows/",
		LocalPort:   31000,
		TraceKind:   TraceActivity,
		TraceParam:  "activityId",
		EventPrefix: "EVENT_PROCESS_FLOW_",
	},
}

// Profile returns the profile for k. It panics on an unknown kind, which
// can only come from a programming error since kinds are parsed at the edge.
func Profile(k Kind) KindProfile {
	p, ok := profiles[k]
	if !ok {
		panic("model: unknown pipeline kind " + string(k))
	}
	return p
}

// EventName returns the lifecycle event name for an action, e.g.
// EVENT_FLOW_DEPLOY.
func (p KindProfile) EventName(action string) string {
	return p.EventPrefix + strings.ToUpper(action)
}

// Plural returns the plural noun used in bulk messages ("No Flows to Start").
func (p KindProfile) Plural() string {
	return p.Noun + "s"
}
