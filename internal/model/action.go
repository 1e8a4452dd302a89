package model

import (
	"encoding/json"
	"time"
)

// ActionKind is the instruction carried by an AgentAction.
type ActionKind string

const (
	ActionFlowCreate     ActionKind = "FLOW_CREATE_REQUEST"
	ActionFlowStart      ActionKind = "FLOW_START_REQUEST"
	ActionFlowStop       ActionKind = "FLOW_STOP_REQUEST"
	ActionFlowUpdate     ActionKind = "FLOW_UPDATE_REQUEST"
	ActionFlowDelete     ActionKind = "DELETE_FLOW_REQUEST"
	ActionStopAgent      ActionKind = "STOP_AGENT"
	ActionDeleteAgent    ActionKind = "DELETE_AGENT"
	ActionDownload       ActionKind = "DOWNLOAD_REQUEST"
	ActionFileSuccess    ActionKind = "FILE_PROCESSED_SUCCESS"
	ActionFileError      ActionKind = "FILE_PROCESSED_ERROR"
	ActionPasswordChange ActionKind = "PASSWORD-CHANGED"
	ActionTokenReissued  ActionKind = "TOKEN-REISSUED"
	ActionSessionEnded   ActionKind = "SESSION-ENDED"
	ActionAgentStopped   ActionKind = "AGENT-STOPPED"
	ActionAgentUpdated   ActionKind = "AGENT-UPDATED"
)

// AgentAction is one queued instruction for an agent. It is append-only
// until a heartbeat marks it sent.
type AgentAction struct {
	ID             string          `json:"_id"`
	AgentID        string          `json:"agentId"`
	AgentName      string          `json:"agentName,omitempty"`
	App            string          `json:"appName,omitempty"`
	FlowID         string          `json:"flowID,omitempty"`
	FlowName       string          `json:"flowName,omitempty"`
	DeploymentName string          `json:"deploymentName,omitempty"`
	Action         ActionKind      `json:"action"`
	MetaData       json.RawMessage `json:"metaData,omitempty"`
	SentOrRead     bool            `json:"sentOrRead"`
	Timestamp      time.Time       `json:"timestamp"`
	ExpiresAt      time.Time       `json:"-"`
}

// MustMeta marshals v into a metaData payload. Values that cannot be
// marshalled yield an empty object.
func MustMeta(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// TraceRecord is an Interaction (flows) or Activity (process flows).
type TraceRecord struct {
	ID        string            `json:"_id"`
	App       string            `json:"app"`
	FlowID    string            `json:"flowId"`
	Headers   map[string]string `json:"headers"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

const TraceStatusPending = "PENDING"

// TraceRecordPatch is what a pipeline runtime may change after creation.
type TraceRecordPatch struct {
	Status string `json:"status"`
}

// LifecycleEvent is published on every mutating transition.
type LifecycleEvent struct {
	Event     string    `json:"event"`
	Kind      Kind      `json:"kind"`
	App       string    `json:"app"`
	ID        string    `json:"id"`
	Action    string    `json:"action"`
	User      string    `json:"user,omitempty"`
	Before    *Pipeline `json:"before,omitempty"`
	After     *Pipeline `json:"after,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry is one row of the lifecycle audit trail.
type AuditEntry struct {
	ID         int64           `json:"id"`
	Kind       Kind            `json:"kind"`
	PipelineID string          `json:"pipelineId"`
	App        string          `json:"app"`
	Action     string          `json:"action"`
	User       string          `json:"user,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}
