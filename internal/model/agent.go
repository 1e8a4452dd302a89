package model

import (
	"regexp"
	"strings"
	"time"
)

// AgentType identifies where an agent runs.
type AgentType string

const (
	AgentTypePartner AgentType = "PARTNERAGENT"
	AgentTypeApp     AgentType = "APPAGENT"
	AgentTypeIG      AgentType = "IG"
)

// AgentStatus is the liveness state of an agent.
type AgentStatus string

const (
	AgentPending  AgentStatus = "PENDING"
	AgentRunning  AgentStatus = "RUNNING"
	AgentStopped  AgentStatus = "STOPPED"
	AgentDisabled AgentStatus = "DISABLED"
)

const MaxAgentNameLen = 24

var agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\s\-\\.]*$`)

// Agent is a remote process at a partner or site boundary that moves files
// to and from the platform.
type Agent struct {
	ID                  string      `json:"_id"`
	AgentID             string      `json:"agentId"`
	App                 string      `json:"app"`
	Name                string      `json:"name"`
	Type                AgentType   `json:"type"`
	Status              AgentStatus `json:"status"`
	Active              bool        `json:"active"`
	Password            string      `json:"-"`
	Secret              string      `json:"-"`
	IPAddress           string      `json:"ipAddress,omitempty"`
	MACAddress          string      `json:"macAddress,omitempty"`
	Release             string      `json:"release,omitempty"`
	EncryptFile         bool        `json:"encryptFile"`
	RetainFileOnSuccess bool        `json:"retainFileOnSuccess"`
	RetainFileOnError   bool        `json:"retainFileOnError"`
	LastLoggedIn        *time.Time  `json:"lastLoggedIn,omitempty"`
	LastInvokedAt       *time.Time  `json:"lastInvokedAt,omitempty"`
	Version             int         `json:"version"`
	Metadata            Metadata    `json:"_metadata"`
}

// AgentPatch lists the fields an administrator may change.
type AgentPatch struct {
	Name                *string    `json:"name,omitempty"`
	Type                *AgentType `json:"type,omitempty"`
	Active              *bool      `json:"active,omitempty"`
	EncryptFile         *bool      `json:"encryptFile,omitempty"`
	RetainFileOnSuccess *bool      `json:"retainFileOnSuccess,omitempty"`
	RetainFileOnError   *bool      `json:"retainFileOnError,omitempty"`
}

// ApplyTo copies every present field onto dst.
func (ap AgentPatch) ApplyTo(dst *Agent) {
	if ap.Name != nil {
		dst.Name = *ap.Name
	}
	if ap.Type != nil {
		dst.Type = *ap.Type
	}
	if ap.Active != nil {
		dst.Active = *ap.Active
	}
	if ap.EncryptFile != nil {
		dst.EncryptFile = *ap.EncryptFile
	}
	if ap.RetainFileOnSuccess != nil {
		dst.RetainFileOnSuccess = *ap.RetainFileOnSuccess
	}
	if ap.RetainFileOnError != nil {
		dst.RetainFileOnError = *ap.RetainFileOnError
	}
}

// Validate checks name rules and fills defaults.
func (a *Agent) Validate() error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return Invalid("Agent name is mandatory")
	}
	if len(a.Name) > MaxAgentNameLen {
		return Invalid("Agent name cannot be more than %d characters", MaxAgentNameLen)
	}
	if !agentNamePattern.MatchString(a.Name) {
		return Invalid("Agent name can contain alphanumeric characters with spaces, dashes and underscores only")
	}
	switch a.Type {
	case "":
		a.Type = AgentTypeApp
	case AgentTypePartner, AgentTypeApp, AgentTypeIG:
	default:
		return Invalid("Invalid agent type %q", a.Type)
	}
	if a.Status == "" {
		a.Status = AgentPending
	}
	return nil
}

// AgentLoginRequest is the body an agent posts to obtain a token.
type AgentLoginRequest struct {
	AgentID    string `json:"agentId"`
	Password   string `json:"password"`
	IPAddress  string `json:"ipAddress"`
	MACAddress string `json:"macAddress"`
	Release    string `json:"release"`
}

// AgentLoginResponse carries the agent document plus its runtime settings.
type AgentLoginResponse struct {
	Agent
	Token                  string `json:"token"`
	Secret                 string `json:"secret"`
	EncryptionKey          string `json:"encryptionKey"`
	UploadRetryCounter     string `json:"uploadRetryCounter"`
	DownloadRetryCounter   string `json:"downloadRetryCounter"`
	MaxConcurrentUploads   int    `json:"maxConcurrentUploads"`
	MaxConcurrentDownloads int    `json:"maxConcurrentDownloads"`
}

// HeartbeatRequest is what an agent reports on every poll.
type HeartbeatRequest struct {
	MonitoringLedgerEntries []map[string]any `json:"monitoringLedgerEntries,omitempty"`
}

// HeartbeatResponse is the batch of actions delivered by one poll.
type HeartbeatResponse struct {
	TransferLedgerEntries     []AgentAction `json:"transferLedgerEntries"`
	Status                    AgentStatus   `json:"status"`
	AgentMaxConcurrentUploads int           `json:"agentMaxConcurrentUploads"`
}

// InitResponse is the bootstrap snapshot an agent fetches on start.
type InitResponse struct {
	TransferLedgerEntries []AgentAction `json:"transferLedgerEntries"`
	Mode                  string        `json:"mode"`
}

// SessionStatus gates whether an agent token is still honoured.
type SessionStatus string

const (
	SessionEnabled  SessionStatus = "Enabled"
	SessionDisabled SessionStatus = "Disabled"
)

// Session is the audit record written for every issued agent token.
type Session struct {
	Key          string        `json:"_id"`
	AgentID      string        `json:"agentId"`
	App          string        `json:"app"`
	Name         string        `json:"name"`
	TokenSuffix  string        `json:"token"`
	Status       SessionStatus `json:"status"`
	LastLoggedIn time.Time     `json:"lastLoggedIn"`
	ExpiresAt    time.Time     `json:"expireAt"`
}

// ParseSessionStatus accepts only the two session states.
func ParseSessionStatus(s string) (SessionStatus, bool) {
	switch SessionStatus(s) {
	case SessionEnabled, SessionDisabled:
		return SessionStatus(s), true
	}
	return "", false
}
