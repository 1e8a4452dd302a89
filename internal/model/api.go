package model

import "time"

// APIResponse is the standard response envelope for data-bearing HTTP responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// MessageResponse carries a human readable outcome for transitions that
// produce no document (deploy, start, stop, ...).
type MessageResponse struct {
	Message string       `json:"message"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope. Message is top-level
// because unattended agents read it directly.
type APIError struct {
	Message string       `json:"message"`
	Code    string       `json:"code"`
	Meta    ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	AccountID string `json:"account_id"`
	APIKey    string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	Postgres     string         `json:"postgres"`
	BlobStore    string         `json:"blob_store"`
	Orchestrator string         `json:"orchestrator"`
	Routes       map[string]int `json:"routes"`
	SSEBroker    string         `json:"sse_broker,omitempty"`
	Uptime       int64          `json:"uptime_seconds"`
}

// ListParams holds common filter and pagination inputs for list endpoints.
type ListParams struct {
	Status Status
	Name   string
	Limit  int
	Offset int
}

// Normalize clamps Limit and Offset into their accepted ranges.
func (p *ListParams) Normalize() {
	if p.Limit <= 0 {
		p.Limit = 30
	}
	if p.Limit > 1000 {
		p.Limit = 1000
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
}
