package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
	"github.com/datanimbus/dnio-configuration-manager/internal/blob"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/routing"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/agents"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/lifecycle"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/transfer"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// AdminAccountID is the service account seeded from CM_ADMIN_API_KEY.
const AdminAccountID = "admin"

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	lifecycle           *lifecycle.Service
	agents              *agents.Service
	transfer            *transfer.Coordinator
	blobs               blob.Store
	tables              map[model.Kind]*routing.Table
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	clustered           bool
	maxRequestBodyBytes int64
	maxUploadBytes      int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Broker and Blobs are optional.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Lifecycle           *lifecycle.Service
	Agents              *agents.Service
	Transfer            *transfer.Coordinator
	Blobs               blob.Store
	Tables              map[model.Kind]*routing.Table
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	Clustered           bool
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 5 * 1024 * 1024
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 1000 * 1024 * 1024
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		lifecycle:           d.Lifecycle,
		agents:              d.Agents,
		transfer:            d.Transfer,
		blobs:               d.Blobs,
		tables:              d.Tables,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		clustered:           d.Clustered,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		maxUploadBytes:      d.MaxUploadBytes,
	}
}

// writeErr maps a service error to its status and envelope. Server-side
// failures are logged with the request id.
func (h *Handlers) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := model.HTTPStatus(err)
	msg := err.Error()
	var ue *model.UpstreamError
	if errors.As(err, &ue) {
		msg = ue.Message
	}
	if status >= 500 {
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err)
		var ce *model.CryptoError
		if errors.As(err, &ce) || (ue == nil && !isDomainError(err)) {
			msg = "internal error"
		}
	}
	writeError(w, r, status, model.ErrorCodeFor(status), msg)
}

func isDomainError(err error) bool {
	var (
		ve *model.ValidationError
		ne *model.NotFoundError
		ce *model.ConflictError
	)
	return errors.As(err, &ve) || errors.As(err, &ne) || errors.As(err, &ce)
}

// actor is the authenticated user behind a control API request.
func actor(r *http.Request) lifecycle.Actor {
	c := ClaimsFromContext(r.Context())
	if c == nil {
		return lifecycle.Actor{}
	}
	return lifecycle.Actor{ID: c.Subject, SuperAdmin: c.SuperAdmin}
}

// HandleAuthToken handles POST /auth/token: a service account id and API
// key are exchanged for a control-plane JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.AccountID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "account_id and api_key are required")
		return
	}

	sa, err := h.db.GetServiceAccount(r.Context(), req.AccountID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("auth: load service account", "error", err)
		}
		// Equalize timing with the verify path.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, sa.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueUserToken(sa.ID, sa.Apps, sa.SuperAdmin)
	if err != nil {
		h.writeErr(w, r, fmt.Errorf("issue token: %w", err))
		return
	}
	if err := h.db.TouchServiceAccount(r.Context(), sa.ID); err != nil {
		h.logger.Warn("auth: touch service account", "account_id", sa.ID, "error", err)
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleSubscribe handles GET /cm/events (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.IsAgent() {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "user token required")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}
	// The connection outlives WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(claims.CanAccessApp)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		Postgres:     "connected",
		Orchestrator: "local",
		Routes:       make(map[string]int, len(h.tables)),
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	httpStatus := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		resp.Postgres = "disconnected"
		resp.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.blobs != nil {
		resp.BlobStore = h.blobs.Backend()
		if err := h.blobs.Ping(ctx); err != nil {
			resp.BlobStore += " (unreachable)"
			if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}
	if h.clustered {
		resp.Orchestrator = "kubernetes"
	}
	for kind, t := range h.tables {
		resp.Routes[string(kind)] = t.Len()
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandleListRoutes handles GET /cm/{app}/routes: the active route entries
// of the app across routed kinds.
func (h *Handlers) HandleListRoutes(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	out := []routing.Route{}
	for _, kind := range model.Kinds {
		t, ok := h.tables[kind]
		if !ok {
			continue
		}
		for _, rt := range t.Routes() {
			if rt.App == app {
				out = append(out, rt)
			}
		}
	}
	writeJSON(w, r, http.StatusOK, out)
}

// SeedAdmin provisions the admin service account from adminAPIKey. With no
// key configured an existing account is required.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if adminAPIKey == "" {
		exists, err := h.db.ServiceAccountExists(ctx, AdminAccountID)
		if err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
		if !exists {
			return errors.New("seed admin: CM_ADMIN_API_KEY is empty and no admin account exists; set CM_ADMIN_API_KEY to bootstrap access")
		}
		h.logger.Info("no admin API key configured, keeping existing admin account")
		return nil
	}
	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	if err := h.db.UpsertServiceAccount(ctx, storage.ServiceAccount{
		ID:         AdminAccountID,
		APIKeyHash: hash,
		SuperAdmin: true,
	}); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	h.logger.Info("seeded admin service account")
	return nil
}

// --- Shared helpers ---

const (
	maxQueryLimit  = 1000
	maxQueryOffset = 100_000
)

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
