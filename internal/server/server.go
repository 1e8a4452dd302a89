package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
	"github.com/datanimbus/dnio-configuration-manager/internal/blob"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/ratelimit"
	"github.com/datanimbus/dnio-configuration-manager/internal/routing"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/agents"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/lifecycle"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/transfer"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// Server is the configuration manager HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Blobs, Limiter, Broker, MCPServer,
// ProxyTransport, Middlewares, ExtraRoutes.
type ServerConfig struct {
	// Required dependencies.
	DB        *storage.DB
	JWTMgr    *auth.JWTManager
	Lifecycle *lifecycle.Service
	Agents    *agents.Service
	Transfer  *transfer.Coordinator
	Tables    map[model.Kind]*routing.Table
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Blobs          blob.Store
	Limiter        ratelimit.Limiter
	Broker         *Broker
	MCPServer      *mcpserver.MCPServer
	ProxyTransport http.RoundTripper

	// Middlewares wrap the mux inside recovery, after authentication, in
	// registration order.
	Middlewares []func(http.Handler) http.Handler
	// ExtraRoutes register additional handlers on the shared mux after the
	// built-in routes. They receive the app-scope and user-only guards.
	ExtraRoutes []func(mux *http.ServeMux, requireApp, requireUser func(http.Handler) http.Handler)

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	Clustered           bool
	MaxRequestBodyBytes int64
	MaxUploadBytes      int64
}

// proxyMounts maps the routed kinds to their public prefixes.
var proxyMounts = map[model.Kind]string{
	model.KindFlow:        "/b2b/pipes/{app}/{path...}",
	model.KindProcessFlow: "/b2b/process/{app}/{path...}",
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		JWTMgr:              cfg.JWTMgr,
		Lifecycle:           cfg.Lifecycle,
		Agents:              cfg.Agents,
		Transfer:            cfg.Transfer,
		Blobs:               cfg.Blobs,
		Tables:              cfg.Tables,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		Clustered:           cfg.Clustered,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxUploadBytes:      cfg.MaxUploadBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	authRL := ratelimit.Middleware(cfg.Limiter, "auth", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)
	loginRL := ratelimit.Middleware(cfg.Limiter, "login", ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Control API: user tokens scoped to {app}.
	for _, kind := range model.Kinds {
		h.mountPipelines(mux, kind, requireApp)
	}
	h.mountAgentAdmin(mux, requireApp)
	h.mountTraceRecords(mux, requireApp)
	mux.Handle("GET /cm/{app}/routes", requireApp(http.HandlerFunc(h.HandleListRoutes)))
	mux.Handle("GET /cm/events", requireUser(http.HandlerFunc(h.HandleSubscribe)))

	// Agent protocol.
	mux.Handle("POST /agent/auth/login", loginRL(http.HandlerFunc(h.HandleAgentLogin)))
	session := requireAgentSession(cfg.Agents, func(err error) bool {
		return errors.Is(err, agents.ErrSessionEnded)
	})
	mux.Handle("POST /agent/utils/{agentId}/heartbeat", session(http.HandlerFunc(h.HandleAgentHeartbeat)))
	mux.Handle("POST /agent/utils/{agentId}/init", session(http.HandlerFunc(h.HandleAgentInit)))
	mux.Handle("POST /agent/utils/{agentId}/upload", session(http.HandlerFunc(h.HandleAgentUpload)))
	mux.Handle("POST /agent/utils/{agentId}/download", session(http.HandlerFunc(h.HandleAgentDownload)))

	// Routed pipeline traffic. Entries without skipAuth need a valid token.
	authenticate := func(r *http.Request) error {
		token, err := bearerToken(r)
		if err != nil {
			return err
		}
		_, err = cfg.JWTMgr.ValidateToken(token)
		return err
	}
	for kind, pattern := range proxyMounts {
		table, ok := cfg.Tables[kind]
		if !ok {
			continue
		}
		mux.Handle(pattern, routing.NewProxy(table, cfg.DB, authenticate, cfg.ProxyTransport, cfg.Logger))
	}

	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", requireUser(mcpHTTP))
	}

	for _, register := range cfg.ExtraRoutes {
		register(mux, requireApp, requireUser)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for access to SeedAdmin etc.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
