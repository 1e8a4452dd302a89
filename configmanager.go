// Package configmanager is the public API for embedding the integration
// configuration manager.
//
// Platform builds import this package to run the control plane next to
// their own code without forking it:
//
//	app, err := configmanager.New(
//	    configmanager.WithVersion(version),
//	    configmanager.WithLogger(logger),
//	    configmanager.WithEventHook(myAuditHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way round. Public
// types such as LifecycleEvent carry no internal imports; the conversions
// live here because this is the only place that sees both sides.
package configmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
	"github.com/datanimbus/dnio-configuration-manager/internal/blob"
	"github.com/datanimbus/dnio-configuration-manager/internal/cipher"
	"github.com/datanimbus/dnio-configuration-manager/internal/config"
	"github.com/datanimbus/dnio-configuration-manager/internal/events"
	"github.com/datanimbus/dnio-configuration-manager/internal/mcp"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/orchestrator"
	"github.com/datanimbus/dnio-configuration-manager/internal/ratelimit"
	"github.com/datanimbus/dnio-configuration-manager/internal/routing"
	"github.com/datanimbus/dnio-configuration-manager/internal/server"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/agents"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/lifecycle"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/transfer"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
	"github.com/datanimbus/dnio-configuration-manager/internal/telemetry"
	"github.com/datanimbus/dnio-configuration-manager/migrations"
)

// App is the configuration manager lifecycle. Construct with New(), run
// with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	lifecycle    *lifecycle.Service
	agents       *agents.Service
	publisher    *events.Publisher
	tables       map[model.Kind]*routing.Table
	blobs        blob.Store
	limiter      ratelimit.Limiter
	broker       *server.Broker // nil when no notify connection
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the configuration manager. It connects to the database,
// runs migrations, wires every subsystem and loads the route tables. It
// does NOT start goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// A .env file is optional; deployments set real variables.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	version := o.version
	if version == "" {
		version = cfg.Release
	}

	logger.Info("configuration manager starting",
		"version", version, "port", cfg.Port, "clustered", cfg.Clustered, "namespace", cfg.Namespace)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// fail closes what has been opened so far.
	var closers []func()
	fail := func(format string, err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf(format, err)
	}

	if cfg.SkipEmbeddedMigrations {
		logger.Info("embedded migrations skipped by config")
	} else if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fail("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			return fail(fmt.Sprintf("extra migrations[%d]: %%w", i), err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail("auth: %w", err)
	}

	cx := cipher.NewExecutor(cfg.EncryptionKey, cfg.CipherWorkers, logger)

	blobs, err := blob.New(ctx, blob.Options{
		Backend:        cfg.BlobBackend,
		Pool:           db.Pool(),
		SQLitePath:     cfg.SQLiteBlobPath,
		S3Bucket:       cfg.S3Bucket,
		S3Prefix:       cfg.S3Prefix,
		AzureAccount:   cfg.AzureAccount,
		AzureKey:       cfg.AzureKey,
		AzureContainer: cfg.AzureContainer,
		AzurePrefix:    cfg.AzurePrefix,
		SFTP: blob.SFTPConfig{
			Host:     cfg.SFTPHost,
			Port:     strconv.Itoa(cfg.SFTPPort),
			User:     cfg.SFTPUser,
			Password: cfg.SFTPPassword,
			KeyPath:  cfg.SFTPKeyPath,
			BaseDir:  cfg.SFTPBaseDir,
		},
	})
	if err != nil {
		return fail("blob store: %w", err)
	}
	closers = append(closers, func() { _ = blobs.Close() })
	logger.Info("blob store ready", "backend", blobs.Backend())

	var orch orchestrator.Client = orchestrator.LocalClient{}
	if cfg.Clustered {
		kube, err := orchestrator.NewKubeClient(orchestrator.KubeConfig{
			APIURL:    cfg.KubeAPIURL,
			TokenPath: cfg.KubeTokenPath,
			CAPath:    cfg.KubeCAPath,
		}, logger)
		if err != nil {
			return fail("orchestrator: %w", err)
		}
		orch = kube
	} else {
		logger.Info("orchestrator: local mode, deployments are not created")
	}

	var sinks []events.Sink
	for _, h := range o.eventHooks {
		sinks = append(sinks, eventHookAdapter{hook: h})
	}
	publisher := events.NewPublisher(db, logger, sinks...)

	ldg := ledger.New(db, cfg.ActionTTL(), cfg.MaxUploadBytes, logger)

	lc := lifecycle.New(db, orch, ldg, publisher, lifecycle.Config{
		PlatformNamespace:    cfg.Namespace,
		Clustered:            cfg.Clustered,
		ImageTag:             cfg.ImageTag,
		RegistryServer:       cfg.RegistryServer,
		RegistryType:         cfg.RegistryType,
		VerifyDeploymentUser: cfg.VerifyDeploymentUser,
		ForwardEnv:           cfg.ForwardEnv,
		BulkTimeout:          cfg.BulkTimeout,
	}, logger)

	tables := make(map[model.Kind]*routing.Table)
	for _, kind := range model.Kinds {
		if !model.Profile(kind).Routed {
			continue
		}
		t := routing.NewTable(kind, db, cfg.Clustered, logger)
		lc.SetRoutes(kind, t)
		if err := t.Rebuild(ctx); err != nil {
			return fail(fmt.Sprintf("route table %s: %%w", kind), err)
		}
		tables[kind] = t
		logger.Info("route table loaded", "kind", kind, "routes", t.Len())
	}

	agentSvc := agents.New(db, cx, jwtMgr, ldg, agents.Config{
		TokenTTL:               cfg.AgentTokenTTL,
		EncryptionKey:          cfg.EncryptionKey,
		UploadRetryCounter:     cfg.UploadRetryCounter,
		DownloadRetryCounter:   cfg.DownloadRetryCounter,
		MaxConcurrentUploads:   cfg.MaxConcurrentUploads,
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		Mode:                   cfg.Mode,
		HBFrequency:            cfg.HBFrequency,
		HBMissCount:            cfg.HBMissCount,
	}, logger)

	coordinator := transfer.New(db, blobs, cx, ldg, o.flowClient, transfer.Config{
		EncryptionKey:     cfg.EncryptionKey,
		PlatformNamespace: cfg.Namespace,
		Clustered:         cfg.Clustered,
		UploadDir:         cfg.UploadDir,
		DownloadDir:       cfg.DownloadDir,
	}, logger)

	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}
	closers = append(closers, func() { _ = limiter.Close() })

	mcpSrv := mcp.New(lc, tables, version, logger)

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	var extraRoutes []func(*http.ServeMux, func(http.Handler) http.Handler, func(http.Handler) http.Handler)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, requireApp, requireUser func(http.Handler) http.Handler) {
			fn(mux, guard{requireApp: requireApp, requireUser: requireUser})
		})
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Lifecycle:           lc,
		Agents:              agentSvc,
		Transfer:            coordinator,
		Tables:              tables,
		Logger:              logger,
		Blobs:               blobs,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		ProxyTransport:      o.proxyTransport,
		Middlewares:         middlewares,
		ExtraRoutes:         extraRoutes,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		Clustered:           cfg.Clustered,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxUploadBytes:      cfg.MaxUploadBytes,
	})

	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		return fail("admin seed: %w", err)
	}

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		lifecycle:    lc,
		agents:       agentSvc,
		publisher:    publisher,
		tables:       tables,
		blobs:        blobs,
		limiter:      limiter,
		broker:       broker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background loops and the HTTP server, then blocks until
// ctx is cancelled or the server fails. Shutdown runs on return; callers
// should not call it separately.
func (a *App) Run(ctx context.Context) error {
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	go a.actionPurgeLoop(ctx)
	go a.agentLivenessLoop(ctx)
	go a.routeRefreshLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, waits
// for bulk lifecycle runs and event delivery, then releases the blob store,
// the OTEL provider and the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("configuration manager shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	a.lifecycle.Wait()
	a.publisher.Wait()

	_ = a.limiter.Close()
	if err := a.blobs.Close(); err != nil {
		a.logger.Warn("blob store close", "error", err)
	}
	_ = a.otelShutdown(context.Background())
	a.db.Close(context.Background())

	a.logger.Info("configuration manager stopped")
	return nil
}

// Handler exposes the root HTTP handler for in-process tests.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

func (a *App) actionPurgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ActionPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			now := time.Now().UTC()
			actions, err := a.db.PurgeExpiredActions(opCtx, now)
			if err != nil {
				a.logger.Warn("action purge failed", "error", err)
			} else if actions > 0 {
				a.logger.Info("expired agent actions purged", "deleted", actions)
			}
			sessions, err := a.agents.PurgeExpiredSessions(opCtx, now)
			if err != nil {
				a.logger.Warn("session purge failed", "error", err)
			} else if sessions > 0 {
				a.logger.Info("expired agent sessions purged", "deleted", sessions)
			}
			cancel()
		}
	}
}

// agentLivenessLoop stops agents that missed too many heartbeats. It ticks
// once per heartbeat period.
func (a *App) agentLivenessLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HBFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			stopped, err := a.agents.StopSilentAgents(opCtx, time.Now().UTC())
			cancel()
			if err != nil {
				a.logger.Warn("agent liveness check failed", "error", err)
				continue
			}
			if len(stopped) > 0 {
				a.logger.Info("silent agents stopped", "count", len(stopped), "agents", stopped)
			}
		}
	}
}

// routeRefreshLoop rebuilds every route table so that deploys made through
// other instances become routable here.
func (a *App) routeRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RouteRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for kind, t := range a.tables {
				opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if err := t.Rebuild(opCtx); err != nil {
					a.logger.Warn("route refresh failed", "kind", kind, "error", err)
				}
				cancel()
			}
		}
	}
}

func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// eventHookAdapter feeds lifecycle events to a public EventHook.
type eventHookAdapter struct {
	hook EventHook
}

func (a eventHookAdapter) OnEvent(ctx context.Context, ev model.LifecycleEvent) error {
	return a.hook.OnLifecycleEvent(ctx, toPublicEvent(ev))
}

// guard adapts the server's access middlewares to the public Guard.
type guard struct {
	requireApp  func(http.Handler) http.Handler
	requireUser func(http.Handler) http.Handler
}

func (g guard) RequireApp(next http.Handler) http.Handler  { return g.requireApp(next) }
func (g guard) RequireUser(next http.Handler) http.Handler { return g.requireUser(next) }
