package configmanager

import (
	"io/fs"
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every extension point after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	eventHooks      []EventHook
	middlewares     []Middleware
	routeRegistrars []RouteRegistrar
	extraMigrations []fs.FS
	proxyTransport  http.RoundTripper
	flowClient      *http.Client
}

// WithPort overrides the TCP port from config (CM_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// LISTEN needs a direct connection when queries go through a pooler.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger. The default slog logger is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version reported by /health, MCP and logs. It
// defaults to the RELEASE env var.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEventHook registers a hook for pipeline lifecycle events. All
// registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithMiddleware registers an HTTP middleware. The first registered runs first.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraRoutes registers additional routes, called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithExtraMigrations adds a SQL migration filesystem applied after the
// embedded migrations, in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}

// WithProxyTransport replaces the transport the request proxy forwards
// pipeline traffic with.
func WithProxyTransport(rt http.RoundTripper) Option {
	return func(o *resolvedOptions) { o.proxyTransport = rt }
}

// WithFlowClient replaces the HTTP client used to hand finished uploads to
// flow deployments.
func WithFlowClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.flowClient = c }
}
