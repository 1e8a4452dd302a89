package configmanager

import (
	"context"
	"net/http"
)

// EventHook receives pipeline lifecycle events (create, update, deploy,
// start, stop, delete) after they are committed. Each call runs in its own
// goroutine and must not block indefinitely. Failures are logged and never
// fail the originating request.
type EventHook interface {
	OnLifecycleEvent(ctx context.Context, ev LifecycleEvent) error
}

// Middleware wraps the request mux. It runs after authentication, so
// claims are available, and inside panic recovery.
type Middleware func(http.Handler) http.Handler

// RouteRegistrar adds handlers to the shared mux. Registered routes share
// the auth chain, request logging and tracing with the built-in API. It is
// called once from New after the built-in routes are mounted.
type RouteRegistrar func(mux *http.ServeMux, guard Guard)

// Guard exposes the access checks of the control API.
type Guard interface {
	// RequireApp admits user tokens whose claims cover the {app} path value.
	RequireApp(next http.Handler) http.Handler
	// RequireUser admits any user token and rejects agent tokens.
	RequireUser(next http.Handler) http.Handler
}
