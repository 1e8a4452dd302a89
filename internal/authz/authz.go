// Package authz holds the app-scoping rules shared by the HTTP server and
// the MCP server. Neither imports the other; both import this package.
package authz

import (
	"errors"
	"net/http"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/routing"
)

// ErrNoClaims means the request never passed authentication.
var ErrNoClaims = errors.New("no claims in context")

// Denial messages.
const (
	MsgAgentToken = "agent tokens cannot use the control API"
	MsgNoAccess   = "You don't have access to this app"
)

// CheckUser admits any non-agent caller.
func CheckUser(claims *auth.Claims) error {
	if claims == nil {
		return ErrNoClaims
	}
	if claims.IsAgent() {
		return model.Forbidden(MsgAgentToken)
	}
	return nil
}

// CheckApp admits a user caller allowed to manage app.
func CheckApp(claims *auth.Claims, app string) error {
	if err := CheckUser(claims); err != nil {
		return err
	}
	if !claims.CanAccessApp(app) {
		return model.Forbidden(MsgNoAccess)
	}
	return nil
}

// Status maps a Check error to its HTTP status.
func Status(err error) int {
	if errors.Is(err, ErrNoClaims) {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}

// FilterRoutes drops routes of apps the caller may not see. A super admin
// gets the slice back unchanged.
func FilterRoutes(claims *auth.Claims, routes []routing.Route) []routing.Route {
	if claims == nil {
		return nil
	}
	if claims.SuperAdmin {
		return routes
	}
	out := make([]routing.Route, 0, len(routes))
	for _, r := range routes {
		if claims.CanAccessApp(r.App) {
			out = append(out, r)
		}
	}
	return out
}
