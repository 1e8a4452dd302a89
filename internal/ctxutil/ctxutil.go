// Package ctxutil provides shared context key accessors.
//
// The server's auth middleware stores the JWT claims here and the MCP tool
// handlers read them back, without either package importing the other.
package ctxutil

import (
	"context"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
)

type contextKey string

const (
	keyClaims contextKey = "claims"
	keyToken  contextKey = "token"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WithToken stores the raw bearer token. Agent handlers need it to find
// the session record.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, keyToken, token)
}

// TokenFromContext returns the raw bearer token, or "".
func TokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyToken).(string)
	return v
}
