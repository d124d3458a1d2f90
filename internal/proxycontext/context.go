// Package proxycontext carries the per-connection context through
// context.Context so it survives the hop through net/http's handler
// plumbing between http.Server.ConnContext and the Coordinator.
package proxycontext

import (
	"context"

	"github.com/relaywire/relaywire/internal/conn"
)

type proxyContextKey string

var connContextKey proxyContextKey = "connContext"

// WithConnContext adds a connection context to the given context.
func WithConnContext(ctx context.Context, connCtx *conn.Context) context.Context {
	return context.WithValue(ctx, connContextKey, connCtx)
}

// GetConnContext retrieves the connection context from the given context.
func GetConnContext(ctx context.Context) (*conn.Context, bool) {
	connCtx, ok := ctx.Value(connContextKey).(*conn.Context)
	return connCtx, ok
}
