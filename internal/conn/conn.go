// Package conn holds the per-connection state threaded through the proxy
// data plane: the client-facing socket wrapper and the shared Context
// for the lifetime of one TCP connection (which may carry many Flows).
package conn

import (
	"context"
	"crypto/tls"
	"net"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// ClientConn represents the client side of one proxy connection.
type ClientConn struct {
	ID                 uuid.UUID
	Conn               net.Conn
	TLS                bool
	NegotiatedProtocol string
	ClientHello        *tls.ClientHelloInfo
	CloseChan          chan struct{}
}

// NewClientConn creates a new ClientConn instance.
func NewClientConn(c net.Conn) *ClientConn {
	return &ClientConn{
		ID:        uuid.NewV4(),
		Conn:      c,
		CloseChan: make(chan struct{}),
	}
}

// Context is the per-TCP-connection state shared by every Flow carried
// over that connection. Unlike the teacher, where a connection's
// upstream socket is dialed and held open directly (making a ServerConn
// side load-bearing), this proxy's forward path always acquires its
// upstream connection from internal/upstream.Pool — the pool owns
// upstream connection identity and reuse per (authority, scheme, alpn),
// so per-connection Context has nothing analogous to track (SPEC_FULL.md
// §4.3).
type Context struct {
	ClientConn         *ClientConn
	Intercept          bool
	FlowCount          atomic.Uint32
	CloseAfterResponse bool
	DialFn             func(context.Context) error
}

// NewContext creates a new connection context.
func NewContext(clientConn *ClientConn) *Context {
	return &Context{ClientConn: clientConn}
}

// ID returns the connection ID, taken from the client connection.
func (c *Context) ID() uuid.UUID {
	return c.ClientConn.ID
}
