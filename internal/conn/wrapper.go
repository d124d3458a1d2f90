package conn

import (
	"bufio"
	"net"
	"sync"
)

// DisconnectNotifier is told when the client side of a proxied
// connection closes. There is no server-side counterpart: the upstream
// connection lifecycle belongs to internal/upstream.Pool, not to a
// per-client-connection wrapper (see the Context doc comment).
type DisconnectNotifier interface {
	NotifyClientDisconnected(*ClientConn)
}

// WrapClientConn wraps the raw client socket so the data plane can peek
// at the first bytes (to distinguish a TLS ClientHello from plaintext)
// without consuming them.
type WrapClientConn struct {
	net.Conn
	r        *bufio.Reader
	ConnCtx  *Context
	notifier DisconnectNotifier

	closeMu   sync.Mutex
	closed    bool
	closeErr  error
	CloseChan chan struct{}
}

// NewWrapClientConn creates a new wrapped client connection.
func NewWrapClientConn(c net.Conn, notifier DisconnectNotifier) *WrapClientConn {
	return &WrapClientConn{
		Conn:      c,
		r:         bufio.NewReader(c),
		notifier:  notifier,
		CloseChan: make(chan struct{}),
	}
}

// Peek returns the next n bytes without advancing the reader.
func (c *WrapClientConn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

// Read reads data from the connection.
func (c *WrapClientConn) Read(data []byte) (int, error) {
	return c.r.Read(data)
}

// Close closes the connection and notifies the DisconnectNotifier.
func (c *WrapClientConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()
	close(c.CloseChan)

	if c.notifier != nil {
		c.notifier.NotifyClientDisconnected(c.ConnCtx.ClientConn)
	}

	return c.closeErr
}
