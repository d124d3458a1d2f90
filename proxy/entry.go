package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/relaywire/relaywire/internal/conn"
	"github.com/relaywire/relaywire/internal/helper"
	"github.com/relaywire/relaywire/internal/proxycontext"
)

// wrapListener decorates every accepted client connection with a
// conn.Context before handing it to the HTTP server, so the rest of the
// data plane can peek at raw bytes and carry per-connection state
// (SPEC_FULL.md §4.1, grounded in the teacher's entry.go wrapListener).
type wrapListener struct {
	net.Listener
	p *Proxy
}

func (l *wrapListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	wc := conn.NewWrapClientConn(c, l.p)
	clientConn := conn.NewClientConn(wc)
	clientConn.CloseChan = wc.CloseChan
	connCtx := conn.NewContext(clientConn)
	wc.ConnCtx = connCtx
	return wc, nil
}

// entry is the HTTP server entry point: it routes CONNECT tunnels to
// the TLS interceptor and every other request to the Coordinator.
type entry struct {
	p      *Proxy
	server *http.Server
}

func newEntry(p *Proxy) *entry {
	e := &entry{p: p}

	// h2c lets a client speak cleartext HTTP/2 directly to the proxy's
	// plain listener (Config.H2CEnabled, default false); MITM'd TLS
	// connections negotiate h2 via ALPN instead (see mitmTLS) and are
	// unaffected by this setting.
	var handler http.Handler = e
	if p.config.H2CEnabled {
		handler = h2c.NewHandler(e, &http2.Server{})
	}

	e.server = &http.Server{
		Addr:    p.config.ListenAddr,
		Handler: handler,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if wc, ok := c.(*conn.WrapClientConn); ok {
				return proxycontext.WithConnContext(ctx, wc.ConnCtx)
			}
			return ctx
		},
	}
	return e
}

func (e *entry) start() error {
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return err
	}
	slog.Info("proxy listening", "addr", e.server.Addr)
	return e.server.Serve(&wrapListener{Listener: ln, p: e.p})
}

func (e *entry) close() error {
	return e.server.Close()
}

func (e *entry) shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

// ServeHTTP routes CONNECT tunnels to handleConnect and every absolute-
// form HTTP proxy request to the Coordinator.
func (e *entry) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodConnect {
		e.handleConnect(res, req)
		return
	}

	if !req.URL.IsAbs() || req.URL.Host == "" {
		res.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(res, "this is a proxy server, direct requests are not allowed")
		return
	}

	e.p.coordinator.Forward(res, req, "")
}

// handleConnect hijacks a CONNECT tunnel, acknowledges it, and then
// peeks the first bytes to decide between a raw passthrough tunnel and
// a MITM'd TLS termination (spec.md §4.4, grounded in the teacher's
// handleConnect/httpsDialLazyAttack).
func (e *entry) handleConnect(res http.ResponseWriter, req *http.Request) {
	logger := slog.Default().With("in", "entry.handleConnect", "host", req.Host)

	cconn, _, err := res.(http.Hijacker).Hijack()
	if err != nil {
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	if _, err := io.WriteString(cconn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		cconn.Close()
		return
	}

	wcc, ok := cconn.(*conn.WrapClientConn)
	if !ok {
		cconn.Close()
		logger.Error("hijacked connection is not a WrapClientConn")
		return
	}

	peek, err := wcc.Peek(3)
	if err != nil {
		cconn.Close()
		return
	}

	if !helper.IsTLS(peek) {
		e.directTunnel(req.Context(), cconn, req.Host, logger)
		return
	}

	wcc.ConnCtx.ClientConn.TLS = true
	e.mitmTLS(req.Context(), cconn, req.Host, logger)
}

// directTunnel dials the CONNECT target and copies bytes bidirectionally
// without inspection — used for traffic that does not start with a TLS
// ClientHello (plain TCP over a CONNECT tunnel).
func (e *entry) directTunnel(ctx context.Context, cconn net.Conn, authority string, logger *slog.Logger) {
	defer cconn.Close()

	dialer := net.Dialer{Timeout: 10 * time.Second}
	upstreamConn, err := dialer.DialContext(ctx, "tcp", authority)
	if err != nil {
		logger.Error("direct tunnel dial failed", "error", err)
		return
	}
	defer upstreamConn.Close()

	transfer(logger, upstreamConn, cconn)
}

// mitmTLS terminates TLS on the hijacked client connection using a leaf
// certificate minted for the CONNECT authority's SNI, negotiates ALPN
// between h2 and http/1.1, and dispatches the decrypted traffic to
// Coordinator.Forward, the same path plain requests take (spec.md §4.2,
// §4.4).
func (e *entry) mitmTLS(ctx context.Context, cconn net.Conn, authority string, logger *slog.Logger) {
	sniHost := authority
	if host, _, err := net.SplitHostPort(authority); err == nil {
		sniHost = host
	}

	tlsConfig := &tls.Config{
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			host := sniHost
			if chi.ServerName != "" {
				host = chi.ServerName
			}
			cert, err := e.p.ca.GetCert(host)
			if err != nil {
				return nil, err
			}
			cfg := &tls.Config{
				Certificates: []tls.Certificate{*cert},
				// h2 is always offered over TLS via ALPN; Config.H2CEnabled
				// only gates cleartext HTTP/2 on the plain listener (see
				// newEntry), a separate concern from MITM'd TLS.
				NextProtos: []string{"h2", "http/1.1"},
			}
			return cfg, nil
		},
	}

	tlsConn := tls.Server(cconn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		logger.Error("tls handshake with client failed", "error", err)
		cconn.Close()
		return
	}

	negotiated := tlsConn.ConnectionState().NegotiatedProtocol
	if negotiated == "" {
		negotiated = "http/1.1"
	}

	scheme := "https"
	host := sniHost
	if tlsConn.ConnectionState().ServerName != "" {
		host = tlsConn.ConnectionState().ServerName
	}

	handler := http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if req.URL.Scheme == "" {
			req.URL.Scheme = scheme
		}
		if req.URL.Host == "" {
			req.URL.Host = authorityWithHostFallback(req.Host, host)
		}
		e.p.coordinator.Forward(res, req, negotiated)
	})

	if negotiated == "h2" {
		h2s := &http2.Server{}
		h2s.ServeConn(tlsConn, &http2.ServeConnOpts{Handler: handler})
		return
	}

	ln := newSingleConnListener(nil)
	ln.conn = &closeNotifyConn{Conn: tlsConn, onClose: func() { _ = ln.Close() }}

	srv := &http.Server{Handler: handler}
	_ = srv.Serve(ln)
}

// closeNotifyConn closes ln once the wrapped connection is closed, so
// the one-shot *http.Server serving it returns instead of blocking
// forever on a second Accept (see singleConnListener).
type closeNotifyConn struct {
	net.Conn
	onClose func()
}

func (c *closeNotifyConn) Close() error {
	err := c.Conn.Close()
	c.onClose()
	return err
}

func authorityWithHostFallback(reqHost, sni string) string {
	if reqHost != "" {
		return reqHost
	}
	return sni
}

// transfer copies bytes bidirectionally between a and b until either
// side closes or errors, used for raw CONNECT passthrough.
func transfer(logger *slog.Logger, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if err != nil && !isClosedErr(err) {
			logger.Debug("tunnel copy ended", "error", err)
		}
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	<-done
}

func isClosedErr(err error) bool {
	return err == io.EOF || err == net.ErrClosed
}

// singleConnListener adapts one already-accepted net.Conn into a
// net.Listener so a fresh *http.Server can serve HTTP/1.1 requests over
// a MITM'd TLS connection without opening a real socket.
type singleConnListener struct {
	conn net.Conn
	used bool
	done chan struct{}
}

func newSingleConnListener(c net.Conn) *singleConnListener {
	return &singleConnListener{conn: c, done: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.used {
		<-l.done
		return nil, io.EOF
	}
	l.used = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

func (l *singleConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
