package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/relaywire/relaywire/internal/plugin"
	"github.com/relaywire/relaywire/internal/rules"
	"github.com/relaywire/relaywire/internal/scanner"
	"github.com/relaywire/relaywire/internal/scope"
	"github.com/relaywire/relaywire/internal/upstream"
	"github.com/relaywire/relaywire/internal/wsbridge"
)

func newTestCoordinator(t *testing.T, scopeCfg scope.Config) *Coordinator {
	t.Helper()

	host, err := plugin.NewHost(context.Background(), slog.Default(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = host.Close(context.Background()) })

	cfg := Config{}.WithDefaults()
	pool := upstream.NewPool(cfg.poolIdleTimeout(), cfg.MaxConnsPerHost, false)
	t.Cleanup(pool.Close)

	dedup := scanner.NewDedup()
	passive := scanner.NewPassiveScanner(dedup)

	return NewCoordinator(
		cfg,
		scope.New(scopeCfg),
		rules.NewEngine(0, 0),
		host,
		pool,
		nil,
		passive,
		wsbridge.NewBridge(slog.Default()),
		nil,
		slog.Default(),
	)
}

func proxyRequest(t *testing.T, target *httptest.Server, method, path string) *http.Request {
	t.Helper()
	u, err := url.Parse(target.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(method, u.String(), nil)
	req.URL = u
	req.RequestURI = ""
	return req
}

func TestForwardIncludedFlowReachesUpstream(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "hello")
	}))
	defer upstreamSrv.Close()

	c := newTestCoordinator(t, scope.Config{})
	req := proxyRequest(t, upstreamSrv, http.MethodGet, "/ok")
	rec := httptest.NewRecorder()

	c.Forward(rec, req, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Fatal("expected upstream header to be forwarded")
	}
}

func TestForwardExcludedFlowPassesThroughUntouched(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstreamSrv.Close()

	c := newTestCoordinator(t, scope.Config{Excludes: []string{upstreamSrv.URL}})
	req := proxyRequest(t, upstreamSrv, http.MethodGet, "/anything")
	rec := httptest.NewRecorder()

	c.Forward(rec, req, "")

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected excluded flow to reach upstream untouched, got %d", rec.Code)
	}
}

func TestForwardRuleDropNeverOpensUpstreamConnection(t *testing.T) {
	hit := false
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer upstreamSrv.Close()

	c := newTestCoordinator(t, scope.Config{})
	c.rules.Load([]*rules.Rule{
		{
			ID:        "drop-blocked",
			Enabled:   true,
			AppliesTo: rules.AppliesRequest,
			Match:     rules.Match{URLRegex: ".*blocked.*"},
			Action:    rules.Action{Kind: rules.ActionDrop},
		},
	})

	req := proxyRequest(t, upstreamSrv, http.MethodGet, "/blocked")
	rec := httptest.NewRecorder()

	c.Forward(rec, req, "")

	if hit {
		t.Fatal("expected dropped flow to never reach upstream")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected default drop status 503, got %d", rec.Code)
	}
}

func TestForwardOversizedBodyFallsThroughToPassthrough(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer upstreamSrv.Close()

	c := newTestCoordinator(t, scope.Config{})
	c.config.MaxBodyBytes = 4

	req := proxyRequest(t, upstreamSrv, http.MethodPost, "/big")
	req.Body = io.NopCloser(&staticReader{data: []byte("this body is much larger than four bytes")})

	rec := httptest.NewRecorder()
	c.Forward(rec, req, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected streamed passthrough to succeed, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected the oversized body to still be relayed upstream")
	}
}

type staticReader struct {
	data []byte
	pos  int
}

func (r *staticReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func TestCoordinatorRequestTimeoutMapsToGatewayTimeout(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstreamSrv.Close()

	c := newTestCoordinator(t, scope.Config{})
	c.config.RequestTimeoutMS = 1

	req := proxyRequest(t, upstreamSrv, http.MethodGet, "/slow")
	rec := httptest.NewRecorder()

	c.Forward(rec, req, "")

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on request timeout, got %d", rec.Code)
	}
}
