package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaywire/relaywire/internal/capture"
	"github.com/relaywire/relaywire/internal/flow"
	"github.com/relaywire/relaywire/internal/helper"
	"github.com/relaywire/relaywire/internal/hookctx"
	"github.com/relaywire/relaywire/internal/plugin"
	"github.com/relaywire/relaywire/internal/proxycontext"
	"github.com/relaywire/relaywire/internal/rules"
	"github.com/relaywire/relaywire/internal/scanner"
	"github.com/relaywire/relaywire/internal/scope"
	"github.com/relaywire/relaywire/internal/upstream"
	"github.com/relaywire/relaywire/internal/wsbridge"
)

// Coordinator implements the forward-path cascade from spec.md §4.1:
// scope check, on_request plugin hook, rule engine (request side),
// capture-pre-forward, pooled upstream send, rule engine (response
// side), on_response plugin hook, capture-post, scanner passive
// analysis, and finally the reply to the client.
type Coordinator struct {
	config Config

	scope   *scope.Filter
	rules   *rules.Engine
	plugins *plugin.Host
	pool    *upstream.Pool
	store   *capture.Store // nil disables persistence; cascade still runs
	passive *scanner.PassiveScanner
	bridge  *wsbridge.Bridge

	metrics *metrics
	logger  *slog.Logger
}

// NewCoordinator wires the engines together. store may be nil (capture
// disabled); every other dependency is required.
func NewCoordinator(cfg Config, sc *scope.Filter, re *rules.Engine, ph *plugin.Host, pool *upstream.Pool, store *capture.Store, passive *scanner.PassiveScanner, bridge *wsbridge.Bridge, m *metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		config:  cfg,
		scope:   sc,
		rules:   re,
		plugins: ph,
		pool:    pool,
		store:   store,
		passive: passive,
		bridge:  bridge,
		metrics: m,
		logger:  logger,
	}
}

// Forward runs the cascade for one absolute-form HTTP request and
// writes the outcome to res. The flow is linked to the connection's
// conn.Context when the request context carries one.
func (c *Coordinator) Forward(res http.ResponseWriter, req *http.Request, negotiatedALPN string) {
	logger := c.logger.With("method", req.Method, "url", req.URL.String())

	f := flow.New()
	f.Request = flow.NewRequest(req)
	f.ClientAddr = req.RemoteAddr
	f.UpstreamProtocol = negotiatedALPN
	if connCtx, ok := proxycontext.GetConnContext(req.Context()); ok {
		f.ConnContext = connCtx
		connCtx.FlowCount.Inc()
	}
	defer f.Finish()

	body, truncated, err := helper.ReaderToBuffer(req.Body, c.config.MaxBodyBytes)
	if err != nil {
		logger.Error("reading request body failed", "error", err)
		res.WriteHeader(http.StatusBadRequest)
		return
	}
	if truncated != nil {
		// Body exceeded max_body_bytes: fall through to streaming
		// passthrough rather than buffering further (spec.md §7 "Body
		// size exceeded").
		f.Truncated = true
		f.Stream = true
		if c.scope.Evaluate(req.URL.String()) {
			f.ScopeDecision = flow.ScopeIncluded
		} else {
			f.ScopeDecision = flow.ScopeExcluded
		}
		c.passthrough(res, req, f, truncated, negotiatedALPN, logger)
		return
	}
	f.Request.Body = body

	fullURL := req.URL.String()
	included := c.scope.Evaluate(fullURL)
	if !included {
		// Invariant 4/5: excluded flows bypass capture, rules, and
		// plugins entirely, but are still forwarded transparently.
		f.ScopeDecision = flow.ScopeExcluded
		c.passthrough(res, req, f, bytes.NewReader(body), negotiatedALPN, logger)
		return
	}
	f.ScopeDecision = flow.ScopeIncluded

	ctx, cancel := context.WithTimeout(req.Context(), c.config.requestTimeout())
	defer cancel()

	reqCtx := hookctx.FromRequest(f.Request)
	c.plugins.Dispatch(ctx, "on_request", reqCtx, f)
	dropped, dropStatus := c.rules.Apply(reqCtx, hookctx.Request, f)
	reqCtx.ApplyToRequest(f.Request)
	helper.StripHopByHop(f.Request.Header)

	if c.metrics != nil {
		c.metrics.flowsTotal.WithLabelValues(f.ScopeDecision.String()).Inc()
		if len(f.RuleHits) > 0 {
			c.metrics.ruleHitsTotal.Add(float64(len(f.RuleHits)))
		}
	}

	if dropped {
		// Rule drop: terminate with a synthetic response; no upstream
		// connection is ever opened (spec.md §4.5, testable property S4).
		f.Response = &flow.Response{StatusCode: dropStatus, Header: make(http.Header)}
		c.reply(res, f.Response, nil, logger)
		c.persist(context.Background(), f)
		return
	}

	key := upstream.Key{
		Authority: helper.CanonicalAddr(f.Request.URL),
		Scheme:    f.Request.URL.Scheme,
		ALPN:      negotiatedALPN,
	}

	if isClientWebSocketUpgrade(f.Request.Header) {
		c.upgradeWebSocket(res, req, f, key, logger)
		c.persist(context.Background(), f)
		return
	}

	// Capture-pre-forward; the store upserts, so the row is completed
	// in place once the response is in.
	c.persist(context.Background(), f)

	client, release, err := c.pool.Get(ctx, key)
	if err != nil {
		logger.Error("pool acquisition failed", "error", err)
		if ctx.Err() != nil {
			res.WriteHeader(http.StatusGatewayTimeout)
		} else {
			res.WriteHeader(http.StatusBadGateway)
		}
		c.persist(context.Background(), f)
		return
	}

	outReq, err := http.NewRequestWithContext(ctx, f.Request.Method, f.Request.URL.String(), bytes.NewReader(f.Request.Body))
	if err != nil {
		release()
		logger.Error("building upstream request failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		c.persist(context.Background(), f)
		return
	}
	outReq.Header = f.Request.Header.Clone()

	upstreamRes, err := client.Do(outReq)
	release()
	if err != nil {
		logger.Error("upstream request failed", "error", err)
		if ctx.Err() == context.DeadlineExceeded {
			res.WriteHeader(http.StatusGatewayTimeout)
		} else {
			res.WriteHeader(http.StatusBadGateway)
		}
		c.persist(context.Background(), f)
		return
	}
	defer upstreamRes.Body.Close()

	respBody, truncatedResp, err := helper.ReaderToBuffer(upstreamRes.Body, c.config.MaxBodyBytes)
	if err != nil {
		logger.Error("reading upstream body failed", "error", err)
		res.WriteHeader(http.StatusBadGateway)
		c.persist(context.Background(), f)
		return
	}

	f.Response = &flow.Response{StatusCode: upstreamRes.StatusCode, Header: upstreamRes.Header}
	if truncatedResp != nil {
		f.Truncated = true
		f.Stream = true
		c.reply(res, f.Response, truncatedResp, logger)
		c.persist(context.Background(), f)
		return
	}
	f.Response.Body = respBody

	respCtx := hookctx.FromResponse(f.Response)
	respDropped, respDropStatus := c.rules.Apply(respCtx, hookctx.Response, f)
	c.plugins.Dispatch(ctx, "on_response", respCtx, f)
	respCtx.ApplyToResponse(f.Response)
	if respDropped {
		f.Response.StatusCode = respDropStatus
		f.Response.Body = nil
	}
	helper.StripHopByHop(f.Response.Header)

	c.persist(context.Background(), f)
	if c.passive != nil {
		go c.runPassive(f)
	}

	c.reply(res, f.Response, bytes.NewReader(f.Response.Body), logger)
}

// runPassive executes the passive scanner's on_capture analysis off
// the request-serving goroutine, matching spec.md 4.1 step 8 "submit to
// Scanner passive queue" without delaying the client response.
func (c *Coordinator) runPassive(f *flow.Flow) {
	findings := c.passive.Scan(f)
	if len(findings) == 0 {
		return
	}
	if c.metrics != nil {
		for _, fn := range findings {
			c.metrics.findingsTotal.WithLabelValues(string(fn.Category)).Inc()
		}
	}
	for _, fn := range findings {
		c.logger.Info("scanner finding", "category", fn.Category, "url", fn.URL, "title", fn.Title)
	}
}

// persist appends f to the capture store. A write error is logged and
// swallowed — it never fails the flow (spec.md §7 "Capture write error").
func (c *Coordinator) persist(ctx context.Context, f *flow.Flow) {
	if c.store == nil {
		return
	}
	if err := c.store.Append(ctx, f); err != nil {
		c.logger.Error("capture append failed", "flow", f.ID, "error", err)
	}
}

// passthrough streams a request straight to its upstream without
// entering the rule/plugin cascade, used for scope-excluded flows and
// bodies that exceeded max_body_bytes.
func (c *Coordinator) passthrough(res http.ResponseWriter, req *http.Request, f *flow.Flow, body io.Reader, negotiatedALPN string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(req.Context(), c.config.requestTimeout())
	defer cancel()

	key := upstream.Key{
		Authority: helper.CanonicalAddr(req.URL),
		Scheme:    req.URL.Scheme,
		ALPN:      negotiatedALPN,
	}
	client, release, err := c.pool.Get(ctx, key)
	if err != nil {
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	defer release()

	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		res.WriteHeader(http.StatusBadGateway)
		return
	}
	outReq.Header = req.Header.Clone()
	helper.StripHopByHop(outReq.Header)

	upstreamRes, err := client.Do(outReq)
	if err != nil {
		logger.Error("passthrough upstream request failed", "error", err)
		if ctx.Err() == context.DeadlineExceeded {
			res.WriteHeader(http.StatusGatewayTimeout)
		} else {
			res.WriteHeader(http.StatusBadGateway)
		}
		return
	}
	defer upstreamRes.Body.Close()

	helper.StripHopByHop(upstreamRes.Header)
	for k, v := range upstreamRes.Header {
		res.Header()[k] = v
	}
	res.WriteHeader(upstreamRes.StatusCode)
	if _, err := io.Copy(res, upstreamRes.Body); err != nil {
		f.Truncated = true
		logger.Warn("client disconnected mid-stream", "error", err)
	}

	f.Response = &flow.Response{StatusCode: upstreamRes.StatusCode, Header: upstreamRes.Header}
	// Excluded/oversized flows are still subject to the capture-enabled
	// gate, but never the rule/plugin cascade (invariant 4).
	if f.ScopeDecision == flow.ScopeIncluded {
		c.persist(context.Background(), f)
	}
}

// reply writes a buffered response to the client. A write failure
// (client disconnect mid-stream) is logged rather than propagated;
// reply does not mark the flow truncated.
func (c *Coordinator) reply(res http.ResponseWriter, response *flow.Response, body io.Reader, logger *slog.Logger) {
	for k, v := range response.Header {
		res.Header()[k] = v
	}
	res.WriteHeader(response.StatusCode)
	if body == nil {
		return
	}
	if _, err := io.Copy(res, body); err != nil {
		logger.Warn("client disconnected mid-stream", "error", err)
	}
}

func isClientWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		headerContainsToken(h.Get("Connection"), "upgrade")
}

func headerContainsToken(v, token string) bool {
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
