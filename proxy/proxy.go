package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaywire/relaywire/internal/capture"
	"github.com/relaywire/relaywire/internal/conn"
	"github.com/relaywire/relaywire/internal/intruder"
	"github.com/relaywire/relaywire/internal/plugin"
	"github.com/relaywire/relaywire/internal/rules"
	"github.com/relaywire/relaywire/internal/scanner"
	"github.com/relaywire/relaywire/internal/scope"
	"github.com/relaywire/relaywire/internal/upstream"
	"github.com/relaywire/relaywire/internal/wsbridge"

	"github.com/relaywire/relaywire/cert"
)

// Proxy is the top-level wiring of every engine named in SPEC_FULL.md
// §2: scope filter, rule engine, plugin host, TLS interceptor,
// connection pool, capture store, scanner, intruder, and the WebSocket
// bridge, sitting behind the Coordinator and entry listener. An
// embedder constructs one Proxy per listening address; the management
// API, UI, and CLI that would drive it in a full deployment are
// explicitly out of scope (spec.md §1) — callers drive Proxy directly
// through its Go methods instead.
type Proxy struct {
	config Config

	ca          cert.CA
	scope       *scope.Filter
	rules       *rules.Engine
	plugins     *plugin.Host
	pool        *upstream.Pool
	store       *capture.Store
	dedup       *scanner.Dedup
	passive     *scanner.PassiveScanner
	active      *scanner.ActiveScanner
	bridge      *wsbridge.Bridge
	coordinator *Coordinator
	metrics     *metrics

	entry  *entry
	logger *slog.Logger
}

// New constructs a Proxy from cfg, applying SPEC_FULL.md §6 defaults to
// any zero-valued field. scopeCfg seeds the initial include/exclude
// pattern set; it can be changed later via Proxy.UpdateScope.
func New(cfg Config, scopeCfg scope.Config, logger *slog.Logger) (*Proxy, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ca, err := cert.NewSelfSignCA(cfg.CAPath, cfg.LeafCacheSize, cfg.LeafCertValidityDays)
	if err != nil {
		return nil, fmt.Errorf("proxy: initializing CA: %w", err)
	}

	var store *capture.Store
	if cfg.CaptureDir != "" {
		store, err = capture.Open(cfg.CaptureDir, cfg.InlineBodyThresholdBytes)
		if err != nil {
			return nil, fmt.Errorf("proxy: opening capture store: %w", err)
		}
	}

	pluginCtx := context.Background()
	host, err := plugin.NewHost(pluginCtx, logger, cfg.PluginMemoryMiB)
	if err != nil {
		return nil, fmt.Errorf("proxy: initializing plugin host: %w", err)
	}

	pool := upstream.NewPool(cfg.poolIdleTimeout(), cfg.MaxConnsPerHost, cfg.InsecureSkipVerifyUpstream)
	dedup := scanner.NewDedup()
	passive := scanner.NewPassiveScanner(dedup)
	active := scanner.NewActiveScanner(pool, dedup, 4, 100*time.Millisecond)

	p := &Proxy{
		config:  cfg,
		ca:      ca,
		scope:   scope.New(scopeCfg),
		rules:   rules.NewEngine(cfg.RuleDropStatus, cfg.RuleBodyInspectionBytes),
		plugins: host,
		pool:    pool,
		store:   store,
		dedup:   dedup,
		passive: passive,
		active:  active,
		bridge:  wsbridge.NewBridge(logger),
		metrics: newMetrics(),
		logger:  logger,
	}
	p.coordinator = NewCoordinator(cfg, p.scope, p.rules, p.plugins, p.pool, p.store, p.passive, p.bridge, p.metrics, logger)
	p.entry = newEntry(p)
	return p, nil
}

// Start begins listening and blocks until the server stops.
func (p *Proxy) Start() error {
	return p.entry.start()
}

// Close immediately stops the listener and every background worker.
func (p *Proxy) Close() error {
	p.pool.Close()
	if p.store != nil {
		_ = p.store.Close()
	}
	if err := p.plugins.Close(context.Background()); err != nil {
		p.logger.Error("plugin host close failed", "error", err)
	}
	return p.entry.close()
}

// Shutdown gracefully drains in-flight connections before returning.
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.entry.shutdown(ctx)
}

// RootCAPEM returns the PEM-encoded root certificate an operator
// installs into a client's trust store (spec.md §6 `GET /ca-cert`,
// exposed here as a method since the management API itself is out of
// scope).
func (p *Proxy) RootCAPEM() []byte {
	return p.ca.ExportPEM()
}

// UpdateScope swaps the active include/exclude pattern set.
func (p *Proxy) UpdateScope(cfg scope.Config) {
	p.scope.Update(cfg)
}

// LoadRules replaces the active rule set, returning one warning message
// per rule pattern that failed to compile (spec.md §4.5 "invalid regex
// disables the rule, not the engine").
func (p *Proxy) LoadRules(rs []*rules.Rule) []string {
	return p.rules.Load(rs)
}

// LoadPlugin installs or hot-swaps a WASM plugin module.
func (p *Proxy) LoadPlugin(ctx context.Context, name string, wasmBytes []byte, priority int32, perms plugin.Permissions, timeBudgetMS int) error {
	return p.plugins.Load(ctx, name, wasmBytes, priority, perms, timeBudgetMS)
}

// RunIntruderAttack drives one intruder.Attack to completion against
// the given upstream key, using the pool this Proxy already maintains
// (spec.md §4.8).
func (p *Proxy) RunIntruderAttack(ctx context.Context, key upstream.Key, attack *intruder.Attack, build intruder.RequestBuilder) error {
	return attack.Run(ctx, p.pool, key, build)
}

// RunActiveScan drives the active scanner's probe set against a
// baseline URL (spec.md §4.9).
func (p *Proxy) RunActiveScan(ctx context.Context, key upstream.Key, baselineURL string, probes []scanner.Probe) []scanner.Finding {
	return p.active.Run(ctx, key, baselineURL, probes)
}

// NotifyClientDisconnected implements conn.DisconnectNotifier.
func (p *Proxy) NotifyClientDisconnected(c *conn.ClientConn) {
	p.logger.Debug("client disconnected", "conn", c.ID.String())
}
