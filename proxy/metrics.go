package proxy

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the ambient operational counters exposed through a
// private registry (SPEC_FULL.md §7 expansion). No HTTP handler is
// mounted here — that is the excluded management-API surface — but an
// embedder can mount Proxy.MetricsRegistry() itself. pluginTrapTotal and
// poolWaitSeconds are registered, but nothing in this package updates
// them, so they stay at zero.
type metrics struct {
	registry *prometheus.Registry

	flowsTotal      *prometheus.CounterVec
	ruleHitsTotal   prometheus.Counter
	pluginTrapTotal prometheus.Counter
	poolWaitSeconds prometheus.Histogram
	findingsTotal   *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		flowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaywire",
			Name:      "flows_total",
			Help:      "Flows forwarded by the data plane, labeled by scope decision.",
		}, []string{"scope_decision"}),
		ruleHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaywire",
			Name:      "rule_hits_total",
			Help:      "Rule matches applied across all flows.",
		}),
		pluginTrapTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaywire",
			Name:      "plugin_traps_total",
			Help:      "Plugin invocations that trapped (fuel/deadline/error).",
		}),
		poolWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaywire",
			Name:      "pool_wait_seconds",
			Help:      "Time spent waiting for a pooled upstream client slot.",
		}),
		findingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaywire",
			Name:      "scanner_findings_total",
			Help:      "Scanner findings emitted, labeled by category.",
		}, []string{"category"}),
	}
	reg.MustRegister(m.flowsTotal, m.ruleHitsTotal, m.pluginTrapTotal, m.poolWaitSeconds, m.findingsTotal)
	return m
}

// MetricsRegistry returns the private registry the proxy's counters are
// registered on.
func (p *Proxy) MetricsRegistry() *prometheus.Registry {
	return p.metrics.registry
}
