// Package proxy implements the intercepting proxy data plane and flow
// coordinator (SPEC_FULL.md §4.1): the listener, CONNECT-tunnel MITM,
// protocol negotiation, and the per-request hook/rule/plugin/capture
// cascade that the rest of the engines plug into.
package proxy

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the single ambient-configuration surface an embedding
// binary constructs (SPEC_FULL.md §6). Locating or reading a config
// file, flag binding, and the management API/UI/CLI that would populate
// this struct in a full deployment are out of scope (spec.md §1). Fields
// carry yaml tags, which LoadConfig uses to unmarshal a YAML document
// into this struct; an embedder's own loader can use them the same way.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	APIAddr    string `yaml:"api_addr"` // consumed by the external management API; unused here

	CAPath                 string `yaml:"ca_path"`
	CaptureDir              string `yaml:"capture_dir"`
	PluginDir               string `yaml:"plugin_dir"`
	PluginsEnabled           bool   `yaml:"plugins_enabled"`

	MaxBodyBytes            int64 `yaml:"max_body_bytes"`
	RuleBodyInspectionBytes int64 `yaml:"rule_body_inspection_bytes"`
	MaxConcurrency          int   `yaml:"max_concurrency"`
	RequestTimeoutMS        int   `yaml:"request_timeout_ms"`

	PoolIdleTimeoutMS int `yaml:"pool_idle_timeout_ms"`
	MaxConnsPerHost   int `yaml:"max_conns_per_host"`

	LeafCertValidityDays int `yaml:"leaf_cert_validity_days"`
	LeafCacheSize        int `yaml:"leaf_cache_size"`

	H2CEnabled bool `yaml:"h2c_enabled"`

	FuelPerHook        uint64 `yaml:"fuel_per_hook"`
	PluginTimeBudgetMS int    `yaml:"plugin_time_budget_ms"`
	PluginMemoryMiB    uint32 `yaml:"plugin_memory_mib"`

	RuleDropStatus int `yaml:"rule_drop_status"`

	InlineBodyThresholdBytes int `yaml:"inline_body_threshold_bytes"`

	InsecureSkipVerifyUpstream bool `yaml:"insecure_skip_verify_upstream"`
}

// WithDefaults returns a copy of c with every zero-valued field set to
// its SPEC_FULL.md §6 default.
func (c Config) WithDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:8080"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 2 * 1024 * 1024
	}
	if c.RuleBodyInspectionBytes == 0 {
		c.RuleBodyInspectionBytes = 1024 * 1024
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 64
	}
	if c.RequestTimeoutMS == 0 {
		c.RequestTimeoutMS = 30000
	}
	if c.PoolIdleTimeoutMS == 0 {
		c.PoolIdleTimeoutMS = 90000
	}
	if c.MaxConnsPerHost == 0 {
		c.MaxConnsPerHost = 8
	}
	if c.LeafCertValidityDays == 0 {
		c.LeafCertValidityDays = 365
	}
	if c.LeafCacheSize == 0 {
		c.LeafCacheSize = 1024
	}
	if c.FuelPerHook == 0 {
		c.FuelPerHook = 1_000_000
	}
	if c.PluginTimeBudgetMS == 0 {
		c.PluginTimeBudgetMS = 5000
	}
	if c.PluginMemoryMiB == 0 {
		c.PluginMemoryMiB = 10
	}
	if c.RuleDropStatus == 0 {
		c.RuleDropStatus = 503
	}
	if c.InlineBodyThresholdBytes == 0 {
		c.InlineBodyThresholdBytes = 64 * 1024
	}
	return c
}

// LoadConfig unmarshals a YAML document into a Config and applies
// SPEC_FULL.md §6 defaults to any field the document left zero-valued.
// Locating and reading the document itself (flags, env, a config file
// path) is the embedding binary's job per spec.md §1 Non-goals; this
// function only covers the bytes-to-struct boundary.
func LoadConfig(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("proxy: parsing config yaml: %w", err)
	}
	return c.WithDefaults(), nil
}

func (c Config) requestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c Config) poolIdleTimeout() time.Duration {
	return time.Duration(c.PoolIdleTimeoutMS) * time.Millisecond
}
