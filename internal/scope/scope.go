// Package scope implements the include/exclude gate that decides whether
// a flow is captured and passed through rules/plugins, or streamed
// through untouched (SPEC_FULL.md §4.4).
package scope

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tidwall/match"
)

// Config is the include/exclude pattern set. Patterns are matched as a
// glob (when they contain '*') or a plain substring otherwise, against
// the full URL string. Empty Includes means include-all.
type Config struct {
	Includes []string
	Excludes []string
}

func matchPattern(pattern, url string) bool {
	if strings.ContainsRune(pattern, '*') {
		return match.Match(url, pattern)
	}
	return strings.Contains(url, pattern)
}

// Filter evaluates URLs against the current Config, memoizing decisions
// for the lifetime of that Config. Safe for concurrent use; Update swaps
// the active config and discards the memo atomically.
type Filter struct {
	cfg atomic.Pointer[Config]
	memo atomic.Pointer[sync.Map]
}

// New creates a Filter with the given initial configuration.
func New(cfg Config) *Filter {
	f := &Filter{}
	f.cfg.Store(&cfg)
	f.memo.Store(&sync.Map{})
	return f
}

// Update replaces the active scope configuration, invalidating the memo.
func (f *Filter) Update(cfg Config) {
	f.cfg.Store(&cfg)
	f.memo.Store(&sync.Map{})
}

// Config returns a copy of the currently active configuration.
func (f *Filter) Config() Config {
	cfg := f.cfg.Load()
	out := Config{
		Includes: append([]string(nil), cfg.Includes...),
		Excludes: append([]string(nil), cfg.Excludes...),
	}
	return out
}

// Evaluate returns true if url is in scope (should be captured/processed).
func (f *Filter) Evaluate(url string) bool {
	memo := f.memo.Load()
	if v, ok := memo.Load(url); ok {
		return v.(bool)
	}

	cfg := f.cfg.Load()
	decision := evaluate(cfg, url)
	memo.Store(url, decision)
	return decision
}

func evaluate(cfg *Config, url string) bool {
	for _, pattern := range cfg.Excludes {
		if matchPattern(pattern, url) {
			return false
		}
	}
	if len(cfg.Includes) == 0 {
		return true
	}
	for _, pattern := range cfg.Includes {
		if matchPattern(pattern, url) {
			return true
		}
	}
	return false
}
