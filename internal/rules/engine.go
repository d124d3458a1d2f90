// Package rules implements the match-and-action rewrite engine that runs
// on the request and response side of every in-scope flow
// (SPEC_FULL.md §4.5). Actions are a closed sum type dispatched by a
// single type switch (DESIGN NOTES §9); the active rule set is held
// behind an atomically-swapped immutable slice so readers never block a
// writer publishing a new rule set.
package rules

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/relaywire/relaywire/internal/flow"
	"github.com/relaywire/relaywire/internal/helper"
	"github.com/relaywire/relaywire/internal/hookctx"
)

// ActionKind is the closed set of rule actions.
type ActionKind int

const (
	ActionReplace ActionKind = iota
	ActionSetHeader
	ActionRemoveHeader
	ActionDrop
	ActionSetStatus
)

// Location names where a replace action substitutes text.
type Location int

const (
	LocationHeaders Location = iota
	LocationBody
	LocationURL
)

// Action is the tagged union of rule actions.
type Action struct {
	Kind ActionKind

	// ActionReplace
	Pattern  string
	Repl     string
	Location Location

	// ActionSetHeader / ActionRemoveHeader
	HeaderName  string
	HeaderValue string

	// ActionSetStatus
	Status uint16

	compiledPattern *regexp.Regexp
}

// AppliesTo selects which side(s) of a flow a rule evaluates against.
type AppliesTo int

const (
	AppliesRequest AppliesTo = iota
	AppliesResponse
	AppliesBoth
)

func (a AppliesTo) matches(side hookctx.Side) bool {
	switch a {
	case AppliesBoth:
		return true
	case AppliesRequest:
		return side == hookctx.Request
	case AppliesResponse:
		return side == hookctx.Response
	}
	return false
}

// Match holds the declarative match criteria for a rule.
type Match struct {
	URLRegex     string
	HeaderMatch  map[string]string // header name -> regex
	BodyContains string

	compiledURL    *regexp.Regexp
	compiledHeader map[string]*regexp.Regexp
}

// Rule is one match-and-action rewrite.
type Rule struct {
	ID        string
	Enabled   bool
	Priority  int32
	Match     Match
	Action    Action
	AppliesTo AppliesTo

	// LoadWarning is non-empty when this rule was disabled at load time
	// due to a regex compile error (SPEC_FULL.md §4.5 "compilation
	// errors disable the rule and surface a load-time warning").
	LoadWarning string
}

// Engine evaluates the active rule set against each flow's request and
// response sides.
type Engine struct {
	rules                atomic.Pointer[[]*Rule]
	dropStatus           int
	bodyInspectionLimit  int64
}

// NewEngine creates an Engine. dropStatus is the status code synthesized
// by a drop action (default 503); bodyInspectionLimit bounds
// body_contains matching (default 1 MiB, SPEC_FULL.md Open Question
// resolution: independent from the buffering threshold).
func NewEngine(dropStatus int, bodyInspectionLimit int64) *Engine {
	if dropStatus == 0 {
		dropStatus = http.StatusServiceUnavailable
	}
	if bodyInspectionLimit == 0 {
		bodyInspectionLimit = 1024 * 1024
	}
	e := &Engine{dropStatus: dropStatus, bodyInspectionLimit: bodyInspectionLimit}
	empty := []*Rule{}
	e.rules.Store(&empty)
	return e
}

// Load compiles and installs a new rule set, publishing it atomically.
// Rules with regex compile errors are disabled and their LoadWarning is
// returned alongside the others (no good rule is rejected because a
// sibling rule is malformed).
func (e *Engine) Load(rules []*Rule) []string {
	var warnings []string
	compiled := make([]*Rule, 0, len(rules))

	for _, r := range rules {
		r := r
		if r.Match.URLRegex != "" {
			re, err := regexp.Compile(r.Match.URLRegex)
			if err != nil {
				r.Enabled = false
				r.LoadWarning = fmt.Sprintf("rule %s: invalid url_regex: %v", r.ID, err)
				warnings = append(warnings, r.LoadWarning)
			} else {
				r.Match.compiledURL = re
			}
		}
		if len(r.Match.HeaderMatch) > 0 {
			r.Match.compiledHeader = make(map[string]*regexp.Regexp, len(r.Match.HeaderMatch))
			for name, pattern := range r.Match.HeaderMatch {
				re, err := regexp.Compile(pattern)
				if err != nil {
					r.Enabled = false
					r.LoadWarning = fmt.Sprintf("rule %s: invalid header_match[%s]: %v", r.ID, name, err)
					warnings = append(warnings, r.LoadWarning)
					continue
				}
				r.Match.compiledHeader[name] = re
			}
		}
		if r.Action.Kind == ActionReplace && r.Action.Pattern != "" {
			re, err := regexp.Compile(r.Action.Pattern)
			if err != nil {
				r.Enabled = false
				r.LoadWarning = fmt.Sprintf("rule %s: invalid replace pattern: %v", r.ID, err)
				warnings = append(warnings, r.LoadWarning)
			} else {
				r.Action.compiledPattern = re
			}
		}
		compiled = append(compiled, r)
	}

	sort.Slice(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority < compiled[j].Priority
		}
		return compiled[i].ID < compiled[j].ID
	})

	e.rules.Store(&compiled)
	return warnings
}

// Snapshot returns the currently installed rule set.
func (e *Engine) Snapshot() []*Rule {
	return *e.rules.Load()
}

// Apply runs the cascade for one side of one flow. It returns true if a
// drop action fired, along with the status code to synthesize.
func (e *Engine) Apply(ctx *hookctx.HookContext, side hookctx.Side, f *flow.Flow) (dropped bool, dropStatus int) {
	for _, r := range e.Snapshot() {
		if !r.Enabled || !r.AppliesTo.matches(side) {
			continue
		}
		if !r.matchesContext(ctx, e.bodyInspectionLimit) {
			continue
		}

		f.AddRuleHit(r.ID)
		applyAction(r.Action, ctx)

		if r.Action.Kind == ActionDrop {
			return true, e.dropStatus
		}
	}
	return false, 0
}

func (r *Rule) matchesContext(ctx *hookctx.HookContext, bodyLimit int64) bool {
	if r.Match.compiledURL != nil && !r.Match.compiledURL.MatchString(ctx.URL) {
		return false
	}
	for name, re := range r.Match.compiledHeader {
		values := ctx.Headers.Values(name)
		matched := false
		for _, v := range values {
			if re.MatchString(v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.Match.BodyContains != "" {
		if int64(len(ctx.Body)) > bodyLimit {
			return false // oversized body is treated as a non-match
		}
		decoded := helper.DecodeBody(ctx.Headers, ctx.Body)
		if !strings.Contains(string(decoded), r.Match.BodyContains) {
			return false
		}
	}
	return true
}

func applyAction(a Action, ctx *hookctx.HookContext) {
	switch a.Kind {
	case ActionReplace:
		re := a.compiledPattern
		switch a.Location {
		case LocationURL:
			if re != nil {
				ctx.URL = re.ReplaceAllString(ctx.URL, a.Repl)
			}
		case LocationBody:
			if re != nil {
				ctx.Body = []byte(re.ReplaceAllString(string(ctx.Body), a.Repl))
			}
		case LocationHeaders:
			if re == nil {
				return
			}
			for name, values := range ctx.Headers {
				for i, v := range values {
					values[i] = re.ReplaceAllString(v, a.Repl)
				}
				ctx.Headers[name] = values
			}
		}
	case ActionSetHeader:
		setHeaderPreservingCase(ctx.Headers, a.HeaderName, a.HeaderValue)
	case ActionRemoveHeader:
		ctx.Headers.Del(a.HeaderName)
	case ActionSetStatus:
		ctx.Status = int(a.Status)
	case ActionDrop:
		// handled by caller; nothing to mutate.
	}
}

// setHeaderPreservingCase implements "case-insensitive-replace,
// preserving original case if existing" (SPEC_FULL.md §4.5).
func setHeaderPreservingCase(h http.Header, name, value string) {
	for existing := range h {
		if strings.EqualFold(existing, name) {
			h[existing] = []string{value}
			return
		}
	}
	h.Set(name, value)
}

// DropStatus exposes the configured synthetic drop status as a string,
// useful for logging.
func (e *Engine) DropStatus() string {
	return strconv.Itoa(e.dropStatus)
}
