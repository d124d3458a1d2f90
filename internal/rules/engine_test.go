package rules

import (
	"net/http"
	"testing"

	"github.com/relaywire/relaywire/internal/flow"
	"github.com/relaywire/relaywire/internal/hookctx"
)

func TestDropHaltsFurtherRules(t *testing.T) {
	// S4 / boundary behavior: a drop rule at priority 0 followed by a
	// rule at priority 1 — the second rule's effects must not be observable.
	e := NewEngine(0, 0)
	e.Load([]*Rule{
		{
			ID:        "a",
			Enabled:   true,
			Priority:  0,
			Match:     Match{URLRegex: "/admin.*"},
			Action:    Action{Kind: ActionDrop},
			AppliesTo: AppliesRequest,
		},
		{
			ID:        "b",
			Enabled:   true,
			Priority:  1,
			Match:     Match{URLRegex: "/admin.*"},
			Action:    Action{Kind: ActionSetHeader, HeaderName: "X-Injected", HeaderValue: "yes"},
			AppliesTo: AppliesRequest,
		},
	})

	ctx := &hookctx.HookContext{URL: "https://t/admin/secrets", Headers: http.Header{}}
	f := flow.New()

	dropped, status := e.Apply(ctx, hookctx.Request, f)
	if !dropped {
		t.Fatal("expected drop to fire")
	}
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected default drop status 503, got %d", status)
	}
	if ctx.Headers.Get("X-Injected") != "" {
		t.Fatal("rule at priority 1 must not be observable once priority 0 dropped")
	}
	if len(f.RuleHits) != 1 || f.RuleHits[0] != "a" {
		t.Fatalf("expected only rule a recorded as a hit, got %v", f.RuleHits)
	}
}

func TestOrderingIsPriorityThenID(t *testing.T) {
	e := NewEngine(0, 0)
	e.Load([]*Rule{
		{ID: "z", Enabled: true, Priority: 5, Match: Match{}, Action: Action{Kind: ActionSetHeader, HeaderName: "X-Order", HeaderValue: "z"}, AppliesTo: AppliesBoth},
		{ID: "a", Enabled: true, Priority: 5, Match: Match{}, Action: Action{Kind: ActionSetHeader, HeaderName: "X-Order", HeaderValue: "a"}, AppliesTo: AppliesBoth},
		{ID: "m", Enabled: true, Priority: 1, Match: Match{}, Action: Action{Kind: ActionSetHeader, HeaderName: "X-Order", HeaderValue: "m"}, AppliesTo: AppliesBoth},
	})

	snap := e.Snapshot()
	got := []string{snap[0].ID, snap[1].ID, snap[2].ID}
	want := []string{"m", "a", "z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ordering mismatch: got %v want %v", got, want)
		}
	}
}

func TestInvalidRegexDisablesRuleOnly(t *testing.T) {
	e := NewEngine(0, 0)
	warnings := e.Load([]*Rule{
		{ID: "bad", Enabled: true, Priority: 0, Match: Match{URLRegex: "("}, Action: Action{Kind: ActionDrop}, AppliesTo: AppliesRequest},
		{ID: "good", Enabled: true, Priority: 1, Match: Match{}, Action: Action{Kind: ActionSetHeader, HeaderName: "X-Ok", HeaderValue: "1"}, AppliesTo: AppliesRequest},
	})
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one load warning, got %v", warnings)
	}

	ctx := &hookctx.HookContext{URL: "https://t/x", Headers: http.Header{}}
	e.Apply(ctx, hookctx.Request, flow.New())
	if ctx.Headers.Get("X-Ok") != "1" {
		t.Fatal("the well-formed rule should still have applied")
	}
}

func TestSetHeaderPreservesExistingCase(t *testing.T) {
	ctx := &hookctx.HookContext{Headers: http.Header{"X-Custom-Header": []string{"old"}}}
	applyAction(Action{Kind: ActionSetHeader, HeaderName: "x-custom-header", HeaderValue: "new"}, ctx)
	if v, ok := ctx.Headers["X-Custom-Header"]; !ok || v[0] != "new" {
		t.Fatalf("expected original case preserved with new value, got %v", ctx.Headers)
	}
}

func TestBodyContainsOversizeIsNonMatch(t *testing.T) {
	e := NewEngine(0, 4) // tiny inspection limit
	e.Load([]*Rule{
		{ID: "big", Enabled: true, Priority: 0, Match: Match{BodyContains: "secret"}, Action: Action{Kind: ActionDrop}, AppliesTo: AppliesRequest},
	})
	ctx := &hookctx.HookContext{Body: []byte("this body contains secret but is too long"), Headers: http.Header{}}
	dropped, _ := e.Apply(ctx, hookctx.Request, flow.New())
	if dropped {
		t.Fatal("oversized body should be treated as a non-match, not dropped")
	}
}
