package intruder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaywire/relaywire/internal/upstream"
)

func TestPositionsDedupesRepeatedMarkers(t *testing.T) {
	got := positions("GET /§user§/profile?id=§user§&tok=§token§")
	want := []string{"user", "token"}
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v got %v", want, got)
		}
	}
}

func TestSniperRequestCount(t *testing.T) {
	// S3 scenario: 2 positions, 3 payloads each => 2*3 = 6 requests.
	a := NewAttack(
		"§a§-§b§",
		map[string][]string{"a": {"1", "2", "3"}},
		Sniper, 1, 0,
	)
	plans := a.plan()
	if len(plans) != 6 {
		t.Fatalf("expected 6 sniper plans, got %d", len(plans))
	}
}

func TestBatteringRamRequestCount(t *testing.T) {
	a := NewAttack("§a§-§b§", map[string][]string{"x": {"1", "2"}}, Battering, 1, 0)
	if len(a.plan()) != 2 {
		t.Fatalf("expected |payloads|=2 battering ram requests, got %d", len(a.plan()))
	}
}

func TestPitchforkUsesMinimumCardinality(t *testing.T) {
	a := NewAttack("§a§-§b§", map[string][]string{
		"a": {"1", "2", "3"},
		"b": {"x", "y"},
	}, Pitchfork, 1, 0)
	if len(a.plan()) != 2 {
		t.Fatalf("expected min(3,2)=2 pitchfork requests, got %d", len(a.plan()))
	}
}

func TestClusterBombIsCartesianProduct(t *testing.T) {
	a := NewAttack("§a§-§b§", map[string][]string{
		"a": {"1", "2", "3"},
		"b": {"x", "y"},
	}, ClusterBomb, 1, 0)
	if len(a.plan()) != 6 {
		t.Fatalf("expected 3*2=6 cluster bomb requests, got %d", len(a.plan()))
	}
}

func TestRunRespectsStopFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	payloads := make([]string, 50)
	for i := range payloads {
		payloads[i] = "x"
	}
	a := NewAttack("§a§", map[string][]string{"a": payloads}, Sniper, 2, 0)
	a.Stop()

	pool := upstream.NewPool(time.Minute, 4, false)
	defer pool.Close()

	build := func(resolved string) (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}

	if err := a.Run(context.Background(), pool, upstream.Key{Authority: srv.Listener.Addr().String(), Scheme: "http"}, build); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.State() != StateStopped {
		t.Fatalf("expected stopped state, got %v", a.State())
	}
	if len(a.Results()) != 0 {
		t.Fatalf("expected no requests sent once stopped before start, got %d", len(a.Results()))
	}
}

func TestRunSendsAllPlannedRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	a := NewAttack("§a§", map[string][]string{"a": {"1", "2", "3"}}, Sniper, 2, 0)

	pool := upstream.NewPool(time.Minute, 4, false)
	defer pool.Close()

	build := func(resolved string) (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	}

	if err := a.Run(context.Background(), pool, upstream.Key{Authority: srv.Listener.Addr().String(), Scheme: "http"}, build); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.State() != StateFinished {
		t.Fatalf("expected finished state, got %v", a.State())
	}
	if len(a.Results()) != 3 {
		t.Fatalf("expected 3 results, got %d", len(a.Results()))
	}
}

func TestIsInterestingOn2xxOrDeviation(t *testing.T) {
	if !IsInteresting(Result{Status: 200}, 100, 0.5) {
		t.Fatal("expected 2xx to be interesting")
	}
	if IsInteresting(Result{Status: 404, ResponseLength: 100}, 100, 0.5) {
		t.Fatal("expected matching baseline length to not be interesting")
	}
	if !IsInteresting(Result{Status: 404, ResponseLength: 300}, 100, 0.5) {
		t.Fatal("expected large deviation from baseline to be interesting")
	}
}
