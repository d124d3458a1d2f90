package scope

import "testing"

func TestEmptyIncludesIncludesAll(t *testing.T) {
	f := New(Config{})
	if !f.Evaluate("https://anything.test/path") {
		t.Fatal("empty includes should include everything")
	}
}

func TestExcludeWinsOverInclude(t *testing.T) {
	// S2 scenario: includes api.example.test, excludes /health.
	f := New(Config{
		Includes: []string{"api.example.test"},
		Excludes: []string{"/health"},
	})
	if f.Evaluate("https://api.example.test/health") {
		t.Fatal("exclude pattern should win over a matching include")
	}
	if !f.Evaluate("https://api.example.test/users") {
		t.Fatal("non-excluded included URL should be in scope")
	}
	if f.Evaluate("https://other.test/users") {
		t.Fatal("URL matching no include pattern should be excluded")
	}
}

func TestGlobPattern(t *testing.T) {
	f := New(Config{Includes: []string{"*.internal.test/*"}})
	if !f.Evaluate("https://api.internal.test/v1/users") {
		t.Fatal("glob include should match")
	}
	if f.Evaluate("https://api.external.test/v1/users") {
		t.Fatal("glob include should not match a different host")
	}
}

func TestMemoizationInvalidatedOnUpdate(t *testing.T) {
	f := New(Config{Excludes: []string{"/blocked"}})
	url := "https://example.test/blocked"
	if f.Evaluate(url) {
		t.Fatal("expected excluded before update")
	}

	f.Update(Config{}) // drop the exclude
	if !f.Evaluate(url) {
		t.Fatal("expected memo invalidated and URL now included after update")
	}
}
