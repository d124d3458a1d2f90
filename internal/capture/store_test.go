package capture

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaywire/relaywire/internal/flow"
)

func newTestFlow(t *testing.T, id int64, method, rawURL string, status int, body []byte) *flow.Flow {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url %q: %v", rawURL, err)
	}
	return &flow.Flow{
		ID: id,
		Request: &flow.Request{
			Method: method,
			URL:    u,
			Header: http.Header{},
		},
		Response: &flow.Response{
			StatusCode: status,
			Header:     http.Header{},
			Body:       body,
		},
		StartTS:    time.Unix(0, int64(id)*int64(time.Second)),
		ClientAddr: "127.0.0.1:1234",
	}
}

func openTestStore(t *testing.T, inlineThreshold int) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, inlineThreshold)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendThenGetRoundTrips(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	f := newTestFlow(t, 1, "GET", "https://example.test/a", 200, []byte("hello"))
	if err := s.Append(ctx, f); err != nil {
		t.Fatalf("Append: %v", err)
	}

	rec, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record, got nil")
	}
	if rec.ID != 1 || rec.Method != "GET" || rec.URL != "https://example.test/a" || rec.Status != 200 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestGetMissingIDReturnsNilNotError(t *testing.T) {
	s := openTestStore(t, 0)
	rec, err := s.Get(context.Background(), 999)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for missing id, got %+v", rec)
	}
}

func TestListFiltersByMethodStatusHostAndSubstring(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	flows := []*flow.Flow{
		newTestFlow(t, 1, "GET", "https://api.example.test/users", 200, nil),
		newTestFlow(t, 2, "POST", "https://api.example.test/users", 500, nil),
		newTestFlow(t, 3, "GET", "https://other.test/health", 404, nil),
	}
	for _, f := range flows {
		if err := s.Append(ctx, f); err != nil {
			t.Fatalf("Append %d: %v", f.ID, err)
		}
	}

	got, err := s.List(ctx, Filter{Method: "GET"}, 0)
	if err != nil {
		t.Fatalf("List by method: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 GET flows, got %d", len(got))
	}

	got, err = s.List(ctx, Filter{StatusMin: 400, StatusMax: 599}, 0)
	if err != nil {
		t.Fatalf("List by status range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 flows with status >= 400, got %d", len(got))
	}

	got, err = s.List(ctx, Filter{Host: "api.example.test"}, 0)
	if err != nil {
		t.Fatalf("List by host: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 flows matching host, got %d", len(got))
	}

	got, err = s.List(ctx, Filter{URLSubstring: "health"}, 0)
	if err != nil {
		t.Fatalf("List by url substring: %v", err)
	}
	if len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("expected only flow 3 to match 'health', got %+v", got)
	}
}

func TestListFiltersByStartTimeRangeAndOrdersDescending(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	flows := []*flow.Flow{
		newTestFlow(t, 1, "GET", "https://t/a", 200, nil),
		newTestFlow(t, 2, "GET", "https://t/b", 200, nil),
		newTestFlow(t, 3, "GET", "https://t/c", 200, nil),
	}
	for _, f := range flows {
		if err := s.Append(ctx, f); err != nil {
			t.Fatalf("Append %d: %v", f.ID, err)
		}
	}

	got, err := s.List(ctx, Filter{
		StartAfter:  time.Unix(0, int64(1)*int64(time.Second)),
		StartBefore: time.Unix(0, int64(2)*int64(time.Second)),
	}, 0)
	if err != nil {
		t.Fatalf("List by time range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 flows in [1,2], got %d", len(got))
	}
	if got[0].ID != 2 || got[1].ID != 1 {
		t.Fatalf("expected most-recent-first ordering [2,1], got [%d,%d]", got[0].ID, got[1].ID)
	}
}

func TestListRespectsLimit(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		if err := s.Append(ctx, newTestFlow(t, i, "GET", "https://t/x", 200, nil)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	got, err := s.List(ctx, Filter{}, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit of 2 results, got %d", len(got))
	}
}

// TestPlaceBodyInlineVsBlobThreshold grounds the inline/blob boundary: a
// body at or under inlineThreshold is stored inline (no blob file
// written), a body over it spills to dir/blobs/<digest>.
func TestPlaceBodyInlineVsBlobThreshold(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	small := []byte("12345678") // exactly at the threshold
	inline, blobRef := s.placeBody(small)
	if blobRef != "" {
		t.Fatalf("expected body at threshold to stay inline, got blobRef %q", blobRef)
	}
	if string(inline) != string(small) {
		t.Fatalf("expected inline bytes to round-trip, got %q", inline)
	}

	large := []byte("123456789") // one byte over the threshold
	inline, blobRef = s.placeBody(large)
	if inline != nil {
		t.Fatalf("expected body over threshold to not be stored inline, got %q", inline)
	}
	if blobRef == "" {
		t.Fatal("expected a blob reference for a body over the threshold")
	}
	blobPath := filepath.Join(dir, "blobs", blobRef)
	contents, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatalf("expected blob file at %q: %v", blobPath, err)
	}
	if string(contents) != string(large) {
		t.Fatalf("expected blob contents to match body, got %q", contents)
	}
}

func TestAppendStoresLargeResponseBodyAsBlobAndSmallRequestBodyInline(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()

	f := newTestFlow(t, 1, "POST", "https://t/upload", 200, []byte("this response body is definitely over the threshold"))
	f.Request.Body = []byte("ab")
	if err := s.Append(ctx, f); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, "blobs"))
	if err != nil {
		t.Fatalf("ReadDir blobs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one blob written for the oversized response body, got %d", len(entries))
	}
}

func TestClearAllRemovesRowsAndBlobs(t *testing.T) {
	s := openTestStore(t, 4)
	ctx := context.Background()

	f := newTestFlow(t, 1, "GET", "https://t/big", 200, []byte("this body is over the inline threshold"))
	if err := s.Append(ctx, f); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, "blobs"))
	if err != nil {
		t.Fatalf("ReadDir blobs before clear: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one blob before ClearAll")
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	rec, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get after ClearAll: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected no record after ClearAll, got %+v", rec)
	}

	entries, err = os.ReadDir(filepath.Join(s.dir, "blobs"))
	if err != nil {
		t.Fatalf("ReadDir blobs after clear: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected blobs directory to be empty after ClearAll, got %d entries", len(entries))
	}
}

func TestAppendIsIdempotentOnConflictingID(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	f := newTestFlow(t, 1, "GET", "https://t/a", 0, nil)
	if err := s.Append(ctx, f); err != nil {
		t.Fatalf("first Append: %v", err)
	}

	f.Response.StatusCode = 204
	f.EndTS = time.Now()
	if err := s.Append(ctx, f); err != nil {
		t.Fatalf("second Append (update): %v", err)
	}

	rec, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record to still exist after update")
	}
	if rec.Status != 204 {
		t.Fatalf("expected status to be updated to 204, got %d", rec.Status)
	}
	if rec.EndTS.IsZero() {
		t.Fatal("expected end_ts to be set after the update")
	}
}
