// Package flow defines the central Flow record threaded through the
// proxy data plane: the request/response pair plus the scope, rule and
// plugin annotations recorded as the cascade runs (SPEC_FULL.md §3).
package flow

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/relaywire/relaywire/internal/conn"
)

// ScopeDecision records whether the scope filter included or excluded a flow.
type ScopeDecision int

const (
	ScopeUnknown ScopeDecision = iota
	ScopeIncluded
	ScopeExcluded
)

func (d ScopeDecision) String() string {
	switch d {
	case ScopeIncluded:
		return "included"
	case ScopeExcluded:
		return "excluded"
	default:
		return "unknown"
	}
}

// PluginHit annotates a plugin invocation outcome onto a Flow.
type PluginHit struct {
	Plugin        string `json:"plugin"`
	Error         bool   `json:"error,omitempty"`
	FuelExhausted bool   `json:"fuelExhausted,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
}

// idCounter is the monotonic allocator backing Flow.ID (invariant 1:
// every Flow.ID is unique and increasing in allocation order).
var idCounter atomic.Int64

// Request represents an HTTP request in the proxy flow.
type Request struct {
	Method string      `json:"method"`
	URL    *url.URL    `json:"-"`
	Proto  string      `json:"proto"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"-"`

	raw *http.Request
}

// NewRequest creates a Request snapshot from an inbound *http.Request.
func NewRequest(req *http.Request) *Request {
	return &Request{
		Method: req.Method,
		URL:    req.URL,
		Proto:  req.Proto,
		Header: req.Header,
		raw:    req,
	}
}

// Raw returns the underlying http.Request this snapshot was built from.
func (r *Request) Raw() *http.Request { return r.raw }

// BodyDigest returns a non-cryptographic digest of the buffered body,
// suitable for change detection and dedup, never for security decisions.
func (r *Request) BodyDigest() uint64 {
	return xxhash.Sum64(r.Body)
}

func (r *Request) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"method": r.Method,
		"proto":  r.Proto,
		"header": r.Header,
	}
	if r.URL != nil {
		m["url"] = r.URL.String()
	}
	return json.Marshal(m)
}

// Response represents an HTTP response in the proxy flow.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`
	BodyReader io.Reader   `json:"-"`

	Close bool // connection should be closed after this response
}

// BodyDigest returns a non-cryptographic digest of the buffered body.
func (r *Response) BodyDigest() uint64 {
	return xxhash.Sum64(r.Body)
}

// Flow is the central record of one forwarded request/response pair.
type Flow struct {
	ID          int64
	ConnContext *conn.Context
	Request     *Request
	Response    *Response

	StartTS time.Time
	EndTS   time.Time

	ClientAddr       string
	UpstreamProtocol string // "http/1.1" or "h2"

	ScopeDecision ScopeDecision
	RuleHits      []string
	PluginHits    []PluginHit

	Truncated bool // body exceeded MaxBodyBytes and fell through to streaming

	// Stream mirrors mitmproxy's streaming mode: when true, bodies are not
	// buffered and do not enter the rule/plugin cascade.
	Stream            bool
	UseSeparateClient bool

	done chan struct{}
}

// New allocates a Flow with a freshly minted monotonic ID.
func New() *Flow {
	return &Flow{
		ID:      idCounter.Add(1),
		StartTS: time.Now(),
		done:    make(chan struct{}),
	}
}

// Done returns a channel closed when the flow finishes (end_ts is set).
func (f *Flow) Done() <-chan struct{} { return f.done }

// Finish marks the flow complete, setting EndTS and closing Done().
func (f *Flow) Finish() {
	f.EndTS = time.Now()
	close(f.done)
}

// AddRuleHit records that a rule matched and mutated this flow.
func (f *Flow) AddRuleHit(ruleID string) {
	f.RuleHits = append(f.RuleHits, ruleID)
}

// AddPluginHit records a plugin invocation outcome.
func (f *Flow) AddPluginHit(hit PluginHit) {
	f.PluginHits = append(f.PluginHits, hit)
}

func (f *Flow) MarshalJSON() ([]byte, error) {
	j := map[string]any{
		"id":               f.ID,
		"request":          f.Request,
		"response":         f.Response,
		"scopeDecision":    f.ScopeDecision.String(),
		"ruleHits":         f.RuleHits,
		"pluginHits":       f.PluginHits,
		"upstreamProtocol": f.UpstreamProtocol,
		"truncated":        f.Truncated,
	}
	return json.Marshal(j)
}
