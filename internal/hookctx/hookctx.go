// Package hookctx defines HookContext, the mutable view of a flow's
// request or response side that the rule engine and plugin host both
// operate on (SPEC_FULL.md §3 HookContext). Mutations are applied back
// to the Flow only if the cascade step that produced them is permitted
// to take effect.
package hookctx

import (
	"net/http"
	"net/url"

	"github.com/relaywire/relaywire/internal/flow"
)

// Side identifies which half of a Flow a HookContext represents.
type Side int

const (
	Request Side = iota
	Response
)

// HookContext is the serializable, mutable view passed through the rule
// engine and plugin hooks for one side of one flow.
type HookContext struct {
	Side    Side
	Method  string
	URL     string
	Status  int
	Headers http.Header
	Body    []byte

	// Metadata is a free-form string map plugins and rules can use to
	// pass annotations to later stages of the same cascade.
	Metadata map[string]string
}

// FromRequest builds a HookContext from the request side of a flow.
func FromRequest(r *flow.Request) *HookContext {
	url := ""
	if r.URL != nil {
		url = r.URL.String()
	}
	return &HookContext{
		Side:     Request,
		Method:   r.Method,
		URL:      url,
		Headers:  cloneHeader(r.Header),
		Body:     append([]byte(nil), r.Body...),
		Metadata: map[string]string{},
	}
}

// ApplyToRequest writes mutations in c back onto r. A URL that does not
// parse leaves r.URL unchanged.
func (c *HookContext) ApplyToRequest(r *flow.Request) {
	r.Header = c.Headers
	r.Body = c.Body
	if c.Method != "" {
		r.Method = c.Method
	}
	if c.URL != "" {
		if u, err := url.Parse(c.URL); err == nil {
			r.URL = u
		}
	}
}

// FromResponse builds a HookContext from the response side of a flow.
func FromResponse(r *flow.Response) *HookContext {
	return &HookContext{
		Side:     Response,
		Status:   r.StatusCode,
		Headers:  cloneHeader(r.Header),
		Body:     append([]byte(nil), r.Body...),
		Metadata: map[string]string{},
	}
}

// ApplyToResponse writes mutations in c back onto r.
func (c *HookContext) ApplyToResponse(r *flow.Response) {
	r.Header = c.Headers
	r.Body = c.Body
	if c.Status != 0 {
		r.StatusCode = c.Status
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}
