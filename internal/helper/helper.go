// Package helper collects small stateless utilities shared by the proxy
// data plane: body buffering with a size cap, canonical host:port
// formatting, TLS record sniffing, and hop-by-hop header handling.
package helper

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// ReaderToBuffer tries to read r fully into a buffer bounded by limit.
// If the limit is not reached, it returns the buffered bytes. Otherwise
// it returns a nil buffer and a new Reader that reproduces the stream
// from the beginning (the caller must switch to streaming mode).
func ReaderToBuffer(r io.Reader, limit int64) ([]byte, io.Reader, error) {
	buf := bytes.NewBuffer(make([]byte, 0))
	lr := io.LimitReader(r, limit)

	_, err := io.Copy(buf, lr)
	if err != nil {
		return nil, nil, err
	}

	if int64(buf.Len()) == limit {
		return nil, io.MultiReader(bytes.NewBuffer(buf.Bytes()), r), nil
	}

	return buf.Bytes(), nil, nil
}

var portMap = map[string]string{
	"http":   "80",
	"https":  "443",
	"ws":     "80",
	"wss":    "443",
	"socks5": "1080",
}

// CanonicalAddr returns url.Host but always with a ":port" suffix.
func CanonicalAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = portMap[u.Scheme]
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// IsTLS reports whether buf looks like the start of a TLS record.
// https://github.com/mitmproxy/mitmproxy/blob/main/mitmproxy/net/tls.py is_tls_record_magic
func IsTLS(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	return buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x03
}

// hopByHopHeaders are connection-scoped and must never be forwarded
// verbatim between client and upstream, regardless of whether a rule or
// plugin mutated them (see SPEC_FULL.md §9 Open Question resolution).
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h in place, including any
// headers named by a "Connection" header value.
func StripHopByHop(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// DecodeBody returns body decompressed according to the response's
// Content-Encoding, for callers that need to inspect text rather than
// the wire bytes captured on the flow (rule `body_contains` matching
// against "the decoded body" per spec.md §4.5, and the scanner's
// passive phrase matchers). The raw bytes are always what gets
// persisted to the capture store; only inspection call sites decode.
// An unrecognized or absent encoding, or a decode failure, returns body
// unchanged rather than erroring — decoding is a best-effort aid to
// matching, not a requirement for it.
func DecodeBody(h http.Header, body []byte) []byte {
	switch strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding"))) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return body
		}
		return out
	case "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return body
		}
		return out
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return body
		}
		return out
	default:
		return body
	}
}
