package offline

import (
	"context"
	"hash/crc32"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrNetwork = errors.New("network error")

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// fetchEntry performs req over the network and buffers the response. Any
// transport or body read failure wraps ErrNetwork.
func fetchEntry(ctx context.Context, client Fetcher, scope *url.URL, req Request) (CacheEntry, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, req.Body)
	if err != nil {
		return CacheEntry{}, errors.Wrapf(err, "build request %s", req.URL)
	}
	copyHeaders(hr.Header, req.Header)
	stripHopHeaders(hr.Header)
	dropCookie(hr.Header, clientCookie)
	hr.Header.Set("Accept-Encoding", "identity")

	resp, err := client.Do(hr)
	if err != nil {
		return CacheEntry{}, &NetworkError{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, &NetworkError{URL: req.URL, Err: err}
	}

	final := hr.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Type:     classifyResponse(scope, final, resp.Header),
		URL:      final.String(),
	}
	ent.Header.Del("Content-Length")
	stripHopHeaders(ent.Header)
	ent.Hash32 = crc32.ChecksumIEEE(body)
	return ent, nil
}

// NetworkError is a failed network fetch with no response.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string { return "fetch " + e.URL + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// classifyResponse mirrors the browser's response tainting: same origin is
// basic, cross-origin with CORS consent is cors, anything else is opaque.
func classifyResponse(scope, final *url.URL, h http.Header) string {
	if scope != nil && sameOrigin(scope, final) {
		return TypeBasic
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		return TypeCORS
	}
	return TypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(hostPort(a), hostPort(b))
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// cacheable reports whether a network response may be stored during fetch
// handling: only a 200 same-origin response.
func cacheable(ent CacheEntry) bool {
	return ent.Status == http.StatusOK && ent.Type == TypeBasic
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// hopHeaders apply to a single connection and are never forwarded or stored.
var hopHeaders = []string{
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

func stripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// dropCookie removes the named cookie from the Cookie header, keeping the
// others in order.
func dropCookie(h http.Header, name string) {
	cookies := (&http.Request{Header: h}).Cookies()
	if len(cookies) == 0 {
		return
	}
	kept := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if c.Name != name {
			kept = append(kept, c.Name+"="+c.Value)
		}
	}
	h.Del("Cookie")
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
}

// storable returns a copy of ent fit for a shared store: cookies set for the
// client that caused the fetch must not be replayed to other clients.
func storable(ent CacheEntry) CacheEntry {
	ent = cloneEntry(ent)
	ent.Header.Del("Set-Cookie")
	ent.Header.Del("Set-Cookie2")
	return ent
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
