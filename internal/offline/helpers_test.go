package offline

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// testOrigin serves a fixed set of paths and counts requests per path.
type testOrigin struct {
	*httptest.Server

	mu         sync.Mutex
	files      map[string]string
	headers    map[string]http.Header
	hits       map[string]int
	lastCookie string
}

func newTestOrigin(t *testing.T, files map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{files: map[string]string{}, headers: map[string]http.Header{}, hits: map[string]int{}}
	for k, v := range files {
		o.files[k] = v
	}
	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	o.lastCookie = r.Header.Get("Cookie")
	body, ok := o.files[r.URL.Path]
	extra := o.headers[r.URL.Path]
	o.mu.Unlock()

	for k, vs := range extra {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}

	if r.Method == http.MethodPost {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(append([]byte("posted:"), b...))
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, body)
}

func (o *testOrigin) set(path, body string) {
	o.mu.Lock()
	o.files[path] = body
	o.mu.Unlock()
}

// setHeader adds a response header served with path.
func (o *testOrigin) setHeader(path, key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.headers[path] == nil {
		o.headers[path] = http.Header{}
	}
	o.headers[path].Add(key, value)
}

func (o *testOrigin) cookie() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCookie
}

func (o *testOrigin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *testOrigin) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.hits {
		n += c
	}
	return n
}

// switchFetcher fails every request while down is set.
type switchFetcher struct {
	next Fetcher
	down atomic.Bool
}

var errOffline = errors.New("simulated offline")

func (f *switchFetcher) Do(req *http.Request) (*http.Response, error) {
	if f.down.Load() {
		return nil, errOffline
	}
	return f.next.Do(req)
}

func testConfig(t *testing.T, origin string, mutate ...func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server.Origin = origin
	cfg.Storage.Driver = "memory"
	cfg.Cache.Version = "v1"
	cfg.Cache.Assets = []string{"/index.html"}
	cfg.Clients.IdleTimeout = ""
	cfg.Logging.LogStatsEvery = ""
	for _, m := range mutate {
		m(&cfg)
	}
	if err := cfg.compile(); err != nil {
		t.Fatalf("compile config: %v", err)
	}
	return cfg
}

func withVersion(v string) func(*Config) {
	return func(c *Config) { c.Cache.Version = v }
}
