package offline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type serverFixture struct {
	*agentFixture
	srv *Server
	h   http.Handler
}

func newServerFixture(t *testing.T, mutate ...func(*Config)) *serverFixture {
	t.Helper()
	f := newAgentFixture(t)
	cfg := testConfig(t, f.origin.URL, mutate...)
	srv := NewServer(cfg, f.storage, f.net)
	t.Cleanup(srv.Close)
	return &serverFixture{agentFixture: f, srv: srv, h: srv.Handler()}
}

func (f *serverFixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func withClient(req *http.Request, id string) *http.Request {
	req.AddCookie(&http.Cookie{Name: clientCookie, Value: id})
	return req
}

func navigate(req *http.Request) *http.Request {
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	return req
}

func TestServerServesFromCache(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)
	if err := f.srv.Start(ctx); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, navigate(httptest.NewRequest(http.MethodGet, "/index.html", nil)))
	if rec.Code != http.StatusOK || rec.Body.String() != "<html>map</html>" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(kindHeader); got != KindHit {
		t.Fatalf("%s = %q, want hit", kindHeader, got)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), clientCookie+"=") {
		t.Fatal("client cookie not set")
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != kindHeader {
		t.Fatalf("expose headers = %q", got)
	}
	if f.origin.count("/index.html") != 1 {
		t.Fatalf("origin hits = %d, want only the install fetch", f.origin.count("/index.html"))
	}

	rec = f.do(t, withClient(httptest.NewRequest(http.MethodGet, "/data.json", nil), "c1"))
	if rec.Header().Get(kindHeader) != KindMiss || rec.Header().Get("Set-Cookie") != "" {
		t.Fatalf("first data fetch: kind=%q cookie=%q", rec.Header().Get(kindHeader), rec.Header().Get("Set-Cookie"))
	}
	f.srv.Registration().Wait()
	rec = f.do(t, withClient(httptest.NewRequest(http.MethodGet, "/data.json", nil), "c1"))
	if rec.Header().Get(kindHeader) != KindHit || rec.Body.String() != `{"counties":26}` {
		t.Fatalf("second data fetch: kind=%q body=%q", rec.Header().Get(kindHeader), rec.Body.String())
	}
}

func TestServerPassesPostThrough(t *testing.T) {
	f := newServerFixture(t)
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/data.json", strings.NewReader("hello")))
	if rec.Body.String() != "posted:hello" || rec.Header().Get(kindHeader) != KindBypass {
		t.Fatalf("got kind=%q body=%q", rec.Header().Get(kindHeader), rec.Body.String())
	}
}

func TestServerOffline(t *testing.T) {
	f := newServerFixture(t)
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.net.down.Store(true)

	rec := f.do(t, withClient(navigate(httptest.NewRequest(http.MethodGet, "/counties/cork", nil)), "c1"))
	if rec.Code != http.StatusOK || rec.Header().Get(kindHeader) != KindFallback {
		t.Fatalf("navigation: %d kind=%q", rec.Code, rec.Header().Get(kindHeader))
	}
	if rec.Body.String() != "<html>map</html>" {
		t.Fatalf("fallback body = %q", rec.Body.String())
	}

	rec = f.do(t, withClient(httptest.NewRequest(http.MethodGet, "/tiles/1.png", nil), "c1"))
	if rec.Code != http.StatusBadGateway || rec.Header().Get(kindHeader) != kindBadGateway {
		t.Fatalf("subresource: %d kind=%q", rec.Code, rec.Header().Get(kindHeader))
	}
}

func TestServerMessage(t *testing.T) {
	f := newServerFixture(t)

	post := func(body string) *httptest.ResponseRecorder {
		return f.do(t, httptest.NewRequest(http.MethodPost, controlPrefix+"message", strings.NewReader(body)))
	}
	if rec := post(`{"type":"CLEAR_CACHE"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before start: %d", rec.Code)
	}
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec := post(`{bad`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid json: %d", rec.Code)
	}
	if rec := post(`{"type":"SKIP"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: %d", rec.Code)
	}

	rec := post(`{"type":"CLEAR_CACHE"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: %d %s", rec.Code, rec.Body.String())
	}
	var reply Reply
	if err := json.NewDecoder(rec.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if !reply.OK || reply.Type != MessageClearCache || strings.Join(reply.Deleted, ",") != "v1" {
		t.Fatalf("reply = %+v", reply)
	}
	if names := mustNames(t, f.storage); len(names) != 0 {
		t.Fatalf("names after clear = %v", names)
	}

	// Cleared caches refill from the network.
	rec = f.do(t, navigate(httptest.NewRequest(http.MethodGet, "/index.html", nil)))
	if rec.Header().Get(kindHeader) != KindMiss {
		t.Fatalf("after clear kind = %q", rec.Header().Get(kindHeader))
	}
}

func TestServerStoresAndUpdate(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)
	if err := f.srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.do(t, withClient(navigate(httptest.NewRequest(http.MethodGet, "/index.html", nil)), "c1"))

	if err := f.srv.Update(ctx, testConfig(t, f.origin.URL, withVersion("v2"))); err != nil {
		t.Fatal(err)
	}
	// Same version again is a no-op.
	if err := f.srv.Update(ctx, testConfig(t, f.origin.URL, withVersion("v2"))); err != nil {
		t.Fatal(err)
	}

	stores := func() storesReply {
		t.Helper()
		rec := f.do(t, httptest.NewRequest(http.MethodGet, controlPrefix+"stores", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("stores: %d", rec.Code)
		}
		var out storesReply
		if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
		return out
	}
	got := stores()
	if got.Active != "v1" || got.Waiting != "v2" || len(got.Stores) != 2 || got.Stores[0].Entries != 1 {
		t.Fatalf("stores = %+v", got)
	}

	rec := f.do(t, withClient(httptest.NewRequest(http.MethodPost, controlPrefix+"close", nil), "c1"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close: %d", rec.Code)
	}
	got = stores()
	if got.Active != "v2" || got.Waiting != "" || len(got.Stores) != 1 || got.Stores[0].Name != "v2" {
		t.Fatalf("stores after close = %+v", got)
	}
}

func TestServerUncontrolledAfterImmediateActivation(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)
	if err := f.srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	f.do(t, withClient(navigate(httptest.NewRequest(http.MethodGet, "/index.html", nil)), "c1"))

	cfg := testConfig(t, f.origin.URL, withVersion("v2"), func(c *Config) { c.Lifecycle.ActivateImmediately = true })
	if err := f.srv.Update(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	rec := f.do(t, withClient(httptest.NewRequest(http.MethodGet, "/data.json", nil), "c1"))
	if rec.Header().Get(kindHeader) != kindUncontrolled {
		t.Fatalf("kind = %q, want uncontrolled", rec.Header().Get(kindHeader))
	}
	rec = f.do(t, withClient(navigate(httptest.NewRequest(http.MethodGet, "/index.html", nil)), "c1"))
	if rec.Header().Get(kindHeader) != KindHit {
		t.Fatalf("after navigation kind = %q, want hit", rec.Header().Get(kindHeader))
	}
}

func TestServerStartRestoresStoredVersion(t *testing.T) {
	ctx := context.Background()
	f := newServerFixture(t)
	f.net.down.Store(true)

	if err := f.srv.Start(ctx); !errors.Is(err, ErrNetwork) {
		t.Fatalf("start with nothing stored: %v", err)
	}

	c, err := f.storage.Open(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, f.origin.URL+"/index.html", testEntry("stored")); err != nil {
		t.Fatal(err)
	}
	if err := f.srv.Start(ctx); err != nil {
		t.Fatalf("start with stored version: %v", err)
	}
	rec := f.do(t, navigate(httptest.NewRequest(http.MethodGet, "/index.html", nil)))
	body, _ := io.ReadAll(rec.Body)
	if rec.Header().Get(kindHeader) != KindHit || string(body) != "stored" {
		t.Fatalf("kind=%q body=%q", rec.Header().Get(kindHeader), body)
	}
}

func TestServerDoesNotReplayCookiesAcrossClients(t *testing.T) {
	f := newServerFixture(t)
	f.origin.setHeader("/data.json", "Set-Cookie", "session=alice-secret; Path=/")
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, withClient(httptest.NewRequest(http.MethodGet, "/data.json", nil), "alice"))
	if rec.Header().Get(kindHeader) != KindMiss {
		t.Fatalf("alice kind = %q", rec.Header().Get(kindHeader))
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "alice-secret") {
		t.Fatal("alice did not receive the cookie set for her request")
	}
	f.srv.Registration().Wait()

	rec = f.do(t, withClient(httptest.NewRequest(http.MethodGet, "/data.json", nil), "bob"))
	if rec.Header().Get(kindHeader) != KindHit {
		t.Fatalf("bob kind = %q", rec.Header().Get(kindHeader))
	}
	if v := rec.Header().Values("Set-Cookie"); len(v) != 0 {
		t.Fatalf("bob received Set-Cookie %v", v)
	}
}

func TestServerHidesClientCookieFromOrigin(t *testing.T) {
	f := newServerFixture(t)
	if err := f.srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	req := withClient(httptest.NewRequest(http.MethodGet, "/data.json", nil), "c1")
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	f.do(t, req)

	if got := f.origin.cookie(); got != "theme=dark" {
		t.Fatalf("origin saw Cookie %q, want only the page's own cookies", got)
	}

	f.do(t, withClient(httptest.NewRequest(http.MethodPost, "/data.json", strings.NewReader("x")), "c1"))
	if got := f.origin.cookie(); got != "" {
		t.Fatalf("origin saw Cookie %q on pass-through", got)
	}
}
