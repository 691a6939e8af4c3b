package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func testRouter(ids ...string) *Router {
	set := make(map[string]bool)
	for _, id := range ids {
		set[id] = true
	}
	return NewRouter("", "", 0, func(id string) bool { return set[id] })
}

func TestResolve(t *testing.T) {
	rt := testRouter("abcxyz", "a1b2c3", "k1")
	tests := []struct {
		name      string
		host      string
		target    string
		cookie    string
		referer   string
		upgrade   bool
		wantID    string
		wantPath  string
		wantVia   string
		setCookie bool
	}{
		{name: "subdomain", host: "a1b2c3.relay.example", target: "/status?x=1", wantID: "a1b2c3", wantPath: "/status?x=1", wantVia: "host"},
		{name: "subdomain with port", host: "k1.localhost:3000", target: "/", wantID: "k1", wantPath: "/", wantVia: "host"},
		{name: "prefixed path", host: "relay.example", target: "/proxy/abcxyz/app.js", wantID: "abcxyz", wantPath: "/app.js", wantVia: "path", setCookie: true},
		{name: "prefixed root", host: "relay.example", target: "/proxy/abcxyz", wantID: "abcxyz", wantPath: "/", wantVia: "path", setCookie: true},
		{name: "prefixed keeps query", host: "relay.example", target: "/proxy/abcxyz/a/b?q=2", wantID: "abcxyz", wantPath: "/a/b?q=2", wantVia: "path", setCookie: true},
		{name: "prefixed upgrade no cookie", host: "relay.example", target: "/proxy/abcxyz/ws", upgrade: true, wantID: "abcxyz", wantPath: "/ws", wantVia: "path"},
		{name: "host beats path", host: "a1b2c3.relay.example", target: "/proxy/abcxyz/x", wantID: "a1b2c3", wantPath: "/proxy/abcxyz/x", wantVia: "host"},
		{name: "cookie", host: "relay.example", target: "/style.css", cookie: "abcxyz", wantID: "abcxyz", wantPath: "/style.css", wantVia: "cookie"},
		{name: "path beats cookie", host: "relay.example", target: "/proxy/k1/x", cookie: "abcxyz", wantID: "k1", wantPath: "/x", wantVia: "path", setCookie: true},
		{name: "referer", host: "relay.example", target: "/img.png", referer: "https://relay.example/proxy/k1/index.html", wantID: "k1", wantPath: "/img.png", wantVia: "referer"},
		{name: "cookie beats referer", host: "relay.example", target: "/img.png", cookie: "a1b2c3", referer: "https://relay.example/proxy/k1/", wantID: "a1b2c3", wantPath: "/img.png", wantVia: "cookie"},
		{name: "unregistered host falls through", host: "nope.relay.example", target: "/proxy/k1/", wantID: "k1", wantPath: "/", wantVia: "path", setCookie: true},
		{name: "unregistered path falls through to cookie", host: "relay.example", target: "/proxy/gone/x", cookie: "k1", wantID: "k1", wantPath: "/proxy/gone/x", wantVia: "cookie"},
		{name: "stale cookie falls through to referer", host: "relay.example", target: "/x", cookie: "gone", referer: "http://relay.example/proxy/abcxyz/", wantID: "abcxyz", wantPath: "/x", wantVia: "referer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			r.Host = tt.host
			if tt.cookie != "" {
				r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: tt.cookie})
			}
			if tt.referer != "" {
				r.Header.Set("Referer", tt.referer)
			}
			got, ok := rt.Resolve(r, tt.upgrade)
			if !ok {
				t.Fatal("expected a route")
			}
			if got.TunnelID != tt.wantID || got.Path != tt.wantPath || got.Via != tt.wantVia || got.SetCookie != tt.setCookie {
				t.Fatalf("got %+v, want id=%s path=%s via=%s cookie=%v", got, tt.wantID, tt.wantPath, tt.wantVia, tt.setCookie)
			}
		})
	}
}

func TestResolveNoMatch(t *testing.T) {
	rt := testRouter("k1")
	for _, target := range []string{"/", "/proxy/", "/proxy/unknown/x", "/prox/k1/x"} {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		r.Host = "relay.example"
		if got, ok := rt.Resolve(r, false); ok {
			t.Errorf("%s: unexpected route %+v", target, got)
		}
	}
}

func TestRouterCookie(t *testing.T) {
	rt := testRouter()
	c := rt.Cookie("abcxyz")
	if c.Name != "shpit_id" || c.Value != "abcxyz" || c.Path != "/" || c.MaxAge != 3600 {
		t.Fatalf("cookie = %+v", c)
	}
}

func TestNewRouterNormalizesPrefix(t *testing.T) {
	rt := NewRouter("t", "", 0, func(id string) bool { return id == "k1" })
	if rt.Prefix != "/t/" {
		t.Fatalf("prefix = %q", rt.Prefix)
	}
	r := httptest.NewRequest(http.MethodGet, "/t/k1/a", nil)
	r.Host = "relay.example"
	if got, ok := rt.Resolve(r, false); !ok || got.TunnelID != "k1" || got.Path != "/a" {
		t.Fatalf("got %+v", got)
	}
}

func TestResolveWithBaseDomain(t *testing.T) {
	rt := testRouter("k1", "relay")
	rt.BaseDomain = "relay.example"
	tests := map[string]bool{
		"k1.relay.example":      true,
		"K1.relay.example:8443": true,
		"relay.example":         false,
		"k1.other.example":      false,
		"a.k1.relay.example":    false,
	}
	for host, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Host = host
		got, ok := rt.Resolve(r, false)
		if ok != want || (ok && got.TunnelID != "k1") {
			t.Errorf("%s: got %+v %v, want match=%v", host, got, ok, want)
		}
	}
}
