package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/matst80/shpthis/internal/httpx"
)

const (
	DefaultPrefix       = "/proxy/"
	DefaultCookieName   = "shpit_id"
	DefaultCookieMaxAge = time.Hour
)

// Route is the outcome of resolving a public request to a tunnel.
type Route struct {
	TunnelID string
	// Path is what the agent requests locally, query included.
	Path string
	// Via names the rule that matched: host, path, cookie or referer.
	Via string
	// SetCookie asks the caller to pin the client to TunnelID.
	SetCookie bool
}

// Router maps requests to tunnel ids. A candidate id that is not registered
// does not end resolution; the next rule gets a chance.
type Router struct {
	// BaseDomain, when set, limits host routing to its direct subdomains.
	BaseDomain   string
	Prefix       string
	CookieName   string
	CookieMaxAge time.Duration
	Registered   func(id string) bool
}

func NewRouter(prefix, cookieName string, maxAge time.Duration, registered func(string) bool) *Router {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if maxAge <= 0 {
		maxAge = DefaultCookieMaxAge
	}
	return &Router{Prefix: prefix, CookieName: cookieName, CookieMaxAge: maxAge, Registered: registered}
}

// Resolve tries the host label, the path prefix, the sticky cookie and the
// referer, in that order. Upgrade requests never ask for the cookie.
func (rt *Router) Resolve(r *http.Request, upgrade bool) (Route, bool) {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}

	if id := rt.hostID(r.Host); id != "" && rt.Registered(id) {
		return Route{TunnelID: id, Path: withQuery(path, r.URL.RawQuery), Via: "host"}, true
	}
	if id, rest, ok := rt.splitPrefix(path); ok && rt.Registered(id) {
		return Route{TunnelID: id, Path: withQuery(rest, r.URL.RawQuery), Via: "path", SetCookie: !upgrade}, true
	}
	if c, err := r.Cookie(rt.CookieName); err == nil && c.Value != "" && rt.Registered(c.Value) {
		return Route{TunnelID: c.Value, Path: withQuery(path, r.URL.RawQuery), Via: "cookie"}, true
	}
	for _, name := range []string{"Referer", "Referrer"} {
		if id := rt.refererID(r.Header.Get(name)); id != "" && rt.Registered(id) {
			return Route{TunnelID: id, Path: withQuery(path, r.URL.RawQuery), Via: "referer"}, true
		}
	}
	return Route{}, false
}

// Cookie builds the sticky routing cookie for id.
func (rt *Router) Cookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     rt.CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(rt.CookieMaxAge / time.Second),
		SameSite: http.SameSiteLaxMode,
	}
}

func (rt *Router) hostID(host string) string {
	if rt.BaseDomain == "" {
		return httpx.HostLabel(host)
	}
	h := strings.ToLower(host)
	if i := strings.LastIndexByte(h, ':'); i != -1 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	id, ok := strings.CutSuffix(h, "."+strings.ToLower(rt.BaseDomain))
	if !ok || strings.Contains(id, ".") {
		return ""
	}
	return id
}

// splitPrefix turns /proxy/{id}/rest into (id, /rest).
func (rt *Router) splitPrefix(path string) (id, rest string, ok bool) {
	if !strings.HasPrefix(path, rt.Prefix) {
		return "", "", false
	}
	tail := path[len(rt.Prefix):]
	id, rest, _ = strings.Cut(tail, "/")
	if id == "" {
		return "", "", false
	}
	return id, "/" + rest, true
}

func (rt *Router) refererID(ref string) string {
	if ref == "" {
		return ""
	}
	path := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		path = u.EscapedPath()
	}
	id, _, ok := rt.splitPrefix(path)
	if !ok {
		return ""
	}
	return id
}

func withQuery(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}
