package httpx

import (
	"net/http"
	"strings"
)

// Hop-by-hop headers are meaningful only for a single transport connection.
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

// Headers describing the public hop. Forwarding them to the local service
// would leak the visitor or mislead the app about its own scheme.
var publicHopHeaders = []string{
	"Host",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Forwarded-Host",
	"X-Forwarded-Port",
	"Forwarded",
	"X-Real-Ip",
	"Cf-Connecting-Ip",
	"True-Client-Ip",
}

// Handshake headers that the websocket dialer generates itself.
var upgradeHeaders = []string{
	"Host",
	"Connection",
	"Upgrade",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Accept",
}

// Del deletes all headers with the given name, matching case-insensitively
// even when h was not built through canonicalizing setters.
func Del(h http.Header, name string) {
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
		}
	}
}

// Clone copies h and drops any header named in Connection plus the fixed hop-by-hop set.
func Clone(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, v := range out.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				Del(out, name)
			}
		}
	}
	StripHopByHop(out)
	return out
}

func StripHopByHop(h http.Header) {
	for _, name := range hopHeaders {
		Del(h, name)
	}
}

// StripPublicHop removes Host and forwarded-for style headers.
func StripPublicHop(h http.Header) {
	for _, name := range publicHopHeaders {
		Del(h, name)
	}
}

// StripUpgrade removes headers only valid on the original websocket handshake.
func StripUpgrade(h http.Header) {
	for _, name := range upgradeHeaders {
		Del(h, name)
	}
	StripPublicHop(h)
}

// Subprotocols returns the websocket subprotocols requested in h, in order.
func Subprotocols(h http.Header) []string {
	var out []string
	for k, vs := range h {
		if !strings.EqualFold(k, "Sec-Websocket-Protocol") {
			continue
		}
		for _, v := range vs {
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

// IsUpgrade reports whether r asks for a websocket upgrade.
func IsUpgrade(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") && strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// HostLabel returns the leading DNS label of a Host header value, port stripped.
func HostLabel(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if i := strings.LastIndexByte(host, ':'); i != -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	host = strings.Trim(host, "[]")
	if i := strings.IndexByte(host, '.'); i != -1 {
		return host[:i]
	}
	return host
}
