package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tomasen/realip"

	"github.com/matst80/shpthis/internal/httpx"
	"github.com/matst80/shpthis/internal/obs"
	"github.com/matst80/shpthis/internal/proto"
	"github.com/matst80/shpthis/internal/ratelimit"
)

const (
	DefaultControlPath = "/register"
	// DefaultMaxBodySize caps buffered request bodies.
	DefaultMaxBodySize = 10 << 20

	notFoundBody   = "shpit: tunnel not found or offline.\n\nMake sure your CLI is running."
	timeoutBody    = "shpit: Gateway Timeout. CLI did not respond in time."
	badGatewayBody = "shpit: tunnel disconnected before responding."
	malformedBody  = "shpit: malformed response from CLI."
	rateLimitBody  = "shpit: rate limit exceeded"
	tooLargeBody   = "shpit: request body too large"

	publicWriteWait = 10 * time.Second
)

type Config struct {
	ControlPath string
	MaxBodySize int64
}

// Relay is the public HTTP entrypoint: agent registration, proxied requests
// and proxied websocket upgrades all arrive here.
type Relay struct {
	reg         *Registry
	router      *Router
	limiter     *ratelimit.Limiter
	controlPath string
	maxBody     int64
	upgrader    websocket.Upgrader
}

func NewRelay(reg *Registry, router *Router, limiter *ratelimit.Limiter, cfg Config) *Relay {
	if cfg.ControlPath == "" {
		cfg.ControlPath = DefaultControlPath
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	return &Relay{
		reg:         reg,
		router:      router,
		limiter:     limiter,
		controlPath: cfg.ControlPath,
		maxBody:     cfg.MaxBodySize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := httpx.IsUpgrade(r)
	if upgrade && r.URL.Path == s.controlPath {
		s.serveControl(w, r)
		return
	}

	route, ok := s.router.Resolve(r, upgrade)
	if !ok {
		writeError(w, ErrTunnelNotFound)
		return
	}
	if !s.limiter.Allow(route.TunnelID) {
		writeError(w, fmt.Errorf("%w: %s", ErrRateLimited, route.TunnelID))
		return
	}
	t := s.reg.Lookup(route.TunnelID)
	if t == nil {
		// deregistered since Resolve
		writeError(w, ErrTunnelNotFound)
		return
	}
	obs.Debug("public.request", obs.Fields{
		"id": t.ID, "via": route.Via, "method": r.Method, "path": route.Path,
		"remote": realip.FromRequest(r), "upgrade": upgrade,
	})
	if upgrade {
		s.servePublicSocket(w, r, t, route)
		return
	}
	s.servePublicHTTP(w, r, t, route)
}

func (s *Relay) serveControl(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("control.upgrade", obs.Fields{"err": err.Error(), "remote": realip.FromRequest(r)})
		return
	}
	conn := proto.NewConn(ws)
	if id == "" {
		obs.ErrorsTotal.WithLabelValues("missing_id").Inc()
		_ = conn.Close(websocket.ClosePolicyViolation, "Missing tunnel ID")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t, err := s.reg.Register(ctx, id, conn)
	cancel()
	if err != nil {
		obs.Info("tunnel.rejected", obs.Fields{"id": id, "err": err.Error(), "remote": realip.FromRequest(r)})
		obs.ErrorsTotal.WithLabelValues("duplicate_id").Inc()
		_ = conn.Close(websocket.ClosePolicyViolation, "Tunnel ID already in use")
		return
	}
	conn.OnPong(t.MarkAlive)
	obs.Info("tunnel.registered", obs.Fields{"id": id, "remote": realip.FromRequest(r)})

	defer func() {
		s.reg.remove(t, "control channel closed")
		_ = ws.Close()
	}()
	for {
		m, err := conn.Read()
		if err != nil {
			if errors.Is(err, proto.ErrMalformed) {
				obs.Error("control.malformed", obs.Fields{"id": id, "err": err.Error()})
				obs.ErrorsTotal.WithLabelValues("malformed").Inc()
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				obs.Debug("control.read", obs.Fields{"id": id, "err": err.Error()})
			}
			return
		}
		s.reg.Dispatch(t, m)
	}
}

func (s *Relay) servePublicHTTP(w http.ResponseWriter, r *http.Request, t *Tunnel, route Route) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, ErrBodyTooLarge)
			return
		}
		http.Error(w, "shpit: could not read request body", http.StatusBadRequest)
		return
	}

	h := r.Header.Clone()
	h.Set("Host", r.Host)
	if route.SetCookie {
		http.SetCookie(w, s.router.Cookie(route.TunnelID))
	}

	resp, err := s.reg.Forward(t, Request{Method: r.Method, Path: route.Path, Header: h, Body: body})
	if err != nil {
		writeError(w, err)
		return
	}

	payload, err := proto.DecodeBody(resp.Body)
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if err == nil && (status < 100 || status > 999) {
		err = fmt.Errorf("status %d", status)
	}
	if err != nil {
		obs.Error("response.malformed", obs.Fields{"id": t.ID, "request": resp.ID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("malformed").Inc()
		writeError(w, fmt.Errorf("%w: %v", ErrMalformedPayload, err))
		return
	}

	out := w.Header()
	for k, vs := range resp.Headers.HTTP() {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	// the body is already whole; the agent's framing does not apply here
	httpx.StripHopByHop(out)
	writeBody := r.Method != http.MethodHead && bodyAllowed(status)
	if writeBody {
		out.Set("Content-Length", strconv.Itoa(len(payload)))
	}
	w.WriteHeader(status)
	if writeBody {
		_, _ = w.Write(payload)
	}
}

func (s *Relay) servePublicSocket(w http.ResponseWriter, r *http.Request, t *Tunnel, route Route) {
	h := r.Header.Clone()
	h.Set("Host", r.Host)
	// the local service sees the full list; the visitor gets the first entry
	var accept http.Header
	if protocols := websocket.Subprotocols(r); len(protocols) > 0 {
		accept = http.Header{"Sec-Websocket-Protocol": {protocols[0]}}
	}
	ws, err := s.upgrader.Upgrade(w, r, accept)
	if err != nil {
		obs.Debug("public.upgrade", obs.Fields{"id": t.ID, "err": err.Error()})
		return
	}
	ws.SetReadLimit(proto.MaxFrameSize)
	pub := &publicSocket{ws: ws}

	socketID, err := s.reg.OpenSocket(t, pub, route.Path, h)
	if err != nil {
		_ = pub.Close(websocket.CloseGoingAway, "tunnel disconnected")
		return
	}
	defer s.reg.PublicClosed(socketID)
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				obs.Info("public.frame_too_large", obs.Fields{"id": t.ID, "socket": socketID})
			}
			return
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if err := s.reg.PublicFrame(socketID, typ == websocket.BinaryMessage, data); err != nil {
			obs.Debug("public.frame", obs.Fields{"socket": socketID, "err": err.Error()})
			return
		}
	}
}

// writeError maps relay failures onto the plain-text responses visitors see.
func writeError(w http.ResponseWriter, err error) {
	status, body, outcome := http.StatusBadGateway, badGatewayBody, "bad_gateway"
	switch {
	case errors.Is(err, ErrTunnelNotFound):
		status, body, outcome = http.StatusNotFound, notFoundBody, "not_found"
	case errors.Is(err, ErrRateLimited):
		status, body, outcome = http.StatusTooManyRequests, rateLimitBody, "rate_limited"
	case errors.Is(err, ErrBodyTooLarge):
		status, body, outcome = http.StatusRequestEntityTooLarge, tooLargeBody, "too_large"
	case errors.Is(err, ErrUpstreamTimeout):
		status, body, outcome = http.StatusGatewayTimeout, timeoutBody, ""
	case errors.Is(err, ErrMalformedPayload):
		body, outcome = malformedBody, "malformed"
	case errors.Is(err, ErrTunnelDisconnected):
		outcome = ""
	}
	// Forward already counted timeouts and disconnects
	if outcome != "" {
		obs.RequestsTotal.WithLabelValues(outcome).Inc()
	}
	http.Error(w, body, status)
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// publicSocket serializes writes to a public websocket.
type publicSocket struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *publicSocket) WriteFrame(binary bool, payload []byte) error {
	typ := websocket.TextMessage
	if binary {
		typ = websocket.BinaryMessage
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.SetWriteDeadline(time.Now().Add(publicWriteWait))
	return p.ws.WriteMessage(typ, payload)
}

func (p *publicSocket) Close(code int, reason string) error {
	_ = p.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(publicWriteWait))
	return p.ws.Close()
}
