// Package agent is the local half of a tunnel: it holds the control
// connection to a relay and replays what arrives on it against a local
// service.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/matst80/shpthis/internal/obs"
	"github.com/matst80/shpthis/internal/proto"
)

type Config struct {
	// Target is the local service, host:port.
	Target string
	// RelayHost is the relay's public host, optionally with port.
	RelayHost        string
	Secure           bool
	ID               string
	ControlPath      string
	ProxyPrefix      string
	Timeout          time.Duration
	MaxRetryInterval time.Duration
}

type Client struct {
	cfg Config
	fwd *Forwarder
}

func New(cfg Config) (*Client, error) {
	if cfg.Target == "" {
		return nil, errors.New("local target is required")
	}
	if cfg.RelayHost == "" {
		return nil, errors.New("relay host is required")
	}
	if cfg.ID == "" {
		cfg.ID = NewTunnelID()
	}
	if cfg.ControlPath == "" {
		cfg.ControlPath = "/register"
	}
	if cfg.ProxyPrefix == "" {
		cfg.ProxyPrefix = "/proxy/"
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	return &Client{cfg: cfg, fwd: NewForwarder(cfg.Target, cfg.Timeout)}, nil
}

func (c *Client) ID() string { return c.cfg.ID }

func (c *Client) ControlURL() string {
	scheme := "ws"
	if c.cfg.Secure {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.cfg.RelayHost, Path: c.cfg.ControlPath, RawQuery: url.Values{"id": {c.cfg.ID}}.Encode()}
	return u.String()
}

// PublicURLs lists the subdomain form first, then the path form which works
// without wildcard DNS.
func (c *Client) PublicURLs() []string {
	scheme := "http"
	if c.cfg.Secure {
		scheme = "https"
	}
	prefix := "/" + strings.Trim(c.cfg.ProxyPrefix, "/") + "/"
	return []string{
		fmt.Sprintf("%s://%s.%s", scheme, c.cfg.ID, c.cfg.RelayHost),
		fmt.Sprintf("%s://%s%s%s/", scheme, c.cfg.RelayHost, prefix, c.cfg.ID),
	}
}

// Run keeps a control connection up until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: c.cfg.MaxRetryInterval, Factor: 2, Jitter: true}
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		d := b.Duration()
		fields := obs.Fields{"retry_in": d.String(), "attempt": int(b.Attempt())}
		if err != nil {
			fields["err"] = err.Error()
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
			fields["rejected"] = ce.Text
		}
		obs.Info("agent.disconnected", fields)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

// session runs one control connection. connected reports whether the dial
// succeeded, so the caller knows to reset its backoff.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.ControlURL(), nil)
	if err != nil {
		return false, fmt.Errorf("connect relay: %w", err)
	}
	conn := proto.NewConn(ws)
	bridge := NewBridge(c.cfg.Target, conn)
	obs.Info("agent.connected", obs.Fields{"id": c.cfg.ID, "relay": c.cfg.RelayHost, "target": c.cfg.Target})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.CloseNormalClosure, "agent shutting down")
		case <-done:
		}
	}()
	defer func() {
		bridge.CloseAll()
		_ = ws.Close()
	}()

	for {
		m, err := conn.Read()
		if err != nil {
			if errors.Is(err, proto.ErrMalformed) {
				obs.Error("agent.malformed", obs.Fields{"err": err.Error()})
				continue
			}
			return true, err
		}
		switch m.Kind {
		case proto.KindRequest:
			go func(m proto.Message) {
				err := conn.Send(c.fwd.Forward(ctx, m))
				if errors.Is(err, proto.ErrTooLarge) {
					resp, _ := plain(http.StatusBadGateway, "Bad Gateway: response too large for the tunnel")
					resp.Kind, resp.ID = proto.KindResponse, m.ID
					err = conn.Send(resp)
				}
				if err != nil {
					obs.Debug("agent.respond", obs.Fields{"request": m.ID, "err": err.Error()})
				}
			}(m)
		case proto.KindWSOpen:
			bridge.Open(m)
		case proto.KindWSData:
			bridge.Data(m)
		case proto.KindWSClose:
			bridge.Close(m)
		default:
			obs.Debug("agent.unexpected_kind", obs.Fields{"kind": m.Kind})
		}
	}
}
