package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/shpthis/internal/httpx"
	"github.com/matst80/shpthis/internal/obs"
	"github.com/matst80/shpthis/internal/proto"
)

const (
	dialTimeout = 10 * time.Second
	writeWait   = 10 * time.Second
)

// Sender is the upward half of the control channel.
type Sender interface {
	Send(m proto.Message) error
}

// localSocket is one websocket to the local service. Frames from the relay
// go into out from the moment the socket exists; the writer only starts
// once the dial succeeded, so frames queued while connecting are written
// first and in order.
type localSocket struct {
	id  string
	out *proto.Outbox

	mu    sync.Mutex
	state proto.SocketState
	conn  *websocket.Conn
}

func (s *localSocket) shutdown(code int) {
	s.mu.Lock()
	s.state = proto.SocketClosed
	conn := s.conn
	s.mu.Unlock()
	s.out.Stop()
	if conn != nil {
		closeConn(conn, code)
	}
}

func closeConn(conn *websocket.Conn, code int) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(writeWait))
	_ = conn.Close()
}

// Bridge mirrors relay-side sockets onto local websocket connections for
// the lifetime of one control connection.
type Bridge struct {
	target   string
	up       Sender
	dialer   websocket.Dialer
	maxFrame int64

	mu      sync.Mutex
	sockets map[string]*localSocket
}

func NewBridge(target string, up Sender) *Bridge {
	return &Bridge{
		target:   target,
		up:       up,
		dialer:   websocket.Dialer{HandshakeTimeout: dialTimeout},
		maxFrame: proto.MaxFrameSize,
		sockets:  make(map[string]*localSocket),
	}
}

// Open handles ws-open: the entry exists immediately so frames that follow
// can be queued while the local dial is still running.
func (b *Bridge) Open(m proto.Message) {
	s := &localSocket{
		id:    m.SocketID,
		out:   proto.NewOutbox(0, 0),
		state: proto.SocketConnecting,
	}
	b.mu.Lock()
	if _, exists := b.sockets[m.SocketID]; exists {
		b.mu.Unlock()
		return
	}
	b.sockets[m.SocketID] = s
	b.mu.Unlock()

	h := m.Headers.HTTP()
	protocols := httpx.Subprotocols(h)
	httpx.StripUpgrade(h)
	go b.connect(s, m.Path, h, protocols)
}

func (b *Bridge) connect(s *localSocket, path string, h http.Header, protocols []string) {
	if path == "" {
		path = "/"
	}
	dialer := b.dialer
	dialer.Subprotocols = protocols
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	conn, _, err := dialer.DialContext(ctx, "ws://"+b.target+path, h)
	cancel()
	if err != nil {
		obs.Error("bridge.dial", obs.Fields{"socket": s.id, "path": path, "err": err.Error()})
		b.drop(s, websocket.CloseNormalClosure)
		return
	}
	conn.SetReadLimit(b.maxFrame)

	s.mu.Lock()
	if s.state == proto.SocketClosed {
		// relay closed it while we were dialing
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = proto.SocketOpen
	s.mu.Unlock()
	obs.Debug("bridge.open", obs.Fields{"socket": s.id, "path": path, "protocol": conn.Subprotocol()})

	go b.pump(s, conn)
	b.readLoop(s, conn)
}

// pump writes frames from the relay to the local service.
func (b *Bridge) pump(s *localSocket, conn *websocket.Conn) {
	err := s.out.Run(func(f proto.Frame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(f.MessageType(), f.Payload)
	})
	switch {
	case err == nil:
		// relay closed after its last frame; the read loop ends without reporting
		closeConn(conn, websocket.CloseNormalClosure)
	case errors.Is(err, proto.ErrOutboxStopped):
	default:
		// the read loop sees the broken connection and reports it
		obs.Debug("bridge.write", obs.Fields{"socket": s.id, "err": err.Error()})
		_ = conn.Close()
	}
}

func (b *Bridge) readLoop(s *localSocket, conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				obs.Error("bridge.frame_too_large", obs.Fields{"socket": s.id, "limit": b.maxFrame})
			}
			break
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		if err := b.up.Send(proto.NewFrame(s.id, typ == websocket.BinaryMessage, data)); err != nil {
			obs.Debug("bridge.send", obs.Fields{"socket": s.id, "err": err.Error()})
			break
		}
	}
	b.drop(s, websocket.CloseNormalClosure)
}

// drop closes s and reports the close upward, unless the relay already
// closed it.
func (b *Bridge) drop(s *localSocket, code int) {
	if b.remove(s.id) {
		s.shutdown(code)
		_ = b.up.Send(proto.Message{Kind: proto.KindWSClose, SocketID: s.id})
	}
}

// Data handles ws-data from the relay. It only queues, so a local service
// that stops reading never holds up the control connection.
func (b *Bridge) Data(m proto.Message) {
	s := b.get(m.SocketID)
	if s == nil {
		return
	}
	payload, err := m.Frame()
	if err != nil {
		obs.Error("bridge.malformed", obs.Fields{"socket": m.SocketID, "err": err.Error()})
		return
	}
	err = s.out.Push(proto.Frame{Binary: m.IsBinary, Payload: payload})
	if errors.Is(err, proto.ErrOutboxOverflow) {
		obs.Error("bridge.overflow", obs.Fields{"socket": s.id, "queued": s.out.Queued()})
		b.drop(s, websocket.CloseTryAgainLater)
	}
}

// Close handles ws-close from the relay. Frames already queued are written
// before the local socket closes; nothing is sent back up.
func (b *Bridge) Close(m proto.Message) {
	s := b.take(m.SocketID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.state = proto.SocketClosed
	opened := s.conn != nil
	s.mu.Unlock()
	if !opened || !s.out.Finish() {
		s.shutdown(websocket.CloseNormalClosure)
	}
}

// CloseAll drops every local socket after the control connection is gone.
func (b *Bridge) CloseAll() {
	b.mu.Lock()
	sockets := b.sockets
	b.sockets = make(map[string]*localSocket)
	b.mu.Unlock()
	for _, s := range sockets {
		s.shutdown(websocket.CloseGoingAway)
	}
}

func (b *Bridge) get(id string) *localSocket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sockets[id]
}

func (b *Bridge) take(id string) *localSocket {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sockets[id]
	delete(b.sockets, id)
	return s
}

func (b *Bridge) remove(id string) bool { return b.take(id) != nil }

func (b *Bridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sockets)
}
