package server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/matst80/shpthis/internal/obs"
	"github.com/matst80/shpthis/internal/proto"
)

// PublicSocket is the public end of a bridged websocket.
type PublicSocket interface {
	WriteFrame(binary bool, payload []byte) error
	Close(code int, reason string) error
}

// bridgedSocket pairs a public socket with the tunnel its frames travel over.
// The relay accepts the upgrade before announcing it, so it starts open.
// Frames for the public client go through out and are written by pump.
type bridgedSocket struct {
	id     string
	tunnel *Tunnel
	public PublicSocket
	out    *proto.Outbox

	mu    sync.Mutex
	state proto.SocketState
}

// write queues one agent frame for the public client. Frames that arrive
// after close are dropped.
func (s *bridgedSocket) write(f proto.Frame) error {
	s.mu.Lock()
	open := s.state == proto.SocketOpen
	s.mu.Unlock()
	if !open {
		return nil
	}
	if err := s.out.Push(f); err != nil && !errors.Is(err, proto.ErrOutboxClosed) {
		return err
	}
	return nil
}

func (s *bridgedSocket) markClosed() {
	s.mu.Lock()
	s.state = proto.SocketClosed
	s.mu.Unlock()
}

// pump writes queued frames to the public client until the socket closes.
func (r *Registry) pump(s *bridgedSocket) {
	err := s.out.Run(func(f proto.Frame) error { return s.public.WriteFrame(f.Binary, f.Payload) })
	switch {
	case err == nil:
		// the agent closed and everything it sent has been delivered
		_ = s.public.Close(websocket.CloseNormalClosure, "")
	case errors.Is(err, proto.ErrOutboxStopped):
	default:
		obs.Debug("socket.write", obs.Fields{"socket": s.id, "err": err.Error()})
		if !r.closeSocket(s.id, websocket.CloseGoingAway, "", true) {
			_ = s.public.Close(websocket.CloseGoingAway, "")
		}
	}
}

// OpenSocket registers pub as a bridged socket on t and asks the agent to
// open the matching local connection.
func (r *Registry) OpenSocket(t *Tunnel, pub PublicSocket, path string, h http.Header) (string, error) {
	id := newSocketID()
	s := &bridgedSocket{
		id:     id,
		tunnel: t,
		public: pub,
		out:    proto.NewOutbox(r.socketFrames, r.socketBytes),
		state:  proto.SocketOpen,
	}

	r.socketsMu.Lock()
	r.sockets[id] = s
	n := len(r.sockets)
	r.socketsMu.Unlock()

	if !t.track(t.sockets, id) {
		r.removeSocket(id)
		return "", fmt.Errorf("%w: %s", ErrTunnelDisconnected, t.ID)
	}
	obs.BridgedSockets.Set(float64(n))

	err := t.Send(proto.Message{
		Kind:     proto.KindWSOpen,
		SocketID: id,
		Path:     path,
		Headers:  proto.FromHTTP(h),
	})
	if err != nil {
		r.removeSocket(id)
		return "", fmt.Errorf("%w: send ws-open: %v", ErrTunnelDisconnected, err)
	}
	go r.pump(s)
	obs.Debug("socket.opened", obs.Fields{"id": t.ID, "socket": id, "path": path})
	return id, nil
}

// PublicFrame forwards a frame sent by the public client to the agent.
func (r *Registry) PublicFrame(socketID string, binary bool, payload []byte) error {
	s := r.socket(socketID)
	if s == nil {
		return nil
	}
	return s.tunnel.Send(proto.NewFrame(socketID, binary, payload))
}

// PublicClosed tears down the bridge after the public client went away and
// tells the agent to close its side.
func (r *Registry) PublicClosed(socketID string) {
	r.closeSocket(socketID, websocket.CloseNormalClosure, "", true)
}

func (r *Registry) HandleSocketData(m proto.Message) {
	s := r.socket(m.SocketID)
	if s == nil {
		return
	}
	payload, err := m.Frame()
	if err != nil {
		obs.Error("socket.malformed", obs.Fields{"socket": m.SocketID, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("malformed").Inc()
		return
	}
	if err := s.write(proto.Frame{Binary: m.IsBinary, Payload: payload}); err != nil {
		obs.Error("socket.overflow", obs.Fields{"id": s.tunnel.ID, "socket": m.SocketID, "queued": s.out.Queued()})
		obs.ErrorsTotal.WithLabelValues("socket_overflow").Inc()
		r.closeSocket(m.SocketID, websocket.CloseTryAgainLater, "client too slow", true)
	}
}

// HandleSocketClose closes the public side after the agent's local socket
// closed, once the frames it sent before closing have been written.
func (r *Registry) HandleSocketClose(m proto.Message) {
	s := r.removeSocket(m.SocketID)
	if s == nil {
		return
	}
	s.markClosed()
	if !s.out.Finish() {
		_ = s.public.Close(websocket.CloseNormalClosure, "")
	}
	obs.Debug("socket.closed", obs.Fields{"id": s.tunnel.ID, "socket": s.id, "reason": "agent closed"})
}

func (r *Registry) socket(id string) *bridgedSocket {
	r.socketsMu.Lock()
	defer r.socketsMu.Unlock()
	return r.sockets[id]
}

func (r *Registry) removeSocket(id string) *bridgedSocket {
	r.socketsMu.Lock()
	s, ok := r.sockets[id]
	if ok {
		delete(r.sockets, id)
	}
	n := len(r.sockets)
	r.socketsMu.Unlock()
	if !ok {
		return nil
	}
	obs.BridgedSockets.Set(float64(n))
	s.tunnel.untrack(s.tunnel.sockets, id)
	return s
}

// closeSocket is idempotent; only the first call for an id does anything.
func (r *Registry) closeSocket(id string, code int, reason string, notifyAgent bool) bool {
	s := r.removeSocket(id)
	if s == nil {
		return false
	}
	s.markClosed()
	s.out.Stop()
	if notifyAgent {
		_ = s.tunnel.Send(proto.Message{Kind: proto.KindWSClose, SocketID: id})
	}
	_ = s.public.Close(code, reason)
	obs.Debug("socket.closed", obs.Fields{"id": s.tunnel.ID, "socket": id, "reason": reason})
	return true
}

func (r *Registry) socketCount() int {
	r.socketsMu.Lock()
	defer r.socketsMu.Unlock()
	return len(r.sockets)
}
