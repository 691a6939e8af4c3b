// Package server is the relay half of a tunnel: it registers agent control
// channels and carries public HTTP requests and websockets across them.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/shpthis/internal/directory"
	"github.com/matst80/shpthis/internal/obs"
	"github.com/matst80/shpthis/internal/proto"
	"github.com/matst80/shpthis/internal/ratelimit"
)

// DefaultRequestTimeout bounds how long a public request waits for its agent.
const DefaultRequestTimeout = 15 * time.Second

// Channel is the relay's handle on an agent control connection.
type Channel interface {
	Send(m proto.Message) error
	Ping() error
	Close(code int, reason string) error
}

// Tunnel is one registered agent. Its id sets are only touched under mu, and
// nothing is added once closed is set.
type Tunnel struct {
	ID        string
	Connected time.Time

	ch Channel

	mu      sync.Mutex
	closed  bool
	pending map[string]struct{}
	sockets map[string]struct{}

	awaitingPong atomic.Bool
}

func newTunnel(id string, ch Channel) *Tunnel {
	return &Tunnel{
		ID:        id,
		Connected: time.Now(),
		ch:        ch,
		pending:   make(map[string]struct{}),
		sockets:   make(map[string]struct{}),
	}
}

func (t *Tunnel) Send(m proto.Message) error { return t.ch.Send(m) }

// MarkAlive records a pong from the agent.
func (t *Tunnel) MarkAlive() { t.awaitingPong.Store(false) }

func (t *Tunnel) track(set map[string]struct{}, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	set[id] = struct{}{}
	return true
}

func (t *Tunnel) untrack(set map[string]struct{}, id string) {
	t.mu.Lock()
	delete(set, id)
	t.mu.Unlock()
}

// close marks the tunnel closed and hands back the ids still owned by it.
func (t *Tunnel) close() (pending, sockets []string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, false
	}
	t.closed = true
	for id := range t.pending {
		pending = append(pending, id)
	}
	for id := range t.sockets {
		sockets = append(sockets, id)
	}
	return pending, sockets, true
}

type Options struct {
	RequestTimeout time.Duration
	Directory      directory.Directory
	Limiter        *ratelimit.Limiter
	// SocketFrames and SocketBytes bound the frames waiting for one public
	// websocket; a client further behind is disconnected.
	SocketFrames int
	SocketBytes  int64
}

// Registry owns every tunnel, pending request and relay-side bridged socket.
type Registry struct {
	timeout time.Duration
	dir     directory.Directory
	limiter *ratelimit.Limiter

	socketFrames int
	socketBytes  int64

	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	socketsMu sync.Mutex
	sockets   map[string]*bridgedSocket

	forwarded   atomic.Int64
	timeouts    atomic.Int64
	disconnects atomic.Int64
}

func NewRegistry(opts Options) *Registry {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Directory == nil {
		opts.Directory = directory.Local{}
	}
	return &Registry{
		timeout: opts.RequestTimeout,
		dir:     opts.Directory,
		limiter: opts.Limiter,

		socketFrames: opts.SocketFrames,
		socketBytes:  opts.SocketBytes,

		tunnels: make(map[string]*Tunnel),
		pending: make(map[string]*pendingRequest),
		sockets: make(map[string]*bridgedSocket),
	}
}

// Register binds id to the control channel ch.
func (r *Registry) Register(ctx context.Context, id string, ch Channel) (*Tunnel, error) {
	if id == "" {
		return nil, ErrMissingID
	}
	t := newTunnel(id, ch)
	r.mu.Lock()
	if _, exists := r.tunnels[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.tunnels[id] = t
	n := len(r.tunnels)
	r.mu.Unlock()
	obs.ActiveTunnels.Set(float64(n))

	if err := r.dir.Claim(ctx, id); err != nil {
		if errors.Is(err, directory.ErrClaimed) {
			r.remove(t, "claimed elsewhere")
			return nil, fmt.Errorf("%w: %v", ErrDuplicateID, err)
		}
		// the directory is advisory; keep serving locally
		obs.Error("directory.claim", obs.Fields{"err": err.Error(), "id": id})
		obs.ErrorsTotal.WithLabelValues("directory").Inc()
	}
	return t, nil
}

func (r *Registry) Lookup(id string) *Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tunnels[id]
}

// Registered reports whether id currently names a tunnel.
func (r *Registry) Registered(id string) bool { return r.Lookup(id) != nil }

// Deregister removes the tunnel registered under id, if any, and fails
// everything it still owns.
func (r *Registry) Deregister(id string) {
	if t := r.Lookup(id); t != nil {
		r.remove(t, "deregistered")
	}
}

// remove deletes t only while it is still the registered tunnel for its id,
// so a late cleanup of an old connection cannot evict a newer one.
func (r *Registry) remove(t *Tunnel, reason string) {
	r.mu.Lock()
	if r.tunnels[t.ID] == t {
		delete(r.tunnels, t.ID)
	}
	n := len(r.tunnels)
	r.mu.Unlock()
	obs.ActiveTunnels.Set(float64(n))

	pending, sockets, ok := t.close()
	if !ok {
		return
	}
	for _, id := range pending {
		r.resolve(id, result{err: fmt.Errorf("%w: %s", ErrTunnelDisconnected, t.ID)})
	}
	for _, id := range sockets {
		r.closeSocket(id, websocket.CloseGoingAway, "tunnel disconnected", false)
	}
	r.limiter.Forget(t.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.dir.Release(ctx, t.ID); err != nil {
		obs.Error("directory.release", obs.Fields{"err": err.Error(), "id": t.ID})
		obs.ErrorsTotal.WithLabelValues("directory").Inc()
	}
	obs.Info("tunnel.removed", obs.Fields{"id": t.ID, "reason": reason, "pending": len(pending), "sockets": len(sockets)})
}

// Dispatch routes one message read from t's control channel.
func (r *Registry) Dispatch(t *Tunnel, m proto.Message) {
	switch m.Kind {
	case proto.KindResponse:
		r.HandleResponse(m)
	case proto.KindWSData, proto.KindWSClose:
		if s := r.socket(m.SocketID); s != nil && s.tunnel != t {
			obs.Error("socket.foreign", obs.Fields{"id": t.ID, "socket": m.SocketID, "owner": s.tunnel.ID})
			obs.ErrorsTotal.WithLabelValues("foreign_socket").Inc()
			return
		}
		if m.Kind == proto.KindWSData {
			r.HandleSocketData(m)
		} else {
			r.HandleSocketClose(m)
		}
	default:
		obs.Error("control.unexpected_kind", obs.Fields{"id": t.ID, "kind": m.Kind})
		obs.ErrorsTotal.WithLabelValues("unexpected_kind").Inc()
	}
}

func (r *Registry) snapshot() []*Tunnel {
	r.mu.RLock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseAll terminates every control channel, used on shutdown.
func (r *Registry) CloseAll() {
	for _, t := range r.snapshot() {
		_ = t.ch.Close(websocket.CloseGoingAway, "relay shutting down")
		r.remove(t, "shutdown")
	}
}
