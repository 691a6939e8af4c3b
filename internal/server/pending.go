package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matst80/shpthis/internal/obs"
	"github.com/matst80/shpthis/internal/proto"
)

// Request is a public HTTP request ready to cross the tunnel. Path carries
// the rewritten path plus the raw query.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

type result struct {
	msg *proto.Message
	err error
}

type pendingRequest struct {
	id      string
	tunnel  *Tunnel
	created time.Time
	done    chan result
}

// Forward sends req to the agent behind t and waits for its response, the
// request timeout or the tunnel going away, whichever comes first.
func (r *Registry) Forward(t *Tunnel, req Request) (*proto.Message, error) {
	id := newRequestID()
	p := &pendingRequest{id: id, tunnel: t, created: time.Now(), done: make(chan result, 1)}

	// global entry first: a deregistration racing this call either sees the
	// id in t.pending and resolves it, or makes track fail
	r.pendingMu.Lock()
	r.pending[id] = p
	n := len(r.pending)
	r.pendingMu.Unlock()
	obs.PendingRequests.Set(float64(n))

	if !t.track(t.pending, id) {
		r.resolve(id, result{err: fmt.Errorf("%w: %s", ErrTunnelDisconnected, t.ID)})
		return r.finish(p, <-p.done)
	}

	msg := proto.Message{
		Kind:    proto.KindRequest,
		ID:      id,
		Method:  req.Method,
		Path:    req.Path,
		Headers: proto.FromHTTP(req.Header),
		Body:    proto.EncodeBody(req.Body),
	}
	if err := t.Send(msg); err != nil {
		r.resolve(id, result{err: fmt.Errorf("%w: send: %v", ErrTunnelDisconnected, err)})
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case res := <-p.done:
		return r.finish(p, res)
	case <-timer.C:
		r.resolve(id, result{err: fmt.Errorf("%w after %s", ErrUpstreamTimeout, r.timeout)})
		// whoever won the resolve has already delivered
		return r.finish(p, <-p.done)
	}
}

func (r *Registry) finish(p *pendingRequest, res result) (*proto.Message, error) {
	outcome := "ok"
	switch {
	case res.err == nil:
		r.forwarded.Add(1)
	case errors.Is(res.err, ErrUpstreamTimeout):
		outcome = "timeout"
		r.timeouts.Add(1)
	default:
		outcome = "disconnected"
		r.disconnects.Add(1)
	}
	obs.RequestsTotal.WithLabelValues(outcome).Inc()
	obs.RequestDurationSeconds.Observe(time.Since(p.created).Seconds())
	return res.msg, res.err
}

// HandleResponse completes the pending request named by m.ID. Responses for
// ids that were already resolved are dropped.
func (r *Registry) HandleResponse(m proto.Message) {
	msg := m
	if !r.resolve(m.ID, result{msg: &msg}) {
		obs.Debug("response.unknown", obs.Fields{"id": m.ID})
	}
}

// resolve is the only way a pending request completes. The map delete under
// pendingMu decides the single winner.
func (r *Registry) resolve(id string, res result) bool {
	r.pendingMu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	n := len(r.pending)
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	obs.PendingRequests.Set(float64(n))
	p.tunnel.untrack(p.tunnel.pending, id)
	p.done <- res
	return true
}

func (r *Registry) pendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}
