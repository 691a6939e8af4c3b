package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matst80/shpthis/internal/proto"
)

type fakeChannel struct {
	mu          sync.Mutex
	sent        []proto.Message
	pings       int
	closed      bool
	closeCode   int
	closeReason string
	sendErr     error
	onSend      func(proto.Message)
	// pingGate, when set, holds Ping until it is closed
	pingGate chan struct{}
}

func (c *fakeChannel) Send(m proto.Message) error {
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, m)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(m)
	}
	return nil
}

func (c *fakeChannel) Ping() error {
	if c.pingGate != nil {
		<-c.pingGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.pings++
	return nil
}

func (c *fakeChannel) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeChannel) messages() []proto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]proto.Message(nil), c.sent...)
}

func (c *fakeChannel) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

type fakePublic struct {
	// block, when set, holds every WriteFrame until it is closed
	block chan struct{}

	mu          sync.Mutex
	frames      []string
	binary      []bool
	closed      bool
	closeCode   int
	closeReason string
}

func (p *fakePublic) WriteFrame(binary bool, payload []byte) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, string(payload))
	p.binary = append(p.binary, binary)
	return nil
}

func (p *fakePublic) Close(code int, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closeCode = code
	p.closeReason = reason
	return nil
}

func (p *fakePublic) state() (frames []string, closed bool, code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.frames...), p.closed, p.closeCode, p.closeReason
}

func (p *fakePublic) binaryAt(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.binary[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustRegister(t *testing.T, reg *Registry, id string) (*Tunnel, *fakeChannel) {
	t.Helper()
	ch := &fakeChannel{}
	tun, err := reg.Register(t.Context(), id, ch)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return tun, ch
}
