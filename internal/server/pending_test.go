package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/matst80/shpthis/internal/proto"
)

func TestForwardResolvesWithResponse(t *testing.T) {
	reg := NewRegistry(Options{RequestTimeout: time.Second})
	tun, ch := mustRegister(t, reg, "a1b2c3")
	ch.onSend = func(m proto.Message) {
		go reg.HandleResponse(proto.Message{
			Kind:    proto.KindResponse,
			ID:      m.ID,
			Status:  200,
			Headers: proto.Header{"Content-Type": {"text/plain"}},
			Body:    proto.EncodeBody([]byte("hello")),
		})
	}

	resp, err := reg.Forward(tun, Request{
		Method: "POST",
		Path:   "/r1?x=1",
		Header: http.Header{"X-Test": {"1"}},
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatal(err)
	}
	body, _ := proto.DecodeBody(resp.Body)
	if resp.Status != 200 || string(body) != "hello" {
		t.Fatalf("got %d %q", resp.Status, body)
	}

	sent := ch.messages()[0]
	if sent.Kind != proto.KindRequest || sent.Method != "POST" || sent.Path != "/r1?x=1" {
		t.Fatalf("unexpected request message %+v", sent)
	}
	if got, _ := proto.DecodeBody(sent.Body); string(got) != "payload" {
		t.Fatalf("request body = %q", got)
	}
	if sent.Headers["X-Test"][0] != "1" {
		t.Fatalf("headers not forwarded: %v", sent.Headers)
	}
	if reg.pendingCount() != 0 {
		t.Fatal("resolved request left in pending map")
	}
}

func TestForwardTimesOut(t *testing.T) {
	reg := NewRegistry(Options{RequestTimeout: 50 * time.Millisecond})
	tun, ch := mustRegister(t, reg, "x9")

	start := time.Now()
	_, err := reg.Forward(tun, Request{Method: "GET", Path: "/slow"})
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("got %v, want ErrUpstreamTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("returned before the timeout elapsed")
	}

	// a late response is silently dropped
	reg.HandleResponse(proto.Message{Kind: proto.KindResponse, ID: ch.messages()[0].ID, Status: 200})
	if st := reg.Stats(); st.Pending != 0 || st.Timeouts != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestForwardSendFailure(t *testing.T) {
	reg := NewRegistry(Options{RequestTimeout: time.Second})
	tun, ch := mustRegister(t, reg, "s1")
	ch.sendErr = errors.New("broken pipe")

	if _, err := reg.Forward(tun, Request{Method: "GET", Path: "/"}); !errors.Is(err, ErrTunnelDisconnected) {
		t.Fatalf("got %v, want ErrTunnelDisconnected", err)
	}
	if reg.pendingCount() != 0 {
		t.Fatal("failed send left a pending entry")
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	reg := NewRegistry(Options{RequestTimeout: time.Second})
	tun, ch := mustRegister(t, reg, "once")

	done := make(chan *proto.Message, 1)
	go func() {
		resp, _ := reg.Forward(tun, Request{Method: "GET", Path: "/"})
		done <- resp
	}()
	waitFor(t, "request sent", func() bool { return len(ch.messages()) == 1 })
	id := ch.messages()[0].ID

	if !reg.resolve(id, result{msg: &proto.Message{Status: 201}}) {
		t.Fatal("first resolve should win")
	}
	if reg.resolve(id, result{msg: &proto.Message{Status: 500}}) {
		t.Fatal("second resolve must be a no-op")
	}
	reg.Deregister("once")
	if resp := <-done; resp.Status != 201 {
		t.Fatalf("status = %d, want the first resolution", resp.Status)
	}
}

func TestRequestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newRequestID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
