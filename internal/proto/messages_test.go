package proto

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHeaderAcceptsStringOrArray(t *testing.T) {
	var m Message
	raw := `{"kind":"response","id":"r1","status":200,"headers":{"content-type":"text/plain","set-cookie":["a=1","b=2"]}}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatal(err)
	}
	h := m.Headers.HTTP()
	if h.Get("Content-Type") != "text/plain" {
		t.Fatalf("content-type = %q", h.Get("Content-Type"))
	}
	if got := h.Values("Set-Cookie"); len(got) != 2 || got[1] != "b=2" {
		t.Fatalf("set-cookie = %v", got)
	}

	out, _ := json.Marshal(Message{Kind: KindRequest, Headers: Header{"X-One": {"1"}}})
	if !strings.Contains(string(out), `"headers":{"X-One":["1"]}`) {
		t.Fatalf("headers not written as arrays: %s", out)
	}
}

func TestHeaderRejectsOtherShapes(t *testing.T) {
	var m Message
	if err := json.Unmarshal([]byte(`{"kind":"response","headers":{"x":1}}`), &m); err == nil {
		t.Fatal("numeric header value should fail")
	}
}

func TestBodyEncoding(t *testing.T) {
	if EncodeBody(nil) != "" {
		t.Fatal("empty body should encode to empty string")
	}
	b, err := DecodeBody(EncodeBody([]byte("\x00hello")))
	if err != nil || string(b) != "\x00hello" {
		t.Fatalf("got %q %v", b, err)
	}
	if b, err := DecodeBody(""); err != nil || len(b) != 0 {
		t.Fatalf("empty decode = %q %v", b, err)
	}
	if _, err := DecodeBody("***"); err == nil {
		t.Fatal("invalid base64 should fail")
	}
}

func TestFrames(t *testing.T) {
	text := NewFrame("ws-1", false, []byte("hi"))
	if text.Kind != KindWSData || text.Data != "hi" || text.IsBinary {
		t.Fatalf("text frame = %+v", text)
	}
	bin := NewFrame("ws-1", true, []byte{0xde, 0xad})
	if bin.Data != "3q0=" {
		t.Fatalf("binary data = %q", bin.Data)
	}
	p, err := bin.Frame()
	if err != nil || string(p) != "\xde\xad" {
		t.Fatalf("decoded = %q %v", p, err)
	}
}

func TestConnSkipsMalformedFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	got := make(chan []error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(ws)
		var errs []error
		for i := 0; i < 3; i++ {
			_, err := c.Read()
			errs = append(errs, err)
		}
		got <- errs
		_ = c.Close(websocket.CloseNormalClosure, "")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	c := NewConn(ws)
	_ = ws.WriteMessage(websocket.TextMessage, []byte("{not json"))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"x"}`))
	if err := c.Send(Message{Kind: KindResponse, ID: "r1", Status: 200}); err != nil {
		t.Fatal(err)
	}

	select {
	case errs := <-got:
		if !isMalformed(errs[0]) || !isMalformed(errs[1]) || errs[2] != nil {
			t.Fatalf("errors = %v", errs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not read three frames")
	}
}

func isMalformed(err error) bool { return errors.Is(err, ErrMalformed) }

func TestSocketStateString(t *testing.T) {
	if SocketConnecting.String() != "connecting" || SocketOpen.String() != "open" || SocketClosed.String() != "closed" {
		t.Fatal("unexpected state names")
	}
}
