package agent

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matst80/shpthis/internal/proto"
)

func hostOf(srv *httptest.Server) string { return strings.TrimPrefix(srv.URL, "http://") }

func TestForwardStripsPublicHopHeaders(t *testing.T) {
	var got *http.Request
	var gotBody string
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Local", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer local.Close()

	f := NewForwarder(hostOf(local), time.Second)
	resp := f.Forward(t.Context(), proto.Message{
		Kind:   proto.KindRequest,
		ID:     "r1",
		Method: "PUT",
		Path:   "/items/1?force=true",
		Headers: proto.Header{
			"Host":             {"a1b2c3.relay.example"},
			"X-Forwarded-For":  {"203.0.113.9"},
			"Cf-Connecting-Ip": {"203.0.113.9"},
			"Connection":       {"keep-alive, X-Drop"},
			"X-Drop":           {"1"},
			"X-Keep":           {"1"},
		},
		Body: proto.EncodeBody([]byte("body")),
	})

	if resp.Kind != proto.KindResponse || resp.ID != "r1" || resp.Status != http.StatusCreated {
		t.Fatalf("resp = %+v", resp)
	}
	if body, _ := proto.DecodeBody(resp.Body); string(body) != "created" {
		t.Fatalf("body = %q", body)
	}
	if resp.Headers.HTTP().Get("X-Local") != "yes" {
		t.Fatalf("response headers = %v", resp.Headers)
	}
	if got.Method != "PUT" || got.URL.RequestURI() != "/items/1?force=true" || gotBody != "body" {
		t.Fatalf("local saw %s %s %q", got.Method, got.URL.RequestURI(), gotBody)
	}
	if got.Host != hostOf(local) {
		t.Fatalf("local Host = %q, want the target", got.Host)
	}
	for _, h := range []string{"X-Forwarded-For", "Cf-Connecting-Ip", "X-Drop"} {
		if got.Header.Get(h) != "" {
			t.Errorf("%s reached the local service", h)
		}
	}
	if got.Header.Get("X-Keep") != "1" {
		t.Error("ordinary header was dropped")
	}
}

func TestForwardUnreachable(t *testing.T) {
	local := httptest.NewServer(http.NotFoundHandler())
	target := hostOf(local)
	local.Close()

	resp := NewForwarder(target, time.Second).Forward(t.Context(), proto.Message{Kind: proto.KindRequest, ID: "r2", Method: "GET", Path: "/"})
	body, _ := proto.DecodeBody(resp.Body)
	if resp.Status != http.StatusBadGateway || !strings.HasPrefix(string(body), "Bad Gateway: Could not reach "+target) {
		t.Fatalf("got %d %q", resp.Status, body)
	}
	if resp.ID != "r2" {
		t.Fatal("synthetic response must carry the request id")
	}
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer local.Close()
	defer close(release)

	resp := NewForwarder(hostOf(local), 50*time.Millisecond).Forward(t.Context(), proto.Message{Kind: proto.KindRequest, ID: "r3", Method: "GET", Path: "/slow"})
	body, _ := proto.DecodeBody(resp.Body)
	if resp.Status != http.StatusBadGateway || !strings.Contains(string(body), "timed out") {
		t.Fatalf("got %d %q", resp.Status, body)
	}
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer local.Close()

	resp := NewForwarder(hostOf(local), time.Second).Forward(t.Context(), proto.Message{Kind: proto.KindRequest, ID: "r4", Method: "GET", Path: "/"})
	if resp.Status != http.StatusFound || resp.Headers.HTTP().Get("Location") != "/login" {
		t.Fatalf("got %d %v", resp.Status, resp.Headers)
	}
}

func TestForwardInvalidBody(t *testing.T) {
	resp := NewForwarder("127.0.0.1:1", time.Second).Forward(t.Context(), proto.Message{Kind: proto.KindRequest, ID: "r5", Method: "POST", Path: "/", Body: "%%%"})
	if resp.Status != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.Status)
	}
}

func TestNewTunnelID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := NewTunnelID()
		if len(id) != 6 || strings.Trim(id, idAlphabet) != "" {
			t.Fatalf("bad id %q", id)
		}
		seen[id] = true
	}
	if len(seen) < 190 {
		t.Fatalf("ids repeat too often: %d unique of 200", len(seen))
	}
}
