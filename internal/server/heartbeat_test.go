package server

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"github.com/matst80/shpthis/internal/directory"
)

func TestSweepTerminatesSilentTunnels(t *testing.T) {
	reg := NewRegistry(Options{})
	alive, aliveCh := mustRegister(t, reg, "alive")
	_, silentCh := mustRegister(t, reg, "silent")

	reg.Sweep(t.Context())
	if aliveCh.pingCount() != 1 || silentCh.pingCount() != 1 {
		t.Fatal("first sweep should ping every tunnel")
	}
	alive.MarkAlive()

	reg.Sweep(t.Context())
	if reg.Lookup("silent") != nil {
		t.Fatal("tunnel without pong should be deregistered")
	}
	if !silentCh.closed || silentCh.closeCode != websocket.CloseGoingAway || silentCh.closeReason != "heartbeat timeout" {
		t.Fatalf("silent close = (%v, %d, %q)", silentCh.closed, silentCh.closeCode, silentCh.closeReason)
	}
	if reg.Lookup("alive") == nil || aliveCh.pingCount() != 2 {
		t.Fatal("answering tunnel should survive and be pinged again")
	}
}

func TestSweepRefreshesDirectoryClaims(t *testing.T) {
	mr := miniredis.RunT(t)
	dir, err := directory.NewRedis(mr.Addr(), "", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer dir.Close()
	reg := NewRegistry(Options{Directory: dir})
	mustRegister(t, reg, "k1")

	key := "shpthis:tunnel:k1"
	mr.SetTTL(key, 5*time.Second)
	reg.Sweep(t.Context())
	if ttl := mr.TTL(key); ttl <= 5*time.Second {
		t.Fatalf("ttl after sweep = %s, want refreshed", ttl)
	}
}

func TestSweepDoesNotWaitOnStalledPing(t *testing.T) {
	reg := NewRegistry(Options{})
	stalled := &fakeChannel{pingGate: make(chan struct{})}
	if _, err := reg.Register(t.Context(), "a0", stalled); err != nil {
		t.Fatal(err)
	}
	_, ch := mustRegister(t, reg, "b1")

	done := make(chan struct{})
	go func() {
		reg.Sweep(t.Context())
		close(done)
	}()
	waitFor(t, "ping of the healthy tunnel", func() bool { return ch.pingCount() == 1 })
	select {
	case <-done:
		t.Fatal("sweep returned while a ping was still blocked")
	default:
	}
	close(stalled.pingGate)
	<-done
	if stalled.pingCount() != 1 {
		t.Fatal("stalled tunnel was never pinged")
	}
}
