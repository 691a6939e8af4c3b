package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/shpthis/internal/obs"
)

const DefaultHeartbeat = 30 * time.Second

// Sweep runs one heartbeat round. A tunnel still waiting for the pong of the
// previous round is terminated; every other tunnel is marked and pinged.
// Tunnels are handled concurrently so one stalled transport cannot hold up
// the rest. Claims of the survivors are refreshed in the directory.
func (r *Registry) Sweep(ctx context.Context) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		live []string
	)
	for _, t := range r.snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if t.awaitingPong.Load() {
				obs.Info("heartbeat.timeout", obs.Fields{"id": t.ID})
				obs.HeartbeatTerminations.Inc()
				_ = t.ch.Close(websocket.CloseGoingAway, "heartbeat timeout")
				r.remove(t, "heartbeat timeout")
				return
			}
			t.awaitingPong.Store(true)
			if err := t.ch.Ping(); err != nil {
				// an unanswered ping is settled on the next round
				obs.Debug("heartbeat.ping", obs.Fields{"id": t.ID, "err": err.Error()})
			}
			mu.Lock()
			live = append(live, t.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Strings(live)
	if err := r.dir.Refresh(ctx, live); err != nil {
		obs.Error("directory.refresh", obs.Fields{"err": err.Error(), "tunnels": len(live)})
		obs.ErrorsTotal.WithLabelValues("directory").Inc()
	}
}

// RunHeartbeat sweeps every interval until ctx is done.
func (r *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
