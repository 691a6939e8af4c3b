package server

import "time"

// Stats is the relay snapshot served by the state API and the dashboard.
type Stats struct {
	Tunnels     int          `json:"tunnels"`
	Pending     int          `json:"pending"`
	Sockets     int          `json:"sockets"`
	Forwarded   int64        `json:"forwarded"`
	Timeouts    int64        `json:"timeouts"`
	Disconnects int64        `json:"disconnects"`
	Active      []TunnelInfo `json:"active"`
	Now         string       `json:"now"`
}

type TunnelInfo struct {
	ID        string `json:"id"`
	Connected string `json:"connected"`
	Uptime    string `json:"uptime"`
	Pending   int    `json:"pending"`
	Sockets   int    `json:"sockets"`
}

func (r *Registry) Stats() Stats {
	now := time.Now()
	tunnels := r.snapshot()
	active := make([]TunnelInfo, 0, len(tunnels))
	for _, t := range tunnels {
		t.mu.Lock()
		info := TunnelInfo{
			ID:        t.ID,
			Connected: t.Connected.UTC().Format(time.RFC3339),
			Uptime:    now.Sub(t.Connected).Truncate(time.Second).String(),
			Pending:   len(t.pending),
			Sockets:   len(t.sockets),
		}
		t.mu.Unlock()
		active = append(active, info)
	}
	return Stats{
		Tunnels:     len(tunnels),
		Pending:     r.pendingCount(),
		Sockets:     r.socketCount(),
		Forwarded:   r.forwarded.Load(),
		Timeouts:    r.timeouts.Load(),
		Disconnects: r.disconnects.Load(),
		Active:      active,
		Now:         now.UTC().Format(time.RFC3339),
	}
}

// ToTemplateMap returns the fields the dashboard template expects.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Tunnels":     s.Tunnels,
		"Pending":     s.Pending,
		"Sockets":     s.Sockets,
		"Forwarded":   s.Forwarded,
		"Timeouts":    s.Timeouts,
		"Disconnects": s.Disconnects,
		"Active":      s.Active,
		"Now":         s.Now,
	}
}
