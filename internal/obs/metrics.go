package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels          = promauto.NewGauge(prometheus.GaugeOpts{Name: "shpthis_active_tunnels", Help: "Currently registered tunnels"})
	PendingRequests        = promauto.NewGauge(prometheus.GaugeOpts{Name: "shpthis_pending_requests", Help: "Forwarded requests awaiting an agent response"})
	BridgedSockets         = promauto.NewGauge(prometheus.GaugeOpts{Name: "shpthis_bridged_sockets", Help: "Open public websockets bridged to agents"})
	RequestsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shpthis_requests_total", Help: "Public HTTP requests by outcome"}, []string{"outcome"})
	RequestDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "shpthis_request_duration_seconds", Help: "Round trip of forwarded requests", Buckets: prometheus.ExponentialBuckets(0.005, 2, 14)})
	HeartbeatTerminations  = promauto.NewCounter(prometheus.CounterOpts{Name: "shpthis_heartbeat_terminations_total", Help: "Control channels terminated for missing pongs"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shpthis_errors_total", Help: "Errors by type"}, []string{"type"})
	LocalRequestsTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "shpthis_agent_local_requests_total", Help: "Agent requests against the local service by status"}, []string{"status"})
)
