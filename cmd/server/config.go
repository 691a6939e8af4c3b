package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/shpthis/internal/proto"
	"github.com/matst80/shpthis/internal/server"
)

// Config holds all runtime configuration derived from flags and environment.
type Config struct {
	Addr           string
	MetricsAddr    string
	RequestTimeout time.Duration
	Heartbeat      time.Duration
	MaxBodySize    int64
	SocketBuffer   int64

	Domain       string
	Prefix       string
	CookieName   string
	CookieMaxAge time.Duration
	ControlPath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ClaimTTL      time.Duration

	// requests per second; 0 disables
	TunnelRate int
	GlobalRate int
	Burst      int

	TLSCertFile string
	TLSKeyFile  string

	Debug bool
}

func defaultAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8081"
}

func bindFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", defaultAddr(), "public listen address (agents and visitors)")
	f.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address; empty disables")
	f.DurationVar(&cfg.RequestTimeout, "request-timeout", server.DefaultRequestTimeout, "time an agent has to answer a forwarded request")
	f.DurationVar(&cfg.Heartbeat, "heartbeat", server.DefaultHeartbeat, "interval between control channel pings")
	f.Int64Var(&cfg.MaxBodySize, "max-body", server.DefaultMaxBodySize, "largest public request body forwarded, in bytes")
	f.Int64Var(&cfg.SocketBuffer, "socket-buffer", proto.DefaultOutboxBytes, "bytes queued for one slow websocket client before it is dropped")
	f.StringVar(&cfg.Domain, "domain", os.Getenv("RELAY_DOMAIN"), "base wildcard domain (e.g. example.com); empty takes the first host label")
	f.StringVar(&cfg.Prefix, "prefix", server.DefaultPrefix, "path prefix for /prefix/{id}/ routing")
	f.StringVar(&cfg.CookieName, "cookie", server.DefaultCookieName, "sticky routing cookie name")
	f.DurationVar(&cfg.CookieMaxAge, "cookie-max-age", server.DefaultCookieMaxAge, "sticky routing cookie lifetime")
	f.StringVar(&cfg.ControlPath, "control-path", server.DefaultControlPath, "path agents register on")
	f.StringVar(&cfg.RedisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address for the shared tunnel directory; empty runs single instance")
	f.StringVar(&cfg.RedisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "redis password")
	f.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database")
	f.DurationVar(&cfg.ClaimTTL, "claim-ttl", 90*time.Second, "lifetime of a directory claim between heartbeats")
	f.IntVar(&cfg.TunnelRate, "rate", 0, "requests per second allowed per tunnel (0 = unlimited)")
	f.IntVar(&cfg.GlobalRate, "global-rate", 0, "requests per second allowed across all tunnels (0 = unlimited)")
	f.IntVar(&cfg.Burst, "burst", 20, "token bucket capacity for rate limits")
	f.StringVar(&cfg.TLSCertFile, "tls-cert", "", "TLS certificate file; serves https/wss when set with --tls-key")
	f.StringVar(&cfg.TLSKeyFile, "tls-key", "", "TLS private key file")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logs and request logging")
}
