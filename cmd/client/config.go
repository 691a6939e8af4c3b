package main

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/shpthis/internal/agent"
)

// Config holds agent runtime configuration.
type Config struct {
	Port             int
	Host             string
	Relay            string
	Secure           bool
	ID               string
	ControlPath      string
	Prefix           string
	Timeout          time.Duration
	MaxRetryInterval time.Duration
	Debug            bool
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func bindFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.IntVarP(&cfg.Port, "port", "p", 3000, "local port to expose")
	f.StringVar(&cfg.Host, "host", "localhost", "local host to expose")
	f.StringVar(&cfg.Relay, "relay", envOr("RELAY_HOST", "localhost:8081"), "relay host, optionally with port")
	f.BoolVar(&cfg.Secure, "secure", strings.EqualFold(os.Getenv("RELAY_SECURE"), "true"), "use wss/https towards the relay")
	f.StringVar(&cfg.ID, "id", "", "tunnel id to request (random when empty)")
	f.StringVar(&cfg.ControlPath, "control-path", "/register", "relay registration path")
	f.StringVar(&cfg.Prefix, "prefix", "/proxy/", "relay path prefix used in the printed URL")
	f.DurationVar(&cfg.Timeout, "timeout", agent.DefaultTimeout, "timeout for each request against the local service")
	f.DurationVar(&cfg.MaxRetryInterval, "max-retry-interval", 30*time.Second, "upper bound between reconnect attempts")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

func (c Config) agentConfig() agent.Config {
	return agent.Config{
		Target:           net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		RelayHost:        c.Relay,
		Secure:           c.Secure,
		ID:               c.ID,
		ControlPath:      c.ControlPath,
		ProxyPrefix:      c.Prefix,
		Timeout:          c.Timeout,
		MaxRetryInterval: c.MaxRetryInterval,
	}
}
