package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/shpthis/internal/obs"
	"github.com/matst80/shpthis/internal/ratelimit"
	"github.com/matst80/shpthis/internal/server"
)

func main() {
	var cfg Config
	cmd := &cobra.Command{
		Use:           "shpthis-relay",
		Short:         "Public relay that exposes local services registered by shpthis agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	bindFlags(cmd, &cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		obs.Error("relay.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config) error {
	obs.EnableDebug(cfg.Debug)
	obs.Info("relay.start", obs.Fields{"addr": cfg.Addr, "metrics": cfg.MetricsAddr, "control": cfg.ControlPath, "prefix": cfg.Prefix})

	dir, closeDir, err := newDirectory(cfg)
	if err != nil {
		return err
	}
	defer closeDir()

	limiter := ratelimit.New(cfg.GlobalRate, cfg.TunnelRate, cfg.Burst)
	reg := server.NewRegistry(server.Options{
		RequestTimeout: cfg.RequestTimeout,
		Directory:      dir,
		Limiter:        limiter,
		SocketBytes:    cfg.SocketBuffer,
	})
	router := server.NewRouter(cfg.Prefix, cfg.CookieName, cfg.CookieMaxAge, reg.Registered)
	router.BaseDomain = cfg.Domain
	relay := server.NewRelay(reg, router, limiter, server.Config{ControlPath: cfg.ControlPath, MaxBodySize: cfg.MaxBodySize})

	var ready atomic.Bool
	public := &http.Server{Addr: cfg.Addr, Handler: relay, ReadHeaderTimeout: 10 * time.Second}
	servers := []*http.Server{public}
	if cfg.MetricsAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: opsHandler(reg, &ready, cfg.Debug), ReadHeaderTimeout: 10 * time.Second})
	}

	errc := make(chan error, len(servers))
	for i, srv := range servers {
		tls := i == 0 && cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
		go func(srv *http.Server, tls bool) {
			var err error
			if tls {
				err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}(srv, tls)
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); reg.RunHeartbeat(hbCtx, cfg.Heartbeat) }()

	ready.Store(true)
	obs.Info("relay.ready", obs.Fields{})

	var runErr error
	select {
	case <-ctx.Done():
		obs.Info("relay.shutdown.signal", obs.Fields{})
	case runErr = <-errc:
		obs.Error("relay.listen", obs.Fields{"err": runErr.Error()})
	}
	ready.Store(false)
	stopHeartbeat()
	wg.Wait()

	// hijacked control channels are not tracked by Shutdown
	reg.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	obs.Info("relay.shutdown.complete", obs.Fields{})
	return runErr
}
