package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matst80/shpthis/internal/agent"
	"github.com/matst80/shpthis/internal/obs"
)

func main() {
	var cfg Config
	cmd := &cobra.Command{
		Use:           "shpthis",
		Short:         "Expose a local HTTP service through a shpthis relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Port <= 0 || cfg.Port > 65535 {
				return fmt.Errorf("invalid port %d", cfg.Port)
			}
			obs.EnableDebug(cfg.Debug)
			c, err := agent.New(cfg.agentConfig())
			if err != nil {
				return err
			}
			urls := c.PublicURLs()
			fmt.Fprintf(cmd.OutOrStdout(), "Forwarding %s\n  %s\n  %s\n", cfg.agentConfig().Target, urls[0], urls[1])
			return c.Run(cmd.Context())
		},
	}
	bindFlags(cmd, &cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		obs.Error("agent.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}
