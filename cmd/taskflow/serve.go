package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alekspetrov/taskflow/internal/gateway"
	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/teams"
)

func newServeCmd() *cobra.Command {
	var (
		port        int
		noScheduler bool
		noMonitors  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, recurrence scheduler and monitor poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			hub := gateway.NewHub(logging.WithComponent("hub"))

			a, err := openApp(hub)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			gwConfig := *a.cfg.Gateway
			if port > 0 {
				gwConfig.Port = port
			}

			server := gateway.NewServer(&gwConfig, a.svc,
				gateway.WithHub(hub),
				gateway.WithTeams(teams.NewService(a.store)),
				gateway.WithPoller(a.poller),
				gateway.WithTrigger(a.scheduler),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := logging.WithComponent("serve")
			logger.Info("taskflow starting",
				slog.String("version", version),
				slog.String("store", a.cfg.Store.Path),
				slog.Int("port", gwConfig.Port),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Start(gctx) })
			if a.cfg.Scheduler.Enabled && !noScheduler {
				g.Go(func() error { return a.scheduler.Start(gctx) })
			}
			if a.cfg.Monitors.Enabled && !noMonitors {
				g.Go(func() error { return a.poller.Start(gctx) })
			}

			if err := g.Wait(); !stoppedCleanly(err) {
				return fmt.Errorf("taskflow stopped: %w", err)
			}
			logger.Info("taskflow stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "override gateway port")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the recurrence scheduler")
	cmd.Flags().BoolVar(&noMonitors, "no-monitors", false, "do not run the monitor poller")
	return cmd
}

// stoppedCleanly reports whether err only reflects the shutdown signal,
// possibly wrapped by the component that observed it.
func stoppedCleanly(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
