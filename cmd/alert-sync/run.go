package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/alertsync/sophos-autotask/internal/metrics"
	"github.com/alertsync/sophos-autotask/internal/telemetry"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform a single sync pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			if err := metrics.Register(reg); err != nil {
				logger.Error("failed to register metrics", slog.Any("error", err))
				return err
			}

			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("starting alert-sync pass", slog.String("version", version))
			_, runErr := a.sync.Run(ctx)

			pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := telemetry.Push(pushCtx, cfg.Telemetry.PushgatewayURL, reg); err != nil {
				logger.Warn("metrics push failed", slog.Any("error", err))
			}
			a.reporter.Flush(5 * time.Second)
			return runErr
		},
	}
}
