package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/alertsync/sophos-autotask/internal/api"
	"github.com/alertsync/sophos-autotask/internal/metrics"
)

func newScheduleCommand(opts *rootOptions) *cobra.Command {
	var runNow bool
	c := &cobra.Command{
		Use:   "schedule",
		Short: "Run sync passes on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				logger.Error("failed to register metrics", slog.Any("error", err))
				return err
			}

			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			server, err := api.NewServer(cfg.Server)
			if err != nil {
				logger.Error("failed to create gRPC server", slog.Any("error", err))
				return err
			}
			a.sync.WithHealth(server)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pass := func() {
				if _, err := a.sync.Run(ctx); err != nil {
					a.reporter.Flush(2 * time.Second)
				}
			}

			job := guardedJob(logger, pass)
			scheduler := cron.New(cron.WithSeconds())
			if _, err := scheduler.AddJob(cfg.Sync.Schedule, job); err != nil {
				logger.Error("invalid schedule", slog.String("schedule", cfg.Sync.Schedule), slog.Any("error", err))
				return err
			}

			var metricsServer *http.Server
			if cfg.Server.MetricsAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsServer = &http.Server{
					Addr:         cfg.Server.MetricsAddress,
					Handler:      mux,
					ReadTimeout:  5 * time.Second,
					WriteTimeout: 15 * time.Second,
				}
				go func() {
					logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
					if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server exited", slog.Any("error", err))
						stop()
					}
				}()
			}

			go func() {
				logger.Info("health server listening", slog.String("address", server.Address()))
				if serveErr := server.Start(); serveErr != nil {
					logger.Error("gRPC server exited", slog.Any("error", serveErr))
					stop()
				}
			}()

			scheduler.Start()
			logger.Info("scheduler started", slog.String("schedule", cfg.Sync.Schedule), slog.String("version", version))
			if runNow {
				go job.Run()
			}

			<-ctx.Done()
			logger.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
			defer cancel()

			select {
			case <-scheduler.Stop().Done():
			case <-shutdownCtx.Done():
				logger.Warn("sync pass still running at shutdown")
			}
			server.Shutdown(shutdownCtx)

			if metricsServer != nil {
				metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
				if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics server shutdown", slog.Any("error", err))
				}
				cancelMetrics()
			}

			a.reporter.Flush(2 * time.Second)
			logger.Info("alert-sync stopped", slog.Time("last_success", a.sync.LastSuccess()))
			return nil
		},
	}
	c.Flags().BoolVar(&runNow, "now", false, "Also run a pass immediately on start")
	return c
}

// guardedJob wraps pass so that scheduled ticks and the --now pass share one
// in-flight guard. A tick that fires while a pass is running is skipped.
func guardedJob(logger *slog.Logger, pass func()) cron.Job {
	l := cronLogger{logger}
	return cron.NewChain(cron.Recover(l), cron.SkipIfStillRunning(l)).Then(cron.FuncJob(pass))
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
