package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alertsync/sophos-autotask/internal/engine"
	"github.com/alertsync/sophos-autotask/internal/metrics"
	"github.com/alertsync/sophos-autotask/internal/models"
	"github.com/alertsync/sophos-autotask/internal/utils"
)

// ErrAbort marks a pass that stopped before touching any ticket because a
// vendor could not be reached or refused the credentials.
var ErrAbort = errors.New("sync aborted")

// AlertVendor is the session side of the alert source.
type AlertVendor interface {
	Authenticate(ctx context.Context) error
	ListTenants(ctx context.Context) ([]models.Tenant, error)
}

// TicketVendor is the session side of the ticket store.
type TicketVendor interface {
	Verify(ctx context.Context) error
}

// AlertCollector gathers the alert batch for a pass.
type AlertCollector interface {
	Collect(ctx context.Context, tenants []models.Tenant, since *time.Time) (engine.CollectResult, error)
}

// Reconciler applies a batch to the ticket store.
type Reconciler interface {
	Process(ctx context.Context, run *engine.Run, alerts []models.Alert) engine.Summary
	Sweep(ctx context.Context, run *engine.Run) (engine.SweepSummary, error)
}

// Window is the incremental checkpoint.
type Window interface {
	Now() time.Time
	Since() *time.Time
	Commit(startedAt time.Time)
}

// HealthSetter receives the serving state after each pass.
type HealthSetter interface {
	SetServing(serving bool)
}

// SyncOptions holds the behaviour knobs for a pass.
type SyncOptions struct {
	// Settle is the pause between tenant discovery and alert fetches.
	Settle time.Duration
	Sweep  bool
}

// Report describes a finished pass.
type Report struct {
	StartedAt     time.Time
	Since         *time.Time
	Tenants       int
	FailedTenants []string
	Alerts        int
	Summary       engine.Summary
	Sweep         engine.SweepSummary
	Duration      time.Duration
}

// SyncService runs one alert-to-ticket pass end to end.
type SyncService struct {
	logger     *slog.Logger
	sophos     AlertVendor
	autotask   TicketVendor
	collector  AlertCollector
	reconciler Reconciler
	window     Window
	opts       SyncOptions
	reporter   engine.Reporter
	health     HealthSetter
	runs       *utils.RunTracker
	sleep      func(context.Context, time.Duration) error
}

// NewSyncService wires a sync pass. reporter and health may be nil.
func NewSyncService(logger *slog.Logger, sophos AlertVendor, autotask TicketVendor, collector AlertCollector, reconciler Reconciler, window Window, opts SyncOptions) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		logger:     utils.Component(logger, "sync"),
		sophos:     sophos,
		autotask:   autotask,
		collector:  collector,
		reconciler: reconciler,
		window:     window,
		opts:       opts,
		runs:       utils.NewRunTracker(256),
		sleep:      sleepCtx,
	}
}

// WithReporter sets the sink for abort-class failures.
func (s *SyncService) WithReporter(r engine.Reporter) *SyncService {
	s.reporter = r
	return s
}

// WithHealth sets the health status sink.
func (s *SyncService) WithHealth(h HealthSetter) *SyncService {
	s.health = h
	return s
}

// Run executes one pass. An ErrAbort error means nothing was processed and
// the checkpoint did not move.
func (s *SyncService) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	report, err := s.run(ctx)
	duration := time.Since(start)
	report.Duration = duration

	finished := s.window.Now()
	s.runs.Record(duration, finished, err)
	if err != nil {
		metrics.ObserveRun(duration, metrics.OutcomeError, finished)
		if errors.Is(err, ErrAbort) && s.reporter != nil {
			s.reporter.Report(err)
		}
		s.setServing(false)
		s.logger.Error("sync pass failed", slog.String("op", utils.OpOf(err)), slog.Any("error", err))
		return report, err
	}
	metrics.ObserveRun(duration, metrics.OutcomeSuccess, finished)
	s.setServing(true)

	s.logger.Info("sync pass complete",
		slog.Duration("duration", duration),
		slog.Int("tenants", report.Tenants),
		slog.Int("alerts", report.Alerts),
		slog.Int("created", report.Summary.Created),
		slog.Int("noted", report.Summary.Noted),
		slog.Int("self_healed", report.Summary.SelfHealed+report.Sweep.Closed),
		slog.Int("failed_tenants", len(report.FailedTenants)))
	if count := s.runs.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("sync duration", slog.Duration("p95", s.runs.Percentile(95)), slog.Int("samples", count))
	}
	return report, nil
}

func (s *SyncService) run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: s.window.Now()}

	if err := s.sophos.Authenticate(ctx); err != nil {
		return report, abort("sophos.authenticate", "authenticate with Sophos Central", err)
	}
	tenants, err := s.sophos.ListTenants(ctx)
	if err != nil {
		return report, abort("sophos.tenants", "list Sophos tenants", err)
	}
	if err := s.autotask.Verify(ctx); err != nil {
		return report, abort("autotask.verify", "verify Autotask access", err)
	}
	report.Tenants = len(tenants)
	report.Since = s.window.Since()
	if report.Since == nil {
		s.logger.Info("no usable checkpoint, fetching default alert window")
	} else {
		s.logger.Info("fetching alerts since checkpoint", slog.Time("since", *report.Since))
	}

	if s.opts.Settle > 0 {
		if err := s.sleep(ctx, s.opts.Settle); err != nil {
			return report, err
		}
	}

	batch, err := s.collector.Collect(ctx, tenants, report.Since)
	if err != nil {
		return report, utils.NewAppError("sync.collect", "collect alerts", err)
	}
	for _, t := range batch.Failed {
		report.FailedTenants = append(report.FailedTenants, t.ID)
	}
	alerts := batch.All()
	report.Alerts = len(alerts)

	run := engine.NewRun(tenants)
	report.Summary = s.reconciler.Process(ctx, run, alerts)

	if s.opts.Sweep {
		sweep, err := s.reconciler.Sweep(ctx, run)
		if err != nil {
			s.logger.Warn("sweep incomplete", slog.Any("error", err))
		}
		report.Sweep = sweep
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	s.window.Commit(report.StartedAt)
	return report, nil
}

func (s *SyncService) setServing(serving bool) {
	if s.health != nil {
		s.health.SetServing(serving)
	}
}

// Healthy reports whether the last pass succeeded.
func (s *SyncService) Healthy() bool { return s.runs.Healthy() }

// LastSuccess returns when the last successful pass finished.
func (s *SyncService) LastSuccess() time.Time { return s.runs.LastSuccess() }

func abort(op, msg string, err error) error {
	return fmt.Errorf("%w: %w", ErrAbort, utils.NewAppError(op, msg, err))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
