package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/alertsync/sophos-autotask/internal/utils"
)

// PushJob is the Pushgateway job name for one-shot runs.
const PushJob = "alert_sync"

// SentryReporter forwards escalated failures to Sentry.
type SentryReporter struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

// NewSentryReporter initialises the Sentry client. An empty DSN returns a nil
// reporter and no error.
func NewSentryReporter(dsn, environment, release string, logger *slog.Logger) (*SentryReporter, error) {
	if dsn == "" {
		return nil, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return &SentryReporter{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: utils.Component(logger, "sentry"),
	}, nil
}

// Report captures err, tagging it with the failing operation when known.
func (r *SentryReporter) Report(err error) {
	if r == nil || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		if op := utils.OpOf(err); op != "" {
			scope.SetTag("op", op)
		}
		if id := r.hub.CaptureException(err); id != nil {
			r.logger.Debug("error reported", slog.String("event_id", string(*id)))
		}
	})
}

// Flush waits for queued events to be delivered.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	if r == nil {
		return true
	}
	return r.hub.Flush(timeout)
}

// Push sends the gathered metrics to a Pushgateway. An empty url is a no-op.
func Push(ctx context.Context, url string, g prometheus.Gatherer) error {
	if url == "" {
		return nil
	}
	if g == nil {
		return errors.New("no metrics gatherer")
	}
	if err := push.New(url, PushJob).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
