package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alertsync/sophos-autotask/internal/metrics"
	"github.com/alertsync/sophos-autotask/internal/models"
	"github.com/alertsync/sophos-autotask/internal/utils"
)

// AlertLister fetches one tenant's alerts.
type AlertLister interface {
	ListAlerts(ctx context.Context, tenant models.Tenant, since *time.Time) ([]models.Alert, error)
}

// CollectorOptions tunes the tenant fan-out.
type CollectorOptions struct {
	// RatePerSecond caps outgoing tenant fetches. Zero disables limiting.
	RatePerSecond float64
	Concurrency   int
	RetryFailed   bool
}

// Collector fans alert fetches out across tenants with bounded concurrency.
type Collector struct {
	lister  AlertLister
	limiter *rate.Limiter
	opts    CollectorOptions
	logger  *slog.Logger
}

// NewCollector builds a collector.
func NewCollector(lister AlertLister, opts CollectorOptions, logger *slog.Logger) *Collector {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Concurrency)
	}
	return &Collector{
		lister:  lister,
		limiter: limiter,
		opts:    opts,
		logger:  utils.Component(logger, "collector"),
	}
}

// CollectResult is the merged alert set plus the tenants that could not be read.
type CollectResult struct {
	Alerts []models.TenantAlerts
	Failed []models.Tenant
}

// All flattens the batch in tenant order.
func (r CollectResult) All() []models.Alert {
	var out []models.Alert
	for _, ta := range r.Alerts {
		out = append(out, ta.Alerts...)
	}
	return out
}

// Collect fetches alerts for every active tenant. A tenant that fails is
// retried once after every other tenant has been attempted; a second failure
// drops it for this pass. The result keeps the order of tenants.
func (c *Collector) Collect(ctx context.Context, tenants []models.Tenant, since *time.Time) (CollectResult, error) {
	var active []models.Tenant
	for _, t := range tenants {
		if t.Active() {
			active = append(active, t)
		}
	}

	got, failed, err := c.fetch(ctx, active, since, "first")
	if err != nil {
		return CollectResult{}, err
	}
	if len(failed) > 0 && c.opts.RetryFailed {
		retry := make([]models.Tenant, 0, len(failed))
		for _, i := range failed {
			retry = append(retry, active[i])
		}
		c.logger.Info("retrying failed tenants", slog.Int("tenants", len(retry)))
		again, stillFailed, err := c.fetch(ctx, retry, since, "retry")
		if err != nil {
			return CollectResult{}, err
		}
		for j, i := range failed {
			if again[j] != nil {
				got[i] = again[j]
			}
		}
		remaining := make([]int, 0, len(stillFailed))
		for _, j := range stillFailed {
			remaining = append(remaining, failed[j])
		}
		failed = remaining
	}

	var res CollectResult
	for i, t := range active {
		if got[i] == nil {
			continue
		}
		res.Alerts = append(res.Alerts, models.TenantAlerts{Tenant: t, Alerts: *got[i]})
	}
	for _, i := range failed {
		res.Failed = append(res.Failed, active[i])
	}
	return res, nil
}

// fetch returns per-index results; a nil entry means the tenant failed.
func (c *Collector) fetch(ctx context.Context, tenants []models.Tenant, since *time.Time, attempt string) ([]*[]models.Alert, []int, error) {
	results := make([]*[]models.Alert, len(tenants))
	errs := make([]error, len(tenants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, t := range tenants {
		g.Go(func() error {
			if err := c.limiter.Wait(gctx); err != nil {
				return err
			}
			alerts, err := c.lister.ListAlerts(gctx, t, since)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = &alerts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var failed []int
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed = append(failed, i)
		metrics.TenantFetchFailed(attempt)
		c.logger.Warn("tenant alert fetch failed",
			slog.String("tenant_id", tenants[i].ID), slog.String("tenant", tenants[i].Name),
			slog.String("attempt", attempt), slog.Any("error", err))
	}
	return results, failed, nil
}
