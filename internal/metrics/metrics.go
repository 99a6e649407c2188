package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed sync passes.
	OutcomeSuccess = "success"
	// OutcomeError labels aborted sync passes (auth or dependency issues).
	OutcomeError = "error"
)

// Per-alert actions.
const (
	ActionCreated      = "created"
	ActionNoted        = "noted"
	ActionDuplicate    = "duplicate"
	ActionSelfHealed   = "self_healed"
	ActionSkipped      = "skipped"
	ActionIgnored      = "ignored"
	ActionFailed       = "failed"
	ActionFallbackSent = "fallback_sent"
)

const namespace = "alert_sync"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of sync passes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_seconds",
			Help:      "Sync pass duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts handled by the reconciliation engine, partitioned by class and action.",
		},
		[]string{"class", "action"},
	)

	selfHealsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "self_heals_total",
			Help:      "Tickets closed automatically, partitioned by trigger.",
		},
		[]string{"source"},
	)

	tenantFetchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_fetch_failures_total",
			Help:      "Tenant alert fetch failures, partitioned by attempt.",
		},
		[]string{"attempt"},
	)

	unmappedTenantsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmapped_tenant_alerts_total",
			Help:      "Alerts whose tenant has no Autotask company mapping.",
		},
	)

	fallbackEmailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_emails_total",
			Help:      "Fallback notifications sent after a ticket could not be created.",
		},
		[]string{"outcome"},
	)

	lastSuccessTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed sync pass.",
		},
	)
)

// Collectors returns every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		alertsTotal,
		selfHealsTotal,
		tenantFetchFailuresTotal,
		unmappedTenantsTotal,
		fallbackEmailsTotal,
		lastSuccessTimestamp,
	}
}

// Register attaches alert-sync collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	for _, collector := range Collectors() {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records a sync pass duration and outcome label.
func ObserveRun(duration time.Duration, outcome string, finishedAt time.Time) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
		lastSuccessTimestamp.Set(float64(finishedAt.Unix()))
	}
	runsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.Observe(duration.Seconds())
}

// AlertHandled counts one alert outcome.
func AlertHandled(class, action string) {
	alertsTotal.WithLabelValues(class, action).Inc()
}

// SelfHealed counts an automatic close; source is "up_event" or "sweep".
func SelfHealed(source string) {
	selfHealsTotal.WithLabelValues(source).Inc()
}

// TenantFetchFailed counts a failed tenant fetch attempt ("first" or "retry").
func TenantFetchFailed(attempt string) {
	tenantFetchFailuresTotal.WithLabelValues(attempt).Inc()
}

// UnmappedTenant counts an alert that fell back to company id 0.
func UnmappedTenant() {
	unmappedTenantsTotal.Inc()
}

// FallbackEmail counts a fallback notification attempt by outcome.
func FallbackEmail(outcome string) {
	fallbackEmailsTotal.WithLabelValues(outcome).Inc()
}
