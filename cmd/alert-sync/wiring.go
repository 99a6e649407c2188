package main

import (
	"log/slog"

	"github.com/alertsync/sophos-autotask/internal/cache"
	"github.com/alertsync/sophos-autotask/internal/checkpoint"
	"github.com/alertsync/sophos-autotask/internal/config"
	"github.com/alertsync/sophos-autotask/internal/engine"
	"github.com/alertsync/sophos-autotask/internal/notify"
	"github.com/alertsync/sophos-autotask/internal/repo"
	"github.com/alertsync/sophos-autotask/internal/services"
	"github.com/alertsync/sophos-autotask/internal/telemetry"
	"github.com/alertsync/sophos-autotask/internal/utils"
)

type app struct {
	sync     *services.SyncService
	reporter *telemetry.SentryReporter
	cache    cache.Provider
}

func (a *app) Close() {
	if a.cache != nil {
		_ = a.cache.Close()
	}
}

func buildApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	mappings, err := config.LoadMappings(cfg.Mapping)
	if err != nil {
		logger.Error("failed to load mapping tables", slog.Any("error", err))
		return nil, err
	}
	logger.Info("mapping tables loaded",
		slog.Int("companies", len(mappings.Org)), slog.Int("up_down_pairs", len(mappings.UpDown)))

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		cacheProvider = cache.NewMemoryProvider(cfg.Cache.TTL)
	}

	sophos := repo.NewSophosClient(repo.SophosOptions{
		ClientID:     cfg.Sophos.ClientID,
		ClientSecret: cfg.Sophos.ClientSecret,
		TokenURL:     cfg.Sophos.TokenURL,
		GlobalURL:    cfg.Sophos.GlobalURL,
		Timeout:      cfg.Sophos.Timeout,
	}, logger)

	autotask := repo.NewAutotaskClient(repo.AutotaskOptions{
		Username:        cfg.Autotask.Username,
		Secret:          cfg.Autotask.Secret,
		IntegrationCode: cfg.Autotask.IntegrationCode,
		ZoneLookupURL:   cfg.Autotask.ZoneLookupURL,
		BaseURL:         cfg.Autotask.BaseURL,
		Timeout:         cfg.Autotask.Timeout,
		CacheTTL:        cfg.Cache.TTL,
	}, cacheProvider, logger)

	reporter, err := telemetry.NewSentryReporter(cfg.Telemetry.SentryDSN, cfg.Telemetry.Environment, version, logger)
	if err != nil {
		logger.Warn("sentry disabled", slog.Any("error", err))
		reporter = nil
	}

	engineOpts := []engine.Option{engine.WithMarkers(cacheProvider)}
	if reporter != nil {
		engineOpts = append(engineOpts, engine.WithReporter(reporter))
	}
	reconciler := engine.New(engine.Config{
		TitlePrefix:  cfg.Ticket.TitlePrefix,
		OrgMapping:   mappings.Org,
		UpDown:       mappings.UpDown,
		IgnoredTypes: cfg.Sync.IgnoredAlertTypes,
		Ticket: engine.TicketDefaults{
			QueueID:                 cfg.Ticket.QueueID,
			IssueType:               cfg.Ticket.IssueType,
			SubIssueType:            cfg.Ticket.SubIssueType,
			ServiceLevelAgreementID: cfg.Ticket.ServiceLevelAgreementID,
			DefaultLocationID:       cfg.Ticket.DefaultLocationID,
		},
		DocumentationLink: cfg.Ticket.DocumentationLink,
		CorrelationField:  cfg.Ticket.CorrelationField,
		SkipSelfHealing:   cfg.Sync.SkipSelfHealing,
		CloseUnmarked:     cfg.Sync.CloseUnmarked,
	}, sophos, autotask, buildNotifier(cfg.Email, logger), logger, engineOpts...)

	collector := engine.NewCollector(sophos, engine.CollectorOptions{
		RatePerSecond: cfg.Sophos.RateLimit,
		Concurrency:   cfg.Sophos.Concurrency,
		RetryFailed:   cfg.Sync.RetryFailedTenants,
	}, logger)

	store := checkpoint.NewFileStore(checkpoint.ResolvePath(cfg.Checkpoint.Path, cfg.Checkpoint.ProbeDirs...))
	logger.Info("using checkpoint file", slog.String("path", store.Path()))
	window := checkpoint.NewWindow(store, cfg.Checkpoint.MaxAge, utils.SystemClock{}, logger)

	svc := services.NewSyncService(logger, sophos, autotask, collector, reconciler, window, services.SyncOptions{
		Settle: cfg.Sync.Settle,
		Sweep:  cfg.Sync.Sweep,
	})
	if reporter != nil {
		svc.WithReporter(reporter)
	}

	return &app{sync: svc, reporter: reporter, cache: cacheProvider}, nil
}

// buildNotifier returns nil when no fallback transport is configured.
func buildNotifier(cfg config.EmailConfig, logger *slog.Logger) notify.Notifier {
	var transports notify.Multi
	if cfg.APIEndpoint != "" {
		transports = append(transports, notify.NewEmailAPI(notify.EmailAPIOptions{
			Endpoint: cfg.APIEndpoint,
			APIKey:   cfg.APIKey,
			From:     notify.Address{Email: cfg.FromEmail, Name: cfg.FromName},
			To:       notify.Address{Email: cfg.ToEmail, Name: cfg.ToName},
			Timeout:  cfg.Timeout,
		}))
	}
	if cfg.ShoutrrrURL != "" {
		s, err := notify.NewShoutrrr(cfg.ShoutrrrURL)
		if err != nil {
			logger.Warn("shoutrrr notifier disabled", slog.Any("error", err))
		} else {
			transports = append(transports, s)
		}
	}
	if len(transports) == 0 {
		logger.Warn("no fallback notifier configured, ticket creation failures will only be logged")
		return nil
	}
	return transports
}
