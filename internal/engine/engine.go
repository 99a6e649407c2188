package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/alertsync/sophos-autotask/internal/cache"
	"github.com/alertsync/sophos-autotask/internal/metrics"
	"github.com/alertsync/sophos-autotask/internal/models"
	"github.com/alertsync/sophos-autotask/internal/notify"
	"github.com/alertsync/sophos-autotask/internal/utils"
)

// Note titles used on Autotask tickets.
const (
	NoteTitleNewAlert  = "New Alert"
	NoteTitleSelfHeal  = "Self-Healing Update"
	selfHealPrefix     = "[Self-Healing] "
	sweepSelfHealNote  = selfHealPrefix + "The Sophos alert is no longer open. Self-healing this ticket."
	noteMarkerTTL      = 25 * time.Hour
	defaultTitlePrefix = "Sophos Alert: "
)

// AlertSource is the subset of the Sophos client the engine needs.
type AlertSource interface {
	ListDevices(ctx context.Context, tenant models.Tenant, ids []string) ([]models.Device, error)
	GetAlert(ctx context.Context, tenant models.Tenant, alertID string) error
	AcknowledgeAlert(ctx context.Context, tenant models.Tenant, alertID string) error
}

// TicketStore is the subset of the Autotask client the engine needs.
type TicketStore interface {
	SearchOpenTickets(ctx context.Context, q models.TicketQuery) ([]models.Ticket, error)
	CreateTicket(ctx context.Context, t models.NewTicket) (int64, error)
	AddNote(ctx context.Context, ticketID int64, note models.TicketNote) error
	UpdateTicketStatus(ctx context.Context, ticketID int64, status int) error
	PrimaryLocation(ctx context.Context, companyID int64) (int64, bool, error)
	DefaultContract(ctx context.Context, companyID int64) (int64, bool, error)
	FindConfigurationItems(ctx context.Context, companyID int64, hostname string) ([]models.ConfigurationItem, error)
}

// Reporter receives failures worth escalating beyond the log.
type Reporter interface {
	Report(err error)
}

// TicketDefaults are stamped onto every created ticket.
type TicketDefaults struct {
	QueueID                 int64
	IssueType               int64
	SubIssueType            int64
	ServiceLevelAgreementID int64
	DefaultLocationID       int64
}

// Config is the explicit, immutable input to the engine.
type Config struct {
	TitlePrefix string
	// OrgMapping maps tenant name to Autotask company id.
	OrgMapping map[string]int64
	// UpDown maps an up-event type to the down-event type it resolves.
	UpDown            map[string]string
	IgnoredTypes      []string
	Ticket            TicketDefaults
	DocumentationLink string
	CorrelationField  string
	SkipSelfHealing   []int64
	// CloseUnmarked lets the sweep close prefixed tickets that carry no alert id.
	CloseUnmarked bool
}

// Engine reconciles alerts against Autotask tickets.
type Engine struct {
	cfg      Config
	source   AlertSource
	store    TicketStore
	notifier notify.Notifier
	markers  cache.Provider
	reporter Reporter
	logger   *slog.Logger

	ignored      map[string]struct{}
	skip         map[int64]struct{}
	companyNames map[int64][]string
}

// Option customises an Engine.
type Option func(*Engine)

// WithMarkers sets the cache used to remember which alerts were already noted
// on which tickets. It only helps when the process outlives a single run.
func WithMarkers(p cache.Provider) Option {
	return func(e *Engine) { e.markers = p }
}

// WithReporter sets the escalation sink for double failures.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// New constructs an engine. notifier may be nil, in which case creation
// failures are only logged.
func New(cfg Config, source AlertSource, store TicketStore, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.TitlePrefix == "" {
		cfg.TitlePrefix = defaultTitlePrefix
	}
	if cfg.Ticket.DefaultLocationID == 0 {
		cfg.Ticket.DefaultLocationID = 10
	}
	e := &Engine{
		cfg:          cfg,
		source:       source,
		store:        store,
		notifier:     notifier,
		markers:      cache.NoopProvider{},
		logger:       utils.Component(logger, "engine"),
		ignored:      make(map[string]struct{}, len(cfg.IgnoredTypes)),
		skip:         make(map[int64]struct{}, len(cfg.SkipSelfHealing)),
		companyNames: make(map[int64][]string),
	}
	for _, t := range cfg.IgnoredTypes {
		e.ignored[t] = struct{}{}
	}
	for _, id := range cfg.SkipSelfHealing {
		e.skip[id] = struct{}{}
	}
	for name, id := range cfg.OrgMapping {
		e.companyNames[id] = append(e.companyNames[id], name)
	}
	for id := range e.companyNames {
		sort.Strings(e.companyNames[id])
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classify decides the reconciliation path for an alert.
func (e *Engine) Classify(a models.Alert) models.Classification {
	if _, ok := e.ignored[a.Type]; ok {
		return models.ClassIgnored
	}
	if a.Severity != models.SeverityLow {
		return models.ClassDown
	}
	if _, ok := e.cfg.UpDown[a.Type]; ok {
		return models.ClassUp
	}
	return models.ClassIgnored
}

// Run carries per-pass state shared by reconciliation and the sweep.
type Run struct {
	byID    map[string]models.Tenant
	byName  map[string]models.Tenant
	devices map[string]map[string]models.Device
	healed  map[int64]struct{}
}

// NewRun indexes the tenant set for one pass. Inactive tenants are excluded.
func NewRun(tenants []models.Tenant) *Run {
	r := &Run{
		byID:    make(map[string]models.Tenant, len(tenants)),
		byName:  make(map[string]models.Tenant, len(tenants)),
		devices: make(map[string]map[string]models.Device),
		healed:  make(map[int64]struct{}),
	}
	for _, t := range tenants {
		if !t.Active() {
			continue
		}
		r.byID[t.ID] = t
		if _, dup := r.byName[t.Name]; !dup {
			r.byName[t.Name] = t
		}
	}
	return r
}

func (r *Run) tenant(id string) (models.Tenant, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// Summary counts the outcome of one Process call.
type Summary struct {
	Created    int
	Noted      int
	Duplicates int
	SelfHealed int
	Skipped    int
	Ignored    int
	Failed     int
	Fallbacks  int
}

func (s *Summary) add(action string) {
	switch action {
	case metrics.ActionCreated:
		s.Created++
	case metrics.ActionNoted:
		s.Noted++
	case metrics.ActionDuplicate:
		s.Duplicates++
	case metrics.ActionSelfHealed:
		s.SelfHealed++
	case metrics.ActionSkipped:
		s.Skipped++
	case metrics.ActionIgnored:
		s.Ignored++
	case metrics.ActionFallbackSent:
		s.Fallbacks++
	default:
		s.Failed++
	}
}

// Process reconciles a batch: down-events first, then up-events. Each alert
// is handled sequentially and failures never abort the batch.
func (e *Engine) Process(ctx context.Context, run *Run, alerts []models.Alert) Summary {
	var summary Summary
	var downs, ups []models.Alert
	for _, a := range alerts {
		switch e.Classify(a) {
		case models.ClassDown:
			downs = append(downs, a)
		case models.ClassUp:
			ups = append(ups, a)
		default:
			summary.add(metrics.ActionIgnored)
			metrics.AlertHandled(models.ClassIgnored.String(), metrics.ActionIgnored)
		}
	}

	e.prefetchDevices(ctx, run, downs)

	for _, a := range downs {
		e.record(&summary, models.ClassDown, a, e.handleDown)(ctx, run)
	}
	for _, a := range ups {
		e.record(&summary, models.ClassUp, a, e.handleUp)(ctx, run)
	}

	e.logger.Info("reconciliation finished",
		slog.Int("down", len(downs)), slog.Int("up", len(ups)),
		slog.Int("created", summary.Created), slog.Int("noted", summary.Noted),
		slog.Int("self_healed", summary.SelfHealed), slog.Int("failed", summary.Failed))
	return summary
}

type handler func(ctx context.Context, run *Run, a models.Alert) (string, error)

func (e *Engine) record(summary *Summary, class models.Classification, a models.Alert, h handler) func(context.Context, *Run) {
	return func(ctx context.Context, run *Run) {
		action, err := h(ctx, run, a)
		if err != nil {
			e.logger.Error("alert reconciliation failed",
				slog.String("alert_id", a.ID), slog.String("tenant_id", a.TenantID),
				slog.String("class", class.String()), slog.Any("error", err))
			if action == "" {
				action = metrics.ActionFailed
			}
		}
		summary.add(action)
		metrics.AlertHandled(class.String(), action)
	}
}

// companyFor resolves the Autotask company for a tenant name, 0 when unmapped.
func (e *Engine) companyFor(a models.Alert, tenantName string) int64 {
	if id, ok := e.cfg.OrgMapping[tenantName]; ok && tenantName != "" {
		return id
	}
	e.logger.Warn("tenant has no company mapping, using company id 0",
		slog.String("tenant", tenantName), slog.String("tenant_id", a.TenantID), slog.String("alert_id", a.ID))
	metrics.UnmappedTenant()
	return 0
}

func (e *Engine) handleDown(ctx context.Context, run *Run, a models.Alert) (string, error) {
	tenant, _ := run.tenant(a.TenantID)
	companyID := e.companyFor(a, tenant.Name)
	description := BuildDescription(a, tenant.Name, "")

	tickets, err := e.store.SearchOpenTickets(ctx, models.TicketQuery{
		CompanyID:        companyID,
		TitlePrefix:      e.cfg.TitlePrefix,
		Device:           a.Location,
		EventType:        a.Type,
		CorrelationField: e.cfg.CorrelationField,
	})
	if err != nil {
		return metrics.ActionFailed, fmt.Errorf("search tickets: %w", err)
	}

	if existing, ok := latestTicket(tickets); ok {
		return e.noteExisting(ctx, existing, a, description)
	}
	return e.create(ctx, run, a, tenant, companyID)
}

func (e *Engine) noteExisting(ctx context.Context, t models.Ticket, a models.Alert, description string) (string, error) {
	log := e.logger.With(slog.Int64("ticket_id", t.ID), slog.String("alert_id", a.ID))
	if carriesAlert(t, a.ID) {
		log.Debug("ticket already raised for this alert")
		return metrics.ActionDuplicate, nil
	}

	key := "note:" + strconv.FormatInt(t.ID, 10) + ":" + a.ID
	fresh, err := e.markers.SetNX(ctx, key, []byte{1}, noteMarkerTTL)
	if err == nil && !fresh {
		log.Debug("alert already noted on ticket")
		return metrics.ActionDuplicate, nil
	}

	if err := e.store.AddNote(ctx, t.ID, models.TicketNote{Title: NoteTitleNewAlert, Description: description}); err != nil {
		_ = e.markers.Del(ctx, key)
		return metrics.ActionFailed, err
	}
	log.Info("note added to existing ticket")
	return metrics.ActionNoted, nil
}

func (e *Engine) create(ctx context.Context, run *Run, a models.Alert, tenant models.Tenant, companyID int64) (string, error) {
	log := e.logger.With(slog.String("alert_id", a.ID), slog.Int64("company_id", companyID))

	locationID := e.cfg.Ticket.DefaultLocationID
	if id, found, err := e.store.PrimaryLocation(ctx, companyID); err != nil {
		log.Warn("location lookup failed, using default", slog.Any("error", err))
	} else if found {
		locationID = id
	}

	var contractID *int64
	if id, found, err := e.store.DefaultContract(ctx, companyID); err != nil {
		log.Warn("contract lookup failed", slog.Any("error", err))
	} else if found {
		contractID = &id
	}

	nt := models.NewTicket{
		CompanyID:               companyID,
		CompanyLocationID:       locationID,
		Priority:                Priority(a.Severity),
		Status:                  models.TicketStatusNew,
		QueueID:                 e.cfg.Ticket.QueueID,
		IssueType:               e.cfg.Ticket.IssueType,
		SubIssueType:            e.cfg.Ticket.SubIssueType,
		ServiceLevelAgreementID: e.cfg.Ticket.ServiceLevelAgreementID,
		ContractID:              contractID,
		ConfigurationItemID:     e.matchDevice(ctx, run, a, companyID),
		Title:                   BuildTitle(e.cfg.TitlePrefix, a.Description, a.Location),
		Description:             BuildDescription(a, tenant.Name, e.cfg.DocumentationLink),
		CorrelationField:        e.cfg.CorrelationField,
		CorrelationID:           a.ID,
	}

	id, err := e.store.CreateTicket(ctx, nt)
	if err == nil {
		log.Info("ticket created", slog.Int64("ticket_id", id))
		return metrics.ActionCreated, nil
	}

	log.Warn("ticket creation failed, sending fallback notification", slog.Any("error", err))
	if e.notifier == nil {
		return metrics.ActionFailed, fmt.Errorf("create ticket: %w", err)
	}
	if nerr := e.notifier.Notify(ctx, nt.Title, notify.HTMLBody(nt.Description)); nerr != nil {
		metrics.FallbackEmail(metrics.OutcomeError)
		both := errors.Join(fmt.Errorf("create ticket: %w", err), fmt.Errorf("fallback notification: %w", nerr))
		if e.reporter != nil {
			e.reporter.Report(both)
		}
		return metrics.ActionFailed, both
	}
	metrics.FallbackEmail(metrics.OutcomeSuccess)
	log.Warn("ticket creation failed, backup notification sent")
	return metrics.ActionFallbackSent, nil
}

func (e *Engine) prefetchDevices(ctx context.Context, run *Run, downs []models.Alert) {
	ids := make(map[string][]string)
	seen := make(map[string]struct{})
	for _, a := range downs {
		if a.Data.EndpointID == "" {
			continue
		}
		k := a.TenantID + "/" + a.Data.EndpointID
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ids[a.TenantID] = append(ids[a.TenantID], a.Data.EndpointID)
	}
	for tenantID, endpointIDs := range ids {
		tenant, ok := run.tenant(tenantID)
		if !ok {
			continue
		}
		devices, err := e.source.ListDevices(ctx, tenant, endpointIDs)
		if err != nil {
			e.logger.Warn("device lookup failed", slog.String("tenant_id", tenantID), slog.Any("error", err))
			continue
		}
		byID := make(map[string]models.Device, len(devices))
		for _, d := range devices {
			byID[d.ID] = d
		}
		run.devices[tenantID] = byID
	}
}

func (e *Engine) matchDevice(ctx context.Context, run *Run, a models.Alert, companyID int64) *int64 {
	device, ok := run.devices[a.TenantID][a.Data.EndpointID]
	if !ok || device.Hostname == "" {
		return nil
	}
	candidates, err := e.store.FindConfigurationItems(ctx, companyID, device.Hostname)
	if err != nil {
		e.logger.Warn("configuration item lookup failed", slog.String("hostname", device.Hostname), slog.Any("error", err))
		return nil
	}
	ci, ok := MatchConfigurationItem(device, candidates)
	if !ok {
		return nil
	}
	return &ci.ID
}

func (e *Engine) handleUp(ctx context.Context, run *Run, a models.Alert) (string, error) {
	tenant, known := run.tenant(a.TenantID)
	companyID := e.companyFor(a, tenant.Name)
	downType := e.cfg.UpDown[a.Type]
	log := e.logger.With(slog.String("alert_id", a.ID), slog.String("down_type", downType))

	tickets, err := e.store.SearchOpenTickets(ctx, models.TicketQuery{
		CompanyID:        companyID,
		TitlePrefix:      e.cfg.TitlePrefix,
		Device:           a.Location,
		EventType:        downType,
		CorrelationField: e.cfg.CorrelationField,
	})
	if err != nil {
		return metrics.ActionFailed, fmt.Errorf("search tickets: %w", err)
	}
	ticket, ok := latestTicket(tickets)
	if !ok {
		log.Info("no open ticket for up event")
		return metrics.ActionSkipped, nil
	}
	if e.skipped(ticket.ID) {
		log.Info("self-healing skipped for ticket", slog.Int64("ticket_id", ticket.ID))
		return metrics.ActionSkipped, nil
	}

	if err := e.selfHeal(ctx, run, ticket, selfHealPrefix+a.Description); err != nil {
		return metrics.ActionFailed, err
	}
	metrics.SelfHealed("up_event")
	log.Info("ticket self-healed", slog.Int64("ticket_id", ticket.ID))

	if !known {
		log.Warn("tenant not in active set, cannot acknowledge alerts")
		return metrics.ActionSelfHealed, nil
	}
	if downID, ok := ExtractAlertID(ticket); ok {
		e.acknowledge(ctx, tenant, downID)
	}
	e.acknowledge(ctx, tenant, a.ID)
	return metrics.ActionSelfHealed, nil
}

func (e *Engine) skipped(ticketID int64) bool {
	_, ok := e.skip[ticketID]
	return ok
}

// selfHeal adds the note then moves the ticket to its closing status.
func (e *Engine) selfHeal(ctx context.Context, run *Run, t models.Ticket, note string) error {
	if err := e.store.AddNote(ctx, t.ID, models.TicketNote{Title: NoteTitleSelfHeal, Description: note}); err != nil {
		return err
	}
	if err := e.store.UpdateTicketStatus(ctx, t.ID, closingStatus(t)); err != nil {
		return err
	}
	run.healed[t.ID] = struct{}{}
	return nil
}

func (e *Engine) acknowledge(ctx context.Context, tenant models.Tenant, alertID string) {
	if err := e.source.AcknowledgeAlert(ctx, tenant, alertID); err != nil {
		e.logger.Warn("alert acknowledgement failed", slog.String("alert_id", alertID), slog.Any("error", err))
		return
	}
	e.logger.Debug("alert acknowledged", slog.String("alert_id", alertID))
}
