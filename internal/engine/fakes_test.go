package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alertsync/sophos-autotask/internal/models"
	"github.com/alertsync/sophos-autotask/internal/repo"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSource struct {
	mu       sync.Mutex
	acked    []string
	alertErr map[string]error
	devices  map[string][]models.Device
	lookups  []string
}

func (f *fakeSource) ListDevices(_ context.Context, tenant models.Tenant, ids []string) ([]models.Device, error) {
	var out []models.Device
	for _, d := range f.devices[tenant.ID] {
		for _, id := range ids {
			if d.ID == id {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (f *fakeSource) GetAlert(_ context.Context, _ models.Tenant, alertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, alertID)
	return f.alertErr[alertID]
}

func (f *fakeSource) AcknowledgeAlert(_ context.Context, _ models.Tenant, alertID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, alertID)
	return nil
}

type statusChange struct {
	ticketID int64
	status   int
}

type fakeStore struct {
	tickets   []models.Ticket
	created   []models.NewTicket
	notes     map[int64][]models.TicketNote
	statuses  []statusChange
	nextID    int64
	createErr error
	searchErr error
	cis       []models.ConfigurationItem
	location  int64
	contract  int64
	searches  int
	clock     time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{notes: map[int64][]models.TicketNote{}, nextID: 1000, clock: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeStore) SearchOpenTickets(_ context.Context, q models.TicketQuery) ([]models.Ticket, error) {
	f.searches++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []models.Ticket
	for _, t := range f.tickets {
		if t.Status == models.TicketStatusComplete {
			continue
		}
		if q.CompanyID != 0 && t.CompanyID != q.CompanyID {
			continue
		}
		if !strings.HasPrefix(t.Title, q.TitlePrefix) {
			continue
		}
		if q.Device != "" && !strings.Contains(t.Description, "Device: "+q.Device) {
			continue
		}
		if q.EventType != "" && !strings.Contains(t.Description, "Event Type: "+q.EventType) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) CreateTicket(_ context.Context, nt models.NewTicket) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	f.clock = f.clock.Add(time.Minute)
	f.created = append(f.created, nt)
	t := models.Ticket{
		ID:          f.nextID,
		CompanyID:   nt.CompanyID,
		Title:       nt.Title,
		Description: nt.Description,
		Status:      nt.Status,
		CreateDate:  f.clock,
		CIID:        nt.ConfigurationItemID,
	}
	if nt.CorrelationField != "" {
		t.CorrelationID = nt.CorrelationID
	}
	f.tickets = append(f.tickets, t)
	return t.ID, nil
}

func (f *fakeStore) AddNote(_ context.Context, ticketID int64, note models.TicketNote) error {
	f.notes[ticketID] = append(f.notes[ticketID], note)
	return nil
}

func (f *fakeStore) UpdateTicketStatus(_ context.Context, ticketID int64, status int) error {
	f.statuses = append(f.statuses, statusChange{ticketID, status})
	for i := range f.tickets {
		if f.tickets[i].ID == ticketID {
			f.tickets[i].Status = status
		}
	}
	return nil
}

func (f *fakeStore) PrimaryLocation(context.Context, int64) (int64, bool, error) {
	return f.location, f.location != 0, nil
}

func (f *fakeStore) DefaultContract(context.Context, int64) (int64, bool, error) {
	return f.contract, f.contract != 0, nil
}

func (f *fakeStore) FindConfigurationItems(_ context.Context, _ int64, hostname string) ([]models.ConfigurationItem, error) {
	var out []models.ConfigurationItem
	for _, ci := range f.cis {
		if strings.EqualFold(ci.ReferenceTitle, hostname) || strings.EqualFold(ci.AuditHostname, hostname) {
			out = append(out, ci)
		}
	}
	return out, nil
}

func (f *fakeStore) seed(t models.Ticket) {
	f.tickets = append(f.tickets, t)
}

type fakeNotifier struct {
	subjects []string
	bodies   []string
	err      error
}

func (f *fakeNotifier) Notify(_ context.Context, subject, body string) error {
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, body)
	return f.err
}

type fakeReporter struct{ errs []error }

func (f *fakeReporter) Report(err error) { f.errs = append(f.errs, err) }

type fakeLister struct {
	mu       sync.Mutex
	alerts   map[string][]models.Alert
	failures map[string]int
	calls    map[string]int
}

func (f *fakeLister) ListAlerts(_ context.Context, tenant models.Tenant, _ *time.Time) ([]models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[tenant.ID]++
	if f.failures[tenant.ID] > 0 {
		f.failures[tenant.ID]--
		return nil, errors.New("upstream 503")
	}
	return f.alerts[tenant.ID], nil
}

var errNotFound = repo.ErrAlertNotFound
