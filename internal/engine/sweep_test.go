package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertsync/sophos-autotask/internal/models"
)

func sweepTicket(id int64, alertID string) models.Ticket {
	a := downAlert()
	a.ID = alertID
	return models.Ticket{
		ID:          id,
		CompanyID:   100,
		Title:       BuildTitle("Sophos Alert: ", a.Description, a.Location),
		Description: BuildDescription(a, "Acme", ""),
		Status:      models.TicketStatusNew,
	}
}

func TestSweepClosesOnlyAffirmativeNotFound(t *testing.T) {
	h := newHarness(testConfig())
	h.store.seed(sweepTicket(1, "GONE"))
	h.store.seed(sweepTicket(2, "FLAKY"))
	h.store.seed(sweepTicket(3, "LIVE"))
	h.source.alertErr = map[string]error{
		"GONE":  errNotFound,
		"FLAKY": errors.New("503 service unavailable"),
	}

	s, err := h.engine.Sweep(context.Background(), NewRun([]models.Tenant{acme}))

	require.NoError(t, err)
	assert.Equal(t, 3, s.Scanned)
	assert.Equal(t, 1, s.Closed)
	assert.Equal(t, 2, s.StillOpen)
	assert.Equal(t, []statusChange{{1, models.TicketStatusComplete}}, h.store.statuses)
	require.Len(t, h.store.notes[1], 1)
	assert.Equal(t, "[Self-Healing] The Sophos alert is no longer open. Self-healing this ticket.", h.store.notes[1][0].Description)
	assert.Empty(t, h.source.acked)
}

func TestSweepSkipsCompaniesWithoutActiveTenant(t *testing.T) {
	h := newHarness(testConfig())
	orphan := sweepTicket(1, "GONE")
	orphan.CompanyID = 999
	h.store.seed(orphan)
	h.source.alertErr = map[string]error{"GONE": errNotFound}

	s, err := h.engine.Sweep(context.Background(), NewRun([]models.Tenant{acme}))

	require.NoError(t, err)
	assert.Equal(t, 1, s.Skipped)
	assert.Empty(t, h.source.lookups)
	assert.Empty(t, h.store.statuses)
}

func TestSweepIgnoresInactiveTenant(t *testing.T) {
	h := newHarness(testConfig())
	h.store.seed(sweepTicket(1, "GONE"))
	h.source.alertErr = map[string]error{"GONE": errNotFound}
	suspended := acme
	suspended.Status = "suspended"

	s, err := h.engine.Sweep(context.Background(), NewRun([]models.Tenant{suspended}))

	require.NoError(t, err)
	assert.Equal(t, 1, s.Skipped)
	assert.Empty(t, h.store.statuses)
}

func TestSweepUnmarkedTickets(t *testing.T) {
	unmarked := models.Ticket{ID: 5, CompanyID: 100, Title: "Sophos Alert: manual", Description: "raised by hand"}

	h := newHarness(testConfig())
	h.store.seed(unmarked)
	s, err := h.engine.Sweep(context.Background(), NewRun([]models.Tenant{acme}))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Closed)

	cfg := testConfig()
	cfg.CloseUnmarked = false
	h = newHarness(cfg)
	h.store.seed(unmarked)
	s, err = h.engine.Sweep(context.Background(), NewRun([]models.Tenant{acme}))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Skipped)
	assert.Empty(t, h.store.statuses)
}

func TestSweepHonoursSkipList(t *testing.T) {
	cfg := testConfig()
	cfg.SkipSelfHealing = []int64{1}
	h := newHarness(cfg)
	h.store.seed(sweepTicket(1, "GONE"))
	h.source.alertErr = map[string]error{"GONE": errNotFound}

	s, err := h.engine.Sweep(context.Background(), NewRun([]models.Tenant{acme}))

	require.NoError(t, err)
	assert.Equal(t, 1, s.Skipped)
	assert.Empty(t, h.source.lookups)
}

func TestSweepSkipsTicketsHealedThisRun(t *testing.T) {
	h := newHarness(testConfig())
	run := NewRun([]models.Tenant{acme})
	h.engine.Process(context.Background(), run, []models.Alert{downAlert()})
	tech := int64(7)
	h.store.tickets[0].AssignedResourceID = &tech
	h.engine.Process(context.Background(), run, []models.Alert{upAlert()})
	require.Len(t, h.store.statuses, 1)

	s, err := h.engine.Sweep(context.Background(), run)

	require.NoError(t, err)
	assert.Equal(t, 1, s.Skipped)
	assert.Len(t, h.store.statuses, 1)
}

func TestSweepSearchFailure(t *testing.T) {
	h := newHarness(testConfig())
	h.store.searchErr = errors.New("timeout")

	_, err := h.engine.Sweep(context.Background(), NewRun([]models.Tenant{acme}))
	assert.ErrorContains(t, err, "timeout")
}
