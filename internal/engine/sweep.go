package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alertsync/sophos-autotask/internal/metrics"
	"github.com/alertsync/sophos-autotask/internal/models"
	"github.com/alertsync/sophos-autotask/internal/repo"
)

// SweepSummary counts the outcome of one sweep.
type SweepSummary struct {
	Scanned   int
	Closed    int
	StillOpen int
	Skipped   int
	Failed    int
}

// Sweep re-verifies every open alert-derived ticket against the alert source
// and closes those whose alert no longer exists. Only an affirmative
// not-found closes a ticket; any other lookup error leaves it open.
func (e *Engine) Sweep(ctx context.Context, run *Run) (SweepSummary, error) {
	var s SweepSummary
	tickets, err := e.store.SearchOpenTickets(ctx, models.TicketQuery{
		TitlePrefix:      e.cfg.TitlePrefix,
		CorrelationField: e.cfg.CorrelationField,
	})
	if err != nil {
		return s, fmt.Errorf("list open tickets: %w", err)
	}

	for _, t := range tickets {
		if ctx.Err() != nil {
			return s, ctx.Err()
		}
		s.Scanned++
		switch e.sweepOne(ctx, run, t) {
		case sweepClosed:
			s.Closed++
		case sweepOpen:
			s.StillOpen++
		case sweepFailed:
			s.Failed++
		default:
			s.Skipped++
		}
	}

	e.logger.Info("sweep finished",
		slog.Int("scanned", s.Scanned), slog.Int("closed", s.Closed),
		slog.Int("open", s.StillOpen), slog.Int("skipped", s.Skipped), slog.Int("failed", s.Failed))
	return s, nil
}

type sweepResult int

const (
	sweepSkipped sweepResult = iota
	sweepOpen
	sweepClosed
	sweepFailed
)

func (e *Engine) sweepOne(ctx context.Context, run *Run, t models.Ticket) sweepResult {
	log := e.logger.With(slog.Int64("ticket_id", t.ID), slog.Int64("company_id", t.CompanyID))

	if _, done := run.healed[t.ID]; done {
		return sweepSkipped
	}
	if e.skipped(t.ID) {
		log.Debug("sweep skipped for ticket")
		return sweepSkipped
	}

	tenant, ok := e.tenantForCompany(run, t.CompanyID)
	if !ok {
		log.Debug("no active tenant for ticket company")
		return sweepSkipped
	}

	alertID, marked := ExtractAlertID(t)
	if !marked {
		if !e.cfg.CloseUnmarked {
			return sweepSkipped
		}
		log.Info("ticket carries no alert id, closing")
	} else {
		err := e.source.GetAlert(ctx, tenant, alertID)
		switch {
		case err == nil:
			return sweepOpen
		case !errors.Is(err, repo.ErrAlertNotFound):
			log.Warn("alert lookup failed, leaving ticket open",
				slog.String("alert_id", alertID), slog.Any("error", err))
			return sweepOpen
		}
		log = log.With(slog.String("alert_id", alertID))
	}

	if err := e.selfHeal(ctx, run, t, sweepSelfHealNote); err != nil {
		log.Error("sweep close failed", slog.Any("error", err))
		return sweepFailed
	}
	metrics.SelfHealed("sweep")
	log.Info("ticket closed by sweep")
	return sweepClosed
}

// tenantForCompany reverse-maps a company id to an active tenant. With several
// names mapped to one company the first active one in name order wins.
func (e *Engine) tenantForCompany(run *Run, companyID int64) (models.Tenant, bool) {
	for _, name := range e.companyNames[companyID] {
		if t, ok := run.byName[name]; ok {
			return t, true
		}
	}
	return models.Tenant{}, false
}
