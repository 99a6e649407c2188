package checkpoint

import (
	"log/slog"
	"time"

	"github.com/alertsync/sophos-autotask/internal/utils"
)

// DefaultMaxAge is how far back the alert source lets us query.
const DefaultMaxAge = 24 * time.Hour

// Window decides the lower bound of each fetch and commits progress.
type Window struct {
	store  Store
	maxAge time.Duration
	clock  utils.Clock
	logger *slog.Logger
}

// NewWindow wires a window controller. A zero maxAge uses DefaultMaxAge.
func NewWindow(store Store, maxAge time.Duration, clock utils.Clock, logger *slog.Logger) *Window {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Window{store: store, maxAge: maxAge, clock: clock, logger: utils.Component(logger, "checkpoint")}
}

// Now returns the controller's notion of the current time.
func (w *Window) Now() time.Time { return w.clock.Now() }

// Since returns the fetch lower bound, or nil for an unbounded fetch. An
// unreadable, future or stale checkpoint is treated as absent.
func (w *Window) Since() *time.Time {
	last, err := w.store.Read()
	if err != nil {
		w.logger.Warn("checkpoint unreadable, fetching without lower bound", slog.Any("error", err))
		return nil
	}
	if last == nil {
		w.logger.Warn("no checkpoint found, first run")
		return nil
	}
	now := w.clock.Now()
	if now.Sub(*last) > w.maxAge {
		w.logger.Info("checkpoint older than max age, fetching without lower bound",
			slog.Time("checkpoint", *last), slog.Duration("max_age", w.maxAge))
		return nil
	}
	if last.After(now) {
		w.logger.Warn("checkpoint is in the future, ignoring", slog.Time("checkpoint", *last))
		return nil
	}
	w.logger.Debug("resuming from checkpoint", slog.Time("checkpoint", *last))
	return last
}

// Commit persists startedAt after a completed pass. Failures are logged only.
// A value earlier than the stored checkpoint is not written unless the stored
// one lies in the future.
func (w *Window) Commit(startedAt time.Time) {
	last, err := w.store.Read()
	if err == nil && last != nil && startedAt.Before(*last) && !last.After(w.clock.Now()) {
		w.logger.Warn("refusing to move checkpoint backwards",
			slog.Time("checkpoint", *last), slog.Time("candidate", startedAt))
		return
	}
	if err := w.store.Write(startedAt); err != nil {
		w.logger.Error("could not update checkpoint", slog.Any("error", err))
		return
	}
	w.logger.Info("checkpoint updated", slog.Time("checkpoint", startedAt))
}
