package notify

import (
	"context"
	"errors"
	"strings"
)

// Notifier delivers an out-of-band message when a ticket cannot be created.
type Notifier interface {
	Notify(ctx context.Context, subject, htmlBody string) error
}

// ErrNotConfigured is returned when no transport is set up.
var ErrNotConfigured = errors.New("no fallback notifier configured")

// HTMLBody converts a plain-text ticket description to the HTML body sent by email.
func HTMLBody(description string) string {
	s := strings.ReplaceAll(description, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "<br />")
}

// Multi fans a message out to every notifier and succeeds when any of them does.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, subject, htmlBody string) error {
	if len(m) == 0 {
		return ErrNotConfigured
	}
	var errs []error
	delivered := false
	for _, n := range m {
		if err := n.Notify(ctx, subject, htmlBody); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return errors.Join(errs...)
}
