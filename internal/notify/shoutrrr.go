package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

type sender interface {
	Send(message string, params *types.Params) []error
}

// Shoutrrr delivers through any shoutrrr service URL (smtp://, teams://, ntfy://...).
type Shoutrrr struct {
	sender sender
}

// NewShoutrrr parses the service URLs up front so bad configuration fails at startup.
func NewShoutrrr(urls ...string) (*Shoutrrr, error) {
	if len(urls) == 0 {
		return nil, ErrNotConfigured
	}
	s, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("create shoutrrr sender: %w", err)
	}
	return &Shoutrrr{sender: s}, nil
}

// Notify implements Notifier. shoutrrr has no context support, so ctx is only
// checked before sending.
func (s *Shoutrrr) Notify(ctx context.Context, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := types.Params{"title": subject, "subject": subject}
	var errs []error
	for _, err := range s.sender.Send(htmlBody, &params) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shoutrrr delivery: %w", errors.Join(errs...))
	}
	return nil
}
