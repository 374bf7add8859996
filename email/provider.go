// Package email delivers event notifications via multiple providers.
package email

import (
	"buonacaccia-notifier/pkg/notifier"
	"buonacaccia-notifier/reminder"
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrPermissionDenied is returned when a provider rejects our credentials.
// Callers should skip the message, not retry it.
var ErrPermissionDenied = errors.New("notification permission denied")

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends notification emails using a pluggable provider.
type Sender struct {
	provider  Provider
	logger    *slog.Logger
	baseURL   string // For links in emails
	recipient string
}

// New creates a new email sender delivering to recipient.
func New(provider Provider, logger *slog.Logger, baseURL, recipient string) *Sender {
	return &Sender{
		provider:  provider,
		logger:    logger,
		baseURL:   baseURL,
		recipient: recipient,
	}
}

// NotifyNewEvent announces an event that just appeared in the catalog.
func (s *Sender) NotifyNewEvent(ctx context.Context, ev *notifier.Event) error {
	if s.recipient == "" {
		return fmt.Errorf("%w: no recipient configured", ErrPermissionDenied)
	}

	subject := "Nuovo evento BuonaCaccia: " + ev.Title
	body := s.formatNewEventBody(ev)

	s.logger.Info("Sending new event email",
		"to", s.recipient,
		"event_key", notifier.KeyOf(ev),
		"subject", subject)

	if err := s.provider.Send(ctx, s.recipient, subject, body); err != nil {
		return fmt.Errorf("send new event email: %w", err)
	}
	return nil
}

// NotifyReminder sends a registration-window reminder for a followed event.
func (s *Sender) NotifyReminder(ctx context.Context, ev *notifier.Event, tag reminder.Tag) error {
	if s.recipient == "" {
		return fmt.Errorf("%w: no recipient configured", ErrPermissionDenied)
	}

	subject := reminderHeadline(tag) + ": " + ev.Title
	body := s.formatReminderBody(ev, tag)

	s.logger.Info("Sending reminder email",
		"to", s.recipient,
		"event_key", notifier.KeyOf(ev),
		"tag", tag.String(),
		"subject", subject)

	if err := s.provider.Send(ctx, s.recipient, subject, body); err != nil {
		return fmt.Errorf("send reminder email: %w", err)
	}
	return nil
}
