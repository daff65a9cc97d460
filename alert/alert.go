// Package alert pushes detected notifications to an out-of-band channel in
// addition to the in-app queue.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"webnotify/pkg/webnotify"
)

// Provider defines the interface for delivery implementations.
type Provider interface {
	// Send delivers one message.
	Send(ctx context.Context, text string) error
}

// Sender formats and delivers notification alerts using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new alert sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Notify delivers a change notification. Failures are the caller's to log;
// delivery is best-effort and never blocks the in-app queue.
func (s *Sender) Notify(ctx context.Context, email string, n *webnotify.Notification) error {
	text := fmt.Sprintf("%s\n%s", n.Title, n.Message)
	if n.Link != "" {
		text += "\n" + n.Link
	}

	s.logger.Info("Sending alert",
		"email", email,
		"notification_id", n.ID,
		"title", n.Title)

	return s.provider.Send(ctx, text)
}
