// Package notify delivers short user-facing messages about telemetry state.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DeactivatedMessage is shown when the backend reports a deactivated account.
const DeactivatedMessage = "To see your coding data in Code Time, please reactivate your account."

// Notifier delivers a message. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// SentMessage summarizes a successful send.
func SentMessage(keystrokes int64, project string) string {
	if project == "" {
		project = "Unnamed"
	}
	return fmt.Sprintf("Code Time: sent %s keystrokes for %s", humanize.Comma(keystrokes), project)
}

// LogNotifier writes messages to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, msg string) error {
	n.logger.Info().Str("message", msg).Msg("notification")
	return nil
}

// Multi fans a message out to several notifiers.
type Multi []Notifier

// Notify delivers to every notifier and joins their errors.
func (m Multi) Notify(ctx context.Context, msg string) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards messages.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, string) error { return nil }
