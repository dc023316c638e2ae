package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// SlackNotifier posts messages to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewSlackNotifier creates a notifier for webhookURL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (s *SlackNotifier) SetHTTPClient(hc *http.Client) {
	s.httpClient = hc
}

// Notify implements Notifier.
func (s *SlackNotifier) Notify(ctx context.Context, msg string) error {
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.httpClient, buildWebhookMessage(msg)); err != nil {
		return fmt.Errorf("posting slack webhook: %w", err)
	}
	return nil
}

func buildWebhookMessage(msg string) *slack.WebhookMessage {
	return &slack.WebhookMessage{
		Text: msg,
		Blocks: &slack.Blocks{
			BlockSet: []slack.Block{
				slack.NewSectionBlock(
					slack.NewTextBlockObject("mrkdwn", msg, false, false),
					nil, nil,
				),
			},
		},
	}
}
