package outbox

import (
	"context"
	"log/slog"

	goslack "github.com/slack-go/slack"
	"github.com/mu-ops/mu/pkg/models"
)

// SlackDeliverer posts outbound envelopes as Slack messages.
type SlackDeliverer struct {
	api    *goslack.Client
	logger *slog.Logger
}

// NewSlackDeliverer creates a deliverer for a bot token. Returns nil when the
// token is empty (channel disabled).
func NewSlackDeliverer(token string) *SlackDeliverer {
	if token == "" {
		return nil
	}
	return &SlackDeliverer{
		api:    goslack.New(token),
		logger: slog.Default().With("component", "slack-deliverer"),
	}
}

// NewSlackDelivererWithAPIURL targets a custom API URL, for tests.
func NewSlackDelivererWithAPIURL(token, apiURL string) *SlackDeliverer {
	return &SlackDeliverer{
		api:    goslack.New(token, goslack.OptionAPIURL(apiURL)),
		logger: slog.Default().With("component", "slack-deliverer"),
	}
}

// Deliver implements Deliverer via chat.postMessage to the envelope's
// conversation. Transport failures are retryable.
func (s *SlackDeliverer) Deliver(ctx context.Context, env models.OutboundEnvelope) Result {
	if s == nil {
		return Result{Kind: ResultRetry, Error: "slack delivery disabled"}
	}
	_, _, err := s.api.PostMessageContext(ctx, env.ChannelConversationID,
		goslack.MsgOptionText(env.Body, false))
	if err != nil {
		s.logger.Warn("chat.postMessage failed",
			"conversation", env.ChannelConversationID,
			"command_id", env.Correlation.CommandID,
			"error", err)
		return Result{Kind: ResultRetry, Error: err.Error()}
	}
	return Result{Kind: ResultDelivered}
}
