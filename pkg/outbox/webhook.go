package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mu-ops/mu/pkg/models"
)

// WebhookDeliverer POSTs outbound envelopes as JSON to a fixed endpoint.
// Used for Discord (execute-webhook style) and the Neovim editor bridge.
type WebhookDeliverer struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// NewWebhookDeliverer creates a deliverer for a target URL. Returns nil when
// the URL is empty (channel disabled). Extra headers are sent verbatim.
func NewWebhookDeliverer(channel models.Channel, url string, headers map[string]string) *WebhookDeliverer {
	if url == "" {
		return nil
	}
	return &WebhookDeliverer{
		url:     url,
		headers: headers,
		client:  &http.Client{},
		logger:  slog.Default().With("component", string(channel)+"-deliverer"),
	}
}

type webhookPayload struct {
	Kind         models.OutboundKind `json:"kind"`
	Conversation string              `json:"conversation_id"`
	Content      string              `json:"content"`
	CommandID    string              `json:"command_id,omitempty"`
	RunRootID    string              `json:"run_root_id,omitempty"`
}

// Deliver implements Deliverer. 2xx is delivered; 4xx (except 429) is a drop
// since a retry cannot fix the payload; everything else retries.
func (w *WebhookDeliverer) Deliver(ctx context.Context, env models.OutboundEnvelope) Result {
	if w == nil {
		return Result{Kind: ResultRetry, Error: "webhook delivery disabled"}
	}

	body, err := json.Marshal(webhookPayload{
		Kind:         env.Kind,
		Conversation: env.ChannelConversationID,
		Content:      env.Body,
		CommandID:    env.Correlation.CommandID,
		RunRootID:    env.Correlation.RunRootID,
	})
	if err != nil {
		return Result{Kind: ResultDrop, Reason: "marshal failed: " + err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: ResultDrop, Reason: "request build failed: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{Kind: ResultRetry, Error: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Kind: ResultDelivered}
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return Result{Kind: ResultDrop, Reason: fmt.Sprintf("rejected with status %d", resp.StatusCode)}
	default:
		return Result{Kind: ResultRetry, Error: fmt.Sprintf("status %d", resp.StatusCode)}
	}
}
