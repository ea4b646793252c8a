// Package adapter turns raw channel webhooks into verified, normalized
// inbound envelopes. Each channel has one adapter; verification failures
// never reach the pipeline.
package adapter

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/models"
)

// SpecVersion is the adapter contract version.
const SpecVersion = 1

// Verification names how an adapter authenticates inbound requests.
type Verification string

// Verification schemes.
const (
	VerifyHMACSignature Verification = "hmac_signature"
	VerifySharedSecret  Verification = "shared_secret"
)

// Spec is the externally visible adapter contract, reported by the status
// endpoint.
type Spec struct {
	V                 int            `json:"v"`
	Channel           models.Channel `json:"channel"`
	Route             string         `json:"route"`
	PayloadFormat     string         `json:"payload_format"`
	Verification      Verification   `json:"verification"`
	DeliverySemantics string         `json:"delivery_semantics"`
}

// VerifyError is a verification or payload failure mapped to an HTTP status.
type VerifyError struct {
	Status int
	Reason string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Reason, e.Status)
}

// Secrets holds the per-channel credentials, loaded from config.
type Secrets struct {
	// SigningSecret drives HMAC verification (Slack, Discord).
	SigningSecret string
	// SharedSecret is compared exactly (Telegram, Neovim).
	SharedSecret string
}

// Config builds one adapter.
type Config struct {
	Channel  models.Channel
	Secrets  Secrets
	RepoRoot string
	NowMs    func() int64
}

// Adapter verifies and normalizes one channel's webhooks.
type Adapter struct {
	channel    models.Channel
	secrets    Secrets
	repoRoot   string
	nowMs      func() int64
	identities *identity.Store
	logger     *slog.Logger
}

// New creates a channel adapter. Identity resolution happens at normalize
// time so that links made after boot apply immediately.
func New(cfg Config, identities *identity.Store) (*Adapter, error) {
	if !cfg.Channel.IsValid() {
		return nil, fmt.Errorf("unknown adapter channel %q", cfg.Channel)
	}
	if cfg.NowMs == nil {
		return nil, fmt.Errorf("adapter for %s requires a clock", cfg.Channel)
	}
	return &Adapter{
		channel:    cfg.Channel,
		secrets:    cfg.Secrets,
		repoRoot:   cfg.RepoRoot,
		nowMs:      cfg.NowMs,
		identities: identities,
		logger:     slog.Default().With("component", string(cfg.Channel)+"-adapter"),
	}, nil
}

// Channel returns the adapter's channel.
func (a *Adapter) Channel() models.Channel {
	return a.channel
}

// Spec reports the adapter contract.
func (a *Adapter) Spec() Spec {
	spec := Spec{
		V:                 SpecVersion,
		Channel:           a.channel,
		Route:             "/webhooks/" + string(a.channel),
		DeliverySemantics: "at_least_once",
	}
	switch a.channel {
	case models.ChannelSlack:
		spec.PayloadFormat = "form"
		spec.Verification = VerifyHMACSignature
	case models.ChannelDiscord:
		spec.PayloadFormat = "json"
		spec.Verification = VerifyHMACSignature
	default:
		spec.PayloadFormat = "json"
		spec.Verification = VerifySharedSecret
	}
	return spec
}

// Ingest verifies headers against the body and normalizes the payload into
// an envelope. Any *VerifyError must be surfaced as its HTTP status with no
// pipeline involvement.
func (a *Adapter) Ingest(headers http.Header, body []byte) (*models.InboundEnvelope, *VerifyError) {
	if vErr := a.verify(headers, body); vErr != nil {
		a.logger.Warn("webhook rejected", "reason", vErr.Reason, "status", vErr.Status)
		return nil, vErr
	}
	env, vErr := a.normalize(headers, body)
	if vErr != nil {
		a.logger.Warn("webhook payload invalid", "reason", vErr.Reason)
		return nil, vErr
	}
	return env, nil
}
