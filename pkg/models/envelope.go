package models

// Channel identifies the chat surface an envelope arrived on.
type Channel string

// Supported ingress channels.
const (
	ChannelSlack    Channel = "slack"
	ChannelDiscord  Channel = "discord"
	ChannelTelegram Channel = "telegram"
	ChannelNeovim   Channel = "neovim"
)

// IsValid checks if the channel is one of the supported surfaces.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelSlack, ChannelDiscord, ChannelTelegram, ChannelNeovim:
		return true
	default:
		return false
	}
}

// AllChannels lists every supported ingress channel.
func AllChannels() []Channel {
	return []Channel{ChannelSlack, ChannelDiscord, ChannelTelegram, ChannelNeovim}
}

// AssuranceTier is the trust rank of an identity binding. A outranks B outranks C.
type AssuranceTier string

// Assurance tiers, strongest first.
const (
	TierA AssuranceTier = "tier_a"
	TierB AssuranceTier = "tier_b"
	TierC AssuranceTier = "tier_c"
)

// Rank returns the numeric rank of the tier (higher is stronger).
// Unknown tiers rank zero, below every real tier.
func (t AssuranceTier) Rank() int {
	switch t {
	case TierA:
		return 3
	case TierB:
		return 2
	case TierC:
		return 1
	default:
		return 0
	}
}

// IsValid checks if the tier is a known rank.
func (t AssuranceTier) IsValid() bool {
	return t.Rank() > 0
}

// EnvelopeVersion is the canonical version stamp of InboundEnvelope.
const EnvelopeVersion = 1

// InboundEnvelope is the canonical post-verification form of one adapter request.
// Adapters build it after signature verification; the pipeline never sees raw
// transport payloads.
type InboundEnvelope struct {
	V                     int            `json:"v"`
	ReceivedAtMs          int64          `json:"received_at_ms"`
	RequestID             string         `json:"request_id"`
	DeliveryID            string         `json:"delivery_id"`
	Channel               Channel        `json:"channel"`
	ChannelTenantID       string         `json:"channel_tenant_id"`
	ChannelConversationID string         `json:"channel_conversation_id"`
	ActorID               string         `json:"actor_id"`
	ActorBindingID        string         `json:"actor_binding_id"`
	AssuranceTier         AssuranceTier  `json:"assurance_tier"`
	RepoRoot              string         `json:"repo_root"`
	CommandText           string         `json:"command_text"`
	ScopeRequired         string         `json:"scope_required,omitempty"`
	ScopeEffective        string         `json:"scope_effective,omitempty"`
	TargetType            string         `json:"target_type"`
	TargetID              string         `json:"target_id,omitempty"`
	IdempotencyKey        string         `json:"idempotency_key"`
	Fingerprint           string         `json:"fingerprint"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// Validate checks the structural invariants of a normalized envelope.
func (e *InboundEnvelope) Validate() error {
	switch {
	case e.V != EnvelopeVersion:
		return NewValidationError("v", "unsupported envelope version")
	case !e.Channel.IsValid():
		return NewValidationError("channel", "unknown channel")
	case e.RequestID == "":
		return NewValidationError("request_id", "required")
	case e.ActorID == "":
		return NewValidationError("actor_id", "required")
	case e.ActorBindingID == "":
		return NewValidationError("actor_binding_id", "required")
	case !e.AssuranceTier.IsValid():
		return NewValidationError("assurance_tier", "unknown tier")
	case e.CommandText == "":
		return NewValidationError("command_text", "required")
	case e.IdempotencyKey == "":
		return NewValidationError("idempotency_key", "required")
	case e.Fingerprint == "":
		return NewValidationError("fingerprint", "required")
	}
	return nil
}
