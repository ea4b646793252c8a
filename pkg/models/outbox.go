package models

// OutboxState is the delivery state of an outbox record.
type OutboxState string

// Outbox record states.
const (
	OutboxPending    OutboxState = "pending"
	OutboxDelivered  OutboxState = "delivered"
	OutboxDeadLetter OutboxState = "dead_letter"
)

// OutboundKind classifies an outbound envelope for retry budgeting and rendering.
type OutboundKind string

// Outbound envelope kinds.
const (
	OutboundAck       OutboundKind = "ack"
	OutboundLifecycle OutboundKind = "lifecycle"
	OutboundResult    OutboundKind = "result"
	OutboundError     OutboundKind = "error"
)

// OutboundEnvelope is one presented reply awaiting delivery to a channel.
type OutboundEnvelope struct {
	Channel               Channel        `json:"channel"`
	ChannelTenantID       string         `json:"channel_tenant_id,omitempty"`
	ChannelConversationID string         `json:"channel_conversation_id"`
	Kind                  OutboundKind   `json:"kind"`
	Body                  string         `json:"body"`
	Correlation           Correlation    `json:"correlation"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// OutboxRecord is the durable delivery envelope plus its retry bookkeeping.
type OutboxRecord struct {
	OutboxID         string           `json:"outbox_id"`
	DedupeKey        string           `json:"dedupe_key"`
	Envelope         OutboundEnvelope `json:"envelope"`
	AttemptCount     int              `json:"attempt_count"`
	MaxAttempts      int              `json:"max_attempts"`
	NextAttemptAtMs  int64            `json:"next_attempt_at_ms"`
	State            OutboxState      `json:"state"`
	ReplayOfOutboxID string           `json:"replay_of_outbox_id,omitempty"`
	CreatedAtMs      int64            `json:"created_at_ms"`
	LastError        string           `json:"last_error,omitempty"`
}

// Clone returns a copy safe for mutation under the serialized lane.
func (r *OutboxRecord) Clone() *OutboxRecord {
	out := *r
	if r.Envelope.Metadata != nil {
		out.Envelope.Metadata = make(map[string]any, len(r.Envelope.Metadata))
		for k, v := range r.Envelope.Metadata {
			out.Envelope.Metadata[k] = v
		}
	}
	return &out
}
