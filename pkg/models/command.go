package models

// CommandState is the lifecycle state of a CommandRecord.
type CommandState string

// Command lifecycle states.
const (
	StateAccepted             CommandState = "accepted"
	StateAwaitingConfirmation CommandState = "awaiting_confirmation"
	StateQueued               CommandState = "queued"
	StateInProgress           CommandState = "in_progress"
	StateDeferred             CommandState = "deferred"
	StateCompleted            CommandState = "completed"
	StateFailed               CommandState = "failed"
	StateCancelled            CommandState = "cancelled"
	StateExpired              CommandState = "expired"
	StateDeadLetter           CommandState = "dead_letter"
)

// legalTransitions maps each non-terminal state to its allowed destinations.
var legalTransitions = map[CommandState][]CommandState{
	StateAccepted:             {StateAwaitingConfirmation, StateQueued, StateFailed, StateCancelled, StateDeadLetter},
	StateAwaitingConfirmation: {StateQueued, StateCancelled, StateExpired, StateDeadLetter},
	StateQueued:               {StateInProgress, StateDeferred, StateCancelled, StateDeadLetter},
	StateInProgress:           {StateCompleted, StateFailed, StateDeferred, StateCancelled, StateDeadLetter},
	StateDeferred:             {StateQueued, StateCancelled, StateDeadLetter},
}

// IsValid checks if the state is a known lifecycle state.
func (s CommandState) IsValid() bool {
	switch s {
	case StateAccepted, StateAwaitingConfirmation, StateQueued, StateInProgress,
		StateDeferred, StateCompleted, StateFailed, StateCancelled, StateExpired, StateDeadLetter:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state is sticky: terminal states admit no
// outbound transition.
func (s CommandState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired, StateDeadLetter:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether next is a legal destination from s.
func (s CommandState) CanTransitionTo(next CommandState) bool {
	for _, allowed := range legalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CommandRecord is the durable command entity journaled across its lifecycle.
type CommandRecord struct {
	CommandID string `json:"command_id"`

	// Keys carried over from the inbound envelope.
	Channel               Channel       `json:"channel"`
	ChannelTenantID       string        `json:"channel_tenant_id"`
	ChannelConversationID string        `json:"channel_conversation_id"`
	ActorID               string        `json:"actor_id"`
	ActorBindingID        string        `json:"actor_binding_id"`
	AssuranceTier         AssuranceTier `json:"assurance_tier"`
	RepoRoot              string        `json:"repo_root"`
	ScopeRequired         string        `json:"scope_required,omitempty"`
	ScopeEffective        string        `json:"scope_effective,omitempty"`
	TargetType            string        `json:"target_type"`
	TargetID              string        `json:"target_id,omitempty"`
	IdempotencyKey        string        `json:"idempotency_key"`
	Fingerprint           string        `json:"fingerprint"`
	RequestID             string        `json:"request_id"`
	CommandText           string        `json:"command_text"`
	CommandArgs           []string      `json:"command_args,omitempty"`

	// Lifecycle.
	State                   CommandState   `json:"state"`
	Attempt                 int            `json:"attempt"`
	CreatedAtMs             int64          `json:"created_at_ms"`
	UpdatedAtMs             int64          `json:"updated_at_ms"`
	TerminalAtMs            *int64         `json:"terminal_at_ms,omitempty"`
	ConfirmationExpiresAtMs *int64         `json:"confirmation_expires_at_ms,omitempty"`
	RetryAtMs               *int64         `json:"retry_at_ms,omitempty"`
	ErrorCode               string         `json:"error_code,omitempty"`
	Result                  map[string]any `json:"result,omitempty"`
	ReplayOf                string         `json:"replay_of,omitempty"`

	// Correlation.
	OperatorSessionID string `json:"operator_session_id,omitempty"`
	OperatorTurnID    string `json:"operator_turn_id,omitempty"`
	CLIInvocationID   string `json:"cli_invocation_id,omitempty"`
	CLICommandKind    string `json:"cli_command_kind,omitempty"`
	RunRootID         string `json:"run_root_id,omitempty"`
}

// Correlation is the slice of a command's identity that travels with outbound
// envelopes and domain events.
type Correlation struct {
	CommandID         string `json:"command_id"`
	OperatorSessionID string `json:"operator_session_id,omitempty"`
	OperatorTurnID    string `json:"operator_turn_id,omitempty"`
	CLIInvocationID   string `json:"cli_invocation_id,omitempty"`
	CLICommandKind    string `json:"cli_command_kind,omitempty"`
	RunRootID         string `json:"run_root_id,omitempty"`
}

// Correlation extracts the correlation view of the record.
func (r *CommandRecord) Correlation() Correlation {
	return Correlation{
		CommandID:         r.CommandID,
		OperatorSessionID: r.OperatorSessionID,
		OperatorTurnID:    r.OperatorTurnID,
		CLIInvocationID:   r.CLIInvocationID,
		CLICommandKind:    r.CLICommandKind,
		RunRootID:         r.RunRootID,
	}
}

// Clone returns a deep enough copy for safe mutation during a transition.
func (r *CommandRecord) Clone() *CommandRecord {
	out := *r
	if r.TerminalAtMs != nil {
		v := *r.TerminalAtMs
		out.TerminalAtMs = &v
	}
	if r.ConfirmationExpiresAtMs != nil {
		v := *r.ConfirmationExpiresAtMs
		out.ConfirmationExpiresAtMs = &v
	}
	if r.RetryAtMs != nil {
		v := *r.RetryAtMs
		out.RetryAtMs = &v
	}
	if r.CommandArgs != nil {
		out.CommandArgs = append([]string(nil), r.CommandArgs...)
	}
	if r.Result != nil {
		out.Result = make(map[string]any, len(r.Result))
		for k, v := range r.Result {
			out.Result[k] = v
		}
	}
	return &out
}
