package models

// Journal entry kinds.
const (
	JournalKindLifecycle = "command.lifecycle"
	JournalKindMutating  = "domain.mutating"
)

// JournalEntry is one append-only record in the command journal.
// Lifecycle entries snapshot the full CommandRecord after a transition;
// mutating entries audit domain side effects correlated to a command.
// Ordering of entries is the sole source of truth for reconstructing state.
type JournalEntry struct {
	Kind      string `json:"kind"`
	AtMs      int64  `json:"at_ms"`
	EventType string `json:"event_type"`

	// Lifecycle entries.
	Command *CommandRecord `json:"command,omitempty"`

	// Mutating entries.
	CommandID   string         `json:"command_id,omitempty"`
	State       CommandState   `json:"state,omitempty"`
	Correlation *Correlation   `json:"correlation,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// ReplayMutationEvent is one auditable side effect emitted by a mutation
// handler. Each becomes a domain.mutating journal entry before the final
// lifecycle transition.
type ReplayMutationEvent struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}
