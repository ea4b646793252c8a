package models

// Reason codes surfaced in denials, failures, and outbound bodies.
// Grouped by origin; these are wire-stable strings, not error types.
const (
	// Verification.
	ReasonSignatureInvalid = "adapter_signature_invalid"
	ReasonTimestampStale   = "adapter_timestamp_stale"
	ReasonPayloadInvalid   = "adapter_payload_invalid"

	// Identity.
	ReasonIdentityNotLinked        = "identity_not_linked"
	ReasonConfirmationInvalidActor = "confirmation_invalid_actor"

	// Authorization.
	ReasonUnmappedCommand         = "unmapped_command"
	ReasonMissingScope            = "missing_scope"
	ReasonAssuranceTierTooLow     = "assurance_tier_too_low"
	ReasonReadonlyModeMutation    = "readonly_mode_disallows_mutation"
	ReasonMutationModeNonMutating = "mutation_mode_requires_mutating_command"

	// Safety.
	ReasonMutationsDisabledGlobal  = "mutations_disabled_global"
	ReasonMutationsDisabledChannel = "mutations_disabled_channel"
	ReasonMutationsDisabledClass   = "mutations_disabled_class"
	ReasonBackpressureOverflow     = "backpressure_overflow"
	ReasonBackpressureDeferred     = "backpressure_deferred"

	// Idempotency.
	ReasonIdempotencyConflict = "idempotency_conflict"

	// Lifecycle.
	ReasonConfirmationExpired = "confirmation_expired"
	ReasonInvalidTransition   = "invalid_transition"
	ReasonReconcileAmbiguous  = "reconcile_ambiguous"

	// Execution.
	ReasonCLINonzero               = "cli_nonzero"
	ReasonCLITimeout               = "cli_timeout"
	ReasonCLIValidationFailed      = "cli_validation_failed"
	ReasonOperatorActionDisallowed = "operator_action_disallowed"
	ReasonContextMissing           = "context_missing"
	ReasonContextAmbiguous         = "context_ambiguous"
	ReasonContextUnauthorized      = "context_unauthorized"
	ReasonReplayHandlerError       = "replay_handler_error"

	// Delivery.
	ReasonRetryBudgetExhausted = "retry_budget_exhausted"

	// Infrastructure.
	ReasonWriterLockBusy   = "writer_lock_busy"
	ReasonServerNotRunning = "mu_server_not_running"
)
