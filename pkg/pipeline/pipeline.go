package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/idempotency"
	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/journal"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/outbox"
	"github.com/mu-ops/mu/pkg/policy"
	"github.com/mu-ops/mu/pkg/serial"
	"github.com/mu-ops/mu/pkg/telemetry"
)

// Default outbound retry budgets per envelope kind. Acknowledgements are
// cheap to lose; results and errors get the deepest budget.
var defaultMaxAttempts = map[models.OutboundKind]int{
	models.OutboundAck:       3,
	models.OutboundLifecycle: 4,
	models.OutboundResult:    6,
	models.OutboundError:     6,
}

// Result is what the adapter gets back synchronously: the compact
// acknowledgement plus the journaled record when one exists.
type Result struct {
	// Record is nil for submissions denied before acceptance.
	Record *models.CommandRecord
	// State is the presented lifecycle state; failed for pre-acceptance denials.
	State models.CommandState
	// Reason is the denial or failure reason code, empty on success paths.
	Reason string
	// Ack is the compact one-line acknowledgement.
	Ack string
	// Duplicate is true when an idempotent retry was folded onto an existing
	// command.
	Duplicate bool
}

// Pipeline runs inbound envelopes through authorization, safety, idempotent
// acceptance, journaling, and execution. All state mutation happens inside
// the serialized lane.
type Pipeline struct {
	journal    *journal.Journal
	ledger     *idempotency.Ledger
	identities *identity.Store
	engine     *policy.Engine
	executor   *serial.Executor
	outbox     *outbox.Store
	registry   *Registry
	counters   *telemetry.Counters
	nowMs      func() int64
	logger     *slog.Logger
}

// New wires the pipeline. The registry may gain handlers after construction.
func New(j *journal.Journal, ledger *idempotency.Ledger, identities *identity.Store,
	engine *policy.Engine, executor *serial.Executor, ob *outbox.Store,
	registry *Registry, counters *telemetry.Counters, nowMs func() int64) *Pipeline {
	return &Pipeline{
		journal:    j,
		ledger:     ledger,
		identities: identities,
		engine:     engine,
		executor:   executor,
		outbox:     ob,
		registry:   registry,
		counters:   counters,
		nowMs:      nowMs,
		logger:     slog.Default().With("component", "pipeline"),
	}
}

// Registry exposes the handler registry for wiring.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// HandleInbound runs one verified envelope through the pipeline and returns
// the synchronous acknowledgement. The detailed response is enqueued to the
// outbox as a side effect.
func (p *Pipeline) HandleInbound(ctx context.Context, env *models.InboundEnvelope) (*Result, error) {
	if err := env.Validate(); err != nil {
		return p.deny(ctx, env, "", models.ReasonPayloadInvalid)
	}

	parsed := ParseCommandText(env.CommandText)
	if parsed.Confirmation != nil {
		return p.handleConfirmation(ctx, env, parsed.Confirmation)
	}

	binding, ok := p.identities.Resolve(env.ActorBindingID)
	if !ok {
		return p.deny(ctx, env, parsed.Key, models.ReasonIdentityNotLinked)
	}

	decision := p.engine.AuthorizeCommand(policy.AuthorizeInput{
		CommandKey:    parsed.Key,
		Binding:       binding,
		RequestedMode: parsed.Mode,
	})
	if !decision.Allow {
		return p.deny(ctx, env, parsed.Key, decision.Reason)
	}

	var result *Result
	err := p.executor.Run(ctx, func() error {
		var innerErr error
		result, innerErr = p.acceptLocked(ctx, env, parsed, decision)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// acceptLocked runs steps safety → claim → journal → route inside the lane.
func (p *Pipeline) acceptLocked(ctx context.Context, env *models.InboundEnvelope, parsed ParsedCommand, decision policy.Decision) (*Result, error) {
	now := p.nowMs()
	rule := decision.Rule

	var safety policy.SafetyDecision
	if rule.Mutating {
		safety = p.engine.EvaluateMutationSafety(policy.SafetyInput{
			Channel:        env.Channel,
			ActorBindingID: env.ActorBindingID,
			OpsClass:       rule.OpsClass,
			NowMs:          now,
		})
		if safety.Verdict == policy.SafetyDeny {
			return p.denyLocked(env, parsed.Key, safety.Reason)
		}
	}

	active := p.engine.Policy()
	claim, err := p.ledger.Claim(idempotency.ClaimInput{
		Key:         env.IdempotencyKey,
		Fingerprint: env.Fingerprint,
		CommandID:   uuid.NewString(),
		TTLMs:       active.IdempotencyTTLMs,
		NowMs:       now,
	})
	if err != nil {
		return nil, err
	}
	switch claim.Outcome {
	case idempotency.OutcomeConflict:
		return p.denyLocked(env, parsed.Key, models.ReasonIdempotencyConflict)
	case idempotency.OutcomeDuplicate:
		p.counters.Inc(telemetry.CounterDuplicateSignal)
		if existing, ok := p.journal.Get(claim.CommandID); ok {
			return &Result{
				Record:    existing,
				State:     existing.State,
				Reason:    existing.ErrorCode,
				Ack:       Ack(existing.TargetType, existing.State, existing.ErrorCode),
				Duplicate: true,
			}, nil
		}
		// Claim exists but the record never journaled: the original submission
		// crashed between claim and journal. Treat as a fresh acceptance.
	}

	record := &models.CommandRecord{
		CommandID:             claim.CommandID,
		Channel:               env.Channel,
		ChannelTenantID:       env.ChannelTenantID,
		ChannelConversationID: env.ChannelConversationID,
		ActorID:               env.ActorID,
		ActorBindingID:        env.ActorBindingID,
		AssuranceTier:         env.AssuranceTier,
		RepoRoot:              env.RepoRoot,
		ScopeRequired:         decision.EffectiveScope,
		ScopeEffective:        decision.EffectiveScope,
		TargetType:            parsed.Key,
		TargetID:              parsed.TargetID,
		IdempotencyKey:        env.IdempotencyKey,
		Fingerprint:           env.Fingerprint,
		RequestID:             env.RequestID,
		CommandText:           env.CommandText,
		CommandArgs:           parsed.Args,
		State:                 models.StateAccepted,
		CreatedAtMs:           now,
		UpdatedAtMs:           now,
	}
	if sessionID, ok := env.Metadata["operator_session_id"].(string); ok {
		record.OperatorSessionID = sessionID
	}
	if turnID, ok := env.Metadata["operator_turn_id"].(string); ok {
		record.OperatorTurnID = turnID
	}
	if err := p.journal.AppendLifecycle(record, "command.accepted"); err != nil {
		return nil, err
	}
	p.counters.Inc(telemetry.CounterCommandsAccepted)

	if rule.Mutating && safety.Verdict == policy.SafetyDefer {
		deferred, err := p.journal.Transition(record, models.StateDeferred, journal.TransitionOptions{
			ErrorCode:    safety.Reason,
			ErrorCodeSet: true,
			RetryAtMs:    &safety.RetryAtMs,
		})
		if err != nil {
			return nil, err
		}
		return p.finishLocked(deferred, safety.Reason), nil
	}

	if rule.Mutating && rule.ConfirmationRequired {
		expires := now + active.ConfirmationTTLMs
		awaiting, err := p.journal.Transition(record, models.StateAwaitingConfirmation, journal.TransitionOptions{
			ConfirmationExpiresAtMs: &expires,
		})
		if err != nil {
			return nil, err
		}
		return p.finishLocked(awaiting, ""), nil
	}

	final, err := p.executeLocked(ctx, record)
	if err != nil {
		return nil, err
	}
	return p.finishLocked(final, final.ErrorCode), nil
}

// executeLocked drives accepted/queued/deferred records through
// queued→in_progress→outcome inside the lane.
func (p *Pipeline) executeLocked(ctx context.Context, record *models.CommandRecord) (*models.CommandRecord, error) {
	var err error
	if record.State == models.StateAccepted || record.State == models.StateAwaitingConfirmation || record.State == models.StateDeferred {
		record, err = p.journal.Transition(record, models.StateQueued, journal.TransitionOptions{})
		if err != nil {
			return nil, err
		}
	}
	record, err = p.journal.Transition(record, models.StateInProgress, journal.TransitionOptions{})
	if err != nil {
		return nil, err
	}

	outcome := p.registry.invoke(ctx, record.TargetType, record)
	return p.applyOutcomeLocked(record, outcome)
}

// applyOutcomeLocked journals the handler's domain events and the closing
// lifecycle transition.
func (p *Pipeline) applyOutcomeLocked(record *models.CommandRecord, outcome Outcome) (*models.CommandRecord, error) {
	enriched := record.Clone()
	if outcome.CLIInvocationID != "" {
		enriched.CLIInvocationID = outcome.CLIInvocationID
	}
	if outcome.CLICommandKind != "" {
		enriched.CLICommandKind = outcome.CLICommandKind
	}
	if outcome.RunRootID != "" {
		enriched.RunRootID = outcome.RunRootID
	}

	for _, event := range outcome.Events {
		if err := p.journal.AppendMutating(enriched, event); err != nil {
			return nil, err
		}
	}

	opts := journal.TransitionOptions{Result: outcome.Result}
	switch outcome.Kind {
	case models.StateFailed, models.StateCancelled:
		opts.ErrorCode = outcome.ErrorCode
		opts.ErrorCodeSet = true
	case models.StateDeferred:
		retryAt := outcome.RetryAtMs
		opts.RetryAtMs = &retryAt
		opts.ErrorCode = outcome.ErrorCode
		opts.ErrorCodeSet = outcome.ErrorCode != ""
	case models.StateCompleted:
	default:
		// Handlers may only report completed, failed, cancelled, or deferred.
		opts.ErrorCode = models.ReasonReplayHandlerError
		opts.ErrorCodeSet = true
		outcome.Kind = models.StateFailed
	}
	return p.journal.Transition(enriched, outcome.Kind, opts)
}

// finishLocked enqueues the detailed outbound response and builds the
// synchronous result. Must run inside the lane.
func (p *Pipeline) finishLocked(record *models.CommandRecord, reason string) *Result {
	kind := outboundKindFor(record.State)
	p.enqueueLocked(record, kind, DetailBody(record, reason))
	return &Result{
		Record: record,
		State:  record.State,
		Reason: reason,
		Ack:    Ack(record.TargetType, record.State, reason),
	}
}

func outboundKindFor(state models.CommandState) models.OutboundKind {
	switch state {
	case models.StateCompleted:
		return models.OutboundResult
	case models.StateFailed, models.StateExpired, models.StateDeadLetter:
		return models.OutboundError
	default:
		return models.OutboundLifecycle
	}
}

func (p *Pipeline) enqueueLocked(record *models.CommandRecord, kind models.OutboundKind, body string) {
	env := models.OutboundEnvelope{
		Channel:               record.Channel,
		ChannelTenantID:       record.ChannelTenantID,
		ChannelConversationID: record.ChannelConversationID,
		Kind:                  kind,
		Body:                  body,
		Correlation:           record.Correlation(),
	}
	_, _, err := p.outbox.Enqueue(outbox.EnqueueInput{
		Envelope:    env,
		DedupeKey:   "command:" + record.CommandID + ":" + string(record.State),
		MaxAttempts: defaultMaxAttempts[kind],
	})
	if err != nil {
		p.logger.Error("failed to enqueue response",
			"command_id", record.CommandID, "kind", kind, "error", err)
	}
}

// deny rejects a submission without journaling a command. The denial response
// still travels through the outbox.
func (p *Pipeline) deny(ctx context.Context, env *models.InboundEnvelope, key, reason string) (*Result, error) {
	var result *Result
	err := p.executor.Run(ctx, func() error {
		var innerErr error
		result, innerErr = p.denyLocked(env, key, reason)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) denyLocked(env *models.InboundEnvelope, key, reason string) (*Result, error) {
	p.counters.Inc(telemetry.CounterCommandsDenied)
	p.logger.Info("command denied",
		"request_id", env.RequestID,
		"channel", env.Channel,
		"actor_binding_id", env.ActorBindingID,
		"key", key,
		"reason", reason)

	body := Ack(key, models.StateFailed, reason)
	outEnv := models.OutboundEnvelope{
		Channel:               env.Channel,
		ChannelTenantID:       env.ChannelTenantID,
		ChannelConversationID: env.ChannelConversationID,
		Kind:                  models.OutboundError,
		Body:                  body,
	}
	_, _, err := p.outbox.Enqueue(outbox.EnqueueInput{
		Envelope:    outEnv,
		DedupeKey:   "request:" + env.RequestID + ":denied",
		MaxAttempts: defaultMaxAttempts[models.OutboundError],
	})
	if err != nil {
		return nil, err
	}
	return &Result{State: models.StateFailed, Reason: reason, Ack: body}, nil
}
