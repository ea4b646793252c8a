package pipeline

import (
	"context"

	"github.com/mu-ops/mu/pkg/journal"
	"github.com/mu-ops/mu/pkg/models"
)

// cancellableStates are the states a cancel verb may collapse. Cancelling an
// in_progress command is the run supervisor's job, not the pipeline's.
var cancellableStates = map[models.CommandState]bool{
	models.StateAccepted:             true,
	models.StateAwaitingConfirmation: true,
	models.StateQueued:               true,
	models.StateDeferred:             true,
}

// handleConfirmation resolves "confirm <id>" and "cancel <id>". Both verbs
// require the same actor binding that submitted the original command.
func (p *Pipeline) handleConfirmation(ctx context.Context, env *models.InboundEnvelope, req *ConfirmationRequest) (*Result, error) {
	if _, ok := p.identities.Resolve(env.ActorBindingID); !ok {
		return p.deny(ctx, env, req.Verb, models.ReasonIdentityNotLinked)
	}
	if req.CommandID == "" {
		return p.deny(ctx, env, req.Verb, models.ReasonContextMissing)
	}

	var result *Result
	err := p.executor.Run(ctx, func() error {
		var innerErr error
		result, innerErr = p.confirmLocked(ctx, env, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Pipeline) confirmLocked(ctx context.Context, env *models.InboundEnvelope, req *ConfirmationRequest) (*Result, error) {
	record, ok := p.journal.Get(req.CommandID)
	if !ok {
		return p.denyLocked(env, req.Verb, models.ReasonContextMissing)
	}
	if record.ActorBindingID != env.ActorBindingID {
		return p.denyLocked(env, req.Verb, models.ReasonConfirmationInvalidActor)
	}

	if req.Verb == "cancel" {
		if !cancellableStates[record.State] {
			// Idempotent for already-settled commands, an error otherwise.
			reason := ""
			if !record.State.IsTerminal() {
				reason = models.ReasonInvalidTransition
			}
			return &Result{
				Record: record,
				State:  record.State,
				Reason: reason,
				Ack:    Ack(record.TargetType, record.State, reason),
			}, nil
		}
		cancelled, err := p.journal.Transition(record, models.StateCancelled, journal.TransitionOptions{})
		if err != nil {
			return nil, err
		}
		return p.finishLocked(cancelled, ""), nil
	}

	// confirm
	if record.State.IsTerminal() {
		return &Result{
			Record: record,
			State:  record.State,
			Reason: record.ErrorCode,
			Ack:    Ack(record.TargetType, record.State, record.ErrorCode),
		}, nil
	}
	if record.State != models.StateAwaitingConfirmation {
		return p.denyLocked(env, req.Verb, models.ReasonInvalidTransition)
	}

	now := p.nowMs()
	if record.ConfirmationExpiresAtMs != nil && now >= *record.ConfirmationExpiresAtMs {
		expired, err := p.journal.Transition(record, models.StateExpired, journal.TransitionOptions{
			ErrorCode:    models.ReasonConfirmationExpired,
			ErrorCodeSet: true,
		})
		if err != nil {
			return nil, err
		}
		return p.finishLocked(expired, models.ReasonConfirmationExpired), nil
	}

	final, err := p.executeLocked(ctx, record)
	if err != nil {
		return nil, err
	}
	return p.finishLocked(final, final.ErrorCode), nil
}
