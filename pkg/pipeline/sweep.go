package pipeline

import (
	"context"

	"github.com/mu-ops/mu/pkg/journal"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/policy"
)

// Sweep promotes deferred commands whose retry time has passed and expires
// overdue confirmations. Installed as the outbox dispatcher's per-poll hook.
func (p *Pipeline) Sweep(ctx context.Context) {
	err := p.executor.Run(ctx, func() error {
		return p.sweepLocked(ctx)
	})
	if err != nil {
		p.logger.Error("sweep failed", "error", err)
	}
}

func (p *Pipeline) sweepLocked(ctx context.Context) error {
	now := p.nowMs()
	for _, record := range p.journal.NonTerminal() {
		switch record.State {
		case models.StateDeferred:
			if record.RetryAtMs == nil || now < *record.RetryAtMs {
				continue
			}
			if err := p.promoteDeferredLocked(ctx, record); err != nil {
				return err
			}
		case models.StateAwaitingConfirmation:
			if record.ConfirmationExpiresAtMs == nil || now < *record.ConfirmationExpiresAtMs {
				continue
			}
			expired, err := p.journal.Transition(record, models.StateExpired, journal.TransitionOptions{
				ErrorCode:    models.ReasonConfirmationExpired,
				ErrorCodeSet: true,
			})
			if err != nil {
				return err
			}
			p.finishLocked(expired, models.ReasonConfirmationExpired)
		}
	}
	return nil
}

// promoteDeferredLocked re-runs the safety gate for one due deferred command.
// Allow executes it; a still-saturated window re-defers through queued.
func (p *Pipeline) promoteDeferredLocked(ctx context.Context, record *models.CommandRecord) error {
	now := p.nowMs()
	rule, ok := p.engine.Rule(record.TargetType)
	opsClass := rule.OpsClass
	mutating := ok && rule.Mutating

	if mutating {
		safety := p.engine.EvaluateMutationSafety(policy.SafetyInput{
			Channel:        record.Channel,
			ActorBindingID: record.ActorBindingID,
			OpsClass:       opsClass,
			NowMs:          now,
		})
		switch safety.Verdict {
		case policy.SafetyDefer:
			queued, err := p.journal.Transition(record, models.StateQueued, journal.TransitionOptions{})
			if err != nil {
				return err
			}
			redeferred, err := p.journal.Transition(queued, models.StateDeferred, journal.TransitionOptions{
				ErrorCode:    safety.Reason,
				ErrorCodeSet: true,
				RetryAtMs:    &safety.RetryAtMs,
			})
			if err != nil {
				return err
			}
			p.finishLocked(redeferred, safety.Reason)
			return nil
		case policy.SafetyDeny:
			queued, err := p.journal.Transition(record, models.StateQueued, journal.TransitionOptions{})
			if err != nil {
				return err
			}
			inProgress, err := p.journal.Transition(queued, models.StateInProgress, journal.TransitionOptions{})
			if err != nil {
				return err
			}
			failed, err := p.journal.Transition(inProgress, models.StateFailed, journal.TransitionOptions{
				ErrorCode:    safety.Reason,
				ErrorCodeSet: true,
			})
			if err != nil {
				return err
			}
			p.finishLocked(failed, safety.Reason)
			return nil
		}
	}

	final, err := p.executeLocked(ctx, record)
	if err != nil {
		return err
	}
	p.finishLocked(final, final.ErrorCode)
	return nil
}

// ReconcileOnBoot settles commands left non-terminal by a previous process.
// Stale in_progress commands fail ambiguous (the side effect may or may not
// have happened); queued commands never started and are safe to execute.
// Deferred and awaiting_confirmation commands are left for the sweep.
func (p *Pipeline) ReconcileOnBoot(ctx context.Context) error {
	return p.executor.Run(ctx, func() error {
		for _, record := range p.journal.NonTerminal() {
			switch record.State {
			case models.StateInProgress:
				failed, err := p.journal.Transition(record, models.StateFailed, journal.TransitionOptions{
					ErrorCode:    models.ReasonReconcileAmbiguous,
					ErrorCodeSet: true,
				})
				if err != nil {
					return err
				}
				p.finishLocked(failed, models.ReasonReconcileAmbiguous)
				p.logger.Warn("reconciled stale in-progress command",
					"command_id", record.CommandID, "command", record.TargetType)
			case models.StateQueued:
				final, err := p.executeLocked(ctx, record)
				if err != nil {
					return err
				}
				p.finishLocked(final, final.ErrorCode)
			}
		}
		return nil
	})
}
