package journal

import (
	"github.com/mu-ops/mu/pkg/models"
)

// TransitionOptions carries the optional effects of one lifecycle transition.
type TransitionOptions struct {
	ErrorCode string
	// ErrorCodeSet distinguishes "explicitly keep/set error_code" from the
	// completed-state default of clearing it.
	ErrorCodeSet bool

	// Result replaces the stored result when non-nil.
	Result map[string]any

	// RetryAtMs must be set when transitioning to deferred.
	RetryAtMs *int64

	// ConfirmationExpiresAtMs must be set when entering awaiting_confirmation.
	ConfirmationExpiresAtMs *int64

	// OverrideAttempt suppresses the queued→in_progress increment during replay.
	OverrideAttempt *int
}

// Transition validates and applies one lifecycle arrow, returning the updated
// record. The input record is not mutated. Illegal arrows return
// *models.InvalidCommandTransitionError and produce no change.
func Transition(record *models.CommandRecord, next models.CommandState, nowMs int64, opts TransitionOptions) (*models.CommandRecord, error) {
	if record.State.IsTerminal() || !record.State.CanTransitionTo(next) {
		return nil, &models.InvalidCommandTransitionError{
			CommandID: record.CommandID,
			From:      record.State,
			To:        next,
		}
	}

	out := record.Clone()
	from := out.State
	out.State = next
	out.UpdatedAtMs = nowMs

	if from == models.StateQueued && next == models.StateInProgress {
		if opts.OverrideAttempt != nil {
			out.Attempt = *opts.OverrideAttempt
		} else {
			out.Attempt++
		}
	}

	if next.IsTerminal() {
		t := nowMs
		out.TerminalAtMs = &t
	} else {
		out.TerminalAtMs = nil
	}

	if next == models.StateAwaitingConfirmation {
		out.ConfirmationExpiresAtMs = opts.ConfirmationExpiresAtMs
	} else {
		out.ConfirmationExpiresAtMs = nil
	}

	if next == models.StateDeferred {
		out.RetryAtMs = opts.RetryAtMs
	} else {
		out.RetryAtMs = nil
	}

	switch {
	case opts.ErrorCodeSet:
		out.ErrorCode = opts.ErrorCode
	case next == models.StateCompleted:
		// Completed defaults to a clean error code unless explicitly supplied.
		out.ErrorCode = ""
	}

	if opts.Result != nil {
		out.Result = opts.Result
	}

	return out, nil
}
