// Package operator implements the operator tooling surface: audit lookups,
// dead-letter queue management, kill switches, rate-limit overrides, and
// policy reloads. Every action arrives as a regular pipeline command, so it
// is journaled and authorized like anything else.
package operator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mu-ops/mu/pkg/journal"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/outbox"
	"github.com/mu-ops/mu/pkg/pipeline"
	"github.com/mu-ops/mu/pkg/policy"
	"github.com/mu-ops/mu/pkg/telemetry"
)

// Tooling holds the handles the operator commands act on.
type Tooling struct {
	journal  *journal.Journal
	outbox   *outbox.Store
	engine   *policy.Engine
	counters *telemetry.Counters
	// loadPolicy re-reads the policy from its configured source.
	loadPolicy func() (*policy.Policy, error)
	logger     *slog.Logger
}

// New wires the tooling façade.
func New(j *journal.Journal, ob *outbox.Store, engine *policy.Engine,
	counters *telemetry.Counters, loadPolicy func() (*policy.Policy, error)) *Tooling {
	return &Tooling{
		journal:    j,
		outbox:     ob,
		engine:     engine,
		counters:   counters,
		loadPolicy: loadPolicy,
		logger:     slog.Default().With("component", "operator"),
	}
}

// RegisterHandlers binds every operator command key.
func (t *Tooling) RegisterHandlers(registry *pipeline.Registry) {
	registry.Register("status", t.handleStatus)
	registry.Register("ready", t.handleReady)
	registry.Register("audit get", t.handleAuditGet)
	registry.Register("dlq list", t.handleDLQList)
	registry.Register("dlq inspect", t.handleDLQInspect)
	registry.Register("dlq replay", t.handleDLQReplay)
	registry.Register("kill-switch set", t.handleKillSwitch)
	registry.Register("rate-limit override", t.handleRateLimit)
	registry.Register("policy update", t.handlePolicyUpdate)
}

func (t *Tooling) handleStatus(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
	return pipeline.Completed(map[string]any{
		"commands":       t.journal.Len(),
		"outbox_pending": t.outbox.PendingCount(),
		"dead_letters":   len(t.outbox.DeadLetters()),
		"counters":       t.counters.Snapshot(),
	})
}

func (t *Tooling) handleReady(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
	return pipeline.Completed(map[string]any{"ok": true})
}

// handleAuditGet renders the full journal trail for one command.
func (t *Tooling) handleAuditGet(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
	if record.TargetID == "" {
		return pipeline.Failed(models.ReasonCLIValidationFailed, map[string]any{"error": "audit get requires a command id"})
	}
	entries := t.journal.History(record.TargetID)
	if len(entries) == 0 {
		return pipeline.Failed(models.ReasonContextMissing, map[string]any{"command_id": record.TargetID})
	}

	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case models.JournalKindLifecycle:
			lines = append(lines, fmt.Sprintf("%d %s", e.AtMs, e.EventType))
		case models.JournalKindMutating:
			lines = append(lines, fmt.Sprintf("%d %s [%s]", e.AtMs, e.EventType, e.State))
		}
	}
	return pipeline.Completed(map[string]any{
		"command_id": record.TargetID,
		"entries":    len(entries),
		"trail":      strings.Join(lines, "\n"),
	})
}

func (t *Tooling) handleDLQList(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
	dead := t.outbox.DeadLetters()
	lines := make([]string, 0, len(dead))
	for _, r := range dead {
		lines = append(lines, fmt.Sprintf("%s %s/%s attempts=%d %s",
			r.OutboxID, r.Envelope.Channel, r.Envelope.Kind, r.AttemptCount, r.LastError))
	}
	return pipeline.Completed(map[string]any{
		"dead_letters": len(dead),
		"listing":      strings.Join(lines, "\n"),
	})
}

func (t *Tooling) handleDLQInspect(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
	if record.TargetID == "" {
		return pipeline.Failed(models.ReasonCLIValidationFailed, map[string]any{"error": "dlq inspect requires an outbox id"})
	}
	r, ok := t.outbox.Get(record.TargetID)
	if !ok {
		return pipeline.Failed(models.ReasonContextMissing, map[string]any{"outbox_id": record.TargetID})
	}
	return pipeline.Completed(map[string]any{
		"outbox_id":    r.OutboxID,
		"state":        string(r.State),
		"channel":      string(r.Envelope.Channel),
		"kind":         string(r.Envelope.Kind),
		"attempts":     r.AttemptCount,
		"max_attempts": r.MaxAttempts,
		"last_error":   r.LastError,
		"command_id":   r.Envelope.Correlation.CommandID,
		"body":         r.Envelope.Body,
	})
}

// handleDLQReplay re-enqueues a dead-letter record. The replay preserves the
// original correlation so the delivered message still traces to its command.
func (t *Tooling) handleDLQReplay(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
	if record.TargetID == "" {
		return pipeline.Failed(models.ReasonCLIValidationFailed, map[string]any{"error": "dlq replay requires an outbox id"})
	}
	replayed, err := t.outbox.Replay(record.TargetID)
	if err != nil {
		return pipeline.Failed(models.ReasonContextMissing, map[string]any{"error": err.Error()})
	}
	t.logger.Info("dead letter replayed", "source", record.TargetID, "replay", replayed.OutboxID)
	return pipeline.Outcome{
		Kind: models.StateCompleted,
		Result: map[string]any{
			"replayed_as": replayed.OutboxID,
			"replay_of":   record.TargetID,
		},
		Events: []models.ReplayMutationEvent{{
			EventType: "outbox.replayed",
			Payload:   map[string]any{"source_outbox_id": record.TargetID, "replay_outbox_id": replayed.OutboxID},
		}},
	}
}

// handleKillSwitch sets a mutation kill switch. Scope is "global", a channel
// name, or "class:<ops_class>"; the second argument is on or off.
func (t *Tooling) handleKillSwitch(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
	if len(record.CommandArgs) < 2 {
		return pipeline.Failed(models.ReasonCLIValidationFailed,
			map[string]any{"error": "kill-switch set requires <scope> <on|off>"})
	}
	scope := record.CommandArgs[0]
	var disabled bool
	switch record.CommandArgs[1] {
	case "on":
		disabled = true
	case "off":
		disabled = false
	default:
		return pipeline.Failed(models.ReasonCLIValidationFailed,
			map[string]any{"error": "kill-switch state must be on or off"})
	}

	switch {
	case scope == "global":
		t.engine.SetGlobalKillSwitch(disabled)
	case strings.HasPrefix(scope, "class:"):
		t.engine.SetClassKillSwitch(strings.TrimPrefix(scope, "class:"), disabled)
	case models.Channel(scope).IsValid():
		t.engine.SetChannelKillSwitch(models.Channel(scope), disabled)
	default:
		return pipeline.Failed(models.ReasonCLIValidationFailed,
			map[string]any{"error": "unknown kill-switch scope " + scope})
	}

	return pipeline.Outcome{
		Kind:   models.StateCompleted,
		Result: map[string]any{"scope": scope, "disabled": disabled},
		Events: []models.ReplayMutationEvent{{
			EventType: "safety.kill_switch_set",
			Payload:   map[string]any{"scope": scope, "disabled": disabled},
		}},
	}
}

// handleRateLimit replaces the rate window:
// rate-limit override <window_ms> <actor_limit> <channel_limit> [defer|fail] [defer_ms]
func (t *Tooling) handleRateLimit(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
	args := record.CommandArgs
	if len(args) < 3 {
		return pipeline.Failed(models.ReasonCLIValidationFailed,
			map[string]any{"error": "rate-limit override requires <window_ms> <actor_limit> <channel_limit>"})
	}
	windowMs, err1 := strconv.ParseInt(args[0], 10, 64)
	actorLimit, err2 := strconv.Atoi(args[1])
	channelLimit, err3 := strconv.Atoi(args[2])
	if err1 != nil || err2 != nil || err3 != nil || windowMs < 0 {
		return pipeline.Failed(models.ReasonCLIValidationFailed,
			map[string]any{"error": "rate-limit override arguments must be numeric"})
	}

	window := policy.RateLimitWindow{
		WindowMs:     windowMs,
		ActorLimit:   actorLimit,
		ChannelLimit: channelLimit,
		Overflow:     policy.OverflowFail,
	}
	if len(args) > 3 && args[3] == "defer" {
		window.Overflow = policy.OverflowDefer
		window.DeferMs = windowMs
		if len(args) > 4 {
			if deferMs, err := strconv.ParseInt(args[4], 10, 64); err == nil && deferMs > 0 {
				window.DeferMs = deferMs
			}
		}
	}
	t.engine.OverrideRateLimit(window)

	return pipeline.Outcome{
		Kind: models.StateCompleted,
		Result: map[string]any{
			"window_ms":     windowMs,
			"actor_limit":   actorLimit,
			"channel_limit": channelLimit,
			"overflow":      string(window.Overflow),
		},
		Events: []models.ReplayMutationEvent{{
			EventType: "safety.rate_limit_overridden",
			Payload:   map[string]any{"window_ms": windowMs, "actor_limit": actorLimit, "channel_limit": channelLimit},
		}},
	}
}

// handlePolicyUpdate re-reads the policy from its configured source and swaps
// it atomically. Rate-limit counters reset; deferred commands keep their
// scheduled retries.
func (t *Tooling) handlePolicyUpdate(ctx context.Context, record *models.CommandRecord) pipeline.Outcome {
	if t.loadPolicy == nil {
		return pipeline.Failed(models.ReasonOperatorActionDisallowed,
			map[string]any{"error": "no policy source configured"})
	}
	next, err := t.loadPolicy()
	if err != nil {
		return pipeline.Failed(models.ReasonCLIValidationFailed, map[string]any{"error": err.Error()})
	}
	t.engine.SetPolicy(next)
	return pipeline.Outcome{
		Kind:   models.StateCompleted,
		Result: map[string]any{"rules": len(next.Rules)},
		Events: []models.ReplayMutationEvent{{
			EventType: "policy.updated",
			Payload:   map[string]any{"rules": len(next.Rules)},
		}},
	}
}
