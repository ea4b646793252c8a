package pipeline

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/clirunner"
	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/run"
)

// cliRouted maps chat command keys to CLI command kinds. Everything here
// shells out to the mu binary through the allowlisted runner.
var cliRouted = map[string]string{
	"issue get":        "issue-get",
	"issue list":       "issue-list",
	"issue create":     "issue-create",
	"issue update":     "issue-update",
	"issue claim":      "issue-claim",
	"issue close":      "issue-close",
	"issue dep add":    "issue-dep-add",
	"issue dep remove": "issue-dep-remove",
	"forum read":       "forum-read",
	"forum post":       "forum-post",
}

// CLIKinds lists every CLI command kind the chat surface can route, in the
// form the runner allowlist expects.
func CLIKinds() []string {
	kinds := make([]string, 0, len(cliRouted))
	for _, kind := range cliRouted {
		kinds = append(kinds, kind)
	}
	return kinds
}

// EventAppender journals domain events correlated to a command. Satisfied by
// *journal.Journal; handlers run inside the mutation lane so appending here
// is safe.
type EventAppender interface {
	AppendMutating(record *models.CommandRecord, event models.ReplayMutationEvent) error
}

// RegisterCLIHandlers binds the CLI-routed command keys to the runner. The
// started event is journaled before the subprocess launches so a crash
// mid-invocation leaves an auditable launch marker.
func RegisterCLIHandlers(registry *Registry, runner clirunner.Runner, events EventAppender) {
	for key, kind := range cliRouted {
		key, kind := key, kind
		registry.Register(key, func(ctx context.Context, record *models.CommandRecord) Outcome {
			invocationID := uuid.NewString()
			if err := events.AppendMutating(record, models.ReplayMutationEvent{
				EventType: "cli.invocation.started",
				Payload:   map[string]any{"invocation_id": invocationID, "kind": kind},
			}); err != nil {
				return Failed(models.ReasonReplayHandlerError, map[string]any{"error": err.Error()})
			}

			argv := append(strings.Split(key, " "), record.CommandArgs...)
			inv, err := runner.Run(ctx, clirunner.InvocationPlan{
				InvocationID: invocationID,
				Argv:         argv,
				CommandKind:  kind,
			})
			if err != nil {
				return Failed(models.ReasonReplayHandlerError, map[string]any{"error": err.Error()})
			}

			out := Outcome{
				CLIInvocationID: inv.InvocationID,
				CLICommandKind:  inv.Kind,
				RunRootID:       inv.RunRootID,
			}
			if inv.ErrorCode != "" {
				out.Kind = models.StateFailed
				out.ErrorCode = inv.ErrorCode
				out.Result = map[string]any{"exit_code": inv.ExitCode, "stderr": trimOutput(inv.Stderr)}
				out.Events = append(out.Events, models.ReplayMutationEvent{
					EventType: "cli.invocation.failed",
					Payload:   map[string]any{"invocation_id": inv.InvocationID, "exit_code": inv.ExitCode, "error_code": inv.ErrorCode},
				})
				return out
			}
			out.Kind = models.StateCompleted
			out.Result = map[string]any{"output": trimOutput(inv.Stdout)}
			out.Events = append(out.Events, models.ReplayMutationEvent{
				EventType: "cli.invocation.completed",
				Payload:   map[string]any{"invocation_id": inv.InvocationID, "exit_code": 0},
			})
			return out
		})
	}
}

// maxInlineOutput bounds how much subprocess output rides in a result map.
const maxInlineOutput = 4000

func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxInlineOutput {
		return s[:maxInlineOutput] + "\n… truncated"
	}
	return s
}

// RunHandlerConfig tunes the run command handlers.
type RunHandlerConfig struct {
	DefaultMaxSteps int
}

// RegisterRunHandlers binds run start/resume/interrupt/list to the supervisor.
func RegisterRunHandlers(registry *Registry, supervisor *run.Supervisor, cfg RunHandlerConfig) {
	if cfg.DefaultMaxSteps <= 0 {
		cfg.DefaultMaxSteps = 20
	}

	registry.Register("run start", func(ctx context.Context, record *models.CommandRecord) Outcome {
		prompt, maxSteps := splitRunArgs(record.CommandArgs, cfg.DefaultMaxSteps)
		if prompt == "" {
			return Failed(models.ReasonCLIValidationFailed, map[string]any{"error": "run start requires a prompt"})
		}
		snapshot, err := supervisor.LaunchStart(ctx, run.StartInput{
			Prompt:    prompt,
			MaxSteps:  maxSteps,
			CommandID: record.CommandID,
			Source:    models.RunSourceCommand,
		})
		if err != nil {
			return Failed(models.ReasonReplayHandlerError, map[string]any{"error": err.Error()})
		}
		return Outcome{
			Kind:      models.StateCompleted,
			Result:    map[string]any{"job_id": snapshot.JobID, "status": string(snapshot.Status)},
			RunRootID: snapshot.RootIssueID,
			Events: []models.ReplayMutationEvent{{
				EventType: "run.launched",
				Payload:   map[string]any{"job_id": snapshot.JobID, "mode": string(snapshot.Mode), "max_steps": maxSteps},
			}},
		}
	})

	registry.Register("run resume", func(ctx context.Context, record *models.CommandRecord) Outcome {
		if record.TargetID == "" {
			return Failed(models.ReasonCLIValidationFailed, map[string]any{"error": "run resume requires a root issue id"})
		}
		_, maxSteps := splitRunArgs(record.CommandArgs[1:], cfg.DefaultMaxSteps)
		snapshot, err := supervisor.LaunchResume(ctx, run.ResumeInput{
			RootIssueID: record.TargetID,
			MaxSteps:    maxSteps,
			CommandID:   record.CommandID,
			Source:      models.RunSourceCommand,
		})
		if err != nil {
			return Failed(models.ReasonReplayHandlerError, map[string]any{"error": err.Error()})
		}
		return Outcome{
			Kind:      models.StateCompleted,
			Result:    map[string]any{"job_id": snapshot.JobID, "status": string(snapshot.Status)},
			RunRootID: record.TargetID,
			Events: []models.ReplayMutationEvent{{
				EventType: "run.launched",
				Payload:   map[string]any{"job_id": snapshot.JobID, "mode": string(snapshot.Mode), "root_issue_id": record.TargetID},
			}},
		}
	})

	registry.Register("run interrupt", func(ctx context.Context, record *models.CommandRecord) Outcome {
		if record.TargetID == "" {
			return Failed(models.ReasonCLIValidationFailed, map[string]any{"error": "run interrupt requires a job or root issue id"})
		}
		result := supervisor.Interrupt(run.InterruptInput{JobID: record.TargetID, RootIssueID: record.TargetID})
		if !result.OK {
			return Failed(models.ReasonContextMissing, map[string]any{"reason": result.Reason})
		}
		return Outcome{
			Kind:   models.StateCompleted,
			Result: map[string]any{"interrupted": record.TargetID},
			Events: []models.ReplayMutationEvent{{
				EventType: "run.interrupt_requested",
				Payload:   map[string]any{"target": record.TargetID},
			}},
		}
	})

	registry.Register("run list", func(ctx context.Context, record *models.CommandRecord) Outcome {
		snapshots := supervisor.List()
		lines := make([]string, 0, len(snapshots))
		for _, s := range snapshots {
			line := s.JobID + " " + string(s.Status)
			if s.RootIssueID != "" {
				line += " root=" + s.RootIssueID
			}
			if s.LastProgress != "" {
				line += " " + s.LastProgress
			}
			lines = append(lines, line)
		}
		return Completed(map[string]any{"runs": len(snapshots), "listing": strings.Join(lines, "\n")})
	})
}

// splitRunArgs separates the free-text prompt from a trailing --max-steps flag.
func splitRunArgs(args []string, defaultMaxSteps int) (prompt string, maxSteps int) {
	maxSteps = defaultMaxSteps
	var promptTokens []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--max-steps" && i+1 < len(args) {
			if n, err := strconv.Atoi(args[i+1]); err == nil && n > 0 {
				maxSteps = n
			}
			i++
			continue
		}
		promptTokens = append(promptTokens, args[i])
	}
	return strings.Join(promptTokens, " "), maxSteps
}

// RegisterIdentityHandlers binds the identity lifecycle commands. Each emits
// a replay-relevant domain event and applies the overlay to the live store;
// the identities file itself is owned by the CLI and stays read-only here.
func RegisterIdentityHandlers(registry *Registry, identities *identity.Store, nowMs func() int64) {
	registry.Register("link begin", func(ctx context.Context, record *models.CommandRecord) Outcome {
		return Completed(map[string]any{
			"instructions": "run `mu identity link " + record.ActorID + "` from a trusted shell to finish linking",
		})
	})

	registry.Register("link finish", func(ctx context.Context, record *models.CommandRecord) Outcome {
		if record.TargetID == "" {
			return Failed(models.ReasonCLIValidationFailed, map[string]any{"error": "link finish requires a link token"})
		}
		binding := identity.Binding{
			BindingID:     record.ActorBindingID,
			Channel:       record.Channel,
			ChannelTenant: record.ChannelTenantID,
			ActorID:       record.ActorID,
			AssuranceTier: record.AssuranceTier,
			CreatedAtMs:   nowMs(),
		}
		identities.Apply(binding)
		return Outcome{
			Kind:   models.StateCompleted,
			Result: map[string]any{"binding_id": binding.BindingID},
			Events: []models.ReplayMutationEvent{{
				EventType: "identity.linked",
				Payload: map[string]any{
					"binding_id":        binding.BindingID,
					"actor_id":          record.ActorID,
					"channel":           string(binding.Channel),
					"channel_tenant_id": binding.ChannelTenant,
					"assurance_tier":    string(binding.AssuranceTier),
					"created_at_ms":     binding.CreatedAtMs,
				},
			}},
		}
	})

	registry.Register("unlink self", func(ctx context.Context, record *models.CommandRecord) Outcome {
		binding, ok := identities.Resolve(record.ActorBindingID)
		if !ok {
			return Failed(models.ReasonIdentityNotLinked, nil)
		}
		revoked := *binding
		revoked.Revoked = true
		identities.Apply(revoked)
		return Outcome{
			Kind:   models.StateCompleted,
			Result: map[string]any{"unlinked": record.ActorBindingID},
			Events: []models.ReplayMutationEvent{{
				EventType: "identity.revoked",
				Payload:   map[string]any{"binding_id": record.ActorBindingID, "by": "self"},
			}},
		}
	})

	registry.Register("revoke", func(ctx context.Context, record *models.CommandRecord) Outcome {
		if record.TargetID == "" {
			return Failed(models.ReasonCLIValidationFailed, map[string]any{"error": "revoke requires a binding id"})
		}
		binding, ok := identities.Resolve(record.TargetID)
		if !ok {
			return Failed(models.ReasonContextMissing, map[string]any{"binding_id": record.TargetID})
		}
		revoked := *binding
		revoked.Revoked = true
		identities.Apply(revoked)
		return Outcome{
			Kind:   models.StateCompleted,
			Result: map[string]any{"revoked": record.TargetID},
			Events: []models.ReplayMutationEvent{{
				EventType: "identity.revoked",
				Payload:   map[string]any{"binding_id": record.TargetID, "by": record.ActorBindingID},
			}},
		}
	})

	registry.Register("grant scope", func(ctx context.Context, record *models.CommandRecord) Outcome {
		if len(record.CommandArgs) < 2 {
			return Failed(models.ReasonCLIValidationFailed, map[string]any{"error": "grant scope requires <binding_id> <scope>"})
		}
		bindingID, scope := record.CommandArgs[0], record.CommandArgs[1]
		binding, ok := identities.Resolve(bindingID)
		if !ok {
			return Failed(models.ReasonContextMissing, map[string]any{"binding_id": bindingID})
		}
		granted := *binding
		if !granted.HasScope(scope) {
			granted.Scopes = append(append([]string(nil), granted.Scopes...), scope)
		}
		identities.Apply(granted)
		return Outcome{
			Kind:   models.StateCompleted,
			Result: map[string]any{"binding_id": bindingID, "scope": scope},
			Events: []models.ReplayMutationEvent{{
				EventType: "identity.scope_granted",
				Payload:   map[string]any{"binding_id": bindingID, "scope": scope},
			}},
		}
	})
}

// EventLister exposes journaled domain events by type prefix. Satisfied by
// *journal.Journal.
type EventLister interface {
	EventsByType(prefix string) []models.JournalEntry
}

// RestoreIdentityOverlay replays journaled identity events over the bindings
// loaded from identities.jsonl. The file stays read-only at runtime; links,
// revocations, and scope grants made through chat survive restarts by folding
// the journal at boot, newest entry winning.
func RestoreIdentityOverlay(events EventLister, identities *identity.Store) {
	for _, entry := range events.EventsByType("identity.") {
		bindingID := payloadString(entry.Payload, "binding_id")
		if bindingID == "" {
			continue
		}
		switch entry.EventType {
		case "identity.linked":
			identities.Apply(identity.Binding{
				BindingID:     bindingID,
				Channel:       models.Channel(payloadString(entry.Payload, "channel")),
				ChannelTenant: payloadString(entry.Payload, "channel_tenant_id"),
				ActorID:       payloadString(entry.Payload, "actor_id"),
				AssuranceTier: models.AssuranceTier(payloadString(entry.Payload, "assurance_tier")),
				CreatedAtMs:   payloadInt64(entry.Payload, "created_at_ms"),
			})
		case "identity.revoked":
			binding, ok := identities.Resolve(bindingID)
			if !ok {
				continue
			}
			revoked := *binding
			revoked.Revoked = true
			identities.Apply(revoked)
		case "identity.scope_granted":
			binding, ok := identities.Resolve(bindingID)
			if !ok {
				continue
			}
			scope := payloadString(entry.Payload, "scope")
			if scope == "" || binding.HasScope(scope) {
				continue
			}
			granted := *binding
			granted.Scopes = append(append([]string(nil), granted.Scopes...), scope)
			identities.Apply(granted)
		}
	}
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// payloadInt64 tolerates both in-process int64 values and float64 from a
// JSON round trip.
func payloadInt64(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}
