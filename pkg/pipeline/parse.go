// Package pipeline implements the command pipeline: parsing, policy
// authorization, safety gating, idempotent claim, journaling, and routing of
// inbound control-plane commands through the serialized mutation lane.
package pipeline

import (
	"strings"

	"github.com/mu-ops/mu/pkg/policy"
)

// commandKeys is the full addressable command surface, longest key first so
// that multi-token commands ("issue dep add") win over their prefixes.
var commandKeys = []string{
	"issue dep remove",
	"issue dep add",
	"rate-limit override",
	"kill-switch set",
	"policy update",
	"grant scope",
	"link begin",
	"link finish",
	"unlink self",
	"audit get",
	"dlq inspect",
	"dlq replay",
	"dlq list",
	"forum read",
	"forum post",
	"run start",
	"run resume",
	"run interrupt",
	"run list",
	"issue create",
	"issue update",
	"issue claim",
	"issue close",
	"issue list",
	"issue get",
	"status",
	"ready",
	"revoke",
}

// ParsedCommand is the normalized form of one inbound command text.
type ParsedCommand struct {
	// Key is the matched command key ("issue close"), empty when unmapped.
	Key string
	// Mode carries the invocation-prefix intent (mu! / mu? / neutral).
	Mode policy.Mode
	// Args are the tokens following the key.
	Args []string
	// TargetID is the first argument when present, the conventional slot for
	// issue ids, command ids, and run root ids.
	TargetID string
	// Confirmation is set for the confirm/cancel fast path.
	Confirmation *ConfirmationRequest
}

// ConfirmationRequest addresses a pending command by id.
type ConfirmationRequest struct {
	// Verb is "confirm" or "cancel".
	Verb      string
	CommandID string
}

// ParseCommandText normalizes one raw chat message into a ParsedCommand.
// Accepted prefixes: "/mu" and "mu" (neutral), "mu!" (mutation intent),
// "mu?" (readonly intent). Text without a recognized prefix is treated as
// already stripped, which is how editor bridges submit.
func ParseCommandText(text string) ParsedCommand {
	tokens := strings.Fields(text)
	parsed := ParsedCommand{Mode: policy.ModeAuto}
	if len(tokens) == 0 {
		return parsed
	}

	switch tokens[0] {
	case "/mu", "mu":
		tokens = tokens[1:]
	case "mu!":
		parsed.Mode = policy.ModeMutation
		tokens = tokens[1:]
	case "mu?":
		parsed.Mode = policy.ModeReadonly
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return parsed
	}

	if tokens[0] == "confirm" || tokens[0] == "cancel" {
		req := &ConfirmationRequest{Verb: tokens[0]}
		if len(tokens) > 1 {
			req.CommandID = tokens[1]
		}
		parsed.Confirmation = req
		return parsed
	}

	joined := strings.Join(tokens, " ")
	for _, key := range commandKeys {
		if joined == key || strings.HasPrefix(joined, key+" ") {
			parsed.Key = key
			rest := strings.TrimSpace(strings.TrimPrefix(joined, key))
			if rest != "" {
				parsed.Args = strings.Fields(rest)
				parsed.TargetID = parsed.Args[0]
			}
			return parsed
		}
	}
	return parsed
}
