package programs

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/pipeline"
)

// SystemBindingID is the identity used by synthetic program wakes.
const SystemBindingID = "system:programs"

// SystemScopes is everything the scheduler identity may do; program commands
// needing more are a configuration error.
var SystemScopes = []string{"ops:read", "ops:write", "issues:write", "runs:write"}

// PipelineDispatcher submits program wakes to the command pipeline as
// synthetic envelopes under the scheduler identity.
type PipelineDispatcher struct {
	pipeline *pipeline.Pipeline
	repoRoot string
	nowMs    func() int64
}

// NewPipelineDispatcher wires wake dispatch into the pipeline and registers
// the scheduler identity so its commands authorize.
func NewPipelineDispatcher(p *pipeline.Pipeline, identities *identity.Store, repoRoot string, nowMs func() int64) *PipelineDispatcher {
	identities.Apply(identity.Binding{
		BindingID:     SystemBindingID,
		Channel:       channelForWakes,
		ActorID:       SystemBindingID,
		Scopes:        append([]string(nil), SystemScopes...),
		AssuranceTier: models.TierA,
		CreatedAtMs:   nowMs(),
	})
	return &PipelineDispatcher{pipeline: p, repoRoot: repoRoot, nowMs: nowMs}
}

// DispatchWake implements Dispatcher. The idempotency key couples the
// program's dedupe key to its scheduled fire time, so delivery retries of the
// same firing coalesce while distinct firings do not.
func (d *PipelineDispatcher) DispatchWake(ctx context.Context, wake Wake) WakeResult {
	env := &models.InboundEnvelope{
		V:                     models.EnvelopeVersion,
		ReceivedAtMs:          d.nowMs(),
		RequestID:             uuid.NewString(),
		DeliveryID:            wake.DedupeKey + ":" + strconv.FormatInt(wake.FireAtMs, 10),
		Channel:               channelForWakes,
		ChannelConversationID: wake.DedupeKey,
		ActorID:               SystemBindingID,
		ActorBindingID:        SystemBindingID,
		AssuranceTier:         models.TierA,
		RepoRoot:              d.repoRoot,
		CommandText:           wake.Command,
		IdempotencyKey:        wake.DedupeKey + ":" + strconv.FormatInt(wake.FireAtMs, 10),
		Fingerprint: models.Fingerprint(channelForWakes, "", wake.DedupeKey,
			SystemBindingID, wake.Command),
		Metadata: map[string]any{
			"program_kind": string(wake.Kind),
			"program_id":   wake.ProgramID,
		},
	}

	result, err := d.pipeline.HandleInbound(ctx, env)
	if err != nil {
		return WakeResult{Status: WakeFailed, Reason: err.Error()}
	}
	switch {
	case result.Duplicate:
		return WakeResult{Status: WakeCoalesced, CommandID: commandID(result)}
	case result.Record == nil:
		return WakeResult{Status: WakeFailed, Reason: result.Reason}
	case result.State == models.StateFailed && result.Record != nil:
		return WakeResult{Status: WakeFailed, CommandID: result.Record.CommandID, Reason: result.Reason}
	default:
		return WakeResult{Status: WakeOK, CommandID: result.Record.CommandID}
	}
}

func commandID(result *pipeline.Result) string {
	if result.Record != nil {
		return result.Record.CommandID
	}
	return ""
}
