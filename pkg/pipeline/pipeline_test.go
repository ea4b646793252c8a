package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/idempotency"
	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/journal"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/outbox"
	"github.com/mu-ops/mu/pkg/policy"
	"github.com/mu-ops/mu/pkg/serial"
	"github.com/mu-ops/mu/pkg/telemetry"
)

type pipeClock struct {
	now int64
}

func (c *pipeClock) nowMs() int64 { return c.now }

type pipeHarness struct {
	clk    *pipeClock
	pipe   *Pipeline
	jnl    *journal.Journal
	ob     *outbox.Store
	ids    *identity.Store
	engine *policy.Engine
}

func testPipelinePolicy() *policy.Policy {
	return &policy.Policy{
		Rules: map[string]policy.Rule{
			"status":       {Scopes: []string{"ops:read"}},
			"issue list":   {Scopes: []string{"issues:read"}},
			"issue create": {Scopes: []string{"issues:write"}, Mutating: true, OpsClass: "issue_mutation"},
			"issue close":  {Scopes: []string{"issues:write"}, Mutating: true, ConfirmationRequired: true, OpsClass: "issue_mutation"},
		},
		RateLimit:         policy.RateLimitWindow{WindowMs: 60000, ActorLimit: 10, ChannelLimit: 20, Overflow: policy.OverflowFail},
		ConfirmationTTLMs: 60000,
	}
}

func newHarness(t *testing.T, pol *policy.Policy) *pipeHarness {
	t.Helper()
	dir := t.TempDir()
	clk := &pipeClock{now: 1000}

	jnl, err := journal.Open(dir, clk.nowMs)
	require.NoError(t, err)
	t.Cleanup(func() { jnl.Close() })

	ledger, err := idempotency.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	ids, err := identity.Open(dir)
	require.NoError(t, err)
	ids.Apply(identity.Binding{
		BindingID:     "bind-u1",
		Channel:       models.ChannelSlack,
		ChannelTenant: "T1",
		ActorID:       "U1",
		Scopes:        []string{"ops:read", "issues:read", "issues:write"},
		AssuranceTier: models.TierA,
	})
	ids.Apply(identity.Binding{
		BindingID:     "bind-u2",
		Channel:       models.ChannelSlack,
		ChannelTenant: "T1",
		ActorID:       "U2",
		Scopes:        []string{"ops:read"},
		AssuranceTier: models.TierB,
	})

	ob, err := outbox.Open(dir, clk.nowMs)
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })

	engine := policy.NewEngine(pol)
	registry := NewRegistry()
	registry.Register("status", func(ctx context.Context, record *models.CommandRecord) Outcome {
		return Completed(map[string]any{"generation": "1"})
	})
	registry.Register("issue create", func(ctx context.Context, record *models.CommandRecord) Outcome {
		return Completed(map[string]any{"issue_id": "mu-9"})
	})
	registry.Register("issue close", func(ctx context.Context, record *models.CommandRecord) Outcome {
		return Completed(map[string]any{"closed": record.TargetID})
	})

	pipe := New(jnl, ledger, ids, engine, serial.NewExecutor(), ob, registry,
		telemetry.NewCounters(), clk.nowMs)
	return &pipeHarness{clk: clk, pipe: pipe, jnl: jnl, ob: ob, ids: ids, engine: engine}
}

func (h *pipeHarness) submit(t *testing.T, bindingID, text, idemKey, fingerprint string) *Result {
	t.Helper()
	actorID := "U1"
	if bindingID == "bind-u2" {
		actorID = "U2"
	}
	env := &models.InboundEnvelope{
		V:                     models.EnvelopeVersion,
		ReceivedAtMs:          h.clk.now,
		RequestID:             "req-" + idemKey,
		Channel:               models.ChannelSlack,
		ChannelTenantID:       "T1",
		ChannelConversationID: "C1",
		ActorID:               actorID,
		ActorBindingID:        bindingID,
		AssuranceTier:         models.TierA,
		RepoRoot:              "/repo",
		CommandText:           text,
		IdempotencyKey:        idemKey,
		Fingerprint:           fingerprint,
	}
	result, err := h.pipe.HandleInbound(context.Background(), env)
	require.NoError(t, err)
	return result
}

func TestReadonlyCommandExecutes(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	result := h.submit(t, "bind-u1", "/mu status", "k1", "fp:status")
	require.NotNil(t, result.Record)
	assert.Equal(t, models.StateCompleted, result.State)
	assert.Equal(t, "STATUS · COMPLETED", result.Ack)
	assert.False(t, result.Duplicate)

	states := h.jnl.States(result.Record.CommandID)
	assert.Equal(t, []models.CommandState{
		models.StateAccepted, models.StateQueued, models.StateInProgress, models.StateCompleted,
	}, states)

	due := h.ob.Due(h.clk.now)
	require.Len(t, due, 1)
	assert.Equal(t, models.OutboundResult, due[0].Envelope.Kind)
	assert.Contains(t, due[0].Envelope.Body, "STATUS · COMPLETED")
	assert.Equal(t, result.Record.CommandID, due[0].Envelope.Correlation.CommandID)
}

func TestDuplicateSubmissionFoldsOntoOriginal(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	first := h.submit(t, "bind-u1", "/mu status", "k1", "fp:status")
	second := h.submit(t, "bind-u1", "/mu status", "k1", "fp:status")

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Record.CommandID, second.Record.CommandID)
	assert.Equal(t, models.StateCompleted, second.State)
	assert.Equal(t, 1, h.jnl.Len())
}

func TestIdempotencyConflictFailsClosed(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	h.submit(t, "bind-u1", "/mu status", "k1", "fp:status")
	result := h.submit(t, "bind-u1", "/mu issue list", "k1", "fp:issue-list")

	assert.Nil(t, result.Record)
	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, models.ReasonIdempotencyConflict, result.Reason)
	assert.Equal(t, 1, h.jnl.Len())
}

func TestDenyUnlinkedIdentity(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	result := h.submit(t, "unlinked:slack:U9", "/mu status", "k1", "fp:status")
	assert.Nil(t, result.Record)
	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, models.ReasonIdentityNotLinked, result.Reason)
	assert.Zero(t, h.jnl.Len())

	// The denial still answers through the outbox.
	due := h.ob.Due(h.clk.now)
	require.Len(t, due, 1)
	assert.Equal(t, models.OutboundError, due[0].Envelope.Kind)
}

func TestAuthorizationDenials(t *testing.T) {
	tests := []struct {
		name    string
		binding string
		text    string
		reason  string
	}{
		{"unmapped command", "bind-u1", "/mu frobnicate the widget", models.ReasonUnmappedCommand},
		{"readonly mode on mutation", "bind-u1", "mu? issue create x", models.ReasonReadonlyModeMutation},
		{"mutation mode on readonly", "bind-u1", "mu! status", models.ReasonMutationModeNonMutating},
		{"missing scope", "bind-u2", "/mu issue create x", models.ReasonMissingScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testPipelinePolicy())
			result := h.submit(t, tt.binding, tt.text, "k1", "fp:x")
			assert.Nil(t, result.Record)
			assert.Equal(t, models.StateFailed, result.State)
			assert.Equal(t, tt.reason, result.Reason)
			assert.Zero(t, h.jnl.Len())
		})
	}
}

func TestConfirmationRequiredThenConfirm(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	pending := h.submit(t, "bind-u1", "/mu issue close mu-1", "k1", "fp:close")
	require.NotNil(t, pending.Record)
	assert.Equal(t, models.StateAwaitingConfirmation, pending.State)
	require.NotNil(t, pending.Record.ConfirmationExpiresAtMs)
	assert.Equal(t, h.clk.now+60000, *pending.Record.ConfirmationExpiresAtMs)

	confirmed := h.submit(t, "bind-u1", "mu confirm "+pending.Record.CommandID, "k2", "fp:confirm")
	require.NotNil(t, confirmed.Record)
	assert.Equal(t, models.StateCompleted, confirmed.State)

	states := h.jnl.States(pending.Record.CommandID)
	assert.Equal(t, []models.CommandState{
		models.StateAccepted, models.StateAwaitingConfirmation,
		models.StateQueued, models.StateInProgress, models.StateCompleted,
	}, states)
}

func TestConfirmRequiresOriginalActor(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	pending := h.submit(t, "bind-u1", "/mu issue close mu-1", "k1", "fp:close")
	result := h.submit(t, "bind-u2", "mu confirm "+pending.Record.CommandID, "k2", "fp:confirm")
	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, models.ReasonConfirmationInvalidActor, result.Reason)

	got, ok := h.jnl.Get(pending.Record.CommandID)
	require.True(t, ok)
	assert.Equal(t, models.StateAwaitingConfirmation, got.State)
}

func TestCancelPendingIsIdempotent(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	pending := h.submit(t, "bind-u1", "/mu issue close mu-1", "k1", "fp:close")
	cancelled := h.submit(t, "bind-u1", "mu cancel "+pending.Record.CommandID, "k2", "fp:cancel")
	assert.Equal(t, models.StateCancelled, cancelled.State)

	again := h.submit(t, "bind-u1", "mu cancel "+pending.Record.CommandID, "k3", "fp:cancel2")
	assert.Equal(t, models.StateCancelled, again.State)
	assert.Empty(t, again.Reason)
}

func TestConfirmAfterExpiryExpires(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	pending := h.submit(t, "bind-u1", "/mu issue close mu-1", "k1", "fp:close")
	h.clk.now += 61000

	result := h.submit(t, "bind-u1", "mu confirm "+pending.Record.CommandID, "k2", "fp:confirm")
	assert.Equal(t, models.StateExpired, result.State)
	assert.Equal(t, models.ReasonConfirmationExpired, result.Reason)
}

func TestSweepExpiresOverdueConfirmations(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	pending := h.submit(t, "bind-u1", "/mu issue close mu-1", "k1", "fp:close")
	h.clk.now += 61000
	h.pipe.Sweep(context.Background())

	got, ok := h.jnl.Get(pending.Record.CommandID)
	require.True(t, ok)
	assert.Equal(t, models.StateExpired, got.State)
	assert.Equal(t, models.ReasonConfirmationExpired, got.ErrorCode)
}

func TestRateLimitDefersAndSweepPromotes(t *testing.T) {
	pol := testPipelinePolicy()
	pol.RateLimit = policy.RateLimitWindow{
		WindowMs: 60000, ActorLimit: 1, Overflow: policy.OverflowDefer, DeferMs: 30000,
	}
	h := newHarness(t, pol)

	first := h.submit(t, "bind-u1", "/mu issue create alpha", "k1", "fp:a")
	assert.Equal(t, models.StateCompleted, first.State)

	deferred := h.submit(t, "bind-u1", "/mu issue create beta", "k2", "fp:b")
	require.NotNil(t, deferred.Record)
	assert.Equal(t, models.StateDeferred, deferred.State)
	assert.Equal(t, models.ReasonBackpressureDeferred, deferred.Reason)
	require.NotNil(t, deferred.Record.RetryAtMs)
	assert.Equal(t, h.clk.now+30000, *deferred.Record.RetryAtMs)

	// Past both the retry time and the saturated window.
	h.clk.now += 61000
	h.pipe.Sweep(context.Background())

	got, ok := h.jnl.Get(deferred.Record.CommandID)
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, got.State)
}

func TestGlobalKillSwitchDeniesBeforeAcceptance(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())
	h.engine.SetGlobalKillSwitch(true)

	result := h.submit(t, "bind-u1", "/mu issue create alpha", "k1", "fp:a")
	assert.Nil(t, result.Record)
	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, models.ReasonMutationsDisabledGlobal, result.Reason)
	assert.Zero(t, h.jnl.Len())

	// Readonly commands keep flowing.
	status := h.submit(t, "bind-u1", "/mu status", "k2", "fp:s")
	assert.Equal(t, models.StateCompleted, status.State)
}

func TestReconcileOnBootSettlesStaleCommands(t *testing.T) {
	h := newHarness(t, testPipelinePolicy())

	stale := &models.CommandRecord{
		CommandID: "cmd-stale", Channel: models.ChannelSlack, ChannelConversationID: "C1",
		ActorID: "U1", ActorBindingID: "bind-u1", AssuranceTier: models.TierA,
		TargetType: "issue create", IdempotencyKey: "k-stale", Fingerprint: "fp:stale",
		RequestID: "req-stale", CommandText: "/mu issue create x",
		State: models.StateAccepted, CreatedAtMs: 500, UpdatedAtMs: 500,
	}
	require.NoError(t, h.jnl.AppendLifecycle(stale, "command.accepted"))
	queued, err := h.jnl.Transition(stale, models.StateQueued, journal.TransitionOptions{})
	require.NoError(t, err)
	_, err = h.jnl.Transition(queued, models.StateInProgress, journal.TransitionOptions{})
	require.NoError(t, err)

	never := &models.CommandRecord{
		CommandID: "cmd-queued", Channel: models.ChannelSlack, ChannelConversationID: "C1",
		ActorID: "U1", ActorBindingID: "bind-u1", AssuranceTier: models.TierA,
		TargetType: "status", IdempotencyKey: "k-q", Fingerprint: "fp:q",
		RequestID: "req-q", CommandText: "/mu status",
		State: models.StateAccepted, CreatedAtMs: 600, UpdatedAtMs: 600,
	}
	require.NoError(t, h.jnl.AppendLifecycle(never, "command.accepted"))
	_, err = h.jnl.Transition(never, models.StateQueued, journal.TransitionOptions{})
	require.NoError(t, err)

	require.NoError(t, h.pipe.ReconcileOnBoot(context.Background()))

	got, ok := h.jnl.Get("cmd-stale")
	require.True(t, ok)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.ReasonReconcileAmbiguous, got.ErrorCode)

	got, ok = h.jnl.Get("cmd-queued")
	require.True(t, ok)
	assert.Equal(t, models.StateCompleted, got.State)
}

func TestUnregisteredHandlerFailsCommand(t *testing.T) {
	pol := testPipelinePolicy()
	pol.Rules["audit get"] = policy.Rule{Scopes: []string{"ops:read"}}
	h := newHarness(t, pol)

	result := h.submit(t, "bind-u1", "/mu audit get cmd-1", "k1", "fp:a")
	require.NotNil(t, result.Record)
	assert.Equal(t, models.StateFailed, result.State)
	assert.Equal(t, models.ReasonUnmappedCommand, result.Record.ErrorCode)
}
