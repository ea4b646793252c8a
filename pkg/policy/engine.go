package policy

import (
	"log/slog"
	"sync"

	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/models"
)

// AuthorizeInput is one authorization request.
type AuthorizeInput struct {
	CommandKey    string
	Binding       *identity.Binding
	RequestedMode Mode
}

// Decision is the outcome of authorization.
type Decision struct {
	Allow          bool
	Reason         string
	EffectiveScope string
	Rule           Rule
}

// SafetyInput is one mutation-safety evaluation.
type SafetyInput struct {
	Channel        models.Channel
	ActorBindingID string
	OpsClass       string
	NowMs          int64
}

// SafetyVerdict classifies a safety decision.
type SafetyVerdict string

// Safety verdicts.
const (
	SafetyAllow SafetyVerdict = "allow"
	SafetyDeny  SafetyVerdict = "deny"
	SafetyDefer SafetyVerdict = "defer"
)

// SafetyDecision is the outcome of the mutation gate.
type SafetyDecision struct {
	Verdict   SafetyVerdict
	Reason    string
	RetryAtMs int64
}

type windowKey struct {
	scope string // binding id or channel name
	start int64
}

// Engine evaluates policy. Rate-limit counters are in-memory and must only be
// touched inside the serialized mutation lane; the internal mutex additionally
// guards policy swaps against concurrent readonly reads.
type Engine struct {
	mu       sync.RWMutex
	policy   *Policy
	actorWin map[windowKey]int
	chanWin  map[windowKey]int
	logger   *slog.Logger
}

// NewEngine creates an engine with the given starting policy.
func NewEngine(p *Policy) *Engine {
	p = p.Clone()
	p.Normalize()
	return &Engine{
		policy:   p,
		actorWin: make(map[windowKey]int),
		chanWin:  make(map[windowKey]int),
		logger:   slog.Default().With("component", "policy"),
	}
}

// Policy returns the active policy snapshot.
func (e *Engine) Policy() *Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy.Clone()
}

// Rule looks up the rule for a command key.
func (e *Engine) Rule(commandKey string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.policy.Rules[commandKey]
	return rule, ok
}

// SetPolicy atomically replaces the rule set and resets rate-limit counters.
// In-flight deferred commands keep their scheduled retry time.
func (e *Engine) SetPolicy(next *Policy) {
	next = next.Clone()
	next.Normalize()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = next
	e.actorWin = make(map[windowKey]int)
	e.chanWin = make(map[windowKey]int)
	e.logger.Info("policy replaced", "rules", len(next.Rules))
}

// SetGlobalKillSwitch toggles the global mutation kill-switch in place.
func (e *Engine) SetGlobalKillSwitch(disabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.MutationsDisabledGlobal = disabled
	e.logger.Info("global mutation kill-switch set", "disabled", disabled)
}

// SetChannelKillSwitch toggles mutations for one channel.
func (e *Engine) SetChannelKillSwitch(channel models.Channel, disabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.ChannelKillSwitch[channel] = disabled
	e.logger.Info("channel mutation kill-switch set", "channel", channel, "disabled", disabled)
}

// SetClassKillSwitch toggles mutations for one ops class.
func (e *Engine) SetClassKillSwitch(opsClass string, disabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy.ClassKillSwitch[opsClass] = disabled
	e.logger.Info("class mutation kill-switch set", "ops_class", opsClass, "disabled", disabled)
}

// OverrideRateLimit swaps the rate window and clears counters, mirroring the
// atomic reset semantics of SetPolicy.
func (e *Engine) OverrideRateLimit(window RateLimitWindow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if window.Overflow == "" {
		window.Overflow = OverflowFail
	}
	e.policy.RateLimit = window
	e.actorWin = make(map[windowKey]int)
	e.chanWin = make(map[windowKey]int)
	e.logger.Info("rate limit overridden",
		"window_ms", window.WindowMs, "actor_limit", window.ActorLimit, "channel_limit", window.ChannelLimit)
}

// AuthorizeCommand checks rule mapping, mode, scopes, and assurance tier.
func (e *Engine) AuthorizeCommand(in AuthorizeInput) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rule, ok := e.policy.Rules[in.CommandKey]
	if !ok {
		return Decision{Reason: models.ReasonUnmappedCommand}
	}

	switch in.RequestedMode {
	case ModeReadonly:
		if rule.Mutating {
			return Decision{Reason: models.ReasonReadonlyModeMutation, Rule: rule}
		}
	case ModeMutation:
		if !rule.Mutating {
			return Decision{Reason: models.ReasonMutationModeNonMutating, Rule: rule}
		}
	}

	for _, scope := range rule.Scopes {
		if !in.Binding.HasScope(scope) {
			return Decision{Reason: models.ReasonMissingScope, Rule: rule}
		}
	}

	if in.Binding.AssuranceTier.Rank() < rule.MinAssuranceTier.Rank() {
		return Decision{Reason: models.ReasonAssuranceTierTooLow, Rule: rule}
	}

	return Decision{
		Allow:          true,
		EffectiveScope: rule.Scopes[0],
		Rule:           rule,
	}
}

// EvaluateMutationSafety runs the kill-switch chain and the fixed-window rate
// counters. On allow, both counters are incremented. Must run inside the
// serialized mutation lane.
func (e *Engine) EvaluateMutationSafety(in SafetyInput) SafetyDecision {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.policy
	if p.MutationsDisabledGlobal {
		return SafetyDecision{Verdict: SafetyDeny, Reason: models.ReasonMutationsDisabledGlobal}
	}
	if !in.Channel.IsValid() || p.ChannelKillSwitch[in.Channel] {
		return SafetyDecision{Verdict: SafetyDeny, Reason: models.ReasonMutationsDisabledChannel}
	}
	if p.ClassKillSwitch[in.OpsClass] {
		return SafetyDecision{Verdict: SafetyDeny, Reason: models.ReasonMutationsDisabledClass}
	}

	win := p.RateLimit
	if win.WindowMs <= 0 {
		return SafetyDecision{Verdict: SafetyAllow}
	}

	start := in.NowMs - in.NowMs%win.WindowMs
	actorKey := windowKey{scope: in.ActorBindingID, start: start}
	chanKey := windowKey{scope: string(in.Channel), start: start}

	actorFull := win.ActorLimit > 0 && e.actorWin[actorKey] >= win.ActorLimit
	chanFull := win.ChannelLimit > 0 && e.chanWin[chanKey] >= win.ChannelLimit
	if actorFull || chanFull {
		if win.Overflow == OverflowDefer {
			return SafetyDecision{
				Verdict:   SafetyDefer,
				Reason:    models.ReasonBackpressureDeferred,
				RetryAtMs: in.NowMs + win.DeferMs,
			}
		}
		return SafetyDecision{Verdict: SafetyDeny, Reason: models.ReasonBackpressureOverflow}
	}

	e.actorWin[actorKey]++
	e.chanWin[chanKey]++
	return SafetyDecision{Verdict: SafetyAllow}
}
