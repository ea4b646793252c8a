// Package policy implements scope authorization, assurance tiers, mutation
// kill-switches, and fixed-window rate limits for the command pipeline.
package policy

import (
	"github.com/mu-ops/mu/pkg/models"
)

// Mode is the caller-requested execution mode derived from the invocation
// prefix: `mu?` forces readonly, `mu!` forces mutation, `/mu` is neutral.
type Mode string

// Requested modes.
const (
	ModeAuto     Mode = ""
	ModeReadonly Mode = "readonly"
	ModeMutation Mode = "mutation"
)

// Rule is the per-command-key policy entry.
type Rule struct {
	Scopes               []string             `yaml:"scopes" json:"scopes"`
	Mutating             bool                 `yaml:"mutating" json:"mutating"`
	ConfirmationRequired bool                 `yaml:"confirmation_required" json:"confirmation_required"`
	MinAssuranceTier     models.AssuranceTier `yaml:"min_assurance_tier" json:"min_assurance_tier"`
	OpsClass             string               `yaml:"ops_class" json:"ops_class"`
}

// OverflowBehavior selects what happens when a rate window fills.
type OverflowBehavior string

// Overflow behaviors.
const (
	OverflowDefer OverflowBehavior = "defer"
	OverflowFail  OverflowBehavior = "fail"
)

// RateLimitWindow is the fixed-window mutation budget.
type RateLimitWindow struct {
	WindowMs     int64            `yaml:"window_ms" json:"window_ms"`
	ActorLimit   int              `yaml:"actor_limit" json:"actor_limit"`
	ChannelLimit int              `yaml:"channel_limit" json:"channel_limit"`
	Overflow     OverflowBehavior `yaml:"overflow_behavior" json:"overflow_behavior"`
	DeferMs      int64            `yaml:"defer_ms" json:"defer_ms"`
}

// Policy is the reloadable rule set plus the safety wrapping: kill-switches
// and the rate-limit window.
type Policy struct {
	Rules map[string]Rule `yaml:"rules" json:"rules"`

	MutationsDisabledGlobal bool                    `yaml:"mutations_disabled_global" json:"mutations_disabled_global"`
	ChannelKillSwitch       map[models.Channel]bool `yaml:"channel_kill_switch" json:"channel_kill_switch"`
	ClassKillSwitch         map[string]bool         `yaml:"class_kill_switch" json:"class_kill_switch"`

	RateLimit RateLimitWindow `yaml:"rate_limit" json:"rate_limit"`

	// Acceptance TTLs, policy-owned so `policy update` can tune them.
	IdempotencyTTLMs  int64 `yaml:"idempotency_ttl_ms" json:"idempotency_ttl_ms"`
	ConfirmationTTLMs int64 `yaml:"confirmation_ttl_ms" json:"confirmation_ttl_ms"`
}

// Clone deep-copies the policy so engine swaps never alias caller maps.
func (p *Policy) Clone() *Policy {
	out := *p
	out.Rules = make(map[string]Rule, len(p.Rules))
	for k, r := range p.Rules {
		r.Scopes = append([]string(nil), r.Scopes...)
		out.Rules[k] = r
	}
	out.ChannelKillSwitch = make(map[models.Channel]bool, len(p.ChannelKillSwitch))
	for k, v := range p.ChannelKillSwitch {
		out.ChannelKillSwitch[k] = v
	}
	out.ClassKillSwitch = make(map[string]bool, len(p.ClassKillSwitch))
	for k, v := range p.ClassKillSwitch {
		out.ClassKillSwitch[k] = v
	}
	return &out
}

// Default TTLs applied when a loaded policy leaves them zero.
const (
	DefaultIdempotencyTTLMs  = 15 * 60 * 1000
	DefaultConfirmationTTLMs = 10 * 60 * 1000
)

// Normalize fills zero-valued knobs with defaults.
func (p *Policy) Normalize() {
	if p.Rules == nil {
		p.Rules = map[string]Rule{}
	}
	if p.ChannelKillSwitch == nil {
		p.ChannelKillSwitch = map[models.Channel]bool{}
	}
	if p.ClassKillSwitch == nil {
		p.ClassKillSwitch = map[string]bool{}
	}
	if p.IdempotencyTTLMs <= 0 {
		p.IdempotencyTTLMs = DefaultIdempotencyTTLMs
	}
	if p.ConfirmationTTLMs <= 0 {
		p.ConfirmationTTLMs = DefaultConfirmationTTLMs
	}
	if p.RateLimit.Overflow == "" {
		p.RateLimit.Overflow = OverflowFail
	}
}
