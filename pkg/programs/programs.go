// Package programs keeps the heartbeat and cron program registries and wakes
// the pipeline when a program fires. Programs are in-memory, managed over the
// HTTP API and chat commands; firing history lives in the command journal
// like any other command.
package programs

import (
	"context"
	"fmt"
	"time"

	"github.com/mu-ops/mu/pkg/models"
)

// ScheduleType tags the cron program schedule union.
type ScheduleType string

// Schedule types.
const (
	ScheduleAt    ScheduleType = "at"
	ScheduleEvery ScheduleType = "every"
	ScheduleCron  ScheduleType = "cron"
)

// Schedule is the tagged schedule union for cron programs.
type Schedule struct {
	Type ScheduleType `json:"type" yaml:"type"`
	// AtMs fires once at an absolute time.
	AtMs int64 `json:"at_ms,omitempty" yaml:"at_ms,omitempty"`
	// EveryMs fires on a fixed period anchored at AnchorMs.
	EveryMs  int64 `json:"every_ms,omitempty" yaml:"every_ms,omitempty"`
	AnchorMs int64 `json:"anchor_ms,omitempty" yaml:"anchor_ms,omitempty"`
	// Expr is a five-field cron expression evaluated in TZ (default UTC).
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`
	TZ   string `json:"tz,omitempty" yaml:"tz,omitempty"`
}

// Validate checks the schedule shape and compiles the cron expression.
func (s *Schedule) Validate() error {
	switch s.Type {
	case ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires at_ms")
		}
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive every_ms")
		}
	case ScheduleCron:
		if _, err := parseCron(s.Expr); err != nil {
			return err
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("unknown timezone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule type %q", s.Type)
	}
	return nil
}

// NextFire computes the first firing strictly after nowMs, 0 when none.
func (s *Schedule) NextFire(nowMs int64) int64 {
	switch s.Type {
	case ScheduleAt:
		if s.AtMs > nowMs {
			return s.AtMs
		}
		return 0
	case ScheduleEvery:
		anchor := s.AnchorMs
		if anchor > nowMs {
			return anchor
		}
		elapsed := nowMs - anchor
		return anchor + (elapsed/s.EveryMs+1)*s.EveryMs
	case ScheduleCron:
		expr, err := parseCron(s.Expr)
		if err != nil {
			return 0
		}
		loc := time.UTC
		if s.TZ != "" {
			if l, lerr := time.LoadLocation(s.TZ); lerr == nil {
				loc = l
			}
		}
		next := expr.next(time.UnixMilli(nowMs), loc)
		if next.IsZero() {
			return 0
		}
		return next.UnixMilli()
	default:
		return 0
	}
}

// HeartbeatProgram wakes the pipeline on a fixed period while enabled.
type HeartbeatProgram struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	EveryMs int64  `json:"every_ms" yaml:"every_ms"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
	// Reason annotates why the heartbeat exists; surfaced in listings.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	// Prompt is the command text each tick dispatches. Empty means a plain
	// status ping.
	Prompt      string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	LastFiredMs int64          `json:"last_fired_ms,omitempty" yaml:"-"`
}

// Validate checks the program shape.
func (p *HeartbeatProgram) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("heartbeat program requires an id")
	}
	if p.EveryMs <= 0 {
		return fmt.Errorf("heartbeat program %s requires a positive every_ms", p.ID)
	}
	return nil
}

// wakeCommand is the command text a tick dispatches.
func (p *HeartbeatProgram) wakeCommand() string {
	if p.Prompt != "" {
		return p.Prompt
	}
	return "status"
}

// CronProgram fires its target command per its schedule while enabled.
type CronProgram struct {
	ID       string   `json:"id" yaml:"id"`
	Title    string   `json:"title,omitempty" yaml:"title,omitempty"`
	Schedule Schedule `json:"schedule" yaml:"schedule"`
	// Target is the command text dispatched when the schedule fires.
	Target      string         `json:"target" yaml:"target"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	WakeMode    string         `json:"wake_mode,omitempty" yaml:"wake_mode,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	NextFireMs  int64          `json:"next_fire_ms,omitempty" yaml:"-"`
	LastFiredMs int64          `json:"last_fired_ms,omitempty" yaml:"-"`
}

// Validate checks the program shape and schedule.
func (p *CronProgram) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("cron program requires an id")
	}
	if p.Target == "" {
		return fmt.Errorf("cron program %s requires a target", p.ID)
	}
	if err := p.Schedule.Validate(); err != nil {
		return fmt.Errorf("cron program %s: %w", p.ID, err)
	}
	return nil
}

// WakeKind distinguishes the two program families.
type WakeKind string

// Wake kinds.
const (
	WakeHeartbeat WakeKind = "heartbeat"
	WakeCron      WakeKind = "cron"
)

// Wake is one program firing handed to the dispatcher.
type Wake struct {
	Kind      WakeKind
	ProgramID string
	Command   string
	// DedupeKey is stable per program: "heartbeat-program:<id>" or
	// "cron-program:<id>".
	DedupeKey string
	FireAtMs  int64
}

// WakeStatus classifies a dispatch.
type WakeStatus string

// Wake dispatch statuses.
const (
	WakeOK        WakeStatus = "ok"
	WakeCoalesced WakeStatus = "coalesced"
	WakeFailed    WakeStatus = "failed"
)

// WakeResult reports one dispatch.
type WakeResult struct {
	Status    WakeStatus
	CommandID string
	Reason    string
}

// Dispatcher delivers wakes into the command pipeline.
type Dispatcher interface {
	DispatchWake(ctx context.Context, wake Wake) WakeResult
}

// DedupeKey builds the stable per-program dedupe key.
func DedupeKey(kind WakeKind, programID string) string {
	return string(kind) + "-program:" + programID
}

// channelForWakes is the surface synthetic wake envelopes claim; editor
// bridge semantics fit an internal origin best.
const channelForWakes = models.ChannelNeovim
