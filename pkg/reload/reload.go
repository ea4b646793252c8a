// Package reload implements generation-scoped configuration reload: warm up
// the next generation off to the side, cut over atomically, then drain the
// old generation. Failures before cutover leave the running generation
// untouched; failures during cutover roll back.
package reload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/telemetry"
)

// ErrReloadInFlight rejects overlapping reload attempts.
var ErrReloadInFlight = errors.New("a reload attempt is already in flight")

// Generation identifies one configuration epoch.
type Generation struct {
	GenerationID  string `json:"generation_id"`
	GenerationSeq int64  `json:"generation_seq"`
	StartedAtMs   int64  `json:"started_at_ms"`
}

// AttemptPhase is the reload attempt lifecycle.
type AttemptPhase string

// Attempt phases.
const (
	PhasePlanned   AttemptPhase = "planned"
	PhaseSwapped   AttemptPhase = "swapped"
	PhaseCompleted AttemptPhase = "completed"
	PhaseFailed    AttemptPhase = "failed"
)

// Failure reasons recorded on failed attempts.
const (
	FailureWarmup  = "warmup_failed"
	FailureCutover = "cutover_failed"
)

// Attempt is the durable record of one reload.
type Attempt struct {
	AttemptID         string       `json:"attempt_id"`
	FromSeq           int64        `json:"from_seq"`
	ToSeq             int64        `json:"to_seq"`
	Phase             AttemptPhase `json:"phase"`
	Reason            string       `json:"reason,omitempty"`
	RollbackAttempted bool         `json:"rollback_attempted,omitempty"`
	ForcedStop        bool         `json:"forced_stop,omitempty"`
	Manual            bool         `json:"manual,omitempty"`
	StartedAtMs       int64        `json:"started_at_ms"`
	FinishedAtMs      int64        `json:"finished_at_ms,omitempty"`
	DrainDurationMs   int64        `json:"drain_duration_ms,omitempty"`
}

// Hooks are the generation lifecycle callbacks supplied by the server.
type Hooks struct {
	// Warmup builds the next generation's resources without touching the
	// live one. Its return value is handed to Cutover.
	Warmup func(ctx context.Context) (any, error)
	// Cutover swaps the warmed resources into the live path.
	Cutover func(ctx context.Context, warmed any) error
	// Drain retires the previous generation. A context deadline bounds it.
	Drain func(ctx context.Context, old Generation) error
	// Rollback restores the previous generation after a failed cutover or on
	// a manual rollback request.
	Rollback func(ctx context.Context) error
}

// Config tunes the supervisor.
type Config struct {
	DrainTimeout time.Duration
}

// Supervisor owns the current generation and serializes reload attempts.
type Supervisor struct {
	hooks    Hooks
	counters *telemetry.Counters
	nowMs    func() int64
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	current  Generation
	inFlight bool
	history  []Attempt
}

// NewSupervisor creates the supervisor with generation 1 active.
func NewSupervisor(hooks Hooks, cfg Config, counters *telemetry.Counters, nowMs func() int64) *Supervisor {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Supervisor{
		hooks:    hooks,
		counters: counters,
		nowMs:    nowMs,
		timeout:  cfg.DrainTimeout,
		logger:   slog.Default().With("component", "reload"),
		current: Generation{
			GenerationID:  uuid.NewString(),
			GenerationSeq: 1,
			StartedAtMs:   nowMs(),
		},
	}
}

// Current returns the active generation.
func (s *Supervisor) Current() Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// History returns past attempts, oldest first.
func (s *Supervisor) History() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attempt(nil), s.history...)
}

func (s *Supervisor) begin(manual bool) (*Attempt, Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return nil, Generation{}, ErrReloadInFlight
	}
	s.inFlight = true
	attempt := &Attempt{
		AttemptID:   uuid.NewString(),
		FromSeq:     s.current.GenerationSeq,
		ToSeq:       s.current.GenerationSeq + 1,
		Phase:       PhasePlanned,
		Manual:      manual,
		StartedAtMs: s.nowMs(),
	}
	return attempt, s.current, nil
}

func (s *Supervisor) finish(attempt *Attempt, next *Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt.FinishedAtMs = s.nowMs()
	if next != nil {
		s.current = *next
	}
	s.history = append(s.history, *attempt)
	s.inFlight = false
}

// Reload runs one warmup→cutover→drain cycle. The old generation keeps
// serving until cutover succeeds.
func (s *Supervisor) Reload(ctx context.Context) (Attempt, error) {
	attempt, old, err := s.begin(false)
	if err != nil {
		return Attempt{}, err
	}
	s.logger.Info("reload planned", "attempt_id", attempt.AttemptID, "from_seq", attempt.FromSeq)

	warmed, err := s.hooks.Warmup(ctx)
	if err != nil {
		attempt.Phase = PhaseFailed
		attempt.Reason = FailureWarmup + ": " + err.Error()
		s.counters.Inc(telemetry.CounterReloadFailure)
		s.finish(attempt, nil)
		s.logger.Error("reload warmup failed", "attempt_id", attempt.AttemptID, "error", err)
		return *attempt, nil
	}

	if err := s.hooks.Cutover(ctx, warmed); err != nil {
		attempt.Phase = PhaseFailed
		attempt.Reason = FailureCutover + ": " + err.Error()
		if s.hooks.Rollback != nil {
			attempt.RollbackAttempted = true
			if rbErr := s.hooks.Rollback(ctx); rbErr != nil {
				s.logger.Error("rollback after failed cutover also failed",
					"attempt_id", attempt.AttemptID, "error", rbErr)
			}
		}
		s.counters.Inc(telemetry.CounterReloadFailure)
		s.finish(attempt, nil)
		s.logger.Error("reload cutover failed", "attempt_id", attempt.AttemptID, "error", err)
		return *attempt, nil
	}

	attempt.Phase = PhaseSwapped
	next := Generation{
		GenerationID:  uuid.NewString(),
		GenerationSeq: attempt.ToSeq,
		StartedAtMs:   s.nowMs(),
	}
	s.logger.Info("generation cut over",
		"attempt_id", attempt.AttemptID, "generation_id", next.GenerationID, "seq", next.GenerationSeq)

	drainStart := s.nowMs()
	if s.hooks.Drain != nil {
		drainCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.hooks.Drain(drainCtx, old)
		cancel()
		if err != nil {
			attempt.ForcedStop = true
			s.logger.Warn("drain forced stop", "attempt_id", attempt.AttemptID, "error", err)
		}
	}
	attempt.DrainDurationMs = s.nowMs() - drainStart
	s.counters.Add(telemetry.CounterReloadDrainDuration, attempt.DrainDurationMs)

	attempt.Phase = PhaseCompleted
	s.counters.Inc(telemetry.CounterReloadSuccess)
	s.finish(attempt, &next)
	s.logger.Info("reload completed",
		"attempt_id", attempt.AttemptID, "drain_ms", attempt.DrainDurationMs, "forced_stop", attempt.ForcedStop)
	return *attempt, nil
}

// Rollback manually restores the previous generation's configuration. It
// advances the generation sequence: a rollback is a new epoch, not time
// travel.
func (s *Supervisor) Rollback(ctx context.Context) (Attempt, error) {
	attempt, _, err := s.begin(true)
	if err != nil {
		return Attempt{}, err
	}
	if s.hooks.Rollback == nil {
		attempt.Phase = PhaseFailed
		attempt.Reason = "no rollback hook configured"
		s.counters.Inc(telemetry.CounterReloadFailure)
		s.finish(attempt, nil)
		return *attempt, nil
	}

	attempt.RollbackAttempted = true
	if err := s.hooks.Rollback(ctx); err != nil {
		attempt.Phase = PhaseFailed
		attempt.Reason = err.Error()
		s.counters.Inc(telemetry.CounterReloadFailure)
		s.finish(attempt, nil)
		s.logger.Error("manual rollback failed", "attempt_id", attempt.AttemptID, "error", err)
		return *attempt, nil
	}

	attempt.Phase = PhaseCompleted
	next := Generation{
		GenerationID:  uuid.NewString(),
		GenerationSeq: attempt.ToSeq,
		StartedAtMs:   s.nowMs(),
	}
	s.counters.Inc(telemetry.CounterReloadSuccess)
	s.finish(attempt, &next)
	s.logger.Info("manual rollback completed", "attempt_id", attempt.AttemptID, "seq", next.GenerationSeq)
	return *attempt, nil
}
