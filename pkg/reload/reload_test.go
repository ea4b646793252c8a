package reload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/telemetry"
)

func fixedNow(ms int64) func() int64 {
	return func() int64 { return ms }
}

type hookTrace struct {
	mu     sync.Mutex
	events []string
}

func (h *hookTrace) record(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *hookTrace) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func TestReloadSuccessAdvancesGeneration(t *testing.T) {
	trace := &hookTrace{}
	s := NewSupervisor(Hooks{
		Warmup: func(ctx context.Context) (any, error) {
			trace.record("warmup")
			return "cfg-v2", nil
		},
		Cutover: func(ctx context.Context, warmed any) error {
			trace.record("cutover")
			assert.Equal(t, "cfg-v2", warmed)
			return nil
		},
		Drain: func(ctx context.Context, old Generation) error {
			trace.record("drain")
			assert.Equal(t, int64(1), old.GenerationSeq)
			return nil
		},
	}, Config{}, telemetry.NewCounters(), fixedNow(1000))

	before := s.Current()
	assert.Equal(t, int64(1), before.GenerationSeq)

	attempt, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, attempt.Phase)
	assert.Equal(t, int64(1), attempt.FromSeq)
	assert.Equal(t, int64(2), attempt.ToSeq)
	assert.False(t, attempt.ForcedStop)
	assert.Equal(t, []string{"warmup", "cutover", "drain"}, trace.all())

	after := s.Current()
	assert.Equal(t, int64(2), after.GenerationSeq)
	assert.NotEqual(t, before.GenerationID, after.GenerationID)

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, attempt.AttemptID, history[0].AttemptID)
}

func TestReloadWarmupFailureKeepsGeneration(t *testing.T) {
	cutoverCalled := false
	s := NewSupervisor(Hooks{
		Warmup: func(ctx context.Context) (any, error) {
			return nil, errors.New("policy file unparsable")
		},
		Cutover: func(ctx context.Context, warmed any) error {
			cutoverCalled = true
			return nil
		},
	}, Config{}, telemetry.NewCounters(), fixedNow(1000))

	attempt, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, attempt.Phase)
	assert.Equal(t, "warmup_failed: policy file unparsable", attempt.Reason)
	assert.False(t, attempt.RollbackAttempted)
	assert.False(t, cutoverCalled)
	assert.Equal(t, int64(1), s.Current().GenerationSeq)
}

func TestReloadCutoverFailureRollsBack(t *testing.T) {
	rolledBack := false
	s := NewSupervisor(Hooks{
		Warmup:  func(ctx context.Context) (any, error) { return "cfg", nil },
		Cutover: func(ctx context.Context, warmed any) error { return errors.New("swap refused") },
		Rollback: func(ctx context.Context) error {
			rolledBack = true
			return nil
		},
	}, Config{}, telemetry.NewCounters(), fixedNow(1000))

	attempt, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, attempt.Phase)
	assert.Equal(t, "cutover_failed: swap refused", attempt.Reason)
	assert.True(t, attempt.RollbackAttempted)
	assert.True(t, rolledBack)
	assert.Equal(t, int64(1), s.Current().GenerationSeq)
}

func TestReloadDrainTimeoutForcesStop(t *testing.T) {
	s := NewSupervisor(Hooks{
		Warmup:  func(ctx context.Context) (any, error) { return "cfg", nil },
		Cutover: func(ctx context.Context, warmed any) error { return nil },
		Drain: func(ctx context.Context, old Generation) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, Config{DrainTimeout: 50 * time.Millisecond}, telemetry.NewCounters(), fixedNow(1000))

	attempt, err := s.Reload(context.Background())
	require.NoError(t, err)
	// The swap already happened; a slow drain degrades, it does not abort.
	assert.Equal(t, PhaseCompleted, attempt.Phase)
	assert.True(t, attempt.ForcedStop)
	assert.Equal(t, int64(2), s.Current().GenerationSeq)
}

func TestReloadRejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := NewSupervisor(Hooks{
		Warmup: func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "cfg", nil
		},
		Cutover: func(ctx context.Context, warmed any) error { return nil },
	}, Config{}, telemetry.NewCounters(), fixedNow(1000))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Reload(context.Background())
		assert.NoError(t, err)
	}()

	<-started
	_, err := s.Reload(context.Background())
	assert.ErrorIs(t, err, ErrReloadInFlight)
	_, err = s.Rollback(context.Background())
	assert.ErrorIs(t, err, ErrReloadInFlight)

	close(release)
	<-done
}

func TestManualRollbackAdvancesSequence(t *testing.T) {
	s := NewSupervisor(Hooks{
		Rollback: func(ctx context.Context) error { return nil },
	}, Config{}, telemetry.NewCounters(), fixedNow(1000))

	attempt, err := s.Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, attempt.Phase)
	assert.True(t, attempt.Manual)
	assert.True(t, attempt.RollbackAttempted)
	assert.Equal(t, int64(2), s.Current().GenerationSeq)
}

func TestManualRollbackFailure(t *testing.T) {
	s := NewSupervisor(Hooks{
		Rollback: func(ctx context.Context) error { return errors.New("no previous generation to roll back to") },
	}, Config{}, telemetry.NewCounters(), fixedNow(1000))

	attempt, err := s.Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, attempt.Phase)
	assert.Contains(t, attempt.Reason, "no previous generation")
	assert.Equal(t, int64(1), s.Current().GenerationSeq)
}

func TestManualRollbackWithoutHook(t *testing.T) {
	s := NewSupervisor(Hooks{}, Config{}, telemetry.NewCounters(), fixedNow(1000))

	attempt, err := s.Rollback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, attempt.Phase)
	assert.Equal(t, "no rollback hook configured", attempt.Reason)
	assert.False(t, attempt.RollbackAttempted)
}
