package serial

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorRunsSerially(t *testing.T) {
	e := NewExecutor()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.Run(context.Background(), func() error { return nil })
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats := e.Stats()
	assert.Equal(t, 1, stats.MaxConcurrent)
	assert.Equal(t, int64(50), stats.Completed)
}

func TestExecutorPropagatesError(t *testing.T) {
	e := NewExecutor()
	boom := errors.New("boom")
	err := e.Run(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestExecutorGuardBlocksRun(t *testing.T) {
	e := NewExecutor()
	lock := NewWriterLock(t.TempDir(), "/repo", "owner", func() int64 { return 0 })
	e.SetGuard(lock.AssertHeld)

	ran := false
	err := e.Run(context.Background(), func() error {
		ran = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, ran)

	require.NoError(t, lock.Acquire())
	defer lock.Release()
	require.NoError(t, e.Run(context.Background(), func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestExecutorObservesCancelledContext(t *testing.T) {
	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := e.Run(ctx, func() error {
		ran = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
	assert.Equal(t, int64(0), e.Stats().Completed)
}
