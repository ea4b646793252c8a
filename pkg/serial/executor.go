// Package serial owns the single mutation lane: a FIFO one-at-a-time executor
// and the per-repo writer lock. Every journal append, idempotency claim,
// outbox enqueue, and rate-limit decision runs through here.
package serial

import (
	"context"
	"sync"
)

// Executor serializes mutation closures. run(fn) waits for the in-flight task,
// runs fn, then releases. Strict FIFO and never re-entrant: calling Run from
// inside a running fn deadlocks by construction and is a bug.
type Executor struct {
	mu    sync.Mutex
	guard func() error

	// Instrumentation for the serial-ordering invariant.
	statsMu       sync.Mutex
	inFlight      int
	maxConcurrent int
	completed     int64
}

// NewExecutor creates the serialized mutation executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// SetGuard installs a precondition checked on every Run, typically the writer
// lock's AssertHeld. Must be set before the lane takes traffic.
func (e *Executor) SetGuard(fn func() error) {
	e.guard = fn
}

// Run executes fn exclusively. The context is observed before fn starts; once
// fn is running it is never interrupted mid-mutation.
func (e *Executor) Run(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.guard != nil {
		if err := e.guard(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.statsMu.Lock()
	e.inFlight++
	if e.inFlight > e.maxConcurrent {
		e.maxConcurrent = e.inFlight
	}
	e.statsMu.Unlock()

	err := fn()

	e.statsMu.Lock()
	e.inFlight--
	e.completed++
	e.statsMu.Unlock()

	return err
}

// Stats reports observed concurrency for invariant checks.
type Stats struct {
	MaxConcurrent int
	Completed     int64
}

// Stats returns the executor's concurrency observations.
func (e *Executor) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{MaxConcurrent: e.maxConcurrent, Completed: e.completed}
}
