package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/mu-ops/mu/pkg/models"
)

// Outcome is what a command handler reports back to the pipeline. Kind must
// be one of completed, failed, cancelled, or deferred; the pipeline performs
// the journal transition.
type Outcome struct {
	Kind      models.CommandState
	Result    map[string]any
	ErrorCode string
	// RetryAtMs applies when Kind is deferred.
	RetryAtMs int64
	// Events are replay-relevant domain events journaled before the terminal
	// lifecycle transition.
	Events []models.ReplayMutationEvent

	// Correlation enrichment discovered during execution.
	CLIInvocationID string
	CLICommandKind  string
	RunRootID       string
}

// Completed builds a successful outcome.
func Completed(result map[string]any) Outcome {
	return Outcome{Kind: models.StateCompleted, Result: result}
}

// Failed builds a failed outcome with a reason code.
func Failed(errorCode string, result map[string]any) Outcome {
	return Outcome{Kind: models.StateFailed, ErrorCode: errorCode, Result: result}
}

// Handler executes one command. Mutating handlers run inside the serialized
// mutation lane; readonly handlers run on the caller.
type Handler func(ctx context.Context, record *models.CommandRecord) Outcome

// Registry maps command keys to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a command key, replacing any previous binding.
func (r *Registry) Register(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Lookup returns the handler for a key.
func (r *Registry) Lookup(key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// invoke runs a handler, converting a panic into a failed outcome so one bad
// handler cannot take down the mutation lane.
func (r *Registry) invoke(ctx context.Context, key string, record *models.CommandRecord) (out Outcome) {
	h, ok := r.Lookup(key)
	if !ok {
		return Failed(models.ReasonUnmappedCommand, nil)
	}
	defer func() {
		if rec := recover(); rec != nil {
			out = Failed(models.ReasonReplayHandlerError,
				map[string]any{"panic": fmt.Sprintf("%v", rec)})
		}
	}()
	return h(ctx, record)
}
