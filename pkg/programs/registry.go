package programs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TickRecorder observes every wake dispatch outcome, durable recording is
// the caller's concern.
type TickRecorder func(wake Wake, result WakeResult)

// Registry holds both program families and drives their firing loop.
type Registry struct {
	dispatcher Dispatcher
	nowMs      func() int64
	interval   time.Duration
	logger     *slog.Logger
	recorder   TickRecorder

	mu         sync.RWMutex
	heartbeats map[string]*HeartbeatProgram
	crons      map[string]*CronProgram

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates the program registry. tickInterval defaults to one
// second; firing precision is bounded by it.
func NewRegistry(dispatcher Dispatcher, nowMs func() int64, tickInterval time.Duration) *Registry {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	return &Registry{
		dispatcher: dispatcher,
		nowMs:      nowMs,
		interval:   tickInterval,
		logger:     slog.Default().With("component", "programs"),
		heartbeats: make(map[string]*HeartbeatProgram),
		crons:      make(map[string]*CronProgram),
		stopCh:     make(chan struct{}),
	}
}

// SetTickRecorder installs the tick outcome observer. Must be set before
// Start.
func (r *Registry) SetTickRecorder(fn TickRecorder) {
	r.recorder = fn
}

// UpsertHeartbeat adds or replaces a heartbeat program. A disabled program
// keeps its slot; re-enabling re-arms from the current time.
func (r *Registry) UpsertHeartbeat(p HeartbeatProgram) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.heartbeats[p.ID]; ok && existing.Enabled == p.Enabled {
		p.LastFiredMs = existing.LastFiredMs
	} else if p.Enabled {
		// Fresh or re-enabled: first fire lands one full period out.
		p.LastFiredMs = r.nowMs()
	}
	r.heartbeats[p.ID] = &p
	r.logger.Info("heartbeat program upserted", "id", p.ID, "every_ms", p.EveryMs, "enabled", p.Enabled)
	return nil
}

// DeleteHeartbeat removes a heartbeat program.
func (r *Registry) DeleteHeartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.heartbeats[id]; !ok {
		return false
	}
	delete(r.heartbeats, id)
	r.logger.Info("heartbeat program deleted", "id", id)
	return true
}

// UpsertCron adds or replaces a cron program and precomputes its next fire.
func (r *Registry) UpsertCron(p CronProgram) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := r.nowMs()
	p.NextFireMs = p.Schedule.NextFire(now)
	if p.Enabled && p.NextFireMs == 0 {
		return fmt.Errorf("cron program %s never fires", p.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crons[p.ID] = &p
	r.logger.Info("cron program upserted",
		"id", p.ID, "schedule", p.Schedule.Type, "next_fire_ms", p.NextFireMs, "enabled", p.Enabled)
	return nil
}

// DeleteCron removes a cron program.
func (r *Registry) DeleteCron(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.crons[id]; !ok {
		return false
	}
	delete(r.crons, id)
	r.logger.Info("cron program deleted", "id", id)
	return true
}

// SetEnabled toggles a program in either family.
func (r *Registry) SetEnabled(kind WakeKind, id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case WakeHeartbeat:
		p, ok := r.heartbeats[id]
		if !ok {
			return false
		}
		if enabled && !p.Enabled {
			p.LastFiredMs = r.nowMs()
		}
		p.Enabled = enabled
	case WakeCron:
		p, ok := r.crons[id]
		if !ok {
			return false
		}
		if enabled && !p.Enabled {
			p.NextFireMs = p.Schedule.NextFire(r.nowMs())
		}
		p.Enabled = enabled
	default:
		return false
	}
	r.logger.Info("program toggled", "kind", kind, "id", id, "enabled", enabled)
	return true
}

// Heartbeats lists heartbeat programs sorted by id.
func (r *Registry) Heartbeats() []HeartbeatProgram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HeartbeatProgram, 0, len(r.heartbeats))
	for _, p := range r.heartbeats {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Crons lists cron programs sorted by id.
func (r *Registry) Crons() []CronProgram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CronProgram, 0, len(r.crons))
	for _, p := range r.crons {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start begins the firing loop.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("program registry started", "tick_interval", r.interval)
}

// Stop halts the firing loop and waits for it.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("program registry stopped")
}

func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick fires every due program once. Exported so tests and the reload drain
// can drive time explicitly.
func (r *Registry) Tick(ctx context.Context) {
	now := r.nowMs()
	for _, wake := range r.collectDue(now) {
		result := r.dispatcher.DispatchWake(ctx, wake)
		switch result.Status {
		case WakeFailed:
			r.logger.Warn("program wake failed",
				"kind", wake.Kind, "id", wake.ProgramID, "reason", result.Reason)
		case WakeCoalesced:
			r.logger.Debug("program wake coalesced", "kind", wake.Kind, "id", wake.ProgramID)
		default:
			r.logger.Info("program fired",
				"kind", wake.Kind, "id", wake.ProgramID, "command_id", result.CommandID)
		}
		if r.recorder != nil {
			r.recorder(wake, result)
		}
	}
}

// collectDue advances program bookkeeping and returns the wakes to dispatch.
func (r *Registry) collectDue(now int64) []Wake {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []Wake
	for _, p := range r.heartbeats {
		if !p.Enabled || now-p.LastFiredMs < p.EveryMs {
			continue
		}
		p.LastFiredMs = now
		due = append(due, Wake{
			Kind:      WakeHeartbeat,
			ProgramID: p.ID,
			Command:   p.wakeCommand(),
			DedupeKey: DedupeKey(WakeHeartbeat, p.ID),
			FireAtMs:  now,
		})
	}
	for _, p := range r.crons {
		if !p.Enabled || p.NextFireMs == 0 || now < p.NextFireMs {
			continue
		}
		fireAt := p.NextFireMs
		p.LastFiredMs = now
		p.NextFireMs = p.Schedule.NextFire(now)
		if p.Schedule.Type == ScheduleAt {
			// One-shot programs disable themselves after firing.
			p.Enabled = false
		}
		due = append(due, Wake{
			Kind:      WakeCron,
			ProgramID: p.ID,
			Command:   p.Target,
			DedupeKey: DedupeKey(WakeCron, p.ID),
			FireAtMs:  fireAt,
		})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ProgramID < due[j].ProgramID })
	return due
}
