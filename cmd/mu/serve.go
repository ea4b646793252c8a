package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mu-ops/mu/pkg/adapter"
	"github.com/mu-ops/mu/pkg/api"
	"github.com/mu-ops/mu/pkg/clirunner"
	"github.com/mu-ops/mu/pkg/config"
	"github.com/mu-ops/mu/pkg/idempotency"
	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/journal"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/operator"
	"github.com/mu-ops/mu/pkg/outbox"
	"github.com/mu-ops/mu/pkg/pipeline"
	"github.com/mu-ops/mu/pkg/policy"
	"github.com/mu-ops/mu/pkg/programs"
	"github.com/mu-ops/mu/pkg/reload"
	"github.com/mu-ops/mu/pkg/run"
	"github.com/mu-ops/mu/pkg/serial"
	"github.com/mu-ops/mu/pkg/telemetry"
	"github.com/mu-ops/mu/pkg/version"
)

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func serve(ctx context.Context, configDir string) error {
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	slog.Info("starting mu control plane",
		"version", version.Full(),
		"repo_root", cfg.RepoRoot,
		"store_dir", cfg.StoreDir)

	// The writer lock is acquired before any store opens and released after
	// everything else shuts down.
	lock := serial.NewWriterLock(cfg.StoreDir, cfg.RepoRoot, version.Full(), nowMs)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Error("failed to release writer lock", "error", err)
		}
	}()

	jnl, err := journal.Open(cfg.StoreDir, nowMs)
	if err != nil {
		return err
	}
	defer jnl.Close()

	ledger, err := idempotency.Open(cfg.StoreDir)
	if err != nil {
		return err
	}
	defer ledger.Close()

	identities, err := identity.Open(cfg.StoreDir)
	if err != nil {
		return err
	}

	outboxStore, err := outbox.Open(cfg.StoreDir, nowMs)
	if err != nil {
		return err
	}
	defer outboxStore.Close()

	counters := telemetry.NewCounters()
	executor := serial.NewExecutor()
	executor.SetGuard(lock.AssertHeld)
	engine := policy.NewEngine(cfg.Policy)

	registry := pipeline.NewRegistry()
	pipe := pipeline.New(jnl, ledger, identities, engine, executor, outboxStore, registry, counters, nowMs)

	// Command handlers.
	runner := clirunner.New(clirunner.Config{
		Binary:    cfg.CLI.Binary,
		WorkDir:   cfg.CLI.WorkDir,
		Timeout:   cfg.CLITimeout(),
		Allowlist: pipeline.CLIKinds(),
	})
	pipeline.RegisterCLIHandlers(registry, runner, jnl)
	pipeline.RegisterIdentityHandlers(registry, identities, nowMs)

	// identities.jsonl is read-only at runtime; chat-made links, revocations,
	// and scope grants are replayed from the journal.
	pipeline.RestoreIdentityOverlay(jnl, identities)

	runSupervisor := run.NewSupervisor(run.Config{
		Binary:      cfg.Run.Binary,
		WorkDir:     cfg.Run.WorkDir,
		StoredLines: cfg.Run.StoredLines,
		MaxHistory:  cfg.Run.MaxHistory,
	}, runEventSink(executor, jnl, outboxStore), counters, nowMs)
	pipeline.RegisterRunHandlers(registry, runSupervisor, pipeline.RunHandlerConfig{
		DefaultMaxSteps: cfg.Run.DefaultMaxSteps,
	})

	tooling := operator.New(jnl, outboxStore, engine, counters, func() (*policy.Policy, error) {
		return config.LoadPolicy(configDir)
	})
	tooling.RegisterHandlers(registry)

	// Channel adapters and deliverers for the active generation.
	state := &generationState{cfg: cfg}
	adapters, deliverers, err := buildChannelStack(cfg, identities)
	if err != nil {
		return err
	}

	dispatcher := outbox.NewDispatcher(outboxStore, executor, deliverers, outbox.DispatcherConfig{
		PollInterval:   time.Duration(cfg.Outbox.PollIntervalMs) * time.Millisecond,
		AttemptTimeout: time.Duration(cfg.Outbox.AttemptTimeoutMs) * time.Millisecond,
		RetryInitial:   time.Duration(cfg.Outbox.RetryInitialMs) * time.Millisecond,
		RetryCeiling:   time.Duration(cfg.Outbox.RetryCeilingMs) * time.Millisecond,
	}, counters, nowMs)
	dispatcher.SetSweep(pipe.Sweep)

	// Settle whatever the previous process left behind before accepting
	// traffic or delivering anything.
	if err := pipe.ReconcileOnBoot(ctx); err != nil {
		return err
	}
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// Program registries.
	wakeDispatcher := programs.NewPipelineDispatcher(pipe, identities, cfg.RepoRoot, nowMs)
	programRegistry := programs.NewRegistry(wakeDispatcher, nowMs,
		time.Duration(cfg.Programs.TickIntervalMs)*time.Millisecond)
	programRegistry.SetTickRecorder(programTickRecorder(executor, jnl))
	for _, hb := range cfg.Programs.Heartbeats {
		if err := programRegistry.UpsertHeartbeat(hb); err != nil {
			return err
		}
	}
	for _, cron := range cfg.Programs.Crons {
		if err := programRegistry.UpsertCron(cron); err != nil {
			return err
		}
	}
	programRegistry.Start(ctx)
	defer programRegistry.Stop()

	// Generation reload: warm up a full new config, cut over policy,
	// adapters, and deliverers, drain the outbox of the old generation's
	// backlog. The hooks close over the server variable assigned below;
	// reloads only arrive through its HTTP surface.
	var server *api.Server
	reloader := reload.NewSupervisor(reload.Hooks{
		Warmup: func(ctx context.Context) (any, error) {
			return config.Initialize(ctx, configDir)
		},
		Cutover: func(ctx context.Context, warmed any) error {
			next := warmed.(*config.MuConfig)
			return state.cutover(next, engine, dispatcher, server, identities)
		},
		Drain: func(ctx context.Context, old reload.Generation) error {
			return drainOutbox(ctx, dispatcher, outboxStore)
		},
		Rollback: func(ctx context.Context) error {
			return state.rollback(engine, dispatcher, server, identities)
		},
	}, reload.Config{DrainTimeout: cfg.DrainTimeout()}, counters, nowMs)

	server = api.NewServer(cfg, pipe, adapters, programRegistry, reloader, runSupervisor, outboxStore, counters)
	errCh := server.Start()

	generation := reloader.Current()
	if err := serial.WriteServerInfo(cfg.StoreDir, serial.ServerInfo{
		PID:           os.Getpid(),
		Host:          hostname,
		Addr:          fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Version:       version.Full(),
		GenerationID:  generation.GenerationID,
		GenerationSeq: generation.GenerationSeq,
		StartedAtMs:   nowMs(),
	}); err != nil {
		return err
	}
	defer func() {
		if err := serial.RemoveServerInfo(cfg.StoreDir); err != nil {
			slog.Error("failed to remove server info", "error", err)
		}
	}()

	slog.Info("mu control plane started",
		"adapters", len(adapters),
		"heartbeats", len(cfg.Programs.Heartbeats),
		"crons", len(cfg.Programs.Crons))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("server error triggered shutdown", "error", err)
		}
	case <-ctx.Done():
		slog.Info("context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	runSupervisor.Shutdown(shutdownCtx)

	slog.Info("mu control plane stopped")
	return nil
}

// generationState tracks the applied configuration for cutover and rollback.
type generationState struct {
	mu       sync.Mutex
	cfg      *config.MuConfig
	previous *config.MuConfig
}

func (s *generationState) cutover(next *config.MuConfig, engine *policy.Engine,
	dispatcher *outbox.Dispatcher, server *api.Server, identities *identity.Store) error {
	adapters, deliverers, err := buildChannelStack(next, identities)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	engine.SetPolicy(next.Policy)
	for channel, deliverer := range deliverers {
		dispatcher.SetDeliverer(channel, deliverer)
	}
	if server != nil {
		server.SetAdapters(adapters)
	}
	s.previous = s.cfg
	s.cfg = next
	return nil
}

func (s *generationState) rollback(engine *policy.Engine,
	dispatcher *outbox.Dispatcher, server *api.Server, identities *identity.Store) error {
	s.mu.Lock()
	prev := s.previous
	s.mu.Unlock()
	if prev == nil {
		return errors.New("no previous generation to roll back to")
	}
	return s.cutover(prev, engine, dispatcher, server, identities)
}

// buildChannelStack constructs the adapters and outbound deliverers for a
// configuration snapshot.
func buildChannelStack(cfg *config.MuConfig, identities *identity.Store) (
	map[models.Channel]*adapter.Adapter, map[models.Channel]outbox.Deliverer, error) {

	adapters := make(map[models.Channel]*adapter.Adapter)
	deliverers := make(map[models.Channel]outbox.Deliverer)

	for _, channel := range cfg.EnabledAdapters() {
		ac := cfg.Adapters[channel]
		a, err := adapter.New(adapter.Config{
			Channel: channel,
			Secrets: adapter.Secrets{
				SigningSecret: ac.SigningSecret,
				SharedSecret:  ac.SharedSecret,
			},
			RepoRoot: cfg.RepoRoot,
			NowMs:    nowMs,
		}, identities)
		if err != nil {
			return nil, nil, err
		}
		adapters[channel] = a

		switch channel {
		case models.ChannelSlack:
			deliverers[channel] = outbox.NewSlackDeliverer(ac.BotToken)
		case models.ChannelTelegram:
			deliverers[channel] = outbox.NewTelegramDeliverer(ac.BotToken)
		default:
			deliverers[channel] = outbox.NewWebhookDeliverer(channel, ac.WebhookURL, nil)
		}
	}
	return adapters, deliverers, nil
}

// runEventSink forwards run supervisor events into the outbox, addressed to
// the conversation that launched the run.
func runEventSink(executor *serial.Executor, jnl *journal.Journal, store *outbox.Store) run.EventSink {
	logger := slog.Default().With("component", "run-events")
	return func(event models.ControlPlaneRunEvent, snapshot models.RunSnapshot) {
		record, ok := jnl.Get(snapshot.CommandID)
		if !ok {
			// API-launched runs have no originating conversation.
			return
		}
		body := run.FormatEvent(event, snapshot)
		err := executor.Run(context.Background(), func() error {
			corr := record.Correlation()
			corr.RunRootID = snapshot.RootIssueID
			_, _, err := store.Enqueue(outbox.EnqueueInput{
				Envelope: models.OutboundEnvelope{
					Channel:               record.Channel,
					ChannelTenantID:       record.ChannelTenantID,
					ChannelConversationID: record.ChannelConversationID,
					Kind:                  runEventKind(event.Type),
					Body:                  body,
					Correlation:           corr,
				},
				DedupeKey:   "run-event:" + event.JobID + ":" + strconv.Itoa(event.Seq),
				MaxAttempts: 6,
			})
			return err
		})
		if err != nil {
			logger.Error("failed to enqueue run event",
				"job_id", event.JobID, "type", event.Type, "error", err)
		}
	}
}

// programTickRecorder journals every program firing outcome through the
// mutation lane. Event types are "heartbeat_program.tick" and
// "cron_program.tick".
func programTickRecorder(executor *serial.Executor, jnl *journal.Journal) programs.TickRecorder {
	logger := slog.Default().With("component", "program-ticks")
	return func(wake programs.Wake, result programs.WakeResult) {
		payload := map[string]any{
			"program_id": wake.ProgramID,
			"status":     string(result.Status),
			"fire_at_ms": wake.FireAtMs,
		}
		if result.Reason != "" {
			payload["reason"] = result.Reason
		}
		err := executor.Run(context.Background(), func() error {
			return jnl.AppendEvent(result.CommandID, string(wake.Kind)+"_program.tick", payload)
		})
		if err != nil {
			logger.Error("failed to journal program tick",
				"kind", wake.Kind, "program_id", wake.ProgramID, "error", err)
		}
	}
}

// runEventKind maps run events onto outbound kinds: terminal success is a
// result, terminal failure an error, everything in between lifecycle chatter.
func runEventKind(eventType models.RunEventType) models.OutboundKind {
	switch eventType {
	case models.RunEventCompleted:
		return models.OutboundResult
	case models.RunEventFailed:
		return models.OutboundError
	default:
		return models.OutboundLifecycle
	}
}

// drainOutbox pushes due deliveries until the backlog clears or the drain
// budget expires.
func drainOutbox(ctx context.Context, dispatcher *outbox.Dispatcher, store *outbox.Store) error {
	for store.PendingCount() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := dispatcher.DrainDue(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}
