package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/serial"
	"github.com/mu-ops/mu/pkg/telemetry"
)

// ResultKind classifies one delivery attempt.
type ResultKind string

// Delivery results.
const (
	ResultDelivered ResultKind = "delivered"
	ResultRetry     ResultKind = "retry"
	ResultDrop      ResultKind = "drop"
)

// Result is the outcome of Deliverer.Deliver.
type Result struct {
	Kind ResultKind
	// Error describes a retryable failure (surfaced in last_error).
	Error string
	// RetryDelayMs overrides the dispatcher backoff when positive.
	RetryDelayMs int64
	// Reason explains a drop.
	Reason string
}

// Deliverer performs the transport call for one channel.
type Deliverer interface {
	Deliver(ctx context.Context, env models.OutboundEnvelope) Result
}

// DispatcherConfig tunes the delivery loop.
type DispatcherConfig struct {
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	RetryInitial   time.Duration
	RetryCeiling   time.Duration
}

// Normalize fills zero values with defaults.
func (c *DispatcherConfig) Normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = time.Minute
	}
}

// Dispatcher leases due outbox records and drives delivery with retry and
// dead-lettering. Transport calls run concurrently with the pipeline; store
// mutations go through the serialized lane.
type Dispatcher struct {
	store      *Store
	executor   *serial.Executor
	deliverers map[models.Channel]Deliverer
	config     DispatcherConfig
	counters   *telemetry.Counters
	nowMs      func() int64
	logger     *slog.Logger

	// sweep runs once per poll before draining, letting the pipeline promote
	// deferred commands whose retry time has passed.
	sweep func(ctx context.Context)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates the outbox dispatcher.
func NewDispatcher(store *Store, executor *serial.Executor, deliverers map[models.Channel]Deliverer, cfg DispatcherConfig, counters *telemetry.Counters, nowMs func() int64) *Dispatcher {
	cfg.Normalize()
	return &Dispatcher{
		store:      store,
		executor:   executor,
		deliverers: deliverers,
		config:     cfg,
		counters:   counters,
		nowMs:      nowMs,
		logger:     slog.Default().With("component", "outbox-dispatcher"),
		stopCh:     make(chan struct{}),
	}
}

// SetSweep installs the per-poll hook. Must be called before Start.
func (d *Dispatcher) SetSweep(fn func(ctx context.Context)) {
	d.sweep = fn
}

// SetDeliverer swaps the deliverer for a channel (generation cutover path).
func (d *Dispatcher) SetDeliverer(channel models.Channel, deliverer Deliverer) {
	d.deliverers[channel] = deliverer
}

// Start begins the delivery loop in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info("outbox dispatcher started", "poll_interval", d.config.PollInterval)
}

// Stop signals the loop to stop and waits for it to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	d.logger.Info("outbox dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.sweep != nil {
				d.sweep(ctx)
			}
			if err := d.DrainDue(ctx); err != nil {
				d.logger.Error("drain failed", "error", err)
			}
		}
	}
}

// DrainDue leases every due record and attempts delivery once each.
func (d *Dispatcher) DrainDue(ctx context.Context) error {
	due := d.store.Due(d.nowMs())
	for _, record := range due {
		select {
		case <-d.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.deliverOne(ctx, record)
	}
	return nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, record *models.OutboxRecord) {
	result := d.attempt(ctx, record)

	err := d.executor.Run(ctx, func() error {
		switch result.Kind {
		case ResultDelivered:
			d.counters.Inc(telemetry.CounterOutboxDelivered)
			return d.store.MarkDelivered(record.OutboxID)
		case ResultDrop:
			d.counters.Inc(telemetry.CounterOutboxDeadLetter)
			return d.store.MarkDeadLetter(record.OutboxID, result.Reason)
		default:
			delay := result.RetryDelayMs
			if delay <= 0 {
				delay = d.retryDelayMs(record.AttemptCount)
			}
			if mErr := d.store.MarkRetry(record.OutboxID, result.Error, delay); mErr != nil {
				return mErr
			}
			if updated, ok := d.store.Get(record.OutboxID); ok && updated.State == models.OutboxDeadLetter {
				d.counters.Inc(telemetry.CounterOutboxDeadLetter)
				d.logger.Warn("outbox record dead-lettered",
					"outbox_id", record.OutboxID,
					"dedupe_key", record.DedupeKey,
					"attempts", updated.AttemptCount,
					"last_error", updated.LastError)
			}
			return nil
		}
	})
	if err != nil {
		d.logger.Error("failed to record delivery outcome",
			"outbox_id", record.OutboxID, "result", result.Kind, "error", err)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, record *models.OutboxRecord) Result {
	deliverer, ok := d.deliverers[record.Envelope.Channel]
	if !ok || deliverer == nil {
		return Result{Kind: ResultRetry, Error: "no deliverer configured for channel " + string(record.Envelope.Channel)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.config.AttemptTimeout)
	defer cancel()
	return deliverer.Deliver(attemptCtx, record.Envelope)
}

// retryDelayMs computes the exponential-with-jitter backoff for the given
// attempt count, capped at the configured ceiling.
func (d *Dispatcher) retryDelayMs(attempt int) int64 {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.config.RetryInitial
	bo.MaxInterval = d.config.RetryCeiling
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	if delay == backoff.Stop || delay > d.config.RetryCeiling {
		delay = d.config.RetryCeiling
	}
	return delay.Milliseconds()
}
