package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/serial"
	"github.com/mu-ops/mu/pkg/telemetry"
)

type scriptedDeliverer struct {
	results []Result
	calls   int
	seen    []models.OutboundEnvelope
}

func (d *scriptedDeliverer) Deliver(ctx context.Context, env models.OutboundEnvelope) Result {
	d.seen = append(d.seen, env)
	result := d.results[0]
	if len(d.results) > 1 {
		d.results = d.results[1:]
	}
	d.calls++
	return result
}

func newDispatcherForTest(t *testing.T, clk *clock, deliverer Deliverer) (*Dispatcher, *Store) {
	t.Helper()
	store := openStore(t, clk)
	d := NewDispatcher(store, serial.NewExecutor(),
		map[models.Channel]Deliverer{models.ChannelSlack: deliverer},
		DispatcherConfig{}, telemetry.NewCounters(), clk.nowMs)
	return d, store
}

func TestDrainDeliversDueRecords(t *testing.T) {
	clk := &clock{now: 1000}
	deliverer := &scriptedDeliverer{results: []Result{{Kind: ResultDelivered}}}
	d, store := newDispatcherForTest(t, clk, deliverer)

	record, _, err := store.Enqueue(EnqueueInput{Envelope: testEnvelope(models.OutboundResult), DedupeKey: "k", MaxAttempts: 6})
	require.NoError(t, err)

	require.NoError(t, d.DrainDue(context.Background()))
	assert.Equal(t, 1, deliverer.calls)

	got, ok := store.Get(record.OutboxID)
	require.True(t, ok)
	assert.Equal(t, models.OutboxDelivered, got.State)
}

func TestDrainRetriesWithBackoff(t *testing.T) {
	clk := &clock{now: 1000}
	deliverer := &scriptedDeliverer{results: []Result{{Kind: ResultRetry, Error: "http 500"}}}
	d, store := newDispatcherForTest(t, clk, deliverer)

	record, _, err := store.Enqueue(EnqueueInput{Envelope: testEnvelope(models.OutboundResult), DedupeKey: "k", MaxAttempts: 6})
	require.NoError(t, err)

	require.NoError(t, d.DrainDue(context.Background()))

	got, ok := store.Get(record.OutboxID)
	require.True(t, ok)
	assert.Equal(t, models.OutboxPending, got.State)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "http 500", got.LastError)
	assert.Greater(t, got.NextAttemptAtMs, clk.now)

	// Not due yet, so a second drain does not call the deliverer.
	require.NoError(t, d.DrainDue(context.Background()))
	assert.Equal(t, 1, deliverer.calls)
}

func TestDrainHonorsExplicitRetryDelay(t *testing.T) {
	clk := &clock{now: 1000}
	deliverer := &scriptedDeliverer{results: []Result{{Kind: ResultRetry, Error: "rate limited", RetryDelayMs: 30000}}}
	d, store := newDispatcherForTest(t, clk, deliverer)

	record, _, err := store.Enqueue(EnqueueInput{Envelope: testEnvelope(models.OutboundResult), DedupeKey: "k", MaxAttempts: 6})
	require.NoError(t, err)
	require.NoError(t, d.DrainDue(context.Background()))

	got, ok := store.Get(record.OutboxID)
	require.True(t, ok)
	assert.Equal(t, int64(31000), got.NextAttemptAtMs)
}

func TestDrainDropsToDeadLetter(t *testing.T) {
	clk := &clock{now: 1000}
	deliverer := &scriptedDeliverer{results: []Result{{Kind: ResultDrop, Reason: "conversation gone"}}}
	d, store := newDispatcherForTest(t, clk, deliverer)

	record, _, err := store.Enqueue(EnqueueInput{Envelope: testEnvelope(models.OutboundResult), DedupeKey: "k", MaxAttempts: 6})
	require.NoError(t, err)
	require.NoError(t, d.DrainDue(context.Background()))

	got, ok := store.Get(record.OutboxID)
	require.True(t, ok)
	assert.Equal(t, models.OutboxDeadLetter, got.State)
	assert.Equal(t, "conversation gone", got.LastError)
}

func TestMissingDelivererRetries(t *testing.T) {
	clk := &clock{now: 1000}
	store := openStore(t, clk)
	d := NewDispatcher(store, serial.NewExecutor(), map[models.Channel]Deliverer{},
		DispatcherConfig{}, telemetry.NewCounters(), clk.nowMs)

	record, _, err := store.Enqueue(EnqueueInput{Envelope: testEnvelope(models.OutboundResult), DedupeKey: "k", MaxAttempts: 6})
	require.NoError(t, err)
	require.NoError(t, d.DrainDue(context.Background()))

	got, ok := store.Get(record.OutboxID)
	require.True(t, ok)
	assert.Equal(t, models.OutboxPending, got.State)
	assert.Contains(t, got.LastError, "no deliverer configured")
}

func TestSweepRunsBeforeDrain(t *testing.T) {
	clk := &clock{now: 1000}
	deliverer := &scriptedDeliverer{results: []Result{{Kind: ResultDelivered}}}
	d, _ := newDispatcherForTest(t, clk, deliverer)

	swept := make(chan struct{}, 1)
	d.SetSweep(func(ctx context.Context) {
		select {
		case swept <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep hook never ran")
	}
	cancel()
	d.Stop()
}

func TestRetryDelayCappedAtCeiling(t *testing.T) {
	clk := &clock{now: 1000}
	d, _ := newDispatcherForTest(t, clk, &scriptedDeliverer{results: []Result{{Kind: ResultDelivered}}})

	first := d.retryDelayMs(0)
	assert.Greater(t, first, int64(0))

	deep := d.retryDelayMs(50)
	assert.LessOrEqual(t, deep, d.config.RetryCeiling.Milliseconds())
}
