// Package telemetry tracks control-plane counters and evaluates the reload
// health gate. Counters are exported to Prometheus through a custom collector
// and embedded as JSON in the status endpoint.
package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter names.
const (
	CounterReloadSuccess       = "reload_success_total"
	CounterReloadFailure       = "reload_failure_total"
	CounterReloadDrainDuration = "reload_drain_duration_ms_total"
	CounterDuplicateSignal     = "duplicate_signal_total"
	CounterDropSignal          = "drop_signal_total"
	CounterCommandsAccepted    = "commands_accepted_total"
	CounterCommandsDenied      = "commands_denied_total"
	CounterOutboxDelivered     = "outbox_delivered_total"
	CounterOutboxDeadLetter    = "outbox_dead_letter_total"
	CounterRunsLaunched        = "runs_launched_total"
)

var counterNames = []string{
	CounterReloadSuccess,
	CounterReloadFailure,
	CounterReloadDrainDuration,
	CounterDuplicateSignal,
	CounterDropSignal,
	CounterCommandsAccepted,
	CounterCommandsDenied,
	CounterOutboxDelivered,
	CounterOutboxDeadLetter,
	CounterRunsLaunched,
}

// Counters is the shared counter set. Safe for concurrent use.
type Counters struct {
	mu     sync.RWMutex
	values map[string]*atomic.Int64
	descs  map[string]*prometheus.Desc
}

// NewCounters creates the counter set with all known counters registered.
func NewCounters() *Counters {
	c := &Counters{
		values: make(map[string]*atomic.Int64, len(counterNames)),
		descs:  make(map[string]*prometheus.Desc, len(counterNames)),
	}
	for _, name := range counterNames {
		c.values[name] = &atomic.Int64{}
		c.descs[name] = prometheus.NewDesc("mu_"+name, "mu control plane counter "+name, nil, nil)
	}
	return c
}

// Inc adds one to a counter.
func (c *Counters) Inc(name string) {
	c.Add(name, 1)
}

// Add adds delta to a counter. Unknown names are registered on first use.
func (c *Counters) Add(name string, delta int64) {
	c.mu.RLock()
	v, ok := c.values[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if v, ok = c.values[name]; !ok {
			v = &atomic.Int64{}
			c.values[name] = v
			c.descs[name] = prometheus.NewDesc("mu_"+name, "mu control plane counter "+name, nil, nil)
		}
		c.mu.Unlock()
	}
	v.Add(delta)
}

// Get returns a counter's current value.
func (c *Counters) Get(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[name]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot copies all counters for the status endpoint.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64, len(c.values))
	for name, v := range c.values {
		out[name] = v.Load()
	}
	return out
}

// Describe implements prometheus.Collector.
func (c *Counters) Describe(ch chan<- *prometheus.Desc) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.descs {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Counters) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, v := range c.values {
		ch <- prometheus.MustNewConstMetric(c.descs[name], prometheus.CounterValue, float64(v.Load()))
	}
}

// GateThresholds configures the non-blocking reload health gate.
type GateThresholds struct {
	MaxReloadFailures   int64 `yaml:"max_reload_failures" json:"max_reload_failures"`
	MaxDuplicateSignals int64 `yaml:"max_duplicate_signals" json:"max_duplicate_signals"`
	MaxDropSignals      int64 `yaml:"max_drop_signals" json:"max_drop_signals"`
}

// GateResult is the gate evaluation outcome.
type GateResult struct {
	Healthy  bool             `json:"healthy"`
	Reasons  []string         `json:"reasons"`
	Counters map[string]int64 `json:"counters"`
}

// EvaluateGate compares counters to thresholds. A zero threshold disables the
// corresponding check. The gate is advisory: callers log, never block.
func (c *Counters) EvaluateGate(t GateThresholds) GateResult {
	result := GateResult{Healthy: true, Reasons: []string{}, Counters: c.Snapshot()}

	check := func(name string, limit int64, reason string) {
		if limit > 0 && result.Counters[name] > limit {
			result.Healthy = false
			result.Reasons = append(result.Reasons, reason)
		}
	}
	check(CounterReloadFailure, t.MaxReloadFailures, "reload failures above threshold")
	check(CounterDuplicateSignal, t.MaxDuplicateSignals, "duplicate signals above threshold")
	check(CounterDropSignal, t.MaxDropSignals, "drop signals above threshold")

	return result
}
