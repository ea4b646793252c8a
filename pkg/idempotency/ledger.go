// Package idempotency implements exactly-once command acceptance across
// retries. Claims are append-only on disk; the in-memory view folds entries
// keyed by idempotency_key, latest non-expired wins.
package idempotency

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/mu-ops/mu/pkg/jsonl"
)

// FileName is the ledger file inside the control-plane store directory.
const FileName = "idempotency.jsonl"

// Outcome classifies the result of a claim attempt.
type Outcome string

// Claim outcomes.
const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
)

// ClaimRecord binds (key, fingerprint) to the first claimant within a TTL.
type ClaimRecord struct {
	IdempotencyKey string `json:"idempotency_key"`
	Fingerprint    string `json:"fingerprint"`
	CommandID      string `json:"command_id"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	LastSeenMs     int64  `json:"last_seen_ms"`
	ExpiresAtMs    int64  `json:"expires_at_ms"`
}

// live reports whether the claim still binds at nowMs.
func (r *ClaimRecord) live(nowMs int64) bool {
	return nowMs < r.ExpiresAtMs
}

// ClaimInput carries one claim attempt.
type ClaimInput struct {
	Key         string
	Fingerprint string
	CommandID   string
	TTLMs       int64
	NowMs       int64
}

// ClaimResult is the decision for one claim attempt. CommandID is the bound
// command: the caller's on created, the original claimant's on duplicate.
type ClaimResult struct {
	Outcome   Outcome
	CommandID string
}

// Ledger is the idempotency claim store. Claims must run inside the
// serialized mutation lane; reads are lock-protected for observers.
type Ledger struct {
	writer *jsonl.Writer
	logger *slog.Logger

	mu     sync.RWMutex
	claims map[string]*ClaimRecord
}

// Open loads the ledger from storeDir, folding append-only claim entries.
func Open(storeDir string) (*Ledger, error) {
	path := filepath.Join(storeDir, FileName)

	l := &Ledger{
		logger: slog.Default().With("component", "idempotency"),
		claims: make(map[string]*ClaimRecord),
	}

	count := 0
	err := jsonl.ReadAll(path, func(record *ClaimRecord) error {
		count++
		l.claims[record.IdempotencyKey] = record
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency ledger: %w", err)
	}

	writer, err := jsonl.OpenWriter(path)
	if err != nil {
		return nil, err
	}
	l.writer = writer

	l.logger.Info("idempotency ledger loaded", "entries", count, "keys", len(l.claims))
	return l, nil
}

// Claim decides created/duplicate/conflict for one attempt. Expired records
// are logically absent and may be rewon. Duplicates refresh last_seen_ms.
func (l *Ledger) Claim(in ClaimInput) (ClaimResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.claims[in.Key]
	if ok && existing.live(in.NowMs) {
		if existing.Fingerprint == in.Fingerprint {
			refreshed := *existing
			refreshed.LastSeenMs = in.NowMs
			if err := l.writer.Append(&refreshed); err != nil {
				return ClaimResult{}, fmt.Errorf("failed to append claim refresh: %w", err)
			}
			l.claims[in.Key] = &refreshed
			return ClaimResult{Outcome: OutcomeDuplicate, CommandID: existing.CommandID}, nil
		}
		return ClaimResult{Outcome: OutcomeConflict, CommandID: existing.CommandID}, nil
	}

	record := &ClaimRecord{
		IdempotencyKey: in.Key,
		Fingerprint:    in.Fingerprint,
		CommandID:      in.CommandID,
		CreatedAtMs:    in.NowMs,
		LastSeenMs:     in.NowMs,
		ExpiresAtMs:    in.NowMs + in.TTLMs,
	}
	if err := l.writer.Append(record); err != nil {
		return ClaimResult{}, fmt.Errorf("failed to append claim: %w", err)
	}
	l.claims[in.Key] = record
	return ClaimResult{Outcome: OutcomeCreated, CommandID: in.CommandID}, nil
}

// Lookup returns the live claim for a key, if any.
func (l *Ledger) Lookup(key string, nowMs int64) (*ClaimRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	record, ok := l.claims[key]
	if !ok || !record.live(nowMs) {
		return nil, false
	}
	out := *record
	return &out, true
}

// LiveCount reports how many keys currently bind.
func (l *Ledger) LiveCount(nowMs int64) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, record := range l.claims {
		if record.live(nowMs) {
			n++
		}
	}
	return n
}

// Close flushes and closes the backing file.
func (l *Ledger) Close() error {
	return l.writer.Close()
}
