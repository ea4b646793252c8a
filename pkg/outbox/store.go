// Package outbox buffers outbound replies durably and drives at-least-once
// delivery with retry budgets and a dead-letter queue.
package outbox

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mu-ops/mu/pkg/jsonl"
	"github.com/mu-ops/mu/pkg/models"
)

// FileName is the outbox file inside the control-plane store directory.
const FileName = "outbox.jsonl"

// Store owns OutboxRecord mutations. Every state change appends the full
// updated record; the in-memory view folds latest-wins by outbox_id. Writes
// must run inside the serialized mutation lane.
type Store struct {
	writer *jsonl.Writer
	nowMs  func() int64
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]*models.OutboxRecord
	// dedupe maps dedupe_key to the live (non-dead-letter) record claiming it.
	dedupe map[string]string
}

// Open loads the outbox from storeDir.
func Open(storeDir string, nowMs func() int64) (*Store, error) {
	path := filepath.Join(storeDir, FileName)

	s := &Store{
		nowMs:   nowMs,
		logger:  slog.Default().With("component", "outbox"),
		records: make(map[string]*models.OutboxRecord),
		dedupe:  make(map[string]string),
	}

	count := 0
	err := jsonl.ReadAll(path, func(record *models.OutboxRecord) error {
		count++
		s.fold(record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox: %w", err)
	}

	writer, err := jsonl.OpenWriter(path)
	if err != nil {
		return nil, err
	}
	s.writer = writer

	s.logger.Info("outbox loaded", "entries", count, "records", len(s.records))
	return s, nil
}

func (s *Store) fold(record *models.OutboxRecord) {
	s.records[record.OutboxID] = record.Clone()
	if record.State == models.OutboxDeadLetter || record.State == models.OutboxDelivered {
		if s.dedupe[record.DedupeKey] == record.OutboxID {
			delete(s.dedupe, record.DedupeKey)
		}
		return
	}
	s.dedupe[record.DedupeKey] = record.OutboxID
}

// EnqueueInput describes one outbound envelope to buffer.
type EnqueueInput struct {
	Envelope    models.OutboundEnvelope
	DedupeKey   string
	MaxAttempts int
	ReplayOf    string
}

// Enqueue buffers an envelope. Two enqueues with the same dedupe key coalesce:
// the existing pending record is returned and coalesced is true.
func (s *Store) Enqueue(in EnqueueInput) (record *models.OutboxRecord, coalesced bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.dedupe[in.DedupeKey]; ok {
		if existing := s.records[existingID]; existing != nil && existing.State == models.OutboxPending {
			return existing.Clone(), true, nil
		}
	}

	now := s.nowMs()
	record = &models.OutboxRecord{
		OutboxID:         uuid.NewString(),
		DedupeKey:        in.DedupeKey,
		Envelope:         in.Envelope,
		MaxAttempts:      in.MaxAttempts,
		NextAttemptAtMs:  now,
		State:            models.OutboxPending,
		ReplayOfOutboxID: in.ReplayOf,
		CreatedAtMs:      now,
	}
	if err := s.writer.Append(record); err != nil {
		return nil, false, fmt.Errorf("failed to append outbox record: %w", err)
	}
	s.fold(record)
	return record.Clone(), false, nil
}

// Due returns pending records whose next attempt time has passed, oldest first.
func (s *Store) Due(nowMs int64) []*models.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*models.OutboxRecord
	for _, record := range s.records {
		if record.State == models.OutboxPending && record.NextAttemptAtMs <= nowMs {
			due = append(due, record.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAtMs != due[j].NextAttemptAtMs {
			return due[i].NextAttemptAtMs < due[j].NextAttemptAtMs
		}
		return due[i].CreatedAtMs < due[j].CreatedAtMs
	})
	return due
}

// MarkDelivered finalizes a successful delivery.
func (s *Store) MarkDelivered(outboxID string) error {
	return s.update(outboxID, func(record *models.OutboxRecord) {
		record.State = models.OutboxDelivered
		record.LastError = ""
	})
}

// MarkRetry schedules the next attempt, dead-lettering once the budget is
// exhausted.
func (s *Store) MarkRetry(outboxID, deliveryError string, retryDelayMs int64) error {
	return s.update(outboxID, func(record *models.OutboxRecord) {
		record.AttemptCount++
		record.LastError = deliveryError
		if record.MaxAttempts > 0 && record.AttemptCount >= record.MaxAttempts {
			record.State = models.OutboxDeadLetter
			record.LastError = models.ReasonRetryBudgetExhausted + ": " + deliveryError
			return
		}
		record.NextAttemptAtMs = s.nowMs() + retryDelayMs
	})
}

// MarkDeadLetter drops a record immediately.
func (s *Store) MarkDeadLetter(outboxID, reason string) error {
	return s.update(outboxID, func(record *models.OutboxRecord) {
		record.State = models.OutboxDeadLetter
		record.LastError = reason
	})
}

func (s *Store) update(outboxID string, mutate func(*models.OutboxRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[outboxID]
	if !ok {
		return fmt.Errorf("outbox record %s not found", outboxID)
	}
	updated := existing.Clone()
	mutate(updated)
	if err := s.writer.Append(updated); err != nil {
		return fmt.Errorf("failed to append outbox update: %w", err)
	}
	s.fold(updated)
	return nil
}

// Get returns a record by id.
func (s *Store) Get(outboxID string) (*models.OutboxRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[outboxID]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// DeadLetters lists dead-letter records, oldest first.
func (s *Store) DeadLetters() []*models.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OutboxRecord
	for _, record := range s.records {
		if record.State == models.OutboxDeadLetter {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtMs < out[j].CreatedAtMs })
	return out
}

// Replay re-enqueues a dead-letter record as a fresh pending record that
// preserves the original correlation and envelope.
func (s *Store) Replay(outboxID string) (*models.OutboxRecord, error) {
	s.mu.RLock()
	source, ok := s.records[outboxID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("outbox record %s not found", outboxID)
	}
	if source.State != models.OutboxDeadLetter {
		return nil, fmt.Errorf("outbox record %s is %s, not dead_letter", outboxID, source.State)
	}

	record, _, err := s.Enqueue(EnqueueInput{
		Envelope:    source.Envelope,
		DedupeKey:   source.DedupeKey + ":replay:" + uuid.NewString(),
		MaxAttempts: source.MaxAttempts,
		ReplayOf:    source.OutboxID,
	})
	return record, err
}

// PendingCount reports how many records await delivery.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, record := range s.records {
		if record.State == models.OutboxPending {
			n++
		}
	}
	return n
}

// Close flushes and closes the backing file.
func (s *Store) Close() error {
	return s.writer.Close()
}
