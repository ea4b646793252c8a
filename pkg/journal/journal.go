// Package journal owns CommandRecord mutations: every lifecycle transition is
// validated against the state machine and appended to commands.jsonl before it
// becomes visible. Entry order is the sole source of truth; entries are never
// rewritten.
package journal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mu-ops/mu/pkg/jsonl"
	"github.com/mu-ops/mu/pkg/models"
)

// FileName is the journal file inside the control-plane store directory.
const FileName = "commands.jsonl"

// Journal is the append-only command journal plus its folded in-memory view.
// All writes must run inside the serialized mutation lane.
type Journal struct {
	writer *jsonl.Writer
	nowMs  func() int64
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]*models.CommandRecord
	history map[string][]models.JournalEntry
	events  []models.JournalEntry
	order   []string
}

// Open loads the journal from storeDir, folding entries into current state.
func Open(storeDir string, nowMs func() int64) (*Journal, error) {
	path := filepath.Join(storeDir, FileName)

	j := &Journal{
		nowMs:   nowMs,
		logger:  slog.Default().With("component", "journal"),
		records: make(map[string]*models.CommandRecord),
		history: make(map[string][]models.JournalEntry),
	}

	count := 0
	err := jsonl.ReadAll(path, func(entry *models.JournalEntry) error {
		count++
		j.fold(*entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}

	writer, err := jsonl.OpenWriter(path)
	if err != nil {
		return nil, err
	}
	j.writer = writer

	j.logger.Info("journal loaded", "entries", count, "commands", len(j.records))
	return j, nil
}

func (j *Journal) fold(entry models.JournalEntry) {
	switch entry.Kind {
	case models.JournalKindLifecycle:
		if entry.Command == nil {
			return
		}
		id := entry.Command.CommandID
		if _, seen := j.records[id]; !seen {
			j.order = append(j.order, id)
		}
		j.records[id] = entry.Command.Clone()
		j.history[id] = append(j.history[id], entry)
	case models.JournalKindMutating:
		j.history[entry.CommandID] = append(j.history[entry.CommandID], entry)
		j.events = append(j.events, entry)
	}
}

// AppendLifecycle records a command snapshot after a transition (or creation).
// The entry is durable before the in-memory view updates.
func (j *Journal) AppendLifecycle(record *models.CommandRecord, eventType string) error {
	entry := models.JournalEntry{
		Kind:      models.JournalKindLifecycle,
		AtMs:      j.nowMs(),
		EventType: eventType,
		Command:   record.Clone(),
	}
	if err := j.writer.Append(&entry); err != nil {
		return fmt.Errorf("failed to append lifecycle entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.fold(entry)
	return nil
}

// AppendMutating audits one domain side effect correlated to a command.
func (j *Journal) AppendMutating(record *models.CommandRecord, event models.ReplayMutationEvent) error {
	corr := record.Correlation()
	entry := models.JournalEntry{
		Kind:        models.JournalKindMutating,
		AtMs:        j.nowMs(),
		EventType:   event.EventType,
		CommandID:   record.CommandID,
		State:       record.State,
		Correlation: &corr,
		Payload:     event.Payload,
	}
	if err := j.writer.Append(&entry); err != nil {
		return fmt.Errorf("failed to append mutating entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.fold(entry)
	return nil
}

// AppendEvent audits a standalone domain event, optionally correlated to a
// command. Used for program tick outcomes, which have no lifecycle record of
// their own.
func (j *Journal) AppendEvent(commandID, eventType string, payload map[string]any) error {
	entry := models.JournalEntry{
		Kind:      models.JournalKindMutating,
		AtMs:      j.nowMs(),
		EventType: eventType,
		CommandID: commandID,
		Payload:   payload,
	}
	if err := j.writer.Append(&entry); err != nil {
		return fmt.Errorf("failed to append event entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.fold(entry)
	return nil
}

// Transition applies one validated lifecycle arrow and journals it. Illegal
// arrows write nothing and return *models.InvalidCommandTransitionError.
func (j *Journal) Transition(record *models.CommandRecord, next models.CommandState, opts TransitionOptions) (*models.CommandRecord, error) {
	updated, err := Transition(record, next, j.nowMs(), opts)
	if err != nil {
		return nil, err
	}
	if err := j.AppendLifecycle(updated, "command."+string(next)); err != nil {
		return nil, err
	}
	return updated, nil
}

// Get returns the current record for a command id.
func (j *Journal) Get(commandID string) (*models.CommandRecord, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	record, ok := j.records[commandID]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// History returns the ordered journal entries for a command, lifecycle and
// mutating interleaved in append order.
func (j *Journal) History(commandID string) []models.JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]models.JournalEntry(nil), j.history[commandID]...)
}

// States returns the lifecycle state sequence for a command.
func (j *Journal) States(commandID string) []models.CommandState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var states []models.CommandState
	for _, entry := range j.history[commandID] {
		if entry.Kind == models.JournalKindLifecycle && entry.Command != nil {
			states = append(states, entry.Command.State)
		}
	}
	return states
}

// EventsByType returns every mutating entry whose event type starts with
// prefix, in append order. Boot replay walks these to rebuild derived state.
func (j *Journal) EventsByType(prefix string) []models.JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []models.JournalEntry
	for _, entry := range j.events {
		if strings.HasPrefix(entry.EventType, prefix) {
			out = append(out, entry)
		}
	}
	return out
}

// NonTerminal returns all commands whose state is not terminal, in first-seen
// order. Used by the boot reconciler and the deferred sweep.
func (j *Journal) NonTerminal() []*models.CommandRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []*models.CommandRecord
	for _, id := range j.order {
		if record := j.records[id]; !record.State.IsTerminal() {
			out = append(out, record.Clone())
		}
	}
	return out
}

// Len returns the number of distinct commands journaled.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

// Close flushes and closes the backing file.
func (j *Journal) Close() error {
	return j.writer.Close()
}
