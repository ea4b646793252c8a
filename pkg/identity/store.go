// Package identity reads operator identity bindings. The bindings file is
// owned by the link/unlink tooling; the control plane consumes it read-only
// and layers link/revoke domain events on top.
package identity

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/mu-ops/mu/pkg/jsonl"
	"github.com/mu-ops/mu/pkg/models"
)

// FileName is the bindings file inside the control-plane store directory.
const FileName = "identities.jsonl"

// Binding links a channel actor to scopes at an assurance tier.
type Binding struct {
	BindingID     string               `json:"binding_id"`
	Channel       models.Channel       `json:"channel"`
	ChannelTenant string               `json:"channel_tenant_id,omitempty"`
	ActorID       string               `json:"actor_id"`
	Scopes        []string             `json:"scopes"`
	AssuranceTier models.AssuranceTier `json:"assurance_tier"`
	Revoked       bool                 `json:"revoked,omitempty"`
	CreatedAtMs   int64                `json:"created_at_ms,omitempty"`
}

// HasScope reports whether the binding carries the scope.
func (b *Binding) HasScope(scope string) bool {
	for _, s := range b.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Store is the folded view of identities.jsonl. Later entries for a binding id
// supersede earlier ones, so revocations and scope grants are plain appends.
type Store struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*Binding
}

// Open loads the binding store from storeDir.
func Open(storeDir string) (*Store, error) {
	s := &Store{
		path:     filepath.Join(storeDir, FileName),
		logger:   slog.Default().With("component", "identity"),
		bindings: make(map[string]*Binding),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-folds the bindings file from disk.
func (s *Store) Reload() error {
	bindings := make(map[string]*Binding)
	err := jsonl.ReadAll(s.path, func(b *Binding) error {
		bindings[b.BindingID] = b
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load identity bindings: %w", err)
	}

	s.mu.Lock()
	s.bindings = bindings
	s.mu.Unlock()

	s.logger.Info("identity bindings loaded", "count", len(bindings))
	return nil
}

// Resolve returns the live (non-revoked) binding for an id.
func (s *Store) Resolve(bindingID string) (*Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[bindingID]
	if !ok || b.Revoked {
		return nil, false
	}
	out := *b
	out.Scopes = append([]string(nil), b.Scopes...)
	return &out, true
}

// Find returns the live binding for a channel actor, if any. Tenant matching
// is exact; bindings without a tenant match any tenant on their channel.
func (s *Store) Find(channel models.Channel, tenantID, actorID string) (*Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var fallback *Binding
	for _, b := range s.bindings {
		if b.Revoked || b.Channel != channel || b.ActorID != actorID {
			continue
		}
		if b.ChannelTenant == tenantID {
			out := *b
			out.Scopes = append([]string(nil), b.Scopes...)
			return &out, true
		}
		if b.ChannelTenant == "" {
			fallback = b
		}
	}
	if fallback != nil {
		out := *fallback
		out.Scopes = append([]string(nil), fallback.Scopes...)
		return &out, true
	}
	return nil, false
}

// Apply overlays a binding mutation produced by a link/grant/revoke domain
// event. The durable record lives in the command journal; this keeps the
// in-memory view coherent without rewriting the external file.
func (s *Store) Apply(b Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := b
	copied.Scopes = append([]string(nil), b.Scopes...)
	s.bindings[b.BindingID] = &copied
}

// Len returns the number of known bindings, revoked included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}
