package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps state and events in process memory. It is used in tests
// and for ephemeral deployments; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	height  uint64
	entries map[string][]byte
	events  []Event
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

// Load returns a copy of the stored state.
func (s *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		entries[k] = v
	}
	return &Snapshot{Height: s.height, Entries: entries}, nil
}

// Apply stores the change set.
func (s *MemoryStore) Apply(_ context.Context, cs *ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cs.Changes {
		if c.Deleted {
			delete(s.entries, c.Key)
			continue
		}
		s.entries[c.Key] = c.Value
	}
	s.events = append(s.events, cs.Events...)
	s.height = cs.Height
	return nil
}

// Events returns matching events in commit order.
func (s *MemoryStore) Events(_ context.Context, filter EventFilter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
