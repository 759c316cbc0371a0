package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/leeforge/plugind/plugin"
)

// Store persists registry entries. The registry keeps its own in-memory
// table and writes through to the store.
type Store interface {
	Save(ctx context.Context, entry plugin.RegistryEntry) error
	Delete(ctx context.Context, pluginID string) error
	LoadAll(ctx context.Context) ([]plugin.RegistryEntry, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]plugin.RegistryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]plugin.RegistryEntry)}
}

func (s *MemoryStore) Save(_ context.Context, entry plugin.RegistryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Manifest.ID] = entry.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pluginID)
	return nil
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]plugin.RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plugin.RegistryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
