package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/lattice/pkg/domain"
)

// Store implements ports.LinkStore in memory.
// Safe for concurrent use.
type Store struct {
	data map[domain.LinkKey]domain.LinkDefinition
	mu   sync.RWMutex
}

// NewStore creates a new in-memory link store.
func NewStore() *Store {
	return &Store{
		data: make(map[domain.LinkKey]domain.LinkDefinition),
	}
}

// Put stores a normalized copy of def.
func (s *Store) Put(ctx context.Context, def domain.LinkDefinition) error {
	// Copy to ensure isolation, similar to serialization
	copied := def.Normalized()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[copied.Key()] = copied
	return nil
}

// Get retrieves a definition by key.
func (s *Store) Get(ctx context.Context, key domain.LinkKey) (domain.LinkDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.data[key]
	if !ok {
		return domain.LinkDefinition{}, fmt.Errorf("%w: link %s", domain.ErrNotFound, key)
	}
	// Copy on read so callers can't mutate stored values
	return def.Normalized(), nil
}

// Delete removes the definition.
func (s *Store) Delete(ctx context.Context, key domain.LinkKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List returns every stored definition.
func (s *Store) List(ctx context.Context) ([]domain.LinkDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]domain.LinkDefinition, 0, len(s.data))
	for _, def := range s.data {
		defs = append(defs, def.Normalized())
	}
	return defs, nil
}
