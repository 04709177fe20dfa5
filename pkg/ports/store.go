package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// LinkStore persists link definitions lattice-wide, so a host that joins
// late (or restarts) learns every definition published before it existed.
type LinkStore interface {
	// Put creates or replaces the definition under its key.
	Put(ctx context.Context, def domain.LinkDefinition) error

	// Get returns domain.ErrNotFound when no definition exists for key.
	Get(ctx context.Context, key domain.LinkKey) (domain.LinkDefinition, error)

	// Delete removes the definition. Deleting a missing key is not an error.
	Delete(ctx context.Context, key domain.LinkKey) error

	// List returns every stored definition.
	List(ctx context.Context) ([]domain.LinkDefinition, error)
}
