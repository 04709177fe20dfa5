package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// ProviderEndpoint is the RPC address of a provider identity + link name.
// Every running instance behind the endpoint receives link deliveries.
type ProviderEndpoint interface {
	// PutLink delivers a binding. update is true when the definition
	// replaces one the provider already holds under the same key.
	PutLink(ctx context.Context, def domain.LinkDefinition, update bool) error

	// DeleteLink asks the provider to release per-actor resources.
	DeleteLink(ctx context.Context, def domain.LinkDefinition) error

	// Invoke performs a call against one instance of the provider.
	Invoke(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error)
}

// ProviderEndpoints resolves endpoints for providers.
type ProviderEndpoints interface {
	Provider(id domain.Identity, linkName string) ProviderEndpoint
}

// ActorEndpoints resolves the bus endpoint of actors running on other hosts.
type ActorEndpoints interface {
	Actor(id domain.Identity) ActorHandle
}
