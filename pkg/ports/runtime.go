package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/domain"
)

// Caller lets a running actor originate invocations. The host binds it to
// the invocation router with the actor's identity as origin.
type Caller func(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error)

// ActorHandle is an instantiated actor able to receive invocations.
type ActorHandle interface {
	Invoke(ctx context.Context, inv domain.Invocation) (domain.InvocationResponse, error)
}

// ActorInstanceHandle is an ActorHandle owned by the host that must be released.
type ActorInstanceHandle interface {
	ActorHandle
	Close(ctx context.Context) error
}

// ActorRuntime is the WebAssembly execution engine.
type ActorRuntime interface {
	Instantiate(ctx context.Context, ref string, claims domain.Claims, caller Caller) (ActorInstanceHandle, error)
}

// ProviderLaunch carries everything a provider process needs to join the lattice.
type ProviderLaunch struct {
	Reference  string
	Claims     domain.Claims
	LinkName   string
	HostID     domain.Identity
	LatticeID  string
	InstanceID string
	Config     map[string]string
}

// ProviderProcess is a running out-of-process provider.
type ProviderProcess interface {
	// Done is closed when the process exits for any reason.
	Done() <-chan struct{}
	Stop(ctx context.Context) error
}

// ProviderLauncher starts provider processes.
type ProviderLauncher interface {
	Launch(ctx context.Context, launch ProviderLaunch) (ProviderProcess, error)
}
