/*
Package domain contains the core data model of a lattice host.

It defines the entities that the capability-linking and invocation-dispatch
engine reasons about. This package is kept pure and free of I/O, so every
other package (registry, links, router, host) can share the same vocabulary
without import cycles.

# Key Entities

  - Identity: Public identifier of an actor, provider, host or issuer.
  - Claims: Verified identity and capability metadata of a signed manifest.
  - ActorInstance / ProviderInstance: Running copies tracked by a host.
  - LinkDefinition: Declarative binding of an actor to a provider under a contract.
  - Invocation / InvocationResponse: A single RPC-style call and its result.
  - Event: Lifecycle notifications broadcast on the lattice.
*/
package domain
