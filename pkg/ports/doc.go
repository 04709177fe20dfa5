/*
Package ports defines the driven ports (interfaces) of a lattice host.

These interfaces decouple the linking and dispatch core from the message bus,
persistence, the WebAssembly engine and provider processes, so the core can
run against in-memory fakes in tests and against Redis or NATS in production.

# Key Interfaces

  - Transport: The lattice bus (subjects, request/reply, queue groups).
  - LinkStore: Durable, lattice-wide store of link definitions.
  - DistributedLocker: Cross-host mutual exclusion for control operations.
  - ProviderEndpoints: Addresses a provider instance for binding and invocation.
  - ActorRuntime / ProviderLauncher: The externally supplied execution engines.
*/
package ports
