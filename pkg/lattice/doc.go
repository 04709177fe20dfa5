/*
Package lattice defines how hosts and providers talk over the bus.

It names subjects, declares the JSON wire messages exchanged on them and
offers the two sides of provider RPC: Endpoints, used by hosts to deliver
link definitions and invocations, and ProviderServer, used by provider
processes to receive them. Client issues control commands to hosts.
*/
package lattice
