/*
Package host assembles one lattice host.

A Host owns its registry, link manager, router and policy gate and connects
them to the lattice transport: it answers control commands addressed to it,
serves invocations for the actors it runs, follows the lifecycle events and
heartbeats of its peers, and advertises its own inventory. Several hosts can
share one in-memory transport inside a single test process.
*/
package host
