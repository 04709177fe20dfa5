/*
Package observability provides Prometheus instrumentation for a lattice host.

Every component accepts an optional *Metrics; all methods are safe to call on
a nil receiver so instrumentation never becomes a hard dependency of the core.
*/
package observability
