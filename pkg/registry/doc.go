/*
Package registry tracks where actors and providers run.

The Registry owns the authoritative set of instances running on this host and
an eventually consistent, lease-bounded view of every other host on the
lattice, rebuilt from heartbeats and lifecycle events. Remote state is soft:
a host that stops heartbeating disappears from Find results once its lease
window passes, without any explicit failure detection.
*/
package registry
