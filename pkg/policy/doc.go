/*
Package policy implements the admission gate consulted before a host starts
an actor or provider, establishes a link, or performs an invocation.

Decisions come from a pluggable Authority. The Gate adds a TTL-bounded
decision cache, an explicit revocation list and fail-closed behavior: an
authority that errors or does not answer in time yields a deny that is
logged and never cached.
*/
package policy
