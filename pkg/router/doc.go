// Package router dispatches invocations between actors and providers.
//
// Every call is resolved against the registry, checked for an active link
// when it targets a provider, admitted by the policy gate and then delivered
// either in process, for actors running on this host, or over the lattice
// bus. The router never retries: invocations are not assumed idempotent.
package router
