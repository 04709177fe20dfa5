// Package links drives the lifecycle of link definitions: it binds an actor
// to a provider once both are running somewhere on the lattice and the
// provider has acknowledged the binding, and unbinds it when either side
// disappears.
package links
