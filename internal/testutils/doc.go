// Package testutils provides fakes shared by the host-level tests: a signing
// issuer, an actor runtime without WebAssembly, and a launcher that runs
// providers in process on the test transport.
package testutils
