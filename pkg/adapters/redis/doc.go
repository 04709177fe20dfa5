// Package redis implements the lattice transport, the link store and the
// distributed locker on Redis.
//
// The transport maps subjects onto Redis pub/sub channels. Wildcard
// subscriptions use PSUBSCRIBE and are re-filtered with subject matching,
// since Redis globs do not respect token boundaries. Queue groups are emulated
// by letting every member race for a SETNX claim on the message id.
package redis
