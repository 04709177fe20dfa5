/*
Package keylock provides per-key mutual exclusion.

The registry and link manager guard each identity or link key with its own
mutex so unrelated actors and providers never contend. Entries are reference
counted and garbage collected when the last holder releases them. An optional
ports.DistributedLocker extends the exclusion across hosts.
*/
package keylock
