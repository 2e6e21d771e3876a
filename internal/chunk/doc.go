// Package chunk provides the content-addressed chunk store underneath lattice.
//
// The store holds:
//   - Chunks: immutable payloads keyed by a SHA-256 digest of their content
//   - Refs: the child digests each chunk points at (used for reachability)
//   - Heads: named mutable pointers, updated only by compare-and-swap
//   - Pins: per-chunk reference counts held by active leases
//
// # Critical Patterns
//
// Leases: every read or write transaction holds a Lease. Chunks put or pinned
// through a lease carry a positive reference count until the lease is released.
// GC marks from the kept heads AND from every pinned chunk, so a transaction
// that has written chunks but not yet moved a head never loses them.
//
// Verification: payloads are re-hashed on every Get. A mismatch is a
// CorruptionError and is never tolerated.
//
// # Backends
//
//   - sqlite: github.com/mattn/go-sqlite3, WAL mode, single writer connection
//   - bolt: go.etcd.io/bbolt, one bucket per concern
//   - memory: maps under a mutex, for tests and ephemeral replicas
//
// Pins do not survive a restart: New clears them because no lease can
// outlive the process that took it.
package chunk
