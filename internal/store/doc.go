// Package store provides SQLite-backed storage for the relay.
//
// The store keeps, per document:
//   - Snapshots: encrypted full states, ordered by seq
//   - Updates: encrypted change sets, keyed by (snapshot, author, clock)
//   - A server version counter bumped by every stored record
//
// # Critical Patterns
//
// Deterministic reads: every multi-row query orders by seq or version, never
// by insertion time, so a document reads back identically on every run.
//
// Idempotent writes: a duplicate update is reported as ErrConflict and
// never stored twice.
//
// Lineage and clock rules are enforced by the relay before it writes. The
// store only guarantees atomicity of each write and version assignment.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
