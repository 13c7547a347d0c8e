// Package storage persists the escrow system's records: personal key
// version history, organization key versions with their per-member wrapped
// keys, encrypted vault entries, and emergency access grants.
//
// The canonical implementation is backed by Bun over SQLite (embedded,
// tests, small deployments) or PostgreSQL (production). An in-memory
// implementation with identical compare-and-set semantics backs unit
// tests of the layers above.
//
// All version counters and grant statuses are guarded by optimistic
// concurrency: writes compare against the expected prior value inside one
// transaction and reject on mismatch rather than lock.
package storage
