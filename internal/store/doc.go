// Package store provides persistence for fleet-gateway.
//
// The Store interface covers the five durable entity kinds: agents, raw
// metric points, hourly aggregates, published agent versions, and upgrade
// tasks. SQLiteStore is the production implementation, backed by
// modernc.org/sqlite with WAL mode enabled.
//
// Timestamps are stored as RFC 3339 UTC text. Sentinel errors (ErrNotFound,
// ErrDuplicateAgent, ErrDuplicateVersion) let callers distinguish expected
// conditions from I/O failures with errors.Is.
//
// Two operations carry semantics beyond plain CRUD:
//
//   - PublishVersion flips the is_latest flag inside a single transaction,
//     so exactly one version is latest at every instant.
//   - UpsertHourlyAggregate overwrites on (agent_id, hour) conflict, which
//     makes re-running an hour's aggregation idempotent.
package store
