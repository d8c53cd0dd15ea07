// Package gateway wires the fleet-gateway server together.
//
// # Overview
//
// The gateway owns a single HTTP listener that serves three surfaces:
//
//   - /ws/agents/{id}: websocket connections from agents, carrying the JSON
//     envelope protocol (heartbeats, metrics, upgrade results inbound;
//     upgrade and config commands outbound)
//   - /api/...: the operator REST API for agents, telemetry, versions, and
//     upgrade tasks
//   - /health and /health/ready: liveness and readiness probes
//
// # Background Units
//
// Run starts three background loops alongside the server:
//
//   - liveness sweeper: marks silent agents offline
//   - rollup engine: hourly telemetry aggregation and retention cleanup
//   - upgrade dispatcher: delivers pending upgrade tasks to connected agents
//
// All three stop before the HTTP server during shutdown, so no loop observes
// a closed store.
//
// # Agent Lifecycle
//
// An unknown agent id connecting to /ws/agents/{id} is registered on the
// spot, using the hostname and version query parameters when present. A
// second connection for an id already in the session registry is rejected;
// the first connection stays authoritative.
package gateway
