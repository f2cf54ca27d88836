// Package platform runs a configured set of sense agents in one process.
//
// # Architecture
//
//	Platform
//	├── Orchestrator      start_order sequencing, rollback on failure
//	├── []Member          roles.Brain / Ear / Eye / Mouth, or a bare node.Node
//	├── peer.Directory    shared by every local node, persisted in the store
//	├── store             learned peers and the envelope ledger (optional)
//	├── events.Bus        node lifecycle fan-out, feeds readiness
//	├── HTTP server       /health, /health/ready, metrics
//	└── gRPC server       grpc.health.v1 per agent
//
// # Startup
//
// Start loads learned peer addresses, prunes ledger entries older than
// database.ledger_retention, opens the health servers and then starts each
// agent in platform.start_order, one at a time. If an agent fails to start,
// the agents already running are stopped again in the same order.
//
// # HTTP Endpoints
//
//   - GET /health - Liveness check
//   - GET /health/ready - JSON readiness report; 503 until every agent started
//   - GET {metrics.path} - Prometheus metrics when metrics.enabled
//
// # gRPC Health
//
// Each agent id is a health service name: SERVING while running,
// NOT_SERVING otherwise. The empty service name tracks the platform.
package platform
