// Package gateway orchestrates the offload-gateway server components.
//
// # Overview
//
// The gateway owns the agent pool and everything around it: the reverse
// listeners agents dial into, the gRPC server hosting the ReverseConnect
// service, the HTTP server for health, metrics and the admin API, the
// Prometheus collector and the decision audit log.
//
// # Listeners
//
// Without Tailscale the gateway listens on TCP:
//
//   - server.http_addr: health, metrics and admin API
//   - server.grpc_addr: ReverseConnect gRPC service (optional)
//   - reverse.socket_addr: framed socket reverse connections (optional)
//
// With tailscale.enabled the node joins the tailnet through tsnet and
// listens there on :80, :50051 and tailscale.reverse_port instead.
//
// # HTTP API
//
//	GET  /health                              liveness
//	GET  /health/ready                        503 while any circuit is open
//	GET  /metrics                             Prometheus exposition
//	GET  /api/agents                          agents, breakers and connections
//	GET  /api/audit                           recent non-allow decisions
//	POST /api/agents/{agent}/events/{type}    offload one event to an agent
//	POST /api/routes/{route}/events/{type}    run one event through a route
//	POST /api/calls/{id}/cancel               cancel an in-flight call
//
// When reverse.jwt_secret is set, the /api routes require an admin-scoped
// bearer token and every reverse identity must carry an agent-scoped one.
//
// # Lifecycle
//
// New registers agents without dialing them. Run opens the listeners and
// serves until its context ends or a server fails, then Shutdown closes the
// HTTP server, the pool (ending reverse streams), the gRPC server and the
// audit log, in that order.
package gateway
