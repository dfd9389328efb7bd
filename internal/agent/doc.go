// Package agent is the proxy side of the agent protocol.
//
// # Overview
//
// A Pool holds every registered agent. Each agent is served by a Group of
// connections over one transport, chosen from the endpoint:
//
//	unix:///run/waf.sock   length-prefixed frames over a Unix socket
//	tcp://10.0.0.5:9000    the same frames over TCP
//	grpc://10.0.0.5:50051  one gRPC bidirectional stream per connection
//	reverse                the agent dials the proxy (see package reverse)
//
// Dialed agents are connected on first use. Every connection runs the
// Configure handshake before it carries traffic; the first Capabilities
// reply becomes the agent's capability snapshot.
//
// # Calls
//
//	resp, err := pool.SendEvent(ctx, "waf", &protocol.RequestHeaders{...})
//
// A call passes, in order: capability gating, the per-agent concurrency
// limit, the circuit breaker, connection selection and one correlated round
// trip bounded by the agent's timeout. Many calls share a connection; replies
// may arrive in any order.
//
// Start runs the same exchange in the background and returns a Call whose
// ID can be handed to Cancel. A cancelled call sends a Cancel frame to the
// agent and never delivers a late reply.
//
// # Failure policy
//
// Failed calls go through Fallback once. Fail-open agents allow the request,
// fail-closed agents block it with 504 on timeout and 503 otherwise. Only an
// unknown agent name, or an agent with no failure mode, surfaces an error.
//
// # Stream affinity
//
// Events that continue a request (body chunks, response phases, completion)
// stay on the connection that served the request headers and reuse that
// correlation ID. WebSocket frames stay on the connection but use fresh IDs.
package agent
