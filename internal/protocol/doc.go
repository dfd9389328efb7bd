// Package protocol defines the vocabulary shared by the proxy and its agents.
//
// # Overview
//
// Every exchange between the proxy dataplane and an external agent is one
// Event sent by the proxy and one Response returned by the agent. The wire
// package turns these values into frames; this package only knows what they
// mean.
//
// # Events
//
// Events are tagged variants, one Go type per lifecycle point:
//
//   - Configure: sent first on every new connection (handshake)
//   - RequestHeaders, RequestBodyChunk: the client request
//   - ResponseHeaders, ResponseBodyChunk: the upstream response
//   - RequestComplete: the exchange finished (logging/audit)
//   - WebSocketFrame: a frame after an upgrade
//   - GuardrailInspect: text inspection (prompt injection, PII)
//
// All events except Configure carry the dataplane request ID returned by
// StreamID. Continuation events of one request share that ID, which lets the
// pool keep them on the connection that saw the initiating headers.
//
// # Decisions
//
// A Decision is one of Allow, Block, Redirect or Challenge. A Response wraps
// the decision with header mutations, which the dataplane applies whatever the
// decision is, plus optional streaming and audit details.
//
// # Capabilities
//
// Agents answer Configure with Capabilities, one boolean per event family.
// The pool never sends an event type the agent did not declare.
package protocol
