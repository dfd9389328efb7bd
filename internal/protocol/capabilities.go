// ABOUTME: Agent capability declaration exchanged during the Configure handshake.
// ABOUTME: Also defines the identity an agent presents when it dials the proxy.

package protocol

// Capabilities is the agent's answer to Configure: one flag per event family.
type Capabilities struct {
	ProtocolVersion int    `json:"protocol_version"`
	AgentID         string `json:"agent_id,omitempty"`
	Name            string `json:"name,omitempty"`
	Version         string `json:"version,omitempty"`

	RequestHeaders  bool `json:"request_headers"`
	RequestBody     bool `json:"request_body"`
	ResponseHeaders bool `json:"response_headers"`
	ResponseBody    bool `json:"response_body"`
	RequestComplete bool `json:"request_complete"`
	WebSocket       bool `json:"websocket"`
	Guardrail       bool `json:"guardrail"`

	// MaxConcurrentRequests is advisory; zero means no stated limit.
	MaxConcurrentRequests int `json:"max_concurrent_requests,omitempty"`
}

// AllEvents declares support for every event family.
func AllEvents() Capabilities {
	return Capabilities{
		ProtocolVersion: Version,
		RequestHeaders:  true,
		RequestBody:     true,
		ResponseHeaders: true,
		ResponseBody:    true,
		RequestComplete: true,
		WebSocket:       true,
		Guardrail:       true,
	}
}

// Handles reports whether events of type t may be sent to the agent.
func (c *Capabilities) Handles(t EventType) bool {
	if c == nil {
		return false
	}
	switch t {
	case EventConfigure:
		return true
	case EventRequestHeaders:
		return c.RequestHeaders
	case EventRequestBodyChunk:
		return c.RequestBody
	case EventResponseHeaders:
		return c.ResponseHeaders
	case EventResponseBodyChunk:
		return c.ResponseBody
	case EventRequestComplete:
		return c.RequestComplete
	case EventWebSocketFrame:
		return c.WebSocket
	case EventGuardrailInspect:
		return c.Guardrail
	default:
		return false
	}
}

// Identity is the first message of an agent-initiated connection.
type Identity struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id,omitempty"`
	Token      string `json:"token,omitempty"`
}

// Cancel asks the agent to abandon an in-flight exchange.
type Cancel struct {
	Reason string `json:"reason,omitempty"`
}
