// ABOUTME: Event variants delivered to agents at each request lifecycle point.
// ABOUTME: Includes event type naming and zero-value construction for decoding.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the agent protocol version spoken by this runtime.
const Version = 2

// EventType identifies one event variant.
type EventType int

const (
	EventConfigure EventType = iota
	EventRequestHeaders
	EventRequestBodyChunk
	EventResponseHeaders
	EventResponseBodyChunk
	EventRequestComplete
	EventWebSocketFrame
	EventGuardrailInspect
)

var eventTypeNames = map[EventType]string{
	EventConfigure:         "configure",
	EventRequestHeaders:    "request_headers",
	EventRequestBodyChunk:  "request_body_chunk",
	EventResponseHeaders:   "response_headers",
	EventResponseBodyChunk: "response_body_chunk",
	EventRequestComplete:   "request_complete",
	EventWebSocketFrame:    "websocket_frame",
	EventGuardrailInspect:  "guardrail_inspect",
}

// String returns the snake_case name used in logs and metric labels.
func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseEventType converts a snake_case name back to an EventType.
func ParseEventType(name string) (EventType, error) {
	for t, n := range eventTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", name)
}

// Event is implemented by every event variant.
type Event interface {
	// Type returns the variant tag.
	Type() EventType
	// StreamID returns the dataplane request this event belongs to.
	// Configure returns "".
	StreamID() string
}

// NewEvent returns a pointer to a zero value of the given variant, ready to
// be filled by a decoder.
func NewEvent(t EventType) (Event, error) {
	switch t {
	case EventConfigure:
		return &Configure{}, nil
	case EventRequestHeaders:
		return &RequestHeaders{}, nil
	case EventRequestBodyChunk:
		return &RequestBodyChunk{}, nil
	case EventResponseHeaders:
		return &ResponseHeaders{}, nil
	case EventResponseBodyChunk:
		return &ResponseBodyChunk{}, nil
	case EventRequestComplete:
		return &RequestComplete{}, nil
	case EventWebSocketFrame:
		return &WebSocketFrame{}, nil
	case EventGuardrailInspect:
		return &GuardrailInspect{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", int(t))
	}
}

// Configure is the handshake event sent first on every connection.
type Configure struct {
	AgentID         string          `json:"agent_id"`
	ProxyID         string          `json:"proxy_id"`
	ProxyVersion    string          `json:"proxy_version"`
	ProtocolVersion int             `json:"protocol_version"`
	Config          json.RawMessage `json:"config,omitempty"`
}

func (*Configure) Type() EventType  { return EventConfigure }
func (*Configure) StreamID() string { return "" }

// RequestMetadata describes the client side of the request.
type RequestMetadata struct {
	RequestID   string `json:"request_id"`
	ClientIP    string `json:"client_ip"`
	ClientPort  int    `json:"client_port"`
	ServerName  string `json:"server_name,omitempty"`
	Protocol    string `json:"protocol"`
	TLSVersion  string `json:"tls_version,omitempty"`
	RouteID     string `json:"route_id,omitempty"`
	UpstreamID  string `json:"upstream_id,omitempty"`
	Timestamp   string `json:"timestamp"`
	Traceparent string `json:"traceparent,omitempty"`
}

// RequestHeaders opens a request stream.
type RequestHeaders struct {
	Metadata RequestMetadata     `json:"metadata"`
	Method   string              `json:"method"`
	URI      string              `json:"uri"`
	Headers  map[string][]string `json:"headers"`
}

func (*RequestHeaders) Type() EventType    { return EventRequestHeaders }
func (e *RequestHeaders) StreamID() string { return e.Metadata.RequestID }

// RequestBodyChunk carries one slice of the request body.
type RequestBodyChunk struct {
	RequestID     string `json:"request_id"`
	Data          []byte `json:"data"`
	IsLast        bool   `json:"is_last"`
	TotalSize     *int64 `json:"total_size,omitempty"`
	ChunkIndex    uint32 `json:"chunk_index"`
	BytesReceived int64  `json:"bytes_received"`
}

func (*RequestBodyChunk) Type() EventType    { return EventRequestBodyChunk }
func (e *RequestBodyChunk) StreamID() string { return e.RequestID }

// ResponseHeaders carries the upstream response status and headers.
type ResponseHeaders struct {
	RequestID string              `json:"request_id"`
	Status    int                 `json:"status"`
	Headers   map[string][]string `json:"headers"`
}

func (*ResponseHeaders) Type() EventType    { return EventResponseHeaders }
func (e *ResponseHeaders) StreamID() string { return e.RequestID }

// ResponseBodyChunk carries one slice of the response body.
type ResponseBodyChunk struct {
	RequestID  string `json:"request_id"`
	Data       []byte `json:"data"`
	IsLast     bool   `json:"is_last"`
	TotalSize  *int64 `json:"total_size,omitempty"`
	ChunkIndex uint32 `json:"chunk_index"`
	BytesSent  int64  `json:"bytes_sent"`
}

func (*ResponseBodyChunk) Type() EventType    { return EventResponseBodyChunk }
func (e *ResponseBodyChunk) StreamID() string { return e.RequestID }

// RequestComplete is sent once the exchange is over.
type RequestComplete struct {
	RequestID        string `json:"request_id"`
	Status           int    `json:"status"`
	DurationMS       int64  `json:"duration_ms"`
	RequestBodySize  int64  `json:"request_body_size"`
	ResponseBodySize int64  `json:"response_body_size"`
	UpstreamAttempts int    `json:"upstream_attempts"`
	Error            string `json:"error,omitempty"`
}

func (*RequestComplete) Type() EventType    { return EventRequestComplete }
func (e *RequestComplete) StreamID() string { return e.RequestID }

// WebSocketOpcode names a frame opcode.
type WebSocketOpcode string

const (
	OpcodeContinuation WebSocketOpcode = "continuation"
	OpcodeText         WebSocketOpcode = "text"
	OpcodeBinary       WebSocketOpcode = "binary"
	OpcodeClose        WebSocketOpcode = "close"
	OpcodePing         WebSocketOpcode = "ping"
	OpcodePong         WebSocketOpcode = "pong"
)

// OpcodeFromByte maps an RFC 6455 opcode to its name.
func OpcodeFromByte(b byte) (WebSocketOpcode, bool) {
	switch b {
	case 0x0:
		return OpcodeContinuation, true
	case 0x1:
		return OpcodeText, true
	case 0x2:
		return OpcodeBinary, true
	case 0x8:
		return OpcodeClose, true
	case 0x9:
		return OpcodePing, true
	case 0xA:
		return OpcodePong, true
	default:
		return "", false
	}
}

// WebSocketFrame is one frame seen after an upgrade.
type WebSocketFrame struct {
	RequestID      string          `json:"request_id"`
	Opcode         WebSocketOpcode `json:"opcode"`
	Data           []byte          `json:"data"`
	ClientToServer bool            `json:"client_to_server"`
	FrameIndex     uint64          `json:"frame_index"`
	Fin            bool            `json:"fin"`
	RouteID        string          `json:"route_id,omitempty"`
	ClientIP       string          `json:"client_ip"`
}

func (*WebSocketFrame) Type() EventType    { return EventWebSocketFrame }
func (e *WebSocketFrame) StreamID() string { return e.RequestID }

// InspectionType selects what a guardrail agent looks for.
type InspectionType string

const (
	InspectPromptInjection InspectionType = "prompt_injection"
	InspectPIIDetection    InspectionType = "pii_detection"
)

// GuardrailInspect asks an agent to inspect free text.
type GuardrailInspect struct {
	RequestID      string            `json:"request_id"`
	InspectionType InspectionType    `json:"inspection_type"`
	Content        string            `json:"content"`
	Model          string            `json:"model,omitempty"`
	Categories     []string          `json:"categories,omitempty"`
	RouteID        string            `json:"route_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (*GuardrailInspect) Type() EventType    { return EventGuardrailInspect }
func (e *GuardrailInspect) StreamID() string { return e.RequestID }

// Continues reports whether t continues a stream opened by an earlier event.
func Continues(t EventType) bool {
	switch t {
	case EventRequestBodyChunk, EventResponseHeaders, EventResponseBodyChunk,
		EventRequestComplete, EventWebSocketFrame:
		return true
	default:
		return false
	}
}

// EndsStream reports whether ev is the last event of its request stream.
func EndsStream(ev Event) bool {
	switch e := ev.(type) {
	case *RequestComplete:
		return true
	case *ResponseBodyChunk:
		return e.IsLast
	default:
		return false
	}
}
