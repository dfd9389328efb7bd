// ABOUTME: JSON envelope carried in every frame payload, plus typed encode/decode.
// ABOUTME: Maps protocol events to message type bytes and back.

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/2389/offload-gateway/internal/protocol"
)

// Envelope wraps every payload. CorrelationID ties a Response to its event.
type Envelope struct {
	CorrelationID string          `json:"correlation_id"`
	Body          json.RawMessage `json:"body,omitempty"`
}

var eventMessageTypes = map[protocol.EventType]MessageType{
	protocol.EventConfigure:         TypeConfigure,
	protocol.EventRequestHeaders:    TypeRequestHeaders,
	protocol.EventRequestBodyChunk:  TypeRequestBodyChunk,
	protocol.EventResponseHeaders:   TypeResponseHeaders,
	protocol.EventResponseBodyChunk: TypeResponseBodyChunk,
	protocol.EventRequestComplete:   TypeRequestComplete,
	protocol.EventWebSocketFrame:    TypeWebSocketFrame,
	protocol.EventGuardrailInspect:  TypeGuardrailInspect,
}

// EventMessageType returns the type byte for an event variant.
func EventMessageType(t protocol.EventType) MessageType {
	return eventMessageTypes[t]
}

// EventTypeOf maps a type byte back to an event variant.
func EventTypeOf(m MessageType) (protocol.EventType, bool) {
	for et, mt := range eventMessageTypes {
		if mt == m {
			return et, true
		}
	}
	return 0, false
}

// Marshal builds an envelope payload around body. A nil body is omitted.
func Marshal(correlationID string, body any) ([]byte, error) {
	env := Envelope{CorrelationID: correlationID}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		env.Body = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return data, nil
}

// Unmarshal parses an envelope. Malformed input is a protocol violation.
func Unmarshal(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: bad envelope: %v", ErrProtocolViolation, err)
	}
	return env, nil
}

func decodeBody[T any](payload []byte) (string, *T, error) {
	env, err := Unmarshal(payload)
	if err != nil {
		return "", nil, err
	}
	v := new(T)
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, v); err != nil {
			return env.CorrelationID, nil, fmt.Errorf("%w: bad body: %v", ErrProtocolViolation, err)
		}
	}
	return env.CorrelationID, v, nil
}

// EncodeEvent returns the type byte and payload for ev.
func EncodeEvent(correlationID string, ev protocol.Event) (MessageType, []byte, error) {
	mt, ok := eventMessageTypes[ev.Type()]
	if !ok {
		return 0, nil, fmt.Errorf("no message type for event %s", ev.Type())
	}
	payload, err := Marshal(correlationID, ev)
	if err != nil {
		return 0, nil, err
	}
	return mt, payload, nil
}

// DecodeEvent parses an event frame.
func DecodeEvent(m MessageType, payload []byte) (string, protocol.Event, error) {
	et, ok := EventTypeOf(m)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s is not an event", ErrProtocolViolation, m)
	}
	env, err := Unmarshal(payload)
	if err != nil {
		return "", nil, err
	}
	ev, err := protocol.NewEvent(et)
	if err != nil {
		return env.CorrelationID, nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := json.Unmarshal(env.Body, ev); err != nil {
		return env.CorrelationID, nil, fmt.Errorf("%w: bad %s body: %v", ErrProtocolViolation, et, err)
	}
	return env.CorrelationID, ev, nil
}

// DecodeResponse parses a Response frame and fills omitted defaults.
func DecodeResponse(payload []byte) (string, *protocol.Response, error) {
	id, resp, err := decodeBody[protocol.Response](payload)
	if err != nil {
		return id, nil, err
	}
	resp.Normalize()
	return id, resp, nil
}

// DecodeCapabilities parses a Capabilities frame.
func DecodeCapabilities(payload []byte) (string, *protocol.Capabilities, error) {
	return decodeBody[protocol.Capabilities](payload)
}

// DecodeIdentity parses an Identity frame.
func DecodeIdentity(payload []byte) (*protocol.Identity, error) {
	_, id, err := decodeBody[protocol.Identity](payload)
	if err != nil {
		return nil, err
	}
	if id.Name == "" {
		return nil, fmt.Errorf("%w: identity without name", ErrProtocolViolation)
	}
	return id, nil
}

// DecodeCancel parses a Cancel frame.
func DecodeCancel(payload []byte) (string, *protocol.Cancel, error) {
	return decodeBody[protocol.Cancel](payload)
}
