// ABOUTME: Error sentinels for the agent runtime and their classification.
// ABOUTME: Classify maps any returned error onto the fixed failure taxonomy.

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

var (
	// ErrTransport covers dial failures, resets and closed connections.
	ErrTransport = errors.New("agent transport error")

	// ErrTimeout means no response arrived within the per-call deadline.
	ErrTimeout = errors.New("agent call timed out")

	// ErrCircuitOpen means the breaker rejected the call without any I/O.
	ErrCircuitOpen = errors.New("agent circuit open")

	// ErrUnknownAgent means the caller named an agent that is not registered.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrHandshakeRejected means a reverse connection failed its identity
	// or Configure handshake.
	ErrHandshakeRejected = errors.New("agent handshake rejected")

	// ErrCancelled means the call was cancelled before a response arrived.
	ErrCancelled = errors.New("agent call cancelled")

	// ErrAgentExists indicates an agent with the same name is registered.
	ErrAgentExists = errors.New("agent already registered")

	// ErrInvalidEndpoint means an endpoint string matches no transport form.
	ErrInvalidEndpoint = errors.New("invalid agent endpoint")

	// ErrReservedEvent means the caller tried to send Configure, which only
	// the connection handshake sends.
	ErrReservedEvent = errors.New("configure is reserved for the handshake")

	// errSendRejected means the event was refused locally before any byte
	// reached the agent, e.g. because it exceeds the frame limit. It is not
	// a health signal.
	errSendRejected = errors.New("event rejected before sending")

	// errStreamBusy means another exchange on the same request stream is
	// still in flight. It is not a health signal.
	errStreamBusy = fmt.Errorf("%w: request stream busy", ErrTransport)
)

// ErrorKind is the failure taxonomy used by the failure policy and metrics.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindProtocol
	KindTransport
	KindTimeout
	KindCircuitOpen
	KindUnknownAgent
	KindHandshakeRejected
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindProtocol:
		return "protocol_violation"
	case KindTransport:
		return "transport_error"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindUnknownAgent:
		return "unknown_agent"
	case KindHandshakeRejected:
		return "handshake_rejected"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Classify returns the kind of err. Unrecognized errors count as transport
// errors.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUnknownAgent):
		return KindUnknownAgent
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrHandshakeRejected):
		return KindHandshakeRejected
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, wire.ErrProtocolViolation):
		return KindProtocol
	default:
		return KindTransport
	}
}

// checkEvent rejects events callers may not send.
func checkEvent(ev protocol.Event) error {
	if ev.Type() == protocol.EventConfigure {
		return ErrReservedEvent
	}
	return nil
}

// countsAsFailure reports whether err should be fed to the breaker as a
// failure of the agent.
func countsAsFailure(err error) bool {
	if errors.Is(err, errStreamBusy) || errors.Is(err, errNotDeclared) || errors.Is(err, errSendRejected) {
		return false
	}
	switch Classify(err) {
	case KindTimeout, KindTransport, KindProtocol:
		return true
	default:
		return false
	}
}

// contextError converts a finished call context into ErrTimeout or
// ErrCancelled, keeping the cause attached.
func contextError(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeout), errors.Is(cause, ErrCancelled):
		return cause
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, cause)
	default:
		return fmt.Errorf("%w: %v", ErrCancelled, cause)
	}
}
