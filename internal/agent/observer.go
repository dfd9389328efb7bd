// ABOUTME: Hooks through which the pool reports call outcomes and audit records.
// ABOUTME: Implemented by the metrics collector and the decision audit store.

package agent

import (
	"time"

	"github.com/2389/offload-gateway/internal/breaker"
	"github.com/2389/offload-gateway/internal/protocol"
)

// Outcome labels how one call ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeTransport   Outcome = "transport_error"
	OutcomeProtocol    Outcome = "protocol_violation"
	OutcomeCircuitOpen Outcome = "circuit_open"
	OutcomeCancelled   Outcome = "cancelled"
)

func outcomeOf(err error) Outcome {
	switch Classify(err) {
	case KindNone:
		return OutcomeSuccess
	case KindTimeout:
		return OutcomeTimeout
	case KindProtocol:
		return OutcomeProtocol
	case KindCircuitOpen:
		return OutcomeCircuitOpen
	case KindCancelled:
		return OutcomeCancelled
	default:
		return OutcomeTransport
	}
}

// Observer receives per-agent measurements. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	ObserveCall(agent string, event protocol.EventType, outcome Outcome, latency time.Duration)
	ObserveBreaker(agent string, from, to breaker.State)
	ObserveConnections(agent string, n int)
}

// AuditEntry describes one non-allow decision or fallback.
type AuditEntry struct {
	Time          time.Time
	Agent         string
	CorrelationID string
	RequestID     string
	Event         protocol.EventType
	Decision      protocol.Decision
	Fallback      bool
	ErrorKind     ErrorKind
	Latency       time.Duration
	RuleIDs       []string
}

// Recorder persists audit entries. Record must not block the caller.
type Recorder interface {
	Record(entry AuditEntry)
}

type nopObserver struct{}

func (nopObserver) ObserveCall(string, protocol.EventType, Outcome, time.Duration) {}
func (nopObserver) ObserveBreaker(string, breaker.State, breaker.State)            {}
func (nopObserver) ObserveConnections(string, int)                                {}

type nopRecorder struct{}

func (nopRecorder) Record(AuditEntry) {}
