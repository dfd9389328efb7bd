// ABOUTME: Decision record types persisted by the audit log.
// ABOUTME: Defines the filter used to list recent decisions.

package store

import (
	"errors"
	"time"
)

// ErrClosed is returned when writing to a closed audit log.
var ErrClosed = errors.New("audit log closed")

// Decision is one persisted non-allow decision or fallback.
type Decision struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Agent         string    `json:"agent"`
	CorrelationID string    `json:"correlation_id"`
	RequestID     string    `json:"request_id,omitempty"`
	Event         string    `json:"event"`
	Kind          string    `json:"decision"`
	Status        int       `json:"status,omitempty"`
	Fallback      bool      `json:"fallback"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	LatencyMicros int64     `json:"latency_us"`
	RuleIDs       []string  `json:"rule_ids,omitempty"`
}

// DecisionFilter specifies filtering options for listing decisions.
type DecisionFilter struct {
	Since        *time.Time // entries after this time
	Agent        *string    // filter by agent
	FallbackOnly bool       // only failure-policy substitutions
	Limit        int        // max results (default 100, max 1000)
}
