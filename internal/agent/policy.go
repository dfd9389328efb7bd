// ABOUTME: The single failure policy mapping (error kind, failure mode) to a decision.
// ABOUTME: Every failed agent call passes through Fallback exactly once.

package agent

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/offload-gateway/internal/protocol"
)

// FailureMode decides what an agent malfunction means for the request.
type FailureMode int

const (
	// FailureModeUnset surfaces errors to the caller instead of absorbing them.
	FailureModeUnset FailureMode = iota
	// FailOpen lets the request proceed unmodified.
	FailOpen
	// FailClosed blocks the request.
	FailClosed
)

func (m FailureMode) String() string {
	switch m {
	case FailOpen:
		return "open"
	case FailClosed:
		return "closed"
	default:
		return "unset"
	}
}

// ParseFailureMode accepts "open"/"fail-open" and "closed"/"fail-closed".
func ParseFailureMode(s string) (FailureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return FailureModeUnset, nil
	case "open", "fail-open", "fail_open":
		return FailOpen, nil
	case "closed", "fail-closed", "fail_closed":
		return FailClosed, nil
	default:
		return FailureModeUnset, fmt.Errorf("unknown failure mode %q", s)
	}
}

const (
	// DefaultBlockStatus is used by fail-closed for every error except timeouts.
	DefaultBlockStatus = http.StatusServiceUnavailable
	// TimeoutBlockStatus is used by fail-closed when the agent timed out.
	TimeoutBlockStatus = http.StatusGatewayTimeout

	fallbackTag = "agent_fallback"
)

// Fallback returns the response substituted for a failed call. With
// FailureModeUnset, or for errors that indicate a wiring mistake, it returns
// the error instead.
func Fallback(err error, mode FailureMode) (*protocol.Response, error) {
	kind := Classify(err)
	if kind == KindNone {
		return protocol.AllowResponse(), nil
	}
	if kind == KindUnknownAgent || mode == FailureModeUnset {
		return nil, err
	}

	var resp *protocol.Response
	switch mode {
	case FailOpen:
		resp = protocol.AllowResponse()
	default:
		if kind == KindTimeout {
			resp = protocol.DecisionResponse(protocol.Block(TimeoutBlockStatus, "Gateway timeout"))
		} else {
			resp = protocol.DecisionResponse(protocol.Block(DefaultBlockStatus, "Service unavailable"))
		}
	}
	resp.Audit.Tags = []string{fallbackTag}
	resp.Audit.ReasonCodes = []string{kind.String()}
	return resp, nil
}

// IsFallback reports whether resp was produced by Fallback.
func IsFallback(resp *protocol.Response) bool {
	if resp == nil {
		return false
	}
	for _, tag := range resp.Audit.Tags {
		if tag == fallbackTag {
			return true
		}
	}
	return false
}
