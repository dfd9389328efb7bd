// ABOUTME: Decision variants returned by agents and the Response that wraps them.
// ABOUTME: Covers header mutations, body mutations, audit data and response merging.

package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidDecision is returned by Validate for malformed decisions.
var ErrInvalidDecision = errors.New("invalid decision")

// DecisionKind tags a Decision variant.
type DecisionKind string

const (
	DecisionAllow     DecisionKind = "allow"
	DecisionBlock     DecisionKind = "block"
	DecisionRedirect  DecisionKind = "redirect"
	DecisionChallenge DecisionKind = "challenge"
)

// Decision is an agent verdict. Only the fields of its Kind are meaningful.
type Decision struct {
	Kind DecisionKind `json:"type"`

	// Block
	Status  int               `json:"status,omitempty"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// Redirect (Status is shared with Block)
	URL string `json:"url,omitempty"`

	// Challenge
	ChallengeType string            `json:"challenge_type,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
}

// Allow lets the request continue unmodified.
func Allow() Decision {
	return Decision{Kind: DecisionAllow}
}

// Block stops the request with the given status and optional body.
func Block(status int, body string) Decision {
	return Decision{Kind: DecisionBlock, Status: status, Body: body}
}

// Redirect sends the client elsewhere.
func Redirect(url string, status int) Decision {
	return Decision{Kind: DecisionRedirect, URL: url, Status: status}
}

// Challenge asks the client to solve a challenge (e.g. a CAPTCHA).
func Challenge(challengeType string, params map[string]string) Decision {
	return Decision{Kind: DecisionChallenge, ChallengeType: challengeType, Params: params}
}

// IsAllow reports whether the decision lets the request through.
func (d Decision) IsAllow() bool {
	return d.Kind == DecisionAllow || d.Kind == ""
}

// Validate checks the fields required by the decision's kind.
func (d Decision) Validate() error {
	switch d.Kind {
	case DecisionAllow, "":
		return nil
	case DecisionBlock:
		if d.Status < 100 || d.Status > 599 {
			return fmt.Errorf("%w: block status %d", ErrInvalidDecision, d.Status)
		}
		return nil
	case DecisionRedirect:
		if d.URL == "" {
			return fmt.Errorf("%w: redirect without url", ErrInvalidDecision)
		}
		switch d.Status {
		case 301, 302, 307, 308:
			return nil
		default:
			return fmt.Errorf("%w: redirect status %d", ErrInvalidDecision, d.Status)
		}
	case DecisionChallenge:
		if d.ChallengeType == "" {
			return fmt.Errorf("%w: challenge without type", ErrInvalidDecision)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDecision, d.Kind)
	}
}

// HeaderOpKind is the header mutation verb.
type HeaderOpKind string

const (
	HeaderSet    HeaderOpKind = "set"
	HeaderAdd    HeaderOpKind = "add"
	HeaderRemove HeaderOpKind = "remove"
)

// HeaderOp is one header mutation. Value is empty for removals.
type HeaderOp struct {
	Op    HeaderOpKind `json:"op"`
	Name  string       `json:"name"`
	Value string       `json:"value,omitempty"`
}

// SetHeader replaces a header.
func SetHeader(name, value string) HeaderOp { return HeaderOp{Op: HeaderSet, Name: name, Value: value} }

// AddHeader appends a header value.
func AddHeader(name, value string) HeaderOp { return HeaderOp{Op: HeaderAdd, Name: name, Value: value} }

// RemoveHeader deletes a header.
func RemoveHeader(name string) HeaderOp { return HeaderOp{Op: HeaderRemove, Name: name} }

// BodyMutation rewrites one streamed body chunk.
// A nil Data passes the chunk through, an empty Data drops it.
type BodyMutation struct {
	ChunkIndex uint32 `json:"chunk_index"`
	Data       []byte `json:"data,omitempty"`
	Drop       bool   `json:"drop,omitempty"`
}

// WebSocketVerdict tags a WebSocketDecision.
type WebSocketVerdict string

const (
	WebSocketAllow WebSocketVerdict = "allow"
	WebSocketDrop  WebSocketVerdict = "drop"
	WebSocketClose WebSocketVerdict = "close"
)

// WebSocketDecision is the verdict for a WebSocketFrame event.
type WebSocketDecision struct {
	Verdict WebSocketVerdict `json:"verdict"`
	Code    int              `json:"code,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

// AuditMetadata is recorded alongside the decision.
type AuditMetadata struct {
	Tags        []string          `json:"tags,omitempty"`
	RuleIDs     []string          `json:"rule_ids,omitempty"`
	Confidence  *float64          `json:"confidence,omitempty"`
	ReasonCodes []string          `json:"reason_codes,omitempty"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// Severity grades a guardrail detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Detection is one guardrail finding.
type Detection struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Start       int      `json:"start,omitempty"`
	End         int      `json:"end,omitempty"`
}

// GuardrailResult answers a GuardrailInspect event.
type GuardrailResult struct {
	Detected        bool        `json:"detected"`
	Confidence      float64     `json:"confidence,omitempty"`
	Detections      []Detection `json:"detections,omitempty"`
	RedactedContent string      `json:"redacted_content,omitempty"`
}

// Response is everything an agent returns for one event.
type Response struct {
	Version              int                `json:"version"`
	Decision             Decision           `json:"decision"`
	RequestHeaders       []HeaderOp         `json:"request_headers,omitempty"`
	ResponseHeaders      []HeaderOp         `json:"response_headers,omitempty"`
	RoutingMetadata      map[string]string  `json:"routing_metadata,omitempty"`
	Audit                AuditMetadata      `json:"audit"`
	NeedsMore            bool               `json:"needs_more,omitempty"`
	RequestBodyMutation  *BodyMutation      `json:"request_body_mutation,omitempty"`
	ResponseBodyMutation *BodyMutation      `json:"response_body_mutation,omitempty"`
	WebSocketDecision    *WebSocketDecision `json:"websocket_decision,omitempty"`
	Guardrail            *GuardrailResult   `json:"guardrail,omitempty"`
}

// AllowResponse returns a plain Allow response.
func AllowResponse() *Response {
	return &Response{Version: Version, Decision: Allow()}
}

// DecisionResponse wraps d in a Response.
func DecisionResponse(d Decision) *Response {
	return &Response{Version: Version, Decision: d}
}

// Normalize fills defaults a sparse agent reply may omit.
func (r *Response) Normalize() {
	if r.Decision.Kind == "" {
		r.Decision.Kind = DecisionAllow
	}
	if r.Version == 0 {
		r.Version = Version
	}
}

// Merge folds other into r. The first non-allow decision wins; header
// mutations, routing metadata and audit data accumulate.
func (r *Response) Merge(other *Response) {
	if other == nil {
		return
	}
	if r.Decision.IsAllow() && !other.Decision.IsAllow() {
		r.Decision = other.Decision
	}
	r.RequestHeaders = append(r.RequestHeaders, other.RequestHeaders...)
	r.ResponseHeaders = append(r.ResponseHeaders, other.ResponseHeaders...)
	if len(other.RoutingMetadata) > 0 {
		if r.RoutingMetadata == nil {
			r.RoutingMetadata = make(map[string]string, len(other.RoutingMetadata))
		}
		for k, v := range other.RoutingMetadata {
			r.RoutingMetadata[k] = v
		}
	}
	r.Audit.Tags = append(r.Audit.Tags, other.Audit.Tags...)
	r.Audit.RuleIDs = append(r.Audit.RuleIDs, other.Audit.RuleIDs...)
	r.Audit.ReasonCodes = append(r.Audit.ReasonCodes, other.Audit.ReasonCodes...)
	r.NeedsMore = r.NeedsMore || other.NeedsMore
}
