// ABOUTME: Sends events to agents: synchronous SendEvent and asynchronous Start/Call.
// ABOUTME: Applies capability gating, queue isolation, stream affinity and the failure policy.

package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/offload-gateway/internal/protocol"
)

// errNotDeclared means the agent did not declare the event type; the event
// is skipped and the request allowed.
var errNotDeclared = errors.New("event type not declared by agent")

// exchange is the bookkeeping for one call, created before any I/O so the
// call can be cancelled by correlation ID from the start.
type exchange struct {
	id      string
	event   protocol.Event
	pinned  *Connection
	ctx     context.Context
	cancel  context.CancelCauseFunc
	tracked bool
}

// Call is an exchange started with Start.
type Call struct {
	id    string
	agent string
	done  chan struct{}
	resp  *protocol.Response
	err   error
}

// ID returns the correlation ID, usable with Pool.Cancel.
func (c *Call) ID() string { return c.id }

// Agent returns the agent name.
func (c *Call) Agent() string { return c.agent }

// Done is closed when the call has a result.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call finishes or ctx ends. The result follows the
// same rules as SendEvent.
func (c *Call) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendEvent delivers ev to the named agent and returns the effective
// decision. Transport errors, timeouts and an open breaker are converted by
// the agent's failure mode; only ErrUnknownAgent and ErrReservedEvent reach
// the caller unless the failure mode is unset.
func (p *Pool) SendEvent(ctx context.Context, name string, ev protocol.Event) (*protocol.Response, error) {
	if err := checkEvent(ev); err != nil {
		return nil, err
	}
	g, err := p.group(name)
	if err != nil {
		return nil, err
	}
	return p.execute(g, g.begin(ctx, ev), FailureModeUnset)
}

// Start begins an exchange in the background. The returned Call's ID can be
// passed to Cancel at any point until Wait returns.
func (p *Pool) Start(ctx context.Context, name string, ev protocol.Event) (*Call, error) {
	if err := checkEvent(ev); err != nil {
		return nil, err
	}
	g, err := p.group(name)
	if err != nil {
		return nil, err
	}
	x := g.begin(ctx, ev)
	call := &Call{id: x.id, agent: name, done: make(chan struct{})}
	go func() {
		defer close(call.done)
		call.resp, call.err = p.execute(g, x, FailureModeUnset)
	}()
	return call, nil
}

// execute runs one exchange and applies the failure policy. override, when
// set, replaces the agent's configured failure mode.
func (p *Pool) execute(g *Group, x *exchange, override FailureMode) (*protocol.Response, error) {
	defer x.cancel(nil)
	if x.tracked {
		defer g.untrackCall(x.id)
	}

	ev := x.event
	start := time.Now()
	resp, err := g.exchange(x)
	latency := time.Since(start)

	if errors.Is(err, errNotDeclared) {
		p.observer.ObserveCall(g.name, ev.Type(), OutcomeSkipped, latency)
		return protocol.AllowResponse(), nil
	}
	p.observer.ObserveCall(g.name, ev.Type(), outcomeOf(err), latency)

	if err == nil {
		if !resp.Decision.IsAllow() {
			p.recorder.Record(auditEntry(g.name, x, resp, nil, latency))
		}
		return resp, nil
	}

	mode := g.cfg.FailureMode
	if override != FailureModeUnset {
		mode = override
	}
	fallback, ferr := Fallback(err, mode)
	if ferr != nil {
		return nil, ferr
	}

	level := p.logger.Warn
	if Classify(err) == KindCircuitOpen {
		level = p.logger.Debug
	}
	level("agent call failed, applying failure mode",
		"agent", g.name,
		"event", ev.Type().String(),
		"correlation_id", x.id,
		"failure_mode", mode.String(),
		"decision", string(fallback.Decision.Kind),
		"error", err,
	)
	p.recorder.Record(auditEntry(g.name, x, fallback, err, latency))
	return fallback, nil
}

func auditEntry(agentName string, x *exchange, resp *protocol.Response, err error, latency time.Duration) AuditEntry {
	return AuditEntry{
		Time:          time.Now(),
		Agent:         agentName,
		CorrelationID: x.id,
		RequestID:     x.event.StreamID(),
		Event:         x.event.Type(),
		Decision:      resp.Decision,
		Fallback:      err != nil,
		ErrorKind:     Classify(err),
		Latency:       latency,
		RuleIDs:       resp.Audit.RuleIDs,
	}
}

// begin allocates the correlation ID and registers the call for
// cancellation. Continuation events of a pinned request stream reuse the
// stream's connection; body chunks, response headers and completion also
// reuse its correlation ID. WebSocket frames flow both ways concurrently,
// so each frame gets its own ID.
func (g *Group) begin(ctx context.Context, ev protocol.Event) *exchange {
	x := &exchange{event: ev}
	if key := ev.StreamID(); key != "" && protocol.Continues(ev.Type()) {
		if p, ok := g.pins.Get(key); ok {
			x.pinned = p.conn
			if ev.Type() != protocol.EventWebSocketFrame {
				x.id = p.correlationID
			}
		}
	}
	if x.id == "" {
		x.id = uuid.New().String()
	}
	x.ctx, x.cancel = context.WithCancelCause(ctx)
	x.tracked = g.trackCall(x.id, x.cancel)
	return x
}

// exchange performs one round trip within the agent's per-call deadline.
func (g *Group) exchange(x *exchange) (*protocol.Response, error) {
	if !x.tracked {
		return nil, fmt.Errorf("%w: correlation id %s", errStreamBusy, x.id)
	}

	ev := x.event
	if caps := g.capabilities(); caps != nil && !caps.Handles(ev.Type()) {
		return nil, errNotDeclared
	}

	ctx, cancel := context.WithTimeoutCause(x.ctx, g.cfg.Timeout,
		fmt.Errorf("%w: %s after %s", ErrTimeout, g.name, g.cfg.Timeout))
	defer cancel()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, contextError(ctx)
	}
	defer g.sem.Release(1)

	l, err := g.acquire(ctx, x.pinned)
	if err != nil {
		g.unpin(ev, err)
		return nil, err
	}

	// The group snapshot is empty until the first handshake completes.
	if !l.conn.Capabilities().Handles(ev.Type()) {
		l.release(errNotDeclared)
		return nil, errNotDeclared
	}

	resp, err := l.conn.roundTrip(ctx, x.id, ev)
	l.release(err)
	g.updatePin(ev, l.conn, x.id, resp, err)
	return resp, err
}

// updatePin keeps a request stream on the connection that served its
// opening exchange, and releases it when the stream ends or is decided.
func (g *Group) updatePin(ev protocol.Event, conn *Connection, id string, resp *protocol.Response, err error) {
	key := ev.StreamID()
	if key == "" || ev.Type() == protocol.EventGuardrailInspect {
		return
	}
	if err != nil || protocol.EndsStream(ev) || !resp.Decision.IsAllow() {
		g.unpin(ev, err)
		return
	}
	if ev.Type() == protocol.EventWebSocketFrame {
		if _, ok := g.pins.Get(key); ok {
			return
		}
	}
	g.pins.Put(key, pin{conn: conn, correlationID: id})
}

func (g *Group) unpin(ev protocol.Event, err error) {
	if errors.Is(err, errStreamBusy) {
		return
	}
	if key := ev.StreamID(); key != "" {
		g.pins.Delete(key)
	}
}
