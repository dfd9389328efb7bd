// ABOUTME: Represents one physical channel to an agent process over any transport.
// ABOUTME: Multiplexes concurrent exchanges and routes responses by correlation ID.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateReady
	StateBusy
	StateClosing
	StateClosed
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Origin records who opened a connection.
type Origin int

const (
	OriginDialed Origin = iota
	OriginReverse
)

func (o Origin) String() string {
	if o == OriginReverse {
		return "reverse"
	}
	return "dialed"
}

// result resolves one pending exchange.
type result struct {
	resp *protocol.Response
	caps *protocol.Capabilities
	err  error
}

// Connection represents one channel to one agent process. It may serve
// many concurrent exchanges, each keyed by its correlation ID.
type Connection struct {
	ID         string
	Agent      string
	InstanceID string
	Origin     Origin

	transport wire.Transport
	logger    *slog.Logger

	state       atomic.Int32
	inFlight    atomic.Int64
	lastLatency atomic.Int64
	lastUsed    atomic.Int64
	caps        atomic.Pointer[protocol.Capabilities]

	// Owned by the group and guarded by its lock.
	weight     int
	wrrCurrent int

	mu      sync.Mutex
	pending map[string]chan result
	closed  bool
	failErr error

	done    chan struct{}
	onClose func(*Connection, error)
}

// newConnection wraps t and starts its reader. onClose, if set, runs once
// after the connection closes or fails.
func newConnection(agentName string, t wire.Transport, origin Origin, logger *slog.Logger, onClose func(*Connection, error)) *Connection {
	c := &Connection{
		ID:        uuid.New().String(),
		Agent:     agentName,
		Origin:    origin,
		transport: t,
		weight:    1,
		pending:   make(map[string]chan result),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
	c.logger = logger.With(
		"agent", agentName,
		"conn_id", c.ID,
		"transport", t.Kind().String(),
		"origin", origin.String(),
	)
	c.state.Store(int32(StateConnecting))
	go c.readLoop()
	return c
}

// State returns the connection state. Ready connections with exchanges in
// flight report Busy.
func (c *Connection) State() ConnState {
	s := ConnState(c.state.Load())
	if s == StateReady && c.inFlight.Load() > 0 {
		return StateBusy
	}
	return s
}

// Healthy reports whether the connection can take new exchanges.
func (c *Connection) Healthy() bool {
	return ConnState(c.state.Load()) == StateReady
}

// InFlight returns the number of leases currently held on the connection.
func (c *Connection) InFlight() int64 { return c.inFlight.Load() }

// LastLatency returns the round-trip time of the latest completed exchange.
func (c *Connection) LastLatency() time.Duration {
	return time.Duration(c.lastLatency.Load())
}

// Capabilities returns the snapshot taken at handshake, or nil before it.
func (c *Connection) Capabilities() *protocol.Capabilities { return c.caps.Load() }

// Kind returns the transport family.
func (c *Connection) Kind() wire.Kind { return c.transport.Kind() }

// Done is closed once the connection is closed or failed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the failure that ended the connection, or nil after a clean
// close or while it is still open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failErr
}

// handshake sends Configure and waits for the agent's Capabilities.
func (c *Connection) handshake(ctx context.Context, cfg *protocol.Configure) (*protocol.Capabilities, error) {
	id := uuid.New().String()
	ch, err := c.register(id)
	if err != nil {
		return nil, err
	}

	mt, payload, err := wire.EncodeEvent(id, cfg)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	if err := c.transport.Send(mt, payload); err != nil {
		c.forget(id)
		err = fmt.Errorf("%w: sending configure: %w", ErrTransport, err)
		c.fail(err)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.caps == nil {
			err := fmt.Errorf("%w: configure answered without capabilities", wire.ErrProtocolViolation)
			c.fail(err)
			return nil, err
		}
		c.caps.Store(r.caps)
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
		c.logger.Debug("handshake complete",
			"protocol_version", r.caps.ProtocolVersion,
			"agent_version", r.caps.Version,
		)
		return r.caps, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, contextError(ctx)
	}
}

// roundTrip sends ev under correlation ID id and waits for the matching
// response, the context deadline, or cancellation. When the context wins,
// a Cancel frame is sent and a late response is discarded. When the
// response wins the race, it is returned.
func (c *Connection) roundTrip(ctx context.Context, id string, ev protocol.Event) (*protocol.Response, error) {
	ch, err := c.register(id)
	if err != nil {
		return nil, err
	}

	mt, payload, err := wire.EncodeEvent(id, ev)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%w: %w", errSendRejected, err)
	}

	start := time.Now()
	c.lastUsed.Store(start.UnixNano())
	if err := c.transport.Send(mt, payload); err != nil {
		c.forget(id)
		if errors.Is(err, wire.ErrFrameTooLarge) {
			// Nothing reached the peer; the connection is still usable.
			return nil, fmt.Errorf("%w: %w", errSendRejected, err)
		}
		err = fmt.Errorf("%w: sending %s: %w", ErrTransport, ev.Type(), err)
		c.fail(err)
		return nil, err
	}

	select {
	case r := <-ch:
		return c.finish(r, start)
	case <-ctx.Done():
		if c.forget(id) {
			err := contextError(ctx)
			c.sendCancel(id, Classify(err).String())
			return nil, err
		}
		// The response was delivered between ctx firing and forget.
		return c.finish(<-ch, start)
	}
}

// finish turns a resolved pending entry into roundTrip's result. An event
// must be answered by a Response frame; Capabilities in its place is a
// protocol violation.
func (c *Connection) finish(r result, start time.Time) (*protocol.Response, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.resp == nil {
		err := fmt.Errorf("%w: event answered without a response", wire.ErrProtocolViolation)
		c.fail(err)
		return nil, err
	}
	c.lastLatency.Store(int64(time.Since(start)))
	return r.resp, nil
}

func (c *Connection) sendCancel(id, reason string) {
	payload, err := wire.Marshal(id, protocol.Cancel{Reason: reason})
	if err != nil {
		return
	}
	if err := c.transport.Send(wire.TypeCancel, payload); err != nil {
		c.logger.Debug("cancel frame not delivered", "correlation_id", id, "error", err)
	}
}

// register adds a pending entry. Each correlation ID has at most one
// exchange in flight.
func (c *Connection) register(id string) (chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: connection closed", ErrTransport)
	}
	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("%w: correlation id %s", errStreamBusy, id)
	}
	ch := make(chan result, 1)
	c.pending[id] = ch
	return ch, nil
}

// forget removes a pending entry without resolving it. It reports whether
// the entry was still present, i.e. whether the caller won the race.
func (c *Connection) forget(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		return true
	}
	return false
}

// resolve delivers r to the pending entry id. The entry is removed under
// the lock, so each entry is resolved at most once and the buffered send
// never blocks.
func (c *Connection) resolve(id string, r result) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- r
	return true
}

func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// readLoop demultiplexes incoming frames until the transport ends.
func (c *Connection) readLoop() {
	for {
		mt, payload, err := c.transport.Recv()
		if err != nil {
			if wire.IsClosed(err) {
				c.fail(fmt.Errorf("%w: connection closed by peer", ErrTransport))
			} else if errors.Is(err, wire.ErrProtocolViolation) {
				c.fail(err)
			} else {
				c.fail(fmt.Errorf("%w: %w", ErrTransport, err))
			}
			return
		}

		if err := c.dispatch(mt, payload); err != nil {
			c.logger.Warn("protocol violation, closing connection", "error", err)
			c.fail(err)
			return
		}
	}
}

func (c *Connection) dispatch(mt wire.MessageType, payload []byte) error {
	switch mt {
	case wire.TypeResponse:
		id, resp, err := wire.DecodeResponse(payload)
		if err != nil {
			return err
		}
		if err := resp.Decision.Validate(); err != nil {
			return fmt.Errorf("%w: %w", wire.ErrProtocolViolation, err)
		}
		if !c.resolve(id, result{resp: resp}) {
			c.logger.Debug("discarding response for unknown correlation id", "correlation_id", id)
		}
		return nil

	case wire.TypeCapabilities:
		id, caps, err := wire.DecodeCapabilities(payload)
		if err != nil {
			return err
		}
		if !c.resolve(id, result{caps: caps}) {
			c.logger.Debug("discarding unsolicited capabilities", "correlation_id", id)
		}
		return nil

	case wire.TypePing:
		if err := c.transport.Send(wire.TypePong, payload); err != nil {
			return fmt.Errorf("%w: answering ping: %w", ErrTransport, err)
		}
		return nil

	case wire.TypePong:
		return nil

	default:
		return fmt.Errorf("%w: unexpected %s frame from agent", wire.ErrProtocolViolation, mt)
	}
}

// fail tears the connection down and fails every pending exchange with
// ErrTransport. A nil err marks a clean close.
func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.failErr = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if err != nil {
		c.state.Store(int32(StateFailed))
	} else {
		c.state.Store(int32(StateClosing))
	}
	_ = c.transport.Close()

	var pendingErr error
	if err != nil {
		pendingErr = fmt.Errorf("%w: connection failed: %w", ErrTransport, err)
	} else {
		pendingErr = fmt.Errorf("%w: connection closed", ErrTransport)
	}
	for _, ch := range pending {
		ch <- result{err: pendingErr}
	}

	if err == nil {
		c.state.Store(int32(StateClosed))
	}
	close(c.done)

	if c.onClose != nil {
		c.onClose(c, err)
	}
}

// Close shuts the connection down cleanly.
func (c *Connection) Close() error {
	c.fail(nil)
	return nil
}
