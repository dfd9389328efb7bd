// ABOUTME: Connection group owning every connection to one agent.
// ABOUTME: Handles lazy dialing, balancing, breaker feedback, redials and reverse attach.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/2389/offload-gateway/internal/affinity"
	"github.com/2389/offload-gateway/internal/breaker"
	"github.com/2389/offload-gateway/internal/protocol"
)

const (
	minRedialBackoff = 100 * time.Millisecond
	maxRedialBackoff = 30 * time.Second

	pinTTL             = 5 * time.Minute
	maxPinned          = 100_000
	defaultDialTimeout = 5 * time.Second
)

// pin ties a request stream to the connection and correlation ID of the
// exchange that opened it.
type pin struct {
	conn          *Connection
	correlationID string
}

// Group owns the connections of one agent. Its connection set and breaker
// are mutated only here, under mu; callers go through acquire and release.
type Group struct {
	name      string
	cfg       AgentConfig
	endpoint  Endpoint
	dial      dialFunc
	breaker   *breaker.Breaker
	balancer  Balancer
	sem       *semaphore.Weighted
	pins      *affinity.Cache[pin]
	observer  Observer
	configure *protocol.Configure
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dialMu sync.Mutex

	mu        sync.Mutex
	conns     []*Connection
	started   bool
	redialing int
	closed    bool
	calls     map[string]context.CancelCauseFunc

	caps atomic.Pointer[protocol.Capabilities]
}

func newGroup(parent context.Context, cfg AgentConfig, ep Endpoint, configure *protocol.Configure, d dialFunc, observer Observer, logger *slog.Logger) *Group {
	ctx, cancel := context.WithCancel(parent)
	g := &Group{
		name:      cfg.Name,
		cfg:       cfg,
		endpoint:  ep,
		dial:      d,
		balancer:  newBalancer(cfg.Strategy),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		pins:      affinity.New[pin](pinTTL, maxPinned),
		observer:  observer,
		configure: configure,
		logger:    logger.With("agent", cfg.Name),
		ctx:       ctx,
		cancel:    cancel,
		calls:     make(map[string]context.CancelCauseFunc),
	}
	g.breaker = breaker.New(cfg.Breaker, breaker.OnStateChange(func(from, to breaker.State) {
		g.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		observer.ObserveBreaker(cfg.Name, from, to)
	}))
	return g
}

// lease is one acquired connection slot.
type lease struct {
	g        *Group
	conn     *Connection
	ticket   breaker.Ticket
	released atomic.Bool
}

// acquire checks the breaker, connects lazily, and picks a connection.
// preferred, when still healthy and part of the group, is used instead of
// the balancer so a request stream stays on one connection.
func (g *Group) acquire(ctx context.Context, preferred *Connection) (*lease, error) {
	ticket, err := g.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, g.name)
	}

	if err := g.ensure(ctx); err != nil {
		g.report(ticket, err)
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		g.breaker.Release(ticket)
		return nil, fmt.Errorf("%w: agent %s removed", ErrTransport, g.name)
	}

	var conn *Connection
	if preferred != nil && preferred.Healthy() && slices.Contains(g.conns, preferred) {
		conn = preferred
	} else {
		healthy := make([]*Connection, 0, len(g.conns))
		for _, c := range g.conns {
			if c.Healthy() {
				healthy = append(healthy, c)
			}
		}
		if len(healthy) == 0 {
			if g.dial == nil {
				// Reverse agent not connected yet; not a health verdict.
				g.breaker.Release(ticket)
			} else {
				g.breaker.Failure(ticket)
			}
			return nil, fmt.Errorf("%w: agent %s", ErrNoConnections, g.name)
		}
		conn = g.balancer.Pick(healthy)
	}

	conn.inFlight.Add(1)
	conn.lastUsed.Store(time.Now().UnixNano())
	return &lease{g: g, conn: conn, ticket: ticket}, nil
}

// release returns the slot and feeds the call outcome to the breaker.
func (l *lease) release(err error) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.conn.inFlight.Add(-1)
	l.g.report(l.ticket, err)
}

// report routes one call outcome into the breaker.
func (g *Group) report(t breaker.Ticket, err error) {
	switch {
	case err == nil:
		g.breaker.Success(t)
	case countsAsFailure(err):
		g.breaker.Failure(t)
	default:
		g.breaker.Release(t)
	}
}

// ensure dials the configured number of connections on first use. Callers
// racing here wait for a single dial round.
func (g *Group) ensure(ctx context.Context) error {
	if g.dial == nil {
		return nil
	}

	g.mu.Lock()
	ready := g.started && (len(g.conns) > 0 || g.redialing > 0)
	g.mu.Unlock()
	if ready {
		return nil
	}

	g.dialMu.Lock()
	defer g.dialMu.Unlock()

	g.mu.Lock()
	ready = g.started && (len(g.conns) > 0 || g.redialing > 0)
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: agent %s removed", ErrTransport, g.name)
	}
	if ready {
		return nil
	}

	n := g.cfg.Connections
	conns := make([]*Connection, n)
	var eg errgroup.Group
	for i := range n {
		eg.Go(func() error {
			conn, err := g.connect(ctx)
			if err != nil {
				return err
			}
			conns[i] = conn
			return nil
		})
	}
	dialErr := eg.Wait()

	connected := 0
	for _, conn := range conns {
		if conn != nil && g.add(conn) {
			connected++
		}
	}
	if connected == 0 {
		if dialErr == nil {
			dialErr = fmt.Errorf("%w: no connection to %s survived the handshake", ErrTransport, g.name)
		}
		g.logger.Warn("failed to connect to agent", "endpoint", g.endpoint.String(), "error", dialErr)
		return dialErr
	}

	g.mu.Lock()
	g.started = true
	missing := n - connected
	g.mu.Unlock()

	if missing > 0 {
		g.logger.Warn("agent partially connected", "connected", connected, "wanted", n, "error", dialErr)
	}
	for range missing {
		g.scheduleRedial()
	}
	return nil
}

// connect dials one transport and runs the Configure handshake.
func (g *Group) connect(ctx context.Context) (*Connection, error) {
	t, err := g.dial(ctx, g.ctx)
	if err != nil {
		return nil, err
	}
	conn := newConnection(g.name, t, OriginDialed, g.logger, g.handleClose)
	caps, err := conn.handshake(ctx, g.configure)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", g.name, err)
	}
	g.caps.CompareAndSwap(nil, caps)
	return conn, nil
}

// add inserts a ready connection. It reports false, closing the
// connection, when the group is gone or the connection already died.
func (g *Group) add(conn *Connection) bool {
	g.mu.Lock()
	if g.closed || !conn.Healthy() {
		g.mu.Unlock()
		_ = conn.Close()
		return false
	}
	conn.weight = g.weightFor(len(g.conns))
	g.conns = append(g.conns, conn)
	n := len(g.conns)
	g.mu.Unlock()

	g.connected(conn, n)
	return true
}

func (g *Group) connected(conn *Connection, n int) {
	g.logger.Info("=== AGENT CONNECTED ===",
		"conn_id", conn.ID,
		"transport", conn.Kind().String(),
		"origin", conn.Origin.String(),
		"instance_id", conn.InstanceID,
		"total_connections", n,
	)
	g.observer.ObserveConnections(g.name, n)
}

// weightFor must be called with mu held.
func (g *Group) weightFor(slot int) int {
	if slot < len(g.cfg.Weights) && g.cfg.Weights[slot] > 0 {
		return g.cfg.Weights[slot]
	}
	return 1
}

// admit reports whether a reverse connection with instanceID may join.
func (g *Group) admit(instanceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admitLocked(instanceID)
}

func (g *Group) admitLocked(instanceID string) error {
	if g.closed {
		return fmt.Errorf("%w: agent %s removed", ErrHandshakeRejected, g.name)
	}
	if len(g.conns)+g.redialing >= g.cfg.Connections {
		return fmt.Errorf("%w: agent %s at capacity (%d connections)", ErrHandshakeRejected, g.name, g.cfg.Connections)
	}
	if instanceID != "" {
		for _, c := range g.conns {
			if c.InstanceID == instanceID {
				return fmt.Errorf("%w: duplicate instance %s for agent %s", ErrHandshakeRejected, instanceID, g.name)
			}
		}
	}
	return nil
}

// attach admits a handshaken reverse connection. From here on it is
// balanced exactly like a dialed one.
func (g *Group) attach(conn *Connection) error {
	g.mu.Lock()
	if err := g.admitLocked(conn.InstanceID); err != nil {
		g.mu.Unlock()
		return err
	}
	if !conn.Healthy() {
		g.mu.Unlock()
		return fmt.Errorf("%w: connection lost during handshake", ErrHandshakeRejected)
	}
	g.started = true
	conn.weight = g.weightFor(len(g.conns))
	g.conns = append(g.conns, conn)
	n := len(g.conns)
	g.mu.Unlock()

	if caps := conn.Capabilities(); caps != nil {
		g.caps.CompareAndSwap(nil, caps)
	}
	g.connected(conn, n)
	return nil
}

// handleClose removes a closed connection. Failed dialed connections are
// redialed in the background; reverse ones wait for the agent to return.
func (g *Group) handleClose(conn *Connection, err error) {
	g.mu.Lock()
	idx := slices.Index(g.conns, conn)
	if idx < 0 {
		g.mu.Unlock()
		return
	}
	g.conns = slices.Delete(g.conns, idx, idx+1)
	n := len(g.conns)
	redial := err != nil && !g.closed && g.dial != nil && conn.Origin == OriginDialed
	g.mu.Unlock()

	g.pins.DeleteFunc(func(p pin) bool { return p.conn == conn })
	g.observer.ObserveConnections(g.name, n)

	if err != nil {
		g.logger.Warn("=== AGENT DISCONNECTED ===",
			"conn_id", conn.ID,
			"origin", conn.Origin.String(),
			"error", err,
			"total_connections", n,
		)
	} else {
		g.logger.Info("=== AGENT DISCONNECTED ===",
			"conn_id", conn.ID,
			"origin", conn.Origin.String(),
			"total_connections", n,
		)
	}

	if redial {
		g.scheduleRedial()
	}
}

func (g *Group) scheduleRedial() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.redialing++
	g.wg.Add(1)
	g.mu.Unlock()

	go g.redial()
}

// redial reconnects one slot with jittered exponential backoff. It never
// touches sibling connections.
func (g *Group) redial() {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		g.redialing--
		g.mu.Unlock()
	}()

	backoff := minRedialBackoff
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(jitter(backoff))
		select {
		case <-g.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(g.ctx, g.dialTimeout())
		conn, err := g.connect(ctx)
		cancel()
		if err == nil && g.add(conn) {
			return
		}
		if g.ctx.Err() != nil {
			return
		}

		g.logger.Debug("redial failed", "attempt", attempt, "backoff", backoff, "error", err)
		backoff = min(backoff*2, maxRedialBackoff)
	}
}

func (g *Group) dialTimeout() time.Duration {
	if g.cfg.HandshakeTimeout > 0 {
		return g.cfg.HandshakeTimeout
	}
	return defaultDialTimeout
}

// jitter spreads d over [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}

// capabilities returns the first handshake snapshot, or nil.
func (g *Group) capabilities() *protocol.Capabilities {
	return g.caps.Load()
}

// trackCall registers cancel under id. It reports false when a call with
// the same correlation ID is already in flight.
func (g *Group) trackCall(id string, cancel context.CancelCauseFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.calls[id]; busy {
		return false
	}
	g.calls[id] = cancel
	return true
}

func (g *Group) untrackCall(id string) {
	g.mu.Lock()
	delete(g.calls, id)
	g.mu.Unlock()
}

// cancelCall cancels the in-flight call with correlation ID id.
func (g *Group) cancelCall(id string) bool {
	g.mu.Lock()
	cancel, ok := g.calls[id]
	g.mu.Unlock()
	if !ok {
		return false
	}
	cancel(fmt.Errorf("%w: correlation id %s", ErrCancelled, id))
	return true
}

// connections returns a snapshot of the current connection set.
func (g *Group) connections() []*Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.conns)
}

// close shuts down every connection and stops background redials.
func (g *Group) close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	conns := slices.Clone(g.conns)
	g.mu.Unlock()

	g.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	g.wg.Wait()
	g.pins.Close()
}
