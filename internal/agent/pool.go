// ABOUTME: Registry of agents and the public entry point for offloading events.
// ABOUTME: Resolves agent names to connection groups and admits reverse connections.

package agent

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/2389/offload-gateway/internal/breaker"
	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

const (
	DefaultTimeout          = time.Second
	DefaultConnections      = 4
	DefaultMaxConcurrent    = 100
	DefaultHandshakeTimeout = 5 * time.Second
)

// AgentConfig describes one agent. Zero fields take defaults when the
// agent is added.
type AgentConfig struct {
	Name     string
	Endpoint string

	// Timeout bounds each call, including queueing and connecting.
	Timeout     time.Duration
	FailureMode FailureMode

	Connections int
	Strategy    Strategy
	// Weights are per-connection weights for WeightedRoundRobin, by slot.
	Weights []int

	Breaker breaker.Config

	// MaxConcurrent bounds calls in flight to this agent so one slow agent
	// cannot absorb every dataplane task.
	MaxConcurrent int

	HandshakeTimeout time.Duration

	// Config is sent to the agent in Configure.
	Config json.RawMessage
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Connections <= 0 {
		c.Connections = DefaultConnections
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return c
}

// AgentInfo is a point-in-time view of one agent.
type AgentInfo struct {
	Name         string                 `json:"name"`
	Transport    string                 `json:"transport"`
	Endpoint     string                 `json:"endpoint"`
	FailureMode  string                 `json:"failure_mode"`
	Strategy     string                 `json:"strategy"`
	Breaker      string                 `json:"breaker"`
	Capabilities *protocol.Capabilities `json:"capabilities,omitempty"`
	Connections  []ConnectionInfo       `json:"connections"`
}

// ConnectionInfo is a point-in-time view of one connection.
type ConnectionInfo struct {
	ID          string        `json:"id"`
	Transport   string        `json:"transport"`
	Origin      string        `json:"origin"`
	InstanceID  string        `json:"instance_id,omitempty"`
	State       string        `json:"state"`
	InFlight    int64         `json:"in_flight"`
	LastLatency time.Duration `json:"last_latency_ns"`
}

// Pool coordinates every registered agent.
type Pool struct {
	proxyID      string
	proxyVersion string
	dialOpts     []grpc.DialOption
	observer     Observer
	recorder     Recorder
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	groups map[string]*Group
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithObserver reports call outcomes, breaker transitions and connection
// counts to o.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// WithRecorder sends non-allow decisions and fallbacks to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithProxyIdentity sets the proxy ID and version sent in Configure.
func WithProxyIdentity(id, version string) Option {
	return func(p *Pool) {
		p.proxyID = id
		p.proxyVersion = version
	}
}

// WithDialOptions adds gRPC dial options for stream-transport agents.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(p *Pool) { p.dialOpts = append(p.dialOpts, opts...) }
}

// NewPool creates an empty pool.
func NewPool(opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		proxyID:  "offload-gateway",
		observer: nopObserver{},
		recorder: nopRecorder{},
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		groups:   make(map[string]*Group),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "agent_pool")
	return p
}

// AddAgent registers an agent. The transport is resolved from the endpoint
// once, here; connections are established on first use.
func (p *Pool) AddAgent(cfg AgentConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	ep, err := ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("agent %s: %w", cfg.Name, err)
	}
	cfg = cfg.withDefaults()

	configure := &protocol.Configure{
		AgentID:         cfg.Name,
		ProxyID:         p.proxyID,
		ProxyVersion:    p.proxyVersion,
		ProtocolVersion: protocol.Version,
		Config:          cfg.Config,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.groups[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, cfg.Name)
	}
	g := newGroup(p.ctx, cfg, ep, configure, newDialer(ep, p.dialOpts), p.observer, p.logger)
	p.groups[cfg.Name] = g

	p.logger.Info("agent registered",
		"agent", cfg.Name,
		"transport", ep.Kind.String(),
		"endpoint", ep.String(),
		"failure_mode", cfg.FailureMode.String(),
		"connections", cfg.Connections,
		"strategy", cfg.Strategy.String(),
		"total_agents", len(p.groups),
	)
	return nil
}

// RemoveAgent unregisters an agent and closes its connections.
func (p *Pool) RemoveAgent(name string) error {
	p.mu.Lock()
	g, ok := p.groups[name]
	if ok {
		delete(p.groups, name)
	}
	n := len(p.groups)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	g.close()
	p.logger.Info("agent removed", "agent", name, "total_agents", n)
	return nil
}

func (p *Pool) group(name string) (*Group, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	g, ok := p.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return g, nil
}

// Capabilities returns the capabilities learned at the agent's first
// handshake.
func (p *Pool) Capabilities(name string) (*protocol.Capabilities, bool) {
	g, err := p.group(name)
	if err != nil {
		return nil, false
	}
	caps := g.capabilities()
	return caps, caps != nil
}

// Agents returns a snapshot of every agent, sorted by name.
func (p *Pool) Agents() []AgentInfo {
	p.mu.RLock()
	groups := make([]*Group, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(groups))
	for _, g := range groups {
		info := AgentInfo{
			Name:         g.name,
			Transport:    g.endpoint.Kind.String(),
			Endpoint:     g.endpoint.String(),
			FailureMode:  g.cfg.FailureMode.String(),
			Strategy:     g.cfg.Strategy.String(),
			Breaker:      g.breaker.State().String(),
			Capabilities: g.capabilities(),
		}
		for _, c := range g.connections() {
			info.Connections = append(info.Connections, ConnectionInfo{
				ID:          c.ID,
				Transport:   c.Kind().String(),
				Origin:      c.Origin.String(),
				InstanceID:  c.InstanceID,
				State:       c.State().String(),
				InFlight:    c.InFlight(),
				LastLatency: c.LastLatency(),
			})
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b AgentInfo) int { return cmp.Compare(a.Name, b.Name) })
	return infos
}

// Ready reports whether no agent is currently isolated by its breaker.
// Agents are connected lazily, so an idle agent counts as ready.
func (p *Pool) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, g := range p.groups {
		if g.breaker.State() == breaker.StateOpen {
			return false
		}
	}
	return true
}

// Attach runs the proxy side of a reverse connection after the agent's
// identity frame was read: registry check, Configure handshake, and
// admission to the agent's group. On error the transport is closed.
func (p *Pool) Attach(ctx context.Context, id *protocol.Identity, t wire.Transport) (*Connection, error) {
	g, err := p.group(id.Name)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
	}
	if err := g.admit(id.InstanceID); err != nil {
		_ = t.Close()
		return nil, err
	}

	conn := newConnection(g.name, t, OriginReverse, g.logger, g.handleClose)
	conn.InstanceID = id.InstanceID

	ctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()
	if _, err := conn.handshake(ctx, g.configure); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: configure: %w", ErrHandshakeRejected, err)
	}
	if err := g.attach(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Cancel cancels the in-flight call with the given correlation ID,
// searching every agent. It reports whether a call was found.
func (p *Pool) Cancel(correlationID string) bool {
	p.mu.RLock()
	groups := make([]*Group, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.mu.RUnlock()

	for _, g := range groups {
		if g.cancelCall(correlationID) {
			return true
		}
	}
	return false
}

// Close removes every agent.
func (p *Pool) Close() error {
	p.mu.Lock()
	groups := p.groups
	p.groups = make(map[string]*Group)
	p.mu.Unlock()

	p.cancel()
	for _, g := range groups {
		g.close()
	}
	return nil
}
