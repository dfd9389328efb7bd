// ABOUTME: Agent-side runtime: answers Configure, runs handlers concurrently and honors Cancel.
// ABOUTME: Serves sockets and gRPC streams, and dials proxies for reverse connections.

package agentserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"

	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

// Handler implements an agent's decision logic.
type Handler interface {
	Capabilities() protocol.Capabilities
	// Handle decides one event. ctx is cancelled when the proxy sends Cancel
	// or the connection ends. A returned error produces no reply.
	Handle(ctx context.Context, ev protocol.Event) (*protocol.Response, error)
}

// Configurer is implemented by handlers that accept the proxy's Configure
// event. An error closes the connection before Capabilities is sent.
type Configurer interface {
	Configure(ctx context.Context, cfg *protocol.Configure) error
}

// Func adapts a plain function to Handler.
type Func struct {
	Caps protocol.Capabilities
	Fn   func(ctx context.Context, ev protocol.Event) (*protocol.Response, error)
}

func (f Func) Capabilities() protocol.Capabilities { return f.Caps }

func (f Func) Handle(ctx context.Context, ev protocol.Event) (*protocol.Response, error) {
	return f.Fn(ctx, ev)
}

// Stats counts what a Server has seen.
type Stats struct {
	Connections int64
	Configured  int64
	Handled     int64
	Cancelled   int64
	Failed      int64
}

// Server runs a Handler on any number of connections.
type Server struct {
	handler Handler
	logger  *slog.Logger

	connections atomic.Int64
	configured  atomic.Int64
	handled     atomic.Int64
	cancelled   atomic.Int64
	failed      atomic.Int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a Server for h.
func New(h Handler, opts ...Option) *Server {
	s := &Server{handler: h, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "agent_server")
	return s
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.connections.Load(),
		Configured:  s.configured.Load(),
		Handled:     s.handled.Load(),
		Cancelled:   s.cancelled.Load(),
		Failed:      s.failed.Load(),
	}
}

// session is the per-connection state.
type session struct {
	t      wire.Transport
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func (ss *session) start(ctx context.Context, id string) (context.Context, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, busy := ss.inflight[id]; busy {
		return nil, false
	}
	hctx, cancel := context.WithCancel(ctx)
	ss.inflight[id] = cancel
	return hctx, true
}

// finish reports whether the exchange was still live, i.e. not cancelled.
func (ss *session) finish(id string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	cancel, ok := ss.inflight[id]
	if ok {
		delete(ss.inflight, id)
		cancel()
	}
	return ok
}

func (ss *session) cancel(id string) bool {
	ss.mu.Lock()
	cancel, ok := ss.inflight[id]
	if ok {
		delete(ss.inflight, id)
	}
	ss.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ServeConn runs the agent side of one connection until the proxy closes
// it, ctx ends, or the proxy violates the protocol.
func (s *Server) ServeConn(ctx context.Context, t wire.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	s.connections.Add(1)
	ss := &session{
		t:        t,
		logger:   s.logger.With("remote", t.RemoteAddr(), "transport", t.Kind().String()),
		inflight: make(map[string]context.CancelFunc),
	}
	defer ss.wg.Wait()
	defer cancel()

	for {
		mt, payload, err := t.Recv()
		if err != nil {
			if wire.IsClosed(err) || ctx.Err() != nil {
				ss.logger.Debug("connection closed")
				return nil
			}
			return fmt.Errorf("receiving: %w", err)
		}

		if err := s.dispatch(ctx, ss, mt, payload); err != nil {
			ss.logger.Warn("closing connection", "error", err)
			_ = t.Close()
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, ss *session, mt wire.MessageType, payload []byte) error {
	switch mt {
	case wire.TypeConfigure:
		id, ev, err := wire.DecodeEvent(mt, payload)
		if err != nil {
			return err
		}
		return s.configure(ctx, ss, id, ev.(*protocol.Configure))

	case wire.TypeCancel:
		id, c, err := wire.DecodeCancel(payload)
		if err != nil {
			return err
		}
		if ss.cancel(id) {
			s.cancelled.Add(1)
			ss.logger.Debug("exchange cancelled", "correlation_id", id, "reason", c.Reason)
		}
		return nil

	case wire.TypePing:
		return ss.t.Send(wire.TypePong, payload)

	case wire.TypePong:
		return nil
	}

	id, ev, err := wire.DecodeEvent(mt, payload)
	if err != nil {
		return err
	}
	hctx, ok := ss.start(ctx, id)
	if !ok {
		return fmt.Errorf("%w: correlation id %s already in flight", wire.ErrProtocolViolation, id)
	}
	ss.wg.Add(1)
	go s.handle(hctx, ss, id, ev)
	return nil
}

func (s *Server) configure(ctx context.Context, ss *session, id string, cfg *protocol.Configure) error {
	if c, ok := s.handler.(Configurer); ok {
		if err := c.Configure(ctx, cfg); err != nil {
			return fmt.Errorf("configure rejected: %w", err)
		}
	}
	caps := s.handler.Capabilities()
	if caps.ProtocolVersion == 0 {
		caps.ProtocolVersion = protocol.Version
	}
	if caps.AgentID == "" {
		caps.AgentID = cfg.AgentID
	}
	payload, err := wire.Marshal(id, caps)
	if err != nil {
		return err
	}
	s.configured.Add(1)
	ss.logger.Info("configured by proxy",
		"proxy_id", cfg.ProxyID,
		"proxy_version", cfg.ProxyVersion,
		"agent_id", cfg.AgentID,
	)
	return ss.t.Send(wire.TypeCapabilities, payload)
}

func (s *Server) handle(ctx context.Context, ss *session, id string, ev protocol.Event) {
	defer ss.wg.Done()

	start := time.Now()
	resp, err := s.handler.Handle(ctx, ev)
	if !ss.finish(id) {
		// Cancelled: the proxy no longer waits for this reply.
		return
	}
	if err != nil {
		s.failed.Add(1)
		ss.logger.Warn("handler failed",
			"correlation_id", id,
			"event", ev.Type().String(),
			"error", err,
		)
		return
	}
	if resp == nil {
		resp = protocol.AllowResponse()
	}
	resp.Normalize()

	payload, err := wire.Marshal(id, resp)
	if err == nil {
		err = ss.t.Send(wire.TypeResponse, payload)
	}
	if err != nil {
		ss.logger.Debug("reply not delivered", "correlation_id", id, "error", err)
		return
	}
	s.handled.Add(1)
	ss.logger.Debug("event handled",
		"correlation_id", id,
		"event", ev.Type().String(),
		"decision", string(resp.Decision.Kind),
		"duration", time.Since(start),
	)
}

// Serve accepts socket connections from the proxy until ctx ends.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, wire.NewSocketTransport(conn)); err != nil {
				s.logger.Warn("connection ended with error", "error", err)
			}
		}()
	}
}

// Process serves one proxy-initiated gRPC stream.
func (s *Server) Process(stream grpc.ServerStream) error {
	addr := ""
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		addr = p.Addr.String()
	}
	return s.ServeConn(stream.Context(), wire.NewStreamTransport(stream, addr, nil))
}

// DialReverse connects to a proxy's reverse socket listener, introduces the
// agent with id, and serves the connection until it ends.
func (s *Server) DialReverse(ctx context.Context, network, addr string, id protocol.Identity) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("dialing proxy: %w", err)
	}
	t := wire.NewSocketTransport(conn)
	if err := sendIdentity(t, id); err != nil {
		_ = t.Close()
		return err
	}
	return s.ServeConn(ctx, t)
}

// DialReverseStream does the same as DialReverse over the proxy's
// ReverseConnect gRPC service.
func (s *Server) DialReverseStream(ctx context.Context, cc grpc.ClientConnInterface, id protocol.Identity) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := wire.OpenConnectStream(ctx, cc)
	if err != nil {
		return fmt.Errorf("opening reverse stream: %w", err)
	}
	t := wire.NewStreamTransport(stream, "", func() error {
		cancel()
		return nil
	})
	if err := sendIdentity(t, id); err != nil {
		_ = t.Close()
		return err
	}
	return s.ServeConn(ctx, t)
}

func sendIdentity(t wire.Transport, id protocol.Identity) error {
	payload, err := wire.Marshal("", id)
	if err != nil {
		return err
	}
	if err := t.Send(wire.TypeIdentity, payload); err != nil {
		return fmt.Errorf("sending identity: %w", err)
	}
	return nil
}

// GRPCServerOptions returns the options an agent's gRPC server needs to
// accept the proxy's streams and keepalive pings.
func GRPCServerOptions() []grpc.ServerOption {
	return append(wire.ServerOptions(),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}
