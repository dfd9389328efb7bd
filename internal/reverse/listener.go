// ABOUTME: Accepts agent-initiated connections over sockets or the ReverseConnect gRPC service.
// ABOUTME: Reads the identity frame, verifies its token and hands the transport to the pool.

package reverse

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
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/offload-gateway/internal/agent"
	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

// DefaultHandshakeTimeout bounds the wait for the identity frame.
const DefaultHandshakeTimeout = 10 * time.Second

var errIdentityTimeout = errors.New("no identity frame before deadline")

// Attacher admits an identified transport. *agent.Pool implements it.
type Attacher interface {
	Attach(ctx context.Context, id *protocol.Identity, t wire.Transport) (*agent.Connection, error)
}

// IdentityVerifier checks the token in an identity frame.
// *auth.JWTVerifier implements it.
type IdentityVerifier interface {
	VerifyIdentity(id *protocol.Identity) error
}

// Listener accepts reverse connections.
type Listener struct {
	pool             Attacher
	verifier         IdentityVerifier
	handshakeTimeout time.Duration
	logger           *slog.Logger

	accepted atomic.Int64
	rejected atomic.Int64
}

// Option configures a Listener.
type Option func(*Listener)

// WithVerifier requires every identity to carry a valid token.
func WithVerifier(v IdentityVerifier) Option {
	return func(l *Listener) { l.verifier = v }
}

// WithHandshakeTimeout bounds the wait for the identity frame.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.handshakeTimeout = d
		}
	}
}

// WithLogger sets the listener logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// New creates a Listener admitting connections into pool.
func New(pool Attacher, opts ...Option) *Listener {
	l := &Listener{
		pool:             pool,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "reverse_listener")
	return l
}

// Stats returns the accepted and rejected connection counts.
func (l *Listener) Stats() (accepted, rejected int64) {
	return l.accepted.Load(), l.rejected.Load()
}

// Serve accepts socket connections until ctx ends or lis fails.
func (l *Listener) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	l.logger.Info("reverse listener accepting", "addr", lis.Addr().String())
	for {
		nc, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting reverse connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.admit(ctx, wire.NewSocketTransport(nc))
		}()
	}
}

// Connect serves one ReverseConnect stream for as long as the agent stays
// attached.
func (l *Listener) Connect(stream grpc.ServerStream) error {
	addr := ""
	if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
		addr = p.Addr.String()
	}

	// Closing the transport ends the handler, which ends the stream.
	closed := make(chan struct{})
	var once sync.Once
	t := wire.NewStreamTransport(stream, addr, func() error {
		once.Do(func() { close(closed) })
		return nil
	})

	conn, err := l.admit(stream.Context(), t)
	if err != nil {
		if errors.Is(err, agent.ErrUnknownAgent) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.PermissionDenied, err.Error())
	}

	select {
	case <-conn.Done():
	case <-closed:
	case <-stream.Context().Done():
		_ = conn.Close()
	}
	return nil
}

// admit runs the identity handshake and attaches the transport. On error
// the transport is closed.
func (l *Listener) admit(ctx context.Context, t wire.Transport) (*agent.Connection, error) {
	logger := l.logger.With("remote", t.RemoteAddr(), "transport", t.Kind().String())

	id, err := l.readIdentity(t)
	if err != nil {
		_ = t.Close()
		return nil, l.reject(logger, nil, err)
	}

	if l.verifier != nil {
		if err := l.verifier.VerifyIdentity(id); err != nil {
			_ = t.Close()
			return nil, l.reject(logger, id, err)
		}
	}

	conn, err := l.pool.Attach(ctx, id, t)
	if err != nil {
		return nil, l.reject(logger, id, err)
	}

	l.accepted.Add(1)
	logger.Info("reverse agent attached",
		"agent", id.Name,
		"instance_id", id.InstanceID,
		"conn_id", conn.ID,
	)
	return conn, nil
}

func (l *Listener) reject(logger *slog.Logger, id *protocol.Identity, err error) error {
	l.rejected.Add(1)
	if !errors.Is(err, agent.ErrHandshakeRejected) {
		err = fmt.Errorf("%w: %w", agent.ErrHandshakeRejected, err)
	}
	if id != nil {
		logger = logger.With("agent", id.Name, "instance_id", id.InstanceID)
	}
	logger.Warn("reverse connection rejected", "error", err)
	return err
}

// readIdentity waits for the first frame, which must be an Identity.
func (l *Listener) readIdentity(t wire.Transport) (*protocol.Identity, error) {
	type frame struct {
		mt      wire.MessageType
		payload []byte
		err     error
	}
	ch := make(chan frame, 1)
	go func() {
		mt, payload, err := t.Recv()
		ch <- frame{mt, payload, err}
	}()

	timer := time.NewTimer(l.handshakeTimeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		if f.err != nil {
			return nil, fmt.Errorf("reading identity: %w", f.err)
		}
		if f.mt != wire.TypeIdentity {
			return nil, fmt.Errorf("%w: first frame is %s, want identity", wire.ErrProtocolViolation, f.mt)
		}
		return wire.DecodeIdentity(f.payload)
	case <-timer.C:
		return nil, errIdentityTimeout
	}
}
