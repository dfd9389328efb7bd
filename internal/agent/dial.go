// ABOUTME: Resolves an agent endpoint string into a closed set of transport kinds.
// ABOUTME: Builds the dialers that open socket or gRPC stream transports.

package agent

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/offload-gateway/internal/wire"
)

// TransportKind is resolved once when an agent is added.
type TransportKind int

const (
	// TransportSocket dials a framed socket (Unix domain or TCP).
	TransportSocket TransportKind = iota
	// TransportStream dials a gRPC bidirectional stream.
	TransportStream
	// TransportReverse never dials; the agent connects to the proxy.
	TransportReverse
)

func (k TransportKind) String() string {
	switch k {
	case TransportSocket:
		return "socket"
	case TransportStream:
		return "grpc"
	case TransportReverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// Endpoint is a parsed agent endpoint.
type Endpoint struct {
	Kind    TransportKind
	Network string // "unix" or "tcp" for sockets
	Address string
}

func (e Endpoint) String() string {
	switch e.Kind {
	case TransportReverse:
		return "reverse"
	case TransportSocket:
		return e.Network + ":" + e.Address
	default:
		return "grpc://" + e.Address
	}
}

// ParseEndpoint detects the transport from the endpoint form:
//
//	""  or "reverse"                      reverse only
//	unix:/run/waf.sock, /run/waf.sock     Unix domain socket
//	./waf.sock, anything ending in .sock  Unix domain socket
//	tcp://10.0.0.5:9000                   framed socket over TCP
//	grpc://target, 10.0.0.5:50051         gRPC stream
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || strings.EqualFold(s, "reverse"):
		return Endpoint{Kind: TransportReverse}, nil
	case strings.HasPrefix(s, "unix://"):
		return socketEndpoint("unix", strings.TrimPrefix(s, "unix://"))
	case strings.HasPrefix(s, "unix:"):
		return socketEndpoint("unix", strings.TrimPrefix(s, "unix:"))
	case strings.HasPrefix(s, "tcp://"):
		addr := strings.TrimPrefix(s, "tcp://")
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, s, err)
		}
		return Endpoint{Kind: TransportSocket, Network: "tcp", Address: addr}, nil
	case strings.HasPrefix(s, "grpc://"):
		addr := strings.TrimPrefix(s, "grpc://")
		if addr == "" {
			return Endpoint{}, fmt.Errorf("%w: %q: empty target", ErrInvalidEndpoint, s)
		}
		return Endpoint{Kind: TransportStream, Address: addr}, nil
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "./"),
		strings.HasPrefix(s, "../"), strings.HasSuffix(s, ".sock"):
		return socketEndpoint("unix", s)
	case strings.Contains(s, "://"):
		return Endpoint{}, fmt.Errorf("%w: %q: unsupported scheme", ErrInvalidEndpoint, s)
	}

	if _, port, err := net.SplitHostPort(s); err != nil || port == "" {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEndpoint, s)
	}
	return Endpoint{Kind: TransportStream, Address: s}, nil
}

func socketEndpoint(network, path string) (Endpoint, error) {
	if path == "" {
		return Endpoint{}, fmt.Errorf("%w: empty socket path", ErrInvalidEndpoint)
	}
	return Endpoint{Kind: TransportSocket, Network: network, Address: path}, nil
}

// dialFunc opens one transport. ctx bounds the dial only; lifetime bounds
// the transport afterwards.
type dialFunc func(ctx context.Context, lifetime context.Context) (wire.Transport, error)

func newDialer(ep Endpoint, grpcOpts []grpc.DialOption) dialFunc {
	switch ep.Kind {
	case TransportSocket:
		return func(ctx, _ context.Context) (wire.Transport, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, ep.Network, ep.Address)
			if err != nil {
				return nil, fmt.Errorf("%w: dialing %s: %w", ErrTransport, ep, err)
			}
			return wire.NewSocketTransport(conn), nil
		}
	case TransportStream:
		opts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                30 * time.Second,
				Timeout:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		}, grpcOpts...)
		return func(ctx, lifetime context.Context) (wire.Transport, error) {
			return dialStream(ctx, lifetime, ep.Address, opts)
		}
	default:
		return nil
	}
}

func dialStream(ctx, lifetime context.Context, target string, opts []grpc.DialOption) (wire.Transport, error) {
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating client for %s: %w", ErrTransport, target, err)
	}

	// The stream lives as long as the connection, but opening it must not
	// outlast the dial context.
	streamCtx, cancel := context.WithCancel(lifetime)
	stop := context.AfterFunc(ctx, cancel)

	stream, err := wire.OpenProcessStream(streamCtx, cc)
	if !stop() || err != nil {
		cancel()
		_ = cc.Close()
		if err == nil {
			err = context.Cause(ctx)
		}
		return nil, fmt.Errorf("%w: opening stream to %s: %w", ErrTransport, target, err)
	}

	return wire.NewStreamTransport(stream, target, func() error {
		cancel()
		return cc.Close()
	}), nil
}
