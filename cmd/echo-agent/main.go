// ABOUTME: Minimal offload agent for local and E2E testing; tags or blocks requests
// ABOUTME: Usage: echo-agent [--listen addr] [--grpc-listen addr] [--reverse addr] [--reverse-grpc addr]

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/2389/offload-gateway/internal/agentserver"
	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

var version = "dev"

var flags struct {
	name        string
	listen      string
	grpcListen  string
	reverse     string
	reverseGRPC string
	token       string
	instance    string
	delay       time.Duration
	debug       bool
}

var rootCmd = &cobra.Command{
	Use:           "echo-agent",
	Short:         "Offload agent that tags requests with a header and blocks on x-echo-block",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.name, "name", "echo", "agent name; reverse connections must match the gateway's agent entry")
	f.StringVar(&flags.listen, "listen", "", "serve framed sockets on a TCP address or unix socket path")
	f.StringVar(&flags.grpcListen, "grpc-listen", "", "serve the AgentProcessor gRPC service on this address")
	f.StringVar(&flags.reverse, "reverse", "", "dial the gateway's reverse socket listener at this address")
	f.StringVar(&flags.reverseGRPC, "reverse-grpc", "", "dial the gateway's ReverseConnect gRPC service at this address")
	f.StringVar(&flags.token, "token", os.Getenv("OFFLOAD_AGENT_TOKEN"), "identity token for reverse connections")
	f.StringVar(&flags.instance, "instance", "", "instance ID for reverse connections (default: random)")
	f.DurationVar(&flags.delay, "delay", 0, "wait this long before answering each event")
	f.BoolVar(&flags.debug, "debug", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if flags.listen == "" && flags.grpcListen == "" && flags.reverse == "" && flags.reverseGRPC == "" {
		return errors.New("nothing to do: set --listen, --grpc-listen, --reverse or --reverse-grpc")
	}

	level := slog.LevelInfo
	if flags.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("agent", flags.name)

	srv := agentserver.New(newEcho(flags.name, flags.delay, logger), agentserver.WithLogger(logger))

	instance := flags.instance
	if instance == "" {
		instance = flags.name + "-" + uuid.NewString()[:8]
	}
	id := protocol.Identity{Name: flags.name, InstanceID: instance, Token: flags.token}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if flags.listen != "" {
		lis, err := listen(flags.listen)
		if err != nil {
			return err
		}
		logger.Info("serving sockets", "addr", lis.Addr().String())
		g.Go(func() error { return srv.Serve(ctx, lis) })
	}

	if flags.grpcListen != "" {
		lis, err := net.Listen("tcp", flags.grpcListen)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", flags.grpcListen, err)
		}
		gs := grpc.NewServer(agentserver.GRPCServerOptions()...)
		wire.RegisterProcessServer(gs, srv)
		logger.Info("serving gRPC", "addr", lis.Addr().String())
		g.Go(func() error { return gs.Serve(lis) })
		g.Go(func() error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if flags.reverse != "" {
		network, addr := socketAddr(flags.reverse)
		g.Go(func() error {
			return reconnect(ctx, logger, "socket "+flags.reverse, func(ctx context.Context) error {
				return srv.DialReverse(ctx, network, addr, id)
			})
		})
	}

	if flags.reverseGRPC != "" {
		cc, err := grpc.NewClient(flags.reverseGRPC, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer cc.Close()
		g.Go(func() error {
			return reconnect(ctx, logger, "grpc "+flags.reverseGRPC, func(ctx context.Context) error {
				return srv.DialReverseStream(ctx, cc, id)
			})
		})
	}

	err := g.Wait()
	st := srv.Stats()
	logger.Info("stopped",
		"connections", st.Connections,
		"handled", st.Handled,
		"cancelled", st.Cancelled,
		"failed", st.Failed,
	)
	return err
}

// socketAddr maps a unix socket path or a TCP address to dial arguments.
func socketAddr(s string) (network, addr string) {
	switch {
	case strings.HasPrefix(s, "unix://"):
		return "unix", strings.TrimPrefix(s, "unix://")
	case strings.HasPrefix(s, "tcp://"):
		return "tcp", strings.TrimPrefix(s, "tcp://")
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "./"), strings.HasSuffix(s, ".sock"):
		return "unix", s
	default:
		return "tcp", s
	}
}

func listen(s string) (net.Listener, error) {
	network, addr := socketAddr(s)
	if network == "unix" {
		_ = os.Remove(addr)
	}
	lis, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s, err)
	}
	return lis, nil
}

const (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
	// stableAfter resets the backoff once a session lasted this long.
	stableAfter = 10 * time.Second
)

// reconnect keeps a reverse connection up until ctx ends.
func reconnect(ctx context.Context, logger *slog.Logger, target string, dial func(context.Context) error) error {
	backoff := minBackoff
	for {
		start := time.Now()
		logger.Info("connecting to gateway", "target", target)
		err := dial(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) >= stableAfter {
			backoff = minBackoff
		}
		logger.Warn("gateway connection ended, retrying", "target", target, "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}
