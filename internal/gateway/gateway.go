// ABOUTME: Gateway orchestrator that wires the agent pool to its listeners and servers
// ABOUTME: Manages reverse listeners, the gRPC and HTTP servers, audit storage and shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/offload-gateway/internal/agent"
	"github.com/2389/offload-gateway/internal/auth"
	"github.com/2389/offload-gateway/internal/config"
	"github.com/2389/offload-gateway/internal/metrics"
	"github.com/2389/offload-gateway/internal/reverse"
	"github.com/2389/offload-gateway/internal/store"
	"github.com/2389/offload-gateway/internal/wire"
)

// Gateway owns the agent pool and every surface that feeds or observes it.
type Gateway struct {
	config      *config.Config
	pool        *agent.Pool
	reverse     *reverse.Listener
	collector   *metrics.Collector
	store       *store.SQLiteStore
	audit       *store.AuditLog
	verifier    *auth.JWTVerifier
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// reverseWG tracks the socket reverse listeners.
	reverseWG     sync.WaitGroup
	reverseCancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// listeners holds what setupListeners opened. Optional listeners are nil.
type listeners struct {
	http    net.Listener
	grpc    net.Listener
	reverse net.Listener
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.http, l.grpc, l.reverse} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// initAudit opens the decision audit log when a path is configured.
func initAudit(cfg *config.Config) (*store.SQLiteStore, *store.AuditLog, error) {
	path := cfg.Audit.Path
	if envPath := os.Getenv("OFFLOAD_AUDIT_PATH"); envPath != "" {
		path = envPath
	}
	if path == "" {
		return nil, nil, nil
	}

	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing audit store: %w", err)
	}
	log := store.NewAuditLog(s,
		store.WithBuffer(cfg.Audit.Buffer),
		store.WithRetention(cfg.Audit.Retention),
	)
	return s, log, nil
}

// createGRPCServer creates the server hosting the ReverseConnect service.
func createGRPCServer() *grpc.Server {
	opts := append(wire.ServerOptions(),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	return grpc.NewServer(opts...)
}

// New builds a gateway from cfg. Agents are registered but not dialed;
// nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Gateway, error) {
	sqlStore, auditLog, err := initAudit(cfg)
	if err != nil {
		return nil, err
	}

	collector := metrics.New()
	poolOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithObserver(collector),
		agent.WithProxyIdentity(cfg.Proxy.ID, version),
	}
	if auditLog != nil {
		poolOpts = append(poolOpts, agent.WithRecorder(auditLog))
	}
	pool := agent.NewPool(poolOpts...)

	gw := &Gateway{
		config:     cfg,
		pool:       pool,
		collector:  collector,
		store:      sqlStore,
		audit:      auditLog,
		grpcServer: createGRPCServer(),
		logger:     logger.With("component", "gateway"),
	}

	for _, a := range cfg.Agents {
		ac, err := a.PoolConfig()
		if err == nil {
			err = pool.AddAgent(ac)
		}
		if err != nil {
			_ = pool.Close()
			_ = gw.close()
			return nil, fmt.Errorf("registering agent %s: %w", a.Name, err)
		}
	}

	reverseOpts := []reverse.Option{
		reverse.WithLogger(logger),
		reverse.WithHandshakeTimeout(cfg.Reverse.HandshakeTimeout),
	}
	if cfg.Reverse.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Reverse.JWTSecret))
		reverseOpts = append(reverseOpts, reverse.WithVerifier(gw.verifier))
		gw.logger.Info("reverse identity tokens required")
	} else {
		gw.logger.Warn("auth disabled - no reverse.jwt_secret configured")
	}
	gw.reverse = reverse.New(pool, reverseOpts...)
	wire.RegisterConnectServer(gw.grpcServer, gw.reverse)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Pool returns the agent pool for in-process callers.
func (g *Gateway) Pool() *agent.Pool { return g.pool }

// Handler returns the HTTP handler with health, metrics and admin routes.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

func (g *Gateway) setupTCPListeners() (listeners, error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
		"reverse_addr", g.config.Reverse.SocketAddr,
	)

	var ls listeners
	var err error
	ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return ls, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if addr := g.config.Server.GRPCAddr; addr != "" {
		ls.grpc, err = net.Listen("tcp", addr)
		if err != nil {
			ls.close()
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	if addr := g.config.Reverse.SocketAddr; addr != "" {
		ls.reverse, err = listenSocket(addr)
		if err != nil {
			ls.close()
			return listeners{}, fmt.Errorf("listening on reverse socket address: %w", err)
		}
	}
	return ls, nil
}

// listenSocket listens on a unix socket for paths and unix:// addresses,
// and on TCP otherwise.
func listenSocket(addr string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		addr = strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "/"), strings.HasPrefix(addr, "./"):
	default:
		return net.Listen("tcp", strings.TrimPrefix(addr, "tcp://"))
	}
	_ = os.Remove(addr)
	return net.Listen("unix", addr)
}

func (g *Gateway) setupListeners(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" || g.config.Reverse.SocketAddr != "" {
			g.logger.Warn("server and reverse addresses are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

func (g *Gateway) startServers(ls listeners) chan error {
	errCh := make(chan error, 3)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if ls.grpc != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", ls.grpc.Addr().String())
			if err := g.grpcServer.Serve(ls.grpc); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	if ls.reverse != nil {
		ctx, cancel := context.WithCancel(context.Background())
		g.reverseCancel = cancel
		g.reverseWG.Add(1)
		go func() {
			defer g.reverseWG.Done()
			if err := g.reverse.Serve(ctx, ls.reverse); err != nil {
				errCh <- fmt.Errorf("reverse listener: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	errCh := g.startServers(ls)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "offload-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens there for HTTP on
// :80, gRPC on :50051 and reverse sockets on the configured port.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ls listeners
	for _, l := range []struct {
		dst  *net.Listener
		addr string
		name string
	}{
		{&ls.http, ":80", "HTTP"},
		{&ls.grpc, ":50051", "gRPC"},
		{&ls.reverse, ":" + strconv.Itoa(tsCfg.ReversePort), "reverse socket"},
	} {
		*l.dst, err = g.tsnetServer.Listen("tcp", l.addr)
		if err != nil {
			ls.close()
			_ = g.tsnetServer.Close()
			return listeners{}, fmt.Errorf("listening on tailscale %s port: %w", l.name, err)
		}
	}
	return ls, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
// Reverse streams stay open until their agents go, so a deadline is expected.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, closes every agent connection and flushes
// the audit log.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.reverseCancel != nil {
		g.reverseCancel()
	}
	// Closing the pool ends reverse streams, which lets GracefulStop finish.
	errs = appendCloseError(errs, "agent pool", g.pool.Close())
	g.shutdownGRPCServer(ctx)
	g.reverseWG.Wait()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "audit close", g.close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// close releases the audit log and its store.
func (g *Gateway) close() error {
	g.closeOnce.Do(func() {
		if g.audit != nil {
			g.closeErr = errors.Join(g.audit.Close(), g.store.Close())
		}
	})
	return g.closeErr
}
