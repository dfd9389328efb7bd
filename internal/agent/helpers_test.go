// ABOUTME: Shared fixtures for agent package tests: in-process agents and recorders.
// ABOUTME: Agents run the real agentserver runtime over TCP sockets or gRPC.

package agent

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/2389/offload-gateway/internal/agentserver"
	"github.com/2389/offload-gateway/internal/breaker"
	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

func allowAll(context.Context, protocol.Event) (*protocol.Response, error) {
	return protocol.AllowResponse(), nil
}

// startSocketAgent serves h on a TCP socket and returns its endpoint.
func startSocketAgent(t *testing.T, h agentserver.Handler) (string, *agentserver.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := agentserver.New(h)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return "tcp://" + lis.Addr().String(), srv
}

// startGRPCAgent serves h as an AgentProcessor and returns its endpoint.
func startGRPCAgent(t *testing.T, h agentserver.Handler) (string, *agentserver.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := agentserver.New(h)
	gs := grpc.NewServer(agentserver.GRPCServerOptions()...)
	wire.RegisterProcessServer(gs, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	return "grpc://" + lis.Addr().String(), srv
}

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p := NewPool(opts...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func headers(requestID string) *protocol.RequestHeaders {
	return &protocol.RequestHeaders{
		Metadata: protocol.RequestMetadata{RequestID: requestID, ClientIP: "192.0.2.1", Timestamp: time.Now().UTC().Format(time.RFC3339)},
		Method:   "GET",
		URI:      "/",
		Headers:  map[string][]string{"Host": {"example.com"}},
	}
}

type call struct {
	agent   string
	event   protocol.EventType
	outcome Outcome
}

type recordingObserver struct {
	mu          sync.Mutex
	calls       []call
	transitions []breaker.State
	connections map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{connections: make(map[string]int)}
}

func (o *recordingObserver) ObserveCall(agent string, event protocol.EventType, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call{agent, event, outcome})
}

func (o *recordingObserver) ObserveBreaker(_ string, _, to breaker.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *recordingObserver) ObserveConnections(agent string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connections[agent] = n
}

func (o *recordingObserver) outcomes() []Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Outcome, len(o.calls))
	for i, c := range o.calls {
		out[i] = c.outcome
	}
	return out
}

type recordingRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (r *recordingRecorder) Record(e AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingRecorder) all() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditEntry(nil), r.entries...)
}
