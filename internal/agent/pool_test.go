// ABOUTME: End-to-end tests of the pool against in-process agents.
// ABOUTME: Covers transports, multiplexing, timeouts, cancellation, breaker and reverse attach.

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/offload-gateway/internal/agentserver"
	"github.com/2389/offload-gateway/internal/breaker"
	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

func taggingHandler(tag string) agentserver.Func {
	return agentserver.Func{
		Caps: protocol.AllEvents(),
		Fn: func(context.Context, protocol.Event) (*protocol.Response, error) {
			resp := protocol.AllowResponse()
			resp.RequestHeaders = []protocol.HeaderOp{protocol.SetHeader("X-Agent", tag)}
			return resp, nil
		},
	}
}

// closedEndpoint returns a TCP endpoint nothing listens on.
func closedEndpoint(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return "tcp://" + addr
}

func TestSendEventTransports(t *testing.T) {
	tests := []struct {
		name      string
		start     func(*testing.T, agentserver.Handler) (string, *agentserver.Server)
		transport string
	}{
		{"socket", startSocketAgent, "socket"},
		{"grpc", startGRPCAgent, "grpc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, srv := tt.start(t, taggingHandler("waf"))
			p := newTestPool(t)
			require.NoError(t, p.AddAgent(AgentConfig{
				Name:        "waf",
				Endpoint:    endpoint,
				FailureMode: FailClosed,
				Connections: 2,
				Timeout:     2 * time.Second,
			}))

			resp, err := p.SendEvent(context.Background(), "waf", headers("r1"))
			require.NoError(t, err)
			assert.True(t, resp.Decision.IsAllow())
			assert.Equal(t, []protocol.HeaderOp{protocol.SetHeader("X-Agent", "waf")}, resp.RequestHeaders)
			assert.False(t, IsFallback(resp))

			caps, ok := p.Capabilities("waf")
			require.True(t, ok)
			assert.True(t, caps.RequestHeaders)

			infos := p.Agents()
			require.Len(t, infos, 1)
			assert.Len(t, infos[0].Connections, 2)
			for _, c := range infos[0].Connections {
				assert.Equal(t, tt.transport, c.Transport)
				assert.Equal(t, "dialed", c.Origin)
			}
			assert.Equal(t, int64(2), srv.Stats().Configured)
		})
	}
}

func TestOutOfOrderResponsesOnOneConnection(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	endpoint, _ := startSocketAgent(t, agentserver.Func{
		Caps: protocol.AllEvents(),
		Fn: func(ctx context.Context, ev protocol.Event) (*protocol.Response, error) {
			if ev.StreamID() == "slow" {
				close(started)
				select {
				case <-release:
				case <-ctx.Done():
				}
				return protocol.DecisionResponse(protocol.Block(403, "slow")), nil
			}
			return protocol.AllowResponse(), nil
		},
	})

	p := newTestPool(t)
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: endpoint, Connections: 1, Timeout: 5 * time.Second}))

	slow, err := p.Start(context.Background(), "waf", headers("slow"))
	require.NoError(t, err)
	<-started

	fast, err := p.SendEvent(context.Background(), "waf", headers("fast"))
	require.NoError(t, err)
	assert.True(t, fast.Decision.IsAllow())

	select {
	case <-slow.Done():
		t.Fatal("slow call finished before it was released")
	default:
	}

	close(release)
	resp, err := slow.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 403, resp.Decision.Status)
}

func TestTimeoutAppliesFailureMode(t *testing.T) {
	hang := agentserver.Func{
		Caps: protocol.AllEvents(),
		Fn: func(ctx context.Context, _ protocol.Event) (*protocol.Response, error) {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			return protocol.AllowResponse(), nil
		},
	}
	endpoint, srv := startSocketAgent(t, hang)

	obs := newRecordingObserver()
	rec := &recordingRecorder{}
	p := newTestPool(t, WithObserver(obs), WithRecorder(rec))
	for name, mode := range map[string]FailureMode{"open": FailOpen, "closed": FailClosed, "unset": FailureModeUnset} {
		require.NoError(t, p.AddAgent(AgentConfig{
			Name:        name,
			Endpoint:    endpoint,
			FailureMode: mode,
			Connections: 1,
			Timeout:     50 * time.Millisecond,
		}))
	}

	resp, err := p.SendEvent(context.Background(), "open", headers("r1"))
	require.NoError(t, err)
	assert.True(t, resp.Decision.IsAllow())
	assert.True(t, IsFallback(resp))

	resp, err = p.SendEvent(context.Background(), "closed", headers("r2"))
	require.NoError(t, err)
	assert.Equal(t, protocol.DecisionBlock, resp.Decision.Kind)
	assert.Equal(t, TimeoutBlockStatus, resp.Decision.Status)

	_, err = p.SendEvent(context.Background(), "unset", headers("r3"))
	assert.ErrorIs(t, err, ErrTimeout)

	assert.Equal(t, []Outcome{OutcomeTimeout, OutcomeTimeout, OutcomeTimeout}, obs.outcomes())
	require.Eventually(t, func() bool { return srv.Stats().Cancelled == 3 }, 2*time.Second, 10*time.Millisecond,
		"every timed out exchange is cancelled at the agent")

	entries := rec.all()
	require.Len(t, entries, 2, "fallbacks are audited; surfaced errors are not")
	for _, e := range entries {
		assert.True(t, e.Fallback)
		assert.Equal(t, KindTimeout, e.ErrorKind)
	}
}

func TestCancelInFlightCall(t *testing.T) {
	started := make(chan struct{})
	endpoint, srv := startSocketAgent(t, agentserver.Func{
		Caps: protocol.AllEvents(),
		Fn: func(ctx context.Context, _ protocol.Event) (*protocol.Response, error) {
			close(started)
			<-ctx.Done()
			return protocol.AllowResponse(), nil
		},
	})

	p := newTestPool(t)
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: endpoint, Connections: 1, Timeout: 5 * time.Second}))

	c, err := p.Start(context.Background(), "waf", headers("r1"))
	require.NoError(t, err)
	<-started

	assert.True(t, p.Cancel(c.ID()))
	_, err = c.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
	assert.False(t, p.Cancel(c.ID()), "a finished call cannot be cancelled")
	assert.False(t, p.Cancel("no-such-call"))

	require.Eventually(t, func() bool { return srv.Stats().Cancelled == 1 }, 2*time.Second, 10*time.Millisecond)

	g, err := p.group("waf")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, g.breaker.State())
	assert.Zero(t, g.breaker.Failures(), "cancellation is not a health signal")
	for _, conn := range g.connections() {
		assert.Zero(t, conn.pendingCount())
		assert.True(t, conn.Healthy())
	}
}

func TestStartCancelRace(t *testing.T) {
	endpoint, _ := startSocketAgent(t, agentserver.Func{Caps: protocol.AllEvents(), Fn: allowAll})
	p := newTestPool(t)
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: endpoint, Connections: 2, Timeout: 5 * time.Second}))
	_, err := p.SendEvent(context.Background(), "waf", headers("warm"))
	require.NoError(t, err)

	const n = 256
	var answered, cancelled atomic.Int32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Start(context.Background(), "waf", headers(fmt.Sprintf("r%d", i)))
			if !assert.NoError(t, err) {
				return
			}
			go p.Cancel(c.ID())

			resp, err := c.Wait(context.Background())
			switch {
			case err == nil:
				assert.NotNil(t, resp)
				answered.Add(1)
			case errors.Is(err, ErrCancelled):
				assert.Nil(t, resp)
				cancelled.Add(1)
			default:
				t.Errorf("unexpected result: %v", err)
			}
			select {
			case <-c.Done():
			default:
				t.Error("Wait returned before Done closed")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(n), answered.Load()+cancelled.Load())

	g, err := p.group("waf")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return len(g.calls) == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, conn := range g.connections() {
			if conn.pendingCount() != 0 || conn.InFlight() != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	for _, conn := range g.connections() {
		assert.True(t, conn.Healthy())
	}
	assert.Equal(t, breaker.StateClosed, g.breaker.State())
}

func TestLeastConnectionsSpreadsLeases(t *testing.T) {
	endpoint, _ := startSocketAgent(t, agentserver.Func{Caps: protocol.AllEvents(), Fn: allowAll})
	p := newTestPool(t)
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: endpoint, Connections: 3, Strategy: LeastConnections}))
	_, err := p.SendEvent(context.Background(), "waf", headers("warm"))
	require.NoError(t, err)

	g, err := p.group("waf")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(g.connections()) == 3 }, 2*time.Second, 10*time.Millisecond)

	first, err := g.acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.conn.InFlight())

	second, err := g.acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.NotSame(t, first.conn, second.conn, "a busy connection is not picked while an idle one exists")
	assert.Equal(t, int64(1), first.conn.InFlight())
	assert.Equal(t, int64(1), second.conn.InFlight())

	third, err := g.acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.NotSame(t, first.conn, third.conn)
	assert.NotSame(t, second.conn, third.conn)

	first.release(nil)
	first.release(nil)
	assert.Zero(t, first.conn.InFlight(), "a lease is released once")

	fourth, err := g.acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Same(t, first.conn, fourth.conn)

	for _, l := range []*lease{second, third, fourth} {
		l.release(nil)
	}
	for _, conn := range g.connections() {
		assert.Zero(t, conn.InFlight())
	}
}

func TestConfigureIsReserved(t *testing.T) {
	var calls atomic.Int32
	endpoint, _ := startSocketAgent(t, agentserver.Func{
		Caps: protocol.AllEvents(),
		Fn: func(context.Context, protocol.Event) (*protocol.Response, error) {
			calls.Add(1)
			return protocol.AllowResponse(), nil
		},
	})
	p := newTestPool(t)
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: endpoint, Connections: 1, FailureMode: FailOpen}))

	ev := &protocol.Configure{AgentID: "waf"}
	resp, err := p.SendEvent(context.Background(), "waf", ev)
	assert.ErrorIs(t, err, ErrReservedEvent)
	assert.Nil(t, resp)

	c, err := p.Start(context.Background(), "waf", ev)
	assert.ErrorIs(t, err, ErrReservedEvent)
	assert.Nil(t, c)

	_, err = p.Process(context.Background(), []RouteAgent{{Name: "waf"}}, ev, false)
	assert.ErrorIs(t, err, ErrReservedEvent)

	assert.Zero(t, calls.Load())
	_, err = p.SendEvent(context.Background(), "waf", headers("r1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOversizedChunkDoesNotTripBreaker(t *testing.T) {
	endpoint, _ := startSocketAgent(t, agentserver.Func{Caps: protocol.AllEvents(), Fn: allowAll})
	p := newTestPool(t)
	require.NoError(t, p.AddAgent(AgentConfig{
		Name:        "waf",
		Endpoint:    endpoint,
		Connections: 1,
		FailureMode: FailClosed,
		Breaker:     breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour},
	}))

	for i := range 5 {
		chunk := &protocol.RequestBodyChunk{RequestID: fmt.Sprintf("big%d", i), Data: make([]byte, wire.MaxFramePayload), IsLast: true}
		resp, err := p.SendEvent(context.Background(), "waf", chunk)
		require.NoError(t, err)
		assert.Equal(t, DefaultBlockStatus, resp.Decision.Status)
		assert.Equal(t, []string{"protocol_violation"}, resp.Audit.ReasonCodes)
	}

	g, err := p.group("waf")
	require.NoError(t, err)
	assert.Equal(t, breaker.StateClosed, g.breaker.State())
	assert.Zero(t, g.breaker.Failures())
	for _, conn := range g.connections() {
		assert.True(t, conn.Healthy())
		assert.Zero(t, conn.InFlight())
	}

	resp, err := p.SendEvent(context.Background(), "waf", headers("r2"))
	require.NoError(t, err)
	assert.True(t, resp.Decision.IsAllow())
	assert.False(t, IsFallback(resp))
}

func TestCircuitBreakerIsolatesAgent(t *testing.T) {
	obs := newRecordingObserver()
	p := newTestPool(t, WithObserver(obs))
	require.NoError(t, p.AddAgent(AgentConfig{
		Name:        "down",
		Endpoint:    closedEndpoint(t),
		FailureMode: FailClosed,
		Connections: 1,
		Breaker:     breaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour},
	}))

	for range 2 {
		resp, err := p.SendEvent(context.Background(), "down", headers("r"))
		require.NoError(t, err)
		assert.Equal(t, DefaultBlockStatus, resp.Decision.Status)
		assert.Equal(t, []string{"transport_error"}, resp.Audit.ReasonCodes)
	}

	resp, err := p.SendEvent(context.Background(), "down", headers("r"))
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockStatus, resp.Decision.Status)
	assert.Equal(t, []string{"circuit_open"}, resp.Audit.ReasonCodes)

	assert.Equal(t, []Outcome{OutcomeTransport, OutcomeTransport, OutcomeCircuitOpen}, obs.outcomes())
	assert.Contains(t, obs.transitions, breaker.StateOpen)
	assert.False(t, p.Ready())
	assert.Equal(t, "open", p.Agents()[0].Breaker)
}

func TestUnknownAgentSurfaces(t *testing.T) {
	p := newTestPool(t)
	_, err := p.SendEvent(context.Background(), "ghost", headers("r1"))
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, err = p.Start(context.Background(), "ghost", headers("r1"))
	assert.ErrorIs(t, err, ErrUnknownAgent)

	assert.ErrorIs(t, p.RemoveAgent("ghost"), ErrUnknownAgent)
}

func TestAddAgentValidation(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: "reverse"}))
	assert.ErrorIs(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: "reverse"}), ErrAgentExists)
	assert.ErrorIs(t, p.AddAgent(AgentConfig{Name: "bad", Endpoint: "what is this"}), ErrInvalidEndpoint)
	assert.Error(t, p.AddAgent(AgentConfig{Endpoint: "reverse"}))

	require.NoError(t, p.RemoveAgent("waf"))
	assert.Empty(t, p.Agents())
}

func TestUndeclaredEventsAreSkipped(t *testing.T) {
	var handled atomic.Int64
	endpoint, _ := startSocketAgent(t, agentserver.Func{
		Caps: protocol.Capabilities{RequestHeaders: true},
		Fn: func(context.Context, protocol.Event) (*protocol.Response, error) {
			handled.Add(1)
			return protocol.AllowResponse(), nil
		},
	})

	obs := newRecordingObserver()
	p := newTestPool(t, WithObserver(obs))
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: endpoint, FailureMode: FailClosed, Connections: 1}))

	_, err := p.SendEvent(context.Background(), "waf", headers("r1"))
	require.NoError(t, err)

	resp, err := p.SendEvent(context.Background(), "waf", &protocol.RequestBodyChunk{RequestID: "r1", Data: []byte("x"), IsLast: true})
	require.NoError(t, err)
	assert.True(t, resp.Decision.IsAllow())
	assert.False(t, IsFallback(resp))

	assert.Equal(t, int64(1), handled.Load())
	assert.Equal(t, []Outcome{OutcomeSuccess, OutcomeSkipped}, obs.outcomes())
}

func TestStreamAffinity(t *testing.T) {
	endpoint, _ := startSocketAgent(t, agentserver.Func{
		Caps: protocol.AllEvents(),
		Fn: func(_ context.Context, ev protocol.Event) (*protocol.Response, error) {
			if h, ok := ev.(*protocol.RequestHeaders); ok && h.Method == "POST" {
				return protocol.DecisionResponse(protocol.Block(403, "no posts")), nil
			}
			return protocol.AllowResponse(), nil
		},
	})

	p := newTestPool(t)
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: endpoint, Connections: 4, FailureMode: FailClosed}))
	g, err := p.group("waf")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = p.SendEvent(ctx, "waf", headers("r1"))
	require.NoError(t, err)
	first, ok := g.pins.Get("r1")
	require.True(t, ok)

	for i := range 3 {
		resp, err := p.SendEvent(ctx, "waf", &protocol.RequestBodyChunk{RequestID: "r1", ChunkIndex: uint32(i)})
		require.NoError(t, err)
		assert.True(t, resp.Decision.IsAllow())

		got, ok := g.pins.Get("r1")
		require.True(t, ok)
		assert.Same(t, first.conn, got.conn, "chunk %d moved connection", i)
		assert.Equal(t, first.correlationID, got.correlationID)
	}

	_, err = p.SendEvent(ctx, "waf", &protocol.WebSocketFrame{RequestID: "r1", Opcode: protocol.OpcodeText, Data: []byte("hi")})
	require.NoError(t, err)
	got, ok := g.pins.Get("r1")
	require.True(t, ok)
	assert.Same(t, first.conn, got.conn)
	assert.Equal(t, first.correlationID, got.correlationID, "frames do not take over the stream's id")

	_, err = p.SendEvent(ctx, "waf", &protocol.RequestComplete{RequestID: "r1", Status: 200})
	require.NoError(t, err)
	_, ok = g.pins.Get("r1")
	assert.False(t, ok, "completion releases the pin")

	post := headers("r2")
	post.Method = "POST"
	resp, err := p.SendEvent(ctx, "waf", post)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.Decision.Status)
	_, ok = g.pins.Get("r2")
	assert.False(t, ok, "a blocked stream is not pinned")
}

func TestReverseAttach(t *testing.T) {
	p := newTestPool(t)
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: "reverse", FailureMode: FailClosed, Connections: 2}))

	resp, err := p.SendEvent(context.Background(), "waf", headers("r0"))
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockStatus, resp.Decision.Status, "no agent has connected yet")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := agentserver.New(taggingHandler("reverse"))
	attach := func(name, instance string) (*Connection, error) {
		a, b := net.Pipe()
		go func() { _ = srv.ServeConn(ctx, wire.NewSocketTransport(a)) }()
		return p.Attach(ctx, &protocol.Identity{Name: name, InstanceID: instance}, wire.NewSocketTransport(b))
	}

	first, err := attach("waf", "i1")
	require.NoError(t, err)
	assert.Equal(t, OriginReverse, first.Origin)

	resp, err = p.SendEvent(context.Background(), "waf", headers("r1"))
	require.NoError(t, err)
	assert.True(t, resp.Decision.IsAllow())
	assert.Equal(t, []protocol.HeaderOp{protocol.SetHeader("X-Agent", "reverse")}, resp.RequestHeaders)

	_, err = attach("waf", "i1")
	assert.ErrorIs(t, err, ErrHandshakeRejected, "duplicate instance")

	_, err = attach("waf", "i2")
	require.NoError(t, err)

	_, err = attach("waf", "i3")
	assert.ErrorIs(t, err, ErrHandshakeRejected, "over capacity")

	_, err = attach("ghost", "i1")
	assert.ErrorIs(t, err, ErrHandshakeRejected)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	g, err := p.group("waf")
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return len(g.connections()) == 1 }, time.Second, 5*time.Millisecond)

	// The freed slot accepts the agent again; reverse slots are never redialed.
	_, err = attach("waf", "i1")
	require.NoError(t, err)
	assert.Len(t, g.connections(), 2)
}

func TestFailedConnectionIsRedialed(t *testing.T) {
	endpoint, _ := startSocketAgent(t, taggingHandler("waf"))
	obs := newRecordingObserver()
	p := newTestPool(t, WithObserver(obs))
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: endpoint, Connections: 2}))

	_, err := p.SendEvent(context.Background(), "waf", headers("r1"))
	require.NoError(t, err)

	g, err := p.group("waf")
	require.NoError(t, err)
	conns := g.connections()
	require.Len(t, conns, 2)

	victim := conns[0]
	victim.fail(errors.New("injected failure"))
	assert.Equal(t, StateFailed, victim.State())

	require.Eventually(t, func() bool {
		now := g.connections()
		return len(now) == 2 && now[0] != victim && now[1] != victim
	}, 3*time.Second, 10*time.Millisecond)

	resp, err := p.SendEvent(context.Background(), "waf", headers("r2"))
	require.NoError(t, err)
	assert.True(t, resp.Decision.IsAllow())
}

func TestProcessRoute(t *testing.T) {
	var lastCalls atomic.Int64
	tagEndpoint, _ := startSocketAgent(t, taggingHandler("auth"))
	blockEndpoint, _ := startSocketAgent(t, agentserver.Func{
		Caps: protocol.AllEvents(),
		Fn: func(context.Context, protocol.Event) (*protocol.Response, error) {
			resp := protocol.DecisionResponse(protocol.Block(403, "denied"))
			resp.Audit.RuleIDs = []string{"942100"}
			return resp, nil
		},
	})
	lastEndpoint, _ := startSocketAgent(t, agentserver.Func{
		Caps: protocol.AllEvents(),
		Fn: func(context.Context, protocol.Event) (*protocol.Response, error) {
			lastCalls.Add(1)
			return protocol.AllowResponse(), nil
		},
	})

	rec := &recordingRecorder{}
	p := newTestPool(t, WithRecorder(rec))
	require.NoError(t, p.AddAgent(AgentConfig{Name: "auth", Endpoint: tagEndpoint, Connections: 1}))
	require.NoError(t, p.AddAgent(AgentConfig{Name: "waf", Endpoint: blockEndpoint, Connections: 1}))
	require.NoError(t, p.AddAgent(AgentConfig{Name: "log", Endpoint: lastEndpoint, Connections: 1}))
	require.NoError(t, p.AddAgent(AgentConfig{Name: "down", Endpoint: closedEndpoint(t), Connections: 1}))

	route := []RouteAgent{{Name: "auth"}, {Name: "waf"}, {Name: "log"}}

	t.Run("sequential stops at the first block", func(t *testing.T) {
		resp, err := p.Process(context.Background(), route, headers("r1"), false)
		require.NoError(t, err)
		assert.Equal(t, 403, resp.Decision.Status)
		assert.Equal(t, []protocol.HeaderOp{protocol.SetHeader("X-Agent", "auth")}, resp.RequestHeaders)
		assert.Equal(t, []string{"942100"}, resp.Audit.RuleIDs)
		assert.Zero(t, lastCalls.Load())
	})

	t.Run("parallel asks everyone and merges", func(t *testing.T) {
		resp, err := p.Process(context.Background(), route, headers("r2"), true)
		require.NoError(t, err)
		assert.Equal(t, 403, resp.Decision.Status)
		assert.Equal(t, int64(1), lastCalls.Load())
	})

	t.Run("route failure mode overrides the agent", func(t *testing.T) {
		_, err := p.Process(context.Background(), []RouteAgent{{Name: "down"}}, headers("r3"), false)
		assert.ErrorIs(t, err, ErrTransport)

		resp, err := p.Process(context.Background(), []RouteAgent{{Name: "down", FailureMode: FailOpen}}, headers("r4"), false)
		require.NoError(t, err)
		assert.True(t, resp.Decision.IsAllow())
		assert.Equal(t, []string{fallbackTag}, resp.Audit.Tags)
	})

	t.Run("unknown agent fails before any call", func(t *testing.T) {
		before := lastCalls.Load()
		_, err := p.Process(context.Background(), []RouteAgent{{Name: "log"}, {Name: "ghost"}}, headers("r5"), true)
		assert.ErrorIs(t, err, ErrUnknownAgent)
		assert.Equal(t, before, lastCalls.Load())
	})

	blocks := 0
	for _, e := range rec.all() {
		if e.Agent == "waf" {
			blocks++
			assert.False(t, e.Fallback)
			assert.Equal(t, []string{"942100"}, e.RuleIDs)
		}
	}
	assert.Equal(t, 2, blocks)
}
