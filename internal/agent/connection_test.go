// ABOUTME: Tests for a single Connection against a hand-driven agent over net.Pipe.
// ABOUTME: Exercises handshake, late responses, protocol violations and pending cleanup.

package agent

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

type fakeAgent struct {
	t  *testing.T
	tr *wire.SocketTransport
}

func newPipeConnection(t *testing.T) (*Connection, *fakeAgent, chan error) {
	t.Helper()
	a, b := net.Pipe()
	closed := make(chan error, 1)
	conn := newConnection("waf", wire.NewSocketTransport(a), OriginDialed, slog.Default(), func(_ *Connection, err error) {
		closed <- err
	})
	t.Cleanup(func() { _ = conn.Close() })
	return conn, &fakeAgent{t: t, tr: wire.NewSocketTransport(b)}, closed
}

func (f *fakeAgent) expect(mt wire.MessageType) string {
	f.t.Helper()
	got, payload, err := f.tr.Recv()
	require.NoError(f.t, err)
	require.Equal(f.t, mt, got)
	env, err := wire.Unmarshal(payload)
	require.NoError(f.t, err)
	return env.CorrelationID
}

func (f *fakeAgent) reply(mt wire.MessageType, id string, body any) {
	f.t.Helper()
	payload, err := wire.Marshal(id, body)
	require.NoError(f.t, err)
	require.NoError(f.t, f.tr.Send(mt, payload))
}

func handshaken(t *testing.T) (*Connection, *fakeAgent, chan error) {
	t.Helper()
	conn, agent, closed := newPipeConnection(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.handshake(context.Background(), &protocol.Configure{AgentID: "waf"})
		done <- err
	}()
	id := agent.expect(wire.TypeConfigure)
	agent.reply(wire.TypeCapabilities, id, protocol.AllEvents())
	require.NoError(t, <-done)
	require.Equal(t, StateReady, conn.State())
	return conn, agent, closed
}

func TestHandshakeStoresCapabilities(t *testing.T) {
	conn, _, _ := handshaken(t)
	require.NotNil(t, conn.Capabilities())
	assert.True(t, conn.Capabilities().WebSocket)
	assert.True(t, conn.Healthy())
}

func TestLateResponseIsDiscarded(t *testing.T) {
	conn, agent, _ := handshaken(t)

	ctx, cancel := context.WithTimeoutCause(context.Background(), 30*time.Millisecond, ErrTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var rtErr error
	go func() {
		defer wg.Done()
		_, rtErr = conn.roundTrip(ctx, "c1", headers("r1"))
	}()

	assert.Equal(t, "c1", agent.expect(wire.TypeRequestHeaders))
	assert.Equal(t, "c1", agent.expect(wire.TypeCancel), "timeout sends Cancel")
	wg.Wait()
	assert.ErrorIs(t, rtErr, ErrTimeout)

	agent.reply(wire.TypeResponse, "c1", protocol.AllowResponse())

	// The connection keeps working and answers the next exchange.
	go func() {
		id := agent.expect(wire.TypeRequestHeaders)
		agent.reply(wire.TypeResponse, id, protocol.DecisionResponse(protocol.Block(403, "")))
	}()
	resp, err := conn.roundTrip(context.Background(), "c2", headers("r2"))
	require.NoError(t, err)
	assert.Equal(t, 403, resp.Decision.Status)
	assert.True(t, conn.Healthy())
	assert.Zero(t, conn.pendingCount())
}

func TestDuplicateCorrelationIDIsRejected(t *testing.T) {
	conn, agent, _ := handshaken(t)

	go func() { _, _ = conn.roundTrip(context.Background(), "c1", headers("r1")) }()
	agent.expect(wire.TypeRequestHeaders)

	_, err := conn.roundTrip(context.Background(), "c1", headers("r1"))
	assert.ErrorIs(t, err, errStreamBusy)
	assert.False(t, countsAsFailure(err))
}

func TestInvalidDecisionFailsConnection(t *testing.T) {
	conn, agent, closed := handshaken(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.roundTrip(context.Background(), "c1", headers("r1"))
		done <- err
	}()
	id := agent.expect(wire.TypeRequestHeaders)
	agent.reply(wire.TypeResponse, id, protocol.DecisionResponse(protocol.Redirect("", 302)))

	err := <-done
	assert.ErrorIs(t, err, ErrTransport, "pending exchanges fail with a transport error")
	assert.ErrorIs(t, <-closed, wire.ErrProtocolViolation)
	assert.Equal(t, StateFailed, conn.State())
}

func TestCapabilitiesInPlaceOfResponseFailsConnection(t *testing.T) {
	conn, agent, closed := handshaken(t)

	done := make(chan error, 1)
	go func() {
		resp, err := conn.roundTrip(context.Background(), "c1", headers("r1"))
		assert.Nil(t, resp)
		done <- err
	}()
	id := agent.expect(wire.TypeRequestHeaders)
	agent.reply(wire.TypeCapabilities, id, protocol.AllEvents())

	assert.ErrorIs(t, <-done, wire.ErrProtocolViolation)
	assert.ErrorIs(t, <-closed, wire.ErrProtocolViolation)
	assert.Equal(t, StateFailed, conn.State())
}

func TestOversizedEventKeepsConnection(t *testing.T) {
	conn, agent, _ := handshaken(t)

	chunk := &protocol.RequestBodyChunk{RequestID: "r1", Data: make([]byte, wire.MaxFramePayload), IsLast: true}
	_, err := conn.roundTrip(context.Background(), "c1", chunk)
	assert.ErrorIs(t, err, wire.ErrFrameTooLarge)
	assert.Equal(t, KindProtocol, Classify(err))
	assert.False(t, countsAsFailure(err), "a locally refused event says nothing about the agent")
	assert.True(t, conn.Healthy())
	assert.Zero(t, conn.pendingCount())

	go func() {
		id := agent.expect(wire.TypeRequestHeaders)
		agent.reply(wire.TypeResponse, id, protocol.AllowResponse())
	}()
	resp, err := conn.roundTrip(context.Background(), "c2", headers("r2"))
	require.NoError(t, err)
	assert.True(t, resp.Decision.IsAllow())
}

func TestPeerCloseFailsPending(t *testing.T) {
	conn, agent, closed := handshaken(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.roundTrip(context.Background(), "c1", headers("r1"))
		done <- err
	}()
	agent.expect(wire.TypeRequestHeaders)
	require.NoError(t, agent.tr.Close())

	assert.ErrorIs(t, <-done, ErrTransport)
	assert.ErrorIs(t, <-closed, ErrTransport)
	select {
	case <-conn.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestPingIsAnswered(t *testing.T) {
	_, agent, _ := handshaken(t)
	agent.reply(wire.TypePing, "p1", nil)
	assert.Equal(t, "p1", agent.expect(wire.TypePong))
}

func TestCleanCloseHasNoError(t *testing.T) {
	conn, _, closed := handshaken(t)
	require.NoError(t, conn.Close())
	assert.NoError(t, <-closed)
	assert.Equal(t, StateClosed, conn.State())
	assert.NoError(t, conn.Err())
}
