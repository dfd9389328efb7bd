// ABOUTME: Tests for the failure policy and error classification.
// ABOUTME: Covers every (error kind, failure mode) pair that matters.

package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/wire"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{fmt.Errorf("x: %w", ErrUnknownAgent), KindUnknownAgent},
		{fmt.Errorf("x: %w", ErrCircuitOpen), KindCircuitOpen},
		{fmt.Errorf("x: %w", ErrHandshakeRejected), KindHandshakeRejected},
		{fmt.Errorf("x: %w", ErrTimeout), KindTimeout},
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("x: %w", ErrCancelled), KindCancelled},
		{wire.ErrFrameTooLarge, KindProtocol},
		{ErrNoConnections, KindTransport},
		{errors.New("connection reset"), KindTransport},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}

func TestCountsAsFailure(t *testing.T) {
	assert.True(t, countsAsFailure(ErrTimeout))
	assert.True(t, countsAsFailure(ErrTransport))
	assert.True(t, countsAsFailure(wire.ErrProtocolViolation))
	assert.False(t, countsAsFailure(ErrCancelled))
	assert.False(t, countsAsFailure(ErrCircuitOpen))
	assert.False(t, countsAsFailure(errStreamBusy))
	assert.False(t, countsAsFailure(errNotDeclared))
	assert.False(t, countsAsFailure(fmt.Errorf("%w: %w", errSendRejected, wire.ErrFrameTooLarge)))
}

func TestFallback(t *testing.T) {
	t.Run("fail open allows", func(t *testing.T) {
		for _, err := range []error{ErrTimeout, ErrTransport, ErrCircuitOpen, ErrCancelled, wire.ErrProtocolViolation} {
			resp, ferr := Fallback(err, FailOpen)
			require.NoError(t, ferr)
			assert.True(t, resp.Decision.IsAllow())
			assert.True(t, IsFallback(resp))
		}
	})

	t.Run("fail closed blocks", func(t *testing.T) {
		resp, err := Fallback(ErrTimeout, FailClosed)
		require.NoError(t, err)
		assert.Equal(t, protocol.DecisionBlock, resp.Decision.Kind)
		assert.Equal(t, TimeoutBlockStatus, resp.Decision.Status)
		assert.Equal(t, []string{"timeout"}, resp.Audit.ReasonCodes)

		for _, cause := range []error{ErrTransport, ErrCircuitOpen, ErrCancelled, wire.ErrProtocolViolation} {
			resp, err := Fallback(cause, FailClosed)
			require.NoError(t, err)
			assert.Equal(t, DefaultBlockStatus, resp.Decision.Status, "%v", cause)
		}
	})

	t.Run("unknown agent always surfaces", func(t *testing.T) {
		_, err := Fallback(ErrUnknownAgent, FailOpen)
		assert.ErrorIs(t, err, ErrUnknownAgent)
	})

	t.Run("unset mode surfaces", func(t *testing.T) {
		_, err := Fallback(ErrTimeout, FailureModeUnset)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("success is allow", func(t *testing.T) {
		resp, err := Fallback(nil, FailClosed)
		require.NoError(t, err)
		assert.True(t, resp.Decision.IsAllow())
		assert.False(t, IsFallback(resp))
	})
}

func TestParseFailureMode(t *testing.T) {
	for in, want := range map[string]FailureMode{
		"":            FailureModeUnset,
		"open":        FailOpen,
		"fail-open":   FailOpen,
		"closed":      FailClosed,
		"fail_closed": FailClosed,
	} {
		got, err := ParseFailureMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFailureMode("sometimes")
	assert.Error(t, err)
}
