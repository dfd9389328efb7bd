// ABOUTME: Length-prefixed framing for agent connections over sockets.
// ABOUTME: Frames are [u32 BE length][u8 type][payload], length = 1 + len(payload).

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// MessageType is the single type byte that follows the length prefix.
type MessageType uint8

const (
	TypeConfigure    MessageType = 0x01
	TypeCapabilities MessageType = 0x02
	TypeIdentity     MessageType = 0x03

	TypeRequestHeaders    MessageType = 0x10
	TypeRequestBodyChunk  MessageType = 0x11
	TypeResponseHeaders   MessageType = 0x12
	TypeResponseBodyChunk MessageType = 0x13
	TypeRequestComplete   MessageType = 0x14
	TypeWebSocketFrame    MessageType = 0x15
	TypeGuardrailInspect  MessageType = 0x16

	TypeResponse MessageType = 0x20

	TypeCancel MessageType = 0x30
	TypePing   MessageType = 0x31
	TypePong   MessageType = 0x32
)

var typeNames = map[MessageType]string{
	TypeConfigure:         "configure",
	TypeCapabilities:      "capabilities",
	TypeIdentity:          "identity",
	TypeRequestHeaders:    "request_headers",
	TypeRequestBodyChunk:  "request_body_chunk",
	TypeResponseHeaders:   "response_headers",
	TypeResponseBodyChunk: "response_body_chunk",
	TypeRequestComplete:   "request_complete",
	TypeWebSocketFrame:    "websocket_frame",
	TypeGuardrailInspect:  "guardrail_inspect",
	TypeResponse:          "response",
	TypeCancel:            "cancel",
	TypePing:              "ping",
	TypePong:              "pong",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(t))
}

// Known reports whether t is a defined message type.
func (t MessageType) Known() bool {
	_, ok := typeNames[t]
	return ok
}

const (
	// MaxFramePayload bounds socket frame payloads.
	MaxFramePayload = 16 << 20
	// MaxStreamPayload bounds payloads on gRPC streams.
	MaxStreamPayload = 4 << 20

	headerSize = 5
)

var (
	// ErrProtocolViolation marks malformed or unexpected peer input.
	// The connection that produced it is unusable.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrFrameTooLarge is a protocol violation for oversized payloads.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocolViolation)
)

// WriteFrame writes one frame. Header and payload go out in a single
// vectored write so concurrent frames never interleave at the kernel level;
// callers still serialize writers.
func WriteFrame(w io.Writer, t MessageType, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)+1))
	hdr[4] = byte(t)

	bufs := net.Buffers{hdr, payload}
	if _, err := bufs.WriteTo(w); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean close before any header byte returns
// io.EOF; a close mid-frame is a protocol violation.
func ReadFrame(r io.Reader) (MessageType, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("%w: truncated frame header", ErrProtocolViolation)
		}
		return 0, nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("%w: zero-length frame", ErrProtocolViolation)
	}
	if n-1 > MaxFramePayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n-1)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, fmt.Errorf("%w: truncated frame body", ErrProtocolViolation)
		}
		return 0, nil, err
	}
	return MessageType(body[0]), body[1:], nil
}
