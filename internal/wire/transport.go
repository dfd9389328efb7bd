// ABOUTME: Transport abstracts the two ways frames travel: sockets and gRPC streams.
// ABOUTME: Both serialize writers and expose one reader; framing rules are identical.

package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Kind names the transport family.
type Kind int

const (
	KindSocket Kind = iota
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindStream:
		return "grpc"
	default:
		return "unknown"
	}
}

// Transport carries typed frames for one agent connection.
// Send is safe for concurrent use; Recv must be called from one goroutine.
type Transport interface {
	Send(t MessageType, payload []byte) error
	Recv() (MessageType, []byte, error)
	Close() error
	Kind() Kind
	RemoteAddr() string
}

// SocketTransport frames messages over a stream-oriented net.Conn
// (Unix domain socket or TCP).
type SocketTransport struct {
	conn net.Conn
	r    *bufio.Reader

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewSocketTransport wraps conn.
func NewSocketTransport(conn net.Conn) *SocketTransport {
	return &SocketTransport{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64<<10),
	}
}

func (s *SocketTransport) Send(t MessageType, payload []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return WriteFrame(s.conn, t, payload)
}

func (s *SocketTransport) Recv() (MessageType, []byte, error) {
	return ReadFrame(s.r)
}

func (s *SocketTransport) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *SocketTransport) Kind() Kind { return KindSocket }

func (s *SocketTransport) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// MessageStream is the subset of grpc.ClientStream and grpc.ServerStream the
// stream transport needs.
type MessageStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// StreamTransport carries frames as BytesValue messages on a bidirectional
// gRPC stream. The first byte of each value is the message type.
type StreamTransport struct {
	stream MessageStream
	addr   string
	closer func() error

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamTransport wraps stream. closer runs once on Close and should end
// the stream (cancel its context or close its client connection).
func NewStreamTransport(stream MessageStream, addr string, closer func() error) *StreamTransport {
	return &StreamTransport{stream: stream, addr: addr, closer: closer}
}

func (s *StreamTransport) Send(t MessageType, payload []byte) error {
	if len(payload) > MaxStreamPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(t)
	copy(buf[1:], payload)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.stream.SendMsg(&wrapperspb.BytesValue{Value: buf}); err != nil {
		return fmt.Errorf("sending stream message: %w", err)
	}
	return nil
}

func (s *StreamTransport) Recv() (MessageType, []byte, error) {
	msg := new(wrapperspb.BytesValue)
	if err := s.stream.RecvMsg(msg); err != nil {
		return 0, nil, err
	}
	if len(msg.Value) == 0 {
		return 0, nil, fmt.Errorf("%w: empty stream message", ErrProtocolViolation)
	}
	if len(msg.Value)-1 > MaxStreamPayload {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg.Value)-1)
	}
	return MessageType(msg.Value[0]), msg.Value[1:], nil
}

func (s *StreamTransport) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

func (s *StreamTransport) Kind() Kind { return KindStream }

func (s *StreamTransport) RemoteAddr() string { return s.addr }

// IsClosed reports whether err means the transport was closed, by either
// side, rather than corrupted.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) || isStreamCanceled(err)
}
