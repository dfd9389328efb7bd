// ABOUTME: Hand-written gRPC service descriptors for the agent stream transports.
// ABOUTME: Messages are wrapperspb.BytesValue so no generated code is needed.

package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// ProcessMethod is served by agents; the proxy dials it.
	ProcessMethod = "/offload.agent.v1.AgentProcessor/Process"
	// ConnectMethod is served by the proxy; reverse agents dial it.
	ConnectMethod = "/offload.agent.v1.ReverseConnect/Connect"

	// streamOverhead covers the type byte and protobuf framing.
	streamOverhead = 1 << 10
)

// ProcessServer is implemented by agents accepting proxy-initiated streams.
type ProcessServer interface {
	Process(stream grpc.ServerStream) error
}

// ConnectServer is implemented by the proxy accepting agent-initiated streams.
type ConnectServer interface {
	Connect(stream grpc.ServerStream) error
}

// ProcessServiceDesc describes offload.agent.v1.AgentProcessor.
var ProcessServiceDesc = grpc.ServiceDesc{
	ServiceName: "offload.agent.v1.AgentProcessor",
	HandlerType: (*ProcessServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Process",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(ProcessServer).Process(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "offload/agent/v1/agent.proto",
}

// ConnectServiceDesc describes offload.agent.v1.ReverseConnect.
var ConnectServiceDesc = grpc.ServiceDesc{
	ServiceName: "offload.agent.v1.ReverseConnect",
	HandlerType: (*ConnectServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(ConnectServer).Connect(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "offload/agent/v1/agent.proto",
}

// RegisterProcessServer registers an agent-side processor.
func RegisterProcessServer(s grpc.ServiceRegistrar, srv ProcessServer) {
	s.RegisterService(&ProcessServiceDesc, srv)
}

// RegisterConnectServer registers the proxy-side reverse endpoint.
func RegisterConnectServer(s grpc.ServiceRegistrar, srv ConnectServer) {
	s.RegisterService(&ConnectServiceDesc, srv)
}

// OpenProcessStream opens the proxy-to-agent stream. ctx bounds the stream's
// whole lifetime, not just the open.
func OpenProcessStream(ctx context.Context, cc grpc.ClientConnInterface) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &ProcessServiceDesc.Streams[0], ProcessMethod, CallOptions()...)
}

// OpenConnectStream opens the agent-to-proxy stream.
func OpenConnectStream(ctx context.Context, cc grpc.ClientConnInterface) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &ConnectServiceDesc.Streams[0], ConnectMethod, CallOptions()...)
}

// CallOptions raises gRPC message limits to the stream payload ceiling.
func CallOptions() []grpc.CallOption {
	return []grpc.CallOption{
		grpc.MaxCallRecvMsgSize(MaxStreamPayload + streamOverhead),
		grpc.MaxCallSendMsgSize(MaxStreamPayload + streamOverhead),
	}
}

// ServerOptions is the server-side counterpart of CallOptions.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxStreamPayload + streamOverhead),
		grpc.MaxSendMsgSize(MaxStreamPayload + streamOverhead),
	}
}

func isStreamCanceled(err error) bool {
	if s, ok := status.FromError(err); ok {
		return s.Code() == codes.Canceled
	}
	return false
}
