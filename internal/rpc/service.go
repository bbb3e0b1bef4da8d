package rpc

import "google.golang.org/grpc"

// controlServiceName names the service of the single bidirectional-streaming RPC that carries every
// Envelope exchanged between a worker and the master, in place of the
// protoc-generated JobQueue service the teacher relies on.
const controlServiceName = "runtime.Control"

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlServiceName,
	HandlerType: (*controlServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Control",
			Handler:       controlStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "internal/rpc/control.go",
}

type controlServer interface {
	control(stream grpc.ServerStream) error
}

func controlStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(controlServer).control(stream)
}

func registerControlServer(s *grpc.Server, srv controlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}
