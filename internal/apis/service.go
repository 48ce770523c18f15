package apis

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "grps.protos.GrpsService"

// GrpsServiceServer is the server contract for the RPC surface.
type GrpsServiceServer interface {
	Predict(context.Context, *GrpsMessage) (*GrpsMessage, error)
	PredictStreaming(*GrpsMessage, GrpsService_PredictStreamingServer) error
	Online(context.Context, *GrpsMessage) (*GrpsMessage, error)
	Offline(context.Context, *GrpsMessage) (*GrpsMessage, error)
	CheckLiveness(context.Context, *GrpsMessage) (*GrpsMessage, error)
	CheckReadiness(context.Context, *GrpsMessage) (*GrpsMessage, error)
	ServerMetadata(context.Context, *GrpsMessage) (*GrpsMessage, error)
	ModelMetadata(context.Context, *GrpsMessage) (*GrpsMessage, error)
}

// GrpsService_PredictStreamingServer is the send side of the streaming predict.
type GrpsService_PredictStreamingServer interface {
	Send(*GrpsMessage) error
	grpc.ServerStream
}

type predictStreamingServer struct {
	grpc.ServerStream
}

func (s *predictStreamingServer) Send(m *GrpsMessage) error { return s.ServerStream.SendMsg(m) }

// RegisterGrpsServiceServer registers srv on s under ServiceName.
func RegisterGrpsServiceServer(s grpc.ServiceRegistrar, srv GrpsServiceServer) {
	s.RegisterService(&GrpsServiceDesc, srv)
}

func unaryHandler(
	method string,
	call func(GrpsServiceServer, context.Context, *GrpsMessage) (*GrpsMessage, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(GrpsMessage)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GrpsServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(GrpsServiceServer), ctx, req.(*GrpsMessage))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func predictStreamingHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(GrpsMessage)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GrpsServiceServer).PredictStreaming(in, &predictStreamingServer{stream})
}

// GrpsServiceDesc describes the service the way generated stubs would. The
// codec is JSON (CodecName) rather than protobuf, so the descriptor is
// written by hand.
var GrpsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GrpsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: unaryHandler("Predict", GrpsServiceServer.Predict)},
		{MethodName: "Online", Handler: unaryHandler("Online", GrpsServiceServer.Online)},
		{MethodName: "Offline", Handler: unaryHandler("Offline", GrpsServiceServer.Offline)},
		{MethodName: "CheckLiveness", Handler: unaryHandler("CheckLiveness", GrpsServiceServer.CheckLiveness)},
		{MethodName: "CheckReadiness", Handler: unaryHandler("CheckReadiness", GrpsServiceServer.CheckReadiness)},
		{MethodName: "ServerMetadata", Handler: unaryHandler("ServerMetadata", GrpsServiceServer.ServerMetadata)},
		{MethodName: "ModelMetadata", Handler: unaryHandler("ModelMetadata", GrpsServiceServer.ModelMetadata)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "PredictStreaming",
			Handler:       predictStreamingHandler,
			ServerStreams: true,
		},
	},
}

// GrpsServiceClient is the client contract, mirroring the server methods.
type GrpsServiceClient interface {
	Predict(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error)
	PredictStreaming(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (GrpsService_PredictStreamingClient, error)
	Online(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error)
	Offline(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error)
	CheckLiveness(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error)
	CheckReadiness(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error)
	ServerMetadata(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error)
	ModelMetadata(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error)
}

// GrpsService_PredictStreamingClient is the receive side of the streaming predict.
type GrpsService_PredictStreamingClient interface {
	Recv() (*GrpsMessage, error)
	grpc.ClientStream
}

type predictStreamingClient struct {
	grpc.ClientStream
}

func (c *predictStreamingClient) Recv() (*GrpsMessage, error) {
	m := new(GrpsMessage)
	if err := c.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type grpsServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewGrpsServiceClient wraps cc in a client for ServiceName. Callers must dial
// with grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)).
func NewGrpsServiceClient(cc grpc.ClientConnInterface) GrpsServiceClient {
	return &grpsServiceClient{cc}
}

func (c *grpsServiceClient) invoke(ctx context.Context, method string, in *GrpsMessage, opts []grpc.CallOption) (*GrpsMessage, error) {
	out := new(GrpsMessage)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *grpsServiceClient) Predict(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error) {
	return c.invoke(ctx, "Predict", in, opts)
}

func (c *grpsServiceClient) PredictStreaming(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (GrpsService_PredictStreamingClient, error) {
	stream, err := c.cc.NewStream(ctx, &GrpsServiceDesc.Streams[0], "/"+ServiceName+"/PredictStreaming", opts...)
	if err != nil {
		return nil, err
	}
	x := &predictStreamingClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *grpsServiceClient) Online(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error) {
	return c.invoke(ctx, "Online", in, opts)
}

func (c *grpsServiceClient) Offline(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error) {
	return c.invoke(ctx, "Offline", in, opts)
}

func (c *grpsServiceClient) CheckLiveness(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error) {
	return c.invoke(ctx, "CheckLiveness", in, opts)
}

func (c *grpsServiceClient) CheckReadiness(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error) {
	return c.invoke(ctx, "CheckReadiness", in, opts)
}

func (c *grpsServiceClient) ServerMetadata(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error) {
	return c.invoke(ctx, "ServerMetadata", in, opts)
}

func (c *grpsServiceClient) ModelMetadata(ctx context.Context, in *GrpsMessage, opts ...grpc.CallOption) (*GrpsMessage, error) {
	return c.invoke(ctx, "ModelMetadata", in, opts)
}
