package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentcore.gate.v1.GateService"

const (
	checkMethod       = "/" + ServiceName + "/Check"
	brakeStatusMethod = "/" + ServiceName + "/BrakeStatus"
)

// GateServiceServer is implemented by GateServer. Messages are
// google.protobuf.Struct so agents in any language can call it without
// generated stubs.
type GateServiceServer interface {
	Check(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	BrakeStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var GateServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GateServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unary(checkMethod, GateServiceServer.Check)},
		{MethodName: "BrakeStatus", Handler: unary(brakeStatusMethod, GateServiceServer.BrakeStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentcore/gate/v1/gate.proto",
}

// RegisterGateServiceServer registers srv on s.
func RegisterGateServiceServer(s grpc.ServiceRegistrar, srv GateServiceServer) {
	s.RegisterService(&GateServiceDesc, srv)
}

type unaryFunc func(GateServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, fn unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(GateServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(GateServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GateClient calls a remote GateService.
type GateClient struct {
	cc grpc.ClientConnInterface
}

func NewGateClient(cc grpc.ClientConnInterface) *GateClient {
	return &GateClient{cc: cc}
}

func (c *GateClient) Check(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, checkMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GateClient) BrakeStatus(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, brakeStatusMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
