package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "beaver.timer.v1.TimerService"

// Full method names.
const (
	ScheduleMethod  = "/" + ServiceName + "/Schedule"
	GetStatusMethod = "/" + ServiceName + "/GetStatus"
)

// TimerServiceServer is the server API. Messages are google.protobuf.Struct
// values whose fields mirror the HTTP JSON bodies.
type TimerServiceServer interface {
	Schedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterTimerServiceServer registers srv on s.
func RegisterTimerServiceServer(s grpc.ServiceRegistrar, srv TimerServiceServer) {
	s.RegisterService(&TimerServiceDesc, srv)
}

func scheduleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TimerServiceServer).Schedule(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ScheduleMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TimerServiceServer).Schedule(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TimerServiceServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TimerServiceServer).GetStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// TimerServiceDesc is the grpc.ServiceDesc for TimerService.
var TimerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TimerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Schedule", Handler: scheduleHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/timer/v1/timer.proto",
}
