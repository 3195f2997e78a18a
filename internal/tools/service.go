package tools

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service exposing tool execution.
const ServiceName = "cxrouter.tools.v1.ToolService"

const executeMethod = "/" + ServiceName + "/Execute"

// Wire field names of the Execute request and response structs.
const (
	fieldSessionID = "session_id"
	fieldRole      = "role"
	fieldName      = "name"
	fieldArguments = "arguments"
	fieldPayload   = "payload"
)

// ToolServiceServer is the server API of the tool service. Messages are
// google.protobuf.Struct so no generated code is required.
type ToolServiceServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var toolServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ToolServiceServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Execute",
		Handler:    executeHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cxrouter/tools/v1/tools.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ToolServiceServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ToolServiceServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type executorServer struct {
	exec Executor
}

func (s *executorServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	call := Call{
		SessionID: fields[fieldSessionID].GetStringValue(),
		Role:      fields[fieldRole].GetStringValue(),
		Name:      fields[fieldName].GetStringValue(),
		Arguments: fields[fieldArguments].GetStringValue(),
	}
	payload := s.exec.Execute(ctx, call)
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldPayload: structpb.NewStringValue(payload),
	}}, nil
}

// RegisterService serves exec as the tool service on s, together with a
// health service reporting it as serving.
func RegisterService(s *grpc.Server, exec Executor) *health.Server {
	s.RegisterService(&toolServiceDesc, &executorServer{exec: exec})

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}
