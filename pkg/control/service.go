package control

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/core-tools/hsu-fleet/pkg/errors"
)

// ServiceName is the fully qualified gRPC service name of the fleet control service
const ServiceName = "hsu.fleet.v1.FleetService"

const (
	fieldServer    = "server"
	fieldAction    = "action"
	fieldGroup     = "group"
	fieldDirection = "direction"
	fieldCommand   = "command"
)

// fleetServiceServer is the server side of the control service. Messages are
// well-known protobuf types so no generated code is needed.
type fleetServiceServer interface {
	Status(ctx context.Context, in *emptypb.Empty) (*wrapperspb.StringValue, error)
	ListGroups(ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error)
	ListServers(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error)
	ControlServer(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	ScaleGroup(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	SendCommand(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*fleetServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", func() *emptypb.Empty { return &emptypb.Empty{} }, fleetServiceServer.Status),
		unary("ListGroups", func() *emptypb.Empty { return &emptypb.Empty{} }, fleetServiceServer.ListGroups),
		unary("ListServers", func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }, fleetServiceServer.ListServers),
		unary("ControlServer", newStruct, fleetServiceServer.ControlServer),
		unary("ScaleGroup", newStruct, fleetServiceServer.ScaleGroup),
		unary("SendCommand", newStruct, fleetServiceServer.SendCommand),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hsu/fleet/v1/fleet.proto",
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func newStruct() *structpb.Struct {
	return &structpb.Struct{}
}

func unary[Req, Resp proto.Message](method string, newRequest func() Req, call func(fleetServiceServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newRequest()
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(fleetServiceServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(server, ctx, req.(Req))
			})
		},
	}
}

// toStatus maps domain errors onto gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch {
	case errors.IsValidationError(err):
		code = codes.InvalidArgument
	case errors.IsNotFoundError(err):
		code = codes.NotFound
	case errors.IsConflictError(err):
		code = codes.AlreadyExists
	case errors.IsRejectedError(err):
		code = codes.FailedPrecondition
	case errors.IsTimeoutError(err):
		code = codes.DeadlineExceeded
	case errors.IsCancelledError(err):
		code = codes.Canceled
	case errors.IsAuthError(err):
		code = codes.PermissionDenied
	case errors.IsNetworkError(err), errors.IsProviderError(err):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

// fromStatus turns a gRPC status back into the matching domain error
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return errors.NewNetworkError("control call failed", err)
	}
	message := st.Message()
	switch st.Code() {
	case codes.InvalidArgument:
		return errors.NewValidationError(message, nil)
	case codes.NotFound:
		return errors.NewNotFoundError(message, nil)
	case codes.AlreadyExists:
		return errors.NewConflictError(message, nil)
	case codes.FailedPrecondition:
		return errors.NewRejectedError(message, nil)
	case codes.DeadlineExceeded:
		return errors.NewTimeoutError(message, nil)
	case codes.Canceled:
		return errors.NewCancelledError(message, nil)
	case codes.PermissionDenied:
		return errors.NewAuthError(message, nil)
	case codes.Unavailable:
		return errors.NewNetworkError(message, nil)
	default:
		return errors.NewInternalError(message, nil)
	}
}

// toList converts JSON-tagged values into a protobuf list of structs
func toList[T any](values []T) (*structpb.ListValue, error) {
	items := make([]interface{}, 0, len(values))
	for _, value := range values {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, errors.NewInternalError("failed to encode value", err)
		}
		var item map[string]interface{}
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, errors.NewInternalError("failed to encode value", err)
		}
		items = append(items, item)
	}
	list, err := structpb.NewList(items)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode list", err)
	}
	return list, nil
}

func fromList[T any](list *structpb.ListValue) ([]T, error) {
	values := make([]T, 0, len(list.GetValues()))
	for _, item := range list.AsSlice() {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, errors.NewProtocolError("failed to decode value", err)
		}
		var value T
		if err := json.Unmarshal(data, &value); err != nil {
			return nil, errors.NewProtocolError("failed to decode value", err)
		}
		values = append(values, value)
	}
	return values, nil
}

func stringField(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}
